package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/privarion/privarion/internal/domain/audit"
)

func testRecord(id string) audit.Record {
	return audit.Record{
		EventID:   id,
		Timestamp: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		Subject:   "com.example.app",
		Decision:  "deny",
		Severity:  "medium",
	}
}

func TestAuditStore_AppendWritesJSONLines(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store := NewAuditStoreWithWriter(&buf)

	if err := store.Append(context.Background(), testRecord("e1"), testRecord("e2")); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("wrote %d lines, want 2", len(lines))
	}
	var rec audit.Record
	if err := json.Unmarshal(lines[0], &rec); err != nil {
		t.Fatalf("line 0 is not valid JSON: %v", err)
	}
	if rec.EventID != "e1" {
		t.Errorf("EventID = %q, want e1", rec.EventID)
	}
}

func TestAuditStore_RecentNewestLast(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store := NewAuditStoreWithWriter(&buf)

	for i := 0; i < 5; i++ {
		if err := store.Append(context.Background(), testRecord(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	recent := store.Recent(3)
	if len(recent) != 3 {
		t.Fatalf("Recent(3) len = %d, want 3", len(recent))
	}
	if recent[0].EventID != "e2" || recent[2].EventID != "e4" {
		t.Errorf("Recent(3) = [%s .. %s], want [e2 .. e4]", recent[0].EventID, recent[2].EventID)
	}
}

func TestAuditStore_RingBufferEvictsOldest(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store := NewAuditStoreWithWriter(&buf, 3)

	for i := 0; i < 5; i++ {
		if err := store.Append(context.Background(), testRecord(fmt.Sprintf("e%d", i))); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	recent := store.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("retained %d records, want 3", len(recent))
	}
	if recent[0].EventID != "e2" {
		t.Errorf("oldest retained = %q, want e2", recent[0].EventID)
	}
}
