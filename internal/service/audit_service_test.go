package service

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/privarion/privarion/internal/adapter/outbound/memory"
	"github.com/privarion/privarion/internal/domain/audit"
)

func auditRecord(id string) audit.Record {
	return audit.Record{
		EventID:   id,
		Timestamp: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC),
		Subject:   "com.example.app",
		Decision:  "deny",
		Severity:  "medium",
	}
}

func TestAuditService_RecordsReachStoreOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	store := memory.NewAuditStoreWithWriter(&buf)
	svc := NewAuditService(store, testLogger())
	svc.Start()

	for i := 0; i < 5; i++ {
		svc.Record(auditRecord(fmt.Sprintf("e%d", i)))
	}
	svc.Stop()

	got := svc.Recent(0)
	if len(got) != 5 {
		t.Fatalf("store holds %d records after Stop, want 5", len(got))
	}
	if got[0].EventID != "e0" || got[4].EventID != "e4" {
		t.Errorf("Recent = [%s .. %s], want [e0 .. e4]", got[0].EventID, got[4].EventID)
	}
	if svc.DroppedCount() != 0 {
		t.Errorf("DroppedCount = %d, want 0", svc.DroppedCount())
	}
}

func TestAuditService_BatchSizeTriggersFlush(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	store := memory.NewAuditStoreWithWriter(&buf)
	svc := NewAuditService(store, testLogger(),
		WithBatchSize(2),
		WithFlushInterval(time.Hour))
	svc.Start()
	defer svc.Stop()

	svc.Record(auditRecord("e1"))
	svc.Record(auditRecord("e2"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(svc.Recent(0)) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("batch never flushed, store holds %d records", len(svc.Recent(0)))
}

func TestAuditService_FullChannelDropsAndCounts(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	store := memory.NewAuditStoreWithWriter(&buf)

	var hookCalls atomic.Int64
	// Never started: the single channel slot fills and the rest drop.
	svc := NewAuditService(store, testLogger(),
		WithChannelSize(1),
		WithDropHook(func() { hookCalls.Add(1) }))

	for i := 0; i < 4; i++ {
		svc.Record(auditRecord(fmt.Sprintf("e%d", i)))
	}

	if svc.DroppedCount() != 3 {
		t.Errorf("DroppedCount = %d, want 3", svc.DroppedCount())
	}
	if hookCalls.Load() != 3 {
		t.Errorf("drop hook calls = %d, want 3", hookCalls.Load())
	}
}

func TestAuditService_StopDrainsQueuedRecords(t *testing.T) {
	defer goleak.VerifyNone(t)

	var buf bytes.Buffer
	store := memory.NewAuditStoreWithWriter(&buf)
	svc := NewAuditService(store, testLogger(),
		WithBatchSize(100),
		WithFlushInterval(time.Hour))
	svc.Start()

	// Fewer than a batch and the ticker never fires: only the Stop drain can
	// deliver these.
	for i := 0; i < 7; i++ {
		svc.Record(auditRecord(fmt.Sprintf("e%d", i)))
	}
	svc.Stop()

	if got := len(svc.Recent(0)); got != 7 {
		t.Errorf("store holds %d records after Stop, want 7", got)
	}
}
