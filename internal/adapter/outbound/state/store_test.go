package state

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/privarion/privarion/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSnapshot() *Snapshot {
	enabled := true
	return &Snapshot{
		Version: "1",
		Rules: []config.RuleSpec{{
			ID:          "deny-camera",
			Name:        "camera guard",
			Description: "denies camera access",
			Condition:   config.ConditionSpec{Kind: "service_name", Pattern: "camera"},
			Action:      config.ActionSpec{Kind: "deny"},
			Severity:    "high",
			Enabled:     &enabled,
		}},
		Policies: []config.PolicySpec{{
			Identifier:      "com.example.app",
			ProtectionLevel: "strict",
		}},
		Operators: []config.OperatorSpec{{
			Name:    "alice",
			KeyHash: "$argon2id$v=19$m=48128,t=1,p=1$c2FsdHNhbHRzYWx0c2FsdA$aGFzaGhhc2hoYXNoaGFzaA",
		}},
	}
}

func TestSnapshotStore_LoadMissingReturnsDefault(t *testing.T) {
	t.Parallel()

	store := NewSnapshotStore(filepath.Join(t.TempDir(), "state.json"), testLogger())
	if store.Exists() {
		t.Fatal("Exists() should be false before any save")
	}

	snap, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(snap.Rules) != 0 || len(snap.Policies) != 0 || len(snap.Operators) != 0 {
		t.Errorf("default snapshot should be empty, got %+v", snap)
	}
	if snap.Version == "" {
		t.Error("default snapshot should carry a version")
	}
}

func TestSnapshotStore_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	store := NewSnapshotStore(path, testLogger())

	if err := store.Save(testSnapshot()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if !store.Exists() {
		t.Fatal("Exists() should be true after save")
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got.Rules) != 1 || got.Rules[0].ID != "deny-camera" {
		t.Errorf("Rules = %+v, want the saved rule", got.Rules)
	}
	if len(got.Policies) != 1 || got.Policies[0].Identifier != "com.example.app" {
		t.Errorf("Policies = %+v, want the saved policy", got.Policies)
	}
	if len(got.Operators) != 1 || got.Operators[0].Name != "alice" {
		t.Errorf("Operators = %+v, want the saved operator", got.Operators)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be stamped by Save")
	}
}

func TestSnapshotStore_SaveSetsOwnerOnlyPermissions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	store := NewSnapshotStore(path, testLogger())
	if err := store.Save(store.DefaultSnapshot()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file mode = %04o, want 0600", perm)
	}
}

func TestSnapshotStore_SecondSaveKeepsBackup(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	store := NewSnapshotStore(path, testLogger())

	first := store.DefaultSnapshot()
	first.Version = "first"
	if err := store.Save(first); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	second := store.DefaultSnapshot()
	second.Version = "second"
	if err := store.Save(second); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	bak, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("backup file missing: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(bak, &snap); err != nil {
		t.Fatalf("backup is not valid JSON: %v", err)
	}
	if snap.Version != "first" {
		t.Errorf("backup Version = %q, want the previous snapshot", snap.Version)
	}

	got, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got.Version != "second" {
		t.Errorf("Version = %q, want second", got.Version)
	}
}

func TestSnapshotStore_LoadRejectsCorruptJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	store := NewSnapshotStore(path, testLogger())
	if _, err := store.Load(); err == nil {
		t.Error("Load() of corrupt file should fail")
	}
}

func TestSnapshotStore_SaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	store := NewSnapshotStore(path, testLogger())
	if err := store.Save(store.DefaultSnapshot()); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not survive a successful save")
	}
}
