package state

import (
	"path/filepath"
	"testing"
	"time"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "drover.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestArchiveAndGetInstance(t *testing.T) {
	db := testDB(t)

	ended := time.Now().Add(time.Minute)
	rec := InstanceRecord{
		ID:         "inst-1",
		Definition: "order-approval",
		Kind:       "process",
		Status:     "COMPLETED",
		Variables:  map[string]any{"amount": 42.0, "approved": true},
		StartedAt:  time.Now(),
		EndedAt:    &ended,
	}
	if err := db.ArchiveInstance(rec); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := db.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("expected archived instance")
	}
	if got.Definition != "order-approval" || got.Status != "COMPLETED" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Variables["amount"] != 42.0 || got.Variables["approved"] != true {
		t.Errorf("unexpected variables: %v", got.Variables)
	}
	if got.EndedAt == nil {
		t.Error("expected ended_at to round-trip")
	}
}

func TestGetInstanceMissingReturnsNil(t *testing.T) {
	db := testDB(t)

	got, err := db.GetInstance("ghost")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing instance, got %+v", got)
	}
}

func TestReArchiveOverwrites(t *testing.T) {
	db := testDB(t)

	rec := InstanceRecord{ID: "inst-1", Definition: "d", Kind: "workflow", Status: "EXECUTING", StartedAt: time.Now()}
	if err := db.ArchiveInstance(rec); err != nil {
		t.Fatalf("archive: %v", err)
	}
	rec.Status = "COMPLETED"
	if err := db.ArchiveInstance(rec); err != nil {
		t.Fatalf("re-archive: %v", err)
	}

	got, err := db.GetInstance("inst-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "COMPLETED" {
		t.Errorf("expected overwrite, got status %s", got.Status)
	}
}

func TestListInstancesFiltersByStatus(t *testing.T) {
	db := testDB(t)

	base := time.Now()
	for i, status := range []string{"COMPLETED", "FAILED", "COMPLETED"} {
		rec := InstanceRecord{
			ID:         string(rune('a' + i)),
			Definition: "d",
			Kind:       "process",
			Status:     status,
			StartedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := db.ArchiveInstance(rec); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	completed, err := db.ListInstances("COMPLETED", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 2 {
		t.Errorf("expected 2 completed, got %d", len(completed))
	}

	all, err := db.ListInstances("", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected limit applied, got %d", len(all))
	}
}

func TestTransitionHistoryRoundTrip(t *testing.T) {
	db := testDB(t)

	now := time.Now()
	transitions := []TransitionRecord{
		{WorkflowID: "wf-1", From: "", To: "INITIALIZED", Reason: "registered", At: now},
		{WorkflowID: "wf-1", From: "INITIALIZED", To: "VALIDATING", Reason: "start", At: now.Add(time.Second)},
		{WorkflowID: "wf-1", From: "VALIDATING", To: "FAILED", Reason: "bad input", At: now.Add(2 * time.Second)},
	}
	if err := db.ArchiveTransitions("wf-1", transitions); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := db.ListTransitions("wf-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	if got[0].To != "INITIALIZED" || got[2].To != "FAILED" {
		t.Errorf("order not preserved: %+v", got)
	}
	if got[2].Reason != "bad input" {
		t.Errorf("unexpected reason %q", got[2].Reason)
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	db := testDB(t)

	rec := DeadLetterRecord{
		TaskID:       "t1",
		Priority:     "HIGH",
		Reason:       "retries exhausted",
		Retryable:    false,
		DeadLettered: time.Now(),
	}
	if err := db.ArchiveDeadLetter(rec); err != nil {
		t.Fatalf("archive: %v", err)
	}

	got, err := db.ListDeadLetters(10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(got))
	}
	if got[0].TaskID != "t1" || got[0].Priority != "HIGH" || got[0].Retryable {
		t.Errorf("unexpected record: %+v", got[0])
	}
}

func TestPurgeOldInstances(t *testing.T) {
	db := testDB(t)

	old := InstanceRecord{ID: "old", Definition: "d", Kind: "process", Status: "COMPLETED", StartedAt: time.Now().Add(-48 * time.Hour)}
	fresh := InstanceRecord{ID: "fresh", Definition: "d", Kind: "process", Status: "COMPLETED", StartedAt: time.Now()}
	for _, rec := range []InstanceRecord{old, fresh} {
		if err := db.ArchiveInstance(rec); err != nil {
			t.Fatalf("archive: %v", err)
		}
	}

	purged, err := db.PurgeOldInstances(24 * time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged, got %d", purged)
	}

	got, err := db.GetInstance("fresh")
	if err != nil || got == nil {
		t.Errorf("fresh instance should survive purge: %v %v", got, err)
	}
}
