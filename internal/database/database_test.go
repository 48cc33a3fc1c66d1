package database

import (
	"context"
	"testing"
	"time"

	"github.com/coralpbx/coralpbx/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db.Close()

	// Reopening must not re-run applied migrations.
	db, err = Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db.Close()
}

func TestExtensionCRUD(t *testing.T) {
	db := openTestDB(t)
	repo := NewExtensionRepository(db)
	ctx := context.Background()

	ext := &models.Extension{
		Number:       "1001",
		Name:         "Alice Anderson",
		Email:        "alice@example.com",
		PasswordHash: "$argon2id$v=19$m=65536,t=3,p=4$c2FsdA$aGFzaA",
	}
	if err := repo.Create(ctx, ext); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	got, err := repo.GetByNumber(ctx, "1001")
	if err != nil {
		t.Fatalf("GetByNumber() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByNumber() returned nil for existing extension")
	}
	if got.Name != "Alice Anderson" {
		t.Errorf("Name = %q, want Alice Anderson", got.Name)
	}

	got.Name = "Alice A."
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	got, err = repo.GetByNumber(ctx, "1001")
	if err != nil {
		t.Fatalf("GetByNumber() after update error: %v", err)
	}
	if got.Name != "Alice A." {
		t.Errorf("Name after update = %q, want Alice A.", got.Name)
	}

	missing, err := repo.GetByNumber(ctx, "9999")
	if err != nil {
		t.Fatalf("GetByNumber(missing) error: %v", err)
	}
	if missing != nil {
		t.Error("GetByNumber(missing) should return nil")
	}

	if err := repo.Delete(ctx, "1001"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	count, err := repo.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if count != 0 {
		t.Errorf("Count() after delete = %d, want 0", count)
	}
}

func TestCallRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	repo := NewCallRecordRepository(db)
	ctx := context.Background()

	start := time.Now().UTC().Truncate(time.Second)
	rec := &models.CallRecord{
		CallID:    "abc123@pbx",
		FromExt:   "1001",
		ToExt:     "1002",
		StartTime: start,
		Status:    models.DispositionNoAnswer,
	}
	if err := repo.Create(ctx, rec); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	answer := start.Add(3 * time.Second)
	end := start.Add(63 * time.Second)
	rec.AnswerTime = &answer
	rec.EndTime = &end
	rec.Duration = 63
	rec.BillableDur = 60
	rec.Status = models.DispositionAnswered
	if err := repo.Update(ctx, rec); err != nil {
		t.Fatalf("Update() error: %v", err)
	}

	got, err := repo.GetByCallID(ctx, "abc123@pbx")
	if err != nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if got == nil {
		t.Fatal("GetByCallID() returned nil")
	}
	if got.Status != models.DispositionAnswered {
		t.Errorf("Status = %q, want answered", got.Status)
	}
	if got.BillableDur != 60 {
		t.Errorf("BillableDur = %d, want 60", got.BillableDur)
	}
	if got.AnswerTime == nil || got.EndTime == nil {
		t.Error("AnswerTime/EndTime should be set after update")
	}

	recs, total, err := repo.List(ctx, CallRecordListFilter{Limit: 10, Search: "1001"})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 1 || len(recs) != 1 {
		t.Errorf("List() = %d rows (total %d), want 1", len(recs), total)
	}
}

func TestQoSRecords(t *testing.T) {
	db := openTestDB(t)
	repo := NewQoSRepository(db)
	ctx := context.Background()

	for _, rec := range []*models.QoSRecord{
		{CallID: "c1", Direction: "a_to_b", PacketsReceived: 500, MOS: 4.2, Quality: "Good"},
		{CallID: "c1", Direction: "b_to_a", PacketsReceived: 498, PacketsLost: 2, LossPct: 0.4, MOS: 4.0, Quality: "Good"},
		{CallID: "c2", Direction: "a_to_b", MOS: 0.0, Quality: "Bad"}, // no data
	} {
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create(%s/%s) error: %v", rec.CallID, rec.Direction, err)
		}
	}

	rows, err := repo.GetByCallID(ctx, "c1")
	if err != nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("GetByCallID(c1) = %d rows, want 2", len(rows))
	}

	// The no-data sentinel row must not drag the fleet average down.
	avg, err := repo.AverageMOS(ctx)
	if err != nil {
		t.Fatalf("AverageMOS() error: %v", err)
	}
	if avg < 4.0 || avg > 4.3 {
		t.Errorf("AverageMOS() = %f, want mean of 4.2 and 4.0", avg)
	}
}
