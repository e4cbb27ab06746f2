package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/hazyhaar/cmsbatch/dbopen"
	_ "modernc.org/sqlite"
)

func sqliteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db := dbopen.OpenMemory(t)
	s := NewSQLiteStore(db)
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return s
}

func TestSQLiteStoreRoundtrip(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	in := &ChangeLog{
		RollbackID:   "rb_sqlite",
		Timestamp:    time.Now().UnixMilli(),
		TotalChanges: 2,
		Status:       StatusPartialFailure,
		Changes: []ChangeRecord{
			{ResourceID: "res-1", Field: "title", Before: "a", After: "b", ChangeType: "title"},
			{ResourceID: "item-1", Field: "fld-1", Before: "x", After: "y", ChangeType: "cms-field"},
		},
	}
	if err := s.Put(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "rb_sqlite")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatal("stored log not found")
	}
	if got.Status != StatusPartialFailure || got.TotalChanges != 2 {
		t.Fatalf("got %+v", got)
	}
	if got.Changes[1] != in.Changes[1] {
		t.Fatalf("got record %+v, want %+v", got.Changes[1], in.Changes[1])
	}
}

func TestSQLiteStoreUnknownIDIsNil(t *testing.T) {
	s := sqliteStore(t)
	got, err := s.Get(context.Background(), "rb_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != nil {
		t.Fatalf("got %+v, want nil", got)
	}
}

func TestSQLiteStoreListNewestFirst(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()
	base := time.Now().UnixMilli()

	for i, id := range []string{"rb_a", "rb_b", "rb_c"} {
		err := s.Put(ctx, &ChangeLog{
			RollbackID:   id,
			Timestamp:    base + int64(i)*1000,
			TotalChanges: 0,
			Status:       StatusCompleted,
			Changes:      []ChangeRecord{},
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	logs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("got %d logs, want 3", len(logs))
	}
	if logs[0].RollbackID != "rb_c" || logs[2].RollbackID != "rb_a" {
		t.Fatalf("not ordered newest-first: %s, %s, %s",
			logs[0].RollbackID, logs[1].RollbackID, logs[2].RollbackID)
	}
}

func TestSQLiteStoreDelete(t *testing.T) {
	s := sqliteStore(t)
	ctx := context.Background()

	for _, id := range []string{"rb_a", "rb_b"} {
		err := s.Put(ctx, &ChangeLog{
			RollbackID: id,
			Timestamp:  time.Now().UnixMilli(),
			Status:     StatusCompleted,
			Changes:    []ChangeRecord{},
		})
		if err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	if err := s.Delete(ctx, "rb_a", "rb_never_existed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, _ := s.Get(ctx, "rb_a"); got != nil {
		t.Fatal("rb_a survived delete")
	}
	if got, _ := s.Get(ctx, "rb_b"); got == nil {
		t.Fatal("rb_b was deleted by mistake")
	}
}
