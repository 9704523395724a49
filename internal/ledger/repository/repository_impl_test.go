package repository_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/scribeforge/creditd/internal/ledger/domain"
	"github.com/scribeforge/creditd/internal/ledger/repository"
	"gorm.io/gorm"
)

var testDBSeq atomic.Int64

func setupTestDB(t *testing.T) (*gorm.DB, *snowflake.Node) {
	t.Helper()

	dsn := fmt.Sprintf("file:ledger_test_%d?mode=memory&cache=shared", testDBSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&domain.UsageRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(6)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return db, node
}

func TestAppendConflictIsSilent(t *testing.T) {
	ctx := context.Background()
	db, node := setupTestDB(t)
	repo := repository.Provide()

	record := &domain.UsageRecord{
		ID:          node.Generate(),
		UserID:      "user-1",
		OperationID: "op_1",
		Reason:      domain.ReasonReserve,
		Delta:       -1,
		CreatedAt:   time.Now().UTC(),
	}
	inserted, err := repo.Append(ctx, db, record)
	if err != nil || !inserted {
		t.Fatalf("first append: inserted=%v err=%v", inserted, err)
	}

	duplicate := *record
	duplicate.ID = node.Generate()
	inserted, err = repo.Append(ctx, db, &duplicate)
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if inserted {
		t.Fatal("duplicate (user, operation, reason) was inserted")
	}

	// Same operation, different reason, is a distinct phase and must land.
	commit := *record
	commit.ID = node.Generate()
	commit.Reason = domain.ReasonCommit
	commit.Delta = 0
	inserted, err = repo.Append(ctx, db, &commit)
	if err != nil || !inserted {
		t.Fatalf("commit append: inserted=%v err=%v", inserted, err)
	}
}

func TestListFilters(t *testing.T) {
	ctx := context.Background()
	db, node := setupTestDB(t)
	repo := repository.Provide()

	base := time.Now().UTC().Add(-time.Hour)
	seed := []struct {
		op     string
		reason domain.UsageReason
		at     time.Time
	}{
		{"op_1", domain.ReasonReserve, base},
		{"op_1", domain.ReasonCommit, base.Add(time.Minute)},
		{"op_2", domain.ReasonReserve, base.Add(2 * time.Minute)},
		{"sess_1", domain.ReasonPayment, base.Add(3 * time.Minute)},
	}
	for _, row := range seed {
		inserted, err := repo.Append(ctx, db, &domain.UsageRecord{
			ID:          node.Generate(),
			UserID:      "user-1",
			OperationID: row.op,
			Reason:      row.reason,
			Delta:       1,
			CreatedAt:   row.at,
		})
		if err != nil || !inserted {
			t.Fatalf("seed %s/%s: inserted=%v err=%v", row.op, row.reason, inserted, err)
		}
	}

	records, err := repo.List(ctx, db, domain.ListRequest{UserID: "user-1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 4 {
		t.Fatalf("expected 4 records, got %d", len(records))
	}
	if records[0].OperationID != "sess_1" {
		t.Fatalf("expected newest first, got %s", records[0].OperationID)
	}

	records, err = repo.List(ctx, db, domain.ListRequest{UserID: "user-1", Reason: domain.ReasonReserve})
	if err != nil {
		t.Fatalf("list by reason: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 reserve records, got %d", len(records))
	}

	before := base.Add(90 * time.Second)
	records, err = repo.List(ctx, db, domain.ListRequest{UserID: "user-1", Before: &before})
	if err != nil {
		t.Fatalf("list before: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records before cutoff, got %d", len(records))
	}

	records, err = repo.List(ctx, db, domain.ListRequest{UserID: "user-1", Limit: 1})
	if err != nil {
		t.Fatalf("list limit: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	if _, err := repo.List(ctx, db, domain.ListRequest{}); err != domain.ErrInvalidUser {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
}

func TestOpenReservations(t *testing.T) {
	ctx := context.Background()
	db, node := setupTestDB(t)
	repo := repository.Provide()

	old := time.Now().UTC().Add(-time.Hour)
	seed := func(userID, op string, reason domain.UsageReason, delta int64, at time.Time) {
		t.Helper()
		inserted, err := repo.Append(ctx, db, &domain.UsageRecord{
			ID:          node.Generate(),
			UserID:      userID,
			OperationID: op,
			Reason:      reason,
			Delta:       delta,
			CreatedAt:   at,
		})
		if err != nil || !inserted {
			t.Fatalf("append %s/%s: inserted=%v err=%v", op, reason, inserted, err)
		}
	}

	seed("user-1", "op_open", domain.ReasonReserve, -1, old)
	seed("user-1", "op_done", domain.ReasonReserve, -1, old)
	seed("user-1", "op_done", domain.ReasonCommit, 0, old.Add(time.Second))
	seed("user-2", "op_fresh", domain.ReasonReserve, -1, time.Now().UTC())

	rows, err := repo.OpenReservations(ctx, db, time.Now().UTC().Add(-10*time.Minute), 50)
	if err != nil {
		t.Fatalf("open reservations: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 open reservation, got %d", len(rows))
	}
	if rows[0].OperationID != "op_open" {
		t.Fatalf("expected op_open, got %s", rows[0].OperationID)
	}
	if rows[0].Delta != -1 {
		t.Fatalf("expected delta -1, got %d", rows[0].Delta)
	}
}
