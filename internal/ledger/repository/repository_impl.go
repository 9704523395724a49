package repository

import (
	"context"
	"strings"
	"time"

	"github.com/scribeforge/creditd/internal/ledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// appendConflictClause turns a duplicate (user, operation, reason) insert
// into a silent no-op. gorm renders the dialect's native syntax: ON
// CONFLICT DO NOTHING on postgres/sqlite, ON DUPLICATE KEY UPDATE on mysql.
var appendConflictClause = clause.OnConflict{
	Columns: []clause.Column{
		{Name: "user_id"},
		{Name: "operation_id"},
		{Name: "reason"},
	},
	DoNothing: true,
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Append(ctx context.Context, db *gorm.DB, record *domain.UsageRecord) (bool, error) {
	res := db.WithContext(ctx).Clauses(appendConflictClause).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, req domain.ListRequest) ([]domain.UsageRecord, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, domain.ErrInvalidUser
	}
	limit := req.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	stmt := db.WithContext(ctx).
		Where("user_id = ?", req.UserID).
		Order("created_at DESC").
		Limit(limit)
	if req.Reason != "" {
		stmt = stmt.Where("reason = ?", string(req.Reason))
	}
	if req.Before != nil {
		stmt = stmt.Where("created_at < ?", req.Before.UTC())
	}

	var records []domain.UsageRecord
	if err := stmt.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) OpenReservations(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.OpenReservation, error) {
	if limit <= 0 {
		limit = 100
	}

	// sqlite has no row-level locks; everything serializes on the writer.
	lock := "FOR UPDATE SKIP LOCKED"
	if db.Dialector.Name() == "sqlite" {
		lock = ""
	}

	var rows []domain.OpenReservation
	err := db.WithContext(ctx).Raw(
		`SELECT r.user_id, r.operation_id, r.delta, r.created_at
		 FROM usage_records r
		 WHERE r.reason = ?
		   AND r.created_at < ?
		   AND NOT EXISTS (
			SELECT 1 FROM usage_records c
			WHERE c.user_id = r.user_id
			  AND c.operation_id = r.operation_id
			  AND c.reason IN (?, ?)
		   )
		 ORDER BY r.created_at ASC
		 LIMIT ? `+lock,
		string(domain.ReasonReserve),
		before.UTC(),
		string(domain.ReasonCommit),
		string(domain.ReasonRefund),
		limit,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}
