package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/scribeforge/creditd/internal/payment/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// sessionConflictClause rejects a second checkout session with the same
// provider session id without raising a driver error; gorm renders the
// dialect's native conflict syntax.
var sessionConflictClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "session_id"}},
	DoNothing: true,
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *domain.PaymentRecord) (bool, error) {
	res := db.WithContext(ctx).Clauses(sessionConflictClause).Create(record)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindBySessionForUpdate(ctx context.Context, db *gorm.DB, sessionID string) (*domain.PaymentRecord, error) {
	lock := "FOR UPDATE"
	if db.Dialector.Name() == "sqlite" {
		lock = ""
	}
	return r.find(ctx, db, sessionID, lock)
}

func (r *repo) find(ctx context.Context, db *gorm.DB, sessionID, lock string) (*domain.PaymentRecord, error) {
	var record domain.PaymentRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, session_id, user_id, tokens_purchased, amount, currency, status, created_at, completed_at
		 FROM payment_records
		 WHERE session_id = ?
		 `+lock,
		sessionID,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, completedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?, completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusCompleted),
		completedAt,
		id,
		string(domain.StatusPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_records
		 SET status = ?
		 WHERE id = ? AND status = ?`,
		string(domain.StatusFailed),
		id,
		string(domain.StatusPending),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
