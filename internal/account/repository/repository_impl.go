package repository

import (
	"context"
	"time"

	"github.com/scribeforge/creditd/internal/account/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// insertConflictClause makes a lost insert race silent: the second writer
// sees zero rows affected and re-reads the row under lock. gorm renders the
// dialect's native conflict syntax, so the same code serves mysql.
var insertConflictClause = clause.OnConflict{
	Columns:   []clause.Column{{Name: "user_id"}},
	DoNothing: true,
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	return r.get(ctx, db, userID, "")
}

func (r *repo) GetForUpdate(ctx context.Context, db *gorm.DB, userID string) (*domain.Account, error) {
	lock := "FOR UPDATE"
	if db.Dialector.Name() == "sqlite" {
		lock = ""
	}
	return r.get(ctx, db, userID, lock)
}

func (r *repo) get(ctx context.Context, db *gorm.DB, userID, lock string) (*domain.Account, error) {
	var account domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, balance, updated_at
		 FROM accounts
		 WHERE user_id = ?
		 `+lock,
		userID,
	).Scan(&account).Error
	if err != nil {
		return nil, err
	}
	if account.UserID == "" {
		return nil, nil
	}
	return &account, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	res := db.WithContext(ctx).Clauses(insertConflictClause).Create(account)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) UpdateBalance(ctx context.Context, db *gorm.DB, userID string, balance int64, updatedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE accounts
		 SET balance = ?, updated_at = ?
		 WHERE user_id = ?`,
		balance,
		updatedAt,
		userID,
	).Error
}
