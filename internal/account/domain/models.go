package domain

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	"gorm.io/gorm"
)

// Account holds the prepaid credit balance for one user. The user id is
// issued by the external auth system; the store never invents one.
type Account struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;type:text"`
	Balance   int64     `json:"balance" gorm:"not null;check:balance >= 0"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Account) TableName() string { return "accounts" }

var (
	// ErrInsufficientBalance is a business rejection; callers must not retry.
	ErrInsufficientBalance = errors.New("insufficient_balance")
	// ErrLockTimeout is transient; callers retry with bounded backoff.
	ErrLockTimeout = errors.New("lock_timeout")

	ErrInvalidUser   = errors.New("invalid_user")
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidKey    = errors.New("invalid_idempotency_key")
)

// Service is the Balance Store: the single writer of Account.balance.
// Reserve and Credit are idempotent per operation id / idempotency key;
// retrying after an indeterminate outcome never applies the delta twice.
type Service interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	Reserve(ctx context.Context, userID string, amount int64, operationID string) (int64, error)
	Credit(ctx context.Context, userID string, amount int64, idempotencyKey string, reason ledgerdomain.UsageReason) (int64, error)

	// CreditTx applies a credit inside the caller's transaction so the
	// credit and the caller's own state transition commit atomically.
	CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, idempotencyKey string, reason ledgerdomain.UsageReason) (int64, error)
}

// Repository performs the raw account row access. Every method takes the
// database handle so the service controls transaction boundaries.
type Repository interface {
	Get(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	GetForUpdate(ctx context.Context, db *gorm.DB, userID string) (*Account, error)
	Insert(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	UpdateBalance(ctx context.Context, db *gorm.DB, userID string, balance int64, updatedAt time.Time) error
}
