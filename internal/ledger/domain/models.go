package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// UsageReason classifies a balance mutation in the audit trail.
type UsageReason string

const (
	ReasonReserve    UsageReason = "reserve"
	ReasonCommit     UsageReason = "commit"
	ReasonRefund     UsageReason = "refund"
	ReasonPayment    UsageReason = "payment"
	ReasonAdjustment UsageReason = "adjustment"
)

// UsageRecord is the append-only audit trail of every balance mutation.
// The (user_id, operation_id, reason) uniqueness constraint is the
// idempotency index: it is what makes reservation retries, compensation
// retries and redelivered payment credits apply at most once. The current
// balance is never derived from these rows.
type UsageRecord struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID      string       `json:"user_id" gorm:"type:text;not null;index;uniqueIndex:ux_usage_records_user_op_reason,priority:1"`
	OperationID string       `json:"operation_id" gorm:"type:text;not null;uniqueIndex:ux_usage_records_user_op_reason,priority:2"`
	Reason      UsageReason  `json:"reason" gorm:"type:text;not null;uniqueIndex:ux_usage_records_user_op_reason,priority:3"`
	Delta       int64        `json:"delta" gorm:"not null"`
	CreatedAt   time.Time    `json:"created_at" gorm:"not null"`
}

// TableName sets the database table name.
func (UsageRecord) TableName() string { return "usage_records" }

// OpenReservation is a reserve record with no commit or refund sibling,
// i.e. a debit whose operation never concluded.
type OpenReservation struct {
	UserID      string    `gorm:"column:user_id"`
	OperationID string    `gorm:"column:operation_id"`
	Delta       int64     `gorm:"column:delta"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

type ListRequest struct {
	UserID string
	Reason UsageReason
	Limit  int
	Before *time.Time
}

var (
	ErrInvalidUser      = errors.New("invalid_user")
	ErrInvalidOperation = errors.New("invalid_operation")
	ErrInvalidReason    = errors.New("invalid_reason")
)

// Repository persists usage records. Append runs inside the caller's
// transaction so the audit row and the balance mutation commit together.
type Repository interface {
	Append(ctx context.Context, db *gorm.DB, record *UsageRecord) (bool, error)
	List(ctx context.Context, db *gorm.DB, req ListRequest) ([]UsageRecord, error)
	OpenReservations(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]OpenReservation, error)
}

// Service is the read-only reporting surface over the ledger.
type Service interface {
	List(ctx context.Context, req ListRequest) ([]UsageRecord, error)
}

// ValidReason reports whether reason is one of the known mutation reasons.
func ValidReason(reason UsageReason) bool {
	switch reason {
	case ReasonReserve, ReasonCommit, ReasonRefund, ReasonPayment, ReasonAdjustment:
		return true
	default:
		return false
	}
}
