package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// PaymentStatus is the lifecycle of a checkout session.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusCompleted PaymentStatus = "completed"
	StatusFailed    PaymentStatus = "failed"
)

// PaymentRecord tracks one checkout session. The session id is issued by
// the payment provider and globally unique; its uniqueness constraint is
// the idempotency key for crediting.
type PaymentRecord struct {
	ID              snowflake.ID  `json:"id" gorm:"primaryKey"`
	SessionID       string        `json:"session_id" gorm:"type:text;not null;uniqueIndex:ux_payment_records_session"`
	UserID          string        `json:"user_id" gorm:"type:text;not null;index"`
	TokensPurchased int64         `json:"tokens_purchased" gorm:"not null"`
	Amount          int64         `json:"amount" gorm:"not null"`
	Currency        string        `json:"currency" gorm:"type:text;not null"`
	Status          PaymentStatus `json:"status" gorm:"type:text;not null"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null"`
	CompletedAt     *time.Time    `json:"completed_at"`
}

// TableName sets the database table name.
func (PaymentRecord) TableName() string { return "payment_records" }

const (
	EventTypePaymentCompleted = "payment.completed"
	EventTypePaymentFailed    = "payment.failed"
)

// Notification is the parsed payment provider event.
type Notification struct {
	EventType       string `json:"event_type"`
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	TokensPurchased int64  `json:"tokens_purchased"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

type CreateSessionRequest struct {
	SessionID       string `json:"session_id"`
	UserID          string `json:"user_id"`
	TokensPurchased int64  `json:"tokens_purchased"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

var (
	// ErrInvalidSignature is a security rejection: logged, never retried,
	// never mutates state.
	ErrInvalidSignature = errors.New("invalid_signature")
	// ErrUnknownSession means the notification raced ahead of session
	// bookkeeping; the transport redelivers later.
	ErrUnknownSession = errors.New("unknown_session")
	// ErrDuplicateNotification is not a failure; redelivery of a settled
	// session is acknowledged and ignored.
	ErrDuplicateNotification = errors.New("duplicate_notification")
	// ErrEventIgnored marks recognized-but-irrelevant event types.
	ErrEventIgnored = errors.New("event_ignored")

	ErrInvalidPayload = errors.New("invalid_payload")
	ErrInvalidEvent   = errors.New("invalid_event")
	ErrInvalidAmount  = errors.New("invalid_amount")
	ErrSessionExists  = errors.New("session_exists")
	ErrSecretMissing  = errors.New("webhook_secret_missing")
)

// Service reconciles payment provider notifications into account credits,
// exactly once per session regardless of redelivery.
type Service interface {
	HandleNotification(ctx context.Context, payload []byte, signatureHeader string) error
	CreateSession(ctx context.Context, req CreateSessionRequest) (*PaymentRecord, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *PaymentRecord) (bool, error)
	FindBySessionForUpdate(ctx context.Context, db *gorm.DB, sessionID string) (*PaymentRecord, error)
	MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, completedAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
}
