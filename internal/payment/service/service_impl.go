package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/scribeforge/creditd/internal/account/domain"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	obsmetrics "github.com/scribeforge/creditd/internal/observability/metrics"
	"github.com/scribeforge/creditd/internal/payment/domain"
	"github.com/scribeforge/creditd/internal/payment/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	AccountSvc accountdomain.Service
	Verifier   *webhook.Verifier
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	accountSvc accountdomain.Service
	verifier   *webhook.Verifier
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		accountSvc: p.AccountSvc,
		verifier:   p.Verifier,
		obsMetrics: p.ObsMetrics,
	}
}

// HandleNotification settles one at-least-once-delivered provider event.
// Signature first, state second: nothing is read or written before the
// payload authenticates, so an attacker cannot probe for known sessions.
func (s *Service) HandleNotification(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := s.verifier.Verify(payload, signatureHeader); err != nil {
		s.log.Warn("payment notification rejected", zap.Error(err))
		return err
	}

	notification, err := parseNotification(payload)
	if err != nil {
		return err
	}

	switch notification.EventType {
	case domain.EventTypePaymentCompleted:
		err = s.settle(ctx, notification)
	case domain.EventTypePaymentFailed:
		err = s.fail(ctx, notification)
	default:
		s.log.Info("payment event ignored", zap.String("event_type", notification.EventType))
		return domain.ErrEventIgnored
	}

	if err == nil && s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, notification.EventType)
	}
	return err
}

// settle transitions pending -> completed and credits the purchased
// tokens in one transaction, keyed by the session id. Both the status
// guard on the UPDATE and the ledger's uniqueness constraint close the
// race between concurrent duplicate deliveries.
func (s *Service) settle(ctx context.Context, notification *domain.Notification) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.FindBySessionForUpdate(ctx, tx, notification.SessionID)
		if err != nil {
			return err
		}
		if record == nil {
			// Notification raced ahead of session bookkeeping. Never
			// credit against a synthesized user; have the transport retry.
			return domain.ErrUnknownSession
		}
		if record.Status == domain.StatusCompleted {
			return domain.ErrDuplicateNotification
		}
		if record.Status != domain.StatusPending {
			return domain.ErrInvalidEvent
		}
		if record.UserID != notification.UserID {
			s.log.Warn("notification user does not match session",
				zap.String("session_id", notification.SessionID),
			)
			return domain.ErrInvalidEvent
		}
		if notification.TokensPurchased != record.TokensPurchased {
			s.log.Warn("notification token quantity differs from session, using session value",
				zap.String("session_id", notification.SessionID),
				zap.Int64("notified", notification.TokensPurchased),
				zap.Int64("recorded", record.TokensPurchased),
			)
		}

		updated, err := s.repo.MarkCompleted(ctx, tx, record.ID, time.Now().UTC())
		if err != nil {
			return err
		}
		if !updated {
			return domain.ErrDuplicateNotification
		}

		_, err = s.accountSvc.CreditTx(ctx, tx, record.UserID, record.TokensPurchased, record.SessionID, ledgerdomain.ReasonPayment)
		return err
	})

	switch {
	case err == nil:
		s.log.Info("payment settled",
			zap.String("session_id", notification.SessionID),
			zap.String("user_id", notification.UserID),
		)
		return nil
	case err == domain.ErrDuplicateNotification:
		s.log.Info("duplicate payment notification acknowledged",
			zap.String("session_id", notification.SessionID),
		)
		return err
	default:
		return err
	}
}

func (s *Service) fail(ctx context.Context, notification *domain.Notification) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		record, err := s.repo.FindBySessionForUpdate(ctx, tx, notification.SessionID)
		if err != nil {
			return err
		}
		if record == nil {
			return domain.ErrUnknownSession
		}
		if record.Status != domain.StatusPending {
			// Terminal either way; nothing to do.
			return domain.ErrDuplicateNotification
		}
		_, err = s.repo.MarkFailed(ctx, tx, record.ID)
		return err
	})
}

// CreateSession records the pending checkout session the provider will
// later confirm. Duplicate session ids are rejected, not overwritten.
func (s *Service) CreateSession(ctx context.Context, req domain.CreateSessionRequest) (*domain.PaymentRecord, error) {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.SessionID == "" || req.UserID == "" {
		return nil, domain.ErrInvalidEvent
	}
	if req.TokensPurchased <= 0 || req.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	record := &domain.PaymentRecord{
		ID:              s.genID.Generate(),
		SessionID:       req.SessionID,
		UserID:          req.UserID,
		TokensPurchased: req.TokensPurchased,
		Amount:          req.Amount,
		Currency:        currency,
		Status:          domain.StatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		return nil, domain.ErrSessionExists
	}
	return record, nil
}

func parseNotification(payload []byte) (*domain.Notification, error) {
	if !json.Valid(payload) {
		return nil, domain.ErrInvalidPayload
	}
	var notification domain.Notification
	if err := json.Unmarshal(payload, &notification); err != nil {
		return nil, domain.ErrInvalidPayload
	}

	notification.EventType = strings.TrimSpace(notification.EventType)
	notification.SessionID = strings.TrimSpace(notification.SessionID)
	notification.UserID = strings.TrimSpace(notification.UserID)
	if notification.EventType == "" || notification.SessionID == "" {
		return nil, domain.ErrInvalidEvent
	}
	if notification.EventType == domain.EventTypePaymentCompleted {
		if notification.UserID == "" {
			return nil, domain.ErrInvalidEvent
		}
		if notification.TokensPurchased <= 0 {
			return nil, domain.ErrInvalidAmount
		}
	}
	return &notification, nil
}
