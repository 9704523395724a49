package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/scribeforge/creditd/internal/account/domain"
	"github.com/scribeforge/creditd/internal/config"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	pkgdb "github.com/scribeforge/creditd/pkg/db"
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
	LedgerRepo ledgerdomain.Repository
	Limits     *config.LimitsHolder
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	ledgerRepo ledgerdomain.Repository
	limits     *config.LimitsHolder
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("account.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledgerRepo: p.LedgerRepo,
		limits:     p.Limits,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, domain.ErrInvalidUser
	}

	account, err := s.repo.Get(ctx, s.db, userID)
	if err != nil {
		return 0, err
	}
	if account == nil {
		// No credits purchased yet; the row appears on first credit.
		return 0, nil
	}
	return account.Balance, nil
}

func (s *Service) Reserve(ctx context.Context, userID string, amount int64, operationID string) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, domain.ErrInvalidUser
	}
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return 0, domain.ErrInvalidKey
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}

	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.applyLockTimeout(ctx, tx); err != nil {
			return err
		}

		account, err := s.repo.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}
		if account == nil {
			return domain.ErrInsufficientBalance
		}

		inserted, err := s.ledgerRepo.Append(ctx, tx, &ledgerdomain.UsageRecord{
			ID:          s.genID.Generate(),
			UserID:      userID,
			OperationID: operationID,
			Reason:      ledgerdomain.ReasonReserve,
			Delta:       -amount,
			CreatedAt:   time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		if !inserted {
			// Retried after an indeterminate outcome: the reservation is
			// already on the books, so the debit must not apply again.
			newBalance = account.Balance
			return nil
		}

		if account.Balance < amount {
			return domain.ErrInsufficientBalance
		}

		newBalance = account.Balance - amount
		return s.repo.UpdateBalance(ctx, tx, userID, newBalance, time.Now().UTC())
	})
	if err != nil {
		return 0, classify(err)
	}
	return newBalance, nil
}

func (s *Service) Credit(ctx context.Context, userID string, amount int64, idempotencyKey string, reason ledgerdomain.UsageReason) (int64, error) {
	var newBalance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		newBalance, err = s.CreditTx(ctx, tx, userID, amount, idempotencyKey, reason)
		return err
	})
	if err != nil {
		return 0, classify(err)
	}
	return newBalance, nil
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, userID string, amount int64, idempotencyKey string, reason ledgerdomain.UsageReason) (int64, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, domain.ErrInvalidUser
	}
	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return 0, domain.ErrInvalidKey
	}
	if amount <= 0 {
		return 0, domain.ErrInvalidAmount
	}
	if !ledgerdomain.ValidReason(reason) {
		return 0, ledgerdomain.ErrInvalidReason
	}

	if err := s.applyLockTimeout(ctx, tx); err != nil {
		return 0, err
	}

	account, err := s.repo.GetForUpdate(ctx, tx, userID)
	if err != nil {
		return 0, classify(err)
	}
	if account == nil {
		now := time.Now().UTC()
		if _, err := s.repo.Insert(ctx, tx, &domain.Account{UserID: userID, Balance: 0, UpdatedAt: now}); err != nil {
			return 0, classify(err)
		}
		account, err = s.repo.GetForUpdate(ctx, tx, userID)
		if err != nil {
			return 0, classify(err)
		}
		if account == nil {
			return 0, fmt.Errorf("account %s not found after insert", userID)
		}
	}

	inserted, err := s.ledgerRepo.Append(ctx, tx, &ledgerdomain.UsageRecord{
		ID:          s.genID.Generate(),
		UserID:      userID,
		OperationID: idempotencyKey,
		Reason:      reason,
		Delta:       amount,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return 0, classify(err)
	}
	if !inserted {
		s.log.Info("credit already applied",
			zap.String("user_id", userID),
			zap.String("idempotency_key", idempotencyKey),
			zap.String("reason", string(reason)),
		)
		return account.Balance, nil
	}

	newBalance := account.Balance + amount
	if err := s.repo.UpdateBalance(ctx, tx, userID, newBalance, time.Now().UTC()); err != nil {
		return 0, classify(err)
	}
	return newBalance, nil
}

// applyLockTimeout bounds how long the transaction waits on the account
// row lock. Postgres scopes the setting to the transaction; mysql to the
// session, which is the connection the transaction holds.
func (s *Service) applyLockTimeout(ctx context.Context, tx *gorm.DB) error {
	timeout := s.limits.Get().LockTimeout
	switch tx.Dialector.Name() {
	case "postgres":
		return tx.WithContext(ctx).Exec(fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())).Error
	case "mysql":
		seconds := int(timeout.Seconds())
		if seconds < 1 {
			seconds = 1
		}
		return tx.WithContext(ctx).Exec(fmt.Sprintf("SET innodb_lock_wait_timeout = %d", seconds)).Error
	default:
		return nil
	}
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if pkgdb.IsLockTimeoutErr(err) {
		return domain.ErrLockTimeout
	}
	return err
}
