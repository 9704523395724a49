package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/scribeforge/creditd/internal/account/domain"
	generationdomain "github.com/scribeforge/creditd/internal/generation/domain"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	"github.com/scribeforge/creditd/internal/metering/domain"
	obsmetrics "github.com/scribeforge/creditd/internal/observability/metrics"
	"github.com/scribeforge/creditd/internal/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// reserveAmount is one credit per metered operation.
const reserveAmount = 1

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	AccountSvc accountdomain.Service
	LedgerRepo ledgerdomain.Repository
	Generator  generationdomain.Generator
	Retry      *retry.Policy
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	accountSvc accountdomain.Service
	ledgerRepo ledgerdomain.Repository
	generator  generationdomain.Generator
	retry      *retry.Policy
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("metering.service"),
		genID:      p.GenID,
		accountSvc: p.AccountSvc,
		ledgerRepo: p.LedgerRepo,
		generator:  p.Generator,
		retry:      p.Retry,
		obsMetrics: p.ObsMetrics,
	}
}

// Run executes the debit-before-work protocol:
// reserve one credit, invoke the generation call outside any row lock,
// then either close the reservation (commit) or return the credit
// (compensate). Every step is idempotent per operation id, so the whole
// sequence is safe to retry at any point.
func (s *Service) Run(ctx context.Context, userID, operationID string, payload []byte) (domain.Outcome, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", accountdomain.ErrInvalidUser
	}
	operationID = strings.TrimSpace(operationID)
	if operationID == "" {
		return "", accountdomain.ErrInvalidKey
	}

	err := s.retry.Do(ctx, isLockTimeout, func() error {
		_, err := s.accountSvc.Reserve(ctx, userID, reserveAmount, operationID)
		return err
	})
	if err != nil {
		if errors.Is(err, accountdomain.ErrInsufficientBalance) {
			s.log.Info("reservation rejected",
				zap.String("user_id", userID),
				zap.String("operation_id", operationID),
			)
		}
		if errors.Is(err, accountdomain.ErrLockTimeout) && s.obsMetrics != nil {
			s.obsMetrics.RecordLockTimeout(ctx, "reserve")
		}
		return "", err
	}

	genErr := s.generator.Perform(ctx, operationID, payload)
	if genErr == nil {
		if err := s.commit(ctx, userID, operationID); err != nil {
			return "", err
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordOperation(ctx, string(domain.OutcomeCommitted))
		}
		return domain.OutcomeCommitted, nil
	}

	s.log.Warn("generation call failed, compensating",
		zap.String("user_id", userID),
		zap.String("operation_id", operationID),
		zap.Error(genErr),
	)

	// Cancellation still owes the refund: compensation runs on a context
	// detached from the caller's cancellation.
	compCtx := context.WithoutCancel(ctx)
	err = s.retry.Do(compCtx, isLockTimeout, func() error {
		_, err := s.accountSvc.Credit(compCtx, userID, reserveAmount, operationID, ledgerdomain.ReasonRefund)
		return err
	})
	if err != nil {
		if errors.Is(err, accountdomain.ErrLockTimeout) && s.obsMetrics != nil {
			s.obsMetrics.RecordLockTimeout(compCtx, "refund")
		}
		// The reserve record is durable; the recovery sweep finishes this.
		s.log.Error("compensation not applied",
			zap.String("user_id", userID),
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
		return "", fmt.Errorf("%w: %v", domain.ErrCompensationPending, err)
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordOperation(compCtx, string(domain.OutcomeRefunded))
		s.obsMetrics.RecordCompensation(compCtx, "inline")
	}
	return domain.OutcomeRefunded, nil
}

// commit closes the audit trail entry for a successful operation. The
// balance already reflects the debit; the commit record is what tells the
// recovery sweep the reservation concluded.
func (s *Service) commit(ctx context.Context, userID, operationID string) error {
	commitCtx := context.WithoutCancel(ctx)
	err := s.retry.Do(commitCtx, isLockTimeout, func() error {
		_, err := s.ledgerRepo.Append(commitCtx, s.db, &ledgerdomain.UsageRecord{
			ID:          s.genID.Generate(),
			UserID:      userID,
			OperationID: operationID,
			Reason:      ledgerdomain.ReasonCommit,
			Delta:       0,
			CreatedAt:   time.Now().UTC(),
		})
		return err
	})
	if err != nil {
		s.log.Error("commit record not written",
			zap.String("user_id", userID),
			zap.String("operation_id", operationID),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", domain.ErrCommitUnrecorded, err)
	}
	return nil
}

func isLockTimeout(err error) bool {
	return errors.Is(err, accountdomain.ErrLockTimeout)
}
