package recovery

import (
	"context"
	"time"

	accountdomain "github.com/scribeforge/creditd/internal/account/domain"
	"github.com/scribeforge/creditd/internal/clock"
	"github.com/scribeforge/creditd/internal/config"
	ledgerdomain "github.com/scribeforge/creditd/internal/ledger/domain"
	obsmetrics "github.com/scribeforge/creditd/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	Cfg        config.Config
	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	AccountSvc accountdomain.Service
	LedgerRepo ledgerdomain.Repository
	Limits     *config.LimitsHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Worker completes compensations that a crashed or interrupted process
// left behind. A reservation with no commit or refund record past the
// cutoff is, by definition, an operation that never concluded; refunding
// it goes through the same idempotent credit path the coordinator uses,
// so a worker racing the original process is harmless.
//
// The cutoff must comfortably exceed the generation timeout, otherwise a
// slow-but-healthy operation would be refunded out from under its caller.
type Worker struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	accountSvc accountdomain.Service
	ledgerRepo ledgerdomain.Repository
	limits     *config.LimitsHolder
	obsMetrics *obsmetrics.Metrics
}

func NewWorker(p Params) *Worker {
	log := p.Log.Named("metering.recovery")
	if cutoff := p.Limits.Get().RecoveryCutoff; p.Cfg.GenerationTimeout > 0 && cutoff <= p.Cfg.GenerationTimeout {
		log.Warn("recovery cutoff does not clear the generation deadline, in-flight operations may be refunded prematurely",
			zap.Duration("recovery_cutoff", cutoff),
			zap.Duration("generation_timeout", p.Cfg.GenerationTimeout),
		)
	}
	return &Worker{
		db:         p.DB,
		log:        log,
		clock:      p.Clock,
		accountSvc: p.AccountSvc,
		ledgerRepo: p.LedgerRepo,
		limits:     p.Limits,
		obsMetrics: p.ObsMetrics,
	}
}

func (w *Worker) RunForever(ctx context.Context) {
	ticker := time.NewTicker(w.limits.Get().RecoveryPollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.log.Warn("recovery sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce sweeps one batch of interrupted reservations and returns how
// many refunds were applied.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	limits := w.limits.Get()
	cutoff := w.clock.Now().Add(-limits.RecoveryCutoff)

	var candidates []ledgerdomain.OpenReservation
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		candidates, err = w.ledgerRepo.OpenReservations(ctx, tx, cutoff, limits.RecoveryBatchSize)
		return err
	})
	if err != nil {
		return 0, err
	}

	refunded := 0
	for _, candidate := range candidates {
		amount := -candidate.Delta
		if amount <= 0 {
			continue
		}
		_, err := w.accountSvc.Credit(ctx, candidate.UserID, amount, candidate.OperationID, ledgerdomain.ReasonRefund)
		if err != nil {
			w.log.Warn("recovery refund failed",
				zap.String("user_id", candidate.UserID),
				zap.String("operation_id", candidate.OperationID),
				zap.Error(err),
			)
			continue
		}
		refunded++
		w.log.Info("recovered interrupted reservation",
			zap.String("user_id", candidate.UserID),
			zap.String("operation_id", candidate.OperationID),
			zap.Time("reserved_at", candidate.CreatedAt),
		)
		if w.obsMetrics != nil {
			w.obsMetrics.RecordCompensation(ctx, "recovery")
		}
	}

	return refunded, nil
}
