package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/scribeforge/creditd/internal/account"
	"github.com/scribeforge/creditd/internal/clock"
	"github.com/scribeforge/creditd/internal/config"
	"github.com/scribeforge/creditd/internal/generation"
	"github.com/scribeforge/creditd/internal/ledger"
	"github.com/scribeforge/creditd/internal/metering"
	"github.com/scribeforge/creditd/internal/metering/recovery"
	"github.com/scribeforge/creditd/internal/migration"
	"github.com/scribeforge/creditd/internal/observability"
	"github.com/scribeforge/creditd/internal/payment"
	"github.com/scribeforge/creditd/internal/ratelimit"
	"github.com/scribeforge/creditd/internal/retry"
	"github.com/scribeforge/creditd/internal/server"
	"github.com/scribeforge/creditd/pkg/db"
	"github.com/scribeforge/creditd/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		log.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// Functional domains
		ledger.Module,
		account.Module,
		retry.Module,
		generation.Module,
		metering.Module,
		recovery.Module,
		payment.Module,
		ratelimit.Module,
		fx.Provide(ProvideOperationGuard),

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}

// ProvideOperationGuard hands the server the limiter behind its interface.
// The limiter is nil when rate limiting is disabled; returning an untyped
// nil keeps the server's nil check meaningful.
func ProvideOperationGuard(limiter *ratelimit.OperationLimiter) server.OperationGuard {
	if limiter == nil {
		return nil
	}
	return limiter
}
