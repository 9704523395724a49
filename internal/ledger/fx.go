package ledger

import (
	"github.com/scribeforge/creditd/internal/ledger/repository"
	"github.com/scribeforge/creditd/internal/ledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
