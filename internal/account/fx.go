package account

import (
	"github.com/scribeforge/creditd/internal/account/repository"
	"github.com/scribeforge/creditd/internal/account/service"
	"go.uber.org/fx"
)

var Module = fx.Module("account.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
