package generation

import (
	"context"

	"github.com/scribeforge/creditd/internal/config"
	"github.com/scribeforge/creditd/internal/generation/domain"
	"github.com/scribeforge/creditd/internal/generation/httpclient"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("generation",
	fx.Provide(NewGenerator),
)

func NewGenerator(cfg config.Config, log *zap.Logger) domain.Generator {
	if cfg.GenerationEndpoint == "" {
		log.Warn("GENERATION_ENDPOINT not set, using always-succeed generator (dev mode)")
		return noopGenerator{}
	}
	return httpclient.New(cfg.GenerationEndpoint, cfg.GenerationTimeout, log)
}

type noopGenerator struct{}

func (noopGenerator) Perform(ctx context.Context, operationID string, payload []byte) error {
	return nil
}
