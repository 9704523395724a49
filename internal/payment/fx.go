package payment

import (
	"github.com/scribeforge/creditd/internal/config"
	"github.com/scribeforge/creditd/internal/payment/repository"
	paymentservice "github.com/scribeforge/creditd/internal/payment/service"
	"github.com/scribeforge/creditd/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(cfg config.Config) *webhook.Verifier {
		return webhook.NewVerifier(cfg.PaymentWebhookSecret)
	}),
	fx.Provide(paymentservice.NewService),
)
