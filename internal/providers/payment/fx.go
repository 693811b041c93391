package payment

import (
	"github.com/agoramart/dunning/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("providers.payment",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config) Provider {
	if cfg.StripeAPIKey == "" {
		return &NoOpProvider{}
	}
	return NewStripeProvider(cfg.StripeAPIKey)
}
