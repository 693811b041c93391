package subscription

import (
	"github.com/agoramart/dunning/internal/subscription/repository"
	"github.com/agoramart/dunning/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
