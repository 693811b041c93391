package dunning

import (
	"github.com/agoramart/dunning/internal/dunning/service"
	"go.uber.org/fx"
)

var Module = fx.Module("dunning.service",
	fx.Provide(service.NewDispatcher),
	fx.Provide(service.NewEngine),
)
