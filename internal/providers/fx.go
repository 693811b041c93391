package providers

import (
	"github.com/agoramart/dunning/internal/providers/email"
	"github.com/agoramart/dunning/internal/providers/payment"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	email.Module,
	payment.Module,
)
