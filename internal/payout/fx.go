package payout

import (
	"github.com/0xHoneyJar/freeside/internal/payout/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payout.service",
	fx.Provide(service.NewService),
)
