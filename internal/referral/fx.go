package referral

import (
	"github.com/0xHoneyJar/freeside/internal/referral/service"
	"go.uber.org/fx"
)

var Module = fx.Module("referral.service",
	fx.Provide(service.NewService),
)
