package webhook

import (
	"github.com/0xHoneyJar/freeside/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.service",
	fx.Provide(service.NewService),
)
