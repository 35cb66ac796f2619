package eventlog

import (
	"github.com/0xHoneyJar/freeside/internal/eventlog/service"
	"go.uber.org/fx"
)

var Module = fx.Module("eventlog.service",
	fx.Provide(service.NewService),
)
