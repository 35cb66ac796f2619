package tierconfig

import (
	"github.com/0xHoneyJar/freeside/internal/tierconfig/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tierconfig.service",
	fx.Provide(service.NewService),
)
