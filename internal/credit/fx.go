package credit

import (
	"github.com/0xHoneyJar/freeside/internal/credit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credit.service",
	fx.Provide(service.NewService),
)
