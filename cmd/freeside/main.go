package main

import (
	"github.com/0xHoneyJar/freeside/internal/clock"
	"github.com/0xHoneyJar/freeside/internal/config"
	"github.com/0xHoneyJar/freeside/internal/credit"
	"github.com/0xHoneyJar/freeside/internal/eventlog"
	"github.com/0xHoneyJar/freeside/internal/kv"
	"github.com/0xHoneyJar/freeside/internal/locker"
	"github.com/0xHoneyJar/freeside/internal/logger"
	"github.com/0xHoneyJar/freeside/internal/metrics"
	"github.com/0xHoneyJar/freeside/internal/payout"
	"github.com/0xHoneyJar/freeside/internal/referral"
	"github.com/0xHoneyJar/freeside/internal/scheduler"
	"github.com/0xHoneyJar/freeside/internal/server"
	"github.com/0xHoneyJar/freeside/internal/tierconfig"
	"github.com/0xHoneyJar/freeside/internal/webhook"
	"github.com/0xHoneyJar/freeside/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		metrics.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		kv.Module,
		locker.Module,

		eventlog.Module,
		credit.Module,
		referral.Module,
		payout.Module,
		webhook.Module,
		tierconfig.Module,

		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
