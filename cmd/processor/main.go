// Package main runs C2 (event evaluation) and C3 (action dispatch) in one
// process: actionworkers.Queue is an in-memory, per-action-type channel
// fan-out, so the processor that enqueues jobs and the worker pool that
// drains them must share one process's memory rather than communicate
// across a process boundary.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chainreactor/backend/infrastructure/chain"
	"github.com/chainreactor/backend/infrastructure/logging"
	"github.com/chainreactor/backend/infrastructure/secrets"
	"github.com/chainreactor/backend/internal/app/domain/trigger"
	"github.com/chainreactor/backend/internal/app/services/actionworkers"
	"github.com/chainreactor/backend/internal/app/services/agentendpoint"
	"github.com/chainreactor/backend/internal/app/services/cronscheduler"
	"github.com/chainreactor/backend/internal/app/services/eventprocessor"
	"github.com/chainreactor/backend/internal/app/storage/postgres"
	"github.com/chainreactor/backend/internal/platform/database"
	"github.com/chainreactor/backend/pkg/pgnotify"
)

func main() {
	_ = godotenv.Load() // optional .env for local dev; production sets real env vars

	ctx := context.Background()
	logger := logging.NewFromEnv("processor")

	dsn := mustEnv(logger, "DATABASE_URL")
	db, err := database.Open(ctx, dsn)
	if err != nil {
		logger.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	store := postgres.New(db)

	bus, err := pgnotify.NewWithDB(db, dsn)
	if err != nil {
		logger.WithError(err).Fatal("start pgnotify bus")
	}
	defer bus.Close()

	chainRegistry, err := chain.NewRegistry(ctx, loadChainConfigs(logger))
	if err != nil {
		logger.WithError(err).Fatal("dial chain rpc endpoints")
	}

	queue := actionworkers.NewQueue()

	senders := map[trigger.ActionType]actionworkers.Sender{
		trigger.ActionREST: actionworkers.NewRESTSender(10 * time.Second),
	}
	if botToken := os.Getenv("TELEGRAM_BOT_TOKEN"); botToken != "" {
		senders[trigger.ActionTelegram] = actionworkers.NewTelegramSender(secrets.NewString(botToken))
	}
	mcpSender := actionworkers.NewMCPSender(agentendpoint.New(chainRegistry))
	senders[trigger.ActionMCP] = mcpSender

	pool := actionworkers.NewPool(queue, store, senders, logger)

	proc := eventprocessor.New(store, store, queue, logger)
	proc.SetEndpointInvalidator(mcpSender)
	if err := proc.Subscribe(bus); err != nil {
		logger.WithError(err).Fatal("subscribe to event notifications")
	}

	scheduler := cronscheduler.New(store, queue, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("start cron scheduler")
	}
	defer scheduler.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	go pool.Run(runCtx, envInt("WORKER_CONCURRENCY", 4))

	logger.Info("processor, cron scheduler, and workers started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	time.Sleep(500 * time.Millisecond) // let in-flight dispatches drain their current job
}

func mustEnv(logger *logging.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal("missing required environment variable " + key)
	}
	return v
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

// loadChainConfigs reads CHAIN_<id>_RPC_URL / CHAIN_<id>_REGISTRY pairs for
// every chain id listed in CHAIN_IDS (comma-separated). A chain absent here
// simply fails agent endpoint resolution for that chain, rather than
// blocking startup.
func loadChainConfigs(logger *logging.Logger) []chain.ChainConfig {
	raw := strings.TrimSpace(os.Getenv("CHAIN_IDS"))
	if raw == "" {
		logger.Warn("CHAIN_IDS not set, MCP endpoint resolution will fail for every chain")
		return nil
	}
	var configs []chain.ChainConfig
	for _, id := range strings.Split(raw, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		chainID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			logger.Warn("skipping invalid chain id " + id)
			continue
		}
		configs = append(configs, chain.ChainConfig{
			ChainID:          chainID,
			RPCURL:           os.Getenv("CHAIN_" + id + "_RPC_URL"),
			IdentityRegistry: os.Getenv("CHAIN_" + id + "_REGISTRY"),
		})
	}
	return configs
}
