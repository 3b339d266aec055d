// Package main provides the HTTP API gateway entry point: it wires C5's
// auth/rate-limit fabric in front of C4's trigger store and C6's credit
// ledger and agent-binding services.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/chainreactor/backend/infrastructure/chain"
	"github.com/chainreactor/backend/infrastructure/logging"
	"github.com/chainreactor/backend/infrastructure/middleware"
	"github.com/chainreactor/backend/internal/app/core/descriptor"
	"github.com/chainreactor/backend/internal/app/httpapi"
	"github.com/chainreactor/backend/internal/app/services/agentbinding"
	"github.com/chainreactor/backend/internal/app/services/authfabric"
	"github.com/chainreactor/backend/internal/app/services/credits"
	"github.com/chainreactor/backend/internal/app/services/eventstore"
	"github.com/chainreactor/backend/internal/app/services/eventstream"
	"github.com/chainreactor/backend/internal/app/services/triggerstore"
	"github.com/chainreactor/backend/internal/app/storage/postgres"
	"github.com/chainreactor/backend/internal/platform/database"
	"github.com/chainreactor/backend/internal/platform/migrations"
	"github.com/chainreactor/backend/pkg/pgnotify"
)

func main() {
	_ = godotenv.Load() // optional .env for local dev; production sets real env vars

	ctx := context.Background()
	logger := logging.NewFromEnv("gateway")

	dsn := requireEnv(logger, "DATABASE_URL")
	db, err := database.Open(ctx, dsn)
	if err != nil {
		logger.WithError(err).Fatal("connect to database")
	}
	defer db.Close()

	if os.Getenv("SKIP_MIGRATIONS") != "true" {
		if err := migrations.Apply(db); err != nil {
			logger.WithError(err).Fatal("apply migrations")
		}
	}

	store := postgres.New(db)

	bus, err := pgnotify.NewWithDB(db, dsn)
	if err != nil {
		logger.WithError(err).Fatal("start pgnotify bus")
	}
	defer bus.Close()

	stream := eventstream.New(store)
	if err := stream.Subscribe(bus); err != nil {
		logger.WithError(err).Fatal("subscribe event stream to notifications")
	}

	events := eventstore.New(store, bus, logger)

	jwtIssuer, err := httpapi.NewJWTIssuer(requireEnv(logger, "JWT_SECRET"))
	if err != nil {
		logger.WithError(err).Fatal("build jwt issuer")
	}

	var redisClient *redis.Client
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.WithError(err).Fatal("parse REDIS_URL")
		}
		redisClient = redis.NewClient(opts)
	} else {
		logger.Warn("REDIS_URL not set, rate limiting runs in process-local degraded mode")
	}

	proxies := authfabric.NewTrustedProxies(splitAndTrim(os.Getenv("TRUSTED_PROXIES")))
	resolver := authfabric.NewResolver(store, jwtIssuer, proxies, logger)
	limiter := authfabric.NewLimiter(redisClient)
	mode := authfabric.Mode(strings.ToLower(strings.TrimSpace(os.Getenv("RATE_LIMIT_MODE"))))
	fabric := authfabric.NewFabric(limiter, resolver, proxies, mode, logger)

	chainRegistry, err := chain.NewRegistry(ctx, loadChainConfigs())
	if err != nil {
		logger.WithError(err).Fatal("dial chain rpc endpoints")
	}

	corsCfg := &middleware.CORSConfig{AllowedOrigins: splitAndTrim(os.Getenv("CORS_ALLOWED_ORIGINS"))}

	descriptors := descriptor.NewRegistry(
		descriptor.Descriptor{Name: "auth-fabric", Domain: "chainreactor", Layer: descriptor.LayerAuth,
			Capabilities: []string{"jwt", "api-key", "wallet-challenge", "rate-limit"}},
		descriptor.Descriptor{Name: "trigger-store", Domain: "chainreactor", Layer: descriptor.LayerStore,
			Capabilities: []string{"crud", "condition-bundles"}},
		descriptor.Descriptor{Name: "credit-ledger", Domain: "chainreactor", Layer: descriptor.LayerLedger,
			Capabilities: []string{"atomic-debit", "atomic-credit", "transaction-history"}},
		descriptor.Descriptor{Name: "agent-binding", Domain: "chainreactor", Layer: descriptor.LayerBinding,
			Capabilities: []string{"challenge-response", "onchain-ownership-check"}},
		descriptor.Descriptor{Name: "event-store", Domain: "chainreactor", Layer: descriptor.LayerStore,
			Capabilities: []string{"insert-event", "backfill", "pg-notify-fanout"}},
	)

	router := httpapi.NewRouter(httpapi.Deps{
		Fabric:        fabric,
		Orgs:          store,
		Keys:          store,
		AgentLookup:   store,
		Triggers:      triggerstore.New(store),
		Credits:       credits.New(store),
		Agents:        agentbinding.New(store, chainRegistry, logger),
		JWT:           jwtIssuer,
		Logger:        logger,
		CORS:          corsCfg,
		MaxBodyMB:     envInt64("MAX_REQUEST_BODY_MB", 4),
		WebhookSecret: []byte(os.Getenv("BILLING_WEBHOOK_SECRET")),
		DB:            db,
		Redis:         redisClient,
		Chains:        chainRegistry,
		Descriptors:   descriptors,
		Audit:         store,
		Stream:        stream,
		Events:        events,
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.WithFields(map[string]interface{}{"port": port}).Info("gateway starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown error")
	}
}

func requireEnv(logger *logging.Logger, key string) string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		logger.Fatal("missing required environment variable " + key)
	}
	return v
}

func splitAndTrim(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envInt64(key string, def int64) int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// loadChainConfigs reads CHAIN_<id>_RPC_URL / CHAIN_<id>_REGISTRY pairs for
// every chain id listed in CHAIN_IDS (comma-separated).
func loadChainConfigs() []chain.ChainConfig {
	ids := splitAndTrim(os.Getenv("CHAIN_IDS"))
	configs := make([]chain.ChainConfig, 0, len(ids))
	for _, id := range ids {
		chainID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			log.Printf("gateway: skipping invalid chain id %q", id)
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
