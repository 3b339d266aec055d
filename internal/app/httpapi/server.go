// Package httpapi assembles the C5-fronted HTTP surface: routing, the
// middleware chain, and handlers for auth, organizations, API keys,
// triggers, billing, and agent binding. Handlers stay thin, delegating all
// business logic to the internal/app/services packages.
package httpapi

import (
	"database/sql"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chainreactor/backend/infrastructure/chain"
	"github.com/chainreactor/backend/infrastructure/logging"
	"github.com/chainreactor/backend/infrastructure/metrics"
	"github.com/chainreactor/backend/infrastructure/middleware"
	"github.com/chainreactor/backend/internal/app/core/descriptor"
	"github.com/chainreactor/backend/internal/app/services/agentbinding"
	"github.com/chainreactor/backend/internal/app/services/authfabric"
	"github.com/chainreactor/backend/internal/app/services/credits"
	"github.com/chainreactor/backend/internal/app/services/eventstore"
	"github.com/chainreactor/backend/internal/app/services/eventstream"
	"github.com/chainreactor/backend/internal/app/services/triggerstore"
	"github.com/chainreactor/backend/internal/app/storage"
)

// Deps bundles everything the router needs to build handlers. Logger,
// Metrics, CORS and MaxBodyMB have defaults (a JSON info logger, a fresh
// collector, a same-origin policy, and 4 MB when MaxBodyMB <= 0); the
// fields documented below as nil-allowed may be left nil; every other field
// is required.
type Deps struct {
	Fabric      *authfabric.Fabric
	Orgs        storage.OrgStore
	Keys        storage.ApiKeyStore
	AgentLookup storage.AgentStore
	Triggers    *triggerstore.Service
	Credits     *credits.Service
	Agents      *agentbinding.Service
	JWT         *JWTIssuer
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	CORS        *middleware.CORSConfig
	MaxBodyMB   int64
	// WebhookSecret verifies the billing provider's HMAC-signed webhooks.
	// A nil or empty secret makes billingWebhook reject every request.
	WebhookSecret []byte
	// DB, Redis and Chains back the /health endpoint's dependency checks.
	// Any of them may be nil, in which case that check is omitted rather
	// than reported unhealthy.
	DB     *sql.DB
	Redis  *redis.Client
	Chains *chain.Registry
	// Descriptors backs GET /system/descriptors. Defaults to an empty
	// registry when nil.
	Descriptors *descriptor.Registry
	// Audit backs /api/v1/admin/audit. A nil Audit makes that endpoint
	// report 404 rather than panic.
	Audit storage.AuditStore
	// Stream backs GET /api/v1/stream. A nil Stream makes that endpoint
	// report 404 rather than panic.
	Stream *eventstream.Hub
	// Events backs C1's insert_event entry point, POST
	// /api/v1/admin/events. A nil Events makes that endpoint report 404
	// rather than panic.
	Events *eventstore.Service
}

// NewRouter builds the full gorilla/mux router with the middleware chain
// wired in the order C5 specifies: security headers, request logging,
// CORS, body limit, rate limit, tier extraction, auth extraction, then the
// route handler.
func NewRouter(d Deps) *mux.Router {
	if d.Logger == nil {
		d.Logger = logging.New("httpapi", "info", "json")
	}
	if d.Metrics == nil {
		d.Metrics = metrics.New("httpapi")
	}
	maxBody := d.MaxBodyMB
	if maxBody <= 0 {
		maxBody = 4
	}

	router := mux.NewRouter()
	router.Use(middleware.NewSecurityHeadersMiddleware(nil).Handler)
	router.Use(middleware.LoggingMiddleware(d.Logger))
	router.Use(middleware.MetricsMiddleware("httpapi", d.Metrics))
	router.Use(middleware.NewRecoveryMiddleware(d.Logger).Handler)
	router.Use(middleware.NewCORSMiddleware(d.CORS).Handler)
	router.Use(middleware.NewBodyLimitMiddleware(maxBody << 20).Handler)
	router.Use(d.Fabric.RateLimit)
	router.Use(authfabric.TierMiddleware)
	router.Use(d.Fabric.AuthExtraction)

	h := &handlers{d: d}

	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/system/descriptors", h.systemDescriptors).Methods(http.MethodGet)
	router.HandleFunc("/.well-known/agent.json", h.wellKnownAgent).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", h.register).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", h.login).Methods(http.MethodPost)
	api.HandleFunc("/auth/wallet/challenge", h.walletLoginChallenge).Methods(http.MethodPost)
	api.HandleFunc("/auth/wallet/verify", h.walletLoginVerify).Methods(http.MethodPost)

	api.HandleFunc("/organizations", h.listOrganizations).Methods(http.MethodGet)
	api.HandleFunc("/organizations/{id}", h.getOrganization).Methods(http.MethodGet)

	api.HandleFunc("/api-keys", h.createAPIKey).Methods(http.MethodPost)
	api.HandleFunc("/api-keys", h.listAPIKeys).Methods(http.MethodGet)
	api.HandleFunc("/api-keys/{id}", h.revokeAPIKey).Methods(http.MethodDelete)

	api.HandleFunc("/triggers", h.createTrigger).Methods(http.MethodPost)
	api.HandleFunc("/triggers", h.listTriggers).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{id}", h.getTrigger).Methods(http.MethodGet)
	api.HandleFunc("/triggers/{id}", h.updateTrigger).Methods(http.MethodPut)
	api.HandleFunc("/triggers/{id}", h.deleteTrigger).Methods(http.MethodDelete)

	api.HandleFunc("/billing/credits", h.getBalance).Methods(http.MethodGet)
	api.HandleFunc("/billing/transactions", h.listTransactions).Methods(http.MethodGet)
	api.HandleFunc("/billing/credits/purchase", h.purchaseCredits).Methods(http.MethodPost)
	api.HandleFunc("/billing/webhook", h.billingWebhook).Methods(http.MethodPost)

	api.HandleFunc("/agents/link/challenge", h.agentLinkChallenge).Methods(http.MethodPost)
	api.HandleFunc("/agents/link", h.agentLink).Methods(http.MethodPost)
	api.HandleFunc("/agents/linked", h.listAgentLinks).Methods(http.MethodGet)
	api.HandleFunc("/agents/{agentID}/link/{chainID}", h.unlinkAgent).Methods(http.MethodDelete)

	api.HandleFunc("/admin/audit", h.adminAudit).Methods(http.MethodGet)
	api.HandleFunc("/admin/events", h.ingestEvent).Methods(http.MethodPost)
	api.HandleFunc("/stream", h.stream).Methods(http.MethodGet)

	return router
}

type handlers struct {
	d Deps
}
