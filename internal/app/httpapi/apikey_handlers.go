package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/domain/org"
	"github.com/chainreactor/backend/internal/app/services/authfabric"
	"github.com/chainreactor/backend/internal/app/storage"
)

type createAPIKeyRequest struct {
	Environment string   `json:"environment"` // live|test
	Type        string   `json:"type"`        // standard|restricted|admin
	Permissions []string `json:"permissions"`
}

type createAPIKeyResponse struct {
	ID     string `json:"id"`
	Key    string `json:"key"` // only ever returned here, at creation time
	Prefix string `json:"prefix"`
}

// createAPIKey mints a new API key for the caller's organization. Only a
// wallet session may mint keys; a key cannot mint another key, closing the
// privilege-escalation path a compromised key would otherwise open.
func (h *handlers) createAPIKey(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireWalletLayer(w, r)
	if !ok {
		return
	}
	var req createAPIKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	env := org.KeyEnvironment(strings.ToLower(req.Environment))
	if env == "" {
		env = org.EnvLive
	}
	if env != org.EnvLive && env != org.EnvTest {
		httputil.BadRequest(w, "environment must be live or test")
		return
	}
	keyType := org.KeyType(strings.ToLower(req.Type))
	if keyType == "" {
		keyType = org.KeyStandard
	}
	switch keyType {
	case org.KeyStandard, org.KeyRestricted, org.KeyAdmin:
	default:
		httputil.BadRequest(w, "invalid key type")
		return
	}

	raw, hash, prefix, err := authfabric.GenerateKey(env)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeInternal, "failed to generate key", 500, err))
		return
	}

	created, err := h.d.Keys.CreateKey(r.Context(), org.ApiKey{
		OrganizationID: orgID,
		Prefix:         prefix,
		Hash:           hash,
		Environment:    env,
		Type:           keyType,
		Permissions:    req.Permissions,
	})
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "failed to create key", 500, err))
		return
	}
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{ID: created.ID, Key: raw, Prefix: prefix})
}

type apiKeyResponse struct {
	ID          string   `json:"id"`
	Prefix      string   `json:"prefix"`
	Environment string   `json:"environment"`
	Type        string   `json:"type"`
	Permissions []string `json:"permissions"`
	Revoked     bool     `json:"revoked"`
	CreatedAt   string   `json:"created_at"`
}

func (h *handlers) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	keys, err := h.d.Keys.ListKeys(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "failed to list keys", 500, err))
		return
	}
	out := make([]apiKeyResponse, 0, len(keys))
	for _, k := range keys {
		out = append(out, apiKeyResponse{
			ID: k.ID, Prefix: k.Prefix, Environment: string(k.Environment), Type: string(k.Type),
			Permissions: k.Permissions, Revoked: k.Revoked, CreatedAt: k.CreatedAt.UTC().Format(httpTimeFormat),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireWalletLayer(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.d.Keys.RevokeKey(r.Context(), orgID, id); err != nil {
		if err == storage.ErrNotFound {
			httputil.NotFound(w, "api key not found")
			return
		}
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "failed to revoke key", 500, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
