package httpapi

import (
	"encoding/json"
	"net/http"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/services/authfabric"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	httputil.WriteJSON(w, status, v)
}

// decodeJSON reads the request body into v, writing a 400 response and
// returning false on malformed JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return false
	}
	return true
}

// writeServiceError maps the infrastructure/errors.ServiceError taxonomy
// the services package returns into the standard JSON error envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var svcErr *serr.ServiceError
	if se, ok := err.(*serr.ServiceError); ok {
		svcErr = se
	}
	if svcErr != nil {
		httputil.WriteErrorResponse(w, r, svcErr.HTTPStatus, string(svcErr.Code), svcErr.Message, svcErr.Details)
		return
	}
	httputil.WriteErrorResponse(w, r, http.StatusInternalServerError, "", "internal server error", nil)
}

// authContext returns the request's resolved auth context, attached by
// authfabric.Fabric.AuthExtraction.
func authContext(r *http.Request) authfabric.AuthContext {
	return authfabric.FromContext(r.Context())
}

// requireOrg returns the caller's organization id, writing a 401 and
// returning false when the caller is anonymous.
func requireOrg(w http.ResponseWriter, r *http.Request) (string, bool) {
	ac := authContext(r)
	if ac.Layer == authfabric.LayerAnonymous || ac.OrganizationID == "" {
		httputil.Unauthorized(w, "authentication required")
		return "", false
	}
	return ac.OrganizationID, true
}

// requireWalletLayer returns the caller's organization id, writing a 403
// when the caller authenticated below L2 (wallet session). API key
// creation and revocation require a wallet session: API keys must not
// be mintable by another API key (§5's key-management scope note).
func requireWalletLayer(w http.ResponseWriter, r *http.Request) (string, bool) {
	ac := authContext(r)
	if ac.Layer != authfabric.LayerWallet || ac.OrganizationID == "" {
		httputil.Forbidden(w, "wallet session required")
		return "", false
	}
	return ac.OrganizationID, true
}

// requireAdmin writes a 403 unless the caller authenticated with an
// admin-typed API key (§5's key-management scope note has no wallet-session
// equivalent for this: admin keys are the only credential minted with
// platform-wide rather than org-scoped read access).
func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	ac := authContext(r)
	if ac.Layer != authfabric.LayerAPIKey || ac.KeyType != "admin" {
		httputil.Forbidden(w, "admin api key required")
		return false
	}
	return true
}
