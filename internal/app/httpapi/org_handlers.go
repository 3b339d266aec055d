package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/domain/org"
)

// listOrganizations returns every organization the caller's session
// resolved to. Since sessions are issued scoped to a single organization
// today, this returns a single-element list; the endpoint exists so a
// future multi-org membership model doesn't require an API-shape change.
func (h *handlers) listOrganizations(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	o, found, err := h.d.Orgs.GetOrganization(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "list organizations failed", 500, err))
		return
	}
	if !found {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, []organizationResponse{toOrgResponse(o)})
}

func (h *handlers) getOrganization(w http.ResponseWriter, r *http.Request) {
	callerOrgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	if id != callerOrgID {
		httputil.Forbidden(w, "not a member of this organization")
		return
	}
	o, found, err := h.d.Orgs.GetOrganization(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "get organization failed", 500, err))
		return
	}
	if !found {
		httputil.NotFound(w, "organization not found")
		return
	}
	writeJSON(w, http.StatusOK, toOrgResponse(o))
}

type organizationResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Plan      string `json:"plan"`
	CreatedAt string `json:"created_at"`
}

func toOrgResponse(o org.Organization) organizationResponse {
	return organizationResponse{ID: o.ID, Name: o.Name, Plan: o.Plan, CreatedAt: o.CreatedAt.UTC().Format(httpTimeFormat)}
}
