package httpapi

import (
	"net/http"

	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/storage"
)

type auditEntryResponse struct {
	ID             int64   `json:"id"`
	OrganizationID *string `json:"organization_id,omitempty"`
	KeyPrefix      string  `json:"key_prefix"`
	Outcome        string  `json:"outcome"`
	RemoteAddr     string  `json:"remote_addr"`
	CreatedAt      string  `json:"created_at"`
}

// adminAudit serves a paginated, filterable read of api_key_audit_log and
// auth_failures behind an admin-typed API key, for operators investigating
// abuse or a misbehaving integration.
func (h *handlers) adminAudit(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	if h.d.Audit == nil {
		httputil.NotFound(w, "audit log not configured")
		return
	}

	offset, limit := httputil.PaginationParams(r, 50, 200)
	filter := storage.AuditFilter{
		OrganizationID: r.URL.Query().Get("organization_id"),
		Outcome:        r.URL.Query().Get("outcome"),
		AnonymousOnly:  r.URL.Query().Get("anonymous_only") == "true",
	}

	entries, total, err := h.d.Audit.ListAudit(r.Context(), filter, limit, offset)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID: e.ID, OrganizationID: e.OrganizationID, KeyPrefix: e.KeyPrefix,
			Outcome: e.Outcome, RemoteAddr: e.RemoteAddr, CreatedAt: e.CreatedAt.UTC().Format(httpTimeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out, "total": total})
}
