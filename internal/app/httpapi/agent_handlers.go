package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/domain/agent"
)

type agentChallengeRequest struct {
	WalletAddress string `json:"wallet_address"`
}

func (h *handlers) agentLinkChallenge(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireOrg(w, r); !ok {
		return
	}
	var req agentChallengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ch, err := h.d.Agents.IssueChallenge(req.WalletAddress)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeInternal, "failed to issue challenge", 500, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": ch.Message, "expires_at": ch.ExpiresAt.UTC().Format(httpTimeFormat)})
}

type agentLinkRequest struct {
	AgentID       int64  `json:"agent_id"`
	ChainID       int64  `json:"chain_id"`
	WalletAddress string `json:"wallet_address"`
	Challenge     string `json:"challenge"`
	Signature     string `json:"signature"`
}

func (h *handlers) agentLink(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	var req agentLinkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	link, err := h.d.Agents.VerifyAndLink(r.Context(), agent.VerifyRequest{
		AgentID: req.AgentID, ChainID: req.ChainID, OrganizationID: orgID,
		WalletAddress: req.WalletAddress, Challenge: req.Challenge, Signature: req.Signature,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentLinkResponse(link))
}

type linkResponse struct {
	AgentID        int64  `json:"agent_id"`
	ChainID        int64  `json:"chain_id"`
	OrganizationID string `json:"organization_id"`
	WalletAddress  string `json:"wallet_address"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

func agentLinkResponse(l agent.Link) linkResponse {
	return linkResponse{
		AgentID: l.AgentID, ChainID: l.ChainID, OrganizationID: l.OrganizationID,
		WalletAddress: l.WalletAddress, Status: string(l.Status), CreatedAt: l.CreatedAt.UTC().Format(httpTimeFormat),
	}
}

func (h *handlers) listAgentLinks(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	links, err := h.d.Agents.ListLinks(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "failed to list links", 500, err))
		return
	}
	out := make([]linkResponse, 0, len(links))
	for _, l := range links {
		out = append(out, agentLinkResponse(l))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) unlinkAgent(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	agentID, err := strconv.ParseInt(vars["agentID"], 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid agent id")
		return
	}
	chainID, err := strconv.ParseInt(vars["chainID"], 10, 64)
	if err != nil {
		httputil.BadRequest(w, "invalid chain id")
		return
	}
	if err := h.d.Agents.Unlink(r.Context(), orgID, agentID, chainID); err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "failed to unlink agent", 500, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// wellKnownAgent serves the public, cached agent-discovery document.
func (h *handlers) wellKnownAgent(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "chainreactor",
		"description": "Reactive backend for on-chain agent triggers, actions, and credit-metered execution.",
		"version":     "1",
		"generated_at": time.Now().UTC().Format(httpTimeFormat),
	})
}
