package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/domain/credit"
)

func (h *handlers) getBalance(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	balance, err := h.d.Credits.GetBalance(r.Context(), orgID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"organization_id": orgID, "balance_micro_units": balance})
}

type transactionResponse struct {
	ID           string `json:"id"`
	AmountSigned int64  `json:"amount_signed"`
	Type         string `json:"type"`
	Description  string `json:"description"`
	ReferenceID  string `json:"reference_id,omitempty"`
	BalanceAfter int64  `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	offset, limit := httputil.PaginationParams(r, 50, 200)
	var txType *credit.TransactionType
	if raw := r.URL.Query().Get("type"); raw != "" {
		t := credit.TransactionType(raw)
		txType = &t
	}
	txs, total, err := h.d.Credits.ListTransactions(r.Context(), orgID, limit, offset, txType)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		out = append(out, transactionResponse{
			ID: t.ID, AmountSigned: t.AmountSigned, Type: string(t.Type), Description: t.Description,
			ReferenceID: t.ReferenceID, BalanceAfter: t.BalanceAfter, CreatedAt: t.CreatedAt.UTC().Format(httpTimeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": out, "total": total})
}

type purchaseRequest struct {
	AmountMicroUnits int64  `json:"amount_micro_units"`
	ReferenceID      string `json:"reference_id"`
	Description      string `json:"description"`
}

// purchaseCredits records a direct credit purchase keyed by a
// caller-supplied reference_id (e.g. a payment processor's charge id),
// idempotent on replay. A full checkout redirect flow is out of scope;
// callers are expected to have already settled payment out of band and
// quote the resulting reference_id here, the same contract billingWebhook
// uses for provider-initiated credits.
func (h *handlers) purchaseCredits(w http.ResponseWriter, r *http.Request) {
	orgID, ok := requireOrg(w, r)
	if !ok {
		return
	}
	var req purchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	tx, err := h.d.Credits.Credit(r.Context(), orgID, req.AmountMicroUnits, credit.TypePurchase, req.ReferenceID, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, transactionResponse{
		ID: tx.ID, AmountSigned: tx.AmountSigned, Type: string(tx.Type), Description: tx.Description,
		ReferenceID: tx.ReferenceID, BalanceAfter: tx.BalanceAfter, CreatedAt: tx.CreatedAt.UTC().Format(httpTimeFormat),
	})
}

type webhookRequest struct {
	OrganizationID   string `json:"organization_id"`
	AmountMicroUnits int64  `json:"amount_micro_units"`
	ReferenceID      string `json:"reference_id"`
	Description      string `json:"description"`
}

// webhookSignatureHeader carries the payment provider's hex-encoded
// HMAC-SHA256 signature of the raw request body, keyed by a secret shared
// out of band with the provider.
const webhookSignatureHeader = "X-Webhook-Signature"

// verifyWebhookSignature reports whether sigHex is a valid hex-encoded
// HMAC-SHA256 of body under secret. A nil or empty secret always fails
// closed rather than accepting unsigned webhooks from a misconfigured
// deployment.
func verifyWebhookSignature(secret []byte, body []byte, sigHex string) bool {
	if len(secret) == 0 || sigHex == "" {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

func (h *handlers) billingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.BadRequest(w, "failed to read request body")
		return
	}
	if !verifyWebhookSignature(h.d.WebhookSecret, body, r.Header.Get(webhookSignatureHeader)) {
		httputil.Unauthorized(w, "invalid webhook signature")
		return
	}

	var req webhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.OrganizationID == "" || req.ReferenceID == "" {
		httputil.BadRequest(w, "organization_id and reference_id are required")
		return
	}
	tx, err := h.d.Credits.Credit(r.Context(), req.OrganizationID, req.AmountMicroUnits, credit.TypePurchase, req.ReferenceID, req.Description)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction_id": tx.ID, "balance_after": tx.BalanceAfter})
}
