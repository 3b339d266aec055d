package httpapi

import (
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	serr "github.com/chainreactor/backend/infrastructure/errors"
	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/domain/org"
	"github.com/chainreactor/backend/internal/app/services/walletauth"
	"github.com/chainreactor/backend/internal/app/storage"
)

type registerRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	OrganizationName string `json:"organization_name"`
}

type sessionResponse struct {
	Token          string `json:"token"`
	ExpiresAt      string `json:"expires_at"`
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
}

// register creates a user, its owning organization, and an owner
// membership in one transaction, then issues a session token.
func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || len(req.Password) < 8 {
		httputil.BadRequest(w, "email is required and password must be at least 8 characters")
		return
	}
	if strings.TrimSpace(req.OrganizationName) == "" {
		req.OrganizationName = req.Email + "'s organization"
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeInternal, "failed to hash password", 500, err))
		return
	}

	u, o, err := h.d.Orgs.CreateUserAndOrganization(r.Context(), org.User{
		Email:        req.Email,
		PasswordHash: string(hash),
	}, org.Organization{Name: req.OrganizationName})
	if err != nil {
		if err == storage.ErrConflict {
			writeServiceError(w, r, serr.Conflict("an account with that email already exists"))
			return
		}
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "registration failed", 500, err))
		return
	}

	token, exp, err := h.d.JWT.Issue(o.ID, u.ID, nil)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeInternal, "failed to issue session", 500, err))
		return
	}
	writeJSON(w, http.StatusCreated, sessionResponse{Token: token, ExpiresAt: exp.UTC().Format(httpTimeFormat), OrganizationID: o.ID, UserID: u.ID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// login verifies email/password and issues a session token scoped to the
// caller's first organization membership (most users belong to exactly
// the one organization register created for them).
func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	u, ok, err := h.d.Orgs.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "login failed", 500, err))
		return
	}
	// Always run bcrypt, even on a lookup miss, against a fixed dummy hash
	// so a response-time difference can't be used to enumerate emails.
	hash := u.PasswordHash
	if !ok {
		hash = dummyPasswordHash
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)) != nil || !ok {
		writeServiceError(w, r, serr.Unauthorized("invalid email or password"))
		return
	}

	orgs, err := h.d.Orgs.ListMemberOrganizations(r.Context(), u.ID)
	if err != nil || len(orgs) == 0 {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "login failed", 500, err))
		return
	}

	token, exp, err := h.d.JWT.Issue(orgs[0].ID, u.ID, nil)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeInternal, "failed to issue session", 500, err))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: exp.UTC().Format(httpTimeFormat), OrganizationID: orgs[0].ID, UserID: u.ID})
}

const httpTimeFormat = "2006-01-02T15:04:05Z07:00"

// dummyPasswordHash is a fixed bcrypt hash compared against on a user-not-
// found login, closing the timing side channel that would otherwise let a
// caller distinguish "wrong password" from "no such account".
var dummyPasswordHash = mustBcrypt("httpapi-dummy-password-material")

func mustBcrypt(s string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return string(h)
}

type walletChallengeRequest struct {
	WalletAddress string `json:"wallet_address"`
}

type walletChallengeResponse struct {
	Message   string `json:"message"`
	ExpiresAt string `json:"expires_at"`
}

// walletLoginChallenge issues a login challenge for a wallet address. No
// account lookup happens yet; the message alone carries everything verify
// needs.
func (h *handlers) walletLoginChallenge(w http.ResponseWriter, r *http.Request) {
	var req walletChallengeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.WalletAddress) == "" {
		httputil.BadRequest(w, "wallet_address is required")
		return
	}
	ch, err := walletauth.NewChallenge(req.WalletAddress, time.Now())
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeInternal, "failed to issue challenge", 500, err))
		return
	}
	writeJSON(w, http.StatusOK, walletChallengeResponse{Message: ch.Message, ExpiresAt: ch.ExpiresAt.UTC().Format(httpTimeFormat)})
}

type walletVerifyRequest struct {
	WalletAddress string `json:"wallet_address"`
	Message       string `json:"message"`
	Signature     string `json:"signature"`
}

// walletLoginVerify verifies the signed challenge and issues a session for
// the organization that has an active agent link for this wallet. A
// wallet with no linked organization cannot log in this way; it must first
// be linked via POST /agents/link from an authenticated session.
func (h *handlers) walletLoginVerify(w http.ResponseWriter, r *http.Request) {
	var req walletVerifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := walletauth.Verify(req.Message, req.Signature, req.WalletAddress, time.Now()); err != nil {
		h.d.Logger.WithContext(r.Context()).WithError(err).Warn("wallet login verification failed")
		writeServiceError(w, r, serr.Forbidden("wallet verification failed"))
		return
	}

	orgID, ok, err := h.d.AgentLookup.OrganizationByWallet(r.Context(), req.WalletAddress)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeDatabaseError, "login failed", 500, err))
		return
	}
	if !ok {
		writeServiceError(w, r, serr.Forbidden("no organization is linked to this wallet"))
		return
	}

	token, exp, err := h.d.JWT.Issue(orgID, req.WalletAddress, nil)
	if err != nil {
		writeServiceError(w, r, serr.Wrap(serr.ErrCodeInternal, "failed to issue session", 500, err))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Token: token, ExpiresAt: exp.UTC().Format(httpTimeFormat), OrganizationID: orgID, UserID: req.WalletAddress})
}
