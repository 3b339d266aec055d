package httpapi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionTTL bounds how long an issued session token (password or wallet
// login) remains valid before the client must re-authenticate.
const sessionTTL = 24 * time.Hour

// SessionClaims is carried by every JWT this service issues, whether the
// session was established by password or by wallet signature.
type SessionClaims struct {
	OrganizationID string `json:"org_id"`
	UserID         string `json:"sub"`
	AgentID        *int64 `json:"agent_id,omitempty"`
	jwt.RegisteredClaims
}

// JWTIssuer signs and verifies session tokens with an HMAC secret. Adapted
// from the legacy gateway auth manager, generalized to the org/user/agent
// subject shape C5's wallet-session layer needs.
type JWTIssuer struct {
	secret []byte
}

// NewJWTIssuer builds an issuer. secret must be non-empty.
func NewJWTIssuer(secret string) (*JWTIssuer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("httpapi: jwt secret must not be empty")
	}
	return &JWTIssuer{secret: []byte(secret)}, nil
}

// Issue returns a signed session token for orgID/userID, optionally scoped
// to a specific agent (wallet-session agent binding context).
func (j *JWTIssuer) Issue(orgID, userID string, agentID *int64) (string, time.Time, error) {
	exp := time.Now().Add(sessionTTL)
	claims := SessionClaims{
		OrganizationID: orgID,
		UserID:         userID,
		AgentID:        agentID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(j.secret)
	return signed, exp, err
}

// Verify parses and validates a session token, per
// authfabric.WalletSessionVerifier's contract.
func (j *JWTIssuer) Verify(tokenString string) (*SessionClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &SessionClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*SessionClaims)
	if !ok || !token.Valid {
		return nil, errors.New("httpapi: invalid session token")
	}
	return claims, nil
}

// VerifySession implements authfabric.WalletSessionVerifier: a successful
// wallet-login session counts as L2 auth for rate-limit/tier purposes.
func (j *JWTIssuer) VerifySession(_ context.Context, token string) (string, *int64, bool) {
	claims, err := j.Verify(token)
	if err != nil {
		return "", nil, false
	}
	return claims.OrganizationID, claims.AgentID, true
}
