// Package walletauth implements EIP-191 wallet login for the user-identity
// session (distinct from agentbinding's agent-ownership proof): a caller
// proves control of a wallet address and, if an account already exists for
// that address, receives a session token for its organization.
package walletauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chainreactor/backend/internal/app/services/agentbinding"
)

const preamble = "Sign this message to log in to chainreactor. This request will not trigger a blockchain transaction or cost any gas fees."

// ChallengeTTL bounds how long an issued login challenge remains signable.
const ChallengeTTL = 5 * time.Minute

var messagePattern = regexp.MustCompile(`(?s)Wallet: (0x[0-9a-fA-F]{40})\nNonce: ([0-9a-f]+)\nExpires: (\S+)`)

// Challenge is the message a wallet must personal-sign to prove ownership.
type Challenge struct {
	WalletAddress string
	Message       string
	ExpiresAt     time.Time
}

// NewChallenge generates a random nonce and renders the canonical login
// message, the same stateless encode-everything-in-the-message approach
// agentbinding.NewChallenge uses.
func NewChallenge(walletAddress string, now time.Time) (Challenge, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return Challenge{}, fmt.Errorf("walletauth: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	expiresAt := now.Add(ChallengeTTL)
	message := fmt.Sprintf("%s\nWallet: %s\nNonce: %s\nExpires: %s",
		preamble, walletAddress, nonce, expiresAt.UTC().Format(time.RFC3339))
	return Challenge{WalletAddress: walletAddress, Message: message, ExpiresAt: expiresAt}, nil
}

// Verify checks that signature is a valid EIP-191 personal-sign of message
// by walletAddress, and that message has not expired. There is no
// server-side challenge store; replay protection for a login session is
// unnecessary since a replayed login message only re-authenticates the same
// wallet, it cannot mutate state the way a replayed agent-link could.
func Verify(message, signature, walletAddress string, now time.Time) error {
	m := messagePattern.FindStringSubmatch(message)
	if m == nil {
		return fmt.Errorf("walletauth: malformed challenge message")
	}
	if !strings.EqualFold(m[1], walletAddress) {
		return fmt.Errorf("walletauth: wallet address does not match challenge message")
	}
	expiresAt, err := time.Parse(time.RFC3339, strings.TrimSpace(m[3]))
	if err != nil {
		return fmt.Errorf("walletauth: malformed expiry: %w", err)
	}
	if now.After(expiresAt) {
		return fmt.Errorf("walletauth: challenge expired")
	}
	recovered, err := agentbinding.RecoverSigner(message, signature)
	if err != nil {
		return fmt.Errorf("walletauth: signature recovery failed: %w", err)
	}
	if !strings.EqualFold(recovered.Hex(), walletAddress) {
		return fmt.Errorf("walletauth: signature does not recover claimed wallet")
	}
	return nil
}
