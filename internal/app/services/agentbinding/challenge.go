// Package agentbinding implements C6's wallet-ownership half: issuing a
// signed challenge, verifying it against an EIP-191 personal-sign
// signature and the identity registry's on-chain ownerOf(), then recording
// the resulting AgentLink.
package agentbinding

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/agent"
)

const messagePreamble = "Sign this message to link your agent to chainreactor. This request will not trigger a blockchain transaction or cost any gas fees."

// messagePattern extracts the wallet, nonce, and expiry a canonical
// challenge message carries, so VerifyAndLink can recover them without a
// server-side challenge store.
var messagePattern = regexp.MustCompile(`(?s)Wallet: (0x[0-9a-fA-F]{40})\nNonce: ([0-9a-f]+)\nExpires: (\S+)`)

// NewChallenge generates a random nonce and renders the canonical message
// wallet holders must personal-sign before an agent link can be created.
func NewChallenge(walletAddress string, now time.Time) (agent.Challenge, error) {
	nonceBytes := make([]byte, 16)
	if _, err := rand.Read(nonceBytes); err != nil {
		return agent.Challenge{}, fmt.Errorf("agentbinding: generate nonce: %w", err)
	}
	nonce := hex.EncodeToString(nonceBytes)
	expiresAt := now.Add(agent.ChallengeTTL)

	message := fmt.Sprintf("%s\nWallet: %s\nNonce: %s\nExpires: %s",
		messagePreamble, walletAddress, nonce, expiresAt.UTC().Format(time.RFC3339))

	return agent.Challenge{
		Nonce:         nonce,
		WalletAddress: walletAddress,
		ExpiresAt:     expiresAt,
		Message:       message,
	}, nil
}

type parsedMessage struct {
	wallet    string
	nonce     string
	expiresAt time.Time
}

func parseMessage(message string) (parsedMessage, error) {
	m := messagePattern.FindStringSubmatch(message)
	if m == nil {
		return parsedMessage{}, fmt.Errorf("agentbinding: malformed challenge message")
	}
	expiresAt, err := time.Parse(time.RFC3339, strings.TrimSpace(m[3]))
	if err != nil {
		return parsedMessage{}, fmt.Errorf("agentbinding: malformed expiry: %w", err)
	}
	return parsedMessage{wallet: m[1], nonce: m[2], expiresAt: expiresAt}, nil
}
