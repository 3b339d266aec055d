// Package agent defines the agent-to-organization binding entities for C6's
// signed-challenge + on-chain-ownership verification flow.
package agent

import "time"

// LinkStatus enumerates the lifecycle states of an AgentLink.
type LinkStatus string

const (
	LinkActive  LinkStatus = "active"
	LinkRevoked LinkStatus = "revoked"
)

// Link binds one (agent_id, chain_id) pair to exactly one organization and
// the wallet address that proved ownership.
type Link struct {
	AgentID        int64
	ChainID        int64
	OrganizationID string
	WalletAddress  string
	Status         LinkStatus
	CreatedAt      time.Time
}

// Challenge is the server-issued nonce a client must sign to prove wallet
// ownership before linking an agent.
type Challenge struct {
	Nonce       string
	WalletAddress string
	ExpiresAt   time.Time
	Message     string
}

// VerifyRequest is the client's submission of a signed challenge.
type VerifyRequest struct {
	AgentID       int64
	ChainID       int64
	OrganizationID string
	WalletAddress string
	Challenge     string
	Signature     string
}

// UsedNonce marks a challenge nonce as consumed until ExpiresAt elapses.
type UsedNonce struct {
	Nonce     string
	ExpiresAt time.Time
}

// ChallengeTTL is the default lifetime of an issued challenge.
const ChallengeTTL = 5 * time.Minute
