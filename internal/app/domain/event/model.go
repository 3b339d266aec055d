// Package event defines the normalized on-chain event shape shared by the
// event store, the event processor, and every condition evaluator.
package event

import "time"

// Registry identifies which on-chain contract family an event originated from.
type Registry string

const (
	RegistryIdentity   Registry = "identity"
	RegistryReputation Registry = "reputation"
	RegistryValidation Registry = "validation"
)

// Valid reports whether r is one of the three recognized registries.
func (r Registry) Valid() bool {
	switch r {
	case RegistryIdentity, RegistryReputation, RegistryValidation:
		return true
	default:
		return false
	}
}

// Event is an immutable, normalized record of a single on-chain log entry.
// The natural key (ChainID, BlockNumber, TxHash, LogIndex) is unique; Insert
// is idempotent on that key.
type Event struct {
	ID              string
	ChainID         int64
	Registry        Registry
	EventType       string
	BlockNumber     int64
	BlockHash       string
	TransactionHash string
	LogIndex        int
	BlockTimestamp  time.Time
	InsertedAt      time.Time
	Payload         map[string]any

	// Derived fields, extracted from Payload when present.
	AgentID          *int64
	ClientAddress    *string
	Score            *int
	Tag1             *string
	Tag2             *string
	FileURI          *string
	FileHash         *string
	ValidatorAddress *string
}

// NaturalKey returns the tuple that uniquely identifies this event regardless
// of its generated ID, used for idempotent inserts.
func (e Event) NaturalKey() (chainID, blockNumber int64, txHash string, logIndex int) {
	return e.ChainID, e.BlockNumber, e.TransactionHash, e.LogIndex
}

// Notification is the small, size-bounded payload published on insert.
// Subscribers must re-fetch the full Event by ID before evaluating it.
type Notification struct {
	EventID     string   `json:"event_id"`
	ChainID     int64    `json:"chain_id"`
	BlockNumber int64    `json:"block_number"`
	EventType   string   `json:"event_type"`
	Registry    Registry `json:"registry"`
}

// Checkpoint tracks the highest block a consumer has processed for a given
// (chain, registry) pair. Advances are monotonic; a non-increasing update is
// a no-op at the store boundary.
type Checkpoint struct {
	ChainID     int64
	Registry    Registry
	LastBlock   int64
	UpdatedAt   time.Time
}

// InsertOutcome communicates the result of a durable insert attempt.
type InsertOutcome int

const (
	InsertOK InsertOutcome = iota
	InsertDuplicate
)
