package httpapi

import (
	"net/http"
	"time"

	"github.com/chainreactor/backend/infrastructure/httputil"
	"github.com/chainreactor/backend/internal/app/domain/event"
)

// eventDTO is the wire shape an external producer posts to ingest one
// normalized chain event (§3 Event, §9.1 insert_event).
type eventDTO struct {
	ChainID          int64          `json:"chain_id"`
	Registry         string         `json:"registry"`
	EventType        string         `json:"event_type"`
	BlockNumber      int64          `json:"block_number"`
	BlockHash        string         `json:"block_hash"`
	TransactionHash  string         `json:"transaction_hash"`
	LogIndex         int            `json:"log_index"`
	BlockTimestamp   string         `json:"block_timestamp"`
	Payload          map[string]any `json:"payload"`
	AgentID          *int64         `json:"agent_id,omitempty"`
	ClientAddress    *string        `json:"client_address,omitempty"`
	Score            *int           `json:"score,omitempty"`
	Tag1             *string        `json:"tag1,omitempty"`
	Tag2             *string        `json:"tag2,omitempty"`
	FileURI          *string        `json:"file_uri,omitempty"`
	FileHash         *string        `json:"file_hash,omitempty"`
	ValidatorAddress *string        `json:"validator_address,omitempty"`
}

func (d eventDTO) toDomain() (event.Event, error) {
	ts, err := time.Parse(time.RFC3339, d.BlockTimestamp)
	if err != nil {
		return event.Event{}, err
	}
	return event.Event{
		ChainID:          d.ChainID,
		Registry:         event.Registry(d.Registry),
		EventType:        d.EventType,
		BlockNumber:      d.BlockNumber,
		BlockHash:        d.BlockHash,
		TransactionHash:  d.TransactionHash,
		LogIndex:         d.LogIndex,
		BlockTimestamp:   ts,
		Payload:          d.Payload,
		AgentID:          d.AgentID,
		ClientAddress:    d.ClientAddress,
		Score:            d.Score,
		Tag1:             d.Tag1,
		Tag2:             d.Tag2,
		FileURI:          d.FileURI,
		FileHash:         d.FileHash,
		ValidatorAddress: d.ValidatorAddress,
	}, nil
}

type eventResponse struct {
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome"`
}

// ingestEvent is C1's insert_event entry point (§9.1): an external producer
// (a chain watcher or indexer, out of this service's scope) posts one
// normalized event here. It is admin-key-scoped because the caller is a
// trusted internal producer, not an organization's own client.
func (h *handlers) ingestEvent(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}
	if h.d.Events == nil {
		httputil.NotFound(w, "event ingestion not configured")
		return
	}
	var dto eventDTO
	if !decodeJSON(w, r, &dto) {
		return
	}
	evt, err := dto.toDomain()
	if err != nil {
		httputil.BadRequest(w, "invalid block_timestamp")
		return
	}

	inserted, outcome, err := h.d.Events.RegisterEvent(r.Context(), evt)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	resp := eventResponse{ID: inserted.ID, Outcome: "ok"}
	if outcome == event.InsertDuplicate {
		status = http.StatusOK
		resp.Outcome = "duplicate"
	}
	writeJSON(w, status, resp)
}
