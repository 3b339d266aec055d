// Package eventstore is C1: it validates incoming normalized events,
// inserts them idempotently, and publishes a durable pg_notify notification
// once the insert has committed so C2 never misses an event that was
// actually persisted.
package eventstore

import (
	"context"
	"fmt"
	"time"

	"github.com/chainreactor/backend/internal/app/domain/event"
	"github.com/chainreactor/backend/internal/app/services/eventprocessor"
	"github.com/chainreactor/backend/internal/app/storage"
	"github.com/chainreactor/backend/infrastructure/logging"
	"github.com/chainreactor/backend/pkg/pgnotify"
)

// clockSkewTolerance bounds how far block_timestamp may run ahead of insertion
// time before an event is rejected as malformed (spec §3 Event invariants).
const clockSkewTolerance = 60 * time.Second

// Service implements C1 on top of a storage.EventStore and a pg_notify bus.
type Service struct {
	store  storage.EventStore
	bus    *pgnotify.Bus
	logger *logging.Logger
}

// New builds a Service. bus may be nil in tests that only exercise storage.
func New(store storage.EventStore, bus *pgnotify.Bus, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.New("eventstore", "info", "json")
	}
	return &Service{store: store, bus: bus, logger: logger}
}

// RegisterEvent validates, inserts, and (on a fresh insert) publishes. A
// duplicate natural key is not an error: it returns the existing row with
// InsertDuplicate so callers can treat register_event as idempotent.
func (s *Service) RegisterEvent(ctx context.Context, evt event.Event) (event.Event, event.InsertOutcome, error) {
	if err := validateEvent(evt); err != nil {
		return event.Event{}, 0, fmt.Errorf("invalid event: %w", err)
	}

	inserted, outcome, err := s.store.InsertEvent(ctx, evt)
	if err != nil {
		return event.Event{}, 0, fmt.Errorf("insert event: %w", err)
	}

	if outcome == event.InsertOK && s.bus != nil {
		n := event.Notification{
			EventID:     inserted.ID,
			ChainID:     inserted.ChainID,
			BlockNumber: inserted.BlockNumber,
			EventType:   inserted.EventType,
			Registry:    inserted.Registry,
		}
		if err := s.bus.Publish(ctx, eventprocessor.NotificationChannel, n); err != nil {
			s.logger.WithContext(ctx).WithError(err).Error("publish event notification failed")
		}
	}

	return inserted, outcome, nil
}

func validateEvent(evt event.Event) error {
	if !evt.Registry.Valid() {
		return fmt.Errorf("registry %q is not one of identity/reputation/validation", evt.Registry)
	}
	if evt.ChainID <= 0 {
		return fmt.Errorf("chain_id must be positive")
	}
	if evt.Score != nil && (*evt.Score < 0 || *evt.Score > 100) {
		return fmt.Errorf("score %d out of range [0,100]", *evt.Score)
	}
	if !evt.InsertedAt.IsZero() && evt.BlockTimestamp.After(evt.InsertedAt.Add(clockSkewTolerance)) {
		return fmt.Errorf("block_timestamp exceeds clock-skew tolerance of insertion time")
	}
	return nil
}

// Backfill replays events for (chainID, registry) strictly after afterBlock,
// used by a restarting processor to catch up without re-subscribing blind.
func (s *Service) Backfill(ctx context.Context, chainID int64, registry event.Registry, afterBlock int64, limit int) ([]event.Event, error) {
	return s.store.ListEventsAfter(ctx, chainID, registry, afterBlock, limit)
}
