package eventstream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainreactor/backend/internal/app/domain/event"
)

type fakeEventStore struct{}

func (fakeEventStore) InsertEvent(ctx context.Context, evt event.Event) (event.Event, event.InsertOutcome, error) {
	return evt, event.InsertOK, nil
}
func (fakeEventStore) GetEvent(ctx context.Context, id string) (event.Event, error) {
	return event.Event{ID: id}, nil
}
func (fakeEventStore) ListEventsAfter(ctx context.Context, chainID int64, registry event.Registry, afterBlock int64, limit int) ([]event.Event, error) {
	return nil, nil
}
func (fakeEventStore) GetCheckpoint(ctx context.Context, chainID int64, registry event.Registry) (event.Checkpoint, bool, error) {
	return event.Checkpoint{}, false, nil
}
func (fakeEventStore) AdvanceCheckpoint(ctx context.Context, chainID int64, registry event.Registry, block int64) error {
	return nil
}

func TestRegister_ReceivesBroadcastEvent(t *testing.T) {
	h := New(fakeEventStore{})
	ch, unregister := h.Register()
	defer unregister()

	h.broadcast(event.Event{ID: "evt-1"})

	select {
	case evt := <-ch:
		assert.Equal(t, "evt-1", evt.ID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for broadcast event")
	}
}

func TestUnregister_ClosesChannel(t *testing.T) {
	h := New(fakeEventStore{})
	ch, unregister := h.Register()
	unregister()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestUnregister_IsIdempotent(t *testing.T) {
	h := New(fakeEventStore{})
	_, unregister := h.Register()
	unregister()
	require.NotPanics(t, unregister)
}

func TestBroadcast_DropsSlowClientRatherThanBlocking(t *testing.T) {
	h := New(fakeEventStore{})
	ch, unregister := h.Register()
	defer unregister()

	// Fill the client's buffer without draining it.
	for i := 0; i < clientBuffer+5; i++ {
		h.broadcast(event.Event{ID: "evt"})
	}

	assert.Len(t, ch, clientBuffer)
}

func TestBroadcast_FansOutToEveryRegisteredClient(t *testing.T) {
	h := New(fakeEventStore{})
	ch1, unregister1 := h.Register()
	ch2, unregister2 := h.Register()
	defer unregister1()
	defer unregister2()

	h.broadcast(event.Event{ID: "evt-shared"})

	for _, ch := range []<-chan event.Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, "evt-shared", evt.ID)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out event")
		}
	}
}
