package events

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEvent(eventType string) *DomainEvent {
	return &DomainEvent{
		EventID:       "evt-1",
		OccurredOn:    time.Now(),
		EventType:     eventType,
		AggregateID:   "sub-1",
		AggregateType: "Subscription",
		Payload:       json.RawMessage(`{"subscriptionId":"sub-1"}`),
	}
}

func TestRegistry_Register(t *testing.T) {
	registry := NewRegistry()
	noop := func(context.Context, *DomainEvent) error { return nil }

	require.NoError(t, registry.Register(NewHandlerFunc("a", SubscriptionCreated, noop)))
	require.NoError(t, registry.Register(NewHandlerFunc("b", SubscriptionCreated, noop)))
	require.NoError(t, registry.Register(NewHandlerFunc("c", SubscriptionCancelled, noop)))

	assert.Equal(t, 2, registry.HandlerCount(SubscriptionCreated))
	assert.Equal(t, 0, registry.HandlerCount(SubscriptionRenewed))
	assert.Equal(t, []string{SubscriptionCancelled, SubscriptionCreated}, registry.EventTypes())

	assert.ErrorIs(t, registry.Register(nil), ErrInvalidHandler)
	assert.ErrorIs(t, registry.Register(NewHandlerFunc("d", "", noop)), ErrInvalidHandler)
}

func TestPublisher_Publish(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name        string
		handlers    []Handler
		expectErr   bool
		failedNames []string
	}{
		{
			name:      "no handlers is a success",
			handlers:  nil,
			expectErr: false,
		},
		{
			name: "all handlers succeed",
			handlers: []Handler{
				NewHandlerFunc("first", SubscriptionCreated, func(context.Context, *DomainEvent) error { return nil }),
				NewHandlerFunc("second", SubscriptionCreated, func(context.Context, *DomainEvent) error { return nil }),
			},
			expectErr: false,
		},
		{
			name: "one failure fails the event",
			handlers: []Handler{
				NewHandlerFunc("ok", SubscriptionCreated, func(context.Context, *DomainEvent) error { return nil }),
				NewHandlerFunc("broken", SubscriptionCreated, func(context.Context, *DomainEvent) error { return errBoom }),
			},
			expectErr:   true,
			failedNames: []string{"broken"},
		},
		{
			name: "panic is reported as a failure",
			handlers: []Handler{
				NewHandlerFunc("panicky", SubscriptionCreated, func(context.Context, *DomainEvent) error { panic("oops") }),
				NewHandlerFunc("broken", SubscriptionCreated, func(context.Context, *DomainEvent) error { return errBoom }),
			},
			expectErr:   true,
			failedNames: []string{"panicky", "broken"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry()
			for _, h := range tt.handlers {
				require.NoError(t, registry.Register(h))
			}
			publisher := NewPublisher(registry, nil)

			err := publisher.Publish(context.Background(), newEvent(SubscriptionCreated))
			if !tt.expectErr {
				assert.NoError(t, err)
				return
			}

			var dispatchErr *DispatchError
			require.ErrorAs(t, err, &dispatchErr)
			assert.Equal(t, "evt-1", dispatchErr.EventID)
			names := make([]string, len(dispatchErr.Failures))
			for i, f := range dispatchErr.Failures {
				names[i] = f.Handler
			}
			assert.ElementsMatch(t, tt.failedNames, names)
		})
	}
}

func TestPublisher_WaitsForEveryHandler(t *testing.T) {
	registry := NewRegistry()
	var finished atomic.Int32
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(3)

	slow := func(context.Context, *DomainEvent) error {
		started.Done()
		<-release
		finished.Add(1)
		return nil
	}
	failing := func(context.Context, *DomainEvent) error {
		started.Done()
		return errors.New("fast failure")
	}

	require.NoError(t, registry.Register(NewHandlerFunc("slow-1", SubscriptionCreated, slow)))
	require.NoError(t, registry.Register(NewHandlerFunc("slow-2", SubscriptionCreated, slow)))
	require.NoError(t, registry.Register(NewHandlerFunc("failing", SubscriptionCreated, failing)))

	done := make(chan error, 1)
	go func() {
		done <- NewPublisher(registry, nil).Publish(context.Background(), newEvent(SubscriptionCreated))
	}()

	// All handlers run concurrently: the slow ones are blocked while the failing one returned.
	started.Wait()
	select {
	case <-done:
		t.Fatal("publish returned before slow handlers finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	err := <-done
	assert.Error(t, err)
	assert.Equal(t, int32(2), finished.Load())
}

func TestPublisher_ErrorsIsThroughDispatchError(t *testing.T) {
	errSentinel := errors.New("sentinel")
	registry := NewRegistry()
	require.NoError(t, registry.Register(NewHandlerFunc("h", SubscriptionRenewed, func(context.Context, *DomainEvent) error {
		return errors.Wrap(errSentinel, "wrapped")
	})))

	err := NewPublisher(registry, nil).Publish(context.Background(), newEvent(SubscriptionRenewed))
	assert.ErrorIs(t, err, errSentinel)
}

func TestDomainEvent_UnmarshalPayload(t *testing.T) {
	var payload struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	require.NoError(t, newEvent(SubscriptionCreated).UnmarshalPayload(&payload))
	assert.Equal(t, "sub-1", payload.SubscriptionID)

	empty := &DomainEvent{EventID: "evt-2"}
	assert.Error(t, empty.UnmarshalPayload(&payload))
}
