package broadcast

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"

	"github.com/smallbiznis/metergate/internal/clock"
	"github.com/smallbiznis/metergate/internal/entitlement/domain"
)

func newTestHub() (*Hub, *clock.FakeClock) {
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return NewHub(clk), clk
}

func broadcastFor(customerID snowflake.ID, usage float64) domain.UsageBroadcast {
	return domain.UsageBroadcast{
		CustomerID:  customerID,
		FeatureSlug: "api_calls",
		Usage:       usage,
		Timestamp:   time.Now().UTC(),
	}
}

func TestPublish_DeliversToSubscriber(t *testing.T) {
	hub, _ := newTestHub()
	customerID := snowflake.ID(1)

	sub, replay, err := hub.Subscribe(customerID)
	assert.NoError(t, err)
	assert.Empty(t, replay)
	defer sub.Close()

	hub.Publish(broadcastFor(customerID, 10))

	select {
	case event := <-sub.Events():
		assert.Equal(t, float64(10), event.Usage)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublish_DebouncedPerCustomer(t *testing.T) {
	hub, clk := newTestHub()
	customerID := snowflake.ID(1)

	sub, _, err := hub.Subscribe(customerID)
	assert.NoError(t, err)
	defer sub.Close()

	hub.Publish(broadcastFor(customerID, 1))
	hub.Publish(broadcastFor(customerID, 2))
	hub.Publish(broadcastFor(customerID, 3))

	assert.Len(t, drain(sub), 1, "burst collapses to one emission")

	clk.Advance(DefaultDebounceInterval)
	hub.Publish(broadcastFor(customerID, 4))

	events := drain(sub)
	if assert.Len(t, events, 1) {
		assert.Equal(t, float64(4), events[0].Usage)
	}
}

func TestPublish_DebounceIsPerCustomer(t *testing.T) {
	hub, _ := newTestHub()

	subA, _, err := hub.Subscribe(snowflake.ID(1))
	assert.NoError(t, err)
	defer subA.Close()
	subB, _, err := hub.Subscribe(snowflake.ID(2))
	assert.NoError(t, err)
	defer subB.Close()

	hub.Publish(broadcastFor(snowflake.ID(1), 1))
	hub.Publish(broadcastFor(snowflake.ID(2), 2))

	assert.Len(t, drain(subA), 1)
	assert.Len(t, drain(subB), 1)
}

func TestSubscribe_ReplaysRetainedEvents(t *testing.T) {
	hub, clk := newTestHub()
	customerID := snowflake.ID(1)

	// Retention only applies while a stream exists, so keep one open.
	keeper, _, err := hub.Subscribe(customerID)
	assert.NoError(t, err)
	defer keeper.Close()

	hub.Publish(broadcastFor(customerID, 1))
	clk.Advance(DefaultDebounceInterval)
	hub.Publish(broadcastFor(customerID, 2))

	sub, replay, err := hub.Subscribe(customerID)
	assert.NoError(t, err)
	defer sub.Close()

	if assert.Len(t, replay, 2) {
		assert.Equal(t, float64(1), replay[0].Usage)
		assert.Equal(t, float64(2), replay[1].Usage)
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	hub, _ := newTestHub()
	assert.NotPanics(t, func() {
		hub.Publish(broadcastFor(snowflake.ID(1), 1))
	})
}

func TestClose_RemovesSubscriber(t *testing.T) {
	hub, clk := newTestHub()
	customerID := snowflake.ID(1)

	sub, _, err := hub.Subscribe(customerID)
	assert.NoError(t, err)
	sub.Close()
	sub.Close() // idempotent

	clk.Advance(DefaultDebounceInterval)
	hub.Publish(broadcastFor(customerID, 1))
	assert.Empty(t, drain(sub))
}

func drain(sub *Subscription) []domain.UsageBroadcast {
	var events []domain.UsageBroadcast
	for {
		select {
		case event := <-sub.Events():
			events = append(events, event)
		default:
			return events
		}
	}
}
