package bus_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/bus"
	"github.com/peregrinehq/peregrine/pkg/events"
	testdb "github.com/peregrinehq/peregrine/test/database"
)

func startBus(t *testing.T, register func(b *bus.Bus)) *bus.Bus {
	t.Helper()
	rdb := testdb.NewTestRedis(t)
	b := bus.New(rdb, bus.Config{Stream: "events", Group: "manager"}, nil)
	register(b)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	// The subscriber loop tails from "now"; give it a moment to issue its
	// first read before producing.
	time.Sleep(100 * time.Millisecond)
	return b
}

func waitDelivery(t *testing.T, ch <-chan bus.Delivery) bus.Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
		return bus.Delivery{}
	}
}

func TestProduceConsumeRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	got := make(chan bus.Delivery, 1)
	b := startBus(t, func(b *bus.Bus) {
		b.Consume(events.NameSessionEnqueued, func(ctx context.Context, d bus.Delivery) error {
			got <- d
			return nil
		})
	})

	ev := events.SessionEnqueued{SessionID: "s-1", CreationID: "c-1"}
	require.NoError(t, b.Produce(context.Background(), ev, "manager:0"))

	d := waitDelivery(t, got)
	assert.Equal(t, "manager:0", d.Source)
	require.IsType(t, events.SessionEnqueued{}, d.Event)
	assert.Equal(t, "s-1", d.Event.(events.SessionEnqueued).SessionID)
}

func TestSubscribeBroadcastsToAllHandlers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	first := make(chan bus.Delivery, 1)
	second := make(chan bus.Delivery, 1)
	b := startBus(t, func(b *bus.Bus) {
		b.Subscribe(events.NameSessionStarted, func(ctx context.Context, d bus.Delivery) error {
			first <- d
			return nil
		})
		b.Subscribe(events.NameSessionStarted, func(ctx context.Context, d bus.Delivery) error {
			second <- d
			return nil
		})
	})

	ev := events.SessionStarted{SessionID: "s-1", CreationID: "c-1"}
	require.NoError(t, b.Produce(context.Background(), ev, "manager:0"))

	waitDelivery(t, first)
	waitDelivery(t, second)
}

func TestConsumeMatcherFiltersDeliveries(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	got := make(chan bus.Delivery, 2)
	b := startBus(t, func(b *bus.Bus) {
		b.Consume(events.NameSessionEnqueued, func(ctx context.Context, d bus.Delivery) error {
			got <- d
			return nil
		}, bus.WithMatcher(func(args []any) bool {
			id, _ := args[0].(string)
			return id == "s-wanted"
		}))
	})

	ctx := context.Background()
	require.NoError(t, b.Produce(ctx, events.SessionEnqueued{SessionID: "s-other", CreationID: "c-1"}, "m"))
	require.NoError(t, b.Produce(ctx, events.SessionEnqueued{SessionID: "s-wanted", CreationID: "c-2"}, "m"))

	d := waitDelivery(t, got)
	assert.Equal(t, "s-wanted", d.Event.(events.SessionEnqueued).SessionID)
	select {
	case extra := <-got:
		t.Fatalf("unexpected extra delivery: %+v", extra.Event)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestConsumeBatchCoalesces(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	got := make(chan []bus.Delivery, 1)
	b := startBus(t, func(b *bus.Bus) {
		b.ConsumeBatch(events.NameSessionTerminated,
			bus.CoalescingOptions{MaxWait: 300 * time.Millisecond, MaxBatchSize: 10},
			func(ctx context.Context, batch []bus.Delivery) error {
				got <- batch
				return nil
			})
	})

	ctx := context.Background()
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		require.NoError(t, b.Produce(ctx, events.SessionTerminated{SessionID: id}, "m"))
	}

	select {
	case batch := <-got:
		assert.GreaterOrEqual(t, len(batch), 1)
		assert.LessOrEqual(t, len(batch), 3)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for coalesced batch")
	}
}
