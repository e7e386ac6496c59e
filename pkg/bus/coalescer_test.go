package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/events"
)

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]Delivery
}

func (r *batchRecorder) record(batch []Delivery) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, batch)
}

func (r *batchRecorder) snapshot() [][]Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]Delivery, len(r.batches))
	copy(out, r.batches)
	return out
}

func taskDelivery(taskID string) Delivery {
	return Delivery{
		Source: events.SourceManager,
		Event:  events.BgtaskUpdated{TaskID: taskID},
	}
}

func TestCoalescerFiresOnBatchSize(t *testing.T) {
	rec := &batchRecorder{}
	c := newCoalescer(CoalescingOptions{MaxWait: time.Minute, MaxBatchSize: 3}, rec.record)

	c.add(taskDelivery("a"))
	c.add(taskDelivery("b"))
	assert.Empty(t, rec.snapshot(), "batch must not fire below the size bound")

	c.add(taskDelivery("c"))
	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
}

func TestCoalescerFiresOnMaxWait(t *testing.T) {
	rec := &batchRecorder{}
	c := newCoalescer(CoalescingOptions{MaxWait: 30 * time.Millisecond, MaxBatchSize: 100}, rec.record)

	c.add(taskDelivery("a"))
	c.add(taskDelivery("b"))

	assert.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, rec.snapshot()[0], 2)
}

// Seven deliveries against {max_batch 5} must produce at most two
// invocations that together observe all seven in order.
func TestCoalescerBatchOrderPreserved(t *testing.T) {
	rec := &batchRecorder{}
	c := newCoalescer(CoalescingOptions{MaxWait: 200 * time.Millisecond, MaxBatchSize: 5}, rec.record)

	ids := []string{"1", "2", "3", "4", "5", "6", "7"}
	for _, id := range ids {
		c.add(taskDelivery(id))
	}

	assert.Eventually(t, func() bool {
		total := 0
		for _, b := range rec.snapshot() {
			total += len(b)
		}
		return total == len(ids)
	}, time.Second, 5*time.Millisecond)

	batches := rec.snapshot()
	assert.LessOrEqual(t, len(batches), 2)

	var seen []string
	for _, batch := range batches {
		for _, d := range batch {
			seen = append(seen, d.Event.(events.BgtaskUpdated).TaskID)
		}
	}
	assert.Equal(t, ids, seen)
}

func TestCoalescerDrainFlushesBuffer(t *testing.T) {
	rec := &batchRecorder{}
	c := newCoalescer(CoalescingOptions{MaxWait: time.Hour, MaxBatchSize: 100}, rec.record)

	c.add(taskDelivery("a"))
	c.drain()

	batches := rec.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1)

	// Draining an empty coalescer fires nothing.
	c.drain()
	assert.Len(t, rec.snapshot(), 1)
}
