package bus

import (
	"sync"
	"time"
)

// coalescer buffers deliveries for one registration and fires the callback
// when MaxBatchSize deliveries have accumulated since the last invocation or
// MaxWait has elapsed since the first buffered delivery. The buffer only
// spans the current run; nothing is persisted.
type coalescer struct {
	opts CoalescingOptions
	fire func(batch []Delivery)

	mu    sync.Mutex
	buf   []Delivery
	timer *time.Timer
}

func newCoalescer(opts CoalescingOptions, fire func(batch []Delivery)) *coalescer {
	return &coalescer{opts: opts, fire: fire}
}

// add buffers one delivery, firing immediately when the batch is full.
func (c *coalescer) add(d Delivery) {
	c.mu.Lock()
	c.buf = append(c.buf, d)
	if c.opts.MaxBatchSize > 0 && len(c.buf) >= c.opts.MaxBatchSize {
		batch := c.takeLocked()
		c.mu.Unlock()
		c.fire(batch)
		return
	}
	if c.timer == nil && c.opts.MaxWait > 0 {
		c.timer = time.AfterFunc(c.opts.MaxWait, c.flush)
	}
	c.mu.Unlock()
}

// flush fires whatever is buffered. Invoked by the timer and by drain.
func (c *coalescer) flush() {
	c.mu.Lock()
	batch := c.takeLocked()
	c.mu.Unlock()
	if len(batch) > 0 {
		c.fire(batch)
	}
}

// takeLocked detaches the buffer and disarms the timer. Caller holds mu.
func (c *coalescer) takeLocked() []Delivery {
	batch := c.buf
	c.buf = nil
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return batch
}

// drain flushes synchronously during shutdown so buffered deliveries are not
// lost.
func (c *coalescer) drain() {
	c.flush()
}
