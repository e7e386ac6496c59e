package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// Collector refreshes the lifecycle gauges from the database on a fixed
// period. Absent statuses are written as zero so stale series decay.
type Collector struct {
	store    *store.Store
	interval time.Duration
	log      *slog.Logger
	stopCh   chan struct{}
	done     chan struct{}
}

// NewCollector creates a collector over the store. A non-positive interval
// defaults to 15 seconds.
func NewCollector(st *store.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    st,
		interval: interval,
		log:      slog.With("component", "metrics"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins the poll loop. The first collection runs immediately.
func (c *Collector) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect(ctx)
		for {
			select {
			case <-ticker.C:
				c.collect(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the poll loop and waits for an in-flight collection.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.done
}

func (c *Collector) collect(ctx context.Context) {
	c.collectSessions(ctx)
	c.collectKernels(ctx)
	c.collectAgents(ctx)
}

func (c *Collector) collectSessions(ctx context.Context) {
	counts, err := c.store.CountSessionsByStatus(ctx)
	if err != nil {
		c.log.Warn("Failed to count sessions", "error", err)
		return
	}
	for _, status := range types.AllStatuses {
		SessionsTotal.WithLabelValues(status).
			Set(float64(counts[types.SessionStatus(status)]))
	}
}

func (c *Collector) collectKernels(ctx context.Context) {
	counts, err := c.store.CountKernelsByStatus(ctx)
	if err != nil {
		c.log.Warn("Failed to count kernels", "error", err)
		return
	}
	for _, status := range types.AllStatuses {
		KernelsTotal.WithLabelValues(status).
			Set(float64(counts[types.KernelStatus(status)]))
	}
}

func (c *Collector) collectAgents(ctx context.Context) {
	counts, err := c.store.CountAgentsByStatus(ctx)
	if err != nil {
		c.log.Warn("Failed to count agents", "error", err)
		return
	}
	for _, status := range []types.AgentStatus{
		types.AgentAlive, types.AgentLost,
		types.AgentRestarting, types.AgentTerminated,
	} {
		AgentsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
