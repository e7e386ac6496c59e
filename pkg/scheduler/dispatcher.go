package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/lifecycle"
	"github.com/peregrinehq/peregrine/pkg/metrics"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// Config carries the dispatcher knobs.
type Config struct {
	// TickInterval is the base period between autonomous schedule passes;
	// each tick is jittered by ±TickJitter so workers do not stampede.
	TickInterval time.Duration
	TickJitter   time.Duration
	// MaxRetriesToSkip cancels a session with reason pending-timeout after
	// this many consecutive predicate failures. Zero disables the cutoff.
	MaxRetriesToSkip int
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 10 * time.Second
	}
	if c.TickJitter <= 0 {
		c.TickJitter = 2 * time.Second
	}
	return c
}

// Dispatcher runs the three scheduling passes per scaling group: schedule
// (PENDING → SCHEDULED), check-precondition (trigger image pulls), and
// start (PREPARED → running kernels). Passes run on a jittered tick and on
// the corresponding do_* events; a Redis mutex per (pass, group) keeps one
// worker per pass.
type Dispatcher struct {
	cfg        Config
	store      *store.Store
	rdb        redis.UniversalClient
	producer   lifecycle.Producer
	rpc        *agent.Client
	lc         *lifecycle.Manager
	predicates *Predicates
	selector   *Selector
	tracker    *ConcurrencyTracker
	log        *slog.Logger
	now        func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDispatcher wires the dispatcher.
func NewDispatcher(cfg Config, st *store.Store, rdb redis.UniversalClient, producer lifecycle.Producer, rpc *agent.Client, lc *lifecycle.Manager) *Dispatcher {
	tracker := NewConcurrencyTracker(rdb)
	return &Dispatcher{
		cfg:        cfg.withDefaults(),
		store:      st,
		rdb:        rdb,
		producer:   producer,
		rpc:        rpc,
		lc:         lc,
		predicates: NewPredicates(st, tracker),
		selector:   NewSelector(rdb),
		tracker:    tracker,
		log:        slog.With("component", "scheduler"),
		now:        time.Now,
		stopCh:     make(chan struct{}),
	}
}

// Tracker exposes the concurrency tracker for the registry (destroy
// decrements, recalc rebuilds).
func (d *Dispatcher) Tracker() *ConcurrencyTracker {
	return d.tracker
}

// Start launches the autonomous tick loop.
func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.tickLoop(ctx)
	d.log.Info("Scheduler dispatcher started",
		"tick_interval", d.cfg.TickInterval, "tick_jitter", d.cfg.TickJitter)
}

// Stop halts the tick loop and waits for an in-flight pass to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
	d.wg.Wait()
}

func (d *Dispatcher) tickLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		jitter := d.cfg.TickJitter
		delay := d.cfg.TickInterval - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		d.Schedule(ctx)
		d.CheckPrecondition(ctx)
		d.StartSessions(ctx)
	}
}

// forEachGroup runs fn per scaling group under the pass mutex.
func (d *Dispatcher) forEachGroup(ctx context.Context, pass string, fn func(ctx context.Context, g *models.ScalingGroup)) {
	started := d.now()
	defer func() {
		metrics.SchedulerPassDuration.WithLabelValues(pass).
			Observe(time.Since(started).Seconds())
	}()
	groups, err := d.store.ListScalingGroups(ctx)
	if err != nil {
		d.log.Error("Failed to list scaling groups", "pass", pass, "error", err)
		return
	}
	for _, g := range groups {
		m, err := tryLockPass(ctx, d.rdb, pass, g.Name)
		if err != nil {
			d.log.Error("Failed to acquire pass mutex",
				"pass", pass, "scaling_group", g.Name, "error", err)
			continue
		}
		if m == nil {
			continue
		}
		fn(ctx, g)
		m.unlock(ctx)
	}
}

// Schedule runs the PENDING → SCHEDULED pass over every scaling group.
func (d *Dispatcher) Schedule(ctx context.Context) {
	d.forEachGroup(ctx, "schedule", func(ctx context.Context, g *models.ScalingGroup) {
		sessions, err := d.store.ListSessionsByStatus(ctx, g.Name, types.SessionPending)
		if err != nil {
			d.log.Error("Failed to load pending sessions",
				"scaling_group", g.Name, "error", err)
			return
		}
		for _, sess := range sessions {
			if err := d.scheduleSession(ctx, g, sess); err != nil {
				d.log.Error("Failed to schedule session",
					"session_id", sess.ID, "error", err)
			}
		}
	})
}

func (d *Dispatcher) scheduleSession(ctx context.Context, g *models.ScalingGroup, sess *models.Session) error {
	policy, err := d.store.GetResourcePolicy(ctx, sess.ResourcePolicy)
	if err != nil {
		return err
	}

	results, ok, rollback, err := d.predicates.Check(ctx, sess, policy)
	if err != nil {
		return err
	}
	statusData, retries := ApplySchedulerTrail(sess.StatusData, results, ok, d.now())
	sess.StatusData = statusData
	if err := d.store.SetSessionStatusData(ctx, sess.ID, statusData); err != nil {
		rollback(ctx)
		return err
	}
	if !ok {
		rollback(ctx)
		if d.cfg.MaxRetriesToSkip > 0 && retries >= d.cfg.MaxRetriesToSkip {
			return d.cancelPending(ctx, sess, types.ReasonPendingTimeout)
		}
		d.log.Info("Session stays pending after predicate failures",
			"session_id", sess.ID, "retries", retries)
		return nil
	}

	kernels, err := d.store.ListKernelsBySession(ctx, sess.ID)
	if err != nil {
		rollback(ctx)
		return err
	}
	placement, err := d.placeKernels(ctx, g, sess, kernels)
	if err != nil {
		rollback(ctx)
		return err
	}
	if placement == nil {
		// No capacity right now; retried next tick.
		rollback(ctx)
		d.log.Info("No agent fits session", "session_id", sess.ID,
			"requested", sess.RequestedSlots.String())
		return nil
	}

	if err := d.reserve(ctx, sess, kernels, placement); err != nil {
		rollback(ctx)
		return err
	}
	metrics.SessionsScheduled.Inc()
	return d.producer.Produce(ctx, events.SessionScheduled{
		SessionID:  sess.ID,
		CreationID: sess.CreationID,
	}, events.SourceManager)
}

// placeKernels picks an agent per kernel. A nil map with nil error means no
// candidate currently fits.
func (d *Dispatcher) placeKernels(ctx context.Context, g *models.ScalingGroup, sess *models.Session, kernels []*models.Kernel) (map[string]*models.Agent, error) {
	if len(kernels) == 0 {
		return nil, errors.New("session has no kernels")
	}
	arch := kernels[0].Architecture
	candidates, err := d.store.ListSchedulableAgents(ctx, g.Name, arch)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	if sess.ClusterMode == types.MultiNode {
		placement, err := BinPack(kernels, candidates)
		if err != nil {
			d.log.Info("Bin-packing failed", "session_id", sess.ID, "error", err)
			return nil, nil
		}
		return placement, nil
	}

	// SINGLE_NODE: every kernel lands on one agent that fits the whole
	// session.
	chosen, err := d.selector.Select(ctx, Strategy(g.AgentSelectionStrategy),
		g.Name, arch, candidates, sess.RequestedSlots, len(kernels) > 1)
	if err != nil || chosen == nil {
		return nil, err
	}
	placement := make(map[string]*models.Agent, len(kernels))
	for _, k := range kernels {
		placement[k.ID] = chosen
	}
	return placement, nil
}

// reserve applies the placement in one transaction: agent occupancy grows
// by the kernels placed on it, kernels bind and move to SCHEDULED, the
// session moves to SCHEDULED.
func (d *Dispatcher) reserve(ctx context.Context, sess *models.Session, kernels []*models.Kernel, placement map[string]*models.Agent) error {
	now := d.now()
	return d.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		locked, err := q.GetSessionForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		if locked.Status != types.SessionPending {
			// Another worker won; nothing to do.
			return nil
		}

		perAgent := map[string]types.ResourceSlot{}
		for _, k := range kernels {
			a := placement[k.ID]
			perAgent[a.ID] = perAgent[a.ID].Add(k.RequestedSlots)
		}
		for agentID, delta := range perAgent {
			row, err := q.GetAgentForUpdate(ctx, agentID)
			if err != nil {
				return err
			}
			if !delta.LessOrEqual(row.FreeSlots()) {
				return errors.New("agent capacity changed during scheduling")
			}
			if err := q.SetAgentOccupied(ctx, agentID, row.OccupiedSlots.Add(delta)); err != nil {
				return err
			}
		}
		for _, k := range kernels {
			a := placement[k.ID]
			if err := q.BindKernelAgent(ctx, k.ID, a.ID, a.Address); err != nil {
				return err
			}
			lifecycle.SetKernelStatus(k, types.KernelScheduled, types.ReasonUnknown, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
		}
		lifecycle.SetSessionStatus(locked, types.SessionScheduled, types.ReasonUnknown, now)
		locked.StatusData = sess.StatusData
		return q.UpdateSessionStatus(ctx, locked)
	})
}

// cancelPending cancels a session that exhausted its predicate retries.
func (d *Dispatcher) cancelPending(ctx context.Context, sess *models.Session, reason types.LifecycleReason) error {
	now := d.now()
	err := d.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		locked, err := q.GetSessionForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		if locked.Status != types.SessionPending {
			return nil
		}
		kernels, err := q.ListKernelsBySessionForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		for _, k := range kernels {
			lifecycle.SetKernelStatus(k, types.KernelCancelled, reason, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
		}
		lifecycle.SetSessionStatus(locked, types.SessionCancelled, reason, now)
		locked.StatusData = sess.StatusData
		return q.UpdateSessionStatus(ctx, locked)
	})
	if err != nil {
		return err
	}
	d.log.Info("Cancelled session after repeated predicate failures",
		"session_id", sess.ID, "reason", reason)
	return d.producer.Produce(ctx, events.SessionCancelled{
		SessionID:  sess.ID,
		CreationID: sess.CreationID,
		Reason:     reason,
	}, events.SourceManager)
}

// CheckPrecondition triggers image pulls for SCHEDULED sessions and moves
// them to PREPARING. Kernel progress then arrives via ImagePull* events.
func (d *Dispatcher) CheckPrecondition(ctx context.Context) {
	d.forEachGroup(ctx, "precondition", func(ctx context.Context, g *models.ScalingGroup) {
		sessions, err := d.store.ListSessionsByStatus(ctx, g.Name, types.SessionScheduled)
		if err != nil {
			d.log.Error("Failed to load scheduled sessions",
				"scaling_group", g.Name, "error", err)
			return
		}
		for _, sess := range sessions {
			if err := d.triggerPulls(ctx, sess); err != nil {
				d.log.Error("Failed to trigger image pulls",
					"session_id", sess.ID, "error", err)
			}
		}
	})
}

func (d *Dispatcher) triggerPulls(ctx context.Context, sess *models.Session) error {
	kernels, err := d.store.ListKernelsBySession(ctx, sess.ID)
	if err != nil {
		return err
	}

	// One check_and_pull per agent, covering every image placed there.
	perAgent := map[string]map[string]map[string]any{}
	for _, k := range kernels {
		if k.AgentID == "" {
			continue
		}
		if perAgent[k.AgentID] == nil {
			perAgent[k.AgentID] = map[string]map[string]any{}
		}
		perAgent[k.AgentID][k.Image] = map[string]any{
			"canonical":    k.Image,
			"architecture": k.Architecture,
			"registry":     k.Registry,
		}
	}
	for agentID, images := range perAgent {
		if _, err := d.rpc.CheckAndPull(ctx, agentID, images); err != nil {
			return err
		}
	}

	now := d.now()
	err = d.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		locked, err := q.GetSessionForUpdate(ctx, sess.ID)
		if err != nil {
			return err
		}
		if locked.Status != types.SessionScheduled {
			return nil
		}
		lifecycle.SetSessionStatus(locked, types.SessionPreparing, types.ReasonUnknown, now)
		return q.UpdateSessionStatus(ctx, locked)
	})
	if err != nil {
		return err
	}
	return d.producer.Produce(ctx, events.SessionPreparing{
		SessionID:  sess.ID,
		CreationID: sess.CreationID,
	}, events.SourceManager)
}

// StartSessions creates kernels for sessions whose images are all present.
func (d *Dispatcher) StartSessions(ctx context.Context) {
	d.forEachGroup(ctx, "start", func(ctx context.Context, g *models.ScalingGroup) {
		sessions, err := d.store.ListSessionsByStatus(ctx, g.Name, types.SessionPrepared)
		if err != nil {
			d.log.Error("Failed to load prepared sessions",
				"scaling_group", g.Name, "error", err)
			return
		}
		for _, sess := range sessions {
			if err := d.startSession(ctx, sess); err != nil {
				d.log.Error("Failed to start session",
					"session_id", sess.ID, "error", err)
			}
		}
	})
}
