package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// Producer is the event-emitting slice of the bus the manager needs.
type Producer interface {
	Produce(ctx context.Context, ev events.Event, source string) error
}

// drainBatchSize bounds one SPOP drain so a flood of kernel events cannot
// starve other handlers.
const drainBatchSize = 32

// Manager owns status transitions: kernel transitions under row locks, and
// session aggregation driven by the updatable set. Derived session events
// are emitted only after the transaction commits.
type Manager struct {
	store    *store.Store
	set      *UpdatableSet
	producer Producer
	log      *slog.Logger
	now      func() time.Time
}

// NewManager wires the lifecycle manager.
func NewManager(st *store.Store, set *UpdatableSet, producer Producer) *Manager {
	return &Manager{
		store:    st,
		set:      set,
		producer: producer,
		log:      slog.With("component", "lifecycle"),
		now:      time.Now,
	}
}

// Set exposes the updatable set for callers that mutate kernels in their
// own transactions.
func (m *Manager) Set() *UpdatableSet {
	return m.set
}

// TransitKernel moves one kernel to target under a row lock and registers
// its session for aggregation. mutate, if non-nil, runs on the locked row
// before the status write (ports, last_stat, exit code). A kernel already
// at or beyond the target is a no-op, which makes replayed events safe.
func (m *Manager) TransitKernel(ctx context.Context, kernelID string, target types.KernelStatus, reason types.LifecycleReason, mutate func(k *models.Kernel)) error {
	var sessionID string
	err := m.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		k, err := q.GetKernelForUpdate(ctx, kernelID)
		if err != nil {
			return err
		}
		sessionID = k.SessionID
		if k.Status == target {
			return nil
		}
		if types.IsTerminalKernelStatus(k.Status) {
			m.log.Debug("Ignoring transition for terminal kernel",
				"kernel_id", kernelID, "status", k.Status, "target", target)
			return nil
		}
		if !CanTransit(string(k.Status), string(target)) {
			return &InvalidTransitionError{
				Entity: "kernel", ID: kernelID,
				From: string(k.Status), To: string(target),
			}
		}
		if mutate != nil {
			mutate(k)
		}
		SetKernelStatus(k, target, reason, m.now())
		return q.UpdateKernelStatus(ctx, k)
	})
	if err != nil {
		return err
	}
	return m.set.Register(ctx, sessionID)
}

// UpdateSessionsFromKernels drains the updatable set and re-aggregates each
// registered session once. Called after every consumed event batch.
func (m *Manager) UpdateSessionsFromKernels(ctx context.Context) error {
	for {
		ids, err := m.set.Drain(ctx, drainBatchSize)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		for _, id := range ids {
			if err := m.reaggregate(ctx, id); err != nil {
				m.log.Error("Failed to aggregate session status",
					"session_id", id, "error", err)
			}
		}
	}
}

// reaggregate recomputes one session's status from its kernels, persists
// the transition, and emits the derived event after commit.
func (m *Manager) reaggregate(ctx context.Context, sessionID string) error {
	var derived events.Event
	err := m.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		derived = nil
		sess, err := q.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return nil
			}
			return err
		}
		if types.IsTerminalSessionStatus(sess.Status) {
			return nil
		}
		kernels, err := q.ListKernelsBySessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		statuses := make([]types.KernelStatus, len(kernels))
		for i, k := range kernels {
			statuses[i] = k.Status
		}
		target := Aggregate(statuses)
		if target == sess.Status {
			return nil
		}
		if !CanTransit(string(sess.Status), string(target)) {
			m.log.Debug("Skipping aggregated transition outside the table",
				"session_id", sessionID, "status", sess.Status, "target", target)
			return nil
		}
		SetSessionStatus(sess, target, aggregatedReason(kernels, target), m.now())
		if err := q.UpdateSessionStatus(ctx, sess); err != nil {
			return err
		}
		derived = derivedEvent(sess)
		return nil
	})
	if err != nil || derived == nil {
		return err
	}
	return m.producer.Produce(ctx, derived, events.SourceManager)
}

// aggregatedReason borrows the reason of the first kernel already at the
// target status, so "why" survives the kernel-to-session hop.
func aggregatedReason(kernels []*models.Kernel, target types.SessionStatus) types.LifecycleReason {
	for _, k := range kernels {
		if string(k.Status) == string(target) && k.StatusInfo != "" {
			return types.LifecycleReason(k.StatusInfo)
		}
	}
	return types.ReasonUnknown
}

func derivedEvent(sess *models.Session) events.Event {
	switch sess.Status {
	case types.SessionScheduled:
		return events.SessionScheduled{SessionID: sess.ID, CreationID: sess.CreationID}
	case types.SessionPreparing:
		return events.SessionPreparing{SessionID: sess.ID, CreationID: sess.CreationID}
	case types.SessionRunning:
		return events.SessionStarted{SessionID: sess.ID, CreationID: sess.CreationID}
	case types.SessionCancelled:
		return events.SessionCancelled{
			SessionID:  sess.ID,
			CreationID: sess.CreationID,
			Reason:     types.LifecycleReason(sess.StatusInfo),
		}
	case types.SessionTerminating:
		return events.SessionTerminating{
			SessionID: sess.ID,
			Reason:    types.LifecycleReason(sess.StatusInfo),
		}
	case types.SessionTerminated:
		return events.SessionTerminated{
			SessionID: sess.ID,
			Reason:    types.LifecycleReason(sess.StatusInfo),
		}
	default:
		return nil
	}
}
