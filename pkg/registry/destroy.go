package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/lifecycle"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// DestroyOptions tunes a destroy_session request.
type DestroyOptions struct {
	Forced bool
	Reason types.LifecycleReason
	// Superadmin unlocks the single-transaction force teardown of sessions
	// stuck in intermediate statuses.
	Superadmin bool
}

// destroyPlan is what the destroy transaction hands back for the
// post-commit work: events to emit and kernels to tear down over RPC.
type destroyPlan struct {
	session   *models.Session
	emits     []events.Event
	rpcByAgnt map[string][]*models.Kernel
	decrement bool
}

// DestroySession drives a session teardown. Terminal sessions are a no-op,
// so repeated destroys are safe.
func (r *Registry) DestroySession(ctx context.Context, sessionID string, opts DestroyOptions) (*models.Session, error) {
	reason := opts.Reason
	if reason == "" {
		if opts.Forced {
			reason = types.ReasonForceTerminated
		} else {
			reason = types.ReasonUserRequested
		}
	}

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, &NotFoundError{Entity: "session", ID: sessionID}
		}
		return nil, err
	}
	if types.IsTerminalSessionStatus(sess.Status) {
		r.log.Debug("Ignoring destroy of terminal session",
			"session_id", sessionID, "status", sess.Status)
		return sess, nil
	}

	switch sess.Status {
	case types.SessionPending:
		return r.cancelPendingSession(ctx, sessionID, reason)
	case types.SessionRunning:
		// fallthrough to the teardown plan below
	default:
		if !opts.Forced {
			return nil, fmt.Errorf("%w: %s is %s",
				ErrDestroyNotAllowed, sessionID, sess.Status)
		}
		if opts.Superadmin {
			return r.forceTerminateSession(ctx, sessionID, reason)
		}
	}

	plan, err := r.planTeardown(ctx, sessionID, reason, opts.Forced)
	if err != nil {
		return nil, err
	}
	r.finishDestroy(ctx, plan, reason)
	return plan.session, nil
}

// cancelPendingSession cancels a session that never got scheduled. No
// concurrency decrement: the counter is only incremented once the
// scheduler's predicate pass admits the session.
func (r *Registry) cancelPendingSession(ctx context.Context, sessionID string, reason types.LifecycleReason) (*models.Session, error) {
	var (
		sess  *models.Session
		emits []events.Event
	)
	err := r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		var err error
		emits = emits[:0]
		sess, err = q.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != types.SessionPending {
			return fmt.Errorf("%w: %s is %s", ErrDestroyNotAllowed, sessionID, sess.Status)
		}
		kernels, err := q.ListKernelsBySessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		now := r.now()
		for _, k := range kernels {
			if types.IsTerminalKernelStatus(k.Status) {
				continue
			}
			lifecycle.SetKernelStatus(k, types.KernelCancelled, reason, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
			emits = append(emits, events.KernelCancelled{
				KernelID: k.ID, SessionID: sessionID, Reason: reason,
			})
		}
		lifecycle.SetSessionStatus(sess, types.SessionCancelled, reason, now)
		if err := q.UpdateSessionStatus(ctx, sess); err != nil {
			return err
		}
		emits = append(emits, events.SessionCancelled{
			SessionID:  sessionID,
			CreationID: sess.CreationID,
			Reason:     reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.produceAll(ctx, emits)
	r.log.Info("Cancelled pending session", "session_id", sessionID, "reason", reason)
	return sess, nil
}

// forceTerminateSession moves every kernel and the session itself to
// TERMINATED in one transaction, then rebuilds resource usage from scratch.
func (r *Registry) forceTerminateSession(ctx context.Context, sessionID string, reason types.LifecycleReason) (*models.Session, error) {
	var (
		sess    *models.Session
		emits   []events.Event
		private bool
	)
	err := r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		var err error
		emits = emits[:0]
		sess, err = q.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if types.IsTerminalSessionStatus(sess.Status) {
			return nil
		}
		private = sess.SessionType.IsPrivate()
		kernels, err := q.ListKernelsBySessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		now := r.now()
		for _, k := range kernels {
			if types.IsTerminalKernelStatus(k.Status) {
				continue
			}
			k.LastStat = r.kernelLastStat(ctx, k.ID)
			lifecycle.SetKernelStatus(k, types.KernelTerminated, reason, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
			emits = append(emits, events.KernelTerminated{
				KernelID: k.ID, SessionID: sessionID, Reason: reason,
			})
		}
		lifecycle.SetSessionStatus(sess, types.SessionTerminated, reason, now)
		if err := q.UpdateSessionStatus(ctx, sess); err != nil {
			return err
		}
		emits = append(emits, events.SessionTerminated{
			SessionID: sessionID, Reason: reason,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := r.tracker.Decrement(ctx, sess.AccessKey, private); err != nil {
		r.log.Error("Failed to decrement concurrency",
			"access_key", sess.AccessKey, "error", err)
	}
	if err := r.RecalcResourceUsage(ctx); err != nil {
		r.log.Error("Post-force-terminate recalc failed",
			"session_id", sessionID, "error", err)
	}
	r.produceAll(ctx, emits)
	r.webhook.Notify(ctx, sess.CallbackURL, "terminated", sessionID)
	r.log.Info("Force-terminated session", "session_id", sessionID, "reason", reason)
	return sess, nil
}

// planTeardown runs the per-kernel destroy switch in one transaction and
// returns what must happen after commit.
func (r *Registry) planTeardown(ctx context.Context, sessionID string, reason types.LifecycleReason, forced bool) (*destroyPlan, error) {
	plan := &destroyPlan{decrement: true}
	err := r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		plan.emits = plan.emits[:0]
		plan.rpcByAgnt = make(map[string][]*models.Kernel)

		sess, err := q.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if types.IsTerminalSessionStatus(sess.Status) {
			plan.session = sess
			plan.decrement = false
			return nil
		}
		kernels, err := q.ListKernelsBySessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}

		now := r.now()
		sessionCancelled := false
		for _, k := range kernels {
			if types.IsTerminalKernelStatus(k.Status) {
				continue
			}
			prev := k.Status
			switch {
			case k.AgentID == "":
				lifecycle.SetKernelStatus(k, types.KernelTerminated,
					types.ReasonMissingAgentAlloc, now)
				plan.emits = append(plan.emits, events.KernelTerminated{
					KernelID: k.ID, SessionID: sessionID,
					Reason: types.ReasonMissingAgentAlloc,
				})
			case k.Status == types.KernelPending || k.Status == types.KernelPulling:
				lifecycle.SetKernelStatus(k, types.KernelCancelled, reason, now)
				plan.emits = append(plan.emits, events.KernelCancelled{
					KernelID: k.ID, SessionID: sessionID, Reason: reason,
				})
				if k.IsMain() {
					sessionCancelled = true
				}
			case forced:
				k.LastStat = r.kernelLastStat(ctx, k.ID)
				lifecycle.SetKernelStatus(k, types.KernelTerminated, reason, now)
				plan.emits = append(plan.emits, events.KernelTerminated{
					KernelID: k.ID, SessionID: sessionID, Reason: reason,
				})
				if prev != types.KernelScheduled {
					plan.rpcByAgnt[k.AgentID] = append(plan.rpcByAgnt[k.AgentID], k)
				}
			default:
				lifecycle.SetKernelStatus(k, types.KernelTerminating, reason, now)
				plan.emits = append(plan.emits, events.KernelTerminating{
					KernelID: k.ID, SessionID: sessionID, Reason: reason,
				})
				if prev != types.KernelScheduled {
					plan.rpcByAgnt[k.AgentID] = append(plan.rpcByAgnt[k.AgentID], k)
				}
			}
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
		}

		if sessionCancelled {
			lifecycle.SetSessionStatus(sess, types.SessionCancelled, reason, now)
			plan.emits = append(plan.emits, events.SessionCancelled{
				SessionID:  sessionID,
				CreationID: sess.CreationID,
				Reason:     reason,
			})
		} else {
			lifecycle.SetSessionStatus(sess, types.SessionTerminating, reason, now)
			plan.emits = append(plan.emits, events.SessionTerminating{
				SessionID: sessionID, Reason: reason,
			})
		}
		if err := q.UpdateSessionStatus(ctx, sess); err != nil {
			return err
		}
		plan.session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}

// finishDestroy does the post-commit half: the concurrency decrement, the
// destroy_kernel fan-out grouped per agent, and the status aggregation that
// settles kernels already written terminal.
func (r *Registry) finishDestroy(ctx context.Context, plan *destroyPlan, reason types.LifecycleReason) {
	sess := plan.session
	if plan.decrement {
		if err := r.tracker.Decrement(ctx, sess.AccessKey, sess.SessionType.IsPrivate()); err != nil {
			r.log.Error("Failed to decrement concurrency",
				"access_key", sess.AccessKey, "error", err)
		}
	}
	r.produceAll(ctx, plan.emits)

	for agentID, kernels := range plan.rpcByAgnt {
		go func(agentID string, kernels []*models.Kernel) {
			for _, k := range kernels {
				// Kernels already written terminal in the transaction must
				// not re-enter the lifecycle through agent-side events.
				suppress := types.IsTerminalKernelStatus(k.Status)
				err := r.rpc.DestroyKernel(detach(ctx), agentID, k.ID, sess.ID, reason, suppress)
				if err != nil {
					r.log.Error("destroy_kernel RPC failed",
						"agent_id", agentID, "kernel_id", k.ID, "error", err)
				}
			}
		}(agentID, kernels)
	}

	if err := r.lc.Set().Register(ctx, sess.ID); err != nil {
		r.log.Error("Failed to register session for aggregation",
			"session_id", sess.ID, "error", err)
	}
	if err := r.lc.UpdateSessionsFromKernels(ctx); err != nil {
		r.log.Error("Post-destroy aggregation failed", "error", err)
	}
	r.log.Info("Session teardown started",
		"session_id", sess.ID, "reason", reason, "agents", len(plan.rpcByAgnt))
}

// kernelLastStat reads the agent-published statistics snapshot, nil when
// absent or undecodable.
func (r *Registry) kernelLastStat(ctx context.Context, kernelID string) map[string]any {
	raw, err := r.rdb.Get(ctx, "kernel."+kernelID+".last_stat").Bytes()
	if err != nil {
		return nil
	}
	var stat map[string]any
	if err := msgpack.Unmarshal(raw, &stat); err != nil {
		r.log.Warn("Undecodable kernel stat snapshot", "kernel_id", kernelID, "error", err)
		return nil
	}
	return stat
}

func (r *Registry) produceAll(ctx context.Context, evs []events.Event) {
	for _, ev := range evs {
		if err := r.producer.Produce(ctx, ev, events.SourceManager); err != nil {
			r.log.Error("Failed to emit event", "event", ev.Name(), "error", err)
		}
	}
}

// detach strips the caller's cancellation so RPC teardown outlives the HTTP
// request that asked for it, keeping values for tracing.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
