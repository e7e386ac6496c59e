package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/peregrinehq/peregrine/pkg/bus"
	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/lifecycle"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/scheduler"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// scheduleCoalescing bounds how a burst of enqueues collapses into schedule
// passes: at most one pass per 200ms window or per two enqueued sessions.
var scheduleCoalescing = bus.CoalescingOptions{
	MaxWait:      200 * time.Millisecond,
	MaxBatchSize: 2,
}

// RegisterHandlers wires the full event table: kernel transitions into the
// lifecycle manager, session events into waiters and webhooks, agent events
// into the registry, and control events into the dispatcher passes.
func (r *Registry) RegisterHandlers(b *bus.Bus, d *scheduler.Dispatcher) {
	// Kernel lifecycle, from agents.
	b.Consume(events.NameKernelPreparing, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.KernelPreparing)
		r.log.Debug("Kernel preparing", "kernel_id", ev.KernelID, "agent_id", dl.Source)
		return nil
	})
	b.Consume(events.NameKernelPulling, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.KernelPulling)
		if err := r.lc.TransitKernel(ctx, ev.KernelID, types.KernelPulling, ev.Reason, nil); err != nil {
			return err
		}
		return r.lc.UpdateSessionsFromKernels(ctx)
	})
	b.Consume(events.NameKernelCreating, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.KernelCreating)
		if err := r.lc.TransitKernel(ctx, ev.KernelID, types.KernelCreating, ev.Reason, nil); err != nil {
			return err
		}
		return r.lc.UpdateSessionsFromKernels(ctx)
	})
	b.Consume(events.NameKernelStarted, func(ctx context.Context, dl bus.Delivery) error {
		return r.handleKernelStarted(ctx, dl.Event.(events.KernelStarted))
	})
	b.Consume(events.NameKernelCancelled, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.KernelCancelled)
		r.log.Info("Kernel cancelled",
			"kernel_id", ev.KernelID, "session_id", ev.SessionID, "reason", ev.Reason)
		if err := r.lc.Set().Register(ctx, ev.SessionID); err != nil {
			return err
		}
		return r.lc.UpdateSessionsFromKernels(ctx)
	})
	b.Consume(events.NameKernelTerminating, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.KernelTerminating)
		r.log.Debug("Kernel terminating", "kernel_id", ev.KernelID, "reason", ev.Reason)
		return nil
	})
	b.Consume(events.NameKernelTerminated, func(ctx context.Context, dl bus.Delivery) error {
		return r.handleKernelTerminated(ctx, dl.Event.(events.KernelTerminated))
	})

	// Session events: waiters are process-local, so signaling is broadcast;
	// the side effects run on exactly one worker.
	b.Subscribe(events.NameSessionStarted, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.SessionStarted)
		r.waiters.Signal(ev.CreationID, WaitResult{
			SessionID: ev.SessionID,
			Status:    string(types.SessionRunning),
		})
		return nil
	})
	b.Subscribe(events.NameSessionCancelled, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.SessionCancelled)
		r.waiters.Signal(ev.CreationID, WaitResult{
			SessionID: ev.SessionID,
			Status:    string(types.SessionCancelled),
			Reason:    string(ev.Reason),
		})
		return nil
	})
	b.Consume(events.NameSessionStarted, func(ctx context.Context, dl bus.Delivery) error {
		return r.handleSessionStarted(ctx, dl.Event.(events.SessionStarted))
	})
	b.Consume(events.NameSessionCancelled, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.SessionCancelled)
		r.notifySession(ctx, ev.SessionID, "cancelled")
		return nil
	})
	b.Consume(events.NameSessionTerminated, func(ctx context.Context, dl bus.Delivery) error {
		return r.handleSessionTerminated(ctx, dl.Event.(events.SessionTerminated))
	})
	b.Consume(events.NameSessionSuccess, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.SessionSuccess)
		return r.handleBatchResult(ctx, ev.SessionID, types.ResultSuccess, types.ReasonTaskFinished)
	})
	b.Consume(events.NameSessionFailure, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.SessionFailure)
		return r.handleBatchResult(ctx, ev.SessionID, types.ResultFailure, types.ReasonTaskFailed)
	})

	// Control plane.
	b.ConsumeBatch(events.NameSessionEnqueued, scheduleCoalescing,
		func(ctx context.Context, batch []bus.Delivery) error {
			d.Schedule(ctx)
			return nil
		})
	b.Consume(events.NameDoSchedule, func(ctx context.Context, dl bus.Delivery) error {
		d.Schedule(ctx)
		return nil
	})
	b.Consume(events.NameSessionScheduled, func(ctx context.Context, dl bus.Delivery) error {
		d.CheckPrecondition(ctx)
		return nil
	})
	b.Consume(events.NameDoCheckPrecondition, func(ctx context.Context, dl bus.Delivery) error {
		d.CheckPrecondition(ctx)
		return nil
	})
	b.Consume(events.NameDoStartSession, func(ctx context.Context, dl bus.Delivery) error {
		d.StartSessions(ctx)
		return nil
	})
	b.Consume(events.NameDoTerminateSession, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.DoTerminateSession)
		reason := ev.Reason
		if reason == "" {
			reason = types.ReasonKilledByEvent
		}
		_, err := r.DestroySession(ctx, ev.SessionID, DestroyOptions{Reason: reason})
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrDestroyNotAllowed) {
			r.log.Warn("do_terminate_session ignored",
				"session_id", ev.SessionID, "error", err)
			return nil
		}
		return err
	})
	b.Consume(events.NameDoSyncKernelLogs, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.DoSyncKernelLogs)
		return r.syncKernelLog(ctx, ev.KernelID, ev.ContainerID)
	})

	// Agents.
	b.Consume(events.NameAgentHeartbeat, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.AgentHeartbeat)
		return r.HandleHeartbeat(ctx, dl.Source, ev.Info)
	})
	b.Consume(events.NameAgentStarted, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.AgentStarted)
		r.log.Info("Agent started", "agent_id", dl.Source, "reason", ev.Reason)
		return nil
	})
	b.Consume(events.NameAgentTerminated, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.AgentTerminated)
		return r.MarkAgentTerminated(ctx, dl.Source, ev.Reason)
	})

	// Image pulls: bulk kernel moves keyed by (agent, image).
	b.Consume(events.NameImagePullStarted, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.ImagePullStarted)
		return r.bulkMoveKernels(ctx, ev.AgentID, ev.Image,
			[]types.KernelStatus{types.KernelScheduled, types.KernelPreparing},
			types.KernelPulling, types.ReasonUnknown)
	})
	b.Consume(events.NameImagePullFinished, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.ImagePullFinished)
		return r.bulkMoveKernels(ctx, ev.AgentID, ev.Image,
			[]types.KernelStatus{types.KernelScheduled, types.KernelPreparing, types.KernelPulling},
			types.KernelPrepared, types.ReasonUnknown)
	})
	b.Consume(events.NameImagePullFailed, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.ImagePullFailed)
		r.log.Error("Image pull failed on agent",
			"agent_id", ev.AgentID, "image", ev.Image, "message", ev.Message)
		return r.bulkMoveKernels(ctx, ev.AgentID, ev.Image,
			[]types.KernelStatus{types.KernelScheduled, types.KernelPreparing, types.KernelPulling},
			types.KernelCancelled, types.ReasonImagePullFailed)
	})

	// Inference routes.
	b.Consume(events.NameRouteCreated, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.RouteCreated)
		return r.handleRouteCreated(ctx, ev.EndpointID, ev.RouteID)
	})

	// Background tasks are informational on the manager side.
	b.Subscribe(events.NameBgtaskUpdated, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.BgtaskUpdated)
		r.log.Debug("Background task progress", "task_id", ev.TaskID,
			"current", ev.Current, "total", ev.Total)
		return nil
	})
	b.Subscribe(events.NameBgtaskFailed, func(ctx context.Context, dl bus.Delivery) error {
		ev := dl.Event.(events.BgtaskFailed)
		r.log.Warn("Background task failed", "task_id", ev.TaskID, "message", ev.Message)
		return nil
	})
}

// handleKernelStarted persists the agent-reported creation info and moves
// the kernel to RUNNING.
func (r *Registry) handleKernelStarted(ctx context.Context, ev events.KernelStarted) error {
	if info := creationInfoFromMap(ev.KernelID, ev.CreationInfo); info != nil {
		if err := r.store.UpdateKernelCreation(ctx, info); err != nil {
			return err
		}
	}
	if err := r.lc.TransitKernel(ctx, ev.KernelID, types.KernelRunning, ev.Reason, nil); err != nil {
		return err
	}
	return r.lc.UpdateSessionsFromKernels(ctx)
}

// handleKernelTerminated finalizes one kernel: terminal status with the
// agent's last stat snapshot, agent occupancy release, and the keypair
// concurrency counters recomputed from the database.
func (r *Registry) handleKernelTerminated(ctx context.Context, ev events.KernelTerminated) error {
	var accessKey string
	err := r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		accessKey = ""
		k, err := q.GetKernelForUpdate(ctx, ev.KernelID)
		if err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return nil
			}
			return err
		}
		if types.IsTerminalKernelStatus(k.Status) {
			return nil
		}
		k.LastStat = r.kernelLastStat(ctx, k.ID)
		k.ExitCode = &ev.ExitCode
		lifecycle.SetKernelStatus(k, types.KernelTerminated, ev.Reason, r.now())
		if err := q.UpdateKernelStatus(ctx, k); err != nil {
			return err
		}
		if k.AgentID != "" && !k.OccupiedSlots.IsZero() {
			a, err := q.GetAgentForUpdate(ctx, k.AgentID)
			if err != nil {
				if !errors.Is(err, store.ErrNoRows) {
					return err
				}
			} else if err := q.SetAgentOccupied(ctx, k.AgentID,
				a.OccupiedSlots.ClampedSub(k.OccupiedSlots)); err != nil {
				return err
			}
		}
		sess, err := q.GetSession(ctx, ev.SessionID)
		if err == nil {
			accessKey = sess.AccessKey
		}
		return nil
	})
	if err != nil {
		return err
	}

	if accessKey != "" {
		compute, private, err := r.store.CountActiveSessionsForAccessKey(ctx, accessKey)
		if err != nil {
			return err
		}
		if err := r.tracker.Set(ctx, accessKey, compute, private); err != nil {
			return err
		}
	}
	if err := r.lc.Set().Register(ctx, ev.SessionID); err != nil {
		return err
	}
	return r.lc.UpdateSessionsFromKernels(ctx)
}

func (r *Registry) handleSessionStarted(ctx context.Context, ev events.SessionStarted) error {
	sess, err := r.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil
		}
		return err
	}
	r.webhook.Notify(ctx, sess.CallbackURL, "started", sess.ID)
	if sess.SessionType == types.SessionBatch && sess.Result == types.ResultUndefined {
		r.TriggerBatchExecution(ctx, sess)
	}
	return nil
}

// handleSessionTerminated tears down the session's volatile network and
// notifies the callback URL.
func (r *Registry) handleSessionTerminated(ctx context.Context, ev events.SessionTerminated) error {
	sess, err := r.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil
		}
		return err
	}
	if sess.NetworkType == types.NetworkVolatile && sess.NetworkID != "" {
		if strings.HasPrefix(sess.NetworkID, "bai-singlenode-") {
			if main, err := r.store.GetMainKernel(ctx, sess.ID); err == nil && main.AgentID != "" {
				if err := r.rpc.DestroyLocalNetwork(ctx, main.AgentID, sess.NetworkID); err != nil {
					r.log.Error("Failed to destroy local network",
						"session_id", sess.ID, "network", sess.NetworkID, "error", err)
				}
			}
		}
		// Overlay networks are reference-counted by the cluster network
		// driver and expire with their last member.
		if err := r.store.SetSessionNetwork(ctx, sess.ID, sess.NetworkType, ""); err != nil {
			r.log.Error("Failed to clear session network",
				"session_id", sess.ID, "error", err)
		}
	}
	r.webhook.Notify(ctx, sess.CallbackURL, "terminated", sess.ID)
	return nil
}

// handleBatchResult records how the batch workload finished and starts the
// teardown.
func (r *Registry) handleBatchResult(ctx context.Context, sessionID string, result types.SessionResult, reason types.LifecycleReason) error {
	if err := r.store.SetSessionResult(ctx, sessionID, result); err != nil {
		return err
	}
	_, err := r.DestroySession(ctx, sessionID, DestroyOptions{Reason: reason})
	if errors.Is(err, ErrDestroyNotAllowed) || errors.Is(err, ErrNotFound) {
		r.log.Warn("Batch result teardown skipped", "session_id", sessionID, "error", err)
		return nil
	}
	return err
}

// syncKernelLog drains the container's log chunks from the Redis list the
// agent filled and persists the concatenation on the kernel row.
func (r *Registry) syncKernelLog(ctx context.Context, kernelID, containerID string) error {
	key := "containerlog." + containerID
	chunks, err := r.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read container log %s: %w", containerID, err)
	}
	log := strings.Join(chunks, "")
	if log == "" {
		log = "(container log unavailable)\n"
	}
	if err := r.store.SetKernelContainerLog(ctx, kernelID, log); err != nil {
		return err
	}
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		r.log.Warn("Failed to delete drained container log", "container_id", containerID, "error", err)
	}
	return nil
}

// bulkMoveKernels applies one image-pull transition to every kernel of
// (agent, image) currently in one of the from statuses.
func (r *Registry) bulkMoveKernels(ctx context.Context, agentID, image string, from []types.KernelStatus, to types.KernelStatus, reason types.LifecycleReason) error {
	var sessionIDs []string
	err := r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		sessionIDs = sessionIDs[:0]
		kernels, err := q.ListKernelsByAgentImage(ctx, agentID, image, from)
		if err != nil {
			return err
		}
		now := r.now()
		for _, k := range kernels {
			if k.Status == to {
				continue
			}
			// A cached image skips the pull: bridge SCHEDULED through
			// PREPARING so the history stays complete.
			if to == types.KernelPrepared && k.Status == types.KernelScheduled {
				lifecycle.SetKernelStatus(k, types.KernelPreparing, reason, now)
			}
			if !lifecycle.CanTransit(string(k.Status), string(to)) {
				r.log.Debug("Skipping illegal bulk transition",
					"kernel_id", k.ID, "from", k.Status, "to", to)
				continue
			}
			lifecycle.SetKernelStatus(k, to, reason, now)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
			sessionIDs = append(sessionIDs, k.SessionID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(sessionIDs) == 0 {
		return nil
	}
	if err := r.lc.Set().Register(ctx, sessionIDs...); err != nil {
		return err
	}
	return r.lc.UpdateSessionsFromKernels(ctx)
}

// handleRouteCreated provisions the inference session backing a fresh
// endpoint route.
func (r *Registry) handleRouteCreated(ctx context.Context, endpointID, routeID string) error {
	ep, err := r.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			r.log.Warn("route_created for unknown endpoint", "endpoint_id", endpointID)
			return nil
		}
		return err
	}

	environ := map[string]string{}
	for k, v := range ep.Environ {
		environ[k] = v
	}
	environ["BACKEND_MODEL_NAME"] = ep.ModelName

	resources := map[string]string{}
	for name, v := range ep.ResourceSlots {
		resources[name] = v.String()
	}

	req := CreateSessionRequest{
		Name:         fmt.Sprintf("%s-%s", ep.Name, shortID(routeID)),
		Image:        ep.ImageCanonical,
		Architecture: ep.Architecture,
		SessionType:  types.SessionInference,
		Domain:       ep.Domain,
		Project:      ep.Project,
		AccessKey:    ep.AccessKey,
		ScalingGroup: ep.ScalingGroup,
		ClusterMode:  ep.ClusterMode,
		ClusterSize:  ep.ClusterSize,
		Resources:    resources,
		ResourceOpts: ep.ResourceOpts,
		Environ:      environ,
		Mounts: []models.VFolderMount{{
			VFolderID: ep.ModelVFolderID,
			Name:      ep.ModelName,
			MountPath: ep.ModelMountDest,
			ReadOnly:  true,
		}},
		StartupCommand:  ep.StartupCommand,
		BootstrapScript: ep.BootstrapScript,
		RouteID:         routeID,
		EnqueueOnly:     true,
	}
	if _, err := r.CreateSession(ctx, req); err != nil {
		retries, rerr := r.store.IncrementEndpointRetries(ctx, endpointID)
		if rerr != nil {
			r.log.Error("Failed to bump endpoint retries",
				"endpoint_id", endpointID, "error", rerr)
		}
		if serr := r.store.UpdateRouteStatus(ctx, routeID, types.RouteFailedToStart); serr != nil {
			r.log.Error("Failed to mark route failed",
				"route_id", routeID, "error", serr)
		}
		r.log.Error("Inference session provisioning failed",
			"endpoint_id", endpointID, "route_id", routeID,
			"retries", retries, "error", err)
		return nil
	}
	return r.store.UpdateRouteStatus(ctx, routeID, types.RouteProvisioning)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// notifySession looks the session up for its callback URL and posts the
// lifecycle event.
func (r *Registry) notifySession(ctx context.Context, sessionID, event string) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	r.webhook.Notify(ctx, sess.CallbackURL, event, sessionID)
}

// creationInfoFromMap decodes the kernel_started payload's creation info.
func creationInfoFromMap(kernelID string, m map[string]any) *models.KernelCreationInfo {
	if len(m) == 0 {
		return nil
	}
	info := &models.KernelCreationInfo{
		KernelID:    kernelID,
		ContainerID: asString(m["container_id"]),
		KernelHost:  asString(m["kernel_host"]),
		ReplInPort:  asInt(m["repl_in_port"]),
		ReplOutPort: asInt(m["repl_out_port"]),
		StdinPort:   asInt(m["stdin_port"]),
		StdoutPort:  asInt(m["stdout_port"]),
	}
	if spec, ok := m["resource_spec"].(map[string]any); ok {
		// Agents report per-device allocations nested under the slot name;
		// the manager tracks the per-slot sum.
		if alloc, ok := spec["allocations"].(map[string]any); ok {
			info.OccupiedSlots = types.ResourceSlotFromAllocations(alloc)
		}
	}
	if ports, ok := m["service_ports"].([]any); ok {
		for _, raw := range ports {
			pm, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			info.ServicePorts = append(info.ServicePorts, models.ServicePort{
				Name:           asString(pm["name"]),
				Protocol:       asString(pm["protocol"]),
				ContainerPorts: asIntSlice(pm["container_ports"]),
				HostPorts:      asIntSlice(pm["host_ports"]),
			})
		}
	}
	return info
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case uint64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}
