package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// RestartSession recreates every kernel container in place. The session
// keeps its RUNNING status with status_info "restarting" while the agents
// work; each successful restart_kernel refreshes the kernel's ports and
// container id.
func (r *Registry) RestartSession(ctx context.Context, sessionID string) error {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return &NotFoundError{Entity: "session", ID: sessionID}
		}
		return err
	}
	if sess.Status != types.SessionRunning {
		return fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, sessionID, sess.Status)
	}

	var kernels []*models.Kernel
	err = r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		sess, err = q.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != types.SessionRunning {
			return fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, sessionID, sess.Status)
		}
		kernels, err = q.ListKernelsBySessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		sess.StatusInfo = string(types.ReasonRestarting)
		if err := q.UpdateSessionStatus(ctx, sess); err != nil {
			return err
		}
		for _, k := range kernels {
			k.StatusInfo = string(types.ReasonRestarting)
			if err := q.UpdateKernelStatus(ctx, k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, k := range kernels {
		if k.Status != types.KernelRunning || k.AgentID == "" {
			continue
		}
		info, err := r.rpc.RestartKernel(ctx, k.AgentID, sessionID, k.ID,
			restartConfig(sess, k))
		if err != nil {
			errs = append(errs, err)
			r.log.Error("restart_kernel RPC failed",
				"agent_id", k.AgentID, "kernel_id", k.ID, "error", err)
			continue
		}
		creation := creationInfoFromRestart(k.ID, info)
		if err := r.store.UpdateKernelCreation(ctx, creation); err != nil {
			errs = append(errs, err)
			continue
		}
		k.StatusInfo = string(types.ReasonResuming)
		if err := r.store.UpdateKernelStatus(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return &agent.MultiError{Errors: errs}
	}

	sess.StatusInfo = string(types.ReasonResuming)
	if err := r.store.UpdateSessionStatus(ctx, sess); err != nil {
		return err
	}
	if err := r.producer.Produce(ctx, events.SessionStarted{
		SessionID:  sessionID,
		CreationID: sess.CreationID,
	}, events.SourceManager); err != nil {
		r.log.Error("Failed to re-emit session_started",
			"session_id", sessionID, "error", err)
	}
	if sess.SessionType == types.SessionBatch {
		r.TriggerBatchExecution(ctx, sess)
	}
	r.log.Info("Session restarted", "session_id", sessionID, "kernels", len(kernels))
	return nil
}

// restartConfig is the slim config refresh an agent needs to recreate the
// container: environ and resource opts may have been edited since creation.
func restartConfig(sess *models.Session, k *models.Kernel) map[string]any {
	return map[string]any{
		"environ":       sess.Environ,
		"resource_opts": k.ResourceOpts,
	}
}

func creationInfoFromRestart(kernelID string, res *agent.KernelCreationResult) *models.KernelCreationInfo {
	info := &models.KernelCreationInfo{
		KernelID:    kernelID,
		ContainerID: res.ContainerID,
		KernelHost:  res.KernelHost,
		ReplInPort:  res.ReplInPort,
		ReplOutPort: res.ReplOutPort,
		StdinPort:   res.StdinPort,
		StdoutPort:  res.StdoutPort,
	}
	for _, raw := range res.ServicePorts {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		info.ServicePorts = append(info.ServicePorts, models.ServicePort{
			Name:           asString(m["name"]),
			Protocol:       asString(m["protocol"]),
			ContainerPorts: asIntSlice(m["container_ports"]),
			HostPorts:      asIntSlice(m["host_ports"]),
		})
	}
	return info
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asIntSlice(v any) []int {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, item := range raw {
		switch t := item.(type) {
		case int64:
			out = append(out, int(t))
		case uint64:
			out = append(out, int(t))
		case int:
			out = append(out, t)
		case float64:
			out = append(out, int(t))
		}
	}
	return out
}

// TriggerBatchExecution fires the batch workload on the main kernel in the
// background. Completion travels back as SessionSuccess/SessionFailure
// events from the agent.
func (r *Registry) TriggerBatchExecution(ctx context.Context, sess *models.Session) {
	go func() {
		ctx := detach(ctx)
		main, err := r.store.GetMainKernel(ctx, sess.ID)
		if err != nil {
			r.log.Error("Batch trigger: no main kernel",
				"session_id", sess.ID, "error", err)
			return
		}
		_, err = r.rpc.Execute(ctx, main.AgentID, main.ID,
			uuid.NewString(), "batch", sess.StartupCommand,
			map[string]any{}, 2.0)
		if err != nil {
			r.log.Error("Batch trigger failed",
				"session_id", sess.ID, "kernel_id", main.ID, "error", err)
		}
	}()
}
