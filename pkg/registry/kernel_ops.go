package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// mainKernel resolves the RUNNING session's main kernel for the per-kernel
// command wrappers.
func (r *Registry) mainKernel(ctx context.Context, sessionID string) (*models.Kernel, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, &NotFoundError{Entity: "session", ID: sessionID}
		}
		return nil, err
	}
	if sess.Status != types.SessionRunning {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotRunning, sessionID, sess.Status)
	}
	main, err := r.store.GetMainKernel(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, &NotFoundError{Entity: "main kernel of session", ID: sessionID}
		}
		return nil, err
	}
	if main.AgentID == "" {
		return nil, fmt.Errorf("%w: %s has no agent allocation",
			ErrSessionNotRunning, sessionID)
	}
	return main, nil
}

// Execute runs code in the session's main kernel.
func (r *Registry) Execute(ctx context.Context, sessionID, runID, mode, code string, opts map[string]any, flushTimeout float64) (map[string]any, error) {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.rpc.Execute(ctx, main.AgentID, main.ID, runID, mode, code, opts, flushTimeout)
}

// Interrupt stops the currently running execution in the main kernel.
func (r *Registry) Interrupt(ctx context.Context, sessionID string) error {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.rpc.InterruptKernel(ctx, main.AgentID, main.ID)
}

// GetCompletions asks the main kernel's runtime for code completions.
func (r *Registry) GetCompletions(ctx context.Context, sessionID, text string, opts map[string]any) (map[string]any, error) {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.rpc.GetCompletions(ctx, main.AgentID, main.ID, text, opts)
}

// StartService starts an in-container service on the main kernel.
func (r *Registry) StartService(ctx context.Context, sessionID, service string, opts map[string]any) (map[string]any, error) {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.rpc.StartService(ctx, main.AgentID, main.ID, service, opts)
}

// ShutdownService stops an in-container service on the main kernel.
func (r *Registry) ShutdownService(ctx context.Context, sessionID, service string) error {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.rpc.ShutdownService(ctx, main.AgentID, main.ID, service)
}

// UploadFile places a file into the main kernel's work directory.
func (r *Registry) UploadFile(ctx context.Context, sessionID, filename string, payload []byte) error {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return err
	}
	return r.rpc.UploadFile(ctx, main.AgentID, main.ID, filename, payload)
}

// DownloadFile fetches a file from the main kernel's work directory.
func (r *Registry) DownloadFile(ctx context.Context, sessionID, filepath string) ([]byte, error) {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.rpc.DownloadFile(ctx, main.AgentID, main.ID, filepath)
}

// ListFiles lists a directory inside the main kernel.
func (r *Registry) ListFiles(ctx context.Context, sessionID, path string) (map[string]any, error) {
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return r.rpc.ListFiles(ctx, main.AgentID, main.ID, path)
}

// GetLogs fetches the main kernel's container logs. When the agent is
// unreachable the log persisted at termination time is served instead, so
// logs survive dead agents.
func (r *Registry) GetLogs(ctx context.Context, sessionID string) (map[string]any, error) {
	main, err := r.store.GetMainKernel(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, &NotFoundError{Entity: "session", ID: sessionID}
		}
		return nil, err
	}
	if main.AgentID != "" && !types.IsTerminalKernelStatus(main.Status) {
		out, err := r.rpc.GetLogs(ctx, main.AgentID, main.ID)
		if err == nil {
			return out, nil
		}
		if !agent.IsTimeout(err) {
			return nil, err
		}
		r.log.Warn("Agent unreachable for logs, serving persisted log",
			"session_id", sessionID, "agent_id", main.AgentID)
	}
	log := main.ContainerLog
	if log == "" {
		log = "(container log unavailable)\n"
	}
	return map[string]any{"logs": log}, nil
}

// CommitSession snapshots the main kernel's container into a tarball named
// after the owner and session.
func (r *Registry) CommitSession(ctx context.Context, sessionID string, extraLabels map[string]string) (map[string]any, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNoRows) {
			return nil, &NotFoundError{Entity: "session", ID: sessionID}
		}
		return nil, err
	}
	main, err := r.mainKernel(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	filename := commitFilename(sess.AccessKey, sess.Name, r.now())
	return r.rpc.Commit(ctx, main.AgentID, main.ID,
		sess.UserEmail, main.Image, filename, extraLabels)
}

func commitFilename(accessKey, name string, t time.Time) string {
	return fmt.Sprintf("%s-%s-%s.tar.gz", accessKey, name, t.UTC().Format("20060102-150405"))
}
