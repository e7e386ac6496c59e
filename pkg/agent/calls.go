package agent

import (
	"context"

	"github.com/peregrinehq/peregrine/pkg/types"
)

// The typed call surface. Order keys follow the entity the call mutates:
// kernel-scoped calls serialize on the kernel id, session-scoped calls on
// the session id, agent-maintenance calls on the agent id.

// CheckAndPull asks the agent to ensure the images are present locally.
// The result maps image canonical to the agent-side background task id.
func (c *Client) CheckAndPull(ctx context.Context, agentID string, images map[string]map[string]any) (map[string]string, error) {
	var out map[string]string
	err := c.call(ctx, agentID, "check_and_pull", agentID, c.WriteTimeout,
		[]any{images}, &out)
	return out, err
}

// KernelCreationResult is the agent's report for one created kernel.
type KernelCreationResult struct {
	KernelID     string         `msgpack:"id"`
	ResourceSpec map[string]any `msgpack:"resource_spec"`
	ContainerID  string         `msgpack:"container_id"`
	KernelHost   string         `msgpack:"kernel_host"`
	ReplInPort   int            `msgpack:"repl_in_port"`
	ReplOutPort  int            `msgpack:"repl_out_port"`
	StdinPort    int            `msgpack:"stdin_port"`
	StdoutPort   int            `msgpack:"stdout_port"`
	ServicePorts []any          `msgpack:"service_ports"`
}

// CreateKernels launches the session's kernels placed on this agent.
func (c *Client) CreateKernels(ctx context.Context, agentID, sessionID string, kernelIDs []string, configs []map[string]any, clusterInfo map[string]any) ([]KernelCreationResult, error) {
	var out []KernelCreationResult
	err := c.call(ctx, agentID, "create_kernels", sessionID, c.WriteTimeout,
		[]any{sessionID, kernelIDs, configs, clusterInfo}, &out)
	return out, err
}

// DestroyKernel tears down one kernel's container.
func (c *Client) DestroyKernel(ctx context.Context, agentID, kernelID, sessionID string, reason types.LifecycleReason, suppressEvents bool) error {
	return c.call(ctx, agentID, "destroy_kernel", kernelID, c.WriteTimeout,
		[]any{kernelID, sessionID, string(reason), suppressEvents}, nil)
}

// RestartKernel recreates the container in place, returning fresh creation
// info (ports, container id).
func (c *Client) RestartKernel(ctx context.Context, agentID, sessionID, kernelID string, updatedConfig map[string]any) (*KernelCreationResult, error) {
	var out KernelCreationResult
	err := c.call(ctx, agentID, "restart_kernel", kernelID, c.WriteTimeout,
		[]any{sessionID, kernelID, updatedConfig}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs code in the kernel's REPL, flushing at flushTimeout steps for
// batch continuation.
func (c *Client) Execute(ctx context.Context, agentID, kernelID string, runID, mode, code string, opts map[string]any, flushTimeout float64) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "execute", kernelID, c.WriteTimeout,
		[]any{kernelID, runID, mode, code, opts, flushTimeout}, &out)
	return out, err
}

// InterruptKernel interrupts the currently running execution.
func (c *Client) InterruptKernel(ctx context.Context, agentID, kernelID string) error {
	return c.call(ctx, agentID, "interrupt_kernel", kernelID, c.ReadTimeout,
		[]any{kernelID}, nil)
}

// GetCompletions asks the kernel runtime for code completions.
func (c *Client) GetCompletions(ctx context.Context, agentID, kernelID, text string, opts map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "get_completions", kernelID, c.ReadTimeout,
		[]any{kernelID, text, opts}, &out)
	return out, err
}

// StartService starts an in-container service port.
func (c *Client) StartService(ctx context.Context, agentID, kernelID, service string, opts map[string]any) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "start_service", kernelID, c.WriteTimeout,
		[]any{kernelID, service, opts}, &out)
	return out, err
}

// ShutdownService stops an in-container service.
func (c *Client) ShutdownService(ctx context.Context, agentID, kernelID, service string) error {
	return c.call(ctx, agentID, "shutdown_service", kernelID, c.ReadTimeout,
		[]any{kernelID, service}, nil)
}

// UploadFile places a file into the kernel's work directory.
func (c *Client) UploadFile(ctx context.Context, agentID, kernelID, filename string, payload []byte) error {
	return c.call(ctx, agentID, "upload_file", kernelID, c.WriteTimeout,
		[]any{kernelID, filename, payload}, nil)
}

// DownloadFile fetches a file from the kernel's work directory.
func (c *Client) DownloadFile(ctx context.Context, agentID, kernelID, filepath string) ([]byte, error) {
	var out []byte
	err := c.call(ctx, agentID, "download_file", kernelID, c.ReadTimeout,
		[]any{kernelID, filepath}, &out)
	return out, err
}

// ListFiles lists the kernel's work directory.
func (c *Client) ListFiles(ctx context.Context, agentID, kernelID, path string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "list_files", kernelID, c.ReadTimeout,
		[]any{kernelID, path}, &out)
	return out, err
}

// GetLogs fetches the kernel's container logs.
func (c *Client) GetLogs(ctx context.Context, agentID, kernelID string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "get_logs", kernelID, c.ReadTimeout,
		[]any{kernelID}, &out)
	return out, err
}

// Commit snapshots the kernel's container into an image or a tarball file.
func (c *Client) Commit(ctx context.Context, agentID, kernelID, email, canonical, filename string, extraLabels map[string]string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "commit", kernelID, c.WriteTimeout,
		[]any{kernelID, email, canonical, filename, extraLabels}, &out)
	return out, err
}

// PushImage pushes a committed image to its registry.
func (c *Client) PushImage(ctx context.Context, agentID, canonical string) error {
	return c.call(ctx, agentID, "push_image", agentID, c.WriteTimeout,
		[]any{canonical}, nil)
}

// PurgeImages removes local images from the agent.
func (c *Client) PurgeImages(ctx context.Context, agentID string, images []string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "purge_images", agentID, c.WriteTimeout,
		[]any{images}, &out)
	return out, err
}

// GatherHWInfo collects hardware metadata from the agent node.
func (c *Client) GatherHWInfo(ctx context.Context, agentID string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "gather_hwinfo", agentID, c.ReadTimeout,
		nil, &out)
	return out, err
}

// ScanGPUAllocMap reads the agent's current GPU allocation map.
func (c *Client) ScanGPUAllocMap(ctx context.Context, agentID string) (map[string]any, error) {
	var out map[string]any
	err := c.call(ctx, agentID, "scan_gpu_alloc_map", agentID, c.ReadTimeout,
		nil, &out)
	return out, err
}

// CreateLocalNetwork creates a single-node bridge network for a multi-kernel
// session placed on one agent.
func (c *Client) CreateLocalNetwork(ctx context.Context, agentID, networkName string) error {
	return c.call(ctx, agentID, "create_local_network", agentID, c.WriteTimeout,
		[]any{networkName}, nil)
}

// DestroyLocalNetwork removes a single-node bridge network.
func (c *Client) DestroyLocalNetwork(ctx context.Context, agentID, networkName string) error {
	return c.call(ctx, agentID, "destroy_local_network", agentID, c.WriteTimeout,
		[]any{networkName}, nil)
}

// SyncKernelRegistry reconciles the agent's kernel registry with the
// manager's view: pairs of (kernel id, session id) that should exist.
func (c *Client) SyncKernelRegistry(ctx context.Context, agentID string, kernels [][2]string) error {
	pairs := make([][]string, len(kernels))
	for i, kv := range kernels {
		pairs[i] = []string{kv[0], kv[1]}
	}
	return c.call(ctx, agentID, "sync_kernel_registry", agentID, c.WriteTimeout,
		[]any{pairs}, nil)
}
