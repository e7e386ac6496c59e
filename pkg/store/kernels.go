package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

const kernelColumns = `id, session_id, cluster_role, cluster_idx, local_rank,
	cluster_hostname, agent, agent_addr, image, architecture, registry,
	requested_slots, occupied_slots, resource_opts, status, status_info,
	status_data, status_history, exit_code, container_id, kernel_host,
	repl_in_port, repl_out_port, stdin_port, stdout_port, service_ports,
	preopen_ports, startup_command, bootstrap_script, last_stat,
	container_log, created_at, terminated_at`

// Kernels are always listed main-first then by cluster index so every
// "first" choice downstream is deterministic.
const kernelOrder = `ORDER BY (cluster_role = 'main') DESC, cluster_idx ASC`

func scanKernel(row pgx.Row) (*models.Kernel, error) {
	var k models.Kernel
	var agentID *string
	var preopen []int32
	err := row.Scan(
		&k.ID, &k.SessionID, &k.ClusterRole, &k.ClusterIdx, &k.LocalRank,
		&k.ClusterHostname, &agentID, &k.AgentAddr, &k.Image, &k.Architecture,
		&k.Registry, &k.RequestedSlots, &k.OccupiedSlots, &k.ResourceOpts,
		&k.Status, &k.StatusInfo, &k.StatusData, &k.StatusHistory, &k.ExitCode,
		&k.ContainerID, &k.KernelHost, &k.ReplInPort, &k.ReplOutPort,
		&k.StdinPort, &k.StdoutPort, &k.ServicePorts, &preopen,
		&k.StartupCommand, &k.BootstrapScript, &k.LastStat, &k.ContainerLog,
		&k.CreatedAt, &k.TerminatedAt,
	)
	if err != nil {
		return nil, err
	}
	if agentID != nil {
		k.AgentID = *agentID
	}
	k.PreopenPorts = int32ToInts(preopen)
	return &k, nil
}

func (s *Store) scanKernels(rows pgx.Rows) ([]*models.Kernel, error) {
	defer rows.Close()
	var kernels []*models.Kernel
	for rows.Next() {
		k, err := scanKernel(rows)
		if err != nil {
			return nil, err
		}
		kernels = append(kernels, k)
	}
	return kernels, rows.Err()
}

// InsertKernels persists the kernels of a freshly enqueued session.
func (s *Store) InsertKernels(ctx context.Context, kernels []*models.Kernel) error {
	for _, k := range kernels {
		var agentID *string
		if k.AgentID != "" {
			agentID = &k.AgentID
		}
		_, err := s.db.Exec(ctx, `
			INSERT INTO kernels (id, session_id, cluster_role, cluster_idx,
				local_rank, cluster_hostname, agent, agent_addr, image,
				architecture, registry, requested_slots, occupied_slots,
				resource_opts, status, status_info, status_data, status_history,
				service_ports, preopen_ports, startup_command, bootstrap_script)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20, $21, $22)`,
			k.ID, k.SessionID, k.ClusterRole, k.ClusterIdx, k.LocalRank,
			k.ClusterHostname, agentID, k.AgentAddr, k.Image, k.Architecture,
			k.Registry, k.RequestedSlots, k.OccupiedSlots, k.ResourceOpts,
			k.Status, k.StatusInfo, k.StatusData, k.StatusHistory,
			k.ServicePorts, intsToInt32(k.PreopenPorts),
			k.StartupCommand, k.BootstrapScript,
		)
		if err != nil {
			return fmt.Errorf("insert kernel %s: %w", k.ID, err)
		}
	}
	return nil
}

// GetKernel fetches one kernel row.
func (s *Store) GetKernel(ctx context.Context, id string) (*models.Kernel, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+kernelColumns+` FROM kernels WHERE id = $1`, id)
	return scanKernel(row)
}

// GetKernelForUpdate fetches one kernel row under a row lock.
func (s *Store) GetKernelForUpdate(ctx context.Context, id string) (*models.Kernel, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+kernelColumns+` FROM kernels WHERE id = $1 FOR UPDATE`, id)
	return scanKernel(row)
}

// GetMainKernel fetches the session's main kernel.
func (s *Store) GetMainKernel(ctx context.Context, sessionID string) (*models.Kernel, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+kernelColumns+`
		FROM kernels
		WHERE session_id = $1 AND cluster_role = $2`,
		sessionID, types.RoleMain)
	return scanKernel(row)
}

// ListKernelsBySession returns the session's kernels, main first.
func (s *Store) ListKernelsBySession(ctx context.Context, sessionID string) ([]*models.Kernel, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+kernelColumns+`
		FROM kernels
		WHERE session_id = $1 `+kernelOrder,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list kernels of session %s: %w", sessionID, err)
	}
	return s.scanKernels(rows)
}

// ListKernelsBySessionForUpdate is ListKernelsBySession under row locks.
// Must run inside WithTx, after the session row itself is locked.
func (s *Store) ListKernelsBySessionForUpdate(ctx context.Context, sessionID string) ([]*models.Kernel, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+kernelColumns+`
		FROM kernels
		WHERE session_id = $1 `+kernelOrder+`
		FOR UPDATE`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("lock kernels of session %s: %w", sessionID, err)
	}
	return s.scanKernels(rows)
}

// ListKernelsByAgentImage locks and returns kernels bound to (agent, image)
// in any of the given statuses, for the image-pull bulk transitions.
func (s *Store) ListKernelsByAgentImage(ctx context.Context, agentID, image string, statuses []types.KernelStatus) ([]*models.Kernel, error) {
	in := make([]string, len(statuses))
	for i, st := range statuses {
		in[i] = string(st)
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+kernelColumns+`
		FROM kernels
		WHERE agent = $1 AND image = $2 AND status = ANY($3)
		`+kernelOrder+`
		FOR UPDATE`,
		agentID, image, in)
	if err != nil {
		return nil, fmt.Errorf("lock kernels of (%s, %s): %w", agentID, image, err)
	}
	return s.scanKernels(rows)
}

// ListOccupyingKernelsByAgent returns kernels in agent-occupying statuses
// grouped under their agent, for occupancy recalculation.
func (s *Store) ListOccupyingKernelsByAgent(ctx context.Context) (map[string][]*models.Kernel, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+kernelColumns+`
		FROM kernels
		WHERE agent IS NOT NULL AND status = ANY($1)`,
		agentOccupyingStatuses())
	if err != nil {
		return nil, fmt.Errorf("list occupying kernels: %w", err)
	}
	kernels, err := s.scanKernels(rows)
	if err != nil {
		return nil, err
	}
	byAgent := make(map[string][]*models.Kernel)
	for _, k := range kernels {
		byAgent[k.AgentID] = append(byAgent[k.AgentID], k)
	}
	return byAgent, nil
}

// UpdateKernelStatus writes the status columns computed by the lifecycle
// manager.
func (s *Store) UpdateKernelStatus(ctx context.Context, k *models.Kernel) error {
	_, err := s.db.Exec(ctx, `
		UPDATE kernels
		SET status = $2, status_info = $3, status_data = $4,
			status_history = $5, exit_code = $6, last_stat = $7,
			terminated_at = $8
		WHERE id = $1`,
		k.ID, k.Status, k.StatusInfo, k.StatusData, k.StatusHistory,
		k.ExitCode, k.LastStat, k.TerminatedAt,
	)
	if err != nil {
		return fmt.Errorf("update kernel %s status: %w", k.ID, err)
	}
	return nil
}

// BindKernelAgent records the scheduler's agent assignment.
func (s *Store) BindKernelAgent(ctx context.Context, kernelID, agentID, agentAddr string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE kernels SET agent = $2, agent_addr = $3 WHERE id = $1`,
		kernelID, agentID, agentAddr)
	if err != nil {
		return fmt.Errorf("bind kernel %s to agent %s: %w", kernelID, agentID, err)
	}
	return nil
}

// UpdateKernelCreation persists the agent-reported creation info: actual
// allocated slots, ports, container id, kernel host.
func (s *Store) UpdateKernelCreation(ctx context.Context, info *models.KernelCreationInfo) error {
	_, err := s.db.Exec(ctx, `
		UPDATE kernels
		SET occupied_slots = $2, container_id = $3, kernel_host = $4,
			repl_in_port = $5, repl_out_port = $6, stdin_port = $7,
			stdout_port = $8, service_ports = $9
		WHERE id = $1`,
		info.KernelID, info.OccupiedSlots, info.ContainerID, info.KernelHost,
		info.ReplInPort, info.ReplOutPort, info.StdinPort, info.StdoutPort,
		info.ServicePorts,
	)
	if err != nil {
		return fmt.Errorf("update kernel %s creation info: %w", info.KernelID, err)
	}
	return nil
}

// CountKernelsByStatus counts all kernels grouped by status.
func (s *Store) CountKernelsByStatus(ctx context.Context) (map[types.KernelStatus]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, count(*) FROM kernels GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count kernels by status: %w", err)
	}
	defer rows.Close()
	counts := make(map[types.KernelStatus]int)
	for rows.Next() {
		var status types.KernelStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// SetKernelContainerLog persists the drained container log.
func (s *Store) SetKernelContainerLog(ctx context.Context, kernelID, log string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE kernels SET container_log = $2 WHERE id = $1`, kernelID, log)
	if err != nil {
		return fmt.Errorf("set kernel %s container log: %w", kernelID, err)
	}
	return nil
}
