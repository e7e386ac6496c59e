package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

const agentColumns = `id, address, public_key, scaling_group, status, architecture,
	version, available_slots, occupied_slots, first_contact, lost_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(
		&a.ID, &a.Address, &a.PublicKey, &a.ScalingGroup, &a.Status,
		&a.Architecture, &a.Version, &a.AvailableSlots, &a.OccupiedSlots,
		&a.FirstContact, &a.LostAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAgent fetches one agent row.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	return scanAgent(row)
}

// GetAgentForUpdate fetches one agent row under a row lock. Must run inside
// WithTx.
func (s *Store) GetAgentForUpdate(ctx context.Context, id string) (*models.Agent, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1 FOR UPDATE`, id)
	return scanAgent(row)
}

// InsertAgent persists a freshly joined agent.
func (s *Store) InsertAgent(ctx context.Context, a *models.Agent) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO agents (id, address, public_key, scaling_group, status,
			architecture, version, available_slots, occupied_slots, first_contact)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		a.ID, a.Address, a.PublicKey, a.ScalingGroup, a.Status,
		a.Architecture, a.Version, a.AvailableSlots, a.OccupiedSlots,
	)
	if err != nil {
		return fmt.Errorf("insert agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAgentInfo overwrites the heartbeat-reported attributes.
func (s *Store) UpdateAgentInfo(ctx context.Context, a *models.Agent) error {
	_, err := s.db.Exec(ctx, `
		UPDATE agents
		SET address = $2, public_key = $3, scaling_group = $4,
			architecture = $5, version = $6, available_slots = $7
		WHERE id = $1`,
		a.ID, a.Address, a.PublicKey, a.ScalingGroup,
		a.Architecture, a.Version, a.AvailableSlots,
	)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAgentStatus transitions the agent's liveness status. A nil lostAt
// clears the column (revive).
func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status types.AgentStatus, lostAt *time.Time) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET status = $2, lost_at = $3 WHERE id = $1`,
		id, status, lostAt)
	if err != nil {
		return fmt.Errorf("update agent %s status: %w", id, err)
	}
	return nil
}

// SetAgentOccupied writes the authoritative occupied-slot map.
func (s *Store) SetAgentOccupied(ctx context.Context, id string, occupied types.ResourceSlot) error {
	_, err := s.db.Exec(ctx,
		`UPDATE agents SET occupied_slots = $2 WHERE id = $1`, id, occupied)
	if err != nil {
		return fmt.Errorf("set agent %s occupied slots: %w", id, err)
	}
	return nil
}

// AddAgentOccupied adjusts occupied_slots by a signed delta under a row
// lock. Must run inside WithTx.
func (s *Store) AddAgentOccupied(ctx context.Context, id string, delta types.ResourceSlot) error {
	a, err := s.GetAgentForUpdate(ctx, id)
	if err != nil {
		return fmt.Errorf("lock agent %s: %w", id, err)
	}
	return s.SetAgentOccupied(ctx, id, a.OccupiedSlots.Add(delta))
}

// ListSchedulableAgents returns ALIVE agents of a scaling group and
// architecture, ordered by id for deterministic tie-breaking downstream.
func (s *Store) ListSchedulableAgents(ctx context.Context, scalingGroup, architecture string) ([]*models.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE status = $1 AND scaling_group = $2 AND architecture = $3
		ORDER BY id ASC`,
		types.AgentAlive, scalingGroup, architecture)
	if err != nil {
		return nil, fmt.Errorf("list schedulable agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// CountAgentsByStatus counts all agents grouped by status.
func (s *Store) CountAgentsByStatus(ctx context.Context) (map[types.AgentStatus]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, count(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count agents by status: %w", err)
	}
	defer rows.Close()
	counts := make(map[types.AgentStatus]int)
	for rows.Next() {
		var status types.AgentStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ListAgentsByStatus returns all agents in the given status.
func (s *Store) ListAgentsByStatus(ctx context.Context, status types.AgentStatus) ([]*models.Agent, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE status = $1 ORDER BY id ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list agents by status: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
