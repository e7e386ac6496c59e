package store

import (
	"context"
	"fmt"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// GetScalingGroup fetches one scaling group row.
func (s *Store) GetScalingGroup(ctx context.Context, name string) (*models.ScalingGroup, error) {
	var g models.ScalingGroup
	var sessionTypes []string
	err := s.db.QueryRow(ctx, `
		SELECT name, allowed_session_types, scheduler, agent_selection_strategy
		FROM scaling_groups
		WHERE name = $1`,
		name).Scan(&g.Name, &sessionTypes, &g.Scheduler, &g.AgentSelectionStrategy)
	if err != nil {
		return nil, err
	}
	g.AllowedSessionTypes = make([]types.SessionType, len(sessionTypes))
	for i, t := range sessionTypes {
		g.AllowedSessionTypes[i] = types.SessionType(t)
	}
	return &g, nil
}

// ListScalingGroups returns every scaling group, for the dispatcher sweep.
func (s *Store) ListScalingGroups(ctx context.Context) ([]*models.ScalingGroup, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, allowed_session_types, scheduler, agent_selection_strategy
		FROM scaling_groups
		ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list scaling groups: %w", err)
	}
	defer rows.Close()

	var groups []*models.ScalingGroup
	for rows.Next() {
		var g models.ScalingGroup
		var sessionTypes []string
		if err := rows.Scan(&g.Name, &sessionTypes, &g.Scheduler, &g.AgentSelectionStrategy); err != nil {
			return nil, err
		}
		g.AllowedSessionTypes = make([]types.SessionType, len(sessionTypes))
		for i, t := range sessionTypes {
			g.AllowedSessionTypes[i] = types.SessionType(t)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

// ListAllowedScalingGroups resolves the scaling groups granted to any of the
// (domain, project, access key) identities.
func (s *Store) ListAllowedScalingGroups(ctx context.Context, domain, project, accessKey string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT scaling_group
		FROM scaling_group_allowances
		WHERE domain = $1 OR project = $2 OR access_key = $3
		ORDER BY scaling_group ASC`,
		domain, project, accessKey)
	if err != nil {
		return nil, fmt.Errorf("list allowed scaling groups: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
