package store

import (
	"context"
	"fmt"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// GetKeypair fetches a keypair joined with its owning user.
func (s *Store) GetKeypair(ctx context.Context, accessKey string) (*models.Keypair, error) {
	var kp models.Keypair
	err := s.db.QueryRow(ctx, `
		SELECT k.access_key, k.user_uuid, u.email, u.username,
			k.resource_policy, k.is_admin
		FROM keypairs k
		JOIN users u ON u.uuid = k.user_uuid
		WHERE k.access_key = $1`,
		accessKey).Scan(
		&kp.AccessKey, &kp.UserUUID, &kp.UserEmail, &kp.UserName,
		&kp.ResourcePolicy, &kp.IsAdmin,
	)
	if err != nil {
		return nil, err
	}
	return &kp, nil
}

// GetResourcePolicy fetches a keypair resource policy by name.
func (s *Store) GetResourcePolicy(ctx context.Context, name string) (*models.ResourcePolicy, error) {
	var p models.ResourcePolicy
	err := s.db.QueryRow(ctx, `
		SELECT name, total_resource_slots, max_concurrent_sessions,
			max_concurrent_sftp_sessions, max_containers_per_session
		FROM keypair_resource_policies
		WHERE name = $1`,
		name).Scan(
		&p.Name, &p.TotalResourceSlots, &p.MaxConcurrentSessions,
		&p.MaxConcurrentSFTPSessions, &p.MaxContainersPerSession,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetDomain fetches a domain row.
func (s *Store) GetDomain(ctx context.Context, name string) (*models.Domain, error) {
	var d models.Domain
	err := s.db.QueryRow(ctx, `
		SELECT name, total_resource_slots, allowed_registries
		FROM domains
		WHERE name = $1`,
		name).Scan(&d.Name, &d.TotalResourceSlots, &d.AllowedRegistries)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetProject fetches a project row.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	err := s.db.QueryRow(ctx, `
		SELECT id, name, domain, total_resource_slots
		FROM projects
		WHERE id = $1`,
		id).Scan(&p.ID, &p.Name, &p.Domain, &p.TotalResourceSlots)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Quota scopes for SumOccupiedSlots.
type OccupancyScope struct {
	AccessKey string
	Project   string
	Domain    string
}

// SumOccupiedSlots totals the occupied slots of resource-occupying sessions
// within the scope (exactly one field set). The sum runs over the JSON slot
// maps in Go since slot keys are open-ended.
func (s *Store) SumOccupiedSlots(ctx context.Context, scope OccupancyScope) (types.ResourceSlot, error) {
	var column, value string
	switch {
	case scope.AccessKey != "":
		column, value = "access_key", scope.AccessKey
	case scope.Project != "":
		column, value = "project", scope.Project
	case scope.Domain != "":
		column, value = "domain", scope.Domain
	default:
		return nil, fmt.Errorf("empty occupancy scope")
	}
	rows, err := s.db.Query(ctx, `
		SELECT occupied_slots
		FROM sessions
		WHERE `+column+` = $1 AND status = ANY($2)`,
		value, userOccupyingStatuses())
	if err != nil {
		return nil, fmt.Errorf("sum occupied slots for %s=%s: %w", column, value, err)
	}
	defer rows.Close()

	total := types.ResourceSlot{}
	for rows.Next() {
		var occupied types.ResourceSlot
		if err := rows.Scan(&occupied); err != nil {
			return nil, err
		}
		total = total.Add(occupied)
	}
	return total, rows.Err()
}
