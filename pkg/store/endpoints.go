package store

import (
	"context"
	"fmt"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// GetEndpoint fetches one inference endpoint row.
func (s *Store) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	var e models.Endpoint
	err := s.db.QueryRow(ctx, `
		SELECT id, name, domain, project, access_key, model_name,
			image_canonical, architecture, resource_slots, resource_opts,
			cluster_mode, cluster_size, model_mount_dest, model_vfolder_id,
			environ, replicas, retries, resource_policy, user_uuid, user_email,
			user_name, scaling_group, startup_command, bootstrap_script
		FROM endpoints
		WHERE id = $1`,
		id).Scan(
		&e.ID, &e.Name, &e.Domain, &e.Project, &e.AccessKey, &e.ModelName,
		&e.ImageCanonical, &e.Architecture, &e.ResourceSlots, &e.ResourceOpts,
		&e.ClusterMode, &e.ClusterSize, &e.ModelMountDest, &e.ModelVFolderID,
		&e.Environ, &e.Replicas, &e.Retries, &e.ResourcePolicy, &e.UserUUID,
		&e.UserEmail, &e.UserName, &e.ScalingGroup, &e.StartupCommand,
		&e.BootstrapScript,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetRoute fetches one route row.
func (s *Store) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	var r models.Route
	var sessionID *string
	err := s.db.QueryRow(ctx, `
		SELECT id, endpoint, session_id, status, traffic_ratio
		FROM routings
		WHERE id = $1`,
		id).Scan(&r.ID, &r.EndpointID, &sessionID, &r.Status, &r.TrafficRatio)
	if err != nil {
		return nil, err
	}
	if sessionID != nil {
		r.SessionID = *sessionID
	}
	return &r, nil
}

// BindRouteSession attaches the provisioned session to its route.
func (s *Store) BindRouteSession(ctx context.Context, routeID, sessionID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE routings SET session_id = $2 WHERE id = $1`, routeID, sessionID)
	if err != nil {
		return fmt.Errorf("bind route %s to session %s: %w", routeID, sessionID, err)
	}
	return nil
}

// UpdateRouteStatus transitions the route's provisioning status.
func (s *Store) UpdateRouteStatus(ctx context.Context, id string, status types.RouteStatus) error {
	_, err := s.db.Exec(ctx,
		`UPDATE routings SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update route %s status: %w", id, err)
	}
	return nil
}

// IncrementEndpointRetries bumps the endpoint's failed-provision counter and
// returns the new value.
func (s *Store) IncrementEndpointRetries(ctx context.Context, id string) (int, error) {
	var retries int
	err := s.db.QueryRow(ctx,
		`UPDATE endpoints SET retries = retries + 1 WHERE id = $1 RETURNING retries`,
		id).Scan(&retries)
	if err != nil {
		return 0, fmt.Errorf("increment endpoint %s retries: %w", id, err)
	}
	return retries, nil
}
