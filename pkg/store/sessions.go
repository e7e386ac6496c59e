package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

const sessionColumns = `id, creation_id, name, access_key, domain, project,
	scaling_group, session_type, cluster_mode, cluster_size, priority,
	status, status_info, status_data, status_history, result, images,
	vfolder_mounts, environ, requested_slots, occupied_slots,
	user_uuid, user_email, user_name, resource_policy,
	startup_command, bootstrap_script, tag, starts_at, batch_timeout_s,
	callback_url, network_type, network_id, created_at, terminated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var sess models.Session
	var batchTimeoutSecs *int64
	err := row.Scan(
		&sess.ID, &sess.CreationID, &sess.Name, &sess.AccessKey, &sess.Domain,
		&sess.Project, &sess.ScalingGroup, &sess.SessionType, &sess.ClusterMode,
		&sess.ClusterSize, &sess.Priority, &sess.Status, &sess.StatusInfo,
		&sess.StatusData, &sess.StatusHistory, &sess.Result, &sess.Images,
		&sess.VFolderMounts, &sess.Environ, &sess.RequestedSlots,
		&sess.OccupiedSlots, &sess.UserUUID, &sess.UserEmail, &sess.UserName,
		&sess.ResourcePolicy, &sess.StartupCommand, &sess.BootstrapScript,
		&sess.Tag, &sess.StartsAt, &batchTimeoutSecs, &sess.CallbackURL,
		&sess.NetworkType, &sess.NetworkID, &sess.CreatedAt, &sess.TerminatedAt,
	)
	if err != nil {
		return nil, err
	}
	if batchTimeoutSecs != nil {
		d := time.Duration(*batchTimeoutSecs) * time.Second
		sess.BatchTimeout = &d
	}
	return &sess, nil
}

func (s *Store) scanSessions(rows pgx.Rows) ([]*models.Session, error) {
	defer rows.Close()
	var sessions []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// InsertSession persists a new session row.
func (s *Store) InsertSession(ctx context.Context, sess *models.Session) error {
	var batchTimeoutSecs *int64
	if sess.BatchTimeout != nil {
		secs := int64(sess.BatchTimeout.Seconds())
		batchTimeoutSecs = &secs
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, creation_id, name, access_key, domain,
			project, scaling_group, session_type, cluster_mode, cluster_size,
			priority, status, status_info, status_data, status_history, result,
			images, vfolder_mounts, environ, requested_slots, occupied_slots,
			user_uuid, user_email, user_name, resource_policy,
			startup_command, bootstrap_script, tag, starts_at, batch_timeout_s,
			callback_url, network_type, network_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27,
			$28, $29, $30, $31, $32, $33)`,
		sess.ID, sess.CreationID, sess.Name, sess.AccessKey, sess.Domain,
		sess.Project, sess.ScalingGroup, sess.SessionType, sess.ClusterMode,
		sess.ClusterSize, sess.Priority, sess.Status, sess.StatusInfo,
		sess.StatusData, sess.StatusHistory, sess.Result, sess.Images,
		sess.VFolderMounts, sess.Environ, sess.RequestedSlots,
		sess.OccupiedSlots, sess.UserUUID, sess.UserEmail, sess.UserName,
		sess.ResourcePolicy, sess.StartupCommand, sess.BootstrapScript,
		sess.Tag, sess.StartsAt, batchTimeoutSecs, sess.CallbackURL,
		sess.NetworkType, sess.NetworkID,
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetSessionForUpdate fetches one session row under a row lock. Must run
// inside WithTx.
func (s *Store) GetSessionForUpdate(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
	return scanSession(row)
}

// FindActiveSessionByName locates a non-terminal session owned by the access
// key with the given name, for the create_session reuse check.
func (s *Store) FindActiveSessionByName(ctx context.Context, accessKey, name string) (*models.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE access_key = $1 AND name = $2 AND status NOT IN ($3, $4)
		ORDER BY created_at DESC
		LIMIT 1`,
		accessKey, name, types.SessionTerminated, types.SessionCancelled)
	return scanSession(row)
}

// ListSessionsByStatus returns sessions of a scaling group in the given
// status, FIFO by (priority desc, created_at asc).
func (s *Store) ListSessionsByStatus(ctx context.Context, scalingGroup string, status types.SessionStatus) ([]*models.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE scaling_group = $1 AND status = $2
		ORDER BY priority DESC, created_at ASC`,
		scalingGroup, status)
	if err != nil {
		return nil, fmt.Errorf("list %s sessions: %w", status, err)
	}
	return s.scanSessions(rows)
}

// UpdateSessionStatus writes the status columns computed by the lifecycle
// manager.
func (s *Store) UpdateSessionStatus(ctx context.Context, sess *models.Session) error {
	_, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET status = $2, status_info = $3, status_data = $4,
			status_history = $5, result = $6, terminated_at = $7
		WHERE id = $1`,
		sess.ID, sess.Status, sess.StatusInfo, sess.StatusData,
		sess.StatusHistory, sess.Result, sess.TerminatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", sess.ID, err)
	}
	return nil
}

// SetSessionStatusData overwrites only status_data (scheduler predicate
// trail updates while the session stays PENDING).
func (s *Store) SetSessionStatusData(ctx context.Context, id string, data map[string]any) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET status_data = $2 WHERE id = $1`, id, data)
	if err != nil {
		return fmt.Errorf("set session %s status_data: %w", id, err)
	}
	return nil
}

// SetSessionOccupied writes the session-level occupied slot sum.
func (s *Store) SetSessionOccupied(ctx context.Context, id string, occupied types.ResourceSlot) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET occupied_slots = $2 WHERE id = $1`, id, occupied)
	if err != nil {
		return fmt.Errorf("set session %s occupied slots: %w", id, err)
	}
	return nil
}

// SetSessionNetwork records the per-session network binding.
func (s *Store) SetSessionNetwork(ctx context.Context, id string, networkType types.NetworkType, networkID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET network_type = $2, network_id = $3 WHERE id = $1`,
		id, networkType, networkID)
	if err != nil {
		return fmt.Errorf("set session %s network: %w", id, err)
	}
	return nil
}

// SetSessionResult records how a BATCH workload finished.
func (s *Store) SetSessionResult(ctx context.Context, id string, result types.SessionResult) error {
	_, err := s.db.Exec(ctx,
		`UPDATE sessions SET result = $2 WHERE id = $1`, id, result)
	if err != nil {
		return fmt.Errorf("set session %s result: %w", id, err)
	}
	return nil
}

// InsertSessionDependencies records the depends-on edges.
func (s *Store) InsertSessionDependencies(ctx context.Context, sessionID string, dependsOn []string) error {
	for _, dep := range dependsOn {
		_, err := s.db.Exec(ctx, `
			INSERT INTO session_dependencies (session_id, depends_on)
			VALUES ($1, $2)`,
			sessionID, dep)
		if err != nil {
			return fmt.Errorf("insert dependency %s -> %s: %w", sessionID, dep, err)
		}
	}
	return nil
}

// ListDependencySessions returns the sessions the given session depends on.
func (s *Store) ListDependencySessions(ctx context.Context, sessionID string) ([]*models.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE id IN (
			SELECT depends_on FROM session_dependencies WHERE session_id = $1
		)
		ORDER BY created_at ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list dependencies of %s: %w", sessionID, err)
	}
	return s.scanSessions(rows)
}

// CountSessionsByAccessKey counts sessions in user-occupying statuses per
// access key, split into compute and private (SFTP/system) groups. Used to
// rebuild the Redis concurrency counters.
func (s *Store) CountSessionsByAccessKey(ctx context.Context) (compute, private map[string]int, err error) {
	rows, err := s.db.Query(ctx, `
		SELECT access_key, session_type, count(*)
		FROM sessions
		WHERE status = ANY($1)
		GROUP BY access_key, session_type`,
		userOccupyingStatuses())
	if err != nil {
		return nil, nil, fmt.Errorf("count sessions by access key: %w", err)
	}
	defer rows.Close()

	compute = make(map[string]int)
	private = make(map[string]int)
	for rows.Next() {
		var accessKey string
		var sessionType types.SessionType
		var n int
		if err := rows.Scan(&accessKey, &sessionType, &n); err != nil {
			return nil, nil, err
		}
		if sessionType.IsPrivate() {
			private[accessKey] += n
		} else {
			compute[accessKey] += n
		}
	}
	return compute, private, rows.Err()
}

// CountActiveSessionsForAccessKey counts one keypair's sessions in
// user-occupying statuses, split into compute and private groups.
func (s *Store) CountActiveSessionsForAccessKey(ctx context.Context, accessKey string) (compute, private int, err error) {
	rows, err := s.db.Query(ctx, `
		SELECT session_type, count(*)
		FROM sessions
		WHERE access_key = $1 AND status = ANY($2)
		GROUP BY session_type`,
		accessKey, userOccupyingStatuses())
	if err != nil {
		return 0, 0, fmt.Errorf("count sessions for %s: %w", accessKey, err)
	}
	defer rows.Close()
	for rows.Next() {
		var sessionType types.SessionType
		var n int
		if err := rows.Scan(&sessionType, &n); err != nil {
			return 0, 0, err
		}
		if sessionType.IsPrivate() {
			private += n
		} else {
			compute += n
		}
	}
	return compute, private, rows.Err()
}

// CountSessionsByStatus counts all sessions grouped by status.
func (s *Store) CountSessionsByStatus(ctx context.Context) (map[types.SessionStatus]int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, count(*) FROM sessions GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	defer rows.Close()
	counts := make(map[types.SessionStatus]int)
	for rows.Next() {
		var status types.SessionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func userOccupyingStatuses() []string {
	out := make([]string, len(types.UserResourceOccupying))
	for i, st := range types.UserResourceOccupying {
		out[i] = string(st)
	}
	return out
}

func agentOccupyingStatuses() []string {
	out := make([]string, len(types.AgentResourceOccupying))
	for i, st := range types.AgentResourceOccupying {
		out[i] = string(st)
	}
	return out
}
