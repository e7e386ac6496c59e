package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/lifecycle"
	"github.com/peregrinehq/peregrine/pkg/scheduler"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
	testdb "github.com/peregrinehq/peregrine/test/database"
)

// eventRecorder captures produced events instead of writing them to the
// stream, so scenario tests can assert on the emitted sequence directly.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) Produce(ctx context.Context, ev events.Event, source string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) byName(name string) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Name() == name {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	reg      *Registry
	store    *store.Store
	rdb      *goredis.Client
	recorder *eventRecorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := testdb.NewTestStore(t)
	rdb := testdb.NewTestRedis(t)
	recorder := &eventRecorder{}

	cache := agent.NewCache(st)
	lc := lifecycle.NewManager(st, lifecycle.NewUpdatableSet(rdb), recorder)
	tracker := scheduler.NewConcurrencyTracker(rdb)
	reg := New(Config{}, st, rdb, recorder, nil, cache, lc, tracker)

	seedSessionFixtures(t, st)
	return &testEnv{reg: reg, store: st, rdb: rdb, recorder: recorder}
}

// seedSessionFixtures inserts the reference rows a create_session needs:
// identity chain, scaling group with an allowance, and an image.
func seedSessionFixtures(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	stmts := []string{
		`INSERT INTO domains (name) VALUES ('default')`,
		`INSERT INTO projects (id, name, domain) VALUES ('proj-1', 'research', 'default')`,
		`INSERT INTO users (uuid, email, username, domain)
		 VALUES ('u-1', 'alice@example.com', 'alice', 'default')`,
		`INSERT INTO keypair_resource_policies (name) VALUES ('default')`,
		`INSERT INTO keypairs (access_key, user_uuid, resource_policy)
		 VALUES ('AKTEST', 'u-1', 'default')`,
		`INSERT INTO scaling_groups (name) VALUES ('default')`,
		`INSERT INTO scaling_group_allowances (scaling_group, domain)
		 VALUES ('default', 'default')`,
		`INSERT INTO images (canonical, architecture) VALUES ('python:3.12', 'x86_64')`,
	}
	for _, stmt := range stmts {
		_, err := st.Pool().Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

func createRequest(name string) CreateSessionRequest {
	return CreateSessionRequest{
		Name:        name,
		Image:       "python:3.12",
		SessionType: types.SessionInteractive,
		Domain:      "default",
		Project:     "proj-1",
		AccessKey:   "AKTEST",
		Resources:   map[string]string{"cpu": "2", "mem": "4096"},
		Priority:    10,
		EnqueueOnly: true,
	}
}

func TestCreateSessionEnqueuesPendingSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.reg.CreateSession(ctx, createRequest("train"))
	require.NoError(t, err)
	assert.Equal(t, string(types.SessionPending), res.Status)

	sess, err := env.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionPending, sess.Status)
	assert.Equal(t, "default", sess.ScalingGroup)
	assert.Equal(t, []string{"python:3.12"}, sess.Images)

	kernels, err := env.store.ListKernelsBySession(ctx, res.SessionID)
	require.NoError(t, err)
	require.Len(t, kernels, 1)
	assert.True(t, kernels[0].IsMain())
	assert.Equal(t, types.KernelPending, kernels[0].Status)

	enqueued := env.recorder.byName(events.NameSessionEnqueued)
	require.Len(t, enqueued, 1)
	assert.Equal(t, res.SessionID, enqueued[0].(events.SessionEnqueued).SessionID)

	// The same name blocks a second create while the first is alive.
	_, err = env.reg.CreateSession(ctx, createRequest("train"))
	assert.ErrorIs(t, err, ErrSessionAlreadyExists)
}

func TestCreateSessionRejectsOutOfRangePriority(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	req := createRequest("prio")
	req.Priority = 101
	_, err := env.reg.CreateSession(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	req.Priority = -1
	_, err = env.reg.CreateSession(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCreateSessionRejectsOversizedCluster(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	// The default resource policy allows a single container per session.
	req := createRequest("wide")
	req.ClusterSize = 2
	_, err := env.reg.CreateSession(ctx, req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Contains(t, err.Error(), "more than 1 containers")
}

func TestDestroyPendingSessionCancels(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.reg.CreateSession(ctx, createRequest("doomed"))
	require.NoError(t, err)

	sess, err := env.reg.DestroySession(ctx, res.SessionID, DestroyOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, sess.Status)

	kernels, err := env.store.ListKernelsBySession(ctx, res.SessionID)
	require.NoError(t, err)
	for _, k := range kernels {
		assert.Equal(t, types.KernelCancelled, k.Status)
	}
	require.Len(t, env.recorder.byName(events.NameSessionCancelled), 1)

	// Destroying again is a no-op, not an error.
	again, err := env.reg.DestroySession(ctx, res.SessionID, DestroyOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, again.Status)
}

func TestForcedDestroyOfStuckSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.reg.CreateSession(ctx, createRequest("stuck"))
	require.NoError(t, err)

	// Simulate a session wedged mid-preparation.
	_, err = env.store.Pool().Exec(ctx,
		`UPDATE sessions SET status = 'PREPARING' WHERE id = $1`, res.SessionID)
	require.NoError(t, err)
	_, err = env.store.Pool().Exec(ctx,
		`UPDATE kernels SET status = 'PREPARING' WHERE session_id = $1`, res.SessionID)
	require.NoError(t, err)

	// A plain destroy refuses intermediate statuses.
	_, err = env.reg.DestroySession(ctx, res.SessionID, DestroyOptions{})
	assert.ErrorIs(t, err, ErrDestroyNotAllowed)

	sess, err := env.reg.DestroySession(ctx, res.SessionID,
		DestroyOptions{Forced: true, Superadmin: true})
	require.NoError(t, err)
	assert.Equal(t, types.SessionTerminated, sess.Status)

	kernels, err := env.store.ListKernelsBySession(ctx, res.SessionID)
	require.NoError(t, err)
	for _, k := range kernels {
		assert.Equal(t, types.KernelTerminated, k.Status)
	}
}

func TestHeartbeatJoinsLosesAndRevivesAgent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	info := events.AgentInfo{
		Address:        "10.0.0.5:6001",
		ScalingGroup:   "default",
		Architecture:   "x86_64",
		AvailableSlots: map[string]string{"cpu": "16", "mem": "65536"},
		Images:         []string{"python:3.12"},
	}
	require.NoError(t, env.reg.HandleHeartbeat(ctx, "i-001", info))

	a, err := env.store.GetAgent(ctx, "i-001")
	require.NoError(t, err)
	assert.Equal(t, types.AgentAlive, a.Status)

	// The image placement index reflects the report.
	agents, err := env.rdb.SMembers(ctx, imageAgentsKey+"python:3.12").Result()
	require.NoError(t, err)
	assert.Contains(t, agents, "i-001")

	require.NoError(t, env.reg.MarkAgentTerminated(ctx, "i-001", types.AgentReasonLost))
	a, err = env.store.GetAgent(ctx, "i-001")
	require.NoError(t, err)
	assert.Equal(t, types.AgentLost, a.Status)
	require.NotNil(t, a.LostAt)

	require.NoError(t, env.reg.HandleHeartbeat(ctx, "i-001", info))
	a, err = env.store.GetAgent(ctx, "i-001")
	require.NoError(t, err)
	assert.Equal(t, types.AgentAlive, a.Status)

	started := env.recorder.byName(events.NameAgentStarted)
	require.NotEmpty(t, started)
	last := started[len(started)-1].(events.AgentStarted)
	assert.Equal(t, types.AgentReasonRevived, last.Reason)
}

func TestSweepProducesAgentLostAfterTimeout(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	info := events.AgentInfo{
		Address:        "10.0.0.6:6001",
		ScalingGroup:   "default",
		Architecture:   "x86_64",
		AvailableSlots: map[string]string{"cpu": "8", "mem": "32768"},
	}
	require.NoError(t, env.reg.HandleHeartbeat(ctx, "i-002", info))

	// Age the recorded heartbeat past the lost timeout.
	stale := time.Now().Add(-2 * env.reg.cfg.AgentLostTimeout).Unix()
	require.NoError(t, env.rdb.HSet(ctx, livenessKey, "i-002",
		stale).Err())

	require.NoError(t, env.reg.SweepAgentLiveness(ctx))

	terminated := env.recorder.byName(events.NameAgentTerminated)
	require.Len(t, terminated, 1)
	assert.Equal(t, types.AgentReasonLost,
		terminated[0].(events.AgentTerminated).Reason)
}

func TestImagePullFailureCancelsSession(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.reg.CreateSession(ctx, createRequest("pull-fail"))
	require.NoError(t, err)

	_, err = env.store.Pool().Exec(ctx, `
		INSERT INTO agents (id, address, scaling_group, status, available_slots)
		VALUES ('i-001', '10.0.0.5:6001', 'default', 'ALIVE', '{"cpu":"16","mem":"65536"}')`)
	require.NoError(t, err)
	_, err = env.store.Pool().Exec(ctx, `
		UPDATE sessions SET status = 'PULLING' WHERE id = $1`, res.SessionID)
	require.NoError(t, err)
	_, err = env.store.Pool().Exec(ctx, `
		UPDATE kernels SET status = 'PULLING', agent = 'i-001' WHERE session_id = $1`,
		res.SessionID)
	require.NoError(t, err)

	err = env.reg.bulkMoveKernels(ctx, "i-001", "python:3.12",
		[]types.KernelStatus{types.KernelPreparing, types.KernelPulling},
		types.KernelCancelled, types.ReasonImagePullFailed)
	require.NoError(t, err)

	sess, err := env.store.GetSession(ctx, res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionCancelled, sess.Status)
	assert.Equal(t, string(types.ReasonImagePullFailed), sess.StatusInfo)

	cancelled := env.recorder.byName(events.NameSessionCancelled)
	require.Len(t, cancelled, 1)
}

func TestRecalcResourceUsageIsAFixedPoint(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.Pool().Exec(ctx, `
		INSERT INTO agents (id, address, scaling_group, status, available_slots, occupied_slots)
		VALUES ('i-001', '10.0.0.5:6001', 'default', 'ALIVE',
			'{"cpu":"16","mem":"65536"}', '{"cpu":"999","mem":"999"}')`)
	require.NoError(t, err)

	res, err := env.reg.CreateSession(ctx, createRequest("occupant"))
	require.NoError(t, err)
	_, err = env.store.Pool().Exec(ctx, `
		UPDATE sessions SET status = 'RUNNING' WHERE id = $1`, res.SessionID)
	require.NoError(t, err)
	_, err = env.store.Pool().Exec(ctx, `
		UPDATE kernels SET status = 'RUNNING', agent = 'i-001',
			occupied_slots = '{"cpu":"2","mem":"4096"}'
		WHERE session_id = $1`, res.SessionID)
	require.NoError(t, err)

	require.NoError(t, env.reg.RecalcResourceUsage(ctx))

	a, err := env.store.GetAgent(ctx, "i-001")
	require.NoError(t, err)
	want := types.MustResourceSlot(map[string]string{"cpu": "2", "mem": "4096"})
	assert.True(t, want.Equal(a.OccupiedSlots), "occupied %v", a.OccupiedSlots)

	// The concurrency counter is rebuilt from live sessions.
	count, err := env.rdb.Get(ctx, "keypair.concurrency_used.AKTEST").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Running it again changes nothing.
	require.NoError(t, env.reg.RecalcResourceUsage(ctx))
	a2, err := env.store.GetAgent(ctx, "i-001")
	require.NoError(t, err)
	assert.True(t, a.OccupiedSlots.Equal(a2.OccupiedSlots))
}
