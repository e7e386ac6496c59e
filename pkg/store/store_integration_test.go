package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
	testdb "github.com/peregrinehq/peregrine/test/database"
)

// seedFixtures inserts the reference rows sessions and agents depend on:
// one domain, project, user, resource policy, keypair, and scaling group.
func seedFixtures(t *testing.T, st *store.Store) {
	t.Helper()
	ctx := context.Background()
	pool := st.Pool()

	stmts := []string{
		`INSERT INTO domains (name) VALUES ('default')`,
		`INSERT INTO projects (id, name, domain) VALUES ('proj-1', 'research', 'default')`,
		`INSERT INTO users (uuid, email, username, domain)
		 VALUES ('u-1', 'alice@example.com', 'alice', 'default')`,
		`INSERT INTO keypair_resource_policies (name) VALUES ('default')`,
		`INSERT INTO keypairs (access_key, user_uuid, resource_policy)
		 VALUES ('AKTEST', 'u-1', 'default')`,
		`INSERT INTO scaling_groups (name) VALUES ('default')`,
	}
	for _, stmt := range stmts {
		_, err := pool.Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

func testSession(id string, status types.SessionStatus) *models.Session {
	return &models.Session{
		ID:           id,
		CreationID:   "c-" + id,
		Name:         "sess-" + id,
		AccessKey:    "AKTEST",
		Domain:       "default",
		Project:      "proj-1",
		ScalingGroup: "default",
		SessionType:  types.SessionInteractive,
		ClusterMode:  types.SingleNode,
		ClusterSize:  1,
		Priority:     10,
		Status:       status,
		Result:       types.ResultUndefined,
		Images:       []string{"python:3.12"},
		RequestedSlots: types.MustResourceSlot(map[string]string{
			"cpu": "2", "mem": "4096",
		}),
		NetworkType: types.NetworkVolatile,
	}
}

func TestSessionRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	sess := testSession("s-1", types.SessionPending)
	sess.Environ = map[string]string{"LANG": "C.UTF-8"}
	sess.VFolderMounts = []models.VFolderMount{
		{VFolderID: "vf-1", Name: "data", Host: "local", MountPath: "/home/work/data"},
	}
	require.NoError(t, st.InsertSession(ctx, sess))

	got, err := st.GetSession(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, sess.Name, got.Name)
	assert.Equal(t, types.SessionPending, got.Status)
	assert.True(t, sess.RequestedSlots.Equal(got.RequestedSlots))
	assert.Equal(t, sess.Environ, got.Environ)
	require.Len(t, got.VFolderMounts, 1)
	assert.Equal(t, "/home/work/data", got.VFolderMounts[0].MountPath)

	_, err = st.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNoRows)
}

func TestFindActiveSessionByNameSkipsTerminal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	old := testSession("s-old", types.SessionTerminated)
	old.Name = "train"
	require.NoError(t, st.InsertSession(ctx, old))

	_, err := st.FindActiveSessionByName(ctx, "AKTEST", "train")
	assert.ErrorIs(t, err, store.ErrNoRows)

	active := testSession("s-new", types.SessionRunning)
	active.Name = "train"
	require.NoError(t, st.InsertSession(ctx, active))

	found, err := st.FindActiveSessionByName(ctx, "AKTEST", "train")
	require.NoError(t, err)
	assert.Equal(t, "s-new", found.ID)
}

func TestPendingQueueOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	low := testSession("s-low", types.SessionPending)
	low.Priority = 5
	high := testSession("s-high", types.SessionPending)
	high.Priority = 20
	require.NoError(t, st.InsertSession(ctx, low))
	require.NoError(t, st.InsertSession(ctx, high))

	queue, err := st.ListSessionsByStatus(ctx, "default", types.SessionPending)
	require.NoError(t, err)
	require.Len(t, queue, 2)
	assert.Equal(t, "s-high", queue[0].ID)
	assert.Equal(t, "s-low", queue[1].ID)
}

func TestKernelInsertAndMainFirstOrder(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	sess := testSession("s-1", types.SessionPending)
	sess.ClusterSize = 2
	require.NoError(t, st.InsertSession(ctx, sess))

	kernels := []*models.Kernel{
		{
			ID: "k-sub", SessionID: "s-1", ClusterRole: types.RoleSub,
			ClusterIdx: 2, ClusterHostname: "sub2", Image: "python:3.12",
			Architecture: "x86_64", Status: types.KernelPending,
		},
		{
			ID: "k-main", SessionID: "s-1", ClusterRole: types.RoleMain,
			ClusterIdx: 1, ClusterHostname: "main1", Image: "python:3.12",
			Architecture: "x86_64", Status: types.KernelPending,
		},
	}
	require.NoError(t, st.InsertKernels(ctx, kernels))

	listed, err := st.ListKernelsBySession(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "k-main", listed[0].ID)
	assert.Empty(t, listed[0].AgentID)

	main, err := st.GetMainKernel(ctx, "s-1")
	require.NoError(t, err)
	assert.Equal(t, "k-main", main.ID)
}

func TestAgentOccupancy(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	a := &models.Agent{
		ID:           "i-001",
		Address:      "10.0.0.5:6001",
		ScalingGroup: "default",
		Status:       types.AgentAlive,
		Architecture: "x86_64",
		AvailableSlots: types.MustResourceSlot(map[string]string{
			"cpu": "16", "mem": "65536",
		}),
		OccupiedSlots: types.ResourceSlot{},
	}
	require.NoError(t, st.InsertAgent(ctx, a))

	delta := types.MustResourceSlot(map[string]string{"cpu": "4", "mem": "8192"})
	require.NoError(t, st.AddAgentOccupied(ctx, "i-001", delta))

	got, err := st.GetAgent(ctx, "i-001")
	require.NoError(t, err)
	assert.True(t, delta.Equal(got.OccupiedSlots), "occupied %v", got.OccupiedSlots)

	free := got.FreeSlots()
	assert.Equal(t, "12", free.Get("cpu").String())
}

func TestCountByStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	require.NoError(t, st.InsertSession(ctx, testSession("s-1", types.SessionPending)))
	require.NoError(t, st.InsertSession(ctx, testSession("s-2", types.SessionPending)))
	require.NoError(t, st.InsertSession(ctx, testSession("s-3", types.SessionRunning)))

	counts, err := st.CountSessionsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[types.SessionPending])
	assert.Equal(t, 1, counts[types.SessionRunning])
	assert.Zero(t, counts[types.SessionTerminated])

	agentCounts, err := st.CountAgentsByStatus(ctx)
	require.NoError(t, err)
	assert.Empty(t, agentCounts)
}

func TestSessionDependencies(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	require.NoError(t, st.InsertSession(ctx, testSession("s-prep", types.SessionTerminated)))
	require.NoError(t, st.InsertSession(ctx, testSession("s-train", types.SessionPending)))
	require.NoError(t, st.InsertSessionDependencies(ctx, "s-train", []string{"s-prep"}))

	deps, err := st.ListDependencySessions(ctx, "s-train")
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "s-prep", deps[0].ID)
}

func TestSumOccupiedSlotsByAccessKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	running := testSession("s-run", types.SessionRunning)
	running.OccupiedSlots = types.MustResourceSlot(map[string]string{"cpu": "2", "mem": "4096"})
	require.NoError(t, st.InsertSession(ctx, running))

	// TERMINATED sessions no longer count against the user's quota.
	done := testSession("s-done", types.SessionTerminated)
	done.OccupiedSlots = types.MustResourceSlot(map[string]string{"cpu": "8", "mem": "16384"})
	require.NoError(t, st.InsertSession(ctx, done))

	total, err := st.SumOccupiedSlots(ctx, store.OccupancyScope{AccessKey: "AKTEST"})
	require.NoError(t, err)
	assert.Equal(t, "2", total.Get("cpu").String())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	seedFixtures(t, st)
	ctx := context.Background()

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		if err := q.InsertSession(ctx, testSession("s-tx", types.SessionPending)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = st.GetSession(ctx, "s-tx")
	assert.ErrorIs(t, err, store.ErrNoRows)
}
