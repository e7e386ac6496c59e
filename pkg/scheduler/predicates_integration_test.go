package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
	testdb "github.com/peregrinehq/peregrine/test/database"
)

func seedPredicateFixtures(t *testing.T, st *store.Store) {
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
	}
	for _, stmt := range stmts {
		_, err := st.Pool().Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

func pendingSession(id string) *models.Session {
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
		Status:       types.SessionPending,
		Result:       types.ResultUndefined,
		RequestedSlots: types.MustResourceSlot(map[string]string{
			"cpu": "2", "mem": "4096",
		}),
		NetworkType: types.NetworkVolatile,
	}
}

func defaultPolicy() *models.ResourcePolicy {
	return &models.ResourcePolicy{
		Name:                      "default",
		MaxConcurrentSessions:     30,
		MaxConcurrentSFTPSessions: 10,
		MaxContainersPerSession:   1,
	}
}

func findResult(results []PredicateResult, name string) PredicateResult {
	for _, r := range results {
		if r.Name == name {
			return r
		}
	}
	return PredicateResult{}
}

func TestDependencyPredicateGatesUntilSuccess(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	rdb := testdb.NewTestRedis(t)
	seedPredicateFixtures(t, st)
	ctx := context.Background()

	dep := pendingSession("s-prep")
	dep.Status = types.SessionRunning
	require.NoError(t, st.InsertSession(ctx, dep))

	sess := pendingSession("s-train")
	require.NoError(t, st.InsertSession(ctx, sess))
	require.NoError(t, st.InsertSessionDependencies(ctx, sess.ID, []string{dep.ID}))

	preds := NewPredicates(st, NewConcurrencyTracker(rdb))

	results, ok, rollback, err := preds.Check(ctx, sess, defaultPolicy())
	require.NoError(t, err)
	assert.False(t, ok)
	depResult := findResult(results, PredDependencies)
	assert.False(t, depResult.Passed)
	assert.Contains(t, depResult.Msg, dep.ID)
	rollback(ctx)

	// The dependency finishing with SUCCESS unblocks the session.
	_, err = st.Pool().Exec(ctx,
		`UPDATE sessions SET status = 'TERMINATED', result = 'SUCCESS' WHERE id = $1`,
		dep.ID)
	require.NoError(t, err)

	results, ok, rollback, err = preds.Check(ctx, sess, defaultPolicy())
	require.NoError(t, err)
	assert.True(t, ok, "results: %+v", results)
	rollback(ctx)
}

func TestConcurrencyPredicateEnforcesLimit(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	st := testdb.NewTestStore(t)
	rdb := testdb.NewTestRedis(t)
	seedPredicateFixtures(t, st)
	ctx := context.Background()

	sess := pendingSession("s-1")
	require.NoError(t, st.InsertSession(ctx, sess))

	policy := defaultPolicy()
	policy.MaxConcurrentSessions = 1
	preds := NewPredicates(st, NewConcurrencyTracker(rdb))

	_, ok, _, err := preds.Check(ctx, sess, policy)
	require.NoError(t, err)
	assert.True(t, ok)

	// The first pass holds the only unit; a second admission attempt fails
	// on the concurrency predicate.
	results, ok, rollback, err := preds.Check(ctx, sess, policy)
	require.NoError(t, err)
	assert.False(t, ok)
	conc := findResult(results, PredConcurrency)
	assert.False(t, conc.Passed)
	assert.Contains(t, conc.Msg, "more than 1 concurrent")
	rollback(ctx)

	// Rollback of the failed attempt must not release the held unit.
	count, err := rdb.Get(ctx, "keypair.concurrency_used.AKTEST").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConcurrencyTrackerRebuildZeroesStaleKeys(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	rdb := testdb.NewTestRedis(t)
	ctx := context.Background()
	tracker := NewConcurrencyTracker(rdb)

	ok, count, err := tracker.CheckAndIncrement(ctx, "AKSTALE", 10, false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, count)

	require.NoError(t, tracker.Rebuild(ctx,
		map[string]int{"AKLIVE": 2}, map[string]int{}))

	live, err := rdb.Get(ctx, "keypair.concurrency_used.AKLIVE").Int()
	require.NoError(t, err)
	assert.Equal(t, 2, live)

	stale, err := rdb.Get(ctx, "keypair.concurrency_used.AKSTALE").Int()
	require.NoError(t, err)
	assert.Equal(t, 0, stale)
}
