package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplySchedulerTrailFailure(t *testing.T) {
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	results := []PredicateResult{
		{Name: PredConcurrency, Passed: true},
		{Name: PredKeypairQuota, Msg: "Your keypair resource quota is exceeded. (cpu=8, mem=16g)"},
	}

	data, retries := ApplySchedulerTrail(nil, results, false, now)
	assert.Equal(t, 1, retries)

	trail := data["scheduler"].(map[string]any)
	assert.Equal(t, 1, trail["retries"])
	assert.Equal(t, now.Format(time.RFC3339Nano), trail["last_try"])

	failed := trail["failed_predicates"].([]any)
	require.Len(t, failed, 1)
	entry := failed[0].(map[string]any)
	assert.Equal(t, PredKeypairQuota, entry["name"])
	assert.Contains(t, entry["msg"], "cpu=8")

	passed := trail["passed_predicates"].([]any)
	require.Len(t, passed, 1)
}

func TestApplySchedulerTrailRetriesAccumulateAndReset(t *testing.T) {
	now := time.Now()
	fail := []PredicateResult{{Name: PredDependencies, Msg: "waiting"}}

	data, retries := ApplySchedulerTrail(nil, fail, false, now)
	assert.Equal(t, 1, retries)
	data, retries = ApplySchedulerTrail(data, fail, false, now)
	assert.Equal(t, 2, retries)

	pass := []PredicateResult{{Name: PredDependencies, Passed: true}}
	_, retries = ApplySchedulerTrail(data, pass, true, now)
	assert.Equal(t, 0, retries)
}

func TestApplySchedulerTrailReadsJSONNumbers(t *testing.T) {
	// Retries round-tripped through JSONB come back as float64.
	data := map[string]any{"scheduler": map[string]any{"retries": float64(4)}}
	_, retries := ApplySchedulerTrail(data, []PredicateResult{{Name: PredConcurrency, Msg: "full"}}, false, time.Now())
	assert.Equal(t, 5, retries)
}
