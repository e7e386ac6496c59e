package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

func TestCanTransitHappyPath(t *testing.T) {
	path := []string{
		types.StatusPending, types.StatusScheduled, types.StatusPreparing,
		types.StatusPulling, types.StatusPrepared, types.StatusCreating,
		types.StatusRunning, types.StatusTerminating, types.StatusTerminated,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransit(path[i], path[i+1]),
			"%s -> %s should be legal", path[i], path[i+1])
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	all := []string{
		types.StatusPending, types.StatusScheduled, types.StatusPreparing,
		types.StatusPulling, types.StatusPrepared, types.StatusCreating,
		types.StatusRunning, types.StatusTerminating, types.StatusTerminated,
		types.StatusCancelled, types.StatusError,
	}
	for _, to := range all {
		assert.False(t, CanTransit(types.StatusTerminated, to))
		assert.False(t, CanTransit(types.StatusCancelled, to))
	}
}

func TestErrorKeepsTeardownOpen(t *testing.T) {
	assert.True(t, CanTransit(types.StatusError, types.StatusTerminating))
	assert.True(t, CanTransit(types.StatusError, types.StatusTerminated))
	assert.False(t, CanTransit(types.StatusError, types.StatusRunning))
}

func TestNoIdentityTransitions(t *testing.T) {
	for from := range transitions {
		assert.False(t, CanTransit(from, from), "%s -> %s", from, from)
	}
}

// Every status must be reachable from PENDING, otherwise part of the
// alphabet is dead.
func TestAllStatusesReachableFromPending(t *testing.T) {
	reachable := map[string]bool{types.StatusPending: true}
	queue := []string{types.StatusPending}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}
	for status := range transitions {
		assert.True(t, reachable[status], "%s is unreachable from PENDING", status)
	}
}

func TestSetKernelStatusBookkeeping(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	k := &models.Kernel{Status: types.KernelTerminating}

	SetKernelStatus(k, types.KernelTerminated, types.ReasonUserRequested, now)

	assert.Equal(t, types.KernelTerminated, k.Status)
	assert.Equal(t, "user-requested", k.StatusInfo)
	assert.Equal(t, now.Format(time.RFC3339Nano), k.StatusHistory[types.StatusTerminated])
	require.NotNil(t, k.TerminatedAt)
	assert.Equal(t, now, *k.TerminatedAt)
}

func TestSetSessionStatusKeepsEarlierTerminatedAt(t *testing.T) {
	earlier := time.Date(2026, 8, 25, 11, 0, 0, 0, time.UTC)
	s := &models.Session{Status: types.SessionTerminating, TerminatedAt: &earlier}

	SetSessionStatus(s, types.SessionTerminated, types.ReasonUserRequested, earlier.Add(time.Hour))

	assert.Equal(t, earlier, *s.TerminatedAt)
}
