package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/peregrinehq/peregrine/pkg/types"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []types.KernelStatus
		want     types.SessionStatus
	}{
		{
			name:     "single running kernel",
			statuses: []types.KernelStatus{types.KernelRunning},
			want:     types.SessionRunning,
		},
		{
			name:     "any error wins",
			statuses: []types.KernelStatus{types.KernelRunning, types.KernelError, types.KernelTerminated},
			want:     types.SessionError,
		},
		{
			name:     "all terminated",
			statuses: []types.KernelStatus{types.KernelTerminated, types.KernelTerminated},
			want:     types.SessionTerminated,
		},
		{
			name:     "all cancelled",
			statuses: []types.KernelStatus{types.KernelCancelled, types.KernelCancelled},
			want:     types.SessionCancelled,
		},
		{
			name:     "any terminating",
			statuses: []types.KernelStatus{types.KernelRunning, types.KernelTerminating},
			want:     types.SessionTerminating,
		},
		{
			name:     "least advanced kernel decides",
			statuses: []types.KernelStatus{types.KernelRunning, types.KernelPulling, types.KernelCreating},
			want:     types.SessionPulling,
		},
		{
			name:     "one kernel still pending",
			statuses: []types.KernelStatus{types.KernelScheduled, types.KernelPending},
			want:     types.SessionPending,
		},
		{
			name:     "terminated sibling ignored while others run",
			statuses: []types.KernelStatus{types.KernelTerminated, types.KernelRunning},
			want:     types.SessionRunning,
		},
		{
			name:     "cancelled mixed with terminated is terminating-free terminated-free mix",
			statuses: []types.KernelStatus{types.KernelCancelled, types.KernelRunning},
			want:     types.SessionRunning,
		},
		{
			name:     "no kernels defaults to pending",
			statuses: nil,
			want:     types.SessionPending,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Aggregate(tt.statuses))
		})
	}
}

// A three-kernel cluster where the main kernel starts last: the session must
// stay CREATING until every kernel reports RUNNING.
func TestAggregateMultiNodeStartOrder(t *testing.T) {
	statuses := []types.KernelStatus{types.KernelCreating, types.KernelRunning, types.KernelRunning}
	assert.Equal(t, types.SessionCreating, Aggregate(statuses))

	statuses[0] = types.KernelRunning
	assert.Equal(t, types.SessionRunning, Aggregate(statuses))
}
