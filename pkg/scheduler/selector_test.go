package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

func slots(pairs map[string]string) types.ResourceSlot {
	return types.MustResourceSlot(pairs)
}

func testAgent(id string, available, occupied map[string]string) *models.Agent {
	return &models.Agent{
		ID:             id,
		AvailableSlots: slots(available),
		OccupiedSlots:  slots(occupied),
	}
}

func TestSelectDispersedPrefersMostHeadroom(t *testing.T) {
	sel := NewSelector(nil)
	agents := []*models.Agent{
		testAgent("i-busy", map[string]string{"cpu": "16", "mem": "68719476736"}, map[string]string{"cpu": "12", "mem": "0"}),
		testAgent("i-idle", map[string]string{"cpu": "16", "mem": "68719476736"}, map[string]string{"cpu": "2", "mem": "0"}),
	}
	requested := slots(map[string]string{"cpu": "2", "mem": "1073741824"})

	chosen, err := sel.Select(context.Background(), StrategyDispersed, "default", "x86_64", agents, requested, false)
	require.NoError(t, err)
	require.NotNil(t, chosen)
	assert.Equal(t, "i-idle", chosen.ID)
}

func TestSelectConcentratedAvoidsAcceleratorNodes(t *testing.T) {
	sel := NewSelector(nil)
	agents := []*models.Agent{
		testAgent("i-gpu", map[string]string{"cpu": "16", "mem": "68719476736", "cuda.shares": "8"}, nil),
		testAgent("i-cpu", map[string]string{"cpu": "16", "mem": "68719476736"}, nil),
	}
	requested := slots(map[string]string{"cpu": "2", "mem": "1073741824"})

	chosen, err := sel.Select(context.Background(), StrategyConcentrated, "default", "x86_64", agents, requested, false)
	require.NoError(t, err)
	require.NotNil(t, chosen)
	assert.Equal(t, "i-cpu", chosen.ID, "a CPU workload should not burn a GPU node")
}

func TestSelectTieBreakByID(t *testing.T) {
	sel := NewSelector(nil)
	agents := []*models.Agent{
		testAgent("i-bbb", map[string]string{"cpu": "8", "mem": "8589934592"}, nil),
		testAgent("i-aaa", map[string]string{"cpu": "8", "mem": "8589934592"}, nil),
	}
	requested := slots(map[string]string{"cpu": "1", "mem": "1073741824"})

	chosen, err := sel.Select(context.Background(), StrategyDispersed, "default", "x86_64", agents, requested, false)
	require.NoError(t, err)
	assert.Equal(t, "i-aaa", chosen.ID)
}

func TestSelectNoCandidateFits(t *testing.T) {
	sel := NewSelector(nil)
	agents := []*models.Agent{
		testAgent("i-small", map[string]string{"cpu": "4", "mem": "4294967296"}, map[string]string{"cpu": "3", "mem": "0"}),
	}
	requested := slots(map[string]string{"cpu": "8", "mem": "1073741824"})

	chosen, err := sel.Select(context.Background(), StrategyDispersed, "default", "x86_64", agents, requested, false)
	require.NoError(t, err)
	assert.Nil(t, chosen)
}

func TestBinPackLargestFirst(t *testing.T) {
	kernels := []*models.Kernel{
		{ID: "k-main", ClusterRole: types.RoleMain, RequestedSlots: slots(map[string]string{"cpu": "4", "mem": "4294967296"})},
		{ID: "k-sub1", ClusterRole: types.RoleSub, RequestedSlots: slots(map[string]string{"cpu": "8", "mem": "8589934592"})},
		{ID: "k-sub2", ClusterRole: types.RoleSub, RequestedSlots: slots(map[string]string{"cpu": "2", "mem": "2147483648"})},
	}
	agents := []*models.Agent{
		testAgent("i-a", map[string]string{"cpu": "10", "mem": "17179869184"}, nil),
		testAgent("i-b", map[string]string{"cpu": "8", "mem": "17179869184"}, nil),
	}

	placement, err := BinPack(kernels, agents)
	require.NoError(t, err)
	require.Len(t, placement, 3)

	// The 8-cpu kernel must land on the 10-cpu agent (most headroom), the
	// rest wherever they still fit.
	assert.Equal(t, "i-a", placement["k-sub1"].ID)
	for _, k := range kernels {
		assert.Contains(t, placement, k.ID)
	}
}

func TestBinPackReportsUnplaceableKernel(t *testing.T) {
	kernels := []*models.Kernel{
		{ID: "k-huge", RequestedSlots: slots(map[string]string{"cpu": "64", "mem": "68719476736"})},
	}
	agents := []*models.Agent{
		testAgent("i-a", map[string]string{"cpu": "16", "mem": "68719476736"}, nil),
	}

	_, err := BinPack(kernels, agents)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "k-huge")
}
