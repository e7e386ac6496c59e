package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreationInfoFromMap(t *testing.T) {
	info := creationInfoFromMap("k-1", map[string]any{
		"container_id": "deadbeef",
		"kernel_host":  "10.0.0.5",
		"repl_in_port": int64(2000),
		"stdin_port":   float64(2002),
		"resource_spec": map[string]any{
			"allocations": map[string]any{
				"cpu-device": map[string]any{
					"cpu": map[string]any{"0": "1", "1": "1"},
				},
				"mem-device": map[string]any{
					"mem": map[string]any{"root": int64(1073741824)},
				},
			},
		},
		"service_ports": []any{
			map[string]any{
				"name":            "jupyter",
				"protocol":        "http",
				"container_ports": []any{int64(8081)},
				"host_ports":      []any{int64(30100)},
			},
		},
	})
	require.NotNil(t, info)
	assert.Equal(t, "k-1", info.KernelID)
	assert.Equal(t, "deadbeef", info.ContainerID)
	assert.Equal(t, 2000, info.ReplInPort)
	assert.Equal(t, 2002, info.StdinPort)
	assert.Equal(t, "2", info.OccupiedSlots.Get("cpu").String())
	assert.Equal(t, "1073741824", info.OccupiedSlots.Get("mem").String())
	require.Len(t, info.ServicePorts, 1)
	assert.Equal(t, "jupyter", info.ServicePorts[0].Name)
	assert.Equal(t, []int{8081}, info.ServicePorts[0].ContainerPorts)
}

func TestCreationInfoFromMapEmpty(t *testing.T) {
	assert.Nil(t, creationInfoFromMap("k-1", nil))
	assert.Nil(t, creationInfoFromMap("k-1", map[string]any{}))
}
