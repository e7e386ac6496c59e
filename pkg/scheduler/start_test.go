package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

func startTestSession() *models.Session {
	return &models.Session{
		ID:          "s-1",
		Name:        "train",
		AccessKey:   "AKTEST",
		SessionType: types.SessionInteractive,
		ClusterMode: types.SingleNode,
		ClusterSize: 1,
	}
}

func startTestKernel() *models.Kernel {
	return &models.Kernel{
		ID:              "k-1",
		SessionID:       "s-1",
		ClusterRole:     types.RoleMain,
		ClusterIdx:      1,
		ClusterHostname: "main1",
		Image:           "python:3.12",
		Architecture:    "x86_64",
		RequestedSlots:  slots(map[string]string{"cpu": "2", "mem": "4294967296"}),
	}
}

func TestCreationInfoFromResultSumsAllocations(t *testing.T) {
	res := agent.KernelCreationResult{
		KernelID:    "k-1",
		ContainerID: "deadbeef",
		KernelHost:  "10.0.0.5",
		ReplInPort:  2000,
		ResourceSpec: map[string]any{
			"allocations": map[string]any{
				"cpu-device": map[string]any{
					"cpu": map[string]any{"0": "1", "1": "1"},
				},
				"mem-device": map[string]any{
					"mem": map[string]any{"root": int64(4294967296)},
				},
			},
		},
		ServicePorts: []any{
			map[string]any{
				"name":            "jupyter",
				"protocol":        "http",
				"container_ports": []any{int64(8081)},
				"host_ports":      []any{int64(30100)},
			},
		},
	}

	info := creationInfoFromResult(res)
	assert.Equal(t, "k-1", info.KernelID)
	assert.Equal(t, "deadbeef", info.ContainerID)
	require.Len(t, info.ServicePorts, 1)
	assert.Equal(t, "jupyter", info.ServicePorts[0].Name)

	want := slots(map[string]string{"cpu": "2", "mem": "4294967296"})
	assert.True(t, want.Equal(info.OccupiedSlots), "occupied %v", info.OccupiedSlots)

	// An allocation matching the request settles to a zero delta, so the
	// agent's reservation stays intact.
	k := startTestKernel()
	assert.True(t, info.OccupiedSlots.Sub(k.RequestedSlots).IsZero())
}

func TestCreationInfoFromResultWithoutAllocations(t *testing.T) {
	info := creationInfoFromResult(agent.KernelCreationResult{KernelID: "k-1"})
	assert.True(t, info.OccupiedSlots.IsZero())
}

func TestBuildKernelConfigInjectsServicePortsEnv(t *testing.T) {
	sess := startTestSession()
	k := startTestKernel()
	img := &models.Image{
		Canonical:    "python:3.12",
		Architecture: "x86_64",
		Labels: map[string]string{
			models.ImageLabelServicePorts: "jupyter:http:8081,sftp:tcp:22",
		},
	}

	cfg := buildKernelConfig(sess, k, []*models.Kernel{k}, img)
	environ := cfg["environ"].(map[string]string)
	assert.Equal(t, "jupyter:http:8081,sftp:tcp:22", environ["BACKENDAI_SERVICE_PORTS"])
	assert.Equal(t, "s-1", environ["BACKENDAI_SESSION_ID"])
	assert.Equal(t, "main1", environ["BACKENDAI_CLUSTER_HOST"])

	image := cfg["image"].(map[string]any)
	assert.Equal(t, img.Labels, image["labels"])
}

func TestBuildKernelConfigWithoutImageRow(t *testing.T) {
	sess := startTestSession()
	k := startTestKernel()

	cfg := buildKernelConfig(sess, k, []*models.Kernel{k}, nil)
	environ := cfg["environ"].(map[string]string)
	_, ok := environ["BACKENDAI_SERVICE_PORTS"]
	assert.False(t, ok)
}
