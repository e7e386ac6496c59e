package events

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/peregrinehq/peregrine/pkg/types"
)

func TestEventRoundTrip(t *testing.T) {
	sid := uuid.New().String()
	kid := uuid.New().String()

	tests := []Event{
		SessionEnqueued{SessionID: sid, CreationID: "c-1"},
		SessionScheduled{SessionID: sid, CreationID: "c-1"},
		SessionPreparing{SessionID: sid, CreationID: "c-1"},
		SessionStarted{SessionID: sid, CreationID: "c-1"},
		SessionCancelled{SessionID: sid, CreationID: "c-1", Reason: types.ReasonImagePullFailed},
		SessionTerminating{SessionID: sid, Reason: types.ReasonUserRequested},
		SessionTerminated{SessionID: sid, Reason: types.ReasonForceTerminated},
		SessionSuccess{SessionID: sid, Reason: types.ReasonTaskFinished, ExitCode: 0},
		SessionFailure{SessionID: sid, Reason: types.ReasonTaskFailed, ExitCode: 137},
		KernelPreparing{KernelID: kid, SessionID: sid},
		KernelPulling{KernelID: kid, SessionID: sid, Reason: "pulling"},
		KernelCreating{KernelID: kid, SessionID: sid},
		KernelCancelled{KernelID: kid, SessionID: sid, Reason: types.ReasonImagePullFailed},
		KernelTerminating{KernelID: kid, SessionID: sid, Reason: types.ReasonUserRequested},
		KernelTerminated{KernelID: kid, SessionID: sid, Reason: types.ReasonTaskFinished, ExitCode: 0},
		ImagePullStarted{Image: "python:3.9", Architecture: "x86_64", AgentID: "i-01", Timestamp: 1700000000.25},
		ImagePullFinished{Image: "python:3.9", Architecture: "x86_64", AgentID: "i-01", Timestamp: 1700000001.5, Message: "ok"},
		ImagePullFailed{Image: "python:3.9", Architecture: "x86_64", AgentID: "i-01", Message: "not found"},
		AgentStarted{Reason: "revived"},
		AgentTerminated{Reason: "agent-lost"},
		DoSchedule{},
		DoCheckPrecondition{},
		DoStartSession{},
		DoTerminateSession{SessionID: sid, Reason: types.ReasonKilledByEvent},
		DoSyncKernelLogs{KernelID: kid, ContainerID: "deadbeef"},
		RouteCreated{EndpointID: uuid.New().String(), RouteID: uuid.New().String()},
		BgtaskUpdated{TaskID: "t-1", Current: 3, Total: 7, Message: "pulling layer"},
		BgtaskDone{TaskID: "t-1", Message: "done"},
		BgtaskFailed{TaskID: "t-2", Message: "boom"},
	}

	for _, ev := range tests {
		t.Run(ev.Name(), func(t *testing.T) {
			data, err := Marshal(ev)
			require.NoError(t, err)

			decoded, err := Unmarshal(ev.Name(), data)
			require.NoError(t, err)
			assert.Equal(t, ev, decoded)
		})
	}
}

func TestKernelStartedRoundTripCreationInfo(t *testing.T) {
	ev := KernelStarted{
		KernelID:  uuid.New().String(),
		SessionID: uuid.New().String(),
		Reason:    "",
		CreationInfo: map[string]any{
			"container_id": "cafebabe",
			"kernel_host":  "10.0.0.5",
			"repl_in_port": int64(2000),
		},
	}
	data, err := Marshal(ev)
	require.NoError(t, err)

	decoded, err := Unmarshal(ev.Name(), data)
	require.NoError(t, err)

	got, ok := decoded.(KernelStarted)
	require.True(t, ok)
	assert.Equal(t, ev.KernelID, got.KernelID)
	assert.Equal(t, "cafebabe", got.CreationInfo["container_id"])
	assert.Equal(t, "10.0.0.5", got.CreationInfo["kernel_host"])
	assert.EqualValues(t, 2000, got.CreationInfo["repl_in_port"])
}

func TestAgentHeartbeatRoundTrip(t *testing.T) {
	ev := AgentHeartbeat{Info: AgentInfo{
		Address:        "10.0.0.5:6001",
		PublicKey:      "pubkey-1",
		ScalingGroup:   "default",
		Architecture:   "x86_64",
		Version:        "24.03",
		AvailableSlots: map[string]string{"cpu": "8", "mem": "34359738368"},
		Images:         []string{"python:3.9", "golang:1.25"},
	}}

	data, err := Marshal(ev)
	require.NoError(t, err)

	decoded, err := Unmarshal(ev.Name(), data)
	require.NoError(t, err)

	got, ok := decoded.(AgentHeartbeat)
	require.True(t, ok)
	assert.Equal(t, ev.Info, got.Info)
}

// Older producers may send shorter tuples; decoders fill missing fields
// with zero values instead of failing.
func TestUnmarshalShorterTuple(t *testing.T) {
	data, err := msgpack.Marshal([]any{"sess-1"})
	require.NoError(t, err)

	decoded, err := Unmarshal(NameSessionTerminated, data)
	require.NoError(t, err)

	got, ok := decoded.(SessionTerminated)
	require.True(t, ok)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, types.ReasonUnknown, got.Reason)
}

func TestUnmarshalUnknownEvent(t *testing.T) {
	data, err := msgpack.Marshal([]any{"x"})
	require.NoError(t, err)

	_, err = Unmarshal("no_such_event", data)
	assert.Error(t, err)
}

func TestKnown(t *testing.T) {
	assert.True(t, Known(NameSessionEnqueued))
	assert.True(t, Known(NameAgentHeartbeat))
	assert.False(t, Known("definitely_not_registered"))
}
