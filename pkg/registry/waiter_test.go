package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaiterSignalDeliversOnce(t *testing.T) {
	reg := NewWaiterRegistry(time.Minute)
	ch, cancel := reg.Register("c-1")
	defer cancel()

	reg.Signal("c-1", WaitResult{SessionID: "s-1", Status: "RUNNING"})
	// The second signal must be dropped, not block or panic.
	reg.Signal("c-1", WaitResult{SessionID: "s-1", Status: "TERMINATED"})

	select {
	case res := <-ch:
		assert.Equal(t, "s-1", res.SessionID)
		assert.Equal(t, "RUNNING", res.Status)
	default:
		t.Fatal("expected a buffered result")
	}
	select {
	case res := <-ch:
		t.Fatalf("unexpected second delivery: %+v", res)
	default:
	}
}

func TestWaiterSignalWithoutWaiterIsDropped(t *testing.T) {
	reg := NewWaiterRegistry(time.Minute)
	reg.Signal("nobody", WaitResult{Status: "RUNNING"})
	reg.Signal("", WaitResult{Status: "RUNNING"})
}

func TestWaiterCancelRemovesEntry(t *testing.T) {
	reg := NewWaiterRegistry(time.Minute)
	ch, cancel := reg.Register("c-2")
	cancel()

	reg.Signal("c-2", WaitResult{Status: "RUNNING"})
	select {
	case res := <-ch:
		t.Fatalf("delivery after cancel: %+v", res)
	default:
	}
}

func TestWaiterSweepDropsExpired(t *testing.T) {
	reg := NewWaiterRegistry(time.Nanosecond)
	_, cancel := reg.Register("old")
	defer cancel()

	time.Sleep(time.Millisecond)
	require.Equal(t, 1, reg.Sweep())
	assert.Equal(t, 0, reg.Sweep())
}
