// Package lifecycle implements the kernel/session finite state machine:
// legal transitions, the kernel-to-session aggregation rule, and the
// status-updatable set that drives derived session events.
package lifecycle

import (
	"fmt"
	"time"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// transitions is the shared transition table over the kernel/session status
// alphabet. ERROR keeps the two teardown exits open so operators can
// force-terminate wedged workloads.
var transitions = map[string][]string{
	types.StatusPending:     {types.StatusScheduled, types.StatusCancelled},
	types.StatusScheduled:   {types.StatusPreparing, types.StatusPulling, types.StatusCancelled, types.StatusError},
	types.StatusPreparing:   {types.StatusPulling, types.StatusPrepared, types.StatusCancelled, types.StatusError},
	types.StatusPulling:     {types.StatusPrepared, types.StatusCancelled, types.StatusError},
	types.StatusPrepared:    {types.StatusCreating, types.StatusCancelled, types.StatusError},
	types.StatusCreating:    {types.StatusRunning, types.StatusTerminating, types.StatusError},
	types.StatusRunning:     {types.StatusTerminating, types.StatusError},
	types.StatusTerminating: {types.StatusTerminated, types.StatusError},
	types.StatusTerminated:  {},
	types.StatusCancelled:   {},
	types.StatusError:       {types.StatusTerminating, types.StatusTerminated},
}

// CanTransit reports whether from → to is a legal transition. Identity
// transitions are not legal; callers treat them as no-ops before asking.
func CanTransit(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError reports an attempt to move a kernel or session
// along an edge the table does not contain.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s: %s -> %s", e.Entity, e.ID, e.From, e.To)
}

// SetKernelStatus applies a transition's bookkeeping to the kernel row in
// memory: status, status_info, the status_history timestamp, and
// terminated_at for terminal statuses. Persisting is the caller's job.
func SetKernelStatus(k *models.Kernel, status types.KernelStatus, reason types.LifecycleReason, now time.Time) {
	k.Status = status
	k.StatusInfo = string(reason)
	if k.StatusHistory == nil {
		k.StatusHistory = map[string]string{}
	}
	k.StatusHistory[string(status)] = now.UTC().Format(time.RFC3339Nano)
	if types.IsTerminalKernelStatus(status) && k.TerminatedAt == nil {
		t := now.UTC()
		k.TerminatedAt = &t
	}
}

// SetSessionStatus is SetKernelStatus for the session row.
func SetSessionStatus(s *models.Session, status types.SessionStatus, reason types.LifecycleReason, now time.Time) {
	s.Status = status
	s.StatusInfo = string(reason)
	if s.StatusHistory == nil {
		s.StatusHistory = map[string]string{}
	}
	s.StatusHistory[string(status)] = now.UTC().Format(time.RFC3339Nano)
	if types.IsTerminalSessionStatus(status) && s.TerminatedAt == nil {
		t := now.UTC()
		s.TerminatedAt = &t
	}
}
