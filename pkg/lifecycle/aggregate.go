package lifecycle

import "github.com/peregrinehq/peregrine/pkg/types"

// Aggregate derives the session status from its kernels' statuses:
// any ERROR wins, then all-TERMINATED, all-CANCELLED, any-TERMINATING, and
// otherwise the least-advanced scheduling-progress status. A terminal kernel
// mixed into an in-progress set counts as fully advanced so the remaining
// kernels decide.
func Aggregate(statuses []types.KernelStatus) types.SessionStatus {
	if len(statuses) == 0 {
		return types.SessionPending
	}

	allTerminated := true
	allCancelled := true
	anyTerminating := false
	for _, st := range statuses {
		switch st {
		case types.KernelError:
			return types.SessionError
		case types.KernelTerminating:
			anyTerminating = true
		}
		if st != types.KernelTerminated {
			allTerminated = false
		}
		if st != types.KernelCancelled {
			allCancelled = false
		}
	}
	switch {
	case allTerminated:
		return types.SessionTerminated
	case allCancelled:
		return types.SessionCancelled
	case anyTerminating:
		return types.SessionTerminating
	}

	minIdx := -1
	for _, st := range statuses {
		idx, ok := types.StatusOrderIndex(string(st))
		if !ok {
			// TERMINATED or CANCELLED alongside live kernels: ignore.
			continue
		}
		if minIdx < 0 || idx < minIdx {
			minIdx = idx
		}
	}
	for name, idx := range statusOrderByIndex() {
		if idx == minIdx {
			return types.SessionStatus(name)
		}
	}
	return types.SessionPending
}

func statusOrderByIndex() map[string]int {
	out := map[string]int{}
	for _, name := range []string{
		types.StatusPending, types.StatusScheduled, types.StatusPreparing,
		types.StatusPulling, types.StatusPrepared, types.StatusCreating,
		types.StatusRunning,
	} {
		if idx, ok := types.StatusOrderIndex(name); ok {
			out[name] = idx
		}
	}
	return out
}
