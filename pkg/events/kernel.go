package events

import "github.com/peregrinehq/peregrine/pkg/types"

// Kernel lifecycle event names.
const (
	NameKernelPreparing   = "kernel_preparing"
	NameKernelPulling     = "kernel_pulling"
	NameKernelCreating    = "kernel_creating"
	NameKernelStarted     = "kernel_started"
	NameKernelCancelled   = "kernel_cancelled"
	NameKernelTerminating = "kernel_terminating"
	NameKernelTerminated  = "kernel_terminated"
)

// KernelPreparing is emitted by an agent when it begins preparing a kernel.
type KernelPreparing struct {
	KernelID  string
	SessionID string
	Reason    types.LifecycleReason
}

func (KernelPreparing) Name() string { return NameKernelPreparing }
func (e KernelPreparing) Args() []any {
	return []any{e.KernelID, e.SessionID, string(e.Reason)}
}

// KernelPulling is emitted by an agent when an image pull begins for a kernel.
type KernelPulling struct {
	KernelID  string
	SessionID string
	Reason    types.LifecycleReason
}

func (KernelPulling) Name() string { return NameKernelPulling }
func (e KernelPulling) Args() []any {
	return []any{e.KernelID, e.SessionID, string(e.Reason)}
}

// KernelCreating is emitted by an agent when the container create call starts.
type KernelCreating struct {
	KernelID  string
	SessionID string
	Reason    types.LifecycleReason
}

func (KernelCreating) Name() string { return NameKernelCreating }
func (e KernelCreating) Args() []any {
	return []any{e.KernelID, e.SessionID, string(e.Reason)}
}

// KernelStarted carries the container's creation info (allocated slots,
// ports, container id, kernel host) alongside the transition.
type KernelStarted struct {
	KernelID     string
	SessionID    string
	Reason       types.LifecycleReason
	CreationInfo map[string]any
}

func (KernelStarted) Name() string { return NameKernelStarted }
func (e KernelStarted) Args() []any {
	return []any{e.KernelID, e.SessionID, string(e.Reason), e.CreationInfo}
}

// KernelCancelled is emitted when a kernel is cancelled before it ran.
type KernelCancelled struct {
	KernelID  string
	SessionID string
	Reason    types.LifecycleReason
}

func (KernelCancelled) Name() string { return NameKernelCancelled }
func (e KernelCancelled) Args() []any {
	return []any{e.KernelID, e.SessionID, string(e.Reason)}
}

// KernelTerminating is emitted when a kernel teardown begins.
type KernelTerminating struct {
	KernelID  string
	SessionID string
	Reason    types.LifecycleReason
}

func (KernelTerminating) Name() string { return NameKernelTerminating }
func (e KernelTerminating) Args() []any {
	return []any{e.KernelID, e.SessionID, string(e.Reason)}
}

// KernelTerminated is emitted once the container is gone.
type KernelTerminated struct {
	KernelID  string
	SessionID string
	Reason    types.LifecycleReason
	ExitCode  int64
}

func (KernelTerminated) Name() string { return NameKernelTerminated }
func (e KernelTerminated) Args() []any {
	return []any{e.KernelID, e.SessionID, string(e.Reason), e.ExitCode}
}

func init() {
	register(NameKernelPreparing, func(args []any) (Event, error) {
		return KernelPreparing{
			KernelID:  argString(args, 0),
			SessionID: argString(args, 1),
			Reason:    types.LifecycleReason(argString(args, 2)),
		}, nil
	})
	register(NameKernelPulling, func(args []any) (Event, error) {
		return KernelPulling{
			KernelID:  argString(args, 0),
			SessionID: argString(args, 1),
			Reason:    types.LifecycleReason(argString(args, 2)),
		}, nil
	})
	register(NameKernelCreating, func(args []any) (Event, error) {
		return KernelCreating{
			KernelID:  argString(args, 0),
			SessionID: argString(args, 1),
			Reason:    types.LifecycleReason(argString(args, 2)),
		}, nil
	})
	register(NameKernelStarted, func(args []any) (Event, error) {
		return KernelStarted{
			KernelID:     argString(args, 0),
			SessionID:    argString(args, 1),
			Reason:       types.LifecycleReason(argString(args, 2)),
			CreationInfo: argMap(args, 3),
		}, nil
	})
	register(NameKernelCancelled, func(args []any) (Event, error) {
		return KernelCancelled{
			KernelID:  argString(args, 0),
			SessionID: argString(args, 1),
			Reason:    types.LifecycleReason(argString(args, 2)),
		}, nil
	})
	register(NameKernelTerminating, func(args []any) (Event, error) {
		return KernelTerminating{
			KernelID:  argString(args, 0),
			SessionID: argString(args, 1),
			Reason:    types.LifecycleReason(argString(args, 2)),
		}, nil
	})
	register(NameKernelTerminated, func(args []any) (Event, error) {
		return KernelTerminated{
			KernelID:  argString(args, 0),
			SessionID: argString(args, 1),
			Reason:    types.LifecycleReason(argString(args, 2)),
			ExitCode:  argInt(args, 3),
		}, nil
	})
}
