package events

import "github.com/peregrinehq/peregrine/pkg/types"

// Session lifecycle event names.
const (
	NameSessionEnqueued    = "session_enqueued"
	NameSessionScheduled   = "session_scheduled"
	NameSessionPreparing   = "session_preparing"
	NameSessionStarted     = "session_started"
	NameSessionCancelled   = "session_cancelled"
	NameSessionTerminating = "session_terminating"
	NameSessionTerminated  = "session_terminated"
	NameSessionSuccess     = "session_success"
	NameSessionFailure     = "session_failure"
)

// SessionEnqueued announces a freshly persisted PENDING session.
type SessionEnqueued struct {
	SessionID  string
	CreationID string
}

func (SessionEnqueued) Name() string  { return NameSessionEnqueued }
func (e SessionEnqueued) Args() []any { return []any{e.SessionID, e.CreationID} }

// SessionScheduled announces that agents were assigned to every kernel.
type SessionScheduled struct {
	SessionID  string
	CreationID string
}

func (SessionScheduled) Name() string  { return NameSessionScheduled }
func (e SessionScheduled) Args() []any { return []any{e.SessionID, e.CreationID} }

// SessionPreparing announces the start of the image-preparation phase.
type SessionPreparing struct {
	SessionID  string
	CreationID string
}

func (SessionPreparing) Name() string  { return NameSessionPreparing }
func (e SessionPreparing) Args() []any { return []any{e.SessionID, e.CreationID} }

// SessionStarted announces that all kernels reached RUNNING.
type SessionStarted struct {
	SessionID  string
	CreationID string
}

func (SessionStarted) Name() string  { return NameSessionStarted }
func (e SessionStarted) Args() []any { return []any{e.SessionID, e.CreationID} }

// SessionCancelled announces a session that never reached RUNNING.
type SessionCancelled struct {
	SessionID  string
	CreationID string
	Reason     types.LifecycleReason
}

func (SessionCancelled) Name() string { return NameSessionCancelled }
func (e SessionCancelled) Args() []any {
	return []any{e.SessionID, e.CreationID, string(e.Reason)}
}

// SessionTerminating announces the start of a session teardown.
type SessionTerminating struct {
	SessionID string
	Reason    types.LifecycleReason
}

func (SessionTerminating) Name() string  { return NameSessionTerminating }
func (e SessionTerminating) Args() []any { return []any{e.SessionID, string(e.Reason)} }

// SessionTerminated announces that every kernel released its resources.
type SessionTerminated struct {
	SessionID string
	Reason    types.LifecycleReason
}

func (SessionTerminated) Name() string  { return NameSessionTerminated }
func (e SessionTerminated) Args() []any { return []any{e.SessionID, string(e.Reason)} }

// SessionSuccess reports a BATCH workload that exited zero.
type SessionSuccess struct {
	SessionID string
	Reason    types.LifecycleReason
	ExitCode  int64
}

func (SessionSuccess) Name() string { return NameSessionSuccess }
func (e SessionSuccess) Args() []any {
	return []any{e.SessionID, string(e.Reason), e.ExitCode}
}

// SessionFailure reports a BATCH workload that exited non-zero.
type SessionFailure struct {
	SessionID string
	Reason    types.LifecycleReason
	ExitCode  int64
}

func (SessionFailure) Name() string { return NameSessionFailure }
func (e SessionFailure) Args() []any {
	return []any{e.SessionID, string(e.Reason), e.ExitCode}
}

func init() {
	register(NameSessionEnqueued, func(args []any) (Event, error) {
		return SessionEnqueued{
			SessionID:  argString(args, 0),
			CreationID: argString(args, 1),
		}, nil
	})
	register(NameSessionScheduled, func(args []any) (Event, error) {
		return SessionScheduled{
			SessionID:  argString(args, 0),
			CreationID: argString(args, 1),
		}, nil
	})
	register(NameSessionPreparing, func(args []any) (Event, error) {
		return SessionPreparing{
			SessionID:  argString(args, 0),
			CreationID: argString(args, 1),
		}, nil
	})
	register(NameSessionStarted, func(args []any) (Event, error) {
		return SessionStarted{
			SessionID:  argString(args, 0),
			CreationID: argString(args, 1),
		}, nil
	})
	register(NameSessionCancelled, func(args []any) (Event, error) {
		return SessionCancelled{
			SessionID:  argString(args, 0),
			CreationID: argString(args, 1),
			Reason:     types.LifecycleReason(argString(args, 2)),
		}, nil
	})
	register(NameSessionTerminating, func(args []any) (Event, error) {
		return SessionTerminating{
			SessionID: argString(args, 0),
			Reason:    types.LifecycleReason(argString(args, 1)),
		}, nil
	})
	register(NameSessionTerminated, func(args []any) (Event, error) {
		return SessionTerminated{
			SessionID: argString(args, 0),
			Reason:    types.LifecycleReason(argString(args, 1)),
		}, nil
	})
	register(NameSessionSuccess, func(args []any) (Event, error) {
		return SessionSuccess{
			SessionID: argString(args, 0),
			Reason:    types.LifecycleReason(argString(args, 1)),
			ExitCode:  argInt(args, 2),
		}, nil
	})
	register(NameSessionFailure, func(args []any) (Event, error) {
		return SessionFailure{
			SessionID: argString(args, 0),
			Reason:    types.LifecycleReason(argString(args, 1)),
			ExitCode:  argInt(args, 2),
		}, nil
	})
}
