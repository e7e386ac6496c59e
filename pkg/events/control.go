package events

import "github.com/peregrinehq/peregrine/pkg/types"

// Control-plane event names. do_* events are consumed (exactly one worker
// acts per event); the rest of the catalog is mostly subscribed.
const (
	NameDoSchedule          = "do_schedule"
	NameDoCheckPrecondition = "do_check_precondition"
	NameDoStartSession      = "do_start_session"
	NameDoTerminateSession  = "do_terminate_session"
	NameDoSyncKernelLogs    = "do_sync_kernel_logs"
	NameRouteCreated        = "route_created"
	NameBgtaskUpdated       = "bgtask_updated"
	NameBgtaskDone          = "bgtask_done"
	NameBgtaskFailed        = "bgtask_failed"
)

// DoSchedule nudges the dispatcher to run a schedule pass.
type DoSchedule struct{}

func (DoSchedule) Name() string { return NameDoSchedule }
func (DoSchedule) Args() []any  { return []any{} }

// DoCheckPrecondition nudges the dispatcher to trigger image pulls for
// SCHEDULED sessions.
type DoCheckPrecondition struct{}

func (DoCheckPrecondition) Name() string { return NameDoCheckPrecondition }
func (DoCheckPrecondition) Args() []any  { return []any{} }

// DoStartSession nudges the dispatcher to create kernels for PREPARED
// sessions.
type DoStartSession struct{}

func (DoStartSession) Name() string { return NameDoStartSession }
func (DoStartSession) Args() []any  { return []any{} }

// DoTerminateSession requests a session teardown through the event plane,
// e.g. from idle checkers or admin tooling.
type DoTerminateSession struct {
	SessionID string
	Reason    types.LifecycleReason
}

func (DoTerminateSession) Name() string { return NameDoTerminateSession }
func (e DoTerminateSession) Args() []any {
	return []any{e.SessionID, string(e.Reason)}
}

// DoSyncKernelLogs asks the manager to drain an exited container's log
// buffer from Redis into the kernel row.
type DoSyncKernelLogs struct {
	KernelID    string
	ContainerID string
}

func (DoSyncKernelLogs) Name() string { return NameDoSyncKernelLogs }
func (e DoSyncKernelLogs) Args() []any {
	return []any{e.KernelID, e.ContainerID}
}

// RouteCreated asks the manager to provision an inference session for a
// fresh endpoint route.
type RouteCreated struct {
	EndpointID string
	RouteID    string
}

func (RouteCreated) Name() string  { return NameRouteCreated }
func (e RouteCreated) Args() []any { return []any{e.EndpointID, e.RouteID} }

// BgtaskUpdated reports background-task progress (e.g. image pulls).
type BgtaskUpdated struct {
	TaskID  string
	Current float64
	Total   float64
	Message string
}

func (BgtaskUpdated) Name() string { return NameBgtaskUpdated }
func (e BgtaskUpdated) Args() []any {
	return []any{e.TaskID, e.Current, e.Total, e.Message}
}

// BgtaskDone reports background-task completion.
type BgtaskDone struct {
	TaskID  string
	Message string
}

func (BgtaskDone) Name() string  { return NameBgtaskDone }
func (e BgtaskDone) Args() []any { return []any{e.TaskID, e.Message} }

// BgtaskFailed reports background-task failure.
type BgtaskFailed struct {
	TaskID  string
	Message string
}

func (BgtaskFailed) Name() string  { return NameBgtaskFailed }
func (e BgtaskFailed) Args() []any { return []any{e.TaskID, e.Message} }

func init() {
	register(NameDoSchedule, func([]any) (Event, error) {
		return DoSchedule{}, nil
	})
	register(NameDoCheckPrecondition, func([]any) (Event, error) {
		return DoCheckPrecondition{}, nil
	})
	register(NameDoStartSession, func([]any) (Event, error) {
		return DoStartSession{}, nil
	})
	register(NameDoTerminateSession, func(args []any) (Event, error) {
		return DoTerminateSession{
			SessionID: argString(args, 0),
			Reason:    types.LifecycleReason(argString(args, 1)),
		}, nil
	})
	register(NameDoSyncKernelLogs, func(args []any) (Event, error) {
		return DoSyncKernelLogs{
			KernelID:    argString(args, 0),
			ContainerID: argString(args, 1),
		}, nil
	})
	register(NameRouteCreated, func(args []any) (Event, error) {
		return RouteCreated{
			EndpointID: argString(args, 0),
			RouteID:    argString(args, 1),
		}, nil
	})
	register(NameBgtaskUpdated, func(args []any) (Event, error) {
		return BgtaskUpdated{
			TaskID:  argString(args, 0),
			Current: argFloat(args, 1),
			Total:   argFloat(args, 2),
			Message: argString(args, 3),
		}, nil
	})
	register(NameBgtaskDone, func(args []any) (Event, error) {
		return BgtaskDone{TaskID: argString(args, 0), Message: argString(args, 1)}, nil
	})
	register(NameBgtaskFailed, func(args []any) (Event, error) {
		return BgtaskFailed{TaskID: argString(args, 0), Message: argString(args, 1)}, nil
	})
}
