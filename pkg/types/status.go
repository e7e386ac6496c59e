package types

// SessionStatus and KernelStatus share one alphabet; sessions aggregate
// their kernels' statuses, kernels follow the agent-driven lifecycle.
type SessionStatus string

// KernelStatus is the lifecycle status of a single container.
type KernelStatus string

// Lifecycle statuses, in scheduling order.
const (
	StatusPending     = "PENDING"
	StatusScheduled   = "SCHEDULED"
	StatusPreparing   = "PREPARING"
	StatusPulling     = "PULLING"
	StatusPrepared    = "PREPARED"
	StatusCreating    = "CREATING"
	StatusRunning     = "RUNNING"
	StatusTerminating = "TERMINATING"
	StatusTerminated  = "TERMINATED"
	StatusCancelled   = "CANCELLED"
	StatusError       = "ERROR"
)

// SessionStatus constants.
const (
	SessionPending     SessionStatus = StatusPending
	SessionScheduled   SessionStatus = StatusScheduled
	SessionPreparing   SessionStatus = StatusPreparing
	SessionPulling     SessionStatus = StatusPulling
	SessionPrepared    SessionStatus = StatusPrepared
	SessionCreating    SessionStatus = StatusCreating
	SessionRunning     SessionStatus = StatusRunning
	SessionTerminating SessionStatus = StatusTerminating
	SessionTerminated  SessionStatus = StatusTerminated
	SessionCancelled   SessionStatus = StatusCancelled
	SessionError       SessionStatus = StatusError
)

// KernelStatus constants.
const (
	KernelPending     KernelStatus = StatusPending
	KernelScheduled   KernelStatus = StatusScheduled
	KernelPreparing   KernelStatus = StatusPreparing
	KernelPulling     KernelStatus = StatusPulling
	KernelPrepared    KernelStatus = StatusPrepared
	KernelCreating    KernelStatus = StatusCreating
	KernelRunning     KernelStatus = StatusRunning
	KernelTerminating KernelStatus = StatusTerminating
	KernelTerminated  KernelStatus = StatusTerminated
	KernelCancelled   KernelStatus = StatusCancelled
	KernelError       KernelStatus = StatusError
)

// AllStatuses lists the full lifecycle alphabet in scheduling order.
var AllStatuses = []string{
	StatusPending, StatusScheduled, StatusPreparing, StatusPulling,
	StatusPrepared, StatusCreating, StatusRunning, StatusTerminating,
	StatusTerminated, StatusCancelled, StatusError,
}

// statusOrder positions the scheduling-progress statuses for the session
// aggregation rule (minimum wins). Terminal and terminating statuses are
// handled before the minimum is taken.
var statusOrder = map[string]int{
	StatusPending:   0,
	StatusScheduled: 1,
	StatusPreparing: 2,
	StatusPulling:   3,
	StatusPrepared:  4,
	StatusCreating:  5,
	StatusRunning:   6,
}

// StatusOrderIndex returns the aggregation ordering index for a
// scheduling-progress status and whether the status participates in the
// minimum rule.
func StatusOrderIndex(s string) (int, bool) {
	i, ok := statusOrder[s]
	return i, ok
}

// IsTerminalSessionStatus reports whether no further transition is legal.
func IsTerminalSessionStatus(s SessionStatus) bool {
	return s == SessionTerminated || s == SessionCancelled
}

// IsTerminalKernelStatus reports whether no further transition is legal.
func IsTerminalKernelStatus(s KernelStatus) bool {
	return s == KernelTerminated || s == KernelCancelled
}

// AgentResourceOccupying lists kernel statuses that hold agent resources.
// PENDING kernels have no agent yet; terminal kernels have released theirs.
var AgentResourceOccupying = []KernelStatus{
	KernelScheduled, KernelPreparing, KernelPulling, KernelPrepared,
	KernelCreating, KernelRunning, KernelTerminating, KernelError,
}

// UserResourceOccupying lists kernel statuses that count against keypair,
// project, and domain quotas. TERMINATING kernels are already released from
// the user's point of view.
var UserResourceOccupying = []KernelStatus{
	KernelScheduled, KernelPreparing, KernelPulling, KernelPrepared,
	KernelCreating, KernelRunning, KernelError,
}

// AgentStatus is the liveness status of an agent node.
type AgentStatus string

// Agent statuses.
const (
	AgentAlive      AgentStatus = "ALIVE"
	AgentLost       AgentStatus = "LOST"
	AgentRestarting AgentStatus = "RESTARTING"
	AgentTerminated AgentStatus = "TERMINATED"
)

// SessionResult records how a BATCH session's workload finished.
type SessionResult string

// Session results.
const (
	ResultUndefined SessionResult = "UNDEFINED"
	ResultSuccess   SessionResult = "SUCCESS"
	ResultFailure   SessionResult = "FAILURE"
)

// RouteStatus is the lifecycle status of an inference route replica.
type RouteStatus string

// Route statuses.
const (
	RouteProvisioning  RouteStatus = "PROVISIONING"
	RouteHealthy       RouteStatus = "HEALTHY"
	RouteUnhealthy     RouteStatus = "UNHEALTHY"
	RouteTerminating   RouteStatus = "TERMINATING"
	RouteFailedToStart RouteStatus = "FAILED_TO_START"
)
