package types

// LifecycleReason annotates a status transition with why it happened.
// Reasons travel in events and are persisted into status_info.
type LifecycleReason string

// Lifecycle reasons.
const (
	ReasonUnknown               LifecycleReason = ""
	ReasonUserRequested         LifecycleReason = "user-requested"
	ReasonForceTerminated       LifecycleReason = "force-terminated"
	ReasonIdleTimeout           LifecycleReason = "idle-timeout"
	ReasonFailedToStart         LifecycleReason = "failed-to-start"
	ReasonImagePullFailed       LifecycleReason = "image-pull-failed"
	ReasonKilledByEvent         LifecycleReason = "killed-by-event"
	ReasonTaskFinished          LifecycleReason = "task-finished"
	ReasonTaskFailed            LifecycleReason = "task-failed"
	ReasonTaskTimeout           LifecycleReason = "task-timeout"
	ReasonTaskCancelled         LifecycleReason = "task-cancelled"
	ReasonAgentTermination      LifecycleReason = "agent-termination"
	ReasonMissingAgentAlloc     LifecycleReason = "missing-agent-allocation"
	ReasonPendingTimeout        LifecycleReason = "pending-timeout"
	ReasonAnomalyDetected       LifecycleReason = "anomaly-detected"
	ReasonSelfTerminated        LifecycleReason = "self-terminated"
	ReasonNewContainerStarted   LifecycleReason = "new-container-started"
	ReasonRestarting            LifecycleReason = "restarting"
	ReasonResuming              LifecycleReason = "resuming"
	ReasonPredicateChecksFailed LifecycleReason = "predicate-checks-failed"
	ReasonNoAvailableInstances  LifecycleReason = "no-available-instances"
	ReasonSchedulerError        LifecycleReason = "scheduler-error"
)

// Agent lifecycle reasons used by AgentTerminated events.
const (
	AgentReasonLost    = "agent-lost"
	AgentReasonRestart = "agent-restart"
	AgentReasonRevived = "revived"
)
