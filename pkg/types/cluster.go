package types

// SessionType classifies the user intent behind a session.
type SessionType string

// Session types.
const (
	SessionInteractive SessionType = "INTERACTIVE"
	SessionBatch       SessionType = "BATCH"
	SessionInference   SessionType = "INFERENCE"
	SessionSystem      SessionType = "SYSTEM"
)

// IsPrivate reports whether the session counts against the SFTP/system
// concurrency counter instead of the compute one.
func (t SessionType) IsPrivate() bool {
	return t == SessionSystem
}

// ClusterMode selects how a multi-kernel session is placed.
type ClusterMode string

// Cluster modes.
const (
	SingleNode ClusterMode = "SINGLE_NODE"
	MultiNode  ClusterMode = "MULTI_NODE"
)

// Cluster roles. Exactly one kernel per session holds the main role.
const (
	RoleMain = "main"
	RoleSub  = "sub"
)

// NetworkType describes the network a session's kernels communicate over.
type NetworkType string

// Network types. VOLATILE networks are created per session and torn down on
// termination; PERSISTENT networks are managed out of band; HOST uses the
// agent's host network.
const (
	NetworkHost       NetworkType = "HOST"
	NetworkVolatile   NetworkType = "VOLATILE"
	NetworkPersistent NetworkType = "PERSISTENT"
)
