package events

// Agent lifecycle event names. The event source carries the agent id.
const (
	NameAgentStarted    = "agent_started"
	NameAgentTerminated = "agent_terminated"
	NameAgentHeartbeat  = "agent_heartbeat"
)

// AgentStarted reports an agent joining or rejoining ("revived").
type AgentStarted struct {
	Reason string
}

func (AgentStarted) Name() string  { return NameAgentStarted }
func (e AgentStarted) Args() []any { return []any{e.Reason} }

// AgentTerminated reports an agent leaving. Reason distinguishes a liveness
// timeout ("agent-lost"), a controlled restart ("agent-restart"), and a
// permanent shutdown (anything else).
type AgentTerminated struct {
	Reason string
}

func (AgentTerminated) Name() string  { return NameAgentTerminated }
func (e AgentTerminated) Args() []any { return []any{e.Reason} }

// AgentInfo is the periodic self-report sent with every heartbeat.
type AgentInfo struct {
	Address        string
	PublicKey      string
	ScalingGroup   string
	Architecture   string
	Version        string
	AvailableSlots map[string]string
	Images         []string
	ComputePlugins []string
}

func (i AgentInfo) toMap() map[string]any {
	return map[string]any{
		"address":         i.Address,
		"public_key":      i.PublicKey,
		"scaling_group":   i.ScalingGroup,
		"architecture":    i.Architecture,
		"version":         i.Version,
		"available_slots": i.AvailableSlots,
		"images":          i.Images,
		"compute_plugins": i.ComputePlugins,
	}
}

func agentInfoFromMap(m map[string]any) AgentInfo {
	return AgentInfo{
		Address:        mapString(m, "address"),
		PublicKey:      mapString(m, "public_key"),
		ScalingGroup:   mapString(m, "scaling_group"),
		Architecture:   mapString(m, "architecture"),
		Version:        mapString(m, "version"),
		AvailableSlots: mapStringMap(m, "available_slots"),
		Images:         mapStrings(m, "images"),
		ComputePlugins: mapStrings(m, "compute_plugins"),
	}
}

// AgentHeartbeat carries the agent's current self-report.
type AgentHeartbeat struct {
	Info AgentInfo
}

func (AgentHeartbeat) Name() string  { return NameAgentHeartbeat }
func (e AgentHeartbeat) Args() []any { return []any{e.Info.toMap()} }

func init() {
	register(NameAgentStarted, func(args []any) (Event, error) {
		return AgentStarted{Reason: argString(args, 0)}, nil
	})
	register(NameAgentTerminated, func(args []any) (Event, error) {
		return AgentTerminated{Reason: argString(args, 0)}, nil
	})
	register(NameAgentHeartbeat, func(args []any) (Event, error) {
		return AgentHeartbeat{Info: agentInfoFromMap(argMap(args, 0))}, nil
	})
}
