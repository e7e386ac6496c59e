package models

import (
	"fmt"
	"time"

	"github.com/peregrinehq/peregrine/pkg/types"
)

// Kernel is a single container belonging to a session. AgentID is empty
// until the scheduler binds the kernel to an agent.
type Kernel struct {
	ID        string
	SessionID string

	ClusterRole     string
	ClusterIdx      int
	LocalRank       int
	ClusterHostname string

	AgentID   string
	AgentAddr string

	Image        string
	Architecture string
	Registry     string

	RequestedSlots types.ResourceSlot
	OccupiedSlots  types.ResourceSlot
	ResourceOpts   map[string]any

	Status        types.KernelStatus
	StatusInfo    string
	StatusData    map[string]any
	StatusHistory map[string]string
	ExitCode      *int64

	ContainerID  string
	KernelHost   string
	ReplInPort   int
	ReplOutPort  int
	StdinPort    int
	StdoutPort   int
	ServicePorts []ServicePort
	PreopenPorts []int

	StartupCommand  string
	BootstrapScript string

	LastStat     map[string]any
	ContainerLog string

	CreatedAt    time.Time
	TerminatedAt *time.Time
}

// IsMain reports whether this kernel holds the session's main role.
func (k *Kernel) IsMain() bool {
	return k.ClusterRole == types.RoleMain
}

// DefaultHostname renders the in-cluster hostname ("main1", "sub2", …).
func (k *Kernel) DefaultHostname() string {
	return fmt.Sprintf("%s%d", k.ClusterRole, k.ClusterIdx)
}

// ServicePort describes one service exposed by a kernel's container.
type ServicePort struct {
	Name           string `json:"name"`
	Protocol       string `json:"protocol"`
	ContainerPorts []int  `json:"container_ports"`
	HostPorts      []int  `json:"host_ports"`
	IsInference    bool   `json:"is_inference,omitempty"`
}

// KernelCreationInfo is the per-kernel result of a create_kernels or
// restart_kernel RPC.
type KernelCreationInfo struct {
	KernelID        string
	ContainerID     string
	KernelHost      string
	ReplInPort      int
	ReplOutPort     int
	StdinPort       int
	StdoutPort      int
	ServicePorts    []ServicePort
	OccupiedSlots   types.ResourceSlot
	AttachedDevices map[string]any
}
