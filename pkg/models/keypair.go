package models

import "github.com/peregrinehq/peregrine/pkg/types"

// Keypair is the owner credential a session is billed against.
type Keypair struct {
	AccessKey      string
	UserUUID       string
	UserEmail      string
	UserName       string
	ResourcePolicy string
	IsAdmin        bool
}

// ResourcePolicy bounds what a keypair may consume.
type ResourcePolicy struct {
	Name                      string
	TotalResourceSlots        types.ResourceSlot
	MaxConcurrentSessions     int
	MaxConcurrentSFTPSessions int
	MaxContainersPerSession   int
}

// Domain is the top-level tenancy unit.
type Domain struct {
	Name               string
	TotalResourceSlots types.ResourceSlot
	AllowedRegistries  []string
}

// Project groups users below a domain; quotas stack with the domain's.
type Project struct {
	ID                 string
	Name               string
	Domain             string
	TotalResourceSlots types.ResourceSlot
}

// ScalingGroup is a named pool of agents plus its scheduling knobs.
type ScalingGroup struct {
	Name                   string
	AllowedSessionTypes    []types.SessionType
	Scheduler              string
	AgentSelectionStrategy string
}

// AllowsSessionType reports whether the group accepts the session type.
func (g *ScalingGroup) AllowsSessionType(t types.SessionType) bool {
	for _, allowed := range g.AllowedSessionTypes {
		if allowed == t {
			return true
		}
	}
	return false
}
