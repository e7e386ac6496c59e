package models

import (
	"time"

	"github.com/peregrinehq/peregrine/pkg/types"
)

// Agent is a compute node hosting kernels. OccupiedSlots is derived from the
// kernels placed on it and is authoritative in the database; the scheduler's
// settle step reconciles any per-device allocation delta.
type Agent struct {
	ID           string
	Address      string
	PublicKey    string
	ScalingGroup string
	Status       types.AgentStatus
	Architecture string
	Version      string

	AvailableSlots types.ResourceSlot
	OccupiedSlots  types.ResourceSlot

	FirstContact time.Time
	LostAt       *time.Time
}

// FreeSlots returns available − occupied, clamped at zero per slot.
func (a *Agent) FreeSlots() types.ResourceSlot {
	return a.AvailableSlots.ClampedSub(a.OccupiedSlots)
}
