// Package models defines the persisted row types of the manager core.
// Scanning and SQL live in pkg/store; these structs carry no persistence
// logic beyond JSON tags for the JSONB columns.
package models

import (
	"time"

	"github.com/peregrinehq/peregrine/pkg/types"
)

// Session is the unit of scheduling and user intent. A session owns one or
// more kernels; its status is aggregated from theirs.
type Session struct {
	ID           string
	CreationID   string
	Name         string
	AccessKey    string
	Domain       string
	Project      string
	ScalingGroup string
	SessionType  types.SessionType
	ClusterMode  types.ClusterMode
	ClusterSize  int
	Priority     int

	Status        types.SessionStatus
	StatusInfo    string
	StatusData    map[string]any
	StatusHistory map[string]string
	Result        types.SessionResult

	// Images in kernel order, main kernel's image first.
	Images         []string
	VFolderMounts  []VFolderMount
	Environ        map[string]string
	RequestedSlots types.ResourceSlot
	OccupiedSlots  types.ResourceSlot

	UserUUID       string
	UserEmail      string
	UserName       string
	ResourcePolicy string

	StartupCommand  string
	BootstrapScript string
	Tag             string
	StartsAt        *time.Time
	BatchTimeout    *time.Duration
	CallbackURL     string

	NetworkType types.NetworkType
	NetworkID   string

	CreatedAt    time.Time
	TerminatedAt *time.Time
}

// MainImage returns the main kernel's image canonical, empty when unknown.
func (s *Session) MainImage() string {
	if len(s.Images) == 0 {
		return ""
	}
	return s.Images[0]
}

// VFolderMount describes one storage folder mounted into every kernel of a
// session. The core carries identifiers and mount options only; the storage
// proxy owns the data.
type VFolderMount struct {
	VFolderID string `json:"vfolder_id"`
	Name      string `json:"name"`
	Host      string `json:"host"`
	MountPath string `json:"mount_path"`
	Alias     string `json:"alias,omitempty"`
	ReadOnly  bool   `json:"read_only"`
}

// SessionDependency is an edge in the dependency DAG: SessionID waits for
// DependsOn to finish with result SUCCESS before becoming schedulable.
type SessionDependency struct {
	SessionID string
	DependsOn string
}
