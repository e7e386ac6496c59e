package models

import "github.com/peregrinehq/peregrine/pkg/types"

// Endpoint is a long-lived inference service backed by N route replicas.
type Endpoint struct {
	ID              string
	Name            string
	Domain          string
	Project         string
	AccessKey       string
	ModelName       string
	ImageCanonical  string
	Architecture    string
	ResourceSlots   types.ResourceSlot
	ResourceOpts    map[string]any
	ClusterMode     types.ClusterMode
	ClusterSize     int
	ModelMountDest  string
	ModelVFolderID  string
	Environ         map[string]string
	Replicas        int
	Retries         int
	ResourcePolicy  string
	UserUUID        string
	UserEmail       string
	UserName        string
	ScalingGroup    string
	StartupCommand  string
	BootstrapScript string
}

// Route is one worker replica of an endpoint, mapped to exactly one session
// once provisioned.
type Route struct {
	ID           string
	EndpointID   string
	SessionID    string
	Status       types.RouteStatus
	TrafficRatio float64
}

// Network is a per-session or persistent inter-kernel network.
type Network struct {
	ID     string
	Name   string
	Driver string
}
