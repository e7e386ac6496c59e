package api

import (
	"time"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/registry"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// CreateSessionRequest is the POST /api/v1/sessions body.
type CreateSessionRequest struct {
	Name         string `json:"name" binding:"required"`
	Image        string `json:"image" binding:"required"`
	Architecture string `json:"architecture"`
	SessionType  string `json:"session_type"`

	Domain    string `json:"domain" binding:"required"`
	Project   string `json:"project" binding:"required"`
	AccessKey string `json:"access_key" binding:"required"`

	ScalingGroup string `json:"scaling_group"`
	ClusterMode  string `json:"cluster_mode"`
	ClusterSize  int    `json:"cluster_size"`
	Priority     int    `json:"priority"`

	Resources    map[string]string `json:"resources"`
	ResourceOpts map[string]any    `json:"resource_opts"`
	Mounts       []MountSpec       `json:"mounts"`
	MountMap     map[string]string `json:"mount_map"`
	Environ      map[string]string `json:"environ"`
	PreopenPorts []int             `json:"preopen_ports"`

	BootstrapScript     string     `json:"bootstrap_script"`
	StartupCommand      string     `json:"startup_command"`
	Dependencies        []string   `json:"dependencies"`
	StartsAt            *time.Time `json:"starts_at"`
	BatchTimeoutSeconds *int64     `json:"batch_timeout_s"`
	Tag                 string     `json:"tag"`
	CallbackURL         string     `json:"callback_url"`

	Reuse          bool `json:"reuse"`
	EnqueueOnly    bool `json:"enqueue_only"`
	MaxWaitSeconds int  `json:"max_wait_seconds"`
}

// MountSpec names one virtual folder mount.
type MountSpec struct {
	VFolderID string `json:"vfolder_id"`
	Name      string `json:"name" binding:"required"`
	Host      string `json:"host"`
	ReadOnly  bool   `json:"read_only"`
}

func (req *CreateSessionRequest) toRegistry() registry.CreateSessionRequest {
	mounts := make([]models.VFolderMount, len(req.Mounts))
	for i, m := range req.Mounts {
		mounts[i] = models.VFolderMount{
			VFolderID: m.VFolderID,
			Name:      m.Name,
			Host:      m.Host,
			ReadOnly:  m.ReadOnly,
		}
	}
	var batchTimeout *time.Duration
	if req.BatchTimeoutSeconds != nil {
		d := time.Duration(*req.BatchTimeoutSeconds) * time.Second
		batchTimeout = &d
	}
	return registry.CreateSessionRequest{
		Name:            req.Name,
		Image:           req.Image,
		Architecture:    req.Architecture,
		SessionType:     types.SessionType(req.SessionType),
		Domain:          req.Domain,
		Project:         req.Project,
		AccessKey:       req.AccessKey,
		ScalingGroup:    req.ScalingGroup,
		ClusterMode:     types.ClusterMode(req.ClusterMode),
		ClusterSize:     req.ClusterSize,
		Priority:        req.Priority,
		Resources:       req.Resources,
		ResourceOpts:    req.ResourceOpts,
		Mounts:          mounts,
		MountMap:        req.MountMap,
		Environ:         req.Environ,
		PreopenPorts:    req.PreopenPorts,
		BootstrapScript: req.BootstrapScript,
		StartupCommand:  req.StartupCommand,
		Dependencies:    req.Dependencies,
		StartsAt:        req.StartsAt,
		BatchTimeout:    batchTimeout,
		Tag:             req.Tag,
		CallbackURL:     req.CallbackURL,
		Reuse:           req.Reuse,
		EnqueueOnly:     req.EnqueueOnly,
		MaxWaitSeconds:  req.MaxWaitSeconds,
	}
}

// ExecuteRequest is the POST /api/v1/sessions/:id/execute body.
type ExecuteRequest struct {
	RunID        string         `json:"run_id"`
	Mode         string         `json:"mode" binding:"required"`
	Code         string         `json:"code"`
	Options      map[string]any `json:"options"`
	FlushTimeout float64        `json:"flush_timeout"`
}

// CompleteRequest is the POST /api/v1/sessions/:id/complete body.
type CompleteRequest struct {
	Text    string         `json:"text" binding:"required"`
	Options map[string]any `json:"options"`
}

// ServiceRequest is the body for service start requests.
type ServiceRequest struct {
	Options map[string]any `json:"options"`
}

// CommitRequest is the POST /api/v1/sessions/:id/commit body.
type CommitRequest struct {
	ExtraLabels map[string]string `json:"extra_labels"`
}

// UploadFileRequest is the POST /api/v1/sessions/:id/files/upload body.
type UploadFileRequest struct {
	Filename string `json:"filename" binding:"required"`
	Payload  []byte `json:"payload"`
}
