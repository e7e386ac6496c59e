package api

import (
	"time"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/registry"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// SessionResponse is the API shape of one session.
type SessionResponse struct {
	ID           string `json:"id"`
	CreationID   string `json:"creation_id"`
	Name         string `json:"name"`
	AccessKey    string `json:"access_key"`
	Domain       string `json:"domain"`
	Project      string `json:"project"`
	ScalingGroup string `json:"scaling_group"`
	SessionType  string `json:"session_type"`
	ClusterMode  string `json:"cluster_mode"`
	ClusterSize  int    `json:"cluster_size"`
	Priority     int    `json:"priority"`

	Status        string            `json:"status"`
	StatusInfo    string            `json:"status_info,omitempty"`
	StatusData    map[string]any    `json:"status_data,omitempty"`
	StatusHistory map[string]string `json:"status_history,omitempty"`
	Result        string            `json:"result"`

	Images         []string          `json:"images"`
	RequestedSlots map[string]string `json:"requested_slots"`
	OccupiedSlots  map[string]string `json:"occupied_slots,omitempty"`

	Tag          string     `json:"tag,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	TerminatedAt *time.Time `json:"terminated_at,omitempty"`
}

func sessionResponse(sess *models.Session) SessionResponse {
	return SessionResponse{
		ID:             sess.ID,
		CreationID:     sess.CreationID,
		Name:           sess.Name,
		AccessKey:      sess.AccessKey,
		Domain:         sess.Domain,
		Project:        sess.Project,
		ScalingGroup:   sess.ScalingGroup,
		SessionType:    string(sess.SessionType),
		ClusterMode:    string(sess.ClusterMode),
		ClusterSize:    sess.ClusterSize,
		Priority:       sess.Priority,
		Status:         string(sess.Status),
		StatusInfo:     sess.StatusInfo,
		StatusData:     sess.StatusData,
		StatusHistory:  sess.StatusHistory,
		Result:         string(sess.Result),
		Images:         sess.Images,
		RequestedSlots: slotsMap(sess.RequestedSlots),
		OccupiedSlots:  slotsMap(sess.OccupiedSlots),
		Tag:            sess.Tag,
		CreatedAt:      sess.CreatedAt,
		TerminatedAt:   sess.TerminatedAt,
	}
}

// CreateSessionResponse reports the create_session outcome.
type CreateSessionResponse struct {
	SessionID    string               `json:"session_id"`
	CreationID   string               `json:"creation_id"`
	Status       string               `json:"status"`
	ServicePorts []models.ServicePort `json:"service_ports,omitempty"`
}

func createSessionResponse(res *registry.CreateSessionResult) CreateSessionResponse {
	return CreateSessionResponse{
		SessionID:    res.SessionID,
		CreationID:   res.CreationID,
		Status:       res.Status,
		ServicePorts: res.ServicePorts,
	}
}

// AgentResponse is the API shape of one agent.
type AgentResponse struct {
	ID             string            `json:"id"`
	Address        string            `json:"address"`
	ScalingGroup   string            `json:"scaling_group"`
	Status         string            `json:"status"`
	Architecture   string            `json:"architecture"`
	Version        string            `json:"version"`
	AvailableSlots map[string]string `json:"available_slots"`
	OccupiedSlots  map[string]string `json:"occupied_slots"`
	FirstContact   time.Time         `json:"first_contact"`
	LostAt         *time.Time        `json:"lost_at,omitempty"`
}

func agentResponse(a *models.Agent) AgentResponse {
	return AgentResponse{
		ID:             a.ID,
		Address:        a.Address,
		ScalingGroup:   a.ScalingGroup,
		Status:         string(a.Status),
		Architecture:   a.Architecture,
		Version:        a.Version,
		AvailableSlots: slotsMap(a.AvailableSlots),
		OccupiedSlots:  slotsMap(a.OccupiedSlots),
		FirstContact:   a.FirstContact,
		LostAt:         a.LostAt,
	}
}

func slotsMap(slots types.ResourceSlot) map[string]string {
	if len(slots) == 0 {
		return nil
	}
	out := make(map[string]string, len(slots))
	for _, name := range slots.Names() {
		out[name] = slots.Get(name).String()
	}
	return out
}
