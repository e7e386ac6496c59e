package registry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/peregrinehq/peregrine/pkg/events"
	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// Shared Redis keys for agent liveness and the image placement index.
const (
	livenessKey    = "agent.last_seen"
	imageAgentsKey = "image.agents."
	agentImagesKey = "agent.images."
)

// HandleHeartbeat processes one agent self-report. agentID comes from the
// event's source tag.
func (r *Registry) HandleHeartbeat(ctx context.Context, agentID string, info events.AgentInfo) error {
	now := r.now()
	if err := r.rdb.HSet(ctx, livenessKey, agentID,
		strconv.FormatInt(now.Unix(), 10)).Err(); err != nil {
		r.log.Error("Failed to record agent liveness", "agent_id", agentID, "error", err)
	}

	available, err := types.NewResourceSlot(info.AvailableSlots)
	if err != nil {
		return &ValidationError{Field: "available_slots", Msg: err.Error()}
	}
	reported := &models.Agent{
		ID:             agentID,
		Address:        info.Address,
		PublicKey:      info.PublicKey,
		ScalingGroup:   info.ScalingGroup,
		Architecture:   info.Architecture,
		Version:        info.Version,
		Status:         types.AgentAlive,
		AvailableSlots: available,
		OccupiedSlots:  types.ResourceSlot{},
	}

	var (
		joined     bool
		revived    bool
		invalidate bool
	)
	err = r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		joined, revived, invalidate = false, false, false
		existing, err := q.GetAgentForUpdate(ctx, agentID)
		if err != nil {
			if !errors.Is(err, store.ErrNoRows) {
				return err
			}
			joined = true
			return q.InsertAgent(ctx, reported)
		}
		invalidate = existing.Address != info.Address ||
			existing.PublicKey != info.PublicKey
		if err := q.UpdateAgentInfo(ctx, reported); err != nil {
			return err
		}
		switch existing.Status {
		case types.AgentAlive:
			return nil
		case types.AgentLost, types.AgentRestarting:
			revived = true
			return q.UpdateAgentStatus(ctx, agentID, types.AgentAlive, nil)
		default:
			// A TERMINATED agent reporting again is a rejoin.
			joined = true
			return q.UpdateAgentStatus(ctx, agentID, types.AgentAlive, nil)
		}
	})
	if err != nil {
		return err
	}

	if invalidate {
		r.cache.Invalidate(agentID)
	}
	if err := r.registerSlotNames(ctx, available.Names()); err != nil {
		r.log.Error("Failed to register slot names", "agent_id", agentID, "error", err)
	}
	r.indexAgentImages(ctx, agentID, info.Images)

	switch {
	case joined:
		r.log.Info("Agent joined", "agent_id", agentID,
			"scaling_group", info.ScalingGroup, "architecture", info.Architecture)
		return r.producer.Produce(ctx,
			events.AgentStarted{Reason: "joined"}, agentID)
	case revived:
		r.log.Info("Agent revived", "agent_id", agentID)
		return r.producer.Produce(ctx,
			events.AgentStarted{Reason: types.AgentReasonRevived}, agentID)
	}
	return nil
}

// indexAgentImages maintains the two-way image placement index: which agents
// hold an image, and which images an agent reported.
func (r *Registry) indexAgentImages(ctx context.Context, agentID string, images []string) {
	prev, err := r.rdb.SMembers(ctx, agentImagesKey+agentID).Result()
	if err != nil {
		r.log.Error("Failed to read agent image index", "agent_id", agentID, "error", err)
		return
	}
	current := make(map[string]struct{}, len(images))
	pipe := r.rdb.Pipeline()
	for _, img := range images {
		current[img] = struct{}{}
		pipe.SAdd(ctx, imageAgentsKey+img, agentID)
		pipe.SAdd(ctx, agentImagesKey+agentID, img)
	}
	for _, img := range prev {
		if _, still := current[img]; !still {
			pipe.SRem(ctx, imageAgentsKey+img, agentID)
			pipe.SRem(ctx, agentImagesKey+agentID, img)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to update image index", "agent_id", agentID, "error", err)
	}
}

// MarkAgentTerminated reacts to an AgentTerminated event: status per reason,
// peer cache drop, image index removal, liveness forgotten.
func (r *Registry) MarkAgentTerminated(ctx context.Context, agentID, reason string) error {
	var status types.AgentStatus
	switch reason {
	case types.AgentReasonLost:
		status = types.AgentLost
	case types.AgentReasonRestart:
		status = types.AgentRestarting
	default:
		status = types.AgentTerminated
	}

	now := r.now().UTC()
	err := r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		if _, err := q.GetAgentForUpdate(ctx, agentID); err != nil {
			if errors.Is(err, store.ErrNoRows) {
				return nil
			}
			return err
		}
		return q.UpdateAgentStatus(ctx, agentID, status, &now)
	})
	if err != nil {
		return err
	}

	r.cache.Invalidate(agentID)
	r.dropAgentFromImageIndex(ctx, agentID)
	if err := r.rdb.HDel(ctx, livenessKey, agentID).Err(); err != nil {
		r.log.Error("Failed to forget agent liveness", "agent_id", agentID, "error", err)
	}
	r.log.Info("Agent left", "agent_id", agentID, "status", status, "reason", reason)
	return nil
}

func (r *Registry) dropAgentFromImageIndex(ctx context.Context, agentID string) {
	images, err := r.rdb.SMembers(ctx, agentImagesKey+agentID).Result()
	if err != nil {
		r.log.Error("Failed to read agent image index", "agent_id", agentID, "error", err)
		return
	}
	pipe := r.rdb.Pipeline()
	for _, img := range images {
		pipe.SRem(ctx, imageAgentsKey+img, agentID)
	}
	pipe.Del(ctx, agentImagesKey+agentID)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Failed to drop agent from image index", "agent_id", agentID, "error", err)
	}
}

// SweepAgentLiveness produces AgentTerminated("agent-lost") for every ALIVE
// agent whose last heartbeat is older than the timeout. Run from cron.
func (r *Registry) SweepAgentLiveness(ctx context.Context) error {
	seen, err := r.rdb.HGetAll(ctx, livenessKey).Result()
	if err != nil {
		return err
	}
	cutoff := r.now().Add(-r.cfg.AgentLostTimeout).Unix()
	for agentID, raw := range seen {
		ts, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || ts >= cutoff {
			continue
		}
		a, err := r.store.GetAgent(ctx, agentID)
		if err != nil || a.Status != types.AgentAlive {
			continue
		}
		r.log.Warn("Agent heartbeat timed out", "agent_id", agentID,
			"last_seen", time.Unix(ts, 0).UTC())
		if err := r.producer.Produce(ctx,
			events.AgentTerminated{Reason: types.AgentReasonLost}, agentID); err != nil {
			r.log.Error("Failed to produce agent_terminated",
				"agent_id", agentID, "error", err)
		}
	}
	return nil
}

// RecalcResourceUsage rebuilds the derived resource bookkeeping from the
// database: per-agent occupied slots from live kernels, and the Redis
// keypair concurrency counters from live sessions. Running it twice in a row
// is a no-op.
func (r *Registry) RecalcResourceUsage(ctx context.Context) error {
	err := r.store.WithTx(ctx, func(ctx context.Context, q *store.Store) error {
		byAgent, err := q.ListOccupyingKernelsByAgent(ctx)
		if err != nil {
			return err
		}
		occupied := make(map[string]types.ResourceSlot, len(byAgent))
		for agentID, kernels := range byAgent {
			sum := types.ResourceSlot{}
			for _, k := range kernels {
				sum = sum.Add(k.OccupiedSlots)
			}
			occupied[agentID] = sum
		}
		alive, err := q.ListAgentsByStatus(ctx, types.AgentAlive)
		if err != nil {
			return err
		}
		for _, a := range alive {
			if _, ok := occupied[a.ID]; !ok {
				occupied[a.ID] = types.ResourceSlot{}
			}
		}
		for agentID, slots := range occupied {
			if err := q.SetAgentOccupied(ctx, agentID, slots); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	compute, private, err := r.store.CountSessionsByAccessKey(ctx)
	if err != nil {
		return err
	}
	if err := r.tracker.Rebuild(ctx, compute, private); err != nil {
		return err
	}
	r.log.Info("Recalculated resource usage")
	return nil
}
