package scheduler

import (
	"context"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/peregrinehq/peregrine/pkg/models"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// Strategy is the per-scaling-group agent selection knob.
type Strategy string

// Agent selection strategies.
const (
	StrategyConcentrated Strategy = "concentrated"
	StrategyDispersed    Strategy = "dispersed"
	StrategyLegacy       Strategy = "legacy"
	StrategyRoundRobin   Strategy = "roundrobin"
)

// defaultSlotPriority orders the slots that dominate placement decisions.
// Unknown accelerator slots outrank all of these.
var defaultSlotPriority = []string{"cuda.shares", "cuda.device", "rocm.device", types.SlotCPU, types.SlotMem}

// Selector picks one agent from the fitting candidates according to the
// scaling group's strategy. The roundrobin cursor lives in Redis so all
// workers share it.
type Selector struct {
	rdb          redis.UniversalClient
	slotPriority []string
}

// NewSelector creates a selector with the default slot priority.
func NewSelector(rdb redis.UniversalClient) *Selector {
	return &Selector{rdb: rdb, slotPriority: defaultSlotPriority}
}

// Select returns the chosen agent, or nil when no candidate fits requested.
// multiKernel marks sessions placing more than one kernel, which roundrobin
// cannot serve coherently.
func (s *Selector) Select(ctx context.Context, strategy Strategy, scalingGroup, architecture string, candidates []*models.Agent, requested types.ResourceSlot, multiKernel bool) (*models.Agent, error) {
	var fitting []*models.Agent
	for _, a := range candidates {
		if requested.LessOrEqual(a.FreeSlots()) {
			fitting = append(fitting, a)
		}
	}
	if len(fitting) == 0 {
		return nil, nil
	}

	if strategy == StrategyRoundRobin && multiKernel {
		strategy = StrategyDispersed
	}

	switch strategy {
	case StrategyRoundRobin:
		return s.roundRobin(ctx, scalingGroup, architecture, fitting)
	case StrategyConcentrated:
		s.sortBy(fitting, func(a, b *models.Agent) int {
			if c := compareInt(unusedSlotCount(a, requested), unusedSlotCount(b, requested)); c != 0 {
				return c
			}
			// Least headroom first: pack tight.
			return s.comparePriorityFree(a, b)
		})
	case StrategyLegacy:
		s.sortBy(fitting, func(a, b *models.Agent) int {
			return -s.comparePriorityAvailable(a, b)
		})
	default: // dispersed
		s.sortBy(fitting, func(a, b *models.Agent) int {
			return -s.comparePriorityFree(a, b)
		})
	}
	return fitting[0], nil
}

// roundRobin advances the shared per-(group, architecture) cursor and picks
// the next candidate modulo the fitting count.
func (s *Selector) roundRobin(ctx context.Context, scalingGroup, architecture string, fitting []*models.Agent) (*models.Agent, error) {
	key := fmt.Sprintf("scheduler.roundrobin.%s.%s", scalingGroup, architecture)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("advance roundrobin cursor %s: %w", key, err)
	}
	return fitting[int((n-1)%int64(len(fitting)))], nil
}

// sortBy sorts agents by cmp, breaking remaining ties by most free slots in
// priority order and finally lexical id so the choice is deterministic.
func (s *Selector) sortBy(agents []*models.Agent, cmp func(a, b *models.Agent) int) {
	sort.SliceStable(agents, func(i, j int) bool {
		if c := cmp(agents[i], agents[j]); c != 0 {
			return c < 0
		}
		if c := -s.comparePriorityFree(agents[i], agents[j]); c != 0 {
			return c < 0
		}
		return agents[i].ID < agents[j].ID
	})
}

// comparePriorityFree compares remaining headroom slot by slot: unknown
// extra slot count first, then the configured priority slots.
func (s *Selector) comparePriorityFree(a, b *models.Agent) int {
	if c := compareInt(extraSlotCount(a, s.slotPriority), extraSlotCount(b, s.slotPriority)); c != 0 {
		return c
	}
	freeA, freeB := a.FreeSlots(), b.FreeSlots()
	for _, name := range s.slotPriority {
		if c := freeA.Get(name).Cmp(freeB.Get(name)); c != 0 {
			return c
		}
	}
	return 0
}

// comparePriorityAvailable compares total capacity in priority slot order.
func (s *Selector) comparePriorityAvailable(a, b *models.Agent) int {
	if c := compareInt(extraSlotCount(a, s.slotPriority), extraSlotCount(b, s.slotPriority)); c != 0 {
		return c
	}
	for _, name := range s.slotPriority {
		if c := a.AvailableSlots.Get(name).Cmp(b.AvailableSlots.Get(name)); c != 0 {
			return c
		}
	}
	return 0
}

// unusedSlotCount counts agent capabilities the request does not touch; the
// concentrated strategy avoids burning accelerator nodes on CPU workloads.
func unusedSlotCount(a *models.Agent, requested types.ResourceSlot) int {
	n := 0
	for name, capacity := range a.AvailableSlots {
		if !capacity.IsZero() && requested.Get(name).IsZero() {
			n++
		}
	}
	return n
}

// extraSlotCount counts capabilities outside the priority list.
func extraSlotCount(a *models.Agent, priority []string) int {
	known := make(map[string]struct{}, len(priority))
	for _, name := range priority {
		known[name] = struct{}{}
	}
	n := 0
	for name, capacity := range a.AvailableSlots {
		if _, ok := known[name]; !ok && !capacity.IsZero() {
			n++
		}
	}
	return n
}

func compareInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// BinPack assigns kernels to agents largest-first for MULTI_NODE sessions.
// Kernels and agents are consumed greedily: each kernel goes to the agent
// with the most remaining headroom that still fits it. Returns kernel id →
// agent, or an error naming the first unplaceable kernel.
func BinPack(kernels []*models.Kernel, agents []*models.Agent) (map[string]*models.Agent, error) {
	sorted := make([]*models.Kernel, len(kernels))
	copy(sorted, kernels)
	sort.SliceStable(sorted, func(i, j int) bool {
		// Largest requested first, by cpu then mem.
		a, b := sorted[i].RequestedSlots, sorted[j].RequestedSlots
		if c := a.Get(types.SlotCPU).Cmp(b.Get(types.SlotCPU)); c != 0 {
			return c > 0
		}
		return a.Get(types.SlotMem).Cmp(b.Get(types.SlotMem)) > 0
	})

	remaining := make(map[string]types.ResourceSlot, len(agents))
	for _, a := range agents {
		remaining[a.ID] = a.FreeSlots()
	}

	placement := make(map[string]*models.Agent, len(kernels))
	for _, k := range sorted {
		var chosen *models.Agent
		for _, a := range agents {
			if !k.RequestedSlots.LessOrEqual(remaining[a.ID]) {
				continue
			}
			if chosen == nil || remaining[a.ID].Get(types.SlotCPU).Cmp(remaining[chosen.ID].Get(types.SlotCPU)) > 0 {
				chosen = a
			}
		}
		if chosen == nil {
			return nil, fmt.Errorf("no agent fits kernel %s (%s)", k.ID, k.RequestedSlots)
		}
		remaining[chosen.ID] = remaining[chosen.ID].Sub(k.RequestedSlots)
		placement[k.ID] = chosen
	}
	return placement, nil
}
