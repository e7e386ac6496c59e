package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/peregrinehq/peregrine/pkg/agent"
	"github.com/peregrinehq/peregrine/pkg/lifecycle"
	"github.com/peregrinehq/peregrine/pkg/scheduler"
	"github.com/peregrinehq/peregrine/pkg/store"
	"github.com/peregrinehq/peregrine/pkg/types"
)

// slotTypesKey is the shared registry of known resource slot names. Agents
// extend it on heartbeat; enqueue validation reads it.
const slotTypesKey = "resource.slot-types"

// Config carries the registry knobs.
type Config struct {
	// DefaultSharedMemory is applied when a request omits the shmem
	// resource option ("64m" style binary size).
	DefaultSharedMemory string
	// Priority bounds for user-supplied session priorities.
	PriorityMin int
	PriorityMax int
	// DefaultMaxWait bounds a non-enqueue-only create_session wait when the
	// request does not give one.
	DefaultMaxWait time.Duration
	// AgentLostTimeout is how long an agent may stay silent before the
	// liveness sweep declares it lost.
	AgentLostTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultSharedMemory == "" {
		c.DefaultSharedMemory = "64m"
	}
	if c.PriorityMax <= c.PriorityMin {
		c.PriorityMin, c.PriorityMax = 0, 100
	}
	if c.DefaultMaxWait <= 0 {
		c.DefaultMaxWait = 30 * time.Second
	}
	if c.AgentLostTimeout <= 0 {
		c.AgentLostTimeout = time.Minute
	}
	return c
}

// Registry is the public command surface of the manager core.
type Registry struct {
	cfg      Config
	store    *store.Store
	rdb      redis.UniversalClient
	producer lifecycle.Producer
	rpc      *agent.Client
	cache    *agent.Cache
	lc       *lifecycle.Manager
	tracker  *scheduler.ConcurrencyTracker
	waiters  *WaiterRegistry
	webhook  *WebhookSender
	log      *slog.Logger
	now      func() time.Time
}

// New wires the registry.
func New(cfg Config, st *store.Store, rdb redis.UniversalClient, producer lifecycle.Producer, rpc *agent.Client, cache *agent.Cache, lc *lifecycle.Manager, tracker *scheduler.ConcurrencyTracker) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		store:    st,
		rdb:      rdb,
		producer: producer,
		rpc:      rpc,
		cache:    cache,
		lc:       lc,
		tracker:  tracker,
		waiters:  NewWaiterRegistry(10 * time.Minute),
		webhook:  NewWebhookSender(),
		log:      slog.With("component", "registry"),
		now:      time.Now,
	}
}

// Waiters exposes the waiter registry for periodic sweeping.
func (r *Registry) Waiters() *WaiterRegistry {
	return r.waiters
}

// knownSlotNames reads the shared slot-type registry, always including the
// intrinsic cpu/mem slots.
func (r *Registry) knownSlotNames(ctx context.Context) (map[string]struct{}, error) {
	names, err := r.rdb.SMembers(ctx, slotTypesKey).Result()
	if err != nil {
		return nil, err
	}
	known := map[string]struct{}{
		types.SlotCPU: {},
		types.SlotMem: {},
	}
	for _, n := range names {
		known[n] = struct{}{}
	}
	return known, nil
}

// registerSlotNames adds freshly reported slot names to the shared registry.
func (r *Registry) registerSlotNames(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	members := make([]any, len(names))
	for i, n := range names {
		members[i] = n
	}
	return r.rdb.SAdd(ctx, slotTypesKey, members...).Err()
}
