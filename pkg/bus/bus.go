// Package bus implements the Redis-stream event plane.
//
// One logical stream carries every lifecycle event. Two fan-out modes read
// it: a consumer group (each event handled by exactly one worker process in
// the deployment) and plain subscribers (every worker sees every event).
// Handlers register per event name with optional matchers and coalescing.
package bus

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/peregrinehq/peregrine/pkg/events"
)

// Delivery is one event as received from the stream.
type Delivery struct {
	Source string
	Event  events.Event
}

// Handler processes a single delivery.
type Handler func(ctx context.Context, d Delivery) error

// BatchHandler processes a coalesced batch in publish order.
type BatchHandler func(ctx context.Context, batch []Delivery) error

// Matcher decides from the raw argument tuple whether a handler runs.
// Skipped events are still acknowledged.
type Matcher func(args []any) bool

// CoalescingOptions bound how long and how many deliveries a registration
// buffers before its handler fires.
type CoalescingOptions struct {
	MaxWait      time.Duration
	MaxBatchSize int
}

// Observer receives the outcome of every handler invocation.
type Observer interface {
	Observe(eventName string, duration time.Duration, err error)
}

// Option tweaks a registration.
type Option func(*registration)

// WithMatcher attaches a raw-tuple predicate to the registration.
func WithMatcher(m Matcher) Option {
	return func(r *registration) { r.matcher = m }
}

// Config carries the bus wiring knobs.
type Config struct {
	Stream            string
	Group             string
	ProcessIndex      int
	AutoclaimIdle     time.Duration
	AutoclaimInterval time.Duration
}

func (c *Config) withDefaults() {
	if c.Stream == "" {
		c.Stream = "events"
	}
	if c.Group == "" {
		c.Group = "manager"
	}
	if c.AutoclaimIdle <= 0 {
		c.AutoclaimIdle = 30 * time.Second
	}
	if c.AutoclaimInterval <= 0 {
		c.AutoclaimInterval = 10 * time.Second
	}
}

type registration struct {
	name    string
	handler BatchHandler
	matcher Matcher
	tasks   *errgroup.Group
	coal    *coalescer
}

// Bus is the process-wide event plane endpoint.
type Bus struct {
	rdb        *redis.Client
	cfg        Config
	consumerID string
	observer   Observer
	log        *slog.Logger

	mu          sync.RWMutex
	consumers   map[string][]*registration
	subscribers map[string][]*registration

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	// Two persistent task groups, one per fan-out mode. Handler tasks run on
	// the Start context, not the loop context, so in-flight handlers finish
	// during shutdown.
	consumeTasks   errgroup.Group
	subscribeTasks errgroup.Group
	taskCtx        context.Context

	started   bool
	closeOnce sync.Once
}

// New creates a bus over an existing Redis client. The bus takes ownership
// of the client and closes it in Close.
func New(rdb *redis.Client, cfg Config, observer Observer) *Bus {
	cfg.withDefaults()
	consumerID := ConsumerID(cfg.ProcessIndex)
	return &Bus{
		rdb:         rdb,
		cfg:         cfg,
		consumerID:  consumerID,
		observer:    observer,
		log:         slog.With("component", "bus", "consumer_id", consumerID),
		consumers:   make(map[string][]*registration),
		subscribers: make(map[string][]*registration),
	}
}

// ConsumerID derives the stable per-process consumer identity:
// sha1(hostname):sha1(install path):process index.
func ConsumerID(pidx int) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}
	installPath := os.Args[0]
	if exe, err := os.Executable(); err == nil {
		installPath = filepath.Dir(exe)
	}
	return fmt.Sprintf("%s:%s:%d", sha1hex(hostname), sha1hex(installPath), pidx)
}

func sha1hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Produce serializes the event and appends one stream entry.
func (b *Bus) Produce(ctx context.Context, ev events.Event, source string) error {
	args, err := events.Marshal(ev)
	if err != nil {
		return err
	}
	err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.Stream,
		Values: map[string]any{
			"name":   ev.Name(),
			"source": source,
			"args":   args,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", ev.Name(), err)
	}
	return nil
}

// Consume registers a group-consumed handler: across all worker processes,
// exactly one instance handles each published event of this name.
func (b *Bus) Consume(name string, h Handler, opts ...Option) {
	b.addRegistration(b.consumers, &b.consumeTasks, name, singleToBatch(h), CoalescingOptions{}, opts)
}

// ConsumeBatch is Consume with coalescing: the handler fires once per batch.
func (b *Bus) ConsumeBatch(name string, co CoalescingOptions, h BatchHandler, opts ...Option) {
	b.addRegistration(b.consumers, &b.consumeTasks, name, h, co, opts)
}

// Subscribe registers a broadcast handler: every worker process receives
// every event of this name.
func (b *Bus) Subscribe(name string, h Handler, opts ...Option) {
	b.addRegistration(b.subscribers, &b.subscribeTasks, name, singleToBatch(h), CoalescingOptions{}, opts)
}

// SubscribeBatch is Subscribe with coalescing.
func (b *Bus) SubscribeBatch(name string, co CoalescingOptions, h BatchHandler, opts ...Option) {
	b.addRegistration(b.subscribers, &b.subscribeTasks, name, h, co, opts)
}

func singleToBatch(h Handler) BatchHandler {
	return func(ctx context.Context, batch []Delivery) error {
		for _, d := range batch {
			if err := h(ctx, d); err != nil {
				return err
			}
		}
		return nil
	}
}

func (b *Bus) addRegistration(table map[string][]*registration, tasks *errgroup.Group, name string, h BatchHandler, co CoalescingOptions, opts []Option) {
	reg := &registration{name: name, handler: h, tasks: tasks}
	for _, opt := range opts {
		opt(reg)
	}
	if co.MaxBatchSize > 1 || co.MaxWait > 0 {
		if co.MaxBatchSize <= 0 {
			co.MaxBatchSize = 1
		}
		reg.coal = newCoalescer(co, func(batch []Delivery) {
			reg.tasks.Go(func() error {
				b.invoke(reg, batch)
				return nil
			})
		})
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	table[name] = append(table[name], reg)
}

// Start creates the consumer group if needed and launches the two poll
// loops plus the pending-entry reclaim loop.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return fmt.Errorf("bus already started")
	}
	b.started = true
	b.mu.Unlock()

	err := b.rdb.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %q: %w", b.cfg.Group, err)
	}

	b.taskCtx = ctx
	loopCtx, cancel := context.WithCancel(ctx)
	b.loopCancel = cancel

	b.loopWG.Add(3)
	go func() {
		defer b.loopWG.Done()
		b.consumeLoop(loopCtx)
	}()
	go func() {
		defer b.loopWG.Done()
		b.subscribeLoop(loopCtx)
	}()
	go func() {
		defer b.loopWG.Done()
		b.autoclaimLoop(loopCtx)
	}()

	b.log.Info("Event bus started",
		"stream", b.cfg.Stream,
		"group", b.cfg.Group)
	return nil
}

// consumeLoop reads the stream through the consumer group so that each
// entry is handled by exactly one worker in the deployment.
func (b *Bus) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.consumerID,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    1,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.log.Error("Consumer read failed", "error", err)
			b.sleep(ctx, time.Second)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				b.handleGroupMessage(msg)
			}
		}
	}
}

// handleGroupMessage dispatches one consumer-group entry and acknowledges
// it. Coalesced registrations buffer the delivery and the entry is acked at
// buffering time; plain registrations are awaited before the ack. Entries
// with no registration, a non-matching matcher, or an undecodable payload
// are acked untouched.
func (b *Bus) handleGroupMessage(msg redis.XMessage) {
	name, source, args, ok := b.decode(msg)
	if !ok {
		b.ack(msg.ID)
		return
	}

	b.mu.RLock()
	regs := b.consumers[name]
	b.mu.RUnlock()
	if len(regs) == 0 {
		b.ack(msg.ID)
		return
	}

	msgID := msg.ID
	b.consumeTasks.Go(func() error {
		b.dispatch(name, source, args, regs)
		b.ack(msgID)
		return nil
	})
}

func (b *Bus) ack(msgID string) {
	if err := b.rdb.XAck(context.Background(), b.cfg.Stream, b.cfg.Group, msgID).Err(); err != nil {
		b.log.Warn("XACK failed", "message_id", msgID, "error", err)
	}
}

// subscribeLoop tails the stream from "now" and broadcasts every entry to
// local subscribers. No acknowledgement is involved.
func (b *Bus) subscribeLoop(ctx context.Context) {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{b.cfg.Stream, lastID},
			Count:   64,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			b.log.Error("Subscriber read failed", "error", err)
			b.sleep(ctx, time.Second)
			continue
		}
		for _, stream := range res {
			for _, msg := range stream.Messages {
				lastID = msg.ID
				name, source, args, ok := b.decode(msg)
				if !ok {
					continue
				}
				b.mu.RLock()
				regs := b.subscribers[name]
				b.mu.RUnlock()
				if len(regs) == 0 {
					continue
				}
				b.subscribeTasks.Go(func() error {
					b.dispatch(name, source, args, regs)
					return nil
				})
			}
		}
	}
}

// autoclaimLoop re-claims entries stuck in dead consumers' pending lists.
func (b *Bus) autoclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.AutoclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		start := "0-0"
		for {
			msgs, next, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   b.cfg.Stream,
				Group:    b.cfg.Group,
				Consumer: b.consumerID,
				MinIdle:  b.cfg.AutoclaimIdle,
				Start:    start,
				Count:    32,
			}).Result()
			if err != nil {
				if ctx.Err() == nil {
					b.log.Warn("XAUTOCLAIM failed", "error", err)
				}
				break
			}
			for _, msg := range msgs {
				b.handleGroupMessage(msg)
			}
			if next == "0-0" || len(msgs) == 0 {
				break
			}
			start = next
		}
	}
}

// decode extracts {name, source, args} from a stream entry.
func (b *Bus) decode(msg redis.XMessage) (name, source string, args []any, ok bool) {
	name, _ = msg.Values["name"].(string)
	source, _ = msg.Values["source"].(string)
	rawArgs, _ := msg.Values["args"].(string)
	if name == "" {
		b.log.Warn("Dropping malformed stream entry", "message_id", msg.ID)
		return "", "", nil, false
	}
	if !events.Known(name) {
		b.log.Debug("Dropping unknown event", "event", name, "message_id", msg.ID)
		return "", "", nil, false
	}
	args, err := events.UnmarshalArgs([]byte(rawArgs))
	if err != nil {
		b.log.Warn("Dropping undecodable event", "event", name, "error", err)
		return "", "", nil, false
	}
	return name, source, args, true
}

// dispatch fans one decoded entry out to the given registrations, honoring
// matchers and coalescing. Plain registrations run synchronously so the
// caller can acknowledge afterwards.
func (b *Bus) dispatch(name, source string, args []any, regs []*registration) {
	ev, err := events.Build(name, args)
	if err != nil {
		b.log.Warn("Dropping unbuildable event", "event", name, "error", err)
		return
	}
	d := Delivery{Source: source, Event: ev}
	for _, reg := range regs {
		if reg.matcher != nil && !reg.matcher(args) {
			continue
		}
		if reg.coal != nil {
			reg.coal.add(d)
			continue
		}
		b.invoke(reg, []Delivery{d})
	}
}

// invoke runs one handler invocation with panic recovery, failure logging,
// and observer notification. Handler errors never propagate: the event is
// considered handled either way.
func (b *Bus) invoke(reg *registration, batch []Delivery) {
	ctx := b.taskCtx
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panicked: %v", r)
			}
		}()
		err = reg.handler(ctx, batch)
	}()
	duration := time.Since(start)
	if err != nil {
		b.log.Error("Event handler failed",
			"event", reg.name,
			"batch_size", len(batch),
			"duration", duration,
			"error", err)
	}
	if b.observer != nil {
		b.observer.Observe(reg.name, duration, err)
	}
}

func (b *Bus) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Close stops the poll loops, flushes coalescing buffers, drains both task
// groups, and closes the Redis client.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		if b.loopCancel != nil {
			b.loopCancel()
		}
		b.loopWG.Wait()

		b.mu.RLock()
		for _, regs := range b.consumers {
			for _, reg := range regs {
				if reg.coal != nil {
					reg.coal.drain()
				}
			}
		}
		for _, regs := range b.subscribers {
			for _, reg := range regs {
				if reg.coal != nil {
					reg.coal.drain()
				}
			}
		}
		b.mu.RUnlock()

		_ = b.consumeTasks.Wait()
		_ = b.subscribeTasks.Wait()

		if err := b.rdb.Close(); err != nil {
			b.log.Warn("Redis close failed", "error", err)
		}
		b.log.Info("Event bus closed")
	})
	return nil
}
