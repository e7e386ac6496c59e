package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/peregrinehq/peregrine/pkg/metrics"
)

// Wire envelopes for the request-reply RPC. Args is the positional tuple of
// the named procedure.
type rpcRequest struct {
	Method   string `msgpack:"method"`
	OrderKey string `msgpack:"order_key"`
	Args     []any  `msgpack:"args"`
}

type rpcRemoteError struct {
	Name string `msgpack:"name"`
	Repr string `msgpack:"repr"`
	Args []any  `msgpack:"args"`
}

type rpcReply struct {
	OK    bool               `msgpack:"ok"`
	Value msgpack.RawMessage `msgpack:"value"`
	Error *rpcRemoteError    `msgpack:"error"`
}

// Default invoke timeouts; writes (kernel creation, destruction) get the
// longer budget.
const (
	DefaultReadTimeout  = 10 * time.Second
	DefaultWriteTimeout = 30 * time.Second
)

// Client issues named procedure calls to agents over NATS request-reply.
// Calls sharing an order key are strictly serialized, so all operations on
// one kernel or session reach the agent in issue order.
type Client struct {
	nc    *nats.Conn
	cache *Cache
	log   *slog.Logger

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	mu     sync.Mutex
	orders map[string]*orderLock
}

type orderLock struct {
	mu   sync.Mutex
	refs int
}

// NewClient wires the RPC client over an established NATS connection.
func NewClient(nc *nats.Conn, cache *Cache) *Client {
	return &Client{
		nc:           nc,
		cache:        cache,
		log:          slog.With("component", "agent-rpc"),
		ReadTimeout:  DefaultReadTimeout,
		WriteTimeout: DefaultWriteTimeout,
		orders:       make(map[string]*orderLock),
	}
}

func rpcSubject(agentID string) string {
	return "agent.rpc." + agentID
}

func (c *Client) acquireOrder(key string) func() {
	if key == "" {
		return func() {}
	}
	c.mu.Lock()
	lock, ok := c.orders[key]
	if !ok {
		lock = &orderLock{}
		c.orders[key] = lock
	}
	lock.refs++
	c.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(c.orders, key)
		}
		c.mu.Unlock()
	}
}

// call invokes one named procedure and decodes the reply value into out
// (skipped when out is nil). Transport problems become TIMEOUT errors,
// remote exceptions become FAILURE errors with name/repr preserved.
func (c *Client) call(ctx context.Context, agentID, method, orderKey string, timeout time.Duration, args []any, out any) error {
	release := c.acquireOrder(orderKey)
	defer release()

	if _, err := c.cache.Get(ctx, agentID); err != nil {
		return fmt.Errorf("resolve agent %s: %w", agentID, err)
	}

	payload, err := msgpack.Marshal(rpcRequest{
		Method:   method,
		OrderKey: orderKey,
		Args:     args,
	})
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	msg, err := c.nc.RequestWithContext(ctx, rpcSubject(agentID), payload)
	metrics.AgentRPCDuration.WithLabelValues(method).Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) ||
			errors.Is(err, context.DeadlineExceeded) {
			metrics.AgentRPCErrors.WithLabelValues(method, ErrKindTimeout).Inc()
			return &Error{Kind: ErrKindTimeout, AgentID: agentID, Name: method}
		}
		metrics.AgentRPCErrors.WithLabelValues(method, "TRANSPORT").Inc()
		return fmt.Errorf("rpc %s to agent %s: %w", method, agentID, err)
	}
	c.log.Debug("Agent RPC completed",
		"agent_id", agentID, "method", method, "duration", time.Since(started))

	var reply rpcReply
	if err := msgpack.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("decode %s reply from agent %s: %w", method, agentID, err)
	}
	if reply.Error != nil {
		metrics.AgentRPCErrors.WithLabelValues(method, ErrKindFailure).Inc()
		return &Error{
			Kind:    ErrKindFailure,
			AgentID: agentID,
			Name:    reply.Error.Name,
			Repr:    reply.Error.Repr,
		}
	}
	if out != nil && len(reply.Value) > 0 {
		if err := msgpack.Unmarshal(reply.Value, out); err != nil {
			return fmt.Errorf("decode %s value from agent %s: %w", method, agentID, err)
		}
	}
	return nil
}
