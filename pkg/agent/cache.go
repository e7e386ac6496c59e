package agent

import (
	"context"
	"sync"

	"github.com/peregrinehq/peregrine/pkg/store"
)

// Peer is the connection identity of one agent.
type Peer struct {
	ID        string
	Address   string
	PublicKey string
}

// Cache is the process-local agent peer map. Heartbeats keep it fresh;
// liveness transitions invalidate entries; misses fall through to the DB.
type Cache struct {
	mu    sync.RWMutex
	peers map[string]Peer
	store *store.Store
}

// NewCache creates an empty cache backed by the store.
func NewCache(st *store.Store) *Cache {
	return &Cache{
		peers: make(map[string]Peer),
		store: st,
	}
}

// Get resolves a peer, loading from the DB on a miss.
func (c *Cache) Get(ctx context.Context, agentID string) (Peer, error) {
	c.mu.RLock()
	p, ok := c.peers[agentID]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	a, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return Peer{}, err
	}
	p = Peer{ID: a.ID, Address: a.Address, PublicKey: a.PublicKey}
	c.Put(p)
	return p, nil
}

// Put refreshes one peer entry.
func (c *Cache) Put(p Peer) {
	c.mu.Lock()
	c.peers[p.ID] = p
	c.mu.Unlock()
}

// Invalidate drops one peer entry, forcing the next Get through the DB.
func (c *Cache) Invalidate(agentID string) {
	c.mu.Lock()
	delete(c.peers, agentID)
	c.mu.Unlock()
}
