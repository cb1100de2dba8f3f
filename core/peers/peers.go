// Package peers tracks known and connected marketplace peers. Known peers are
// persisted; the connected set is session-scoped bookkeeping only. There is
// no real transport behind it, and a future transport must be able to replace
// the internals without changing these contracts.
package peers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/multiformats/go-multiaddr"

	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/store"
)

const peersPrefix = "peers"

// Status values for a peer's connection state.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// PeerIdentity is the identity snapshot carried in a peer record.
type PeerIdentity struct {
	DID         string `json:"did"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key,omitempty"`
}

// Reputation tracks marketplace standing for a peer.
type Reputation struct {
	Score         float64  `json:"score"`
	CompletedTx   uint64   `json:"completed_tx"`
	FailedTx      uint64   `json:"failed_tx"`
	Disputes      uint64   `json:"disputes"`
	UptimePercent float64  `json:"uptime_percent"`
	AvgResponseMs float64  `json:"avg_response_ms"`
	Reviews       uint64   `json:"reviews"`
	Badges        []string `json:"badges,omitempty"`
}

// DefaultReputation is the neutral starting reputation for new peers.
func DefaultReputation() Reputation {
	return Reputation{Score: 0.5, UptimePercent: 100}
}

// Peer is a known marketplace peer.
type Peer struct {
	ID           string        `json:"id"`
	Identity     PeerIdentity  `json:"identity"`
	Addresses    []string      `json:"addresses"`
	Protocols    []string      `json:"protocols,omitempty"`
	Capabilities CapabilitySet `json:"capabilities"`
	Reputation   Reputation    `json:"reputation"`
	Connected    bool          `json:"connected"`
	Status       string        `json:"status"`
	LastSeen     time.Time     `json:"last_seen"`
}

// HasCapability reports whether the peer advertises the capability.
func (p *Peer) HasCapability(c Capability) bool {
	return p.Capabilities.Has(c)
}

// Directory owns all peer state. It is an explicit handle, not a global.
type Directory struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	known     map[string]*Peer
	connected map[string]struct{}

	alpha float64 // EMA smoothing for reputation updates
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(d *Directory) { d.clock = c }
}

// WithLogger sets the directory's logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Directory) { d.logger = l }
}

// NewDirectory creates a peer directory over the given store.
func NewDirectory(st *store.Store, opts ...Option) *Directory {
	d := &Directory{
		store:     st,
		clock:     clock.New(),
		known:     make(map[string]*Peer),
		connected: make(map[string]struct{}),
		alpha:     0.15,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With("component", "peers")
	return d
}

// Add upserts a peer into the persisted set and the in-memory index. Peer
// addresses must be valid multiaddrs.
func (d *Directory) Add(p *Peer) error {
	if p == nil || p.ID == "" {
		return errs.Validation("peer id is required")
	}
	for _, addr := range p.Addresses {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return errs.Validation("invalid peer address: " + addr)
		}
	}
	if p.Capabilities == nil {
		p.Capabilities = CapabilitySet{}
	}
	if p.Status == "" {
		p.Status = StatusOffline
	}

	if err := d.store.Write(peersPrefix+"/"+p.ID, p); err != nil {
		return err
	}

	d.mu.Lock()
	d.known[p.ID] = p
	d.mu.Unlock()
	return nil
}

// Known reloads all persisted peers, rebuilding the in-memory index.
func (d *Directory) Known() ([]*Peer, error) {
	ids, err := d.store.List(peersPrefix)
	if err != nil {
		return nil, err
	}

	index := make(map[string]*Peer, len(ids))
	out := make([]*Peer, 0, len(ids))
	for _, id := range ids {
		var p Peer
		if err := d.store.Read(peersPrefix+"/"+id, &p); err != nil {
			return nil, err
		}
		index[p.ID] = &p
		out = append(out, &p)
	}

	d.mu.Lock()
	d.known = index
	// Drop connected entries that no longer exist
	for id := range d.connected {
		if _, ok := index[id]; !ok {
			delete(d.connected, id)
		}
	}
	d.mu.Unlock()
	return out, nil
}

// Get returns the indexed peer, if known.
func (d *Directory) Get(id string) (*Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.known[id]
	return p, ok
}

// Connect marks a known peer as connected for this session. Connecting to an
// unknown peer returns nil, not an error.
func (d *Directory) Connect(id string) (*Peer, error) {
	d.mu.Lock()
	p, ok := d.known[id]
	if !ok {
		d.mu.Unlock()
		return nil, nil
	}
	p.Connected = true
	p.Status = StatusOnline
	p.LastSeen = d.clock.Now().UTC()
	d.connected[id] = struct{}{}
	d.mu.Unlock()

	if err := d.store.Write(peersPrefix+"/"+id, p); err != nil {
		return nil, err
	}
	d.logger.Debug("peer connected", "peer", id)
	return p, nil
}

// Disconnect reverses Connect. Unknown peers return nil.
func (d *Directory) Disconnect(id string) (*Peer, error) {
	d.mu.Lock()
	p, ok := d.known[id]
	if !ok {
		d.mu.Unlock()
		return nil, nil
	}
	p.Connected = false
	p.Status = StatusOffline
	p.LastSeen = d.clock.Now().UTC()
	delete(d.connected, id)
	d.mu.Unlock()

	if err := d.store.Write(peersPrefix+"/"+id, p); err != nil {
		return nil, err
	}
	d.logger.Debug("peer disconnected", "peer", id)
	return p, nil
}

// Connected returns the session's connected peers.
func (d *Directory) Connected() []*Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Peer, 0, len(d.connected))
	for id := range d.connected {
		if p, ok := d.known[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// RecordInteraction folds an interaction outcome into the peer's reputation
// with an exponential moving average.
func (d *Directory) RecordInteraction(id string, success bool, latencyMs float64) error {
	d.mu.Lock()
	p, ok := d.known[id]
	if !ok {
		d.mu.Unlock()
		return errs.NotFound("peer", id)
	}

	target := 0.0
	if success {
		target = 1.0
		p.Reputation.CompletedTx++
	} else {
		p.Reputation.FailedTx++
	}
	p.Reputation.Score = (1-d.alpha)*p.Reputation.Score + d.alpha*target
	if latencyMs > 0 {
		if p.Reputation.AvgResponseMs == 0 {
			p.Reputation.AvgResponseMs = latencyMs
		} else {
			p.Reputation.AvgResponseMs = (1-d.alpha)*p.Reputation.AvgResponseMs + d.alpha*latencyMs
		}
	}
	p.LastSeen = d.clock.Now().UTC()
	d.mu.Unlock()

	return d.store.Write(peersPrefix+"/"+id, p)
}
