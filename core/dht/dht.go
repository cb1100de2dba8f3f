// Package dht is a locally-persisted distributed hash table facade. Records
// carry publisher signatures so any node can verify provenance; the network
// replication side is a collaborator concern and only the replica count is
// tracked here.
package dht

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/store"
)

const (
	recordsPrefix = "dht"

	// DefaultTTL bounds how long a record is served without a refresh.
	DefaultTTL = 24 * time.Hour
)

// Record is a signed DHT entry.
type Record struct {
	Key          string          `json:"key"`
	Value        json.RawMessage `json:"value"`
	Publisher    string          `json:"publisher"`
	PublisherKey string          `json:"publisher_key"`
	Signature    []byte          `json:"signature"`
	Timestamp    time.Time       `json:"timestamp"`
	TTLSeconds   int64           `json:"ttl_seconds"`
	// Replicas lists the peers holding a copy. Single-node today, so only
	// the publisher appears; a transport appends holders as it replicates.
	Replicas []string `json:"replicas"`
}

// Expired reports whether the record's TTL has lapsed at the given instant.
func (r *Record) Expired(now time.Time) bool {
	if r.TTLSeconds <= 0 {
		return false
	}
	return now.After(r.Timestamp.Add(time.Duration(r.TTLSeconds) * time.Second))
}

// Table owns local DHT record storage.
type Table struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
	ttl    time.Duration
}

// Option configures a Table.
type Option func(*Table)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(t *Table) { t.clock = c }
}

// WithLogger sets the table's logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

// WithTTL overrides the default record TTL.
func WithTTL(ttl time.Duration) Option {
	return func(t *Table) { t.ttl = ttl }
}

// NewTable creates a DHT table over the given store.
func NewTable(st *store.Store, opts ...Option) *Table {
	t := &Table{
		store: st,
		clock: clock.New(),
		ttl:   DefaultTTL,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "dht")
	return t
}

func recordPath(key string) string {
	// Keys are arbitrary strings; hash them into safe store names.
	return recordsPrefix + "/" + crypto.HashContent([]byte(key))
}

// Put signs and stores a record under the key. The signature covers the
// key and the raw value so a relaying node cannot swap either. A zero ttl
// uses the table default.
func (t *Table) Put(ctx context.Context, key string, value json.RawMessage, publisherDID string, priv libp2pcrypto.PrivKey, ttl time.Duration) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if key == "" {
		return nil, errs.Validation("dht key is required")
	}
	if publisherDID == "" {
		return nil, errs.Validation("publisher did is required")
	}
	if priv == nil {
		return nil, errs.Validation("publisher key is required")
	}

	if ttl <= 0 {
		ttl = t.ttl
	}

	payload := append([]byte(key+"|"), value...)
	sig, err := crypto.Sign(payload, priv)
	if err != nil {
		return nil, err
	}
	pub, err := crypto.EncodePublicKey(priv.GetPublic())
	if err != nil {
		return nil, err
	}

	rec := &Record{
		Key:          key,
		Value:        value,
		Publisher:    publisherDID,
		PublisherKey: pub,
		Signature:    sig,
		Timestamp:    t.clock.Now().UTC(),
		TTLSeconds:   int64(ttl / time.Second),
		Replicas:     []string{publisherDID},
	}
	if err := t.store.Write(recordPath(key), rec); err != nil {
		return nil, err
	}
	t.logger.Debug("dht record stored", "key", key, "publisher", publisherDID)
	return rec, nil
}

// Get returns the record for the key, or nil when absent. Expired records
// are still returned; callers decide whether to honor them.
func (t *Table) Get(ctx context.Context, key string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rec Record
	if err := t.store.Read(recordPath(key), &rec); err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// Delete removes the record for the key. Absent keys are a no-op.
func (t *Table) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.store.Delete(recordPath(key))
}

// SweepExpired deletes every record whose TTL has lapsed and returns the
// swept keys.
func (t *Table) SweepExpired(ctx context.Context) ([]string, error) {
	names, err := t.store.List(recordsPrefix)
	if err != nil {
		return nil, err
	}

	now := t.clock.Now().UTC()
	var swept []string
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return swept, err
		}
		var rec Record
		if err := t.store.Read(recordsPrefix+"/"+name, &rec); err != nil {
			return swept, err
		}
		if !rec.Expired(now) {
			continue
		}
		if err := t.store.Delete(recordsPrefix + "/" + name); err != nil {
			return swept, err
		}
		swept = append(swept, rec.Key)
	}
	if len(swept) > 0 {
		t.logger.Info("expired dht records swept", "count", len(swept))
	}
	return swept, nil
}

// VerifyRecord checks that the record's signature matches its embedded
// publisher key and that the publisher DID was derived from that key.
func VerifyRecord(rec *Record) bool {
	if rec == nil || rec.PublisherKey == "" {
		return false
	}
	pub, err := crypto.DecodePublicKey(rec.PublisherKey)
	if err != nil {
		return false
	}
	did, err := crypto.DeriveDID(pub)
	if err != nil || did != rec.Publisher {
		return false
	}
	payload := append([]byte(rec.Key+"|"), rec.Value...)
	return crypto.Verify(payload, rec.Signature, pub)
}
