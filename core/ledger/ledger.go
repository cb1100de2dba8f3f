// Package ledger records purchases as signed, append-only status histories
// and manages multi-signer escrow alongside them.
//
// The transaction ledger deliberately does not validate status transitions.
// It is an audit log of what the parties asserted and signed, not a state
// machine; callers own transition policy.
package ledger

import (
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/market"
	"github.com/joymesh/joymesh/core/store"
)

const transactionsPrefix = "transactions"

// Transaction status values.
const (
	StatusInitiated       = "initiated"
	StatusAwaitingPayment = "awaiting-payment"
	StatusPaid            = "paid"
	StatusDelivered       = "delivered"
	StatusCompleted       = "completed"
	StatusDisputed        = "disputed"
	StatusCancelled       = "cancelled"
	StatusRefunded        = "refunded"
)

// PartyInfo is the identity snapshot of a transaction party.
type PartyInfo struct {
	DID         string `json:"did"`
	DisplayName string `json:"display_name"`
	PublicKey   string `json:"public_key,omitempty"`
}

// HistoryEntry is one signed append to a transaction's status history.
type HistoryEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Message   string    `json:"message,omitempty"`
	Signature []byte    `json:"signature"`
}

// Transaction is one purchase's ledger record.
type Transaction struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Buyer          PartyInfo      `json:"buyer"`
	Seller         PartyInfo      `json:"seller"`
	ListingID      string         `json:"listing_id"`
	AssetID        string         `json:"asset_id"`
	ChunkIDs       []string       `json:"chunk_ids,omitempty"`
	Amount         float64        `json:"amount"`
	Currency       string         `json:"currency"`
	Status         string         `json:"status"`
	StatusHistory  []HistoryEntry `json:"status_history"`
	BuyerSignature []byte         `json:"buyer_signature"`
	InitiatedAt    time.Time      `json:"initiated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ListingSource resolves listing ids; market.Service satisfies it.
type ListingSource interface {
	Get(id string) (*market.Listing, error)
}

// Engine owns transaction and escrow persistence.
type Engine struct {
	store    *store.Store
	listings ListingSource
	clock    clock.Clock
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a transaction engine over the given store.
func NewEngine(st *store.Store, listings ListingSource, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		listings: listings,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "ledger")
	return e
}

func historyPayload(status, txID string, ts time.Time) []byte {
	return []byte(status + ":" + txID + ":" + ts.UTC().Format(time.RFC3339Nano))
}

func initiationPayload(txID, listingID string, amount float64) []byte {
	return []byte(txID + "|" + listingID + "|" + strconv.FormatFloat(amount, 'f', -1, 64))
}

// Initiate opens a transaction against a listing. The buyer signs the
// purchase terms and the first history entry.
func (e *Engine) Initiate(listingID string, buyer *identity.Identity, priv libp2pcrypto.PrivKey) (*Transaction, error) {
	if buyer == nil {
		return nil, errs.Validation("buyer identity is required")
	}
	if priv == nil {
		return nil, errs.Validation("buyer key is required")
	}

	l, err := e.listings.Get(listingID)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	tx := &Transaction{
		ID:   uuid.NewString(),
		Type: "purchase",
		Buyer: PartyInfo{
			DID:         buyer.DID,
			DisplayName: buyer.DisplayName,
			PublicKey:   buyer.PublicKey,
		},
		Seller: PartyInfo{
			DID:         l.Seller.DID,
			DisplayName: l.Seller.DisplayName,
			PublicKey:   l.Seller.PublicKey,
		},
		ListingID:   l.ID,
		AssetID:     l.AssetID,
		ChunkIDs:    l.ChunkIDs,
		Amount:      l.Pricing.BasePrice,
		Currency:    l.Pricing.Currency,
		Status:      StatusInitiated,
		InitiatedAt: now,
	}

	buyerSig, err := crypto.Sign(initiationPayload(tx.ID, tx.ListingID, tx.Amount), priv)
	if err != nil {
		return nil, err
	}
	tx.BuyerSignature = buyerSig

	entrySig, err := crypto.Sign(historyPayload(StatusInitiated, tx.ID, now), priv)
	if err != nil {
		return nil, err
	}
	tx.StatusHistory = []HistoryEntry{{
		Status:    StatusInitiated,
		Timestamp: now,
		Actor:     buyer.DID,
		Signature: entrySig,
	}}

	if err := e.store.Write(transactionsPrefix+"/"+tx.ID, tx); err != nil {
		return nil, err
	}
	e.logger.Info("transaction initiated", "tx", tx.ID, "listing", listingID, "buyer", buyer.DID)
	return tx, nil
}

// UpdateStatus appends a signed history entry and sets the new status. No
// transition validation is performed. The whole record is rewritten, so two
// racing updates on one id can lose an entry.
func (e *Engine) UpdateStatus(id, status, actorDID string, priv libp2pcrypto.PrivKey, message ...string) (*Transaction, error) {
	if status == "" {
		return nil, errs.Validation("status is required")
	}
	if actorDID == "" {
		return nil, errs.Validation("actor did is required")
	}
	if priv == nil {
		return nil, errs.Validation("actor key is required")
	}

	tx, err := e.Get(id)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now().UTC()
	sig, err := crypto.Sign(historyPayload(status, id, now), priv)
	if err != nil {
		return nil, err
	}

	entry := HistoryEntry{
		Status:    status,
		Timestamp: now,
		Actor:     actorDID,
		Signature: sig,
	}
	if len(message) > 0 {
		entry.Message = message[0]
	}

	tx.Status = status
	tx.StatusHistory = append(tx.StatusHistory, entry)
	if status == StatusCompleted && tx.CompletedAt == nil {
		tx.CompletedAt = &now
	}

	if err := e.store.Write(transactionsPrefix+"/"+id, tx); err != nil {
		return nil, err
	}
	e.logger.Info("transaction status updated", "tx", id, "status", status, "actor", actorDID)
	return tx, nil
}

// Get returns the transaction by id.
func (e *Engine) Get(id string) (*Transaction, error) {
	var tx Transaction
	if err := e.store.Read(transactionsPrefix+"/"+id, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// History returns the transaction's status history in append order.
func (e *Engine) History(id string) ([]HistoryEntry, error) {
	tx, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	return tx.StatusHistory, nil
}

// ListByParty returns every transaction where the DID is buyer or seller,
// newest first.
func (e *Engine) ListByParty(did string) ([]*Transaction, error) {
	ids, err := e.store.List(transactionsPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Transaction, 0, len(ids))
	for _, id := range ids {
		var tx Transaction
		if err := e.store.Read(transactionsPrefix+"/"+id, &tx); err != nil {
			return nil, err
		}
		if tx.Buyer.DID == did || tx.Seller.DID == did {
			out = append(out, &tx)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].InitiatedAt.After(out[j].InitiatedAt)
	})
	return out, nil
}

// VerifyHistoryEntry checks one history entry's signature against an
// encoded public key.
func VerifyHistoryEntry(txID string, entry HistoryEntry, encodedPub string) bool {
	return crypto.VerifyEncoded(historyPayload(entry.Status, txID, entry.Timestamp), entry.Signature, encodedPub)
}
