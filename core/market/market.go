// Package market publishes and searches signed marketplace listings.
package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/dht"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/store"
)

const listingsPrefix = "listings"

// Listing status values.
const (
	StatusActive  = "active"
	StatusPaused  = "paused"
	StatusSold    = "sold"
	StatusRemoved = "removed"
)

// AssetRef points at the content a listing sells.
type AssetRef struct {
	AssetID        string   `json:"asset_id"`
	ChunkIDs       []string `json:"chunk_ids,omitempty"`
	DeliveryMethod string   `json:"delivery_method,omitempty"`
}

// Pricing holds the price terms of a listing.
type Pricing struct {
	BasePrice          float64  `json:"base_price"`
	Currency           string   `json:"currency"`
	AcceptedCurrencies []string `json:"accepted_currencies,omitempty"`
}

// SellerInfo is the seller snapshot embedded in a listing.
type SellerInfo struct {
	DID         string `json:"did"`
	DisplayName string `json:"display_name"`
	StoreName   string `json:"store_name,omitempty"`
	PublicKey   string `json:"public_key"`
}

// Listing is a signed marketplace listing. The signature covers the id,
// asset, seller and base price terms; later status or price mutations do
// not re-sign, so VerifyListing exposes them.
type Listing struct {
	ID           string     `json:"id"`
	AssetID      string     `json:"asset_id"`
	ChunkIDs     []string   `json:"chunk_ids,omitempty"`
	Seller       SellerInfo `json:"seller"`
	Pricing      Pricing    `json:"pricing"`
	Availability string     `json:"availability,omitempty"`
	Delivery     string     `json:"delivery,omitempty"`
	License      string     `json:"license,omitempty"`
	Status       string     `json:"status"`
	Signature    []byte     `json:"signature"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Filter narrows Search results. Absent fields match everything.
type Filter struct {
	Keyword  string
	MinPrice *float64
	MaxPrice *float64
	Currency string
}

// Service owns listing persistence and publication.
type Service struct {
	store  *store.Store
	dht    *dht.Table
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the service's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a listing service over the given store and DHT table.
func NewService(st *store.Store, table *dht.Table, opts ...Option) *Service {
	s := &Service{
		store: st,
		dht:   table,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "market")
	return s
}

func listingPayload(id, assetID, sellerDID string, basePrice float64, currency string) []byte {
	return []byte(id + "|" + assetID + "|" + sellerDID + "|" +
		strconv.FormatFloat(basePrice, 'f', -1, 64) + "|" + currency)
}

// CreateListing builds, signs and persists a listing, then publishes it to
// the DHT under "listing:<id>".
func (s *Service) CreateListing(ctx context.Context, asset AssetRef, pricing Pricing, license string, seller *identity.Identity, priv libp2pcrypto.PrivKey) (*Listing, error) {
	if seller == nil {
		return nil, errs.Validation("seller identity is required")
	}
	if priv == nil {
		return nil, errs.Validation("seller key is required")
	}
	if asset.AssetID == "" {
		return nil, errs.Validation("asset id is required")
	}
	if pricing.BasePrice < 0 {
		return nil, errs.Validation("base price must not be negative")
	}
	if pricing.Currency == "" {
		return nil, errs.Validation("pricing currency is required")
	}

	now := s.clock.Now().UTC()
	l := &Listing{
		ID:       uuid.NewString(),
		AssetID:  asset.AssetID,
		ChunkIDs: asset.ChunkIDs,
		Seller: SellerInfo{
			DID:         seller.DID,
			DisplayName: seller.DisplayName,
			StoreName:   seller.StoreName,
			PublicKey:   seller.PublicKey,
		},
		Pricing:   pricing,
		Delivery:  asset.DeliveryMethod,
		License:   license,
		Status:    StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	sig, err := crypto.Sign(listingPayload(l.ID, l.AssetID, l.Seller.DID, l.Pricing.BasePrice, l.Pricing.Currency), priv)
	if err != nil {
		return nil, err
	}
	l.Signature = sig

	if err := s.store.Write(listingsPrefix+"/"+l.ID, l); err != nil {
		return nil, err
	}

	value, err := json.Marshal(l)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "encode listing for dht", err)
	}
	if _, err := s.dht.Put(ctx, "listing:"+l.ID, value, seller.DID, priv, 0); err != nil {
		return nil, err
	}

	s.logger.Info("listing created", "listing", l.ID, "asset", l.AssetID, "seller", l.Seller.DID)
	return l, nil
}

// Get returns the listing by id.
func (s *Service) Get(id string) (*Listing, error) {
	var l Listing
	if err := s.store.Read(listingsPrefix+"/"+id, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// Listings returns all persisted listings, newest first.
func (s *Service) Listings() ([]*Listing, error) {
	ids, err := s.store.List(listingsPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Listing, 0, len(ids))
	for _, id := range ids {
		var l Listing
		if err := s.store.Read(listingsPrefix+"/"+id, &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Search returns listings matching every set filter field. An empty filter
// is equivalent to Listings.
func (s *Service) Search(f Filter) ([]*Listing, error) {
	all, err := s.Listings()
	if err != nil {
		return nil, err
	}
	out := make([]*Listing, 0, len(all))
	for _, l := range all {
		if f.Keyword != "" && !strings.Contains(l.AssetID, f.Keyword) {
			continue
		}
		if f.MinPrice != nil && l.Pricing.BasePrice < *f.MinPrice {
			continue
		}
		if f.MaxPrice != nil && l.Pricing.BasePrice > *f.MaxPrice {
			continue
		}
		if f.Currency != "" && !acceptsCurrency(l, f.Currency) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func acceptsCurrency(l *Listing, currency string) bool {
	if l.Pricing.Currency == currency {
		return true
	}
	for _, c := range l.Pricing.AcceptedCurrencies {
		if c == currency {
			return true
		}
	}
	return false
}

// UpdateStatus mutates the listing status and persists. The original
// signature is left untouched.
func (s *Service) UpdateStatus(id, status string) (*Listing, error) {
	switch status {
	case StatusActive, StatusPaused, StatusSold, StatusRemoved:
	default:
		return nil, errs.Validation("unknown listing status: " + status)
	}
	l, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	l.Status = status
	l.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.Write(listingsPrefix+"/"+id, l); err != nil {
		return nil, err
	}
	return l, nil
}

// UpdatePrice mutates the base price and persists without re-signing, so
// the signature no longer verifies until the seller republishes.
func (s *Service) UpdatePrice(id string, basePrice float64) (*Listing, error) {
	if basePrice < 0 {
		return nil, errs.Validation("base price must not be negative")
	}
	l, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	l.Pricing.BasePrice = basePrice
	l.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.Write(listingsPrefix+"/"+id, l); err != nil {
		return nil, err
	}
	return l, nil
}

// VerifyListing checks the listing signature against the seller's embedded
// public key. False means the signed terms no longer match the record.
func VerifyListing(l *Listing) bool {
	if l == nil || l.Seller.PublicKey == "" {
		return false
	}
	payload := listingPayload(l.ID, l.AssetID, l.Seller.DID, l.Pricing.BasePrice, l.Pricing.Currency)
	return crypto.VerifyEncoded(payload, l.Signature, l.Seller.PublicKey)
}
