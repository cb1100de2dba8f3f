package inference

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/ledger"
	"github.com/joymesh/joymesh/core/market"
)

const (
	chunkListingsPrefix  = "model-chunk-listings"
	chunkPurchasesPrefix = "model-chunk-purchases"
)

// ChunkListing offers a set of model chunks for sale. It follows the
// generic listing shape but is scoped to one model's chunk set.
type ChunkListing struct {
	ID        string            `json:"id"`
	ModelID   string            `json:"model_id"`
	ChunkIDs  []string          `json:"chunk_ids"`
	Seller    ledger.PartyInfo  `json:"seller"`
	Pricing   market.Pricing    `json:"pricing"`
	Status    string            `json:"status"`
	Signature []byte            `json:"signature"`
	CreatedAt time.Time         `json:"created_at"`
}

// ChunkPurchase records one purchase of a chunk listing.
type ChunkPurchase struct {
	ID             string           `json:"id"`
	ListingID      string           `json:"listing_id"`
	ModelID        string           `json:"model_id"`
	ChunkIDs       []string         `json:"chunk_ids"`
	Buyer          ledger.PartyInfo `json:"buyer"`
	Seller         ledger.PartyInfo `json:"seller"`
	Amount         float64          `json:"amount"`
	Currency       string           `json:"currency"`
	Status         string           `json:"status"`
	BuyerSignature []byte           `json:"buyer_signature"`
	CreatedAt      time.Time        `json:"created_at"`
}

// CreateChunkListing signs and persists a chunk listing.
func (s *Service) CreateChunkListing(modelID string, chunkIDs []string, pricing market.Pricing, seller *identity.Identity, priv libp2pcrypto.PrivKey) (*ChunkListing, error) {
	if modelID == "" {
		return nil, errs.Validation("model id is required")
	}
	if len(chunkIDs) == 0 {
		return nil, errs.Validation("chunk ids are required")
	}
	if seller == nil {
		return nil, errs.Validation("seller identity is required")
	}
	if priv == nil {
		return nil, errs.Validation("seller key is required")
	}
	if pricing.BasePrice < 0 {
		return nil, errs.Validation("base price must not be negative")
	}
	if pricing.Currency == "" {
		return nil, errs.Validation("pricing currency is required")
	}

	l := &ChunkListing{
		ID:       uuid.NewString(),
		ModelID:  modelID,
		ChunkIDs: chunkIDs,
		Seller: ledger.PartyInfo{
			DID:         seller.DID,
			DisplayName: seller.DisplayName,
			PublicKey:   seller.PublicKey,
		},
		Pricing:   pricing,
		Status:    market.StatusActive,
		CreatedAt: s.clock.Now().UTC(),
	}

	payload := []byte(l.ID + "|" + l.ModelID + "|" + l.Seller.DID + "|" +
		strconv.FormatFloat(l.Pricing.BasePrice, 'f', -1, 64) + "|" + l.Pricing.Currency)
	sig, err := crypto.Sign(payload, priv)
	if err != nil {
		return nil, err
	}
	l.Signature = sig

	if err := s.store.Write(chunkListingsPrefix+"/"+l.ID, l); err != nil {
		return nil, err
	}
	s.logger.Info("chunk listing created", "listing", l.ID, "model", modelID)
	return l, nil
}

// ChunkListings returns all chunk listings, newest first.
func (s *Service) ChunkListings() ([]*ChunkListing, error) {
	ids, err := s.store.List(chunkListingsPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*ChunkListing, 0, len(ids))
	for _, id := range ids {
		var l ChunkListing
		if err := s.store.Read(chunkListingsPrefix+"/"+id, &l); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// GetChunkListing returns the chunk listing by id.
func (s *Service) GetChunkListing(id string) (*ChunkListing, error) {
	var l ChunkListing
	if err := s.store.Read(chunkListingsPrefix+"/"+id, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

// PurchaseChunkListing opens a purchase against a chunk listing. The buyer
// signs the purchase terms.
func (s *Service) PurchaseChunkListing(listingID string, buyer *identity.Identity, priv libp2pcrypto.PrivKey) (*ChunkPurchase, error) {
	if buyer == nil {
		return nil, errs.Validation("buyer identity is required")
	}
	if priv == nil {
		return nil, errs.Validation("buyer key is required")
	}
	l, err := s.GetChunkListing(listingID)
	if err != nil {
		return nil, err
	}

	p := &ChunkPurchase{
		ID:        uuid.NewString(),
		ListingID: l.ID,
		ModelID:   l.ModelID,
		ChunkIDs:  l.ChunkIDs,
		Buyer: ledger.PartyInfo{
			DID:         buyer.DID,
			DisplayName: buyer.DisplayName,
			PublicKey:   buyer.PublicKey,
		},
		Seller:    l.Seller,
		Amount:    l.Pricing.BasePrice,
		Currency:  l.Pricing.Currency,
		Status:    ledger.StatusInitiated,
		CreatedAt: s.clock.Now().UTC(),
	}

	payload := []byte(p.ID + "|" + p.ListingID + "|" + strconv.FormatFloat(p.Amount, 'f', -1, 64))
	sig, err := crypto.Sign(payload, priv)
	if err != nil {
		return nil, err
	}
	p.BuyerSignature = sig

	if err := s.store.Write(chunkPurchasesPrefix+"/"+p.ID, p); err != nil {
		return nil, err
	}
	s.logger.Info("chunk listing purchased", "purchase", p.ID, "listing", l.ID, "buyer", buyer.DID)
	return p, nil
}

// ChunkPurchases returns all purchases where the DID is buyer or seller,
// newest first. An empty DID returns everything.
func (s *Service) ChunkPurchases(did string) ([]*ChunkPurchase, error) {
	ids, err := s.store.List(chunkPurchasesPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*ChunkPurchase, 0, len(ids))
	for _, id := range ids {
		var p ChunkPurchase
		if err := s.store.Read(chunkPurchasesPrefix+"/"+id, &p); err != nil {
			return nil, err
		}
		if did != "" && p.Buyer.DID != did && p.Seller.DID != did {
			continue
		}
		out = append(out, &p)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreateChunkEscrow opens an escrow for a chunk purchase through the shared
// ledger engine, so chunk escrow follows the same quorum and fee rules as
// every other escrow.
func (s *Service) CreateChunkEscrow(purchase *ChunkPurchase, mediatorDID ...string) (*ledger.Escrow, error) {
	if purchase == nil {
		return nil, errs.Validation("purchase is required")
	}
	tx := &ledger.Transaction{
		ID:       purchase.ID,
		Type:     "model-chunk-purchase",
		Buyer:    purchase.Buyer,
		Seller:   purchase.Seller,
		Amount:   purchase.Amount,
		Currency: purchase.Currency,
	}
	return s.ledger.CreateEscrow(tx, mediatorDID...)
}
