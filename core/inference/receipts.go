package inference

import (
	"context"
	"encoding/json"

	"github.com/benbjohnson/clock"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/store"
)

const receiptsPrefix = "receipts"

// StoreMinter mints receipts into the local store, addressed by the CID of
// the receipt request.
type StoreMinter struct {
	store *store.Store
	clock clock.Clock
}

// NewStoreMinter creates a local receipt minter.
func NewStoreMinter(st *store.Store, c clock.Clock) *StoreMinter {
	if c == nil {
		c = clock.New()
	}
	return &StoreMinter{store: st, clock: c}
}

// CreateReceipt implements ReceiptMinter.
func (m *StoreMinter) CreateReceipt(ctx context.Context, req ReceiptRequest) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Issuer == "" {
		return nil, errs.Validation("receipt issuer is required")
	}
	if req.ModelID == "" {
		return nil, errs.Validation("receipt model id is required")
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.CodeIO, "encode receipt request", err)
	}
	id, err := crypto.ContentID(encoded)
	if err != nil {
		return nil, err
	}

	r := &Receipt{
		ContentID: id.String(),
		Request:   req,
		CreatedAt: m.clock.Now().UTC(),
		Locations: []string{"local"},
	}
	if err := m.store.Write(receiptsPrefix+"/"+r.ContentID, r); err != nil {
		return nil, err
	}
	return r, nil
}

// GetReceipt loads a minted receipt by content id.
func (m *StoreMinter) GetReceipt(contentID string) (*Receipt, error) {
	var r Receipt
	if err := m.store.Read(receiptsPrefix+"/"+contentID, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
