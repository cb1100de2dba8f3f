package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/dht"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/market"
	"github.com/joymesh/joymesh/core/store"
)

type party struct {
	id *identity.Identity
	kp crypto.KeyPair
}

func newParty(t *testing.T, name string) party {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	did, err := crypto.DeriveDID(kp.Public)
	require.NoError(t, err)
	pub, err := crypto.EncodePublicKey(kp.Public)
	require.NoError(t, err)
	return party{
		id: &identity.Identity{DID: did, PublicKey: pub, DisplayName: name},
		kp: kp,
	}
}

type ledgerFixture struct {
	engine *Engine
	market *market.Service
	clock  *clock.Mock
	buyer  party
	seller party
}

func newLedgerFixture(t *testing.T) *ledgerFixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	table := dht.NewTable(st, dht.WithClock(mock))
	mkt := market.NewService(st, table, market.WithClock(mock))
	return &ledgerFixture{
		engine: NewEngine(st, mkt, WithClock(mock)),
		market: mkt,
		clock:  mock,
		buyer:  newParty(t, "Bob"),
		seller: newParty(t, "Alice"),
	}
}

func (f *ledgerFixture) listing(t *testing.T, price float64) *market.Listing {
	t.Helper()
	l, err := f.market.CreateListing(context.Background(),
		market.AssetRef{AssetID: "asset-1", ChunkIDs: []string{"c1", "c2"}},
		market.Pricing{BasePrice: price, Currency: "JOY"},
		"standard", f.seller.id, f.seller.kp.Private)
	require.NoError(t, err)
	return l
}

func (f *ledgerFixture) initiate(t *testing.T, price float64) *Transaction {
	t.Helper()
	l := f.listing(t, price)
	tx, err := f.engine.Initiate(l.ID, f.buyer.id, f.buyer.kp.Private)
	require.NoError(t, err)
	return tx
}

// ========== Transaction Tests ==========

func TestInitiateCopiesListingTerms(t *testing.T) {
	f := newLedgerFixture(t)
	l := f.listing(t, 42)

	tx, err := f.engine.Initiate(l.ID, f.buyer.id, f.buyer.kp.Private)
	require.NoError(t, err)

	assert.Equal(t, StatusInitiated, tx.Status)
	assert.Equal(t, l.ID, tx.ListingID)
	assert.Equal(t, "asset-1", tx.AssetID)
	assert.Equal(t, []string{"c1", "c2"}, tx.ChunkIDs)
	assert.Equal(t, 42.0, tx.Amount)
	assert.Equal(t, "JOY", tx.Currency)
	assert.Equal(t, f.buyer.id.DID, tx.Buyer.DID)
	assert.Equal(t, f.seller.id.DID, tx.Seller.DID)
	require.Len(t, tx.StatusHistory, 1)
	assert.Equal(t, StatusInitiated, tx.StatusHistory[0].Status)
	assert.True(t, VerifyHistoryEntry(tx.ID, tx.StatusHistory[0], f.buyer.id.PublicKey))
}

func TestInitiateAbsentListing(t *testing.T) {
	f := newLedgerFixture(t)

	_, err := f.engine.Initiate("missing", f.buyer.id, f.buyer.kp.Private)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestUpdateStatusAppendsHistory(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 10)

	f.clock.Add(time.Minute)
	_, err := f.engine.UpdateStatus(tx.ID, StatusPaid, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)

	f.clock.Add(time.Minute)
	final, err := f.engine.UpdateStatus(tx.ID, StatusCompleted, f.seller.id.DID, f.seller.kp.Private, "all done")
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, final.Status)
	require.Len(t, final.StatusHistory, 3)
	assert.Equal(t, StatusInitiated, final.StatusHistory[0].Status)
	assert.Equal(t, StatusPaid, final.StatusHistory[1].Status)
	assert.Equal(t, StatusCompleted, final.StatusHistory[2].Status)
	assert.Equal(t, "all done", final.StatusHistory[2].Message)
	require.NotNil(t, final.CompletedAt)
	assert.Equal(t, f.clock.Now().UTC(), *final.CompletedAt)

	assert.True(t, VerifyHistoryEntry(tx.ID, final.StatusHistory[2], f.seller.id.PublicKey))
}

func TestCompletedAtSetExactlyOnce(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 10)

	f.clock.Add(time.Minute)
	first, err := f.engine.UpdateStatus(tx.ID, StatusCompleted, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)
	require.NotNil(t, first.CompletedAt)
	completedAt := *first.CompletedAt

	f.clock.Add(time.Hour)
	_, err = f.engine.UpdateStatus(tx.ID, StatusDisputed, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)
	f.clock.Add(time.Hour)
	again, err := f.engine.UpdateStatus(tx.ID, StatusCompleted, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)

	require.NotNil(t, again.CompletedAt)
	assert.Equal(t, completedAt, *again.CompletedAt)
	assert.Len(t, again.StatusHistory, 4)
}

func TestUpdateStatusDoesNotValidateTransitions(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 10)

	// Jumping straight to refunded is recorded, not rejected.
	updated, err := f.engine.UpdateStatus(tx.ID, StatusRefunded, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, updated.Status)
}

func TestUpdateStatusAbsentTransaction(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := f.engine.UpdateStatus("missing", StatusPaid, f.buyer.id.DID, f.buyer.kp.Private)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestListByParty(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 10)

	byBuyer, err := f.engine.ListByParty(f.buyer.id.DID)
	require.NoError(t, err)
	require.Len(t, byBuyer, 1)
	assert.Equal(t, tx.ID, byBuyer[0].ID)

	bySeller, err := f.engine.ListByParty(f.seller.id.DID)
	require.NoError(t, err)
	assert.Len(t, bySeller, 1)

	none, err := f.engine.ListByParty("did:joy:stranger")
	require.NoError(t, err)
	assert.Empty(t, none)
}

// ========== Escrow Tests ==========

func TestCreateEscrowWithoutMediator(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 200)

	es, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	assert.Equal(t, tx.ID, es.TransactionID)
	assert.Equal(t, 2.0, es.FeeAmount)
	assert.Equal(t, 2, es.RequiredSignatures)
	require.Len(t, es.Signers, 2)
	assert.Equal(t, RoleBuyer, es.Signers[0].Role)
	assert.Equal(t, RoleSeller, es.Signers[1].Role)
	assert.Equal(t, EscrowPending, es.Status)
	assert.Equal(t, f.clock.Now().UTC().Add(AutoReleaseWindow), es.AutoReleaseAt)
	require.Len(t, es.ReleaseConditions, 1)
	assert.False(t, es.ReleaseConditions[0].Satisfied)
}

func TestCreateEscrowWithMediator(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 200)

	es, err := f.engine.CreateEscrow(tx, "did:joy:mediator")
	require.NoError(t, err)

	require.Len(t, es.Signers, 3)
	assert.Equal(t, RoleMediator, es.Signers[2].Role)
	assert.Equal(t, 2, es.RequiredSignatures)
}

func TestCreateEscrowLeavesTransactionAlone(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 50)

	_, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	reloaded, err := f.engine.Get(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, reloaded.Status)
	assert.Len(t, reloaded.StatusHistory, 1)
}

func TestSignEscrowAndRelease(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 100)
	es, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	// One signature is not a quorum.
	es, err = f.engine.SignEscrow(es.ID, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)
	assert.Equal(t, 1, es.SignatureCount())
	_, err = f.engine.ReleaseEscrow(es.ID)
	require.Error(t, err)

	es, err = f.engine.SignEscrow(es.ID, f.seller.id.DID, f.seller.kp.Private)
	require.NoError(t, err)
	assert.Equal(t, 2, es.SignatureCount())

	released, err := f.engine.ReleaseEscrow(es.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, released.Status)

	// A closed escrow cannot be released again.
	_, err = f.engine.ReleaseEscrow(es.ID)
	require.Error(t, err)
}

func TestSignEscrowIdempotentPerSigner(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 100)
	es, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	_, err = f.engine.SignEscrow(es.ID, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)
	es, err = f.engine.SignEscrow(es.ID, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)
	assert.Equal(t, 1, es.SignatureCount())
}

func TestSignEscrowUnknownSigner(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 100)
	es, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	stranger := newParty(t, "Mallory")
	_, err = f.engine.SignEscrow(es.ID, stranger.id.DID, stranger.kp.Private)
	require.Error(t, err)
	assert.True(t, errs.IsNotFound(err))
}

func TestRefundEscrowMirrorsReleaseGate(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 100)
	es, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	_, err = f.engine.RefundEscrow(es.ID)
	require.Error(t, err)

	_, err = f.engine.SignEscrow(es.ID, f.buyer.id.DID, f.buyer.kp.Private)
	require.NoError(t, err)
	_, err = f.engine.SignEscrow(es.ID, f.seller.id.DID, f.seller.kp.Private)
	require.NoError(t, err)

	refunded, err := f.engine.RefundEscrow(es.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowRefunded, refunded.Status)
}

func TestAutoReleaseAfterWindow(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 100)
	es, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	_, err = f.engine.ReleaseEscrow(es.ID)
	require.Error(t, err)

	f.clock.Add(AutoReleaseWindow)
	released, err := f.engine.ReleaseEscrow(es.ID)
	require.NoError(t, err)
	assert.Equal(t, EscrowReleased, released.Status)
}

func TestConfirmDelivery(t *testing.T) {
	f := newLedgerFixture(t)
	tx := f.initiate(t, 100)
	es, err := f.engine.CreateEscrow(tx)
	require.NoError(t, err)

	es, err = f.engine.ConfirmDelivery(es.ID)
	require.NoError(t, err)
	require.Len(t, es.ReleaseConditions, 1)
	assert.True(t, es.ReleaseConditions[0].Satisfied)
}
