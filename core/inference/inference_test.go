package inference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/dht"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/ledger"
	"github.com/joymesh/joymesh/core/market"
	"github.com/joymesh/joymesh/core/messaging"
	"github.com/joymesh/joymesh/core/peers"
	"github.com/joymesh/joymesh/core/store"
)

type fakeRunner struct {
	output string
	err    error
	calls  int
}

func (r *fakeRunner) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return &RunResult{Output: r.output, Tokens: len(r.output), TimeMs: 5}, nil
}

type fakeStreamRunner struct {
	tokens []string
	err    error
}

func (r *fakeStreamRunner) RunStream(ctx context.Context, req RunRequest) (<-chan RunnerEvent, error) {
	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan RunnerEvent)
	go func() {
		defer close(ch)
		for _, tok := range r.tokens {
			ch <- RunnerEvent{Token: tok}
		}
		ch <- RunnerEvent{Done: true}
	}()
	return ch, nil
}

type inferenceFixture struct {
	svc    *Service
	peers  *peers.Directory
	dht    *dht.Table
	ledger *ledger.Engine
	msgs   *messaging.Service
	minter *StoreMinter
	runner *fakeRunner
	clock  *clock.Mock
	local  *identity.Identity
	kp     crypto.KeyPair
}

func newInferenceFixture(t *testing.T) *inferenceFixture {
	t.Helper()
	st, err := store.New(t.TempDir())
	require.NoError(t, err)
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	did, err := crypto.DeriveDID(kp.Public)
	require.NoError(t, err)
	pub, err := crypto.EncodePublicKey(kp.Public)
	require.NoError(t, err)

	table := dht.NewTable(st, dht.WithClock(mock))
	dir := peers.NewDirectory(st, peers.WithClock(mock))
	mkt := market.NewService(st, table, market.WithClock(mock))
	eng := ledger.NewEngine(st, mkt, ledger.WithClock(mock))
	msgs := messaging.NewService(st, messaging.WithClock(mock))
	minter := NewStoreMinter(st, mock)
	runner := &fakeRunner{output: "forty-two"}

	svc := NewService(st, dir, table, eng, msgs,
		WithClock(mock),
		WithRunner(runner),
		WithStreamRunner(&fakeStreamRunner{tokens: []string{"forty", "-", "two"}}),
		WithReceiptMinter(minter))

	return &inferenceFixture{
		svc:    svc,
		peers:  dir,
		dht:    table,
		ledger: eng,
		msgs:   msgs,
		minter: minter,
		runner: runner,
		clock:  mock,
		local:  &identity.Identity{DID: did, PublicKey: pub, DisplayName: "Local"},
		kp:     kp,
	}
}

func (f *inferenceFixture) addComputePeer(t *testing.T, id string, score float64, connect bool) *peers.Peer {
	t.Helper()
	p := &peers.Peer{
		ID:           id,
		Identity:     peers.PeerIdentity{DID: "did:joy:" + id, DisplayName: id},
		Capabilities: peers.NewCapabilitySet("compute"),
		Reputation:   peers.Reputation{Score: score, UptimePercent: 100},
	}
	require.NoError(t, f.peers.Add(p))
	if connect {
		_, err := f.peers.Connect(id)
		require.NoError(t, err)
	}
	return p
}

// ========== Chunk Announcement Tests ==========

func TestAnnounceChunkDualWrite(t *testing.T) {
	f := newInferenceFixture(t)
	ctx := context.Background()

	ann, err := f.svc.AnnounceChunk(ctx, ChunkAnnouncement{
		ModelID:  "m1",
		ChunkID:  "c1",
		Provider: f.local.DID,
	}, f.kp.Private)
	require.NoError(t, err)
	assert.Equal(t, f.clock.Now().UTC(), ann.CreatedAt)

	rec, err := f.dht.Get(ctx, "model-chunk:m1:c1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, dht.VerifyRecord(rec))

	chunks, err := f.svc.FindModelChunks("m1")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "c1", chunks[0].ChunkID)
}

func TestAnnounceChunkDedupsByChunkID(t *testing.T) {
	f := newInferenceFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.AnnounceChunk(ctx, ChunkAnnouncement{
			ModelID: "m1", ChunkID: "c1", Provider: f.local.DID, SizeBytes: int64(i),
		}, f.kp.Private)
		require.NoError(t, err)
	}
	_, err := f.svc.AnnounceChunk(ctx, ChunkAnnouncement{
		ModelID: "m1", ChunkID: "c2", Provider: f.local.DID,
	}, f.kp.Private)
	require.NoError(t, err)

	chunks, err := f.svc.FindModelChunks("m1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, int64(2), chunks[0].SizeBytes) // last announcement wins
}

func TestFindModelChunksUnknownModel(t *testing.T) {
	f := newInferenceFixture(t)
	chunks, err := f.svc.FindModelChunks("nope")
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

// ========== Chunk Marketplace Tests ==========

func TestChunkListingAndPurchase(t *testing.T) {
	f := newInferenceFixture(t)

	l, err := f.svc.CreateChunkListing("m1", []string{"c1", "c2"},
		market.Pricing{BasePrice: 100, Currency: "JOY"}, f.local, f.kp.Private)
	require.NoError(t, err)
	assert.Equal(t, market.StatusActive, l.Status)

	listings, err := f.svc.ChunkListings()
	require.NoError(t, err)
	require.Len(t, listings, 1)

	buyerKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	buyerDID, err := crypto.DeriveDID(buyerKP.Public)
	require.NoError(t, err)
	buyer := &identity.Identity{DID: buyerDID, DisplayName: "Buyer"}

	p, err := f.svc.PurchaseChunkListing(l.ID, buyer, buyerKP.Private)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInitiated, p.Status)
	assert.Equal(t, 100.0, p.Amount)
	assert.Equal(t, []string{"c1", "c2"}, p.ChunkIDs)

	mine, err := f.svc.ChunkPurchases(buyerDID)
	require.NoError(t, err)
	require.Len(t, mine, 1)

	none, err := f.svc.ChunkPurchases("did:joy:stranger")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCreateChunkListingValidation(t *testing.T) {
	f := newInferenceFixture(t)

	_, err := f.svc.CreateChunkListing("m1", []string{"c1"},
		market.Pricing{BasePrice: -5, Currency: "JOY"}, f.local, f.kp.Private)
	require.Error(t, err)

	_, err = f.svc.CreateChunkListing("m1", []string{"c1"},
		market.Pricing{BasePrice: 5}, f.local, f.kp.Private)
	require.Error(t, err)

	listings, err := f.svc.ChunkListings()
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestPurchaseAbsentChunkListing(t *testing.T) {
	f := newInferenceFixture(t)
	_, err := f.svc.PurchaseChunkListing("missing", f.local, f.kp.Private)
	require.Error(t, err)
}

func TestChunkEscrowFollowsLedgerRules(t *testing.T) {
	f := newInferenceFixture(t)

	l, err := f.svc.CreateChunkListing("m1", []string{"c1"},
		market.Pricing{BasePrice: 200, Currency: "JOY"}, f.local, f.kp.Private)
	require.NoError(t, err)

	buyerKP, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	buyerDID, err := crypto.DeriveDID(buyerKP.Public)
	require.NoError(t, err)
	p, err := f.svc.PurchaseChunkListing(l.ID, &identity.Identity{DID: buyerDID}, buyerKP.Private)
	require.NoError(t, err)

	es, err := f.svc.CreateChunkEscrow(p)
	require.NoError(t, err)
	assert.Equal(t, 2.0, es.FeeAmount)
	assert.Equal(t, 2, es.RequiredSignatures)
	assert.Len(t, es.Signers, 2)
	assert.Equal(t, p.ID, es.TransactionID)
}

// ========== Routing Tests ==========

func TestRoutePrefersRequestedPeer(t *testing.T) {
	f := newInferenceFixture(t)
	f.addComputePeer(t, "fast", 0.9, true)
	f.addComputePeer(t, "requested", 0.1, true)

	route, err := f.svc.Route(RouteRequest{ModelID: "m1", PreferredPeer: "requested"}, f.local)
	require.NoError(t, err)
	assert.Equal(t, TargetRemote, route.Target)
	assert.Equal(t, "requested", route.PeerID)
}

func TestRoutePicksBestReputation(t *testing.T) {
	f := newInferenceFixture(t)
	f.addComputePeer(t, "meh", 0.3, true)
	f.addComputePeer(t, "best", 0.95, true)
	f.addComputePeer(t, "offline", 0.99, false)

	route, err := f.svc.Route(RouteRequest{ModelID: "m1"}, f.local)
	require.NoError(t, err)
	assert.Equal(t, TargetRemote, route.Target)
	assert.Equal(t, "best", route.PeerID)
}

func TestRouteDegradesToLocal(t *testing.T) {
	f := newInferenceFixture(t)
	// A connected peer without compute does not count.
	p := &peers.Peer{
		ID:           "relay-only",
		Identity:     peers.PeerIdentity{DID: "did:joy:relay-only"},
		Capabilities: peers.NewCapabilitySet("relay"),
	}
	require.NoError(t, f.peers.Add(p))
	_, err := f.peers.Connect("relay-only")
	require.NoError(t, err)

	route, err := f.svc.Route(RouteRequest{ModelID: "m1"}, f.local)
	require.NoError(t, err)
	assert.Equal(t, TargetLocal, route.Target)
	assert.Equal(t, f.local.DID, route.TargetDID)
}

func TestRouteCarriesKnownChunks(t *testing.T) {
	f := newInferenceFixture(t)
	_, err := f.svc.AnnounceChunk(context.Background(), ChunkAnnouncement{
		ModelID: "m1", ChunkID: "c1", Provider: f.local.DID,
	}, f.kp.Private)
	require.NoError(t, err)

	route, err := f.svc.Route(RouteRequest{ModelID: "m1"}, f.local)
	require.NoError(t, err)
	require.Len(t, route.Chunks, 1)
}

// ========== Execution Tests ==========

func TestExecuteLocalRunsAndHashes(t *testing.T) {
	f := newInferenceFixture(t)

	res, err := f.svc.Execute(context.Background(), RouteRequest{ModelID: "m1", Prompt: "meaning of life"}, f.local, f.kp.Private)
	require.NoError(t, err)

	assert.Equal(t, TargetLocal, res.Route.Target)
	assert.Equal(t, "forty-two", res.Output)
	assert.Equal(t, crypto.HashContent([]byte("forty-two")), res.OutputHash)
	assert.Nil(t, res.Receipt)
	assert.Equal(t, 1, f.runner.calls)
}

func TestExecuteMintsReceipt(t *testing.T) {
	f := newInferenceFixture(t)

	res, err := f.svc.Execute(context.Background(), RouteRequest{
		ModelID:     "m1",
		Prompt:      "meaning of life",
		MintReceipt: true,
	}, f.local, f.kp.Private)
	require.NoError(t, err)

	require.NotNil(t, res.Receipt)
	assert.Equal(t, f.local.DID, res.Receipt.Request.Issuer)
	assert.Equal(t, res.OutputHash, res.Receipt.Request.OutputHash)
	assert.NotEmpty(t, res.Receipt.ContentID)

	stored, err := f.minter.GetReceipt(res.Receipt.ContentID)
	require.NoError(t, err)
	assert.Equal(t, res.Receipt.ContentID, stored.ContentID)
}

func TestExecuteRemoteDispatchesSignedMessage(t *testing.T) {
	f := newInferenceFixture(t)
	f.addComputePeer(t, "worker", 0.8, true)

	res, err := f.svc.Execute(context.Background(), RouteRequest{ModelID: "m1", Prompt: "hello"}, f.local, f.kp.Private)
	require.NoError(t, err)

	assert.Equal(t, TargetRemote, res.Route.Target)
	assert.True(t, res.Dispatched)
	assert.Empty(t, res.Output)
	assert.Equal(t, 0, f.runner.calls)

	msgs, err := f.msgs.Messages(messaging.ConversationID(f.local.DID, "did:joy:worker"))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, res.DispatchID, msgs[0].ID)
	assert.True(t, messaging.VerifyMessage(msgs[0], f.local.PublicKey))
}

func TestExecuteRequireRemoteWithoutKey(t *testing.T) {
	f := newInferenceFixture(t)
	f.addComputePeer(t, "worker", 0.8, true)

	_, err := f.svc.Execute(context.Background(), RouteRequest{
		ModelID:       "m1",
		RequireRemote: true,
	}, f.local, nil)
	require.Error(t, err)
}

func TestExecuteWithoutKeyDegradesToLocal(t *testing.T) {
	f := newInferenceFixture(t)
	f.addComputePeer(t, "worker", 0.8, true)

	res, err := f.svc.Execute(context.Background(), RouteRequest{ModelID: "m1", Prompt: "hi"}, f.local, nil)
	require.NoError(t, err)
	assert.Equal(t, TargetLocal, res.Route.Target)
	assert.Equal(t, "forty-two", res.Output)
}

func TestExecuteLocalRunnerFailure(t *testing.T) {
	f := newInferenceFixture(t)
	f.runner.err = errors.New("model exploded")

	_, err := f.svc.Execute(context.Background(), RouteRequest{ModelID: "m1"}, f.local, f.kp.Private)
	require.Error(t, err)
}

// ========== Streaming Tests ==========

func TestExecuteStreamEmitsTokensThenDone(t *testing.T) {
	f := newInferenceFixture(t)

	stream, err := f.svc.ExecuteStream(context.Background(), RouteRequest{ModelID: "m1", Prompt: "hi"}, f.local, f.kp.Private)
	require.NoError(t, err)
	require.NotEmpty(t, stream.ID)

	var tokens []string
	var done *StreamEvent
	for ev := range stream.Events {
		switch ev.Type {
		case EventToken:
			tokens = append(tokens, ev.Token)
		case EventDone:
			evCopy := ev
			done = &evCopy
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}

	assert.Equal(t, []string{"forty", "-", "two"}, tokens)
	require.NotNil(t, done)
	assert.Equal(t, "forty-two", done.Output)
	assert.Equal(t, crypto.HashContent([]byte("forty-two")), done.OutputHash)
}

func TestExecuteStreamErrorEvent(t *testing.T) {
	f := newInferenceFixture(t)
	svc := NewService(f.svc.store, f.peers, f.dht, f.ledger, f.msgs,
		WithClock(f.clock),
		WithStreamRunner(&fakeStreamRunner{err: errors.New("no stream")}))

	stream, err := svc.ExecuteStream(context.Background(), RouteRequest{ModelID: "m1"}, f.local, f.kp.Private)
	require.NoError(t, err)

	var sawError bool
	for ev := range stream.Events {
		if ev.Type == EventError {
			sawError = true
			assert.Error(t, ev.Err)
		}
	}
	assert.True(t, sawError)
}

func TestExecuteStreamRequireRemoteFailsFast(t *testing.T) {
	f := newInferenceFixture(t)
	f.addComputePeer(t, "worker", 0.8, true)

	_, err := f.svc.ExecuteStream(context.Background(), RouteRequest{
		ModelID:       "m1",
		RequireRemote: true,
	}, f.local, f.kp.Private)
	require.Error(t, err)
}
