package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/dht"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/inference"
	"github.com/joymesh/joymesh/core/ledger"
	"github.com/joymesh/joymesh/core/market"
	"github.com/joymesh/joymesh/core/messaging"
	"github.com/joymesh/joymesh/core/peers"
	"github.com/joymesh/joymesh/core/store"
)

// echoRunner is the built-in demo runner. Real deployments plug in the
// verified-inference collaborator instead.
type echoRunner struct{}

func (echoRunner) Run(ctx context.Context, req inference.RunRequest) (*inference.RunResult, error) {
	out := "echo(" + req.ModelID + "): " + req.Prompt
	return &inference.RunResult{Output: out, Tokens: len(strings.Fields(out)), TimeMs: 1}, nil
}

func main() {
	dataDir := flag.String("data", defaultDataDir(), "data directory")
	passphrase := flag.String("passphrase", "joymesh-demo", "identity passphrase")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := run(*dataDir, *passphrase, logger); err != nil {
		logger.Error("node failed", "error", err)
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("JOYMESH_DATA"); dir != "" {
		return dir
	}
	return ".joymesh"
}

func run(dataDir, passphrase string, logger *slog.Logger) error {
	fmt.Println("JoyMesh node starting...")
	ctx := context.Background()

	st, err := store.New(dataDir)
	if err != nil {
		return err
	}

	idm := identity.NewManager(st, identity.WithLogger(logger))
	table := dht.NewTable(st, dht.WithLogger(logger))
	dir := peers.NewDirectory(st, peers.WithLogger(logger))
	mkt := market.NewService(st, table, market.WithLogger(logger))
	eng := ledger.NewEngine(st, mkt, ledger.WithLogger(logger))
	msgs := messaging.NewService(st, messaging.WithLogger(logger))
	inf := inference.NewService(st, dir, table, eng, msgs,
		inference.WithLogger(logger),
		inference.WithRunner(echoRunner{}),
		inference.WithReceiptMinter(inference.NewStoreMinter(st, nil)))

	// Identity: load the local one, or create it on first run.
	local, err := idm.Local()
	if err != nil {
		return err
	}
	if local == nil {
		created, _, err := idm.Create("Demo Node", passphrase)
		if err != nil {
			return err
		}
		local = created
		fmt.Println("Identity created:", local.DID)
	} else {
		fmt.Println("Identity loaded:", local.DID)
	}

	priv, err := idm.Unlock(passphrase)
	if err != nil {
		return err
	}

	// Bring in any configured bootstrap peers.
	imported, err := dir.ImportBootstrapPeers()
	if err != nil {
		return err
	}
	fmt.Println("Bootstrap peers imported:", imported)

	// Publish a listing and find it again through search.
	listing, err := mkt.CreateListing(ctx,
		market.AssetRef{AssetID: "demo-model-weights"},
		market.Pricing{BasePrice: 10, Currency: "JOY"},
		"standard", local, priv)
	if err != nil {
		return err
	}
	fmt.Println("Listing published:", listing.ID, "signed:", market.VerifyListing(listing))

	found, err := mkt.Search(market.Filter{Keyword: "demo-model"})
	if err != nil {
		return err
	}
	fmt.Println("Search hits:", len(found))

	// Walk a purchase through the ledger and into escrow.
	tx, err := eng.Initiate(listing.ID, local, priv)
	if err != nil {
		return err
	}
	tx, err = eng.UpdateStatus(tx.ID, ledger.StatusPaid, local.DID, priv)
	if err != nil {
		return err
	}
	tx, err = eng.UpdateStatus(tx.ID, ledger.StatusCompleted, local.DID, priv)
	if err != nil {
		return err
	}
	fmt.Println("Transaction", tx.ID, "status:", tx.Status, "history:", len(tx.StatusHistory))

	es, err := eng.CreateEscrow(tx)
	if err != nil {
		return err
	}
	fmt.Println("Escrow opened:", es.ID, "fee:", es.FeeAmount, "auto-release:", es.AutoReleaseAt.Format("2006-01-02"))

	// Send a note to ourselves to show the messaging round trip.
	msg, err := msgs.Send(local.DID, "welcome to the mesh", local, priv, messaging.WithListing(listing.ID))
	if err != nil {
		return err
	}
	plaintext, err := msgs.Decrypt(msg)
	if err != nil {
		return err
	}
	fmt.Println("Message round trip:", plaintext)

	// Announce a model chunk and route an inference job. With no connected
	// compute peers this degrades to local execution.
	if _, err := inf.AnnounceChunk(ctx, inference.ChunkAnnouncement{
		ModelID:  "demo-model",
		ChunkID:  "chunk-0",
		Provider: local.DID,
	}, priv); err != nil {
		return err
	}

	res, err := inf.Execute(ctx, inference.RouteRequest{
		ModelID:     "demo-model",
		Prompt:      "hello mesh",
		MintReceipt: true,
	}, local, priv)
	if err != nil {
		return err
	}
	fmt.Println("Inference target:", res.Route.Target)
	fmt.Println("Inference output:", res.Output)
	if res.Receipt != nil {
		fmt.Println("Receipt minted:", res.Receipt.ContentID)
	}
	fmt.Println("Output hash:", crypto.HashContent([]byte(res.Output)))

	fmt.Println("JoyMesh node demo complete.")
	return nil
}
