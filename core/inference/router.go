package inference

import (
	"context"
	"encoding/json"
	"sort"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/identity"
	"github.com/joymesh/joymesh/core/peers"
)

// Route targets.
const (
	TargetRemote = "remote"
	TargetLocal  = "local"
)

// RouteRequest describes one inference job to place.
type RouteRequest struct {
	ModelID       string                 `json:"model_id"`
	Prompt        string                 `json:"prompt"`
	Provider      string                 `json:"provider,omitempty"`
	PreferredPeer string                 `json:"preferred_peer,omitempty"`
	RequireRemote bool                   `json:"require_remote,omitempty"`
	MintReceipt   bool                   `json:"mint_receipt,omitempty"`
	PaymentTxHash string                 `json:"payment_tx_hash,omitempty"`
	PaymentAmount float64                `json:"payment_amount,omitempty"`
	Options       map[string]interface{} `json:"options,omitempty"`
}

// Route is a placement decision for one job.
type Route struct {
	Target    string              `json:"target"`
	PeerID    string              `json:"peer_id,omitempty"`
	TargetDID string              `json:"target_did"`
	Chunks    []ChunkAnnouncement `json:"chunks,omitempty"`
}

// ExecuteResult is the outcome of a routed job.
type ExecuteResult struct {
	Route      Route    `json:"route"`
	Output     string   `json:"output,omitempty"`
	Tokens     int      `json:"tokens,omitempty"`
	TimeMs     int64    `json:"time_ms,omitempty"`
	OutputHash string   `json:"output_hash,omitempty"`
	Receipt    *Receipt `json:"receipt,omitempty"`
	Dispatched bool     `json:"dispatched,omitempty"`
	DispatchID string   `json:"dispatch_id,omitempty"`
}

// Route decides where a job runs. A connected preferred peer wins; otherwise
// the best-reputation connected peer advertising compute; with no compute
// peer at all the job degrades to a local target, the caller's own identity.
func (s *Service) Route(req RouteRequest, local *identity.Identity) (*Route, error) {
	if req.ModelID == "" {
		return nil, errs.Validation("model id is required")
	}
	if local == nil {
		return nil, errs.Validation("local identity is required")
	}

	chunks, err := s.FindModelChunks(req.ModelID)
	if err != nil {
		return nil, err
	}

	if req.PreferredPeer != "" {
		if p, ok := s.peers.Get(req.PreferredPeer); ok && p.Connected && p.HasCapability(peers.CapabilityCompute) {
			return &Route{Target: TargetRemote, PeerID: p.ID, TargetDID: p.Identity.DID, Chunks: chunks}, nil
		}
	}

	candidates := make([]*peers.Peer, 0)
	for _, p := range s.peers.Connected() {
		if p.HasCapability(peers.CapabilityCompute) {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool {
			return candidates[i].Reputation.Score > candidates[j].Reputation.Score
		})
		best := candidates[0]
		return &Route{Target: TargetRemote, PeerID: best.ID, TargetDID: best.Identity.DID, Chunks: chunks}, nil
	}

	s.logger.Debug("no compute peers, routing locally", "model", req.ModelID)
	return &Route{Target: TargetLocal, TargetDID: local.DID, Chunks: chunks}, nil
}

// Execute routes and runs one job. Remote routes dispatch a signed message
// to the target peer; local routes delegate to the Runner collaborator and
// hash the output. A receipt is minted when requested and a minter is set.
func (s *Service) Execute(ctx context.Context, req RouteRequest, local *identity.Identity, priv libp2pcrypto.PrivKey) (*ExecuteResult, error) {
	route, err := s.Route(req, local)
	if err != nil {
		return nil, err
	}

	if route.Target == TargetRemote {
		if priv == nil {
			if req.RequireRemote {
				return nil, errs.New(errs.CodeDispatchFailed, "remote dispatch requires a signing key")
			}
			// Degrade to local without a key.
			route = &Route{Target: TargetLocal, TargetDID: local.DID, Chunks: route.Chunks}
		} else {
			return s.dispatchRemote(req, route, local, priv)
		}
	}

	return s.runLocal(ctx, req, route, local)
}

func (s *Service) dispatchRemote(req RouteRequest, route *Route, local *identity.Identity, priv libp2pcrypto.PrivKey) (*ExecuteResult, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"kind":     "inference-dispatch",
		"model_id": req.ModelID,
		"prompt":   req.Prompt,
		"options":  req.Options,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeDispatchFailed, "encode dispatch payload", err)
	}

	m, err := s.messaging.Send(route.TargetDID, string(payload), local, priv)
	if err != nil {
		return nil, errs.Wrap(errs.CodeDispatchFailed, "send dispatch message", err)
	}

	s.logger.Info("inference dispatched", "model", req.ModelID, "peer", route.PeerID)
	return &ExecuteResult{Route: *route, Dispatched: true, DispatchID: m.ID}, nil
}

func (s *Service) runLocal(ctx context.Context, req RouteRequest, route *Route, local *identity.Identity) (*ExecuteResult, error) {
	if s.runner == nil {
		return nil, errs.New(errs.CodeDispatchFailed, "no local inference runner configured")
	}

	out, err := s.runner.Run(ctx, RunRequest{
		Provider: req.Provider,
		ModelID:  req.ModelID,
		Prompt:   req.Prompt,
		Options:  req.Options,
	})
	if err != nil {
		return nil, errs.Wrap(errs.CodeDispatchFailed, "local inference failed", err)
	}

	res := &ExecuteResult{
		Route:      *route,
		Output:     out.Output,
		Tokens:     out.Tokens,
		TimeMs:     out.TimeMs,
		OutputHash: crypto.HashContent([]byte(out.Output)),
	}

	if req.MintReceipt && s.minter != nil {
		receipt, err := s.minter.CreateReceipt(ctx, ReceiptRequest{
			Issuer:        local.DID,
			Payer:         local.DID,
			ModelID:       req.ModelID,
			DataHash:      crypto.HashContent([]byte(req.ModelID)),
			PromptHash:    crypto.HashContent([]byte(req.Prompt)),
			OutputHash:    res.OutputHash,
			PaymentTxHash: req.PaymentTxHash,
			PaymentAmount: req.PaymentAmount,
		})
		if err != nil {
			return nil, err
		}
		res.Receipt = receipt
	}
	return res, nil
}
