package ledger

import (
	"time"

	"github.com/google/uuid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
)

const escrowPrefix = "escrow"

// Escrow status values.
const (
	EscrowPending  = "pending"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

// Signer roles.
const (
	RoleBuyer    = "buyer"
	RoleSeller   = "seller"
	RoleMediator = "mediator"
	RolePlatform = "platform"
)

// Fee rate applied to every escrow.
const escrowFeeRate = 0.01

// AutoReleaseWindow is how long after creation an escrow becomes releasable
// without a signature quorum.
const AutoReleaseWindow = 7 * 24 * time.Hour

// Signer is one party entitled to sign an escrow.
type Signer struct {
	Role      string `json:"role"`
	DID       string `json:"did"`
	PublicKey string `json:"public_key,omitempty"`
	HasSigned bool   `json:"has_signed"`
	Signature []byte `json:"signature,omitempty"`
}

// ReleaseCondition is a typed gate recorded on the escrow.
type ReleaseCondition struct {
	Type      string `json:"type"`
	Satisfied bool   `json:"satisfied"`
}

// Escrow holds funds for a transaction until quorum or timeout.
type Escrow struct {
	ID                 string             `json:"id"`
	TransactionID      string             `json:"transaction_id"`
	Amount             float64            `json:"amount"`
	Currency           string             `json:"currency"`
	FeeAmount          float64            `json:"fee_amount"`
	RequiredSignatures int                `json:"required_signatures"`
	Signers            []Signer           `json:"signers"`
	Status             string             `json:"status"`
	ReleaseConditions  []ReleaseCondition `json:"release_conditions"`
	AutoReleaseAt      time.Time          `json:"auto_release_at"`
	CreatedAt          time.Time          `json:"created_at"`
}

// SignatureCount returns how many signers have signed.
func (es *Escrow) SignatureCount() int {
	n := 0
	for _, s := range es.Signers {
		if s.HasSigned {
			n++
		}
	}
	return n
}

// AutoReleaseDue reports whether the timeout release is available.
func (es *Escrow) AutoReleaseDue(now time.Time) bool {
	return !now.Before(es.AutoReleaseAt)
}

// CreateEscrow opens an escrow for a transaction. Signers are buyer and
// seller, plus a mediator when one is given. RequiredSignatures stays 2
// either way. The transaction's own status is not touched.
func (e *Engine) CreateEscrow(tx *Transaction, mediatorDID ...string) (*Escrow, error) {
	if tx == nil {
		return nil, errs.Validation("transaction is required")
	}

	now := e.clock.Now().UTC()
	es := &Escrow{
		ID:                 uuid.NewString(),
		TransactionID:      tx.ID,
		Amount:             tx.Amount,
		Currency:           tx.Currency,
		FeeAmount:          tx.Amount * escrowFeeRate,
		RequiredSignatures: 2,
		Signers: []Signer{
			{Role: RoleBuyer, DID: tx.Buyer.DID, PublicKey: tx.Buyer.PublicKey},
			{Role: RoleSeller, DID: tx.Seller.DID, PublicKey: tx.Seller.PublicKey},
		},
		Status: EscrowPending,
		ReleaseConditions: []ReleaseCondition{
			{Type: "delivery-confirmed"},
		},
		AutoReleaseAt: now.Add(AutoReleaseWindow),
		CreatedAt:     now,
	}
	if len(mediatorDID) > 0 && mediatorDID[0] != "" {
		es.Signers = append(es.Signers, Signer{Role: RoleMediator, DID: mediatorDID[0]})
	}

	if err := e.store.Write(escrowPrefix+"/"+es.ID, es); err != nil {
		return nil, err
	}
	e.logger.Info("escrow created", "escrow", es.ID, "tx", tx.ID, "amount", es.Amount)
	return es, nil
}

// GetEscrow returns the escrow by id.
func (e *Engine) GetEscrow(id string) (*Escrow, error) {
	var es Escrow
	if err := e.store.Read(escrowPrefix+"/"+id, &es); err != nil {
		return nil, err
	}
	return &es, nil
}

// SignEscrow records a signer's approval. The signature covers the escrow
// id and the signer DID.
func (e *Engine) SignEscrow(escrowID, signerDID string, priv libp2pcrypto.PrivKey) (*Escrow, error) {
	if priv == nil {
		return nil, errs.Validation("signer key is required")
	}
	es, err := e.GetEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	if es.Status != EscrowPending {
		return nil, errs.Conflict("escrow is " + es.Status)
	}

	idx := -1
	for i := range es.Signers {
		if es.Signers[i].DID == signerDID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, errs.NotFound("escrow signer", signerDID)
	}
	if es.Signers[idx].HasSigned {
		return es, nil
	}

	sig, err := crypto.Sign([]byte(es.ID+"|"+signerDID), priv)
	if err != nil {
		return nil, err
	}
	es.Signers[idx].HasSigned = true
	es.Signers[idx].Signature = sig

	if err := e.store.Write(escrowPrefix+"/"+es.ID, es); err != nil {
		return nil, err
	}
	e.logger.Info("escrow signed", "escrow", es.ID, "signer", signerDID, "signatures", es.SignatureCount())
	return es, nil
}

// ConfirmDelivery satisfies the delivery-confirmed release condition.
func (e *Engine) ConfirmDelivery(escrowID string) (*Escrow, error) {
	es, err := e.GetEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	for i := range es.ReleaseConditions {
		if es.ReleaseConditions[i].Type == "delivery-confirmed" {
			es.ReleaseConditions[i].Satisfied = true
		}
	}
	if err := e.store.Write(escrowPrefix+"/"+es.ID, es); err != nil {
		return nil, err
	}
	return es, nil
}

// ReleaseEscrow transitions a pending escrow to released. The gate is a
// signature quorum, or the auto-release timeout having passed.
func (e *Engine) ReleaseEscrow(escrowID string) (*Escrow, error) {
	return e.closeEscrow(escrowID, EscrowReleased)
}

// RefundEscrow transitions a pending escrow to refunded under the same
// quorum gate as release.
func (e *Engine) RefundEscrow(escrowID string) (*Escrow, error) {
	return e.closeEscrow(escrowID, EscrowRefunded)
}

func (e *Engine) closeEscrow(escrowID, status string) (*Escrow, error) {
	es, err := e.GetEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	if es.Status != EscrowPending {
		return nil, errs.Conflict("escrow is " + es.Status)
	}

	now := e.clock.Now().UTC()
	if es.SignatureCount() < es.RequiredSignatures && !es.AutoReleaseDue(now) {
		return nil, errs.Conflict("escrow lacks signature quorum")
	}

	es.Status = status
	if err := e.store.Write(escrowPrefix+"/"+es.ID, es); err != nil {
		return nil, err
	}
	e.logger.Info("escrow closed", "escrow", es.ID, "status", status)
	return es, nil
}
