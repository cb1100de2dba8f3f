// Package identity manages the single local self-sovereign identity.
package identity

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"

	"github.com/joymesh/joymesh/core/crypto"
	"github.com/joymesh/joymesh/core/errs"
	"github.com/joymesh/joymesh/core/store"
)

const localPath = "identity/local"

// Identity is the public portion of the local self-sovereign identity.
type Identity struct {
	DID          string    `json:"did"`
	PublicKey    string    `json:"public_key"`
	DisplayName  string    `json:"display_name"`
	StoreName    string    `json:"store_name,omitempty"`
	CreatorID    string    `json:"creator_id,omitempty"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
}

// record is the persisted singleton document.
type record struct {
	Identity            Identity          `json:"identity"`
	EncryptedPrivateKey *crypto.SealedKey `json:"encrypted_private_key"`
}

// Manager creates and loads the local identity.
type Manager struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates an identity manager over the given store.
func NewManager(st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		store: st,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "identity")
	return m
}

// CreateOption sets optional identity fields.
type CreateOption func(*Identity)

// WithStoreName sets the marketplace store name.
func WithStoreName(name string) CreateOption {
	return func(id *Identity) { id.StoreName = name }
}

// WithCreatorID links the identity to an external creator id.
func WithCreatorID(creatorID string) CreateOption {
	return func(id *Identity) { id.CreatorID = creatorID }
}

// WithCapabilities sets the identity's advertised capabilities.
func WithCapabilities(caps ...string) CreateOption {
	return func(id *Identity) { id.Capabilities = caps }
}

// Create generates a keypair, derives the DID, encrypts the private key under
// the passphrase and persists the singleton identity document. Recreating
// overwrites the previous identity. The plaintext private key is returned
// exactly once; afterwards only Unlock can recover it.
func (m *Manager) Create(displayName, passphrase string, opts ...CreateOption) (*Identity, libp2pcrypto.PrivKey, error) {
	if displayName == "" {
		return nil, nil, errs.Validation("display name is required")
	}
	if passphrase == "" {
		return nil, nil, errs.Validation("passphrase is required")
	}

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}

	did, err := crypto.DeriveDID(kp.Public)
	if err != nil {
		return nil, nil, err
	}
	encodedPub, err := crypto.EncodePublicKey(kp.Public)
	if err != nil {
		return nil, nil, err
	}

	id := Identity{
		DID:          did,
		PublicKey:    encodedPub,
		DisplayName:  displayName,
		Capabilities: []string{},
		CreatedAt:    m.clock.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&id)
	}

	sealed, err := crypto.SealPrivateKey(kp.Private, passphrase)
	if err != nil {
		return nil, nil, err
	}

	if err := m.store.Write(localPath, record{Identity: id, EncryptedPrivateKey: sealed}); err != nil {
		return nil, nil, err
	}

	m.logger.Info("local identity created", "did", id.DID, "display_name", id.DisplayName)
	return &id, kp.Private, nil
}

// Local returns the public portion of the local identity, or nil if no
// identity has been created yet.
func (m *Manager) Local() (*Identity, error) {
	var rec record
	if err := m.store.Read(localPath, &rec); err != nil {
		if errs.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &rec.Identity, nil
}

// Unlock decrypts and returns the local private key. A wrong passphrase fails
// closed; a missing identity is NotFound.
func (m *Manager) Unlock(passphrase string) (libp2pcrypto.PrivKey, error) {
	if passphrase == "" {
		return nil, errs.Validation("passphrase is required")
	}
	var rec record
	if err := m.store.Read(localPath, &rec); err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.NotFound("identity", "local")
		}
		return nil, err
	}
	priv, err := crypto.OpenPrivateKey(rec.EncryptedPrivateKey, passphrase)
	if err != nil {
		return nil, errs.Wrap(errs.CodeValidation, "identity unlock failed", err)
	}
	return priv, nil
}
