// Package crypto wraps key generation, signing, verification and content
// hashing for the marketplace core. Identities are libp2p Ed25519 keys; a DID
// is the self-certifying hash of the public key.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/ipfs/go-cid"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multihash"
	"lukechampine.com/blake3"
)

// DIDPrefix is the method prefix for all locally issued DIDs.
const DIDPrefix = "did:joy:"

// KeyPair holds a transportable asymmetric keypair.
type KeyPair struct {
	Private libp2pcrypto.PrivKey
	Public  libp2pcrypto.PubKey
}

// GenerateKeyPair creates a new Ed25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	priv, pub, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keypair generation failed: %w", err)
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// Sign produces a deterministic signature over data.
func Sign(data []byte, priv libp2pcrypto.PrivKey) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key is required")
	}
	return priv.Sign(data)
}

// Verify checks a signature against the given public key. It fails closed:
// malformed input of any kind yields false, never an error or panic.
func Verify(data, sig []byte, pub libp2pcrypto.PubKey) (ok bool) {
	if pub == nil || len(sig) == 0 {
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	valid, err := pub.Verify(data, sig)
	if err != nil {
		return false
	}
	return valid
}

// HashContent returns the hex BLAKE3 digest of content.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ContentID returns a CIDv1 (raw codec, BLAKE3 multihash) for content.
func ContentID(data []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(data, multihash.BLAKE3, 32)
	if err != nil {
		return cid.Undef, fmt.Errorf("content hashing failed: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh), nil
}

// DeriveDID derives the DID for a public key. The method-specific id is the
// libp2p peer ID, i.e. a multihash of the public key, so the DID is a pure
// function of the key.
func DeriveDID(pub libp2pcrypto.PubKey) (string, error) {
	if pub == nil {
		return "", fmt.Errorf("public key is required")
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("DID derivation failed: %w", err)
	}
	return DIDPrefix + id.String(), nil
}

// EncodePublicKey renders a public key as base64 libp2p wire bytes.
func EncodePublicKey(pub libp2pcrypto.PubKey) (string, error) {
	raw, err := libp2pcrypto.MarshalPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("public key encoding failed: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodePublicKey parses a base64 public key produced by EncodePublicKey.
func DecodePublicKey(encoded string) (libp2pcrypto.PubKey, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("public key decoding failed: %w", err)
	}
	pub, err := libp2pcrypto.UnmarshalPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("public key decoding failed: %w", err)
	}
	return pub, nil
}

// VerifyEncoded verifies a signature against a base64-encoded public key,
// failing closed on any decode error.
func VerifyEncoded(data, sig []byte, encodedPub string) bool {
	pub, err := DecodePublicKey(encodedPub)
	if err != nil {
		return false
	}
	return Verify(data, sig, pub)
}
