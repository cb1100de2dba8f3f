package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for the passphrase KDF.
const (
	kdfTime    = 1
	kdfMemory  = 64 * 1024
	kdfThreads = 4
	kdfKeyLen  = chacha20poly1305.KeySize
	saltLen    = 16
)

const sealAlgorithm = "argon2id+xchacha20poly1305"

// SealedKey is a private key encrypted at rest under a passphrase-derived key.
type SealedKey struct {
	Algorithm  string `json:"algorithm"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SealPrivateKey encrypts a private key with a passphrase-derived symmetric
// key and a random salt.
func SealPrivateKey(priv libp2pcrypto.PrivKey, passphrase string) (*SealedKey, error) {
	if priv == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}

	raw, err := libp2pcrypto.MarshalPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("private key encoding failed: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt generation failed: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}

	sealed := aead.Seal(nil, nonce, raw, nil)
	return &SealedKey{
		Algorithm:  sealAlgorithm,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// OpenPrivateKey decrypts a sealed private key. A wrong passphrase yields an
// authentication error, never partial plaintext.
func OpenPrivateKey(sealed *SealedKey, passphrase string) (libp2pcrypto.PrivKey, error) {
	if sealed == nil {
		return nil, fmt.Errorf("sealed key is required")
	}
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase is required")
	}
	if sealed.Algorithm != sealAlgorithm {
		return nil, fmt.Errorf("unsupported seal algorithm: %s", sealed.Algorithm)
	}

	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil {
		return nil, fmt.Errorf("invalid salt encoding: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid nonce encoding: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("invalid ciphertext encoding: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemory, kdfThreads, kdfKeyLen)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("cipher init failed: %w", err)
	}

	raw, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("key decryption failed: %w", err)
	}

	priv, err := libp2pcrypto.UnmarshalPrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("private key decoding failed: %w", err)
	}
	return priv, nil
}
