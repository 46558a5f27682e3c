// Package envelope provides authenticated encryption for audit payloads.
//
// Payloads are sealed with XChaCha20-Poly1305 under a key derived from the
// configured audit secret via Argon2id. The sealed blob format is:
//
//	[version: 1 byte] [nonce: 24 bytes] [ciphertext+tag]
//
// The version byte is bound as additional authenticated data, so downgrading
// or tampering with it fails authentication. Decryption failures surface as
// ErrIntegrity and must be treated as "record corrupted", never as a payload.
package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrIntegrity is returned when a sealed blob fails authentication:
// wrong key, flipped bit, truncated blob, or tampered version byte.
var ErrIntegrity = errors.New("envelope: payload integrity check failed")

// BlobVersion is prepended to every sealed blob and authenticated as AAD.
const BlobVersion byte = 0x01

// Argon2id parameters. Chosen per the RFC 9106 low-memory recommendation;
// derivation happens once at codec construction, not per event.
const (
	kdfTime    = 3
	kdfMemory  = 64 * 1024 // KiB
	kdfThreads = 4
	keySize    = chacha20poly1305.KeySize
)

// minBlobSize is version + nonce + Poly1305 tag.
const minBlobSize = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

// Codec seals and opens audit payloads. Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// New derives the encryption key from secret and salt via Argon2id and
// returns a ready codec. The salt must be stable across restarts or
// previously sealed payloads become unreadable.
func New(secret, salt []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("envelope: empty secret")
	}
	if len(salt) < 8 {
		return nil, errors.New("envelope: salt must be at least 8 bytes")
	}
	key := argon2.IDKey(secret, salt, kdfTime, kdfMemory, kdfThreads, keySize)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: init cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Seal encrypts plaintext with a fresh random nonce and returns the blob.
func (c *Codec) Seal(plaintext []byte) ([]byte, error) {
	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}

	blob := make([]byte, 1+chacha20poly1305.NonceSizeX, minBlobSize+len(plaintext))
	blob[0] = BlobVersion
	copy(blob[1:], nonce[:])
	return c.aead.Seal(blob, nonce[:], plaintext, []byte{BlobVersion}), nil
}

// Open authenticates and decrypts a blob produced by Seal. Any
// authentication failure returns an error wrapping ErrIntegrity.
func (c *Codec) Open(blob []byte) ([]byte, error) {
	if len(blob) < minBlobSize {
		return nil, fmt.Errorf("%w: blob is %d bytes, minimum %d", ErrIntegrity, len(blob), minBlobSize)
	}
	if blob[0] != BlobVersion {
		return nil, fmt.Errorf("%w: unsupported blob version %d", ErrIntegrity, blob[0])
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]

	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte{blob[0]})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIntegrity, err)
	}
	return plaintext, nil
}
