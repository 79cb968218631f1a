// Package hpke implements the hybrid public-key encryption used for
// peer-to-peer frames: X25519 key encapsulation, HKDF-SHA384 key
// derivation and ChaCha20-Poly1305 AEAD, in the single-shot base mode.
package hpke

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"

	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// infoEntropy customizes the derived session key. It doubles as the
// version tag for the encryption scheme: bump it and old nodes can no
// longer read new frames.
var infoEntropy = []byte("session-key-v1")

// KeySize is the byte length of X25519 public and secret keys.
const KeySize = 32

// PublicKey is an X25519 encryption public key.
type PublicKey [KeySize]byte

// SecretKey is an X25519 encryption secret key.
type SecretKey [KeySize]byte

// Ciphered is an encrypted frame: the ephemeral encapsulated key, the
// ciphertext and the AEAD tag, kept detached the way the wire format
// expects them.
type Ciphered struct {
	EncappedKey [KeySize]byte `json:"encapped_key"`
	Text        []byte        `json:"text"`
	Tag         []byte        `json:"tag"`
}

// GenerateKeyPair samples a fresh X25519 key pair.
func GenerateKeyPair() (SecretKey, PublicKey, error) {
	var sk SecretKey
	var pk PublicKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, pk, err
	}
	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return sk, pk, err
	}
	copy(pk[:], pub)
	return sk, pk, nil
}

// PublicKey returns the public key matching the secret key.
func (sk SecretKey) PublicKey() (PublicKey, error) {
	var pk PublicKey
	pub, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pk, err
	}
	copy(pk[:], pub)
	return pk, nil
}

func deriveAEAD(sharedSecret, encappedKey, recipient []byte) ([]byte, error) {
	// Bind the key schedule to both halves of the key agreement and to
	// the scheme version.
	salt := make([]byte, 0, 2*KeySize)
	salt = append(salt, encappedKey...)
	salt = append(salt, recipient...)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := hkdf.New(sha512.New384, sharedSecret, salt, infoEntropy).Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals msg to the recipient public key with the given
// associated data.
func (pk PublicKey) Encrypt(msg []byte, associatedData []byte) (*Ciphered, error) {
	var ephemeral SecretKey
	if _, err := rand.Read(ephemeral[:]); err != nil {
		return nil, err
	}
	encapped, err := curve25519.X25519(ephemeral[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	sharedSecret, err := curve25519.X25519(ephemeral[:], pk[:])
	if err != nil {
		return nil, errors.Wrap(err, "key encapsulation")
	}
	key, err := deriveAEAD(sharedSecret, encapped, pk[:])
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSize]byte
	sealed := aead.Seal(nil, nonce[:], msg, associatedData)
	ciphered := &Ciphered{
		Text: sealed[:len(msg)],
		Tag:  sealed[len(msg):],
	}
	copy(ciphered.EncappedKey[:], encapped)
	return ciphered, nil
}

// Decrypt opens a frame sealed to this secret key.
func (sk SecretKey) Decrypt(cipher *Ciphered, associatedData []byte) ([]byte, error) {
	sharedSecret, err := curve25519.X25519(sk[:], cipher.EncappedKey[:])
	if err != nil {
		return nil, errors.Wrap(err, "key decapsulation")
	}
	pk, err := sk.PublicKey()
	if err != nil {
		return nil, err
	}
	key, err := deriveAEAD(sharedSecret, cipher.EncappedKey[:], pk[:])
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	var nonce [chacha20poly1305.NonceSize]byte
	sealed := make([]byte, 0, len(cipher.Text)+len(cipher.Tag))
	sealed = append(sealed, cipher.Text...)
	sealed = append(sealed, cipher.Tag...)
	plaintext, err := aead.Open(nil, nonce[:], sealed, associatedData)
	if err != nil {
		return nil, errors.Wrap(err, "invalid ciphertext")
	}
	return plaintext, nil
}

// MarshalJSON encodes the key as a byte array, matching the contract's
// representation of cipher keys.
func (pk PublicKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(pk[:])
}

// UnmarshalJSON implements json.Unmarshaler.
func (pk *PublicKey) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != KeySize {
		return errors.Errorf("invalid cipher public key length %d", len(b))
	}
	copy(pk[:], b)
	return nil
}
