// Package kdf implements the key-derivation contracts shared with the
// coordination contract: the per-(account, path) epsilon tweak, the
// per-request delta tweak, and the recovery-id search that turns a raw
// (R, s) pair into an Ethereum-style recoverable signature.
package kdf

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"

	"github.com/luxfi/chainsig/pkg/math/curve"
)

// epsilonDerivationPrefix is the bit-exact domain separator for epsilon
// derivation. It must never change across versions: derived child keys
// on chain depend on it.
const epsilonDerivationPrefix = "near-mpc-recovery v0.1.0 epsilon derivation:"

// deltaDerivationPrefix is the domain separator for per-request delta
// derivation.
const deltaDerivationPrefix = "near-mpc-recovery v0.1.0 delta derivation:"

// DeriveEpsilon derives the deterministic tweak for the given requester
// account and derivation path.
//
// ',' is the account separator used by the chain's trie keys; it is
// reused here to delimit the account id inside the derivation string.
func DeriveEpsilon(signerID string, path string) *curve.Scalar {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s,%s", epsilonDerivationPrefix, signerID, path)))
	return curve.NewScalar().SetBytes(&sum)
}

// DeriveDelta derives the per-request tweak from the request's receipt
// id and the block entropy. Two requests inside the same block share
// entropy, so the receipt id keeps their deltas distinct.
func DeriveDelta(receiptID ReceiptID, entropy [32]byte) (*curve.Scalar, error) {
	hk := hkdf.New(sha256.New, nil, entropy[:], []byte(fmt.Sprintf("%s:%s", deltaDerivationPrefix, receiptID)))
	var okm [32]byte
	if _, err := hk.Read(okm[:]); err != nil {
		return nil, errors.Wrap(err, "hkdf expand")
	}
	return curve.NewScalar().SetBytes(&okm), nil
}

// DeriveKey returns the derived public key ε·G + PK.
func DeriveKey(publicKey *curve.Point, epsilon *curve.Scalar) *curve.Point {
	return epsilon.ActOnBase().Add(publicKey)
}

// Signature is a completed recoverable ECDSA signature.
type Signature struct {
	BigR       *curve.Point
	S          *curve.Scalar
	RecoveryID byte
}

// IntoEthSig finds the recovery id for the signature (bigR, s) over
// msgHash under publicKey by trying both candidates. It fails when
// neither recovers the expected key.
func IntoEthSig(publicKey *curve.Point, bigR *curve.Point, s *curve.Scalar, msgHash *curve.Scalar) (Signature, error) {
	expected, err := publicKey.PublicKey()
	if err != nil {
		return Signature{}, errors.Wrap(err, "invalid public key")
	}

	r := bigR.XScalar().Bytes()
	sBytes := s.Bytes()
	hash := msgHash.Bytes()
	for recoveryID := byte(0); recoveryID <= 1; recoveryID++ {
		compact := make([]byte, 65)
		compact[0] = 27 + recoveryID
		copy(compact[1:33], r[:])
		copy(compact[33:65], sBytes[:])
		recovered, _, err := ecdsa.RecoverCompact(compact, hash[:])
		if err != nil {
			continue
		}
		if recovered.IsEqual(expected) {
			return Signature{BigR: bigR, S: s.Clone(), RecoveryID: recoveryID}, nil
		}
	}
	return Signature{}, errors.New("cannot use either recovery id (0 or 1) to recover public key")
}
