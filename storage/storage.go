// Package storage persists the node's long-lived artifacts: completed
// Beaver triples in the triple store and the long-term key share in
// the secret store. Backends are pluggable; absent configuration falls
// back to in-memory implementations, which tests rely on.
package storage

import (
	"github.com/luxfi/chainsig/pkg/math/curve"
)

// Options configures the storage backends.
type Options struct {
	// GCPProjectID is accepted from configuration; no storage backend
	// reads it.
	GCPProjectID string
	// SkShareSecretID, together with GCPDatastoreURL, selects the
	// gateway-backed secret store; the entry itself is named
	// sk_share/<Env>, not after this id. Empty keeps the share in
	// memory only.
	SkShareSecretID string
	// GCPDatastoreURL points at the datastore gateway (or its local
	// emulator). Empty keeps triples in memory only.
	GCPDatastoreURL string
	// UseGCPSecretManager is accepted from configuration; no storage
	// backend reads it. The key share goes through the datastore
	// gateway whenever NewSecretStorage selects that backend.
	UseGCPSecretManager bool
	// Env suffixes entry names so environments sharing a backend do
	// not collide.
	Env string
}

// PersistentNodeData is the secret-store payload: exactly one share
// per epoch, replaced atomically on every epoch bump.
type PersistentNodeData struct {
	Epoch        uint64        `json:"epoch"`
	PrivateShare *curve.Scalar `json:"private_share"`
	PublicKey    *curve.Point  `json:"public_key"`
}

// NewTripleStorage selects the triple-store backend for the given
// account.
func NewTripleStorage(opts *Options, accountID string) TripleStorage {
	if opts != nil && opts.GCPDatastoreURL != "" {
		return newDatastoreTripleStorage(newDatastoreClient(opts.GCPDatastoreURL, opts.Env), accountID)
	}
	return NewMemoryTripleStorage(accountID)
}

// NewSecretStorage selects the secret-store backend.
func NewSecretStorage(opts *Options) SecretStorage {
	if opts != nil && opts.SkShareSecretID != "" && opts.GCPDatastoreURL != "" {
		return newDatastoreSecretStorage(newDatastoreClient(opts.GCPDatastoreURL, opts.Env), opts.SkShareSecretID)
	}
	return NewMemorySecretStorage()
}
