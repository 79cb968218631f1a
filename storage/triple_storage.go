package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/protocols/triples"
)

// TripleData is one triple-store row, keyed by <account_id>/<triple_id>.
// The triple fields flatten into the row, so the stored layout is
// {account_id, triple_id, triple_share, triple_public}.
type TripleData struct {
	AccountID string `json:"account_id"`
	triples.Triple
}

func (d TripleData) key() string {
	return fmt.Sprintf("%s/%d", d.AccountID, d.Triple.ID)
}

// TripleStorage is the durable triple store capability.
type TripleStorage interface {
	Insert(ctx context.Context, data TripleData) error
	Delete(ctx context.Context, data TripleData) error
	Load(ctx context.Context) ([]TripleData, error)
	AccountID() string
}

// MemoryTripleStorage keeps triples in process memory. Used when no
// datastore is configured, and by tests.
type MemoryTripleStorage struct {
	mu        sync.Mutex
	triples   map[triples.TripleID]triples.Triple
	accountID string
}

// NewMemoryTripleStorage returns an empty in-memory store.
func NewMemoryTripleStorage(accountID string) *MemoryTripleStorage {
	return &MemoryTripleStorage{
		triples:   make(map[triples.TripleID]triples.Triple),
		accountID: accountID,
	}
}

// Insert implements TripleStorage.
func (s *MemoryTripleStorage) Insert(_ context.Context, data TripleData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triples[data.Triple.ID] = data.Triple
	return nil
}

// Delete implements TripleStorage.
func (s *MemoryTripleStorage) Delete(_ context.Context, data TripleData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triples, data.Triple.ID)
	return nil
}

// Load implements TripleStorage.
func (s *MemoryTripleStorage) Load(_ context.Context) ([]TripleData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TripleData, 0, len(s.triples))
	for _, triple := range s.triples {
		out = append(out, TripleData{AccountID: s.accountID, Triple: triple})
	}
	return out, nil
}

// AccountID implements TripleStorage.
func (s *MemoryTripleStorage) AccountID() string {
	return s.accountID
}

// datastoreTripleStorage stores triples through the datastore gateway.
type datastoreTripleStorage struct {
	client    *datastoreClient
	accountID string
}

const tripleKind = "triples"

func newDatastoreTripleStorage(client *datastoreClient, accountID string) *datastoreTripleStorage {
	return &datastoreTripleStorage{client: client, accountID: accountID}
}

func (s *datastoreTripleStorage) Insert(ctx context.Context, data TripleData) error {
	return errors.Wrap(s.client.upsert(ctx, tripleKind, data.key(), data), "insert triple")
}

func (s *datastoreTripleStorage) Delete(ctx context.Context, data TripleData) error {
	return errors.Wrap(s.client.delete(ctx, tripleKind, data.key()), "delete triple")
}

func (s *datastoreTripleStorage) Load(ctx context.Context) ([]TripleData, error) {
	raw, err := s.client.query(ctx, tripleKind, "account_id", s.accountID)
	if err != nil {
		return nil, errors.Wrap(err, "load triples")
	}
	var result *multierror.Error
	out := make([]TripleData, 0, len(raw))
	for _, entity := range raw {
		var data TripleData
		if err := decodeEntity(entity, &data); err != nil {
			// A single undecodable row must not take down the whole
			// reload; the row stays in the store for inspection.
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, data)
	}
	return out, result.ErrorOrNil()
}

func (s *datastoreTripleStorage) AccountID() string {
	return s.accountID
}
