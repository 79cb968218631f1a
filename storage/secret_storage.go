package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// SecretStorage persists the node's key share.
type SecretStorage interface {
	Store(ctx context.Context, data *PersistentNodeData) error
	Load(ctx context.Context) (*PersistentNodeData, error)
}

// MemorySecretStorage keeps the share in process memory only: a
// restart loses it. Used when no secret backend is configured, and by
// tests.
type MemorySecretStorage struct {
	mu   sync.Mutex
	data *PersistentNodeData
}

// NewMemorySecretStorage returns an empty in-memory secret store.
func NewMemorySecretStorage() *MemorySecretStorage {
	return &MemorySecretStorage{}
}

// Store implements SecretStorage.
func (s *MemorySecretStorage) Store(_ context.Context, data *PersistentNodeData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *data
	s.data = &copied
	return nil
}

// Load implements SecretStorage.
func (s *MemorySecretStorage) Load(_ context.Context) (*PersistentNodeData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	copied := *s.data
	return &copied, nil
}

// datastoreSecretStorage stores the share through the gateway under
// sk_share/<env>.
type datastoreSecretStorage struct {
	client   *datastoreClient
	secretID string
}

const secretKind = "secrets"

func newDatastoreSecretStorage(client *datastoreClient, secretID string) *datastoreSecretStorage {
	return &datastoreSecretStorage{client: client, secretID: secretID}
}

func (s *datastoreSecretStorage) name() string {
	return fmt.Sprintf("sk_share/%s", s.client.env)
}

func (s *datastoreSecretStorage) Store(ctx context.Context, data *PersistentNodeData) error {
	return errors.Wrap(s.client.upsert(ctx, secretKind, s.name(), data), "store key share")
}

func (s *datastoreSecretStorage) Load(ctx context.Context) (*PersistentNodeData, error) {
	entity, ok, err := s.client.get(ctx, secretKind, s.name())
	if err != nil {
		return nil, errors.Wrap(err, "load key share")
	}
	if !ok {
		return nil, nil
	}
	var data PersistentNodeData
	if err := decodeEntity(entity, &data); err != nil {
		return nil, errors.Wrap(err, "decode key share")
	}
	return &data, nil
}
