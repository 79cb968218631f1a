package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/protocols/triples"
)

func testTriple(t *testing.T, id triples.TripleID) triples.Triple {
	t.Helper()
	a, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	b, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	c := a.Mul(b)
	return triples.Triple{
		ID:     id,
		Share:  triples.Share{A: a, B: b, C: c},
		Public: triples.Pub{BigA: a.ActOnBase(), BigB: b.ActOnBase(), BigC: c.ActOnBase()},
	}
}

func TestMemoryTripleStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryTripleStorage("node0.test")

	triple := testTriple(t, 7)
	require.NoError(t, store.Insert(ctx, TripleData{AccountID: "node0.test", Triple: triple}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, triples.TripleID(7), loaded[0].Triple.ID)
	assert.True(t, triple.Share.C.Equal(loaded[0].Triple.Share.C))

	require.NoError(t, store.Delete(ctx, TripleData{AccountID: "node0.test", Triple: triple}))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestMemorySecretStorageRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemorySecretStorage()

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded, "fresh store has no share")

	share, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	data := &PersistentNodeData{Epoch: 3, PrivateShare: share, PublicKey: share.ActOnBase()}
	require.NoError(t, store.Store(ctx, data))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(3), loaded.Epoch)
	assert.True(t, share.Equal(loaded.PrivateShare))
}

// fakeGateway implements the datastore gateway surface in-process.
type fakeGateway struct {
	mu      sync.Mutex
	entries map[string]map[string]json.RawMessage // kind -> name -> value
}

func (g *fakeGateway) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req datastoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		g.mu.Lock()
		defer g.mu.Unlock()
		if g.entries == nil {
			g.entries = make(map[string]map[string]json.RawMessage)
		}
		kind := g.entries[req.Kind]
		var resp datastoreResponse
		switch {
		case strings.HasSuffix(r.URL.Path, "/upsert"):
			if kind == nil {
				kind = make(map[string]json.RawMessage)
				g.entries[req.Kind] = kind
			}
			kind[req.Name] = req.Value
		case strings.HasSuffix(r.URL.Path, "/get"):
			entity, ok := kind[req.Name]
			resp.Entity, resp.Found = entity, ok
		case strings.HasSuffix(r.URL.Path, "/delete"):
			delete(kind, req.Name)
		case strings.HasSuffix(r.URL.Path, "/query"):
			for _, entity := range kind {
				var fields map[string]interface{}
				if err := json.Unmarshal(entity, &fields); err != nil {
					continue
				}
				if fields[req.Property] == req.Equals {
					resp.Entities = append(resp.Entities, entity)
				}
			}
		default:
			http.Error(w, "unknown op", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestDatastoreTripleStorage(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{}
	server := httptest.NewServer(gateway.handler())
	defer server.Close()

	opts := &Options{GCPDatastoreURL: server.URL, Env: "unit"}
	store := NewTripleStorage(opts, "node0.test")

	triple := testTriple(t, 11)
	require.NoError(t, store.Insert(ctx, TripleData{AccountID: "node0.test", Triple: triple}))

	// Another node's triples do not leak into our load.
	other := testTriple(t, 12)
	otherStore := NewTripleStorage(opts, "node1.test")
	require.NoError(t, otherStore.Insert(ctx, TripleData{AccountID: "node1.test", Triple: other}))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, triples.TripleID(11), loaded[0].Triple.ID)
	assert.True(t, triple.Public.BigC.Equal(loaded[0].Triple.Public.BigC))

	require.NoError(t, store.Delete(ctx, TripleData{AccountID: "node0.test", Triple: triple}))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestDatastoreSecretStorage(t *testing.T) {
	ctx := context.Background()
	gateway := &fakeGateway{}
	server := httptest.NewServer(gateway.handler())
	defer server.Close()

	opts := &Options{GCPDatastoreURL: server.URL, SkShareSecretID: "sk-share-unit", Env: "unit"}
	store := NewSecretStorage(opts)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	share, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	require.NoError(t, store.Store(ctx, &PersistentNodeData{Epoch: 1, PrivateShare: share, PublicKey: share.ActOnBase()}))

	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, uint64(1), loaded.Epoch)
	assert.True(t, share.Equal(loaded.PrivateShare))
}
