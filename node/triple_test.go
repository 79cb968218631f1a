package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/storage"
)

func newTestTripleManagers(t *testing.T, n, threshold int) []*TripleManager {
	t.Helper()
	ids := make([]party.ID, n)
	for i := range ids {
		ids[i] = party.ID(i)
	}
	sorted := party.NewIDSlice(ids)
	managers := make([]*TripleManager, n)
	for i := 0; i < n; i++ {
		store := storage.NewMemoryTripleStorage("node.test")
		managers[i] = NewTripleManager(zaptest.NewLogger(t), sorted, party.ID(i), threshold, 0, nil, store)
	}
	return managers
}

// pump delivers triple frames between managers until the network goes
// quiet.
func pumpTriples(t *testing.T, managers []*TripleManager) {
	t.Helper()
	ctx := context.Background()
	for iteration := 0; iteration < 200; iteration++ {
		quiet := true
		for _, m := range managers {
			for _, outbound := range m.Poke(ctx) {
				quiet = false
				target := managers[outbound.To]
				frame := outbound.Msg.Triple
				require.NotNil(t, frame)
				generator, err := target.GetOrGenerate(frame.ID)
				require.NoError(t, err)
				if generator != nil {
					generator.Message(frame.From, frame.Data)
				}
			}
		}
		if quiet {
			return
		}
	}
	t.Fatal("triple network did not go quiet")
}

func TestTripleManagerPoolFills(t *testing.T) {
	managers := newTestTripleManagers(t, 3, 2)

	// Several nodes propose concurrently, mirroring pool fill.
	require.NoError(t, managers[0].Generate())
	require.NoError(t, managers[0].Generate())
	require.NoError(t, managers[1].Generate())
	require.NoError(t, managers[2].Generate())

	pumpTriples(t, managers)

	const expected = 4
	mineTotal := 0
	for _, m := range managers {
		assert.Equal(t, expected, m.Len(), "every node must hold every completed triple")
		assert.Zero(t, m.GeneratorsLen(), "no generators should remain")
		mineTotal += m.MyLen()
	}
	// Exactly one owner per triple across the network.
	assert.Equal(t, expected, mineTotal)
}

func TestTripleManagerTakeTwo(t *testing.T) {
	ctx := context.Background()
	managers := newTestTripleManagers(t, 3, 2)
	require.NoError(t, managers[0].Generate())
	require.NoError(t, managers[0].Generate())
	pumpTriples(t, managers)

	m := managers[0]
	ids := make([]uint64, 0, 2)
	for id := range m.triples {
		ids = append(ids, id)
	}
	require.Len(t, ids, 2)

	_, _, err := m.TakeTwo(ctx, ids[0], 12345)
	var missing ErrTripleMissing
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, uint64(12345), missing.ID)
	assert.Equal(t, 2, m.Len(), "a failed take must not consume anything")

	t0, t1, err := m.TakeTwo(ctx, ids[0], ids[1])
	require.NoError(t, err)
	assert.NotEqual(t, t0.ID, t1.ID)
	assert.Zero(t, m.Len())

	_, _, err = m.TakeTwo(ctx, ids[0], ids[1])
	assert.Error(t, err, "a triple is spent at most once")
}

func TestTripleOwnerConsistency(t *testing.T) {
	managers := newTestTripleManagers(t, 3, 2)
	require.NoError(t, managers[1].Generate())
	pumpTriples(t, managers)

	// All nodes assign the same owner to the completed triple.
	owners := 0
	for _, m := range managers {
		owners += m.MyLen()
		for id, triple := range m.triples {
			assert.Equal(t, id, triple.ID)
			for _, other := range managers {
				otherTriple, ok := other.triples[id]
				require.True(t, ok)
				assert.True(t, triple.Public.BigC.Equal(otherTriple.Public.BigC))
			}
		}
	}
	assert.Equal(t, 1, owners)
}
