package keygen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/math/polynomial"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/pkg/protocol/protocoltest"
)

func runKeygen(t *testing.T, ids party.IDSlice, threshold int) map[party.ID]*Output {
	t.Helper()
	parties := make(map[party.ID]protocol.Protocol, len(ids))
	for _, id := range ids {
		k, err := New(ids, id, threshold)
		require.NoError(t, err)
		parties[id] = k
	}
	results, err := protocoltest.Run(parties)
	require.NoError(t, err)

	outputs := make(map[party.ID]*Output, len(results))
	for id, result := range results {
		out, ok := result.(*Output)
		require.True(t, ok, "keygen must return *Output")
		outputs[id] = out
	}
	return outputs
}

// reconstruct interpolates the secret from a subset of shares.
func reconstruct(outputs map[party.ID]*Output, subset party.IDSlice) *curve.Scalar {
	lagrange := polynomial.Lagrange(subset.Points())
	secret := curve.NewScalar()
	for _, id := range subset {
		secret = secret.Add(lagrange[uint32(id)].Mul(outputs[id].PrivateShare))
	}
	return secret
}

func TestKeygenThreeParties(t *testing.T) {
	ids := party.NewIDSlice([]party.ID{0, 1, 2})
	outputs := runKeygen(t, ids, 2)

	publicKey := outputs[0].PublicKey
	for _, out := range outputs {
		assert.True(t, publicKey.Equal(out.PublicKey), "all parties must agree on the public key")
	}

	// Any two shares reconstruct the joint secret.
	for _, subset := range []party.IDSlice{{0, 1}, {0, 2}, {1, 2}} {
		secret := reconstruct(outputs, subset)
		assert.True(t, secret.ActOnBase().Equal(publicKey), "subset %v must reconstruct the secret", subset)
	}
}

func TestKeygenRejectsBadParameters(t *testing.T) {
	ids := party.NewIDSlice([]party.ID{0, 1, 2})

	_, err := New(ids, 0, 0)
	assert.Error(t, err)

	_, err = New(ids, 0, 4)
	assert.Error(t, err)

	_, err = New(ids, 7, 2)
	assert.Error(t, err, "a non-participant cannot run keygen")
}

func TestKeygenStallsWithMissingParty(t *testing.T) {
	// All three participants are required; with one offline the
	// remaining two wait forever.
	ids := party.NewIDSlice([]party.ID{0, 1, 2})
	parties := make(map[party.ID]protocol.Protocol)
	for _, id := range ids[:2] {
		k, err := New(ids, id, 2)
		require.NoError(t, err)
		parties[id] = k
	}
	_, err := protocoltest.Run(parties)
	assert.ErrorContains(t, err, "quiet")
}

func TestKeygenIgnoresForeignFrames(t *testing.T) {
	ids := party.NewIDSlice([]party.ID{0, 1})
	k, err := New(ids, 0, 2)
	require.NoError(t, err)

	k.Message(1, []byte("garbage"))
	action, err := k.Poke()
	require.NoError(t, err)
	// The first poke emits our own commitments.
	assert.Equal(t, protocol.ActionSendMany, action.Type)
	action, err = k.Poke()
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionWait, action.Type, "garbage frames must not complete a round")
	assert.Equal(t, 1, k.inbox.Rejected())
}
