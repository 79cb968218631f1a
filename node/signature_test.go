package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luxfi/chainsig/pkg/kdf"
	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
)

func TestSignerSubsetDeterministic(t *testing.T) {
	participants := party.NewIDSlice([]party.ID{0, 1, 2, 3, 4})
	var entropy [32]byte
	entropy[5] = 0x77

	subset1, proposer1 := SignerSubset(entropy, participants, 3)
	subset2, proposer2 := SignerSubset(entropy, participants, 3)

	assert.True(t, subset1.Equal(subset2), "same entropy must select the same subset")
	assert.Equal(t, proposer1, proposer2)
	assert.Len(t, subset1, 3)
	assert.True(t, subset1.Contains(proposer1), "proposer must be in the subset")
	assert.True(t, participants.Contains(subset1...))

	var otherEntropy [32]byte
	otherEntropy[5] = 0x78
	subset3, _ := SignerSubset(otherEntropy, participants, 3)
	// Distinct entropy does not guarantee a distinct selection (five ids
	// at threshold three give only 30 subset/proposer outcomes); for
	// this fixed pair the subsets differ.
	_, proposer3 := SignerSubset(otherEntropy, participants, 3)
	assert.True(t, !subset1.Equal(subset3) || proposer1 != proposer3)
}

func testRequest(receipt byte, entropy byte) SignRequest {
	var request SignRequest
	request.ReceiptID[0] = receipt
	request.Entropy[0] = entropy
	request.Epsilon = kdf.DeriveEpsilon("alice.test", "test")
	request.Delta = curve.NewScalar().SetUint32(7)
	return request
}

func TestSignQueueOrganize(t *testing.T) {
	logger := zaptest.NewLogger(t)
	participants := party.NewIDSlice([]party.ID{0, 1, 2})

	queue := NewSignQueue()
	request := testRequest(1, 9)
	queue.Add(request)

	subset, proposer := SignerSubset(request.Entropy, participants, 2)

	for _, me := range participants {
		q := NewSignQueue()
		q.Add(request)
		q.Organize(logger, participants, 2, me)
		_, ok := q.Get(proposer, request.ReceiptID)
		assert.Equal(t, subset.Contains(me), ok,
			"participant %d must hold the request iff it is in the subset", me)
	}

	// Organizing is idempotent; the unorganized list drains once.
	queue.Organize(logger, participants, 2, proposer)
	queue.Organize(logger, participants, 2, proposer)
	got, ok := queue.Get(proposer, request.ReceiptID)
	require.True(t, ok)
	assert.Equal(t, request.ReceiptID, got.ReceiptID)

	taken, ok := queue.TakeMine(proposer)
	require.True(t, ok)
	assert.Equal(t, request.ReceiptID, taken.ReceiptID)
	_, ok = queue.TakeMine(proposer)
	assert.False(t, ok)
}
