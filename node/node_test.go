package node

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/hpke"
	"github.com/luxfi/chainsig/pkg/kdf"
	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/protocols/sign"
	"github.com/luxfi/chainsig/storage"
)

type testNode struct {
	node   *Node
	server *httptest.Server
	info   chain.ParticipantInfo
}

func (tn *testNode) close() {
	tn.server.Close()
}

func (tn *testNode) runningState() *RunningState {
	tn.node.mu.RLock()
	defer tn.node.mu.RUnlock()
	return tn.node.state.Running
}

func newIntegrationNode(t *testing.T, id party.ID, contract *chain.MemContract) *testNode {
	t.Helper()
	account := fmt.Sprintf("node%d.test", id)

	signPK, signSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cipherSK, cipherPK, err := hpke.GenerateKeyPair()
	require.NoError(t, err)

	n, err := NewNode(
		zaptest.NewLogger(t),
		Config{
			NodeID:     id,
			AccountID:  account,
			WebPort:    0,
			MinTriples: 6,
			MaxTriples: 12,
		},
		contract.Handle(account),
		signSK,
		cipherSK,
		storage.NewMemorySecretStorage(),
		storage.NewMemoryTripleStorage(account),
	)
	require.NoError(t, err)

	server := httptest.NewServer(n.webHandler())
	n.cfg.MyAddress = server.URL

	return &testNode{
		node:   n,
		server: server,
		info: chain.ParticipantInfo{
			ID:        id,
			AccountID: account,
			URL:       server.URL,
			CipherPK:  cipherPK,
			SignPK:    signPK,
		},
	}
}

type testNetwork struct {
	contract *chain.MemContract
	nodes    []*testNode
}

func newTestNetwork(t *testing.T, n, threshold int) *testNetwork {
	t.Helper()
	contract := chain.NewMemContract()
	network := &testNetwork{contract: contract}

	participants := make(chain.Participants)
	for i := 0; i < n; i++ {
		tn := newIntegrationNode(t, party.ID(i), contract)
		network.nodes = append(network.nodes, tn)
		participants[tn.info.ID] = tn.info
	}
	contract.Initialize(participants, threshold)
	t.Cleanup(func() {
		for _, tn := range network.nodes {
			tn.close()
		}
	})
	return network
}

// tickUntil steps every node until the predicate holds.
func (net *testNetwork) tickUntil(t *testing.T, maxTicks int, what string, predicate func() bool) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < maxTicks; i++ {
		for _, tn := range net.nodes {
			tn.node.Tick(ctx)
		}
		for _, tn := range net.nodes {
			tn.node.Publish(ctx)
		}
		if predicate() {
			return
		}
	}
	t.Fatalf("network did not reach: %s", what)
}

func (net *testNetwork) allRunning() bool {
	for _, tn := range net.nodes {
		if tn.node.StateName() != "Running" {
			return false
		}
	}
	return true
}

func TestNetworkKeygenToRunning(t *testing.T) {
	net := newTestNetwork(t, 3, 2)
	net.tickUntil(t, 100, "all nodes running", net.allRunning)

	// Every node agrees on the public key.
	publicKey := net.nodes[0].runningState().PublicKey
	for _, tn := range net.nodes {
		running := tn.runningState()
		require.NotNil(t, running)
		assert.True(t, publicKey.Equal(running.PublicKey))
		assert.Equal(t, uint64(0), running.Epoch)
	}

	// The /state endpoint reflects the running state.
	resp, err := http.Get(net.nodes[0].server.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var view StateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, "Running", view.State)
	assert.Equal(t, party.IDSlice{0, 1, 2}, view.Participants)
}

func TestNetworkTriplePoolFills(t *testing.T) {
	net := newTestNetwork(t, 3, 2)
	net.tickUntil(t, 100, "all nodes running", net.allRunning)

	net.tickUntil(t, 300, "triple pool filled", func() bool {
		for _, tn := range net.nodes {
			if tn.runningState().Triples.Len() < tn.node.cfg.MinTriples {
				return false
			}
		}
		return true
	})

	// The pool is identical everywhere and every triple has exactly
	// one owner.
	total := net.nodes[0].runningState().Triples.Len()
	mine := 0
	for _, tn := range net.nodes {
		running := tn.runningState()
		assert.Equal(t, total, running.Triples.Len())
		mine += running.Triples.MyLen()
	}
	assert.Equal(t, total, mine, "the sum of owned triples must equal the pool size")
}

func TestNetworkSignHappyPath(t *testing.T) {
	net := newTestNetwork(t, 3, 2)
	net.tickUntil(t, 100, "all nodes running", net.allRunning)

	// A user submitted sign(payload, "test") from alice.test; the
	// indexer forwards it to every node.
	payload := sha256.Sum256([]byte{12, 1, 2, 0, 4, 5, 6, 8, 38})
	indexed := IndexedSignRequest{
		PayloadHash: payload,
		AccountID:   "alice.test",
		Path:        "test",
		BlockHeight: 102,
	}
	indexed.ReceiptID[0] = 0x42
	indexed.Entropy[0] = 0x99

	body, err := json.Marshal(indexed)
	require.NoError(t, err)
	for _, tn := range net.nodes {
		resp, err := http.Post(tn.server.URL+"/sign", "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	net.tickUntil(t, 500, "signature published", func() bool {
		_, ok := net.contract.Response(hex.EncodeToString(payload[:]))
		return ok
	})

	response, ok := net.contract.Response(hex.EncodeToString(payload[:]))
	require.True(t, ok)

	// The published signature must verify under the derived key.
	epsilon := kdf.DeriveEpsilon("alice.test", "test")
	derivedKey := kdf.DeriveKey(net.nodes[0].runningState().PublicKey, epsilon)
	msgHash := curve.NewScalar().SetBytes(&payload)
	signature := &sign.FullSignature{BigR: response.BigR, S: response.S}
	assert.True(t, signature.Verify(derivedKey, msgHash))

	recovered, err := kdf.IntoEthSig(derivedKey, response.BigR, response.S, msgHash)
	require.NoError(t, err)
	assert.Equal(t, recovered.RecoveryID, response.RecoveryID)

	// The block height surfaced on /state.
	resp, err := http.Get(net.nodes[0].server.URL + "/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	var view StateView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, uint64(102), view.LatestBlockHeight)
}

func TestNetworkJoinResharing(t *testing.T) {
	net := newTestNetwork(t, 3, 2)
	net.tickUntil(t, 100, "all nodes running", net.allRunning)
	publicKey := net.nodes[0].runningState().PublicKey.Bytes()

	// A fourth node comes up against the same contract.
	joiner := newIntegrationNode(t, 3, net.contract)
	net.nodes = append(net.nodes, joiner)

	net.tickUntil(t, 300, "all four nodes running at epoch 1", func() bool {
		for _, tn := range net.nodes {
			running := tn.runningState()
			if running == nil || running.Epoch != 1 {
				return false
			}
		}
		return true
	})

	for _, tn := range net.nodes {
		running := tn.runningState()
		assert.Equal(t, hex.EncodeToString(publicKey), hex.EncodeToString(running.PublicKey.Bytes()),
			"resharing must not change the public key")
		assert.True(t, running.Participants.Contains(3))
	}
}

func TestNetworkKickedNodeResets(t *testing.T) {
	net := newTestNetwork(t, 3, 2)
	net.tickUntil(t, 100, "all nodes running", net.allRunning)
	ctx := context.Background()

	// Nodes 0 and 1 vote node 2 out.
	require.NoError(t, net.contract.Handle("node0.test").VoteLeave(ctx, 2))
	require.NoError(t, net.contract.Handle("node1.test").VoteLeave(ctx, 2))

	kicked := net.nodes[2]
	net.tickUntil(t, 300, "survivors at epoch 1, kicked node reset", func() bool {
		for _, tn := range net.nodes[:2] {
			running := tn.runningState()
			if running == nil || running.Epoch != 1 {
				return false
			}
		}
		// The kicked node dropped its running state.
		return kicked.runningState() == nil
	})

	for _, tn := range net.nodes[:2] {
		assert.False(t, tn.runningState().Participants.Contains(2))
	}
}

func TestNetworkContractRollbackDetection(t *testing.T) {
	net := newTestNetwork(t, 3, 2)
	net.tickUntil(t, 100, "all nodes running", net.allRunning)

	// The contract regresses to Initializing.
	participants := make(chain.Participants)
	for _, tn := range net.nodes {
		participants[tn.info.ID] = tn.info
	}
	net.contract.Initialize(participants, 2)

	net.tickUntil(t, 50, "nodes reset and wait without voting", func() bool {
		for _, tn := range net.nodes {
			if tn.node.StateName() != "Started" {
				return false
			}
		}
		return true
	})

	// No node voted a key in: the contract is still initializing.
	ctx := context.Background()
	state, err := net.contract.Handle("node0.test").State(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.Initializing)
	assert.Empty(t, state.Initializing.PkVotes)
}
