package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/chainsig/pkg/math/curve"
)

// fakeGateway answers the JSON-RPC surface the client speaks and
// records what it saw.
type fakeGateway struct {
	t          *testing.T
	signPK     ed25519.PublicKey
	state      *ProtocolState
	lastMethod string
	lastCall   callParams
}

func (g *fakeGateway) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(g.t, json.NewDecoder(r.Body).Decode(&req))
		g.lastMethod = req.Method
		g.lastCall = req.Params

		var result interface{}
		switch {
		case req.Method == "view" && req.Params.MethodName == "state":
			result = g.state
		case req.Method == "call":
			// Change methods must carry a valid account signature.
			preimage := signingBytes(req.Params.ContractID, req.Params.MethodName, req.Params.Args)
			if !ed25519.Verify(g.signPK, preimage, req.Params.Signature) {
				_ = json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: 1, Message: "bad signature"}})
				return
			}
			result = true
		default:
			_ = json.NewEncoder(w).Encode(rpcResponse{Error: &rpcError{Code: 2, Message: "unknown method"}})
			return
		}
		raw, err := json.Marshal(result)
		require.NoError(g.t, err)
		_ = json.NewEncoder(w).Encode(rpcResponse{Result: raw})
	}
}

func newTestClient(t *testing.T) (*Client, *fakeGateway, func()) {
	t.Helper()
	signPK, signSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	gateway := &fakeGateway{t: t, signPK: signPK}
	server := httptest.NewServer(gateway.handler())
	client := NewClient(server.URL, "mpc.test", "node0.test", signSK)
	return client, gateway, server.Close
}

func TestClientState(t *testing.T) {
	client, gateway, close := newTestClient(t)
	defer close()

	publicKey := curve.NewScalar().SetUint32(7).ActOnBase()
	gateway.state = &ProtocolState{Running: &RunningState{
		Epoch:        3,
		Participants: testParticipants(2),
		Threshold:    2,
		PublicKey:    publicKey,
	}}

	state, err := client.State(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state.Running)
	assert.Equal(t, uint64(3), state.Running.Epoch)
	assert.True(t, state.Running.PublicKey.Equal(publicKey))
	assert.Equal(t, "view", gateway.lastMethod)
}

func TestClientVoteIsSigned(t *testing.T) {
	client, gateway, close := newTestClient(t)
	defer close()

	publicKey := curve.NewScalar().SetUint32(9).ActOnBase()
	accepted, err := client.VotePublicKey(context.Background(), publicKey)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "call", gateway.lastMethod)
	assert.Equal(t, "vote_pk", gateway.lastCall.MethodName)
	assert.Equal(t, "node0.test", gateway.lastCall.SignerID)
	assert.NotEmpty(t, gateway.lastCall.Signature)
}

func TestClientRespond(t *testing.T) {
	client, gateway, close := newTestClient(t)
	defer close()

	var payloadHash [32]byte
	payloadHash[1] = 0xaa
	err := client.Respond(context.Background(),
		SignatureRequest{PayloadHash: payloadHash, Epsilon: curve.NewScalar().SetUint32(3)},
		SignatureResponse{
			BigR:       curve.NewScalar().SetUint32(5).ActOnBase(),
			S:          curve.NewScalar().SetUint32(6),
			RecoveryID: 1,
		})
	require.NoError(t, err)
	assert.Equal(t, "respond", gateway.lastCall.MethodName)

	var args map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(gateway.lastCall.Args, &args))
	assert.Contains(t, args, "request")
	assert.Contains(t, args, "response")
}

func TestClientSurfacesRPCErrors(t *testing.T) {
	signPK, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	gateway := &fakeGateway{t: t, signPK: signPK}
	server := httptest.NewServer(gateway.handler())
	defer server.Close()

	// A client signing with a key the gateway does not trust gets the
	// rpc error surfaced.
	_, wrongSK, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	client := NewClient(server.URL, "mpc.test", "node0.test", wrongSK)

	err = client.VoteJoin(context.Background(), 3)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad signature")
}
