package chain

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
)

// SignatureRequest echoes the request half of a respond call: the
// payload hash the user asked to sign and the epsilon their account
// and path derive to.
type SignatureRequest struct {
	PayloadHash [32]byte      `json:"payload_hash"`
	Epsilon     *curve.Scalar `json:"epsilon"`
}

// SignatureResponse is the completed signature submitted on chain.
type SignatureResponse struct {
	BigR       *curve.Point  `json:"big_r"`
	S          *curve.Scalar `json:"s"`
	RecoveryID byte          `json:"recovery_id"`
}

// Contract is the coordination-contract capability consumed by the
// node. Implementations: the JSON-RPC client below and the in-memory
// contract used by tests.
type Contract interface {
	// State reads the protocol contract state.
	State(ctx context.Context) (*ProtocolState, error)
	// VotePublicKey votes for the generated public key during
	// initialization. It reports whether the contract has reached
	// consensus on this key. Re-voting is a no-op.
	VotePublicKey(ctx context.Context, publicKey *curve.Point) (bool, error)
	// VoteReshared votes that this node finished resharing out of the
	// given (old) epoch. It reports whether the contract is running at
	// epoch+1.
	VoteReshared(ctx context.Context, epoch uint64) (bool, error)
	// VoteJoin votes to admit a candidate.
	VoteJoin(ctx context.Context, candidate party.ID) error
	// VoteLeave votes to remove a participant.
	VoteLeave(ctx context.Context, kick party.ID) error
	// ProposeJoin registers this node as a candidate.
	ProposeJoin(ctx context.Context, info ParticipantInfo) error
	// Respond publishes a completed signature for a sign request.
	Respond(ctx context.Context, request SignatureRequest, response SignatureResponse) error
}

// rpcRequest is the JSON-RPC 2.0 envelope understood by the chain
// gateway.
type rpcRequest struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      int        `json:"id"`
	Method  string     `json:"method"`
	Params  callParams `json:"params"`
}

type callParams struct {
	ContractID string          `json:"contract_id"`
	MethodName string          `json:"method_name"`
	Args       json.RawMessage `json:"args"`
	SignerID   string          `json:"signer_id,omitempty"`
	Signature  []byte          `json:"signature,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Client calls the contract through the chain's JSON-RPC gateway.
// Change methods are signed with the node's account key.
type Client struct {
	rpcURL     string
	contractID string
	accountID  string
	accountSK  ed25519.PrivateKey
	http       *http.Client
}

// NewClient builds a contract client for the given gateway and account
// identity.
func NewClient(rpcURL, contractID, accountID string, accountSK ed25519.PrivateKey) *Client {
	return &Client{
		rpcURL:     rpcURL,
		contractID: contractID,
		accountID:  accountID,
		accountSK:  accountSK,
		http:       &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) call(ctx context.Context, method, methodName string, args interface{}, out interface{}) error {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "marshal args")
	}
	params := callParams{
		ContractID: c.contractID,
		MethodName: methodName,
		Args:       rawArgs,
	}
	if method == "call" {
		params.SignerID = c.accountID
		params.Signature = ed25519.Sign(c.accountSK, signingBytes(c.contractID, methodName, rawArgs))
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("content-type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, methodName)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read rpc response")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s %s: unexpected status %d: %s", method, methodName, resp.StatusCode, respBody)
	}
	var parsed rpcResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return errors.Wrap(err, "decode rpc response")
	}
	if parsed.Error != nil {
		return parsed.Error
	}
	if out != nil {
		if err := json.Unmarshal(parsed.Result, out); err != nil {
			return errors.Wrapf(err, "decode %s result", methodName)
		}
	}
	return nil
}

// signingBytes is the canonical preimage for change-method signatures.
func signingBytes(contractID, methodName string, args []byte) []byte {
	buf := make([]byte, 0, len(contractID)+len(methodName)+len(args)+2)
	buf = append(buf, contractID...)
	buf = append(buf, 0)
	buf = append(buf, methodName...)
	buf = append(buf, 0)
	buf = append(buf, args...)
	return buf
}

// State implements Contract.
func (c *Client) State(ctx context.Context) (*ProtocolState, error) {
	var state ProtocolState
	if err := c.call(ctx, "view", "state", struct{}{}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// VotePublicKey implements Contract.
func (c *Client) VotePublicKey(ctx context.Context, publicKey *curve.Point) (bool, error) {
	var accepted bool
	err := c.call(ctx, "call", "vote_pk", map[string]interface{}{"public_key": publicKey}, &accepted)
	return accepted, err
}

// VoteReshared implements Contract.
func (c *Client) VoteReshared(ctx context.Context, epoch uint64) (bool, error) {
	var finished bool
	err := c.call(ctx, "call", "vote_reshared", map[string]interface{}{"epoch": epoch}, &finished)
	return finished, err
}

// VoteJoin implements Contract.
func (c *Client) VoteJoin(ctx context.Context, candidate party.ID) error {
	return c.call(ctx, "call", "vote_join", map[string]interface{}{"candidate": candidate}, nil)
}

// VoteLeave implements Contract.
func (c *Client) VoteLeave(ctx context.Context, kick party.ID) error {
	return c.call(ctx, "call", "vote_leave", map[string]interface{}{"kick": kick}, nil)
}

// ProposeJoin implements Contract.
func (c *Client) ProposeJoin(ctx context.Context, info ParticipantInfo) error {
	return c.call(ctx, "call", "join", map[string]interface{}{"participant": info}, nil)
}

// Respond implements Contract.
func (c *Client) Respond(ctx context.Context, request SignatureRequest, response SignatureResponse) error {
	return c.call(ctx, "call", "respond", map[string]interface{}{
		"request":  request,
		"response": response,
	}, nil)
}
