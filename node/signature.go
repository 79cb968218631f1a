package node

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/kdf"
	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/protocols/presign"
	"github.com/luxfi/chainsig/protocols/sign"
)

// ErrPresignatureMissing reports that the presignature a signature
// frame references has not completed on this node yet.
var ErrPresignatureMissing = errors.New("presignature is missing")

// ErrRequestUnknown reports that the sign request a signature frame
// belongs to has not reached this node's queue yet.
var ErrRequestUnknown = errors.New("sign request is unknown")

// SignRequest is a confirmed sign call forwarded by the indexer, with
// the derived tweaks.
type SignRequest struct {
	ReceiptID kdf.ReceiptID
	MsgHash   [32]byte
	Epsilon   *curve.Scalar
	Delta     *curve.Scalar
	Entropy   [32]byte
}

// SignerSubset deterministically selects the threshold-sized signer
// subset and the proposer for a request. Every node evaluates the same
// function over the same entropy and participant set, so no
// coordination round is needed.
func SignerSubset(entropy [32]byte, participants party.IDSlice, threshold int) (party.IDSlice, party.ID) {
	var seed int64
	for i := 0; i < len(entropy); i += 8 {
		seed ^= int64(binary.LittleEndian.Uint64(entropy[i : i+8]))
	}
	rng := rand.New(rand.NewSource(seed))
	shuffled := participants.Copy()
	rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	subset := party.NewIDSlice(shuffled[:threshold])
	proposer := subset[rng.Intn(len(subset))]
	return subset, proposer
}

// SignQueue collects sign requests and assigns them to proposers.
type SignQueue struct {
	mu          sync.Mutex
	unorganized []SignRequest
	requests    map[party.ID]map[kdf.ReceiptID]SignRequest
}

// NewSignQueue returns an empty queue.
func NewSignQueue() *SignQueue {
	return &SignQueue{requests: make(map[party.ID]map[kdf.ReceiptID]SignRequest)}
}

// Add enqueues a request for the next Organize pass.
func (q *SignQueue) Add(request SignRequest) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unorganized = append(q.unorganized, request)
}

// Organize assigns queued requests to proposers. Requests whose signer
// subset excludes this node are dropped: the subset handles them.
func (q *SignQueue) Organize(logger *zap.Logger, participants party.IDSlice, threshold int, me party.ID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, request := range q.unorganized {
		subset, proposer := SignerSubset(request.Entropy, participants, threshold)
		if !subset.Contains(me) {
			logger.Info("skipping sign request: node is not in the signer subset",
				zap.String("receipt_id", request.ReceiptID.String()))
			continue
		}
		logger.Info("saving sign request: node is in the signer subset",
			zap.String("receipt_id", request.ReceiptID.String()),
			zap.Uint32("proposer", uint32(proposer)))
		byReceipt := q.requests[proposer]
		if byReceipt == nil {
			byReceipt = make(map[kdf.ReceiptID]SignRequest)
			q.requests[proposer] = byReceipt
		}
		byReceipt[request.ReceiptID] = request
	}
	q.unorganized = nil
}

// Get returns the request assigned to the given proposer, if known.
func (q *SignQueue) Get(proposer party.ID, receiptID kdf.ReceiptID) (SignRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	request, ok := q.requests[proposer][receiptID]
	return request, ok
}

// TakeMine removes and returns one request proposed by this node.
func (q *SignQueue) TakeMine(me party.ID) (SignRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for receiptID, request := range q.requests[me] {
		delete(q.requests[me], receiptID)
		return request, true
	}
	return SignRequest{}, false
}

// Remove drops a request once its signature protocol has started.
func (q *SignQueue) Remove(proposer party.ID, receiptID kdf.ReceiptID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.requests[proposer], receiptID)
}

// MyRequestCount returns how many requests await this node as
// proposer.
func (q *SignQueue) MyRequestCount(me party.ID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests[me])
}

type signatureGenerator struct {
	protocol       *sign.Signer
	participants   party.IDSlice
	proposer       party.ID
	presignatureID presign.PresignatureID
	request        SignRequest
	started        time.Time
}

type failedRequest struct {
	request  SignRequest
	proposer party.ID
}

type publishable struct {
	request   SignRequest
	signature *sign.FullSignature
}

// SignatureManager runs the online signing phase for assigned
// requests and publishes completed signatures.
type SignatureManager struct {
	logger *zap.Logger

	generators map[kdf.ReceiptID]*signatureGenerator
	failed     []failedRequest
	signatures []publishable

	me        party.ID
	publicKey *curve.Point
	epoch     uint64
}

// NewSignatureManager builds a manager for one epoch.
func NewSignatureManager(logger *zap.Logger, me party.ID, publicKey *curve.Point, epoch uint64) *SignatureManager {
	return &SignatureManager{
		logger:     logger.With(zap.Uint64("epoch", epoch)),
		generators: make(map[kdf.ReceiptID]*signatureGenerator),
		me:         me,
		publicKey:  publicKey,
		epoch:      epoch,
	}
}

// FailedLen returns the number of requests awaiting a retry with a
// fresh presignature.
func (m *SignatureManager) FailedLen() int {
	return len(m.failed)
}

// GeneratorsLen returns the number of in-flight signing protocols.
func (m *SignatureManager) GeneratorsLen() int {
	return len(m.generators)
}

func (m *SignatureManager) generateInternal(participants party.IDSlice, proposer party.ID, presig *Presignature, request SignRequest) (*signatureGenerator, error) {
	deltaInv := request.Delta.Invert()
	// Bind the presignature trajectory to this request (delta) and to
	// the requester's derived key (epsilon).
	tweaked := &presign.Output{
		BigR:  request.Delta.Act(presig.Output.BigR),
		K:     presig.Output.K.Mul(deltaInv),
		Sigma: presig.Output.Sigma.Add(request.Epsilon.Mul(presig.Output.K)).Mul(deltaInv),
	}
	derivedKey := kdf.DeriveKey(m.publicKey, request.Epsilon)
	msgHash := request.MsgHash
	msgScalar := curve.NewScalar().SetBytes(&msgHash)
	instance := binary.BigEndian.Uint64(request.ReceiptID[:8])

	signer, err := sign.New(instance, m.epoch, participants, m.me, derivedKey, tweaked, msgScalar)
	if err != nil {
		return nil, err
	}
	return &signatureGenerator{
		protocol:       signer,
		participants:   participants.Copy(),
		proposer:       proposer,
		presignatureID: presig.ID,
		request:        request,
		started:        time.Now(),
	}, nil
}

// Generate starts signing a request this node proposes, consuming one
// of its own presignatures.
func (m *SignatureManager) Generate(participants party.IDSlice, presig *Presignature, request SignRequest) error {
	m.logger.Info("starting protocol to generate a new signature",
		zap.String("receipt_id", request.ReceiptID.String()),
		zap.Uint64("presignature_id", presig.ID))
	gen, err := m.generateInternal(participants, m.me, presig, request)
	if err != nil {
		return err
	}
	m.generators[request.ReceiptID] = gen
	return nil
}

// GetOrGenerate joins a signing protocol proposed elsewhere. The
// referenced presignature is consumed through the presignature
// manager; if it has not completed here yet, ErrPresignatureMissing is
// returned and the frame must be parked.
func (m *SignatureManager) GetOrGenerate(participants party.IDSlice, proposer party.ID, presignatureID presign.PresignatureID, request SignRequest, presignatures *PresignatureManager) (protocol.Protocol, error) {
	if gen, ok := m.generators[request.ReceiptID]; ok {
		return gen.protocol, nil
	}
	presig := presignatures.Take(presignatureID)
	if presig == nil {
		return nil, ErrPresignatureMissing
	}
	m.logger.Info("joining protocol to generate a new signature",
		zap.String("receipt_id", request.ReceiptID.String()),
		zap.Uint64("presignature_id", presignatureID))
	gen, err := m.generateInternal(participants, proposer, presig, request)
	if err != nil {
		return nil, err
	}
	m.generators[request.ReceiptID] = gen
	return gen.protocol, nil
}

// RetryFailed restarts the oldest failed request with a fresh
// presignature. Returns false when nothing is pending.
func (m *SignatureManager) RetryFailed(participants party.IDSlice, threshold int, presig *Presignature) bool {
	if len(m.failed) == 0 {
		return false
	}
	entry := m.failed[0]
	m.failed = m.failed[1:]
	subset, _ := SignerSubset(entry.request.Entropy, participants, threshold)
	gen, err := m.generateInternal(subset, entry.proposer, presig, entry.request)
	if err != nil {
		m.logger.Warn("failed to restart signature generation",
			zap.String("receipt_id", entry.request.ReceiptID.String()),
			zap.Error(err))
		return false
	}
	m.generators[entry.request.ReceiptID] = gen
	return true
}

// Poke advances every in-flight signing protocol. Failed protocols go
// to the retry queue; completed signatures proposed by this node are
// staged for publishing.
func (m *SignatureManager) Poke() []Outbound {
	var messages []Outbound
	for receiptID, gen := range m.generators {
		if time.Since(gen.started) > protocolSignatureTimeout {
			m.logger.Warn("signature protocol timed out",
				zap.String("receipt_id", receiptID.String()),
				zap.Uint64("presignature_id", gen.presignatureID))
			m.failed = append(m.failed, failedRequest{request: gen.request, proposer: gen.proposer})
			delete(m.generators, receiptID)
			continue
		}
	poke:
		for {
			action, err := gen.protocol.Poke()
			if err != nil {
				m.logger.Warn("signature failed to be produced; queueing for retry",
					zap.String("receipt_id", receiptID.String()),
					zap.Error(err))
				m.failed = append(m.failed, failedRequest{request: gen.request, proposer: gen.proposer})
				delete(m.generators, receiptID)
				break poke
			}
			switch action.Type {
			case protocol.ActionWait:
				break poke
			case protocol.ActionSendMany:
				for _, p := range gen.participants {
					if p == m.me {
						continue
					}
					messages = append(messages, Outbound{To: p, Msg: m.wrap(receiptID, gen, action.Data)})
				}
			case protocol.ActionSendPrivate:
				messages = append(messages, Outbound{To: action.To, Msg: m.wrap(receiptID, gen, action.Data)})
			case protocol.ActionReturn:
				signature := action.Result.(*sign.FullSignature)
				m.logger.Info("completed signature generation",
					zap.String("receipt_id", receiptID.String()),
					zap.Duration("took", time.Since(gen.started)))
				if gen.proposer == m.me {
					m.signatures = append(m.signatures, publishable{request: gen.request, signature: signature})
				}
				delete(m.generators, receiptID)
				break poke
			}
		}
	}
	return messages
}

// Publish submits every staged signature to the contract. Entries are
// removed on success and retained for the next cycle on failure.
func (m *SignatureManager) Publish(ctx context.Context, contract chain.Contract) {
	remaining := m.signatures[:0]
	for _, entry := range m.signatures {
		derivedKey := kdf.DeriveKey(m.publicKey, entry.request.Epsilon)
		msgHash := entry.request.MsgHash
		msgScalar := curve.NewScalar().SetBytes(&msgHash)
		ethSig, err := kdf.IntoEthSig(derivedKey, entry.signature.BigR, entry.signature.S, msgScalar)
		if err != nil {
			// The signature verified during assembly, so this is not
			// recoverable by retrying.
			m.logger.Error("cannot determine recovery id; dropping signature",
				zap.String("receipt_id", entry.request.ReceiptID.String()),
				zap.Error(err))
			continue
		}
		err = contract.Respond(ctx,
			chain.SignatureRequest{PayloadHash: entry.request.MsgHash, Epsilon: entry.request.Epsilon},
			chain.SignatureResponse{BigR: ethSig.BigR, S: ethSig.S, RecoveryID: ethSig.RecoveryID},
		)
		if err != nil {
			m.logger.Warn("publishing signature failed; will retry",
				zap.String("receipt_id", entry.request.ReceiptID.String()),
				zap.Error(err))
			remaining = append(remaining, entry)
			continue
		}
		m.logger.Info("published signature response",
			zap.String("receipt_id", entry.request.ReceiptID.String()),
			zap.String("payload", hex.EncodeToString(entry.request.MsgHash[:])))
	}
	m.signatures = remaining
}

func (m *SignatureManager) wrap(receiptID kdf.ReceiptID, gen *signatureGenerator, data []byte) *MpcMessage {
	return &MpcMessage{Signature: &SignatureMessage{
		ReceiptID:      receiptID,
		Proposer:       gen.proposer,
		PresignatureID: gen.presignatureID,
		MsgHash:        gen.request.MsgHash,
		Epsilon:        gen.request.Epsilon,
		Delta:          gen.request.Delta,
		Epoch:          m.epoch,
		From:           m.me,
		Data:           data,
	}}
}
