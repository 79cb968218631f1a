// Package node implements the per-node MPC runtime: the state machine
// that follows the coordination contract, the pipelined triple,
// presignature and signature managers, the peer message router and the
// peer HTTP surface.
package node

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/hpke"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/protocols/triples"
	"github.com/luxfi/chainsig/storage"
)

// Config carries the node's identity and pool sizing.
type Config struct {
	// NodeID is this node's participant id on the contract.
	NodeID party.ID
	// AccountID is the chain account this node signs transactions
	// with.
	AccountID string
	// MyAddress is the URL peers reach this node at.
	MyAddress string
	// WebPort is the peer HTTP port.
	WebPort int
	// MinTriples is the triple pool target; generation starts whenever
	// the potential pool size drops below it.
	MinTriples int
	// MaxTriples caps the completed pool for pool-target generation; a
	// node holding too few triples of its own keeps generating past it.
	MaxTriples int
	// PollInterval overrides the contract polling cadence; zero means
	// the default of one second.
	PollInterval time.Duration
}

// Node is one MPC network member.
type Node struct {
	logger *zap.Logger
	cfg    Config
	me     party.ID

	contract chain.Contract
	signSK   ed25519.PrivateKey
	cipherSK hpke.SecretKey
	cipherPK hpke.PublicKey

	secretStorage storage.SecretStorage
	tripleStorage storage.TripleStorage

	pool      *Pool
	http      *http.Client
	queue     *MessageQueue
	signQueue *SignQueue
	inbox     chan *MpcMessage
	parked    []parkedFrame

	mu    sync.RWMutex
	state NodeState

	latestBlockHeight uint64
}

// NewNode wires a node together. The contract client and storage
// backends are injected so tests can run whole networks in-process.
func NewNode(
	logger *zap.Logger,
	cfg Config,
	contract chain.Contract,
	signSK ed25519.PrivateKey,
	cipherSK hpke.SecretKey,
	secretStorage storage.SecretStorage,
	tripleStorage storage.TripleStorage,
) (*Node, error) {
	cipherPK, err := cipherSK.PublicKey()
	if err != nil {
		return nil, err
	}
	if cfg.MinTriples <= 0 {
		cfg.MinTriples = 4
	}
	if cfg.MaxTriples <= 0 {
		cfg.MaxTriples = 2 * cfg.MinTriples
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Node{
		logger:        logger.With(zap.Uint32("me", uint32(cfg.NodeID))),
		cfg:           cfg,
		me:            cfg.NodeID,
		contract:      contract,
		signSK:        signSK,
		cipherSK:      cipherSK,
		cipherPK:      cipherPK,
		secretStorage: secretStorage,
		tripleStorage: tripleStorage,
		pool:          NewPool(logger),
		http:          &http.Client{Timeout: 5 * time.Second},
		queue:         NewMessageQueue(),
		signQueue:     NewSignQueue(),
		inbox:         make(chan *MpcMessage, 1024),
	}, nil
}

// myInfo is the participant record this node advertises when joining.
func (n *Node) myInfo() chain.ParticipantInfo {
	return chain.ParticipantInfo{
		ID:        n.me,
		AccountID: n.cfg.AccountID,
		URL:       n.cfg.MyAddress,
		CipherPK:  n.cipherPK,
		SignPK:    n.signSK.Public().(ed25519.PublicKey),
	}
}

// StateName returns the current state name.
func (n *Node) StateName() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state.Name()
}

// Run executes the node's three long-lived tasks until the context is
// cancelled: the state-machine driver, the peer HTTP server and the
// signature publisher.
func (n *Node) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return n.runDriver(ctx) })
	group.Go(func() error { return n.runWeb(ctx) })
	group.Go(func() error { return n.runPublisher(ctx) })
	return group.Wait()
}

// runDriver is the state-machine loop: poll the contract, route
// buffered frames, advance consensus, progress cryptography.
func (n *Node) runDriver(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		n.Tick(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one driver cycle. Exported so tests can step a network
// deterministically.
func (n *Node) Tick(ctx context.Context) {
	contractState, err := n.contract.State(ctx)
	if err != nil {
		n.logger.Warn("could not fetch contract state", zap.Error(err))
		return
	}
	if contractState.IsInitialized() {
		n.pool.EstablishParticipants(ctx, contractState)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	state := n.state

	// Route everything that arrived since the last cycle.
drain:
	for {
		select {
		case msg := <-n.inbox:
			n.route(ctx, &state, msg)
		default:
			break drain
		}
	}

	state, err = n.advance(ctx, state, contractState)
	if err != nil {
		n.logger.Error("state advance failed; resetting to starting", zap.Error(err))
		n.queue.Clear()
		n.parked = nil
		n.state = NodeState{}
		return
	}

	state, err = n.progress(ctx, state)
	if err != nil {
		n.logger.Error("protocol progress failed; resetting to starting", zap.Error(err))
		n.queue.Clear()
		n.parked = nil
		n.state = NodeState{}
		return
	}

	// Frames parked on missing dependencies get another chance now
	// that the poke cycle may have satisfied them.
	n.retryParked(ctx, &state)

	n.state = state
}

// runPublisher periodically submits completed signatures to the
// contract.
func (n *Node) runPublisher(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Publish(ctx)
		}
	}
}

// Publish drains completed signatures. Exported so tests can force a
// publish cycle.
func (n *Node) Publish(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if running := n.state.Running; running != nil {
		running.Signatures.Publish(ctx, n.contract)
	}
}

func (n *Node) loadTriples(ctx context.Context) ([]triples.Triple, error) {
	rows, err := n.tripleStorage.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]triples.Triple, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Triple)
	}
	return out, nil
}

// purgeTriples wipes the persisted pool. Called on every resharing
// entry: triples are bound to the share configuration and stale rows
// must not survive an epoch bump.
func (n *Node) purgeTriples(ctx context.Context) {
	rows, err := n.tripleStorage.Load(ctx)
	if err != nil {
		n.logger.Warn("could not enumerate triples for purge", zap.Error(err))
		return
	}
	for _, row := range rows {
		if err := n.tripleStorage.Delete(ctx, row); err != nil {
			n.logger.Warn("could not purge triple", zap.Uint64("id", row.Triple.ID), zap.Error(err))
		}
	}
	n.queue.Clear()
}
