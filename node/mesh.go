package node

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/party"
)

// pingTTL caches liveness probe results; peers rarely flap faster.
const pingTTL = 5 * time.Second

// Pool tracks which peers from the contract's address book are
// currently reachable.
type Pool struct {
	logger *zap.Logger
	http   *http.Client

	mu          sync.Mutex
	connections chain.Participants
	active      chain.Participants
	activeAt    time.Time
}

// NewPool returns an empty pool.
func NewPool(logger *zap.Logger) *Pool {
	return &Pool{
		logger:      logger,
		http:        &http.Client{Timeout: 2 * time.Second},
		connections: make(chain.Participants),
	}
}

// Lookup resolves a participant id against the current address book.
func (p *Pool) Lookup(id party.ID) (chain.ParticipantInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info, ok := p.connections[id]
	return info, ok
}

// Connections returns a copy of the current address book.
func (p *Pool) Connections() chain.Participants {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connections.Copy()
}

// SetParticipants replaces the address book.
func (p *Pool) SetParticipants(participants chain.Participants) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connections = participants.Copy()
	p.active = nil
}

// EstablishParticipants refreshes the address book from the contract
// state and probes it.
func (p *Pool) EstablishParticipants(ctx context.Context, contractState *chain.ProtocolState) chain.Participants {
	var participants chain.Participants
	switch {
	case contractState.Initializing != nil:
		participants = contractState.Initializing.Participants
	case contractState.Running != nil:
		participants = contractState.Running.Participants
	case contractState.Resharing != nil:
		// During resharing everyone in either set needs to be
		// reachable.
		participants = contractState.Resharing.OldParticipants.Union(contractState.Resharing.NewParticipants)
	default:
		return nil
	}

	p.mu.Lock()
	if !p.connections.Equal(participants) {
		p.connections = participants.Copy()
		p.active = nil
	}
	p.mu.Unlock()

	return p.Ping(ctx)
}

// Ping probes every known peer and returns the reachable subset.
// Results are cached for pingTTL.
func (p *Pool) Ping(ctx context.Context) chain.Participants {
	p.mu.Lock()
	if p.active != nil && time.Since(p.activeAt) < pingTTL {
		active := p.active.Copy()
		p.mu.Unlock()
		return active
	}
	connections := p.connections.Copy()
	p.mu.Unlock()

	active := make(chain.Participants)
	for id, info := range connections {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/state", info.URL), nil)
		if err != nil {
			continue
		}
		resp, err := p.http.Do(req)
		if err != nil {
			p.logger.Debug("peer unreachable", zap.Uint32("participant", uint32(id)), zap.Error(err))
			continue
		}
		var view StateView
		err = json.NewDecoder(resp.Body).Decode(&view)
		resp.Body.Close()
		if err != nil {
			continue
		}
		active[id] = info
	}

	p.mu.Lock()
	p.active = active.Copy()
	p.activeAt = time.Now()
	p.mu.Unlock()
	return active
}
