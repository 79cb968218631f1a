package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/minio/highwayhash"
	"go.uber.org/zap"

	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/protocols/triples"
	"github.com/luxfi/chainsig/storage"
)

// ErrTripleMissing reports that a triple required by a follower frame
// has not completed on this node yet. The frame should be parked and
// re-delivered later.
type ErrTripleMissing struct {
	ID triples.TripleID
}

func (e ErrTripleMissing) Error() string {
	return fmt.Sprintf("triple %d is missing", e.ID)
}

// ownerKey is the fixed HighwayHash key shared by all nodes; the
// owner assignment is only fair if every node hashes identically.
var ownerKey [32]byte

// tripleOwner deterministically assigns a completed triple to one
// participant. BigC is unpredictable to everyone before completion and
// identical on every node after it.
func tripleOwner(pub triples.Pub, participants party.IDSlice) party.ID {
	entropy := highwayhash.Sum64(pub.BigC.Bytes(), ownerKey[:])
	return participants[entropy%uint64(len(participants))]
}

type tripleGenerator struct {
	protocol *triples.Generator
	started  time.Time
}

// TripleManager generates and stores Beaver triples. Completed triples
// are spent at most once: TakeTwo removes them atomically.
type TripleManager struct {
	logger *zap.Logger

	triples    map[triples.TripleID]triples.Triple
	generators map[triples.TripleID]*tripleGenerator
	mine       []triples.TripleID

	participants party.IDSlice
	me           party.ID
	threshold    int
	epoch        uint64
	storage      storage.TripleStorage
}

// NewTripleManager builds a manager for one epoch, seeded with any
// triples reloaded from the store.
func NewTripleManager(logger *zap.Logger, participants party.IDSlice, me party.ID, threshold int, epoch uint64, reloaded []triples.Triple, store storage.TripleStorage) *TripleManager {
	m := &TripleManager{
		logger:       logger.With(zap.Uint64("epoch", epoch)),
		triples:      make(map[triples.TripleID]triples.Triple),
		generators:   make(map[triples.TripleID]*tripleGenerator),
		participants: participants.Copy(),
		me:           me,
		threshold:    threshold,
		epoch:        epoch,
		storage:      store,
	}
	for _, triple := range reloaded {
		m.triples[triple.ID] = triple
		if tripleOwner(triple.Public, m.participants) == me {
			m.mine = append(m.mine, triple.ID)
		}
	}
	return m
}

// Len returns the number of unspent triples.
func (m *TripleManager) Len() int {
	return len(m.triples)
}

// MyLen returns the number of unspent triples owned by this node.
func (m *TripleManager) MyLen() int {
	return len(m.mine)
}

// PotentialLen returns the pool size once every in-flight generation
// completes.
func (m *TripleManager) PotentialLen() int {
	return len(m.triples) + len(m.generators)
}

// GeneratorsLen returns the number of in-flight generations.
func (m *TripleManager) GeneratorsLen() int {
	return len(m.generators)
}

// Generate starts a new triple generation protocol under a random id.
func (m *TripleManager) Generate() error {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return err
	}
	id := binary.BigEndian.Uint64(buf[:])
	m.logger.Debug("starting protocol to generate a new triple", zap.Uint64("id", id))
	gen, err := triples.New(id, m.epoch, m.participants, m.me, m.threshold)
	if err != nil {
		return err
	}
	m.generators[id] = &tripleGenerator{protocol: gen, started: time.Now()}
	return nil
}

// GetOrGenerate ensures the triple with the given id is either already
// complete (returns nil) or has a generator to feed the frame to.
func (m *TripleManager) GetOrGenerate(id triples.TripleID) (protocol.Protocol, error) {
	if _, ok := m.triples[id]; ok {
		return nil, nil
	}
	if gen, ok := m.generators[id]; ok {
		return gen.protocol, nil
	}
	m.logger.Debug("joining protocol to generate a new triple", zap.Uint64("id", id))
	gen, err := triples.New(id, m.epoch, m.participants, m.me, m.threshold)
	if err != nil {
		return nil, err
	}
	m.generators[id] = &tripleGenerator{protocol: gen, started: time.Now()}
	return gen, nil
}

// TakeTwo removes both triples, or neither. Deleting from the store
// before use keeps a restarted node from ever reusing a spent triple.
func (m *TripleManager) TakeTwo(ctx context.Context, id0, id1 triples.TripleID) (triples.Triple, triples.Triple, error) {
	if _, ok := m.triples[id0]; !ok {
		return triples.Triple{}, triples.Triple{}, ErrTripleMissing{ID: id0}
	}
	if _, ok := m.triples[id1]; !ok {
		return triples.Triple{}, triples.Triple{}, ErrTripleMissing{ID: id1}
	}
	triple0 := m.triples[id0]
	triple1 := m.triples[id1]
	delete(m.triples, id0)
	delete(m.triples, id1)
	for _, data := range []triples.Triple{triple0, triple1} {
		err := m.storage.Delete(ctx, storage.TripleData{AccountID: m.storage.AccountID(), Triple: data})
		if err != nil {
			m.logger.Warn("delete triple failed", zap.Uint64("id", data.ID), zap.Error(err))
		}
	}
	return triple0, triple1, nil
}

// TakeTwoMine pops two triples owned by this node. Either both or
// none.
func (m *TripleManager) TakeTwoMine(ctx context.Context) (triples.Triple, triples.Triple, bool) {
	if len(m.mine) < 2 {
		return triples.Triple{}, triples.Triple{}, false
	}
	id0, id1 := m.mine[0], m.mine[1]
	m.mine = m.mine[2:]
	m.logger.Debug("taking two of my triples", zap.Uint64("id0", id0), zap.Uint64("id1", id1))
	triple0, triple1, err := m.TakeTwo(ctx, id0, id1)
	if err != nil {
		m.logger.Warn("my triples are gone", zap.Uint64("id0", id0), zap.Uint64("id1", id1), zap.Error(err))
		return triples.Triple{}, triples.Triple{}, false
	}
	return triple0, triple1, true
}

// Poke advances every in-flight generation and returns the frames to
// deliver. A failed or timed-out generator is dropped; the remaining
// instances are unaffected.
func (m *TripleManager) Poke(ctx context.Context) []Outbound {
	var messages []Outbound
	for id, gen := range m.generators {
		if time.Since(gen.started) > protocolTripleTimeout {
			m.logger.Warn("triple generation timed out", zap.Uint64("id", id))
			delete(m.generators, id)
			continue
		}
	poke:
		for {
			action, err := gen.protocol.Poke()
			if err != nil {
				m.logger.Warn("triple generation failed", zap.Uint64("id", id), zap.Error(err))
				delete(m.generators, id)
				break poke
			}
			switch action.Type {
			case protocol.ActionWait:
				break poke
			case protocol.ActionSendMany:
				for _, p := range m.participants {
					if p == m.me {
						continue
					}
					messages = append(messages, Outbound{To: p, Msg: m.wrap(id, action.Data)})
				}
			case protocol.ActionSendPrivate:
				messages = append(messages, Outbound{To: action.To, Msg: m.wrap(id, action.Data)})
			case protocol.ActionReturn:
				output := action.Result.(*triples.Output)
				triple := triples.Triple{ID: id, Share: output.Share, Public: output.Pub}
				m.triples[id] = triple

				owner := tripleOwner(output.Pub, m.participants)
				if owner == m.me {
					m.mine = append(m.mine, id)
				}
				m.logger.Info("completed triple generation",
					zap.Uint64("id", id),
					zap.Uint32("owner", uint32(owner)),
					zap.Duration("took", time.Since(gen.started)))

				err := m.storage.Insert(ctx, storage.TripleData{AccountID: m.storage.AccountID(), Triple: triple})
				if err != nil {
					// The triple stays usable in memory; it is only
					// at risk if the node restarts before a retry.
					m.logger.Warn("persist triple failed", zap.Uint64("id", id), zap.Error(err))
				}
				delete(m.generators, id)
				break poke
			}
		}
	}
	return messages
}

func (m *TripleManager) wrap(id triples.TripleID, data []byte) *MpcMessage {
	return &MpcMessage{Triple: &TripleMessage{
		ID:    id,
		Epoch: m.epoch,
		From:  m.me,
		Data:  data,
	}}
}
