package node

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/protocols/presign"
	"github.com/luxfi/chainsig/protocols/triples"
)

// ErrAlreadyGenerated reports that a presignature id is already
// complete, so a frame for it carries nothing new.
var ErrAlreadyGenerated = errors.New("presignature already generated")

// Presignature is a completed, unspent presignature. Its participant
// set is fixed at generation time and is the only set that may sign
// with it.
type Presignature struct {
	ID           presign.PresignatureID
	Output       *presign.Output
	Participants party.IDSlice
}

type presignatureGenerator struct {
	protocol     *presign.Generator
	participants party.IDSlice
	triple0      triples.TripleID
	triple1      triples.TripleID
	mine         bool
	started      time.Time
}

// PresignatureManager generates presignatures from pairs of triples.
// Completed presignatures are spent at most once.
type PresignatureManager struct {
	logger *zap.Logger

	presignatures map[presign.PresignatureID]*Presignature
	generators    map[presign.PresignatureID]*presignatureGenerator
	mine          []presign.PresignatureID

	me        party.ID
	threshold int
	epoch     uint64
}

// NewPresignatureManager builds a manager for one epoch.
func NewPresignatureManager(logger *zap.Logger, me party.ID, threshold int, epoch uint64) *PresignatureManager {
	return &PresignatureManager{
		logger:        logger.With(zap.Uint64("epoch", epoch)),
		presignatures: make(map[presign.PresignatureID]*Presignature),
		generators:    make(map[presign.PresignatureID]*presignatureGenerator),
		me:            me,
		threshold:     threshold,
		epoch:         epoch,
	}
}

// Len returns the number of unspent presignatures.
func (m *PresignatureManager) Len() int {
	return len(m.presignatures)
}

// MyLen returns the number of unspent presignatures owned by this
// node.
func (m *PresignatureManager) MyLen() int {
	return len(m.mine)
}

// PotentialLen returns the pool size once every in-flight generation
// completes.
func (m *PresignatureManager) PotentialLen() int {
	return len(m.presignatures) + len(m.generators)
}

// MyPotentialLen returns how many presignatures this node will own
// once its own proposals complete.
func (m *PresignatureManager) MyPotentialLen() int {
	count := len(m.mine)
	for _, gen := range m.generators {
		if gen.mine {
			count++
		}
	}
	return count
}

func (m *PresignatureManager) generateInternal(id presign.PresignatureID, participants party.IDSlice, triple0, triple1 triples.Triple, publicKey *curve.Point, privateShare *curve.Scalar, mine bool) (*presignatureGenerator, error) {
	gen, err := presign.New(id, m.epoch, participants, m.me, presign.Arguments{
		Triple0:      triple0,
		Triple1:      triple1,
		PrivateShare: privateShare,
		PublicKey:    publicKey,
		Threshold:    m.threshold,
	})
	if err != nil {
		return nil, err
	}
	return &presignatureGenerator{
		protocol:     gen,
		participants: participants.Copy(),
		triple0:      triple0.ID,
		triple1:      triple1.ID,
		mine:         mine,
		started:      time.Now(),
	}, nil
}

// Generate starts a presignature generation as the proposer, consuming
// two triples this node owns.
func (m *PresignatureManager) Generate(participants party.IDSlice, triple0, triple1 triples.Triple, publicKey *curve.Point, privateShare *curve.Scalar) error {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return err
	}
	id := binary.BigEndian.Uint64(buf[:])
	m.logger.Info("starting protocol to generate a new presignature",
		zap.Uint64("id", id),
		zap.Uint64("triple0", triple0.ID),
		zap.Uint64("triple1", triple1.ID))
	gen, err := m.generateInternal(id, participants, triple0, triple1, publicKey, privateShare, true)
	if err != nil {
		return err
	}
	m.generators[id] = gen
	return nil
}

// GetOrGenerate joins a presignature generation proposed elsewhere.
// It consumes the referenced triples through the triple manager; if
// either has not landed on this node yet, ErrTripleMissing is returned
// and the caller must park the frame and retry later.
func (m *PresignatureManager) GetOrGenerate(ctx context.Context, participants party.IDSlice, id presign.PresignatureID, triple0, triple1 triples.TripleID, tripleManager *TripleManager, publicKey *curve.Point, privateShare *curve.Scalar) (protocol.Protocol, error) {
	if _, ok := m.presignatures[id]; ok {
		return nil, ErrAlreadyGenerated
	}
	if gen, ok := m.generators[id]; ok {
		return gen.protocol, nil
	}

	t0, t1, err := tripleManager.TakeTwo(ctx, triple0, triple1)
	if err != nil {
		m.logger.Debug("cannot join presignature yet",
			zap.Uint64("id", id),
			zap.Uint64("triple0", triple0),
			zap.Uint64("triple1", triple1),
			zap.Error(err))
		return nil, err
	}
	m.logger.Info("joining protocol to generate a new presignature", zap.Uint64("id", id))
	gen, err := m.generateInternal(id, participants, t0, t1, publicKey, privateShare, false)
	if err != nil {
		return nil, err
	}
	m.generators[id] = gen
	return gen.protocol, nil
}

// TakeMine pops the next presignature owned by this node.
func (m *PresignatureManager) TakeMine() *Presignature {
	if len(m.mine) == 0 {
		return nil
	}
	id := m.mine[0]
	m.mine = m.mine[1:]
	presig := m.presignatures[id]
	delete(m.presignatures, id)
	return presig
}

// Take removes the presignature with the given id, if present.
func (m *PresignatureManager) Take(id presign.PresignatureID) *Presignature {
	presig, ok := m.presignatures[id]
	if !ok {
		return nil
	}
	delete(m.presignatures, id)
	return presig
}

// Poke advances every in-flight generation and returns the frames to
// deliver. Timed-out or failed generators are dropped; their triples
// are already spent and stay spent.
func (m *PresignatureManager) Poke() []Outbound {
	var messages []Outbound
	for id, gen := range m.generators {
		if time.Since(gen.started) > protocolPresigTimeout {
			m.logger.Warn("presignature generation timed out",
				zap.Uint64("id", id),
				zap.Uint64("triple0", gen.triple0),
				zap.Uint64("triple1", gen.triple1),
				zap.Bool("mine", gen.mine))
			delete(m.generators, id)
			continue
		}
	poke:
		for {
			action, err := gen.protocol.Poke()
			if err != nil {
				m.logger.Warn("presignature generation failed", zap.Uint64("id", id), zap.Error(err))
				delete(m.generators, id)
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
					messages = append(messages, Outbound{To: p, Msg: m.wrap(id, gen, action.Data)})
				}
			case protocol.ActionSendPrivate:
				messages = append(messages, Outbound{To: action.To, Msg: m.wrap(id, gen, action.Data)})
			case protocol.ActionReturn:
				output := action.Result.(*presign.Output)
				m.presignatures[id] = &Presignature{
					ID:           id,
					Output:       output,
					Participants: gen.participants,
				}
				if gen.mine {
					m.logger.Info("assigning presignature to myself", zap.Uint64("id", id))
					m.mine = append(m.mine, id)
				}
				m.logger.Info("completed presignature generation",
					zap.Uint64("id", id),
					zap.Duration("took", time.Since(gen.started)))
				delete(m.generators, id)
				break poke
			}
		}
	}
	return messages
}

func (m *PresignatureManager) wrap(id presign.PresignatureID, gen *presignatureGenerator, data []byte) *MpcMessage {
	return &MpcMessage{Presignature: &PresignatureMessage{
		ID:      id,
		Triple0: gen.triple0,
		Triple1: gen.triple1,
		Epoch:   m.epoch,
		From:    m.me,
		Data:    data,
	}}
}
