// Package reshare migrates key shares from an old participant set to a
// new one without changing the public key. Participants present in
// both sets re-deal their Lagrange-weighted old share; joining
// participants contribute nothing and derive their first share from
// the dealt subshares.
package reshare

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/math/polynomial"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
)

const protocolName = "chainsig/reshare"

const (
	roundCommitments = 1
	roundSubshares   = 2
)

const (
	stageInit = iota
	stageCommitments
	stageSubshares
	stageDone
)

// Output is the result of a completed resharing: this node's share
// under the new participant set, with the unchanged public key.
type Output struct {
	PrivateShare *curve.Scalar
	PublicKey    *curve.Point
}

type broadcastCommitments struct {
	Commitments []*curve.Point `cbor:"commitments"`
}

type messageSubshare struct {
	Subshare *curve.Scalar `cbor:"subshare"`
}

// Reshare is an in-flight resharing protocol instance.
type Reshare struct {
	newParticipants party.IDSlice
	dealers         party.IDSlice
	me              party.ID
	threshold       int
	publicKey       *curve.Point
	rand            io.Reader

	tag   protocol.SessionTag
	inbox *protocol.Inbox
	queue []protocol.Action
	stage int

	poly        *polynomial.Polynomial // nil when we are not a dealer
	commitments map[party.ID][]*curve.Point
}

// New starts a resharing protocol. oldShare must be nil exactly when
// this node is joining (not present in the old participant set). Only
// participants of the new set run the protocol; a node that is being
// removed detects that through the contract state and never gets here.
func New(oldParticipants, newParticipants party.IDSlice, threshold int, me party.ID, oldShare *curve.Scalar, publicKey *curve.Point, oldEpoch uint64) (*Reshare, error) {
	return newWithRand(oldParticipants, newParticipants, threshold, me, oldShare, publicKey, oldEpoch, rand.Reader)
}

func newWithRand(oldParticipants, newParticipants party.IDSlice, threshold int, me party.ID, oldShare *curve.Scalar, publicKey *curve.Point, oldEpoch uint64, random io.Reader) (*Reshare, error) {
	if threshold < 1 || threshold > len(newParticipants) {
		return nil, errors.Errorf("reshare: invalid threshold %d for %d participants", threshold, len(newParticipants))
	}
	if !newParticipants.Contains(me) {
		return nil, errors.Errorf("reshare: participant %d is not in the new participant set", me)
	}

	dealers := make([]party.ID, 0, len(oldParticipants))
	for _, id := range oldParticipants {
		if newParticipants.Contains(id) {
			dealers = append(dealers, id)
		}
	}
	sorted := party.NewIDSlice(dealers)
	if len(sorted) < threshold {
		return nil, errors.Errorf("reshare: only %d surviving dealers for threshold %d", len(sorted), threshold)
	}
	isDealer := sorted.Contains(me)
	if isDealer && oldShare == nil {
		return nil, errors.Errorf("reshare: participant %d is a dealer but has no old share", me)
	}

	r := &Reshare{
		newParticipants: newParticipants.Copy(),
		dealers:         sorted,
		me:              me,
		threshold:       threshold,
		publicKey:       publicKey,
		rand:            random,
		commitments:     make(map[party.ID][]*curve.Point, len(sorted)),
	}
	r.tag = protocol.NewSessionTag(protocolName, oldEpoch, 0, newParticipants)
	r.inbox = protocol.NewInbox(r.tag)

	if isDealer {
		// Deal λ_me·oldShare so that the dealt constants sum to the
		// original secret over the surviving dealer set.
		lagrange := polynomial.Lagrange(sorted.Points())
		weighted := lagrange[uint32(me)].Mul(oldShare)
		poly, err := polynomial.NewPolynomial(random, threshold-1, weighted)
		if err != nil {
			return nil, errors.Wrap(err, "reshare: sample polynomial")
		}
		r.poly = poly
	}
	return r, nil
}

// Message implements protocol.Protocol.
func (r *Reshare) Message(from party.ID, data protocol.MessageData) {
	r.inbox.Store(from, data)
}

// Poke implements protocol.Protocol.
func (r *Reshare) Poke() (protocol.Action, error) {
	for {
		if len(r.queue) > 0 {
			action := r.queue[0]
			r.queue = r.queue[1:]
			return action, nil
		}

		switch r.stage {
		case stageInit:
			if r.poly != nil {
				data, err := protocol.MarshalRound(r.tag, roundCommitments, broadcastCommitments{Commitments: r.poly.Commit()})
				if err != nil {
					return protocol.Action{}, err
				}
				r.queue = append(r.queue, protocol.SendMany(data))
			}
			r.stage = stageCommitments

		case stageCommitments:
			if !r.inbox.Complete(roundCommitments, r.dealers, r.me) {
				return protocol.Wait(), nil
			}
			if err := r.collectCommitments(); err != nil {
				return protocol.Action{}, err
			}
			r.stage = stageSubshares

		case stageSubshares:
			if !r.inbox.Complete(roundSubshares, r.dealers, r.me) {
				return protocol.Wait(), nil
			}
			output, err := r.combineSubshares()
			if err != nil {
				return protocol.Action{}, err
			}
			r.stage = stageDone
			return protocol.Return(output), nil

		case stageDone:
			return protocol.Wait(), nil
		}
	}
}

func (r *Reshare) collectCommitments() error {
	sum := curve.NewPoint()
	for _, id := range r.dealers {
		var commitments []*curve.Point
		if id == r.me {
			commitments = r.poly.Commit()
		} else {
			var body broadcastCommitments
			if err := r.inbox.Get(roundCommitments, id, &body); err != nil {
				return err
			}
			if len(body.Commitments) != r.threshold {
				return errors.Errorf("reshare: wrong number of commitments from participant %d", id)
			}
			commitments = body.Commitments
		}
		r.commitments[id] = commitments
		sum = sum.Add(commitments[0])
	}
	// The dealt constants must reassemble the original secret: their
	// commitments sum to the unchanged public key.
	if !sum.Equal(r.publicKey) {
		return errors.New("reshare: dealt shares do not preserve the public key")
	}

	if r.poly != nil {
		for _, id := range r.newParticipants {
			if id == r.me {
				continue
			}
			subshare := r.poly.Evaluate(id.Scalar())
			data, err := protocol.MarshalRound(r.tag, roundSubshares, messageSubshare{Subshare: subshare})
			if err != nil {
				return err
			}
			r.queue = append(r.queue, protocol.SendPrivate(id, data))
		}
	}
	return nil
}

func (r *Reshare) combineSubshares() (*Output, error) {
	x := r.me.Scalar()
	newShare := curve.NewScalar()
	for _, id := range r.dealers {
		var subshare *curve.Scalar
		if id == r.me {
			subshare = r.poly.Evaluate(x)
		} else {
			var body messageSubshare
			if err := r.inbox.Get(roundSubshares, id, &body); err != nil {
				return nil, err
			}
			if body.Subshare == nil {
				return nil, errors.Errorf("reshare: empty subshare from participant %d", id)
			}
			expected := polynomial.EvaluateCommitments(r.commitments[id], x)
			if !body.Subshare.ActOnBase().Equal(expected) {
				return nil, errors.Errorf("reshare: subshare from participant %d fails verification", id)
			}
			subshare = body.Subshare
		}
		newShare = newShare.Add(subshare)
	}
	return &Output{PrivateShare: newShare, PublicKey: r.publicKey}, nil
}
