// Package keygen implements distributed key generation for the signing
// network. Every participant deals a random secret with a Feldman
// commitment; the joint key is the sum of all dealt secrets and no
// party ever learns more than its own share of it.
package keygen

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/math/polynomial"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
)

const protocolName = "chainsig/keygen"

const (
	roundCommitments = 1
	roundShares      = 2
)

const (
	stageInit = iota
	stageCommitments
	stageShares
	stageDone
)

// Output is the result of a completed key generation.
type Output struct {
	PrivateShare *curve.Scalar
	PublicKey    *curve.Point
}

type broadcastCommitments struct {
	Commitments []*curve.Point `cbor:"commitments"`
}

type messageShare struct {
	Share *curve.Scalar `cbor:"share"`
}

// Keygen is an in-flight key generation protocol instance.
type Keygen struct {
	participants party.IDSlice
	me           party.ID
	threshold    int
	rand         io.Reader

	tag   protocol.SessionTag
	inbox *protocol.Inbox
	queue []protocol.Action
	stage int

	poly        *polynomial.Polynomial
	commitments map[party.ID][]*curve.Point
}

// New starts a key generation protocol over the given participant set.
func New(participants party.IDSlice, me party.ID, threshold int) (*Keygen, error) {
	return newWithRand(participants, me, threshold, rand.Reader)
}

func newWithRand(participants party.IDSlice, me party.ID, threshold int, random io.Reader) (*Keygen, error) {
	if threshold < 1 || threshold > len(participants) {
		return nil, errors.Errorf("keygen: invalid threshold %d for %d participants", threshold, len(participants))
	}
	if !participants.Contains(me) {
		return nil, errors.Errorf("keygen: participant %d is not in the participant set", me)
	}
	tag := protocol.NewSessionTag(protocolName, 0, 0, participants)
	return &Keygen{
		participants: participants.Copy(),
		me:           me,
		threshold:    threshold,
		rand:         random,
		tag:          tag,
		inbox:        protocol.NewInbox(tag),
		commitments:  make(map[party.ID][]*curve.Point, len(participants)),
	}, nil
}

// Message implements protocol.Protocol.
func (k *Keygen) Message(from party.ID, data protocol.MessageData) {
	k.inbox.Store(from, data)
}

// Poke implements protocol.Protocol.
func (k *Keygen) Poke() (protocol.Action, error) {
	for {
		if len(k.queue) > 0 {
			action := k.queue[0]
			k.queue = k.queue[1:]
			return action, nil
		}

		switch k.stage {
		case stageInit:
			if err := k.dealSecret(); err != nil {
				return protocol.Action{}, err
			}
			k.stage = stageCommitments

		case stageCommitments:
			if !k.inbox.Complete(roundCommitments, k.participants, k.me) {
				return protocol.Wait(), nil
			}
			if err := k.collectCommitments(); err != nil {
				return protocol.Action{}, err
			}
			k.stage = stageShares

		case stageShares:
			if !k.inbox.Complete(roundShares, k.participants, k.me) {
				return protocol.Wait(), nil
			}
			output, err := k.combineShares()
			if err != nil {
				return protocol.Action{}, err
			}
			k.stage = stageDone
			return protocol.Return(output), nil

		case stageDone:
			return protocol.Wait(), nil
		}
	}
}

func (k *Keygen) dealSecret() error {
	secret, err := curve.RandomScalar(k.rand)
	if err != nil {
		return errors.Wrap(err, "keygen: sample secret")
	}
	k.poly, err = polynomial.NewPolynomial(k.rand, k.threshold-1, secret)
	if err != nil {
		return errors.Wrap(err, "keygen: sample polynomial")
	}

	data, err := protocol.MarshalRound(k.tag, roundCommitments, broadcastCommitments{Commitments: k.poly.Commit()})
	if err != nil {
		return err
	}
	k.queue = append(k.queue, protocol.SendMany(data))
	return nil
}

func (k *Keygen) collectCommitments() error {
	for _, id := range k.participants {
		if id == k.me {
			k.commitments[id] = k.poly.Commit()
			continue
		}
		var body broadcastCommitments
		if err := k.inbox.Get(roundCommitments, id, &body); err != nil {
			return err
		}
		if len(body.Commitments) != k.threshold {
			return errors.Errorf("keygen: wrong number of commitments from participant %d", id)
		}
		k.commitments[id] = body.Commitments
	}

	// Send every participant its evaluation of our polynomial.
	for _, id := range k.participants {
		if id == k.me {
			continue
		}
		share := k.poly.Evaluate(id.Scalar())
		data, err := protocol.MarshalRound(k.tag, roundShares, messageShare{Share: share})
		if err != nil {
			return err
		}
		k.queue = append(k.queue, protocol.SendPrivate(id, data))
	}
	return nil
}

func (k *Keygen) combineShares() (*Output, error) {
	x := k.me.Scalar()
	finalShare := k.poly.Evaluate(x)
	for _, id := range k.participants {
		if id == k.me {
			continue
		}
		var body messageShare
		if err := k.inbox.Get(roundShares, id, &body); err != nil {
			return nil, err
		}
		if body.Share == nil {
			return nil, errors.Errorf("keygen: empty share from participant %d", id)
		}
		expected := polynomial.EvaluateCommitments(k.commitments[id], x)
		if !body.Share.ActOnBase().Equal(expected) {
			return nil, errors.Errorf("keygen: share from participant %d fails verification", id)
		}
		finalShare = finalShare.Add(body.Share)
	}

	publicKey := curve.NewPoint()
	for _, commitments := range k.commitments {
		publicKey = publicKey.Add(commitments[0])
	}
	if publicKey.IsIdentity() {
		return nil, errors.New("keygen: joint public key is the identity")
	}
	return &Output{PrivateShare: finalShare, PublicKey: publicKey}, nil
}
