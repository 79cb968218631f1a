// Package sign implements the online signature phase: each signer
// combines the message hash with its presignature shares and a single
// broadcast round assembles the full ECDSA signature.
package sign

import (
	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/math/polynomial"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/protocols/presign"
)

const protocolName = "chainsig/sign"

const roundShares = 1

const (
	stageInit = iota
	stageShares
	stageDone
)

// FullSignature is a completed ECDSA signature in (R, s) form.
type FullSignature struct {
	BigR *curve.Point
	S    *curve.Scalar
}

// Verify checks the signature over the given 32-byte message hash
// under publicKey.
func (sig *FullSignature) Verify(publicKey *curve.Point, msgHash *curve.Scalar) bool {
	if sig.BigR == nil || sig.BigR.IsIdentity() || sig.S == nil || sig.S.IsZero() {
		return false
	}
	r := sig.BigR.XScalar()
	if r.IsZero() {
		return false
	}
	sInv := sig.S.Invert()
	u1 := msgHash.Mul(sInv)
	u2 := r.Mul(sInv)
	point := u1.ActOnBase().Add(u2.Act(publicKey))
	if point.IsIdentity() {
		return false
	}
	return point.XScalar().Equal(r)
}

type messageShare struct {
	Share *curve.Scalar `cbor:"share"`
}

// Signer is an in-flight online signing instance.
type Signer struct {
	participants party.IDSlice
	me           party.ID
	publicKey    *curve.Point
	presig       *presign.Output
	msgHash      *curve.Scalar

	tag   protocol.SessionTag
	inbox *protocol.Inbox
	queue []protocol.Action
	stage int

	myShare *curve.Scalar
}

// New starts the online phase over the signer subset. The presignature
// must already carry the per-request delta and epsilon tweaks, and
// publicKey must be the derived key the signature will verify under.
func New(instance uint64, epoch uint64, participants party.IDSlice, me party.ID, publicKey *curve.Point, presig *presign.Output, msgHash *curve.Scalar) (*Signer, error) {
	if !participants.Contains(me) {
		return nil, errors.Errorf("sign: participant %d is not in the signer subset", me)
	}
	if presig == nil || presig.BigR == nil || presig.K == nil || presig.Sigma == nil {
		return nil, errors.New("sign: incomplete presignature")
	}
	tag := protocol.NewSessionTag(protocolName, epoch, instance, participants)
	return &Signer{
		participants: participants.Copy(),
		me:           me,
		publicKey:    publicKey,
		presig:       presig,
		msgHash:      msgHash,
		tag:          tag,
		inbox:        protocol.NewInbox(tag),
	}, nil
}

// Message implements protocol.Protocol.
func (s *Signer) Message(from party.ID, data protocol.MessageData) {
	s.inbox.Store(from, data)
}

// Poke implements protocol.Protocol.
func (s *Signer) Poke() (protocol.Action, error) {
	for {
		if len(s.queue) > 0 {
			action := s.queue[0]
			s.queue = s.queue[1:]
			return action, nil
		}

		switch s.stage {
		case stageInit:
			r := s.presig.BigR.XScalar()
			s.myShare = s.msgHash.Mul(s.presig.K).Add(r.Mul(s.presig.Sigma))
			data, err := protocol.MarshalRound(s.tag, roundShares, messageShare{Share: s.myShare})
			if err != nil {
				return protocol.Action{}, err
			}
			s.queue = append(s.queue, protocol.SendMany(data))
			s.stage = stageShares

		case stageShares:
			if !s.inbox.Complete(roundShares, s.participants, s.me) {
				return protocol.Wait(), nil
			}
			sig, err := s.combine()
			if err != nil {
				return protocol.Action{}, err
			}
			s.stage = stageDone
			return protocol.Return(sig), nil

		case stageDone:
			return protocol.Wait(), nil
		}
	}
}

func (s *Signer) combine() (*FullSignature, error) {
	lagrange := polynomial.Lagrange(s.participants.Points())

	sum := curve.NewScalar()
	for _, id := range s.participants {
		share := s.myShare
		if id != s.me {
			var body messageShare
			if err := s.inbox.Get(roundShares, id, &body); err != nil {
				return nil, err
			}
			if body.Share == nil {
				return nil, errors.Errorf("sign: empty signature share from participant %d", id)
			}
			share = body.Share
		}
		sum = sum.Add(lagrange[uint32(id)].Mul(share))
	}

	if sum.IsOverHalfOrder() {
		sum = sum.Negate()
	}
	sig := &FullSignature{BigR: s.presig.BigR, S: sum}
	if !sig.Verify(s.publicKey, s.msgHash) {
		return nil, errors.New("sign: assembled signature fails verification")
	}
	return sig, nil
}
