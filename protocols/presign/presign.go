// Package presign turns a pair of Beaver triples and the long-term key
// share into a presignature: shares of k⁻¹ and k⁻¹·x for a secret
// nonce k, together with the public nonce point R. The subsequent
// online signing phase is a single cheap round.
//
// The first triple supplies the nonce (k = a, R = A) and the Beaver
// inversion; the second is consumed by the Beaver multiplication that
// produces shares of b·x. Each triple is consumed exactly once.
package presign

import (
	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/math/polynomial"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/protocols/triples"
)

const protocolName = "chainsig/presign"

const roundOpenings = 1

const (
	stageInit = iota
	stageOpenings
	stageDone
)

// PresignatureID identifies an ongoing or completed presignature.
type PresignatureID = uint64

// Output is a completed presignature: the public nonce point and this
// node's shares of k⁻¹ and k⁻¹·x.
type Output struct {
	BigR  *curve.Point
	K     *curve.Scalar
	Sigma *curve.Scalar
}

// Arguments collects the inputs consumed by a presignature generation.
type Arguments struct {
	Triple0      triples.Triple
	Triple1      triples.Triple
	PrivateShare *curve.Scalar
	PublicKey    *curve.Point
	Threshold    int
}

type messageOpenings struct {
	C0 *curve.Scalar `cbor:"c0"`
	D  *curve.Scalar `cbor:"d"`
	E  *curve.Scalar `cbor:"e"`
}

// Generator is an in-flight presignature generation instance.
type Generator struct {
	participants party.IDSlice
	me           party.ID
	args         Arguments

	tag   protocol.SessionTag
	inbox *protocol.Inbox
	queue []protocol.Action
	stage int

	// our openings, also used when combining
	openings messageOpenings
}

// New starts a presignature generation protocol.
func New(id PresignatureID, epoch uint64, participants party.IDSlice, me party.ID, args Arguments) (*Generator, error) {
	if args.Threshold < 1 || args.Threshold > len(participants) {
		return nil, errors.Errorf("presign: invalid threshold %d for %d participants", args.Threshold, len(participants))
	}
	if !participants.Contains(me) {
		return nil, errors.Errorf("presign: participant %d is not in the participant set", me)
	}
	if args.PrivateShare == nil || args.PublicKey == nil {
		return nil, errors.New("presign: missing key material")
	}
	if args.Triple0.Public.BigA == nil || args.Triple0.Public.BigA.IsIdentity() {
		return nil, errors.New("presign: first triple has no usable nonce point")
	}
	tag := protocol.NewSessionTag(protocolName, epoch, id, participants)
	return &Generator{
		participants: participants.Copy(),
		me:           me,
		args:         args,
		tag:          tag,
		inbox:        protocol.NewInbox(tag),
	}, nil
}

// Message implements protocol.Protocol.
func (g *Generator) Message(from party.ID, data protocol.MessageData) {
	g.inbox.Store(from, data)
}

// Poke implements protocol.Protocol.
func (g *Generator) Poke() (protocol.Action, error) {
	for {
		if len(g.queue) > 0 {
			action := g.queue[0]
			g.queue = g.queue[1:]
			return action, nil
		}

		switch g.stage {
		case stageInit:
			// Open c₀ = a₀·b₀ (Beaver inversion), d = b₀ + a₁ and
			// e = x + b₁ (Beaver multiplication of b₀ and x). All three
			// are maskings or products; none reveals a secret alone.
			g.openings = messageOpenings{
				C0: g.args.Triple0.Share.C.Clone(),
				D:  g.args.Triple0.Share.B.Add(g.args.Triple1.Share.A),
				E:  g.args.PrivateShare.Add(g.args.Triple1.Share.B),
			}
			data, err := protocol.MarshalRound(g.tag, roundOpenings, g.openings)
			if err != nil {
				return protocol.Action{}, err
			}
			g.queue = append(g.queue, protocol.SendMany(data))
			g.stage = stageOpenings

		case stageOpenings:
			if !g.inbox.Complete(roundOpenings, g.participants, g.me) {
				return protocol.Wait(), nil
			}
			output, err := g.combine()
			if err != nil {
				return protocol.Action{}, err
			}
			g.stage = stageDone
			return protocol.Return(output), nil

		case stageDone:
			return protocol.Wait(), nil
		}
	}
}

func (g *Generator) combine() (*Output, error) {
	lagrange := polynomial.Lagrange(g.participants.Points())

	w := curve.NewScalar()
	d := curve.NewScalar()
	e := curve.NewScalar()
	for _, id := range g.participants {
		var opening messageOpenings
		if id == g.me {
			opening = g.openings
		} else {
			if err := g.inbox.Get(roundOpenings, id, &opening); err != nil {
				return nil, err
			}
			if opening.C0 == nil || opening.D == nil || opening.E == nil {
				return nil, errors.Errorf("presign: empty openings from participant %d", id)
			}
		}
		weight := lagrange[uint32(id)]
		w = w.Add(weight.Mul(opening.C0))
		d = d.Add(weight.Mul(opening.D))
		e = e.Add(weight.Mul(opening.E))
	}
	if w.IsZero() {
		return nil, errors.New("presign: opened product is zero")
	}
	wInv := w.Invert()

	// Share of k⁻¹ for nonce k = a₀: b₀ · (a₀·b₀)⁻¹.
	kShare := g.args.Triple0.Share.B.Mul(wInv)

	// Share of b₀·x via Beaver: d·e − d·b₁ − e·a₁ + c₁, then divide by
	// the opened product to get a share of k⁻¹·x.
	bx := d.Mul(e).
		Sub(d.Mul(g.args.Triple1.Share.B)).
		Sub(e.Mul(g.args.Triple1.Share.A)).
		Add(g.args.Triple1.Share.C)
	sigma := wInv.Mul(bx)

	return &Output{
		BigR:  g.args.Triple0.Public.BigA,
		K:     kShare,
		Sigma: sigma,
	}, nil
}
