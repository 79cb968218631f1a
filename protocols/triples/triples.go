// Package triples implements Beaver triple generation: the network
// jointly samples secret-shared scalars a and b and computes shares of
// c = a·b without revealing either factor.
//
// The product is computed by re-sharing the local products α_j·β_j and
// reducing the polynomial degree with Lagrange weights over the full
// participant set, which requires at least 2T−1 participants for a
// signing threshold of T. Triple generation always runs over the full
// current participant set, so the bound constrains the network size,
// not the signing threshold.
package triples

import (
	"crypto/rand"
	"io"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/math/polynomial"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/pkg/protocol"
)

const protocolName = "chainsig/triple"

const (
	roundFactorCommitments  = 1
	roundFactorShares       = 2
	roundProductCommitments = 3
	roundProductSubshares   = 4
)

const (
	stageInit = iota
	stageFactorCommitments
	stageFactorShares
	stageProductCommitments
	stageProductSubshares
	stageDone
)

// TripleID identifies an ongoing or completed triple. Without it,
// inbound generation frames could not be routed to the right instance.
type TripleID = uint64

// Share is this node's secret share of a triple.
type Share struct {
	A *curve.Scalar `cbor:"a" json:"a"`
	B *curve.Scalar `cbor:"b" json:"b"`
	C *curve.Scalar `cbor:"c" json:"c"`
}

// Pub is the public part of a triple, identical on every node.
type Pub struct {
	BigA *curve.Point `cbor:"big_a" json:"big_a"`
	BigB *curve.Point `cbor:"big_b" json:"big_b"`
	BigC *curve.Point `cbor:"big_c" json:"big_c"`
}

// Output is the result of a completed triple generation.
type Output struct {
	Share Share
	Pub   Pub
}

// Triple is a completed, unspent triple held by a manager or a store.
type Triple struct {
	ID     TripleID `json:"triple_id"`
	Share  Share    `json:"triple_share"`
	Public Pub      `json:"triple_public"`
}

type broadcastFactors struct {
	CommitmentsA []*curve.Point `cbor:"commitments_a"`
	CommitmentsB []*curve.Point `cbor:"commitments_b"`
}

type messageFactorShares struct {
	ShareA *curve.Scalar `cbor:"share_a"`
	ShareB *curve.Scalar `cbor:"share_b"`
}

type broadcastProduct struct {
	Commitments []*curve.Point `cbor:"commitments"`
}

type messageProductSubshare struct {
	Subshare *curve.Scalar `cbor:"subshare"`
}

// Generator is an in-flight triple generation protocol instance.
type Generator struct {
	participants party.IDSlice
	me           party.ID
	threshold    int
	rand         io.Reader

	tag   protocol.SessionTag
	inbox *protocol.Inbox
	queue []protocol.Action
	stage int

	polyA *polynomial.Polynomial
	polyB *polynomial.Polynomial

	factorCommitments map[party.ID]*broadcastFactors

	alpha *curve.Scalar // our share of a
	beta  *curve.Scalar // our share of b
	bigA  *curve.Point
	bigB  *curve.Point

	productPoly        *polynomial.Polynomial
	productCommitments map[party.ID][]*curve.Point
}

// New starts a triple generation protocol over the full participant
// set.
func New(id TripleID, epoch uint64, participants party.IDSlice, me party.ID, threshold int) (*Generator, error) {
	return newWithRand(id, epoch, participants, me, threshold, rand.Reader)
}

func newWithRand(id TripleID, epoch uint64, participants party.IDSlice, me party.ID, threshold int, random io.Reader) (*Generator, error) {
	if threshold < 1 || threshold > len(participants) {
		return nil, errors.Errorf("triples: invalid threshold %d for %d participants", threshold, len(participants))
	}
	if len(participants) < 2*threshold-1 {
		return nil, errors.Errorf("triples: need at least %d participants for threshold %d, have %d",
			2*threshold-1, threshold, len(participants))
	}
	if !participants.Contains(me) {
		return nil, errors.Errorf("triples: participant %d is not in the participant set", me)
	}
	tag := protocol.NewSessionTag(protocolName, epoch, id, participants)
	return &Generator{
		participants:       participants.Copy(),
		me:                 me,
		threshold:          threshold,
		rand:               random,
		tag:                tag,
		inbox:              protocol.NewInbox(tag),
		factorCommitments:  make(map[party.ID]*broadcastFactors, len(participants)),
		productCommitments: make(map[party.ID][]*curve.Point, len(participants)),
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
			if err := g.dealFactors(); err != nil {
				return protocol.Action{}, err
			}
			g.stage = stageFactorCommitments

		case stageFactorCommitments:
			if !g.inbox.Complete(roundFactorCommitments, g.participants, g.me) {
				return protocol.Wait(), nil
			}
			if err := g.collectFactorCommitments(); err != nil {
				return protocol.Action{}, err
			}
			g.stage = stageFactorShares

		case stageFactorShares:
			if !g.inbox.Complete(roundFactorShares, g.participants, g.me) {
				return protocol.Wait(), nil
			}
			if err := g.combineFactorShares(); err != nil {
				return protocol.Action{}, err
			}
			g.stage = stageProductCommitments

		case stageProductCommitments:
			if !g.inbox.Complete(roundProductCommitments, g.participants, g.me) {
				return protocol.Wait(), nil
			}
			if err := g.collectProductCommitments(); err != nil {
				return protocol.Action{}, err
			}
			g.stage = stageProductSubshares

		case stageProductSubshares:
			if !g.inbox.Complete(roundProductSubshares, g.participants, g.me) {
				return protocol.Wait(), nil
			}
			output, err := g.combineProduct()
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

func (g *Generator) dealFactors() error {
	a, err := curve.RandomScalar(g.rand)
	if err != nil {
		return errors.Wrap(err, "triples: sample a")
	}
	b, err := curve.RandomScalar(g.rand)
	if err != nil {
		return errors.Wrap(err, "triples: sample b")
	}
	if g.polyA, err = polynomial.NewPolynomial(g.rand, g.threshold-1, a); err != nil {
		return err
	}
	if g.polyB, err = polynomial.NewPolynomial(g.rand, g.threshold-1, b); err != nil {
		return err
	}

	data, err := protocol.MarshalRound(g.tag, roundFactorCommitments, broadcastFactors{
		CommitmentsA: g.polyA.Commit(),
		CommitmentsB: g.polyB.Commit(),
	})
	if err != nil {
		return err
	}
	g.queue = append(g.queue, protocol.SendMany(data))
	return nil
}

func (g *Generator) collectFactorCommitments() error {
	for _, id := range g.participants {
		if id == g.me {
			g.factorCommitments[id] = &broadcastFactors{
				CommitmentsA: g.polyA.Commit(),
				CommitmentsB: g.polyB.Commit(),
			}
			continue
		}
		var body broadcastFactors
		if err := g.inbox.Get(roundFactorCommitments, id, &body); err != nil {
			return err
		}
		if len(body.CommitmentsA) != g.threshold || len(body.CommitmentsB) != g.threshold {
			return errors.Errorf("triples: wrong number of commitments from participant %d", id)
		}
		g.factorCommitments[id] = &body
	}

	for _, id := range g.participants {
		if id == g.me {
			continue
		}
		x := id.Scalar()
		data, err := protocol.MarshalRound(g.tag, roundFactorShares, messageFactorShares{
			ShareA: g.polyA.Evaluate(x),
			ShareB: g.polyB.Evaluate(x),
		})
		if err != nil {
			return err
		}
		g.queue = append(g.queue, protocol.SendPrivate(id, data))
	}
	return nil
}

func (g *Generator) combineFactorShares() error {
	x := g.me.Scalar()
	alpha := g.polyA.Evaluate(x)
	beta := g.polyB.Evaluate(x)
	bigA := curve.NewPoint()
	bigB := curve.NewPoint()
	for _, id := range g.participants {
		commitments := g.factorCommitments[id]
		bigA = bigA.Add(commitments.CommitmentsA[0])
		bigB = bigB.Add(commitments.CommitmentsB[0])
		if id == g.me {
			continue
		}
		var body messageFactorShares
		if err := g.inbox.Get(roundFactorShares, id, &body); err != nil {
			return err
		}
		if body.ShareA == nil || body.ShareB == nil {
			return errors.Errorf("triples: empty factor shares from participant %d", id)
		}
		if !body.ShareA.ActOnBase().Equal(polynomial.EvaluateCommitments(commitments.CommitmentsA, x)) {
			return errors.Errorf("triples: a-share from participant %d fails verification", id)
		}
		if !body.ShareB.ActOnBase().Equal(polynomial.EvaluateCommitments(commitments.CommitmentsB, x)) {
			return errors.Errorf("triples: b-share from participant %d fails verification", id)
		}
		alpha = alpha.Add(body.ShareA)
		beta = beta.Add(body.ShareB)
	}
	g.alpha, g.beta = alpha, beta
	g.bigA, g.bigB = bigA, bigB

	// Re-share the local product to reduce the degree back to T−1.
	gamma := alpha.Mul(beta)
	poly, err := polynomial.NewPolynomial(g.rand, g.threshold-1, gamma)
	if err != nil {
		return err
	}
	g.productPoly = poly
	data, err := protocol.MarshalRound(g.tag, roundProductCommitments, broadcastProduct{Commitments: poly.Commit()})
	if err != nil {
		return err
	}
	g.queue = append(g.queue, protocol.SendMany(data))
	return nil
}

func (g *Generator) collectProductCommitments() error {
	for _, id := range g.participants {
		if id == g.me {
			g.productCommitments[id] = g.productPoly.Commit()
			continue
		}
		var body broadcastProduct
		if err := g.inbox.Get(roundProductCommitments, id, &body); err != nil {
			return err
		}
		if len(body.Commitments) != g.threshold {
			return errors.Errorf("triples: wrong number of product commitments from participant %d", id)
		}
		g.productCommitments[id] = body.Commitments
	}

	for _, id := range g.participants {
		if id == g.me {
			continue
		}
		data, err := protocol.MarshalRound(g.tag, roundProductSubshares, messageProductSubshare{
			Subshare: g.productPoly.Evaluate(id.Scalar()),
		})
		if err != nil {
			return err
		}
		g.queue = append(g.queue, protocol.SendPrivate(id, data))
	}
	return nil
}

func (g *Generator) combineProduct() (*Output, error) {
	x := g.me.Scalar()
	lagrange := polynomial.Lagrange(g.participants.Points())

	cShare := curve.NewScalar()
	bigC := curve.NewPoint()
	for _, id := range g.participants {
		var subshare *curve.Scalar
		if id == g.me {
			subshare = g.productPoly.Evaluate(x)
		} else {
			var body messageProductSubshare
			if err := g.inbox.Get(roundProductSubshares, id, &body); err != nil {
				return nil, err
			}
			if body.Subshare == nil {
				return nil, errors.Errorf("triples: empty product subshare from participant %d", id)
			}
			if !body.Subshare.ActOnBase().Equal(polynomial.EvaluateCommitments(g.productCommitments[id], x)) {
				return nil, errors.Errorf("triples: product subshare from participant %d fails verification", id)
			}
			subshare = body.Subshare
		}
		weight := lagrange[uint32(id)]
		cShare = cShare.Add(weight.Mul(subshare))
		bigC = bigC.Add(weight.Act(g.productCommitments[id][0]))
	}

	return &Output{
		Share: Share{A: g.alpha, B: g.beta, C: cShare},
		Pub:   Pub{BigA: g.bigA, BigB: g.bigB, BigC: bigC},
	}, nil
}
