package node

import (
	"context"

	"go.uber.org/zap"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/protocols/keygen"
	"github.com/luxfi/chainsig/protocols/reshare"
	"github.com/luxfi/chainsig/storage"
)

// progress drives the cryptographic half of the state machine: it
// pokes whichever protocols the current state owns and fans their
// frames out to peers.
func (n *Node) progress(ctx context.Context, state NodeState) (NodeState, error) {
	switch {
	case state.Generating != nil:
		return n.progressGenerating(ctx, state.Generating)
	case state.Resharing != nil:
		return n.progressResharing(ctx, state.Resharing)
	case state.Running != nil:
		return n.progressRunning(ctx, state.Running)
	case state.Joining != nil:
		n.requestJoinVotes(ctx)
		return state, nil
	default:
		return state, nil
	}
}

// requestJoinVotes asks every running peer to vote us in. Votes are
// deduplicated on chain, so re-asking every cycle is harmless.
func (n *Node) requestJoinVotes(ctx context.Context) {
	for id, info := range n.pool.Connections() {
		if id == n.me {
			continue
		}
		if err := postJoin(ctx, n.http, info.URL, n.me); err != nil {
			n.logger.Debug("join request failed", zap.Uint32("peer", uint32(id)), zap.Error(err))
		}
	}
}

func (n *Node) progressGenerating(ctx context.Context, state *GeneratingState) (NodeState, error) {
	for {
		action, err := state.Protocol.Poke()
		if err != nil {
			n.logger.Error("key generation failed; restarting", zap.Error(err))
			return NodeState{}, nil
		}
		switch action.Type {
		case protocol.ActionWait:
			n.drainOutbound(ctx)
			return NodeState{Generating: state}, nil
		case protocol.ActionSendMany:
			for id, info := range state.Participants {
				if id == n.me {
					continue
				}
				n.queue.Push(info, &MpcMessage{Generating: &GeneratingMessage{From: n.me, Data: action.Data}})
			}
		case protocol.ActionSendPrivate:
			info, ok := state.Participants[action.To]
			if !ok {
				n.logger.Error("keygen wants to send to an unknown participant; restarting",
					zap.Uint32("to", uint32(action.To)))
				return NodeState{}, nil
			}
			n.queue.Push(info, &MpcMessage{Generating: &GeneratingMessage{From: n.me, Data: action.Data}})
		case protocol.ActionReturn:
			output := action.Result.(*keygen.Output)
			n.logger.Info("successfully completed key generation")
			data := &storage.PersistentNodeData{
				Epoch:        0,
				PrivateShare: output.PrivateShare,
				PublicKey:    output.PublicKey,
			}
			if err := n.secretStorage.Store(ctx, data); err != nil {
				n.logger.Error("failed to persist key share", zap.Error(err))
			}
			n.drainOutbound(ctx)
			return NodeState{WaitingForConsensus: &WaitingForConsensusState{
				Epoch:        0,
				Participants: state.Participants,
				Threshold:    state.Threshold,
				PrivateShare: output.PrivateShare,
				PublicKey:    output.PublicKey,
			}}, nil
		}
	}
}

func (n *Node) progressResharing(ctx context.Context, state *ResharingState) (NodeState, error) {
	// Frames flow between members of the new set; old-only nodes are
	// already out of the protocol.
	recipients := state.NewParticipants
	for {
		action, err := state.Protocol.Poke()
		if err != nil {
			n.logger.Error("resharing failed; restarting", zap.Error(err))
			return NodeState{}, nil
		}
		switch action.Type {
		case protocol.ActionWait:
			n.drainOutbound(ctx)
			return NodeState{Resharing: state}, nil
		case protocol.ActionSendMany:
			for id, info := range recipients {
				if id == n.me {
					continue
				}
				n.queue.Push(info, &MpcMessage{Resharing: &ResharingMessage{From: n.me, Data: action.Data}})
			}
		case protocol.ActionSendPrivate:
			info, ok := recipients[action.To]
			if !ok {
				n.logger.Error("reshare wants to send to an unknown participant; restarting",
					zap.Uint32("to", uint32(action.To)))
				return NodeState{}, nil
			}
			n.queue.Push(info, &MpcMessage{Resharing: &ResharingMessage{From: n.me, Data: action.Data}})
		case protocol.ActionReturn:
			output := action.Result.(*reshare.Output)
			n.logger.Info("successfully completed key resharing", zap.Uint64("new_epoch", state.OldEpoch+1))
			data := &storage.PersistentNodeData{
				Epoch:        state.OldEpoch + 1,
				PrivateShare: output.PrivateShare,
				PublicKey:    output.PublicKey,
			}
			if err := n.secretStorage.Store(ctx, data); err != nil {
				n.logger.Error("failed to persist reshared key share", zap.Error(err))
			}
			n.drainOutbound(ctx)
			return NodeState{WaitingForConsensus: &WaitingForConsensusState{
				Epoch:        state.OldEpoch + 1,
				Participants: state.NewParticipants,
				Threshold:    state.Threshold,
				PrivateShare: output.PrivateShare,
				PublicKey:    output.PublicKey,
			}}, nil
		}
	}
}

func (n *Node) progressRunning(ctx context.Context, state *RunningState) (NodeState, error) {
	participants := state.Participants.Keys()

	// Assign freshly indexed requests to proposers.
	n.signQueue.Organize(n.logger, participants, state.Threshold, n.me)

	// Keep the triple pool warm. Ownership is assigned by hash, so a
	// node can run dry on its own triples while the shared pool is
	// full; the mine-starved branch keeps proposing past the pool cap
	// until ownership evens out.
	for state.Triples.GeneratorsLen() < maxConcurrentGenerations {
		poolLow := state.Triples.PotentialLen() < n.cfg.MinTriples &&
			state.Triples.Len() < n.cfg.MaxTriples
		mineLow := state.Triples.MyLen() < 2*minPresignatures
		if !poolLow && !mineLow {
			break
		}
		if err := state.Triples.Generate(); err != nil {
			n.logger.Warn("failed to start triple generation", zap.Error(err))
			break
		}
	}

	// Keep a couple of presignatures ready for our own proposals.
	for state.Presignatures.MyPotentialLen() < minPresignatures {
		triple0, triple1, ok := state.Triples.TakeTwoMine(ctx)
		if !ok {
			break
		}
		err := state.Presignatures.Generate(participants, triple0, triple1, state.PublicKey, state.PrivateShare)
		if err != nil {
			n.logger.Warn("failed to start presignature generation", zap.Error(err))
			break
		}
	}

	// Start signing the requests assigned to us, one presignature
	// each.
	for n.signQueue.MyRequestCount(n.me) > 0 {
		presig := state.Presignatures.TakeMine()
		if presig == nil {
			break
		}
		request, ok := n.signQueue.TakeMine(n.me)
		if !ok {
			break
		}
		subset, _ := SignerSubset(request.Entropy, participants, state.Threshold)
		if err := state.Signatures.Generate(subset, presig, request); err != nil {
			n.logger.Warn("failed to start signature generation",
				zap.String("receipt_id", request.ReceiptID.String()), zap.Error(err))
		}
	}

	// Give failed requests a fresh presignature.
	for state.Signatures.FailedLen() > 0 {
		presig := state.Presignatures.TakeMine()
		if presig == nil {
			break
		}
		state.Signatures.RetryFailed(participants, state.Threshold, presig)
	}

	for _, outbound := range state.Triples.Poke(ctx) {
		n.pushOutbound(state.Participants, outbound)
	}
	for _, outbound := range state.Presignatures.Poke() {
		n.pushOutbound(state.Participants, outbound)
	}
	for _, outbound := range state.Signatures.Poke() {
		n.pushOutbound(state.Participants, outbound)
	}

	n.drainOutbound(ctx)
	return NodeState{Running: state}, nil
}

func (n *Node) pushOutbound(participants chain.Participants, outbound Outbound) {
	info, ok := participants[outbound.To]
	if !ok {
		n.logger.Warn("dropping message for unknown participant", zap.Uint32("to", uint32(outbound.To)))
		return
	}
	n.queue.Push(info, outbound.Msg)
}

// drainOutbound flushes the outbound queue. A delivery failure leaves
// the message at the head; the next cycle retries it, and protocol
// timeouts clean up if the peer never comes back.
func (n *Node) drainOutbound(ctx context.Context) {
	if err := n.queue.SendEncrypted(ctx, n.http, n.me, n.signSK); err != nil {
		n.logger.Warn("outbound queue stalled", zap.Int("pending", n.queue.Len()), zap.Error(err))
	}
}
