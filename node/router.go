package node

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type parkedFrame struct {
	msg      *MpcMessage
	received time.Time
}

// route dispatches one inbound frame against the current state.
// Frames whose dependencies have not arrived yet are parked and
// re-delivered after the next poke cycle; frames that can never apply
// are dropped.
func (n *Node) route(ctx context.Context, state *NodeState, msg *MpcMessage) {
	switch {
	case msg.Generating != nil:
		switch {
		case state.Generating != nil:
			state.Generating.Protocol.Message(msg.Generating.From, msg.Generating.Data)
		case state.Started != nil, isStarting(state):
			// The contract may move us into Generating momentarily.
			n.park(msg)
		default:
			n.logger.Debug("discarding keygen frame in state", zap.String("state", state.Name()))
		}

	case msg.Resharing != nil:
		switch {
		case state.Resharing != nil:
			state.Resharing.Protocol.Message(msg.Resharing.From, msg.Resharing.Data)
		case state.Running != nil, state.Started != nil, state.Joining != nil, isStarting(state):
			n.park(msg)
		default:
			n.logger.Debug("discarding reshare frame in state", zap.String("state", state.Name()))
		}

	case msg.Triple != nil:
		running := state.Running
		if running == nil {
			n.park(msg)
			return
		}
		if msg.Triple.Epoch != running.Epoch {
			n.logger.Debug("discarding triple frame from wrong epoch",
				zap.Uint64("epoch", msg.Triple.Epoch), zap.Uint64("ours", running.Epoch))
			return
		}
		generator, err := running.Triples.GetOrGenerate(msg.Triple.ID)
		if err != nil {
			n.logger.Warn("cannot join triple generation", zap.Uint64("id", msg.Triple.ID), zap.Error(err))
			return
		}
		if generator == nil {
			// Already complete; the frame is a straggler.
			return
		}
		generator.Message(msg.Triple.From, msg.Triple.Data)

	case msg.Presignature != nil:
		running := state.Running
		if running == nil {
			n.park(msg)
			return
		}
		frame := msg.Presignature
		if frame.Epoch != running.Epoch {
			n.logger.Debug("discarding presignature frame from wrong epoch", zap.Uint64("epoch", frame.Epoch))
			return
		}
		generator, err := running.Presignatures.GetOrGenerate(ctx,
			running.Participants.Keys(), frame.ID, frame.Triple0, frame.Triple1,
			running.Triples, running.PublicKey, running.PrivateShare)
		switch {
		case err == nil:
			generator.Message(frame.From, frame.Data)
		case isMissingDependency(err):
			n.park(msg)
		case err == ErrAlreadyGenerated:
			// Replay of a finished protocol; idempotent.
		default:
			n.logger.Warn("cannot join presignature generation", zap.Uint64("id", frame.ID), zap.Error(err))
		}

	case msg.Signature != nil:
		running := state.Running
		if running == nil {
			n.park(msg)
			return
		}
		frame := msg.Signature
		if frame.Epoch != running.Epoch {
			n.logger.Debug("discarding signature frame from wrong epoch", zap.Uint64("epoch", frame.Epoch))
			return
		}
		request, ok := n.signQueue.Get(frame.Proposer, frame.ReceiptID)
		if !ok {
			// The indexer has not delivered this request to us yet.
			n.park(msg)
			return
		}
		subset, proposer := SignerSubset(request.Entropy, running.Participants.Keys(), running.Threshold)
		if proposer != frame.Proposer {
			n.logger.Warn("signature frame names the wrong proposer",
				zap.Uint32("claimed", uint32(frame.Proposer)), zap.Uint32("expected", uint32(proposer)))
			return
		}
		generator, err := running.Signatures.GetOrGenerate(subset, proposer, frame.PresignatureID, request, running.Presignatures)
		switch {
		case err == nil:
			generator.Message(frame.From, frame.Data)
		case err == ErrPresignatureMissing:
			n.park(msg)
		default:
			n.logger.Warn("cannot join signature generation",
				zap.String("receipt_id", frame.ReceiptID.String()), zap.Error(err))
		}
	}
}

func isStarting(state *NodeState) bool {
	return state.Name() == "Starting"
}

func isMissingDependency(err error) bool {
	_, ok := err.(ErrTripleMissing)
	return ok
}

// park buffers a frame whose dependencies are missing. The buffer is
// bounded and entries expire after parkedFrameTTL.
func (n *Node) park(msg *MpcMessage) {
	if len(n.parked) >= maxParkedFrames {
		n.logger.Warn("parking buffer full; dropping frame")
		return
	}
	n.parked = append(n.parked, parkedFrame{msg: msg, received: time.Now()})
}

// retryParked re-delivers parked frames after a poke cycle. Frames
// past their TTL are dropped; the sender's protocol will time out on
// its side.
func (n *Node) retryParked(ctx context.Context, state *NodeState) {
	if len(n.parked) == 0 {
		return
	}
	pending := n.parked
	n.parked = nil
	for _, frame := range pending {
		if time.Since(frame.received) > parkedFrameTTL {
			n.logger.Debug("dropping parked frame past its ttl")
			continue
		}
		n.route(ctx, state, frame.msg)
	}
}
