package node

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/protocols/keygen"
	"github.com/luxfi/chainsig/protocols/reshare"
	"github.com/luxfi/chainsig/storage"
)

// The fatal consensus errors. Any of them aborts the current state
// back to Starting; the key share itself is never wiped.
var (
	ErrContractStateRollback  = errors.New("contract state has been rolled back")
	ErrMismatchedPublicKey    = errors.New("mismatched public key between contract state and local state")
	ErrMismatchedThreshold    = errors.New("mismatched threshold between contract state and local state")
	ErrMismatchedParticipants = errors.New("mismatched participant set between contract state and local state")
	ErrMismatchedEpoch        = errors.New("mismatched epoch between contract state and local state")
	ErrHasBeenKicked          = errors.New("this node has been unexpectedly kicked from the participant set")
)

// advance drives the consensus half of the state machine: it compares
// the local state against the contract state and decides the next
// local state, casting votes where the protocol calls for them.
func (n *Node) advance(ctx context.Context, state NodeState, contractState *chain.ProtocolState) (NodeState, error) {
	switch {
	case state.Started != nil:
		return n.advanceStarted(ctx, state.Started, contractState)
	case state.Generating != nil:
		return n.advanceGenerating(state.Generating, contractState)
	case state.WaitingForConsensus != nil:
		return n.advanceWaitingForConsensus(ctx, state.WaitingForConsensus, contractState)
	case state.Running != nil:
		return n.advanceRunning(ctx, state.Running, contractState)
	case state.Resharing != nil:
		return n.advanceResharing(state.Resharing, contractState)
	case state.Joining != nil:
		return n.advanceJoining(ctx, state.Joining, contractState)
	default:
		// Starting: reload persisted state.
		data, err := n.secretStorage.Load(ctx)
		if err != nil {
			n.logger.Warn("failed to load persisted state; retrying", zap.Error(err))
			return NodeState{}, nil
		}
		if data == nil {
			n.logger.Info("no existing state found, starting with empty key share")
		} else {
			n.logger.Info("loaded persisted key share", zap.Uint64("epoch", data.Epoch))
		}
		return NodeState{Started: &StartedState{Data: data}}, nil
	}
}

func (n *Node) advanceStarted(ctx context.Context, state *StartedState, contractState *chain.ProtocolState) (NodeState, error) {
	if !contractState.IsInitialized() {
		return NodeState{Started: state}, nil
	}
	if state.Data == nil {
		return n.advanceStartedEmpty(ctx, state, contractState)
	}
	return n.advanceStartedWithShare(ctx, state, contractState)
}

func (n *Node) advanceStartedEmpty(ctx context.Context, state *StartedState, contractState *chain.ProtocolState) (NodeState, error) {
	switch {
	case contractState.Initializing != nil:
		initializing := contractState.Initializing
		if !initializing.Participants.Contains(n.me) {
			n.logger.Info("we are not part of the initial participant set, waiting for key generation to complete")
			return NodeState{Started: state}, nil
		}
		n.logger.Info("starting key generation as part of the participant set")
		protocol, err := keygen.New(initializing.Participants.Keys(), n.me, initializing.Threshold)
		if err != nil {
			return NodeState{}, err
		}
		return NodeState{Generating: &GeneratingState{
			Participants: initializing.Participants.Copy(),
			Threshold:    initializing.Threshold,
			Protocol:     protocol,
		}}, nil

	case contractState.Running != nil:
		n.logger.Info("network is running without us; trying to join")
		return NodeState{Joining: &JoiningState{PublicKey: contractState.Running.PublicKey}}, nil

	case contractState.Resharing != nil:
		resharing := contractState.Resharing
		if resharing.NewParticipants.Contains(n.me) {
			n.logger.Info("network is resharing us in; joining with no prior share")
			return n.enterResharing(ctx, resharing, nil)
		}
		n.logger.Info("network is resharing; we cannot join yet")
		return NodeState{Started: state}, nil
	}
	return NodeState{Started: state}, nil
}

func (n *Node) advanceStartedWithShare(ctx context.Context, state *StartedState, contractState *chain.ProtocolState) (NodeState, error) {
	data := state.Data
	switch {
	case contractState.Initializing != nil:
		// The contract regressed relative to our persisted share. Wait
		// without voting until a consistent Running state reappears.
		n.logger.Warn("contract is initializing but we already hold a share; waiting")
		return NodeState{Started: state}, nil

	case contractState.Running != nil:
		running := contractState.Running
		if !running.PublicKey.Equal(data.PublicKey) {
			return NodeState{}, ErrMismatchedPublicKey
		}
		if running.Epoch != data.Epoch {
			n.logger.Warn("our share is from another epoch; waiting for a resharing window",
				zap.Uint64("ours", data.Epoch), zap.Uint64("contract", running.Epoch))
			return NodeState{Started: state}, nil
		}
		if !running.Participants.Contains(n.me) {
			n.logger.Info("we are not part of the current participant set, trying to join")
			return NodeState{Joining: &JoiningState{PublicKey: running.PublicKey}}, nil
		}
		n.logger.Info("rejoining as part of the current participant set")
		runningState, err := n.newRunningState(ctx, running, data)
		if err != nil {
			return NodeState{}, err
		}
		return NodeState{Running: runningState}, nil

	case contractState.Resharing != nil:
		resharing := contractState.Resharing
		if !resharing.PublicKey.Equal(data.PublicKey) {
			return NodeState{}, ErrMismatchedPublicKey
		}
		if resharing.OldEpoch != data.Epoch {
			n.logger.Warn("resharing from an epoch we do not hold; waiting")
			return NodeState{Started: state}, nil
		}
		if resharing.NewParticipants.Contains(n.me) {
			n.logger.Info("contract is resharing; following suit")
			return n.enterResharingWithShare(ctx, resharing, data)
		}
		n.logger.Info("contract is resharing without us; waiting")
		return NodeState{Started: state}, nil
	}
	return NodeState{Started: state}, nil
}

func (n *Node) advanceGenerating(state *GeneratingState, contractState *chain.ProtocolState) (NodeState, error) {
	switch {
	case contractState.Initializing != nil:
		return NodeState{Generating: state}, nil
	case contractState.Running != nil:
		n.logger.Info("contract state finished key generation; catching up")
		return NodeState{Generating: state}, nil
	case contractState.Resharing != nil:
		n.logger.Warn("contract state is resharing during our key generation; catching up")
		return NodeState{Generating: state}, nil
	}
	return NodeState{Generating: state}, nil
}

func (n *Node) advanceWaitingForConsensus(ctx context.Context, state *WaitingForConsensusState, contractState *chain.ProtocolState) (NodeState, error) {
	switch {
	case contractState.Initializing != nil:
		if state.Epoch != 0 {
			return NodeState{}, ErrContractStateRollback
		}
		// Cast (or re-cast) our vote; replays are no-ops on chain.
		accepted, err := n.contract.VotePublicKey(ctx, state.PublicKey)
		if err != nil {
			n.logger.Warn("vote_pk failed; retrying next cycle", zap.Error(err))
			return NodeState{WaitingForConsensus: state}, nil
		}
		n.logger.Debug("waiting for consensus on our public key", zap.Bool("accepted", accepted))
		return NodeState{WaitingForConsensus: state}, nil

	case contractState.Running != nil:
		running := contractState.Running
		if running.Epoch != state.Epoch {
			n.logger.Info("contract is running at another epoch; restarting from persisted state",
				zap.Uint64("ours", state.Epoch), zap.Uint64("contract", running.Epoch))
			return NodeState{Started: &StartedState{Data: &storage.PersistentNodeData{
				Epoch:        state.Epoch,
				PrivateShare: state.PrivateShare,
				PublicKey:    state.PublicKey,
			}}}, nil
		}
		if !running.Participants.Equal(state.Participants) {
			return NodeState{}, ErrMismatchedParticipants
		}
		if running.Threshold != state.Threshold {
			return NodeState{}, ErrMismatchedThreshold
		}
		if !running.PublicKey.Equal(state.PublicKey) {
			return NodeState{}, ErrMismatchedPublicKey
		}
		n.logger.Info("contract state has reached consensus", zap.Uint64("epoch", state.Epoch))
		runningState, err := n.newRunningState(ctx, running, &storage.PersistentNodeData{
			Epoch:        state.Epoch,
			PrivateShare: state.PrivateShare,
			PublicKey:    state.PublicKey,
		})
		if err != nil {
			return NodeState{}, err
		}
		return NodeState{Running: runningState}, nil

	case contractState.Resharing != nil:
		resharing := contractState.Resharing
		if resharing.OldEpoch+1 == state.Epoch {
			// Our resharing round is awaiting votes; report finished.
			finished, err := n.contract.VoteReshared(ctx, resharing.OldEpoch)
			if err != nil {
				n.logger.Warn("vote_reshared failed; retrying next cycle", zap.Error(err))
			} else {
				n.logger.Debug("waiting for resharing consensus", zap.Bool("finished", finished))
			}
			return NodeState{WaitingForConsensus: state}, nil
		}
		n.logger.Warn("contract is resharing without us; restarting from persisted state")
		return NodeState{Started: &StartedState{Data: &storage.PersistentNodeData{
			Epoch:        state.Epoch,
			PrivateShare: state.PrivateShare,
			PublicKey:    state.PublicKey,
		}}}, nil
	}
	return NodeState{WaitingForConsensus: state}, nil
}

func (n *Node) advanceRunning(ctx context.Context, state *RunningState, contractState *chain.ProtocolState) (NodeState, error) {
	switch {
	case contractState.Initializing != nil:
		return NodeState{}, ErrContractStateRollback

	case contractState.Running != nil:
		running := contractState.Running
		if running.Epoch != state.Epoch {
			return NodeState{}, ErrMismatchedEpoch
		}
		if !running.Participants.Equal(state.Participants) {
			return NodeState{}, ErrMismatchedParticipants
		}
		if running.Threshold != state.Threshold {
			return NodeState{}, ErrMismatchedThreshold
		}
		if !running.PublicKey.Equal(state.PublicKey) {
			return NodeState{}, ErrMismatchedPublicKey
		}
		return NodeState{Running: state}, nil

	case contractState.Resharing != nil:
		resharing := contractState.Resharing
		if !resharing.PublicKey.Equal(state.PublicKey) {
			return NodeState{}, ErrMismatchedPublicKey
		}
		if resharing.OldEpoch != state.Epoch {
			return NodeState{}, ErrMismatchedEpoch
		}
		if !resharing.OldParticipants.Contains(n.me) || !resharing.NewParticipants.Contains(n.me) {
			return NodeState{}, ErrHasBeenKicked
		}
		n.logger.Info("contract is resharing; dropping pools and following suit")
		return n.enterResharingWithShare(ctx, resharing, &storage.PersistentNodeData{
			Epoch:        state.Epoch,
			PrivateShare: state.PrivateShare,
			PublicKey:    state.PublicKey,
		})
	}
	return NodeState{Running: state}, nil
}

func (n *Node) advanceResharing(state *ResharingState, contractState *chain.ProtocolState) (NodeState, error) {
	switch {
	case contractState.Initializing != nil:
		return NodeState{}, ErrContractStateRollback

	case contractState.Running != nil:
		running := contractState.Running
		if running.Epoch == state.OldEpoch+1 {
			// The contract finished before our protocol did; keep
			// resharing to catch up.
			if !running.Participants.Equal(state.NewParticipants) {
				return NodeState{}, ErrMismatchedParticipants
			}
			n.logger.Info("contract finished resharing; catching up")
			return NodeState{Resharing: state}, nil
		}
		return NodeState{}, ErrMismatchedEpoch

	case contractState.Resharing != nil:
		resharing := contractState.Resharing
		if !resharing.OldParticipants.Equal(state.OldParticipants) ||
			!resharing.NewParticipants.Equal(state.NewParticipants) {
			return NodeState{}, ErrMismatchedParticipants
		}
		if resharing.Threshold != state.Threshold {
			return NodeState{}, ErrMismatchedThreshold
		}
		if !resharing.PublicKey.Equal(state.PublicKey) {
			return NodeState{}, ErrMismatchedPublicKey
		}
		return NodeState{Resharing: state}, nil
	}
	return NodeState{Resharing: state}, nil
}

func (n *Node) advanceJoining(ctx context.Context, state *JoiningState, contractState *chain.ProtocolState) (NodeState, error) {
	switch {
	case contractState.Initializing != nil:
		return NodeState{}, ErrContractStateRollback

	case contractState.Running != nil:
		running := contractState.Running
		if running.Participants.Contains(n.me) {
			// Admission without a resharing round cannot give us a
			// share; wait for the next one.
			n.logger.Warn("we are listed as a participant but hold no share; waiting for resharing")
			return NodeState{Joining: state}, nil
		}
		if !running.Candidates.Contains(n.me) {
			if err := n.contract.ProposeJoin(ctx, n.myInfo()); err != nil {
				n.logger.Warn("join proposal failed; retrying next cycle", zap.Error(err))
			} else {
				n.logger.Info("proposed ourselves as a candidate")
			}
		}
		return NodeState{Joining: state}, nil

	case contractState.Resharing != nil:
		resharing := contractState.Resharing
		if resharing.NewParticipants.Contains(n.me) {
			n.logger.Info("the network voted us in; resharing with no prior share")
			return n.enterResharing(ctx, resharing, nil)
		}
		return NodeState{Joining: state}, nil
	}
	return NodeState{Joining: state}, nil
}

// enterResharingWithShare starts the reshare protocol as an old
// participant carrying its current share.
func (n *Node) enterResharingWithShare(ctx context.Context, resharing *chain.ResharingState, data *storage.PersistentNodeData) (NodeState, error) {
	n.purgeTriples(ctx)
	protocol, err := reshare.New(
		resharing.OldParticipants.Keys(),
		resharing.NewParticipants.Keys(),
		resharing.Threshold,
		n.me,
		data.PrivateShare,
		resharing.PublicKey,
		resharing.OldEpoch,
	)
	if err != nil {
		return NodeState{}, err
	}
	return NodeState{Resharing: &ResharingState{
		OldEpoch:        resharing.OldEpoch,
		OldParticipants: resharing.OldParticipants.Copy(),
		NewParticipants: resharing.NewParticipants.Copy(),
		Threshold:       resharing.Threshold,
		PublicKey:       resharing.PublicKey,
		Protocol:        protocol,
	}}, nil
}

// enterResharing starts the reshare protocol as a joining participant
// with no prior share.
func (n *Node) enterResharing(ctx context.Context, resharing *chain.ResharingState, _ *storage.PersistentNodeData) (NodeState, error) {
	n.purgeTriples(ctx)
	protocol, err := reshare.New(
		resharing.OldParticipants.Keys(),
		resharing.NewParticipants.Keys(),
		resharing.Threshold,
		n.me,
		nil,
		resharing.PublicKey,
		resharing.OldEpoch,
	)
	if err != nil {
		return NodeState{}, err
	}
	return NodeState{Resharing: &ResharingState{
		OldEpoch:        resharing.OldEpoch,
		OldParticipants: resharing.OldParticipants.Copy(),
		NewParticipants: resharing.NewParticipants.Copy(),
		Threshold:       resharing.Threshold,
		PublicKey:       resharing.PublicKey,
		Protocol:        protocol,
	}}, nil
}

// newRunningState constructs the managers for an epoch, reloading
// persisted triples so a restart does not lose the pool.
func (n *Node) newRunningState(ctx context.Context, running *chain.RunningState, data *storage.PersistentNodeData) (*RunningState, error) {
	reloaded, err := n.loadTriples(ctx)
	if err != nil {
		n.logger.Warn("failed to reload triples; starting with an empty pool", zap.Error(err))
	}
	participants := running.Participants.Keys()
	return &RunningState{
		Epoch:        running.Epoch,
		Participants: running.Participants.Copy(),
		Threshold:    running.Threshold,
		PrivateShare: data.PrivateShare,
		PublicKey:    data.PublicKey,
		Triples: NewTripleManager(n.logger, participants, n.me, running.Threshold,
			running.Epoch, reloaded, n.tripleStorage),
		Presignatures: NewPresignatureManager(n.logger, n.me, running.Threshold, running.Epoch),
		Signatures:    NewSignatureManager(n.logger, n.me, data.PublicKey, running.Epoch),
	}, nil
}
