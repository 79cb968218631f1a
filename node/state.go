package node

import (
	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/protocol"
	"github.com/luxfi/chainsig/storage"
)

// StartedState holds the persisted node data loaded from the secret
// store, or nil when this node has never held a share.
type StartedState struct {
	Data *storage.PersistentNodeData
}

// GeneratingState runs the initial distributed key generation.
type GeneratingState struct {
	Participants chain.Participants
	Threshold    int
	Protocol     protocol.Protocol
}

// WaitingForConsensusState holds a freshly generated or reshared key
// share while the contract collects votes.
type WaitingForConsensusState struct {
	Epoch        uint64
	Participants chain.Participants
	Threshold    int
	PrivateShare *curve.Scalar
	PublicKey    *curve.Point
}

// RunningState is the steady state: the share, the peer set and the
// three pipelined managers.
type RunningState struct {
	Epoch        uint64
	Participants chain.Participants
	Threshold    int
	PrivateShare *curve.Scalar
	PublicKey    *curve.Point

	Triples       *TripleManager
	Presignatures *PresignatureManager
	Signatures    *SignatureManager
}

// ResharingState migrates the share to a new participant set.
// PrivateShare is nil when this node joins without a prior share.
type ResharingState struct {
	OldEpoch        uint64
	OldParticipants chain.Participants
	NewParticipants chain.Participants
	Threshold       int
	PublicKey       *curve.Point
	Protocol        protocol.Protocol
}

// JoiningState waits for the network to admit this node.
type JoiningState struct {
	PublicKey *curve.Point
}

// NodeState is the node state union. The zero value is Starting.
type NodeState struct {
	Started             *StartedState
	Generating          *GeneratingState
	WaitingForConsensus *WaitingForConsensusState
	Running             *RunningState
	Resharing           *ResharingState
	Joining             *JoiningState
}

// Name returns the state name used in logs and the /state endpoint.
func (s *NodeState) Name() string {
	switch {
	case s.Started != nil:
		return "Started"
	case s.Generating != nil:
		return "Generating"
	case s.WaitingForConsensus != nil:
		return "WaitingForConsensus"
	case s.Running != nil:
		return "Running"
	case s.Resharing != nil:
		return "Resharing"
	case s.Joining != nil:
		return "Joining"
	}
	return "Starting"
}
