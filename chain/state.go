package chain

import (
	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
)

// InitializingState is the contract before the first key exists: the
// initial participant set is fixed and nodes vote on the generated
// public key.
type InitializingState struct {
	Participants Participants             `json:"participants"`
	Threshold    int                      `json:"threshold"`
	PkVotes      map[string]party.IDSlice `json:"pk_votes"`
}

// RunningState is the steady state: an epoch, a participant set and an
// agreed public key, plus the queued membership votes.
type RunningState struct {
	Epoch        uint64                     `json:"epoch"`
	Participants Participants               `json:"participants"`
	Threshold    int                        `json:"threshold"`
	PublicKey    *curve.Point               `json:"public_key"`
	Candidates   Participants               `json:"candidates"`
	JoinVotes    map[party.ID]party.IDSlice `json:"join_votes"`
	LeaveVotes   map[party.ID]party.IDSlice `json:"leave_votes"`
}

// ResharingState is the transition between participant sets; the
// public key never changes across it.
type ResharingState struct {
	OldEpoch        uint64        `json:"old_epoch"`
	OldParticipants Participants  `json:"old_participants"`
	NewParticipants Participants  `json:"new_participants"`
	Threshold       int           `json:"threshold"`
	PublicKey       *curve.Point  `json:"public_key"`
	FinishedVotes   party.IDSlice `json:"finished_votes"`
}

// ProtocolState is the contract state union. All variants nil means
// the contract is not initialized yet.
type ProtocolState struct {
	Initializing *InitializingState `json:"initializing,omitempty"`
	Running      *RunningState      `json:"running,omitempty"`
	Resharing    *ResharingState    `json:"resharing,omitempty"`
}

// IsInitialized reports whether the contract holds any state.
func (s *ProtocolState) IsInitialized() bool {
	return s != nil && (s.Initializing != nil || s.Running != nil || s.Resharing != nil)
}

// Participants returns the participant set relevant to the current
// phase: the old set during resharing, since that is who holds shares.
func (s *ProtocolState) Participants() Participants {
	switch {
	case s.Initializing != nil:
		return s.Initializing.Participants
	case s.Running != nil:
		return s.Running.Participants
	case s.Resharing != nil:
		return s.Resharing.OldParticipants
	}
	return nil
}

// PublicKey returns the agreed public key, or nil before consensus.
func (s *ProtocolState) PublicKey() *curve.Point {
	switch {
	case s.Running != nil:
		return s.Running.PublicKey
	case s.Resharing != nil:
		return s.Resharing.PublicKey
	}
	return nil
}

// Threshold returns the signing threshold of the current phase.
func (s *ProtocolState) Threshold() int {
	switch {
	case s.Initializing != nil:
		return s.Initializing.Threshold
	case s.Running != nil:
		return s.Running.Threshold
	case s.Resharing != nil:
		return s.Resharing.Threshold
	}
	return 0
}
