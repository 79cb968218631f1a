package chain

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
)

// MemContract is an in-process implementation of the coordination
// contract with the same vote semantics as the deployed one. It backs
// the test harnesses and local multi-node setups.
type MemContract struct {
	mu        sync.Mutex
	state     ProtocolState
	responses map[string]SignatureResponse
}

// NewMemContract returns an uninitialized contract.
func NewMemContract() *MemContract {
	return &MemContract{responses: make(map[string]SignatureResponse)}
}

// Initialize fixes the initial participant set and threshold, moving
// the contract into the Initializing phase.
func (m *MemContract) Initialize(participants Participants, threshold int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ProtocolState{Initializing: &InitializingState{
		Participants: participants.Copy(),
		Threshold:    threshold,
		PkVotes:      make(map[string]party.IDSlice),
	}}
}

// Handle returns a Contract view bound to the given signer account.
func (m *MemContract) Handle(accountID string) Contract {
	return &memberClient{contract: m, accountID: accountID}
}

// Response returns the published signature for a payload hash, if any.
func (m *MemContract) Response(payloadHash string) (SignatureResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.responses[payloadHash]
	return resp, ok
}

// snapshot deep-copies the state so concurrent voters never mutate a
// map a reader is still walking.
func (m *MemContract) snapshot() *ProtocolState {
	out := &ProtocolState{}
	switch {
	case m.state.Initializing != nil:
		src := m.state.Initializing
		votes := make(map[string]party.IDSlice, len(src.PkVotes))
		for key, voters := range src.PkVotes {
			votes[key] = voters.Copy()
		}
		out.Initializing = &InitializingState{
			Participants: src.Participants.Copy(),
			Threshold:    src.Threshold,
			PkVotes:      votes,
		}
	case m.state.Running != nil:
		src := m.state.Running
		out.Running = &RunningState{
			Epoch:        src.Epoch,
			Participants: src.Participants.Copy(),
			Threshold:    src.Threshold,
			PublicKey:    src.PublicKey,
			Candidates:   src.Candidates.Copy(),
			JoinVotes:    copyVotes(src.JoinVotes),
			LeaveVotes:   copyVotes(src.LeaveVotes),
		}
	case m.state.Resharing != nil:
		src := m.state.Resharing
		out.Resharing = &ResharingState{
			OldEpoch:        src.OldEpoch,
			OldParticipants: src.OldParticipants.Copy(),
			NewParticipants: src.NewParticipants.Copy(),
			Threshold:       src.Threshold,
			PublicKey:       src.PublicKey,
			FinishedVotes:   src.FinishedVotes.Copy(),
		}
	}
	return out
}

func copyVotes(votes map[party.ID]party.IDSlice) map[party.ID]party.IDSlice {
	out := make(map[party.ID]party.IDSlice, len(votes))
	for id, voters := range votes {
		out[id] = voters.Copy()
	}
	return out
}

func addVote(votes party.IDSlice, voter party.ID) party.IDSlice {
	if votes.Contains(voter) {
		return votes
	}
	return party.NewIDSlice(append(votes.Copy(), voter))
}

type memberClient struct {
	contract  *MemContract
	accountID string
}

func (c *memberClient) State(_ context.Context) (*ProtocolState, error) {
	c.contract.mu.Lock()
	defer c.contract.mu.Unlock()
	return c.contract.snapshot(), nil
}

func (c *memberClient) VotePublicKey(_ context.Context, publicKey *curve.Point) (bool, error) {
	m := c.contract
	m.mu.Lock()
	defer m.mu.Unlock()

	if running := m.state.Running; running != nil {
		// Re-voting after consensus is a no-op.
		return running.PublicKey.Equal(publicKey), nil
	}
	initializing := m.state.Initializing
	if initializing == nil {
		return false, errors.New("contract cannot accept public key votes right now")
	}
	voter, ok := initializing.Participants.FindByAccount(c.accountID)
	if !ok {
		return false, errors.New("calling account is not in the participant set")
	}

	key := string(publicKey.Bytes())
	initializing.PkVotes[key] = addVote(initializing.PkVotes[key], voter.ID)
	if len(initializing.PkVotes[key]) >= initializing.Threshold {
		m.state = ProtocolState{Running: &RunningState{
			Epoch:        0,
			Participants: initializing.Participants,
			Threshold:    initializing.Threshold,
			PublicKey:    publicKey,
			Candidates:   make(Participants),
			JoinVotes:    make(map[party.ID]party.IDSlice),
			LeaveVotes:   make(map[party.ID]party.IDSlice),
		}}
		return true, nil
	}
	return false, nil
}

func (c *memberClient) VoteReshared(_ context.Context, epoch uint64) (bool, error) {
	m := c.contract
	m.mu.Lock()
	defer m.mu.Unlock()

	if running := m.state.Running; running != nil {
		return running.Epoch == epoch+1, nil
	}
	resharing := m.state.Resharing
	if resharing == nil {
		return false, errors.New("contract is not resharing right now")
	}
	if resharing.OldEpoch != epoch {
		return false, errors.Errorf("vote for epoch %d does not match resharing epoch %d", epoch, resharing.OldEpoch)
	}
	voter, ok := resharing.OldParticipants.FindByAccount(c.accountID)
	if !ok {
		return false, errors.New("calling account is not in the old participant set")
	}

	resharing.FinishedVotes = addVote(resharing.FinishedVotes, voter.ID)
	if len(resharing.FinishedVotes) >= resharing.Threshold {
		m.state = ProtocolState{Running: &RunningState{
			Epoch:        resharing.OldEpoch + 1,
			Participants: resharing.NewParticipants,
			Threshold:    resharing.Threshold,
			PublicKey:    resharing.PublicKey,
			Candidates:   make(Participants),
			JoinVotes:    make(map[party.ID]party.IDSlice),
			LeaveVotes:   make(map[party.ID]party.IDSlice),
		}}
		return true, nil
	}
	return false, nil
}

func (c *memberClient) VoteJoin(_ context.Context, candidate party.ID) error {
	m := c.contract
	m.mu.Lock()
	defer m.mu.Unlock()

	running := m.state.Running
	if running == nil {
		return errors.New("contract cannot accept new participants right now")
	}
	voter, ok := running.Participants.FindByAccount(c.accountID)
	if !ok {
		return errors.New("calling account is not in the participant set")
	}
	if running.Participants.Contains(candidate) {
		return errors.New("this participant is already in the participant set")
	}
	info, ok := running.Candidates[candidate]
	if !ok {
		return errors.New("unknown candidate")
	}

	running.JoinVotes[candidate] = addVote(running.JoinVotes[candidate], voter.ID)
	if len(running.JoinVotes[candidate]) >= running.Threshold {
		newParticipants := running.Participants.Copy()
		newParticipants[candidate] = info
		m.state = ProtocolState{Resharing: &ResharingState{
			OldEpoch:        running.Epoch,
			OldParticipants: running.Participants,
			NewParticipants: newParticipants,
			Threshold:       running.Threshold,
			PublicKey:       running.PublicKey,
		}}
	}
	return nil
}

func (c *memberClient) VoteLeave(_ context.Context, kick party.ID) error {
	m := c.contract
	m.mu.Lock()
	defer m.mu.Unlock()

	running := m.state.Running
	if running == nil {
		return errors.New("contract cannot kick participants right now")
	}
	voter, ok := running.Participants.FindByAccount(c.accountID)
	if !ok {
		return errors.New("calling account is not in the participant set")
	}
	if !running.Participants.Contains(kick) {
		return errors.New("this participant is not in the participant set")
	}

	running.LeaveVotes[kick] = addVote(running.LeaveVotes[kick], voter.ID)
	if len(running.LeaveVotes[kick]) >= running.Threshold {
		newParticipants := running.Participants.Copy()
		delete(newParticipants, kick)
		m.state = ProtocolState{Resharing: &ResharingState{
			OldEpoch:        running.Epoch,
			OldParticipants: running.Participants,
			NewParticipants: newParticipants,
			Threshold:       running.Threshold,
			PublicKey:       running.PublicKey,
		}}
	}
	return nil
}

func (c *memberClient) ProposeJoin(_ context.Context, info ParticipantInfo) error {
	m := c.contract
	m.mu.Lock()
	defer m.mu.Unlock()

	running := m.state.Running
	if running == nil {
		return errors.New("contract cannot accept candidates right now")
	}
	if running.Participants.Contains(info.ID) {
		return errors.New("this participant is already in the participant set")
	}
	running.Candidates[info.ID] = info
	return nil
}

func (c *memberClient) Respond(_ context.Context, request SignatureRequest, response SignatureResponse) error {
	m := c.contract
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Running == nil && m.state.Resharing == nil {
		return errors.New("contract has no key to verify responses against")
	}
	m.responses[hex.EncodeToString(request.PayloadHash[:])] = response
	return nil
}
