package node

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luxfi/chainsig/chain"
	"github.com/luxfi/chainsig/pkg/hpke"
	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/luxfi/chainsig/pkg/party"
	"github.com/luxfi/chainsig/storage"
)

func TestStateMachine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Node State Machine Suite")
}

var _ = Describe("the node state machine", func() {
	var (
		ctx          context.Context
		contract     *chain.MemContract
		n            *Node
		participants chain.Participants
		share        *curve.Scalar
		publicKey    *curve.Point
	)

	BeforeEach(func() {
		ctx = context.Background()
		contract = chain.NewMemContract()

		participants = make(chain.Participants)
		for i := 0; i < 3; i++ {
			participants[party.ID(i)] = chain.ParticipantInfo{
				ID:        party.ID(i),
				AccountID: fmt.Sprintf("node%d.test", i),
				URL:       fmt.Sprintf("http://127.0.0.1:%d", 3000+i),
			}
		}

		var err error
		share, err = curve.RandomScalar(rand.Reader)
		Expect(err).NotTo(HaveOccurred())
		publicKey = share.ActOnBase()

		_, signSK, err := ed25519.GenerateKey(nil)
		Expect(err).NotTo(HaveOccurred())
		cipherSK, _, err := hpke.GenerateKeyPair()
		Expect(err).NotTo(HaveOccurred())

		n, err = NewNode(
			zap.NewNop(),
			Config{NodeID: 0, AccountID: "node0.test", MyAddress: "http://127.0.0.1:3000"},
			contract.Handle("node0.test"),
			signSK,
			cipherSK,
			storage.NewMemorySecretStorage(),
			storage.NewMemoryTripleStorage("node0.test"),
		)
		Expect(err).NotTo(HaveOccurred())
	})

	runningContract := func(epoch uint64) *chain.ProtocolState {
		return &chain.ProtocolState{Running: &chain.RunningState{
			Epoch:        epoch,
			Participants: participants,
			Threshold:    2,
			PublicKey:    publicKey,
			Candidates:   make(chain.Participants),
		}}
	}

	Context("starting", func() {
		It("moves to Started with no persisted share", func() {
			state, err := n.advance(ctx, NodeState{}, &chain.ProtocolState{})
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Started).NotTo(BeNil())
			Expect(state.Started.Data).To(BeNil())
		})

		It("loads the persisted share", func() {
			data := &storage.PersistentNodeData{Epoch: 2, PrivateShare: share, PublicKey: publicKey}
			Expect(n.secretStorage.Store(ctx, data)).To(Succeed())

			state, err := n.advance(ctx, NodeState{}, &chain.ProtocolState{})
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Started).NotTo(BeNil())
			Expect(state.Started.Data.Epoch).To(Equal(uint64(2)))
		})
	})

	Context("started with an empty share", func() {
		It("enters Generating when the contract is initializing with us", func() {
			contract.Initialize(participants, 2)
			contractState, err := contract.Handle("node0.test").State(ctx)
			Expect(err).NotTo(HaveOccurred())

			state, err := n.advance(ctx, NodeState{Started: &StartedState{}}, contractState)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Generating).NotTo(BeNil())
			Expect(state.Generating.Threshold).To(Equal(2))
		})

		It("enters Joining when the network already runs without us", func() {
			delete(participants, 0)
			state, err := n.advance(ctx, NodeState{Started: &StartedState{}}, runningContract(0))
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Joining).NotTo(BeNil())
		})
	})

	Context("started with a share", func() {
		var started NodeState

		BeforeEach(func() {
			started = NodeState{Started: &StartedState{Data: &storage.PersistentNodeData{
				Epoch:        0,
				PrivateShare: share,
				PublicKey:    publicKey,
			}}}
		})

		It("rejoins Running when everything matches", func() {
			state, err := n.advance(ctx, started, runningContract(0))
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Running).NotTo(BeNil())
			Expect(state.Running.Triples).NotTo(BeNil())
		})

		It("fails on a mismatched public key", func() {
			other, err := curve.RandomScalar(rand.Reader)
			Expect(err).NotTo(HaveOccurred())
			mismatched := runningContract(0)
			mismatched.Running.PublicKey = other.ActOnBase()

			_, err = n.advance(ctx, started, mismatched)
			Expect(err).To(MatchError(ErrMismatchedPublicKey))
		})

		It("waits without voting while the contract is initializing", func() {
			contract.Initialize(participants, 2)
			contractState, err := contract.Handle("node0.test").State(ctx)
			Expect(err).NotTo(HaveOccurred())

			state, err := n.advance(ctx, started, contractState)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Started).NotTo(BeNil())

			refreshed, err := contract.Handle("node0.test").State(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(refreshed.Initializing.PkVotes).To(BeEmpty())
		})
	})

	Context("running", func() {
		var running NodeState

		BeforeEach(func() {
			runningState, err := n.newRunningState(ctx, runningContract(0).Running, &storage.PersistentNodeData{
				Epoch:        0,
				PrivateShare: share,
				PublicKey:    publicKey,
			})
			Expect(err).NotTo(HaveOccurred())
			running = NodeState{Running: runningState}
		})

		It("detects a contract rollback", func() {
			contract.Initialize(participants, 2)
			contractState, err := contract.Handle("node0.test").State(ctx)
			Expect(err).NotTo(HaveOccurred())

			_, err = n.advance(ctx, running, contractState)
			Expect(err).To(MatchError(ErrContractStateRollback))
		})

		It("detects being kicked", func() {
			newParticipants := participants.Copy()
			delete(newParticipants, 0)
			contractState := &chain.ProtocolState{Resharing: &chain.ResharingState{
				OldEpoch:        0,
				OldParticipants: participants,
				NewParticipants: newParticipants,
				Threshold:       2,
				PublicKey:       publicKey,
			}}

			_, err := n.advance(ctx, running, contractState)
			Expect(err).To(MatchError(ErrHasBeenKicked))
		})

		It("enters Resharing when voted into the next epoch", func() {
			joiner := chain.ParticipantInfo{ID: 3, AccountID: "node3.test", URL: "http://127.0.0.1:3003"}
			newParticipants := participants.Copy()
			newParticipants[3] = joiner
			contractState := &chain.ProtocolState{Resharing: &chain.ResharingState{
				OldEpoch:        0,
				OldParticipants: participants,
				NewParticipants: newParticipants,
				Threshold:       2,
				PublicKey:       publicKey,
			}}

			state, err := n.advance(ctx, running, contractState)
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Resharing).NotTo(BeNil())
			Expect(state.Resharing.OldEpoch).To(Equal(uint64(0)))
		})
	})

	Context("waiting for consensus", func() {
		It("enters Running once the contract matches", func() {
			waiting := NodeState{WaitingForConsensus: &WaitingForConsensusState{
				Epoch:        0,
				Participants: participants,
				Threshold:    2,
				PrivateShare: share,
				PublicKey:    publicKey,
			}}

			state, err := n.advance(ctx, waiting, runningContract(0))
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Running).NotTo(BeNil())
			Expect(state.Running.Epoch).To(Equal(uint64(0)))
		})

		It("fails on mismatched participants", func() {
			smaller := participants.Copy()
			delete(smaller, 2)
			waiting := NodeState{WaitingForConsensus: &WaitingForConsensusState{
				Epoch:        0,
				Participants: smaller,
				Threshold:    2,
				PrivateShare: share,
				PublicKey:    publicKey,
			}}

			_, err := n.advance(ctx, waiting, runningContract(0))
			Expect(err).To(MatchError(ErrMismatchedParticipants))
		})
	})
})
