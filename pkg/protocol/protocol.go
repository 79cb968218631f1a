// Package protocol defines the capability shared by every multi-party
// protocol in this repository: a synchronous, non-blocking state
// machine that is driven by Poke and fed with Message.
//
// Poke returns one of four actions: Wait (nothing to do until more
// messages arrive), SendMany (broadcast the payload), SendPrivate
// (deliver the payload to a single participant) or Return (the
// protocol finished with a result). Protocols never block and never
// touch the network themselves; the caller owns delivery.
package protocol

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/luxfi/chainsig/pkg/party"
)

// MessageData is an opaque protocol frame payload.
type MessageData = []byte

// ActionType discriminates the Action union.
type ActionType int

const (
	// ActionWait means the protocol cannot progress until it receives
	// more messages.
	ActionWait ActionType = iota
	// ActionSendMany asks the caller to deliver Data to every other
	// participant.
	ActionSendMany
	// ActionSendPrivate asks the caller to deliver Data to To only.
	ActionSendPrivate
	// ActionReturn reports protocol completion; Result holds the
	// protocol-specific output.
	ActionReturn
)

// Action is the instruction returned by a Poke call.
type Action struct {
	Type   ActionType
	To     party.ID
	Data   MessageData
	Result interface{}
}

// Wait is the idle action.
func Wait() Action { return Action{Type: ActionWait} }

// SendMany builds a broadcast action.
func SendMany(data MessageData) Action {
	return Action{Type: ActionSendMany, Data: data}
}

// SendPrivate builds a point-to-point action.
func SendPrivate(to party.ID, data MessageData) Action {
	return Action{Type: ActionSendPrivate, To: to, Data: data}
}

// Return builds a completion action.
func Return(result interface{}) Action {
	return Action{Type: ActionReturn, Result: result}
}

// Protocol is the capability consumed by the managers and the node
// state machine.
type Protocol interface {
	// Poke advances the protocol as far as possible and returns the
	// next action. A protocol error is terminal: the instance must be
	// dropped.
	Poke() (Action, error)
	// Message feeds an inbound frame. Messages may arrive in any order
	// and may be replayed; handlers are idempotent per (round, sender).
	Message(from party.ID, data MessageData)
}

// envelope is the wire form of a round message.
type envelope struct {
	Tag     SessionTag      `cbor:"tag"`
	Round   int             `cbor:"round"`
	Payload cbor.RawMessage `cbor:"payload"`
}

// MarshalRound encodes a round content struct into a frame payload.
func MarshalRound(tag SessionTag, round int, content interface{}) (MessageData, error) {
	payload, err := cbor.Marshal(content)
	if err != nil {
		return nil, errors.Wrap(err, "marshal round content")
	}
	data, err := cbor.Marshal(envelope{Tag: tag, Round: round, Payload: payload})
	if err != nil {
		return nil, errors.Wrap(err, "marshal round envelope")
	}
	return data, nil
}

// Inbox buffers inbound round messages per (round, sender). It keeps
// the first copy of every message, which makes replays harmless, and
// tolerates messages for rounds the protocol has not reached yet.
type Inbox struct {
	tag      SessionTag
	byRound  map[int]map[party.ID]cbor.RawMessage
	rejected int
}

// NewInbox returns an inbox bound to the given session tag. Frames
// carrying a different tag belong to another protocol instance and are
// dropped.
func NewInbox(tag SessionTag) *Inbox {
	return &Inbox{
		tag:     tag,
		byRound: make(map[int]map[party.ID]cbor.RawMessage),
	}
}

// Store decodes and files an inbound frame.
func (in *Inbox) Store(from party.ID, data MessageData) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		in.rejected++
		return
	}
	if env.Tag != in.tag {
		in.rejected++
		return
	}
	q := in.byRound[env.Round]
	if q == nil {
		q = make(map[party.ID]cbor.RawMessage)
		in.byRound[env.Round] = q
	}
	if _, ok := q[from]; ok {
		// Duplicate or replay; keep the first copy.
		return
	}
	q[from] = env.Payload
}

// Complete reports whether a message is filed for every sender.
func (in *Inbox) Complete(round int, senders party.IDSlice, self party.ID) bool {
	q := in.byRound[round]
	for _, id := range senders {
		if id == self {
			continue
		}
		if _, ok := q[id]; !ok {
			return false
		}
	}
	return true
}

// Get decodes the stored payload from the given sender into content.
func (in *Inbox) Get(round int, from party.ID, content interface{}) error {
	q := in.byRound[round]
	payload, ok := q[from]
	if !ok {
		return errors.Errorf("protocol: no round %d message from participant %d", round, from)
	}
	if err := cbor.Unmarshal(payload, content); err != nil {
		return errors.Wrapf(err, "unmarshal round %d message from participant %d", round, from)
	}
	return nil
}

// Rejected returns how many frames were dropped for bad encoding or a
// mismatched session tag.
func (in *Inbox) Rejected() int {
	return in.rejected
}
