// Package chain talks to the coordination contract: it reads the
// protocol contract state and casts the votes and responses that drive
// the network through keygen, resharing and signing.
package chain

import (
	"crypto/ed25519"

	"github.com/luxfi/chainsig/pkg/hpke"
	"github.com/luxfi/chainsig/pkg/party"
)

// ParticipantInfo is the contract's record for one participant: how to
// reach it and which keys secure its frames.
type ParticipantInfo struct {
	ID        party.ID          `json:"id"`
	AccountID string            `json:"account_id"`
	URL       string            `json:"url"`
	CipherPK  hpke.PublicKey    `json:"cipher_pk"`
	SignPK    ed25519.PublicKey `json:"sign_pk"`
}

// Participants maps participant ids to their contract records.
type Participants map[party.ID]ParticipantInfo

// Keys returns the sorted participant ids.
func (p Participants) Keys() party.IDSlice {
	ids := make([]party.ID, 0, len(p))
	for id := range p {
		ids = append(ids, id)
	}
	return party.NewIDSlice(ids)
}

// Contains reports whether the id is in the set.
func (p Participants) Contains(id party.ID) bool {
	_, ok := p[id]
	return ok
}

// FindByAccount returns the participant registered for an account.
func (p Participants) FindByAccount(accountID string) (ParticipantInfo, bool) {
	for _, info := range p {
		if info.AccountID == accountID {
			return info, true
		}
	}
	return ParticipantInfo{}, false
}

// Equal reports whether both sets hold the same ids. Key or address
// rotation for an existing id counts as the same set; the epoch, not
// the address book, versions the share configuration.
func (p Participants) Equal(other Participants) bool {
	if len(p) != len(other) {
		return false
	}
	for id := range p {
		if _, ok := other[id]; !ok {
			return false
		}
	}
	return true
}

// Copy returns a shallow copy.
func (p Participants) Copy() Participants {
	out := make(Participants, len(p))
	for id, info := range p {
		out[id] = info
	}
	return out
}

// Union returns the participants of both sets; entries of p win on
// conflict.
func (p Participants) Union(other Participants) Participants {
	out := other.Copy()
	for id, info := range p {
		out[id] = info
	}
	return out
}
