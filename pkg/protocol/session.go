package protocol

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/luxfi/chainsig/pkg/party"
)

// SessionTagSize is the byte length of a session tag.
const SessionTagSize = 16

// SessionTag binds a protocol instance to its protocol name, epoch and
// participant set. Two nodes that disagree on any of these derive
// different tags and silently drop each other's frames instead of
// corrupting a round.
type SessionTag [SessionTagSize]byte

// NewSessionTag derives the tag for a protocol instance.
func NewSessionTag(name string, epoch uint64, instance uint64, participants party.IDSlice) SessionTag {
	h := blake3.New()
	_, _ = h.Write([]byte(name))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	_, _ = h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], instance)
	_, _ = h.Write(buf[:])
	for _, id := range participants {
		var idBuf [4]byte
		binary.BigEndian.PutUint32(idBuf[:], uint32(id))
		_, _ = h.Write(idBuf[:])
	}
	var tag SessionTag
	copy(tag[:], h.Sum(nil))
	return tag
}
