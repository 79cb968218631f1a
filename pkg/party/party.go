// Package party defines participant identities for the MPC network.
//
// A participant is identified by an opaque 32-bit id assigned by the
// coordination contract. Shamir evaluation points are derived from the
// id as id+1 so that no participant ever maps to the zero scalar.
package party

import (
	"sort"

	"github.com/cronokirby/saferith"
	"github.com/luxfi/chainsig/pkg/math/curve"
)

// ID is a participant identifier assigned by the contract.
type ID uint32

// Scalar returns the Shamir evaluation point for this participant.
func (id ID) Scalar() *curve.Scalar {
	n := new(saferith.Nat).SetUint64(uint64(id) + 1)
	s, _ := curve.NewScalar().SetByteSlice(n.Bytes())
	return s
}

// Points returns the Shamir evaluation points for every id, keyed by
// the raw id value. The result feeds polynomial.Lagrange.
func (ids IDSlice) Points() map[uint32]*curve.Scalar {
	points := make(map[uint32]*curve.Scalar, len(ids))
	for _, id := range ids {
		points[uint32(id)] = id.Scalar()
	}
	return points
}

// IDSlice is a sorted set of participant ids.
type IDSlice []ID

// NewIDSlice returns a sorted copy of the given ids.
func NewIDSlice(ids []ID) IDSlice {
	out := make(IDSlice, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contains reports whether every given id is present.
func (ids IDSlice) Contains(want ...ID) bool {
	for _, w := range want {
		i := sort.Search(len(ids), func(i int) bool { return ids[i] >= w })
		if i == len(ids) || ids[i] != w {
			return false
		}
	}
	return true
}

// Copy returns a new slice with the same contents.
func (ids IDSlice) Copy() IDSlice {
	out := make(IDSlice, len(ids))
	copy(out, ids)
	return out
}

// Equal reports whether both slices hold the same ids in the same order.
func (ids IDSlice) Equal(other IDSlice) bool {
	if len(ids) != len(other) {
		return false
	}
	for i := range ids {
		if ids[i] != other[i] {
			return false
		}
	}
	return true
}

