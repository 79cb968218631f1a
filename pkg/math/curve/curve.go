// Package curve wraps secp256k1 scalar and point arithmetic.
//
// All values are immutable from the caller's point of view: arithmetic
// returns fresh values and never mutates its operands. Points are kept
// in affine form (or as the identity) so that equality and
// serialization are cheap.
package curve

import (
	"errors"
	"io"

	secp256k1 "github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ScalarSize is the byte length of an encoded scalar.
const ScalarSize = 32

// PointSize is the byte length of a compressed point encoding.
const PointSize = 33

// Scalar is an element of the secp256k1 group order field.
type Scalar struct {
	s secp256k1.ModNScalar
}

// NewScalar returns the zero scalar.
func NewScalar() *Scalar {
	return &Scalar{}
}

// RandomScalar samples a uniformly random non-zero scalar.
func RandomScalar(rand io.Reader) (*Scalar, error) {
	var buf [ScalarSize]byte
	for {
		if _, err := io.ReadFull(rand, buf[:]); err != nil {
			return nil, err
		}
		var s secp256k1.ModNScalar
		overflow := s.SetBytes(&buf)
		if overflow != 0 || s.IsZero() {
			continue
		}
		return &Scalar{s: s}, nil
	}
}

// SetByteSlice sets the scalar from big-endian bytes reduced mod the
// group order. The boolean reports whether a reduction happened.
func (a *Scalar) SetByteSlice(b []byte) (*Scalar, bool) {
	overflow := a.s.SetByteSlice(b)
	return a, overflow
}

// SetBytes sets the scalar from a 32-byte big-endian encoding, reducing
// mod the group order.
func (a *Scalar) SetBytes(b *[ScalarSize]byte) *Scalar {
	a.s.SetBytes(b)
	return a
}

// SetUint32 sets the scalar to a small integer.
func (a *Scalar) SetUint32(v uint32) *Scalar {
	a.s.SetInt(v)
	return a
}

// Clone returns a copy of the scalar.
func (a *Scalar) Clone() *Scalar {
	out := NewScalar()
	out.s.Set(&a.s)
	return out
}

// Add returns a + b.
func (a *Scalar) Add(b *Scalar) *Scalar {
	out := a.Clone()
	out.s.Add(&b.s)
	return out
}

// Sub returns a - b.
func (a *Scalar) Sub(b *Scalar) *Scalar {
	neg := b.Clone()
	neg.s.Negate()
	return a.Add(neg)
}

// Mul returns a * b.
func (a *Scalar) Mul(b *Scalar) *Scalar {
	out := a.Clone()
	out.s.Mul(&b.s)
	return out
}

// Negate returns -a.
func (a *Scalar) Negate() *Scalar {
	out := a.Clone()
	out.s.Negate()
	return out
}

// Invert returns a⁻¹. The zero scalar inverts to zero.
func (a *Scalar) Invert() *Scalar {
	out := a.Clone()
	out.s.InverseNonConst()
	return out
}

// IsZero reports whether the scalar is zero.
func (a *Scalar) IsZero() bool {
	return a.s.IsZero()
}

// IsOverHalfOrder reports whether the scalar exceeds n/2. Used for
// low-s signature normalization.
func (a *Scalar) IsOverHalfOrder() bool {
	return a.s.IsOverHalfOrder()
}

// Equal reports whether both scalars are the same value.
func (a *Scalar) Equal(b *Scalar) bool {
	return a.s.Equals(&b.s)
}

// Bytes returns the 32-byte big-endian encoding.
func (a *Scalar) Bytes() [ScalarSize]byte {
	return a.s.Bytes()
}

// ActOnBase returns a·G.
func (a *Scalar) ActOnBase() *Point {
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&a.s, &p)
	return normalize(&p)
}

// Act returns a·P.
func (a *Scalar) Act(p *Point) *Point {
	if p.IsIdentity() {
		return NewPoint()
	}
	var out secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&a.s, &p.p, &out)
	return normalize(&out)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (a *Scalar) MarshalBinary() ([]byte, error) {
	b := a.s.Bytes()
	return b[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (a *Scalar) UnmarshalBinary(data []byte) error {
	if len(data) != ScalarSize {
		return errors.New("curve: invalid scalar length")
	}
	if a.s.SetByteSlice(data) {
		return errors.New("curve: scalar not reduced")
	}
	return nil
}

// Point is a point on secp256k1, affine or the identity.
type Point struct {
	p secp256k1.JacobianPoint
}

// NewPoint returns the identity point.
func NewPoint() *Point {
	return &Point{}
}

func normalize(p *secp256k1.JacobianPoint) *Point {
	out := &Point{}
	out.p.Set(p)
	if !out.p.Z.IsZero() {
		out.p.ToAffine()
	}
	return out
}

// IsIdentity reports whether the point is the identity element.
func (p *Point) IsIdentity() bool {
	return p.p.Z.IsZero()
}

// Add returns p + q.
func (p *Point) Add(q *Point) *Point {
	var out secp256k1.JacobianPoint
	secp256k1.AddNonConst(&p.p, &q.p, &out)
	return normalize(&out)
}

// Negate returns -p.
func (p *Point) Negate() *Point {
	out := &Point{}
	out.p.Set(&p.p)
	if !out.p.Z.IsZero() {
		out.p.Y.Negate(1)
		out.p.Y.Normalize()
	}
	return out
}

// Equal reports whether both points are the same.
func (p *Point) Equal(q *Point) bool {
	if p.IsIdentity() || q.IsIdentity() {
		return p.IsIdentity() == q.IsIdentity()
	}
	return p.p.X.Equals(&q.p.X) && p.p.Y.Equals(&q.p.Y)
}

// XScalar returns the affine x coordinate reduced mod the group order.
func (p *Point) XScalar() *Scalar {
	b := p.p.X.Bytes()
	s := NewScalar()
	s.s.SetBytes(b)
	return s
}

// Bytes returns the compressed SEC1 encoding, or 33 zero bytes for the
// identity.
func (p *Point) Bytes() []byte {
	if p.IsIdentity() {
		return make([]byte, PointSize)
	}
	x, y := new(secp256k1.FieldVal), new(secp256k1.FieldVal)
	x.Set(&p.p.X)
	y.Set(&p.p.Y)
	return secp256k1.NewPublicKey(x, y).SerializeCompressed()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p *Point) MarshalBinary() ([]byte, error) {
	return p.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Point) UnmarshalBinary(data []byte) error {
	if len(data) == PointSize && allZero(data) {
		p.p = secp256k1.JacobianPoint{}
		return nil
	}
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return err
	}
	pub.AsJacobian(&p.p)
	return nil
}

// PublicKey converts the point to a parsed secp256k1 public key.
// Fails on the identity.
func (p *Point) PublicKey() (*secp256k1.PublicKey, error) {
	if p.IsIdentity() {
		return nil, errors.New("curve: identity is not a valid public key")
	}
	return secp256k1.ParsePubKey(p.Bytes())
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
