package curve

import (
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalarArithmetic(t *testing.T) {
	a, err := RandomScalar(rand.Reader)
	require.NoError(t, err)
	b, err := RandomScalar(rand.Reader)
	require.NoError(t, err)

	assert.True(t, a.Add(b).Sub(b).Equal(a))
	assert.True(t, a.Mul(b).Mul(b.Invert()).Equal(a))
	assert.True(t, a.Add(a.Negate()).IsZero())

	// Operands are never mutated.
	aCopy := a.Clone()
	_ = a.Add(b)
	_ = a.Mul(b)
	assert.True(t, a.Equal(aCopy))
}

func TestPointArithmetic(t *testing.T) {
	a, err := RandomScalar(rand.Reader)
	require.NoError(t, err)
	b, err := RandomScalar(rand.Reader)
	require.NoError(t, err)

	// (a+b)·G == a·G + b·G
	assert.True(t, a.Add(b).ActOnBase().Equal(a.ActOnBase().Add(b.ActOnBase())))

	// a·(b·G) == (a·b)·G
	assert.True(t, a.Act(b.ActOnBase()).Equal(a.Mul(b).ActOnBase()))

	// P + (-P) == identity
	p := a.ActOnBase()
	assert.True(t, p.Add(p.Negate()).IsIdentity())
	assert.False(t, p.IsIdentity())
}

func TestScalarBinaryRoundTrip(t *testing.T) {
	a, err := RandomScalar(rand.Reader)
	require.NoError(t, err)

	encoded, err := a.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, encoded, ScalarSize)

	decoded := NewScalar()
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.True(t, a.Equal(decoded))
}

func TestPointBinaryRoundTrip(t *testing.T) {
	a, err := RandomScalar(rand.Reader)
	require.NoError(t, err)
	p := a.ActOnBase()

	encoded, err := p.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, encoded, PointSize)

	decoded := NewPoint()
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.True(t, p.Equal(decoded))

	// The identity round-trips through its all-zero encoding.
	identity := NewPoint()
	encoded, err = identity.MarshalBinary()
	require.NoError(t, err)
	require.NoError(t, decoded.UnmarshalBinary(encoded))
	assert.True(t, decoded.IsIdentity())
}

func TestJSONRoundTrip(t *testing.T) {
	a, err := RandomScalar(rand.Reader)
	require.NoError(t, err)

	encoded, err := json.Marshal(a)
	require.NoError(t, err)
	decoded := NewScalar()
	require.NoError(t, json.Unmarshal(encoded, decoded))
	assert.True(t, a.Equal(decoded))

	p := a.ActOnBase()
	encoded, err = json.Marshal(p)
	require.NoError(t, err)
	decodedPoint := NewPoint()
	require.NoError(t, json.Unmarshal(encoded, decodedPoint))
	assert.True(t, p.Equal(decodedPoint))
}

func TestXScalar(t *testing.T) {
	one := NewScalar().SetUint32(1)
	g := one.ActOnBase()
	assert.False(t, g.XScalar().IsZero())
}
