package polynomial

import (
	"crypto/rand"
	"testing"

	"github.com/luxfi/chainsig/pkg/math/curve"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomScalar(t *testing.T) *curve.Scalar {
	t.Helper()
	s, err := curve.RandomScalar(rand.Reader)
	require.NoError(t, err)
	return s
}

func evaluationPoints(n int) map[uint32]*curve.Scalar {
	points := make(map[uint32]*curve.Scalar, n)
	for i := 0; i < n; i++ {
		points[uint32(i)] = curve.NewScalar().SetUint32(uint32(i) + 1)
	}
	return points
}

func TestLagrangeSumsToOne(t *testing.T) {
	one := curve.NewScalar().SetUint32(1)
	for _, n := range []int{2, 3, 10} {
		coefficients := Lagrange(evaluationPoints(n))
		sum := curve.NewScalar()
		for _, c := range coefficients {
			sum = sum.Add(c)
		}
		assert.True(t, sum.Equal(one), "lagrange weights for %d points must sum to one", n)
	}
}

func TestLagrangeRecoversConstant(t *testing.T) {
	secret := randomScalar(t)
	poly, err := NewPolynomial(rand.Reader, 2, secret)
	require.NoError(t, err)

	points := evaluationPoints(3)
	coefficients := Lagrange(points)

	recovered := curve.NewScalar()
	for i, x := range points {
		recovered = recovered.Add(coefficients[i].Mul(poly.Evaluate(x)))
	}
	assert.True(t, secret.Equal(recovered), "interpolation at zero must recover the constant term")
}

func TestLagrangeOversampled(t *testing.T) {
	// More points than degree+1 still interpolate correctly.
	secret := randomScalar(t)
	poly, err := NewPolynomial(rand.Reader, 1, secret)
	require.NoError(t, err)

	points := evaluationPoints(5)
	coefficients := Lagrange(points)

	recovered := curve.NewScalar()
	for i, x := range points {
		recovered = recovered.Add(coefficients[i].Mul(poly.Evaluate(x)))
	}
	assert.True(t, secret.Equal(recovered))
}

func TestCommitmentsMatchShares(t *testing.T) {
	secret := randomScalar(t)
	poly, err := NewPolynomial(rand.Reader, 2, secret)
	require.NoError(t, err)
	commitments := poly.Commit()
	require.Len(t, commitments, 3)

	for i := uint32(1); i <= 4; i++ {
		x := curve.NewScalar().SetUint32(i)
		share := poly.Evaluate(x)
		assert.True(t, share.ActOnBase().Equal(EvaluateCommitments(commitments, x)),
			"share at point %d must match the committed polynomial", i)
	}
}

func TestSumCommitments(t *testing.T) {
	a := randomScalar(t)
	b := randomScalar(t)
	pa, err := NewPolynomial(rand.Reader, 1, a)
	require.NoError(t, err)
	pb, err := NewPolynomial(rand.Reader, 1, b)
	require.NoError(t, err)

	sum, err := SumCommitments(pa.Commit(), pb.Commit())
	require.NoError(t, err)
	assert.True(t, sum[0].Equal(a.Add(b).ActOnBase()))

	_, err = SumCommitments(pa.Commit(), []*curve.Point{curve.NewPoint()})
	assert.Error(t, err)
}
