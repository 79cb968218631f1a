// Package polynomial implements secret-sharing polynomials and
// Lagrange interpolation over secp256k1 scalars.
package polynomial

import (
	"errors"
	"io"

	"github.com/luxfi/chainsig/pkg/math/curve"
)

// Polynomial is a polynomial over the scalar field, used for Shamir
// secret sharing. Coefficients[0] is the shared secret.
type Polynomial struct {
	coefficients []*curve.Scalar
}

// NewPolynomial samples a random polynomial of the given degree with
// the given constant term.
func NewPolynomial(rand io.Reader, degree int, constant *curve.Scalar) (*Polynomial, error) {
	if degree < 0 {
		return nil, errors.New("polynomial: negative degree")
	}
	coefficients := make([]*curve.Scalar, degree+1)
	coefficients[0] = constant.Clone()
	for i := 1; i <= degree; i++ {
		c, err := curve.RandomScalar(rand)
		if err != nil {
			return nil, err
		}
		coefficients[i] = c
	}
	return &Polynomial{coefficients: coefficients}, nil
}

// Degree returns the degree of the polynomial.
func (p *Polynomial) Degree() int {
	return len(p.coefficients) - 1
}

// Evaluate returns p(x) using Horner's rule.
func (p *Polynomial) Evaluate(x *curve.Scalar) *curve.Scalar {
	result := curve.NewScalar()
	for i := len(p.coefficients) - 1; i >= 0; i-- {
		result = result.Mul(x).Add(p.coefficients[i])
	}
	return result
}

// Commit returns the Feldman commitment g^c_k for every coefficient.
func (p *Polynomial) Commit() []*curve.Point {
	commitments := make([]*curve.Point, len(p.coefficients))
	for i, c := range p.coefficients {
		commitments[i] = c.ActOnBase()
	}
	return commitments
}

// EvaluateCommitments evaluates a committed polynomial in the exponent:
// Σ x^k · C_k. A share s for evaluation point x is consistent with the
// commitments iff g^s equals this value.
func EvaluateCommitments(commitments []*curve.Point, x *curve.Scalar) *curve.Point {
	result := curve.NewPoint()
	xPower := curve.NewScalar().SetUint32(1)
	for _, c := range commitments {
		result = result.Add(xPower.Act(c))
		xPower = xPower.Mul(x)
	}
	return result
}

// SumCommitments adds commitment vectors pointwise. All vectors must
// have the same length.
func SumCommitments(vectors ...[]*curve.Point) ([]*curve.Point, error) {
	if len(vectors) == 0 {
		return nil, errors.New("polynomial: no commitments to sum")
	}
	width := len(vectors[0])
	out := make([]*curve.Point, width)
	for i := range out {
		out[i] = curve.NewPoint()
	}
	for _, vec := range vectors {
		if len(vec) != width {
			return nil, errors.New("polynomial: mismatched commitment lengths")
		}
		for i, c := range vec {
			out[i] = out[i].Add(c)
		}
	}
	return out, nil
}

// Lagrange returns the interpolation coefficients at zero for the given
// evaluation points, keyed by point index. Interpolating shares with
// these weights recovers p(0) for any polynomial of degree
// < len(points).
func Lagrange(points map[uint32]*curve.Scalar) map[uint32]*curve.Scalar {
	coefficients := make(map[uint32]*curve.Scalar, len(points))
	for i, xi := range points {
		numerator := curve.NewScalar().SetUint32(1)
		denominator := curve.NewScalar().SetUint32(1)
		for j, xj := range points {
			if i == j {
				continue
			}
			numerator = numerator.Mul(xj)
			denominator = denominator.Mul(xj.Sub(xi))
		}
		coefficients[i] = numerator.Mul(denominator.Invert())
	}
	return coefficients
}
