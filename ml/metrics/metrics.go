// Package metrics implements the per-component numeric metrics computed over loaded
// checkpoint states: matrix norms and the condition number.
//
// Every metric is a pure function taking one tensor and returning one scalar. Metrics
// don't know where the tensor came from -- retrieval hands them one component's weights,
// activations or gradients at a time.
package metrics

import (
	"math"

	"github.com/pico-lm/pico-analyze/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Metric computes one scalar over one component's tensor.
type Metric func(t *tensors.Tensor) (float64, error)

// ByName maps the metric names used in analysis configurations to their implementations.
var ByName = map[string]Metric{
	"frobenius_norm":   FrobeniusNorm,
	"nuclear_norm":     NuclearNorm,
	"inf_norm":         InfNorm,
	"condition_number": ConditionNumber,
}

// FrobeniusNorm returns the square root of the sum of squares of all values. Defined for
// any rank.
func FrobeniusNorm(t *tensors.Tensor) (float64, error) {
	values, err := t.Float64s()
	if err != nil {
		return 0, err
	}
	var sumSquares float64
	for _, v := range values {
		sumSquares += v * v
	}
	return math.Sqrt(sumSquares), nil
}

// InfNorm returns the infinity norm of a matrix: the maximum absolute row sum. Requires a
// rank-2 tensor.
func InfNorm(t *tensors.Tensor) (float64, error) {
	m, err := matrixOf(t)
	if err != nil {
		return 0, err
	}
	return mat.Norm(m, math.Inf(1)), nil
}

// NuclearNorm returns the sum of the singular values of a matrix. Requires a rank-2 tensor.
func NuclearNorm(t *tensors.Tensor) (float64, error) {
	values, err := singularValues(t)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, s := range values {
		sum += s
	}
	return sum, nil
}

// ConditionNumber returns the ratio of the largest to the smallest singular value of a
// matrix: a measure of how sensitive the component's output is to small changes in its
// input. Requires a rank-2 tensor. A singular matrix yields +Inf.
func ConditionNumber(t *tensors.Tensor) (float64, error) {
	values, err := singularValues(t)
	if err != nil {
		return 0, err
	}
	sMax, sMin := values[0], values[0]
	for _, s := range values[1:] {
		sMax = math.Max(sMax, s)
		sMin = math.Min(sMin, s)
	}
	if sMin == 0 {
		return math.Inf(1), nil
	}
	return sMax / sMin, nil
}

func singularValues(t *tensors.Tensor) ([]float64, error) {
	m, err := matrixOf(t)
	if err != nil {
		return nil, err
	}
	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDNone) {
		return nil, errors.Errorf("SVD failed to converge for tensor %s", t)
	}
	values := svd.Values(nil)
	if len(values) == 0 {
		return nil, errors.Errorf("no singular values for tensor %s", t)
	}
	return values, nil
}

// matrixOf views a rank-2 tensor as a gonum dense matrix.
func matrixOf(t *tensors.Tensor) (*mat.Dense, error) {
	if t.Rank() != 2 {
		return nil, errors.Errorf("metric requires a rank-2 tensor, got %s", t)
	}
	values, err := t.Float64s()
	if err != nil {
		return nil, err
	}
	dimensions := t.Dimensions()
	return mat.NewDense(dimensions[0], dimensions[1], values), nil
}
