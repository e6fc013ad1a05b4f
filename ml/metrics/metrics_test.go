package metrics

import (
	"math"
	"testing"

	"github.com/pico-lm/pico-analyze/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrobeniusNorm(t *testing.T) {
	// sqrt(1+4+4+16) = 5.
	value, err := FrobeniusNorm(tensors.FromFlatDataAndDimensions([]float32{1, 2, 2, 4}, 2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, value, 1e-9)

	// Defined for any rank.
	value, err = FrobeniusNorm(tensors.FromFlatDataAndDimensions([]float64{3, 4}, 2))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, value, 1e-9)
}

func TestInfNorm(t *testing.T) {
	// Max absolute row sum: |3|+|-4| = 7.
	value, err := InfNorm(tensors.FromFlatDataAndDimensions([]float64{1, -2, 3, -4}, 2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 7.0, value, 1e-9)

	_, err = InfNorm(tensors.FromFlatDataAndDimensions([]float64{1, 2}, 2))
	require.Error(t, err, "inf norm requires a matrix")
}

func TestNuclearNorm(t *testing.T) {
	// Singular values of diag(3, 1) are {3, 1}.
	value, err := NuclearNorm(tensors.FromFlatDataAndDimensions([]float64{3, 0, 0, 1}, 2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 4.0, value, 1e-9)
}

func TestConditionNumber(t *testing.T) {
	value, err := ConditionNumber(tensors.FromFlatDataAndDimensions([]float64{3, 0, 0, 1}, 2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, value, 1e-9)

	// Identity is perfectly conditioned.
	value, err = ConditionNumber(tensors.FromFlatDataAndDimensions([]float64{1, 0, 0, 1}, 2, 2))
	require.NoError(t, err)
	assert.InDelta(t, 1.0, value, 1e-9)

	// Singular matrix.
	value, err = ConditionNumber(tensors.FromFlatDataAndDimensions([]float64{1, 1, 1, 1}, 2, 2))
	require.NoError(t, err)
	assert.True(t, math.IsInf(value, 1))

	_, err = ConditionNumber(tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 3))
	require.Error(t, err, "condition number requires a matrix")
}
