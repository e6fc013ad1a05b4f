package tensors

import (
	"bytes"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, dtypes.Float32, tensor.DType())
	assert.Equal(t, 2, tensor.Rank())
	assert.Equal(t, []int{2, 3}, tensor.Dimensions())
	assert.Equal(t, 6, tensor.Size())
	assert.Equal(t, uintptr(24), tensor.Memory())
	assert.Equal(t, "(Float32)[2 3]", tensor.String())

	assert.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2, 3}, 2, 2) })
	assert.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 2, -1) })
}

func TestFloat64s(t *testing.T) {
	f32 := FromFlatDataAndDimensions([]float32{1.5, -2, 0.25}, 3)
	values, err := f32.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5, -2, 0.25}, values)

	f16 := FromFlatDataAndDimensions([]float16.Float16{
		float16.Fromfloat32(0.5), float16.Fromfloat32(-1)}, 2)
	values, err = f16.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{0.5, -1}, values)

	i64 := FromFlatDataAndDimensions([]int64{-7, 1 << 40}, 2)
	values, err = i64.Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{-7, float64(int64(1) << 40)}, values)
}

func TestEqual(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	b := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2)
	c := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	d := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c), "same data, different dimensions")
	assert.False(t, a.Equal(d), "same values, different dtype")
}

func TestSafetensorsRoundTrip(t *testing.T) {
	saved := map[string]*Tensor{
		"model.0.mlp":  FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3),
		"model.0.attn": FromFlatDataAndDimensions([]int64{10, 20}, 2),
		"model.1.mlp": FromFlatDataAndDimensions([]float16.Float16{
			float16.Fromfloat32(1), float16.Fromfloat32(2)}, 1, 2),
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSafetensors(&buf, saved))

	loaded, err := ReadSafetensors(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, loaded, len(saved))
	for name, tensor := range saved {
		require.Containsf(t, loaded, name, "tensor %q missing after round-trip", name)
		assert.Truef(t, tensor.Equal(loaded[name]), "tensor %q changed after round-trip", name)
	}
}

func TestReadSafetensorsRejectsMalformed(t *testing.T) {
	// Truncated stream.
	_, err := ReadSafetensors(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)

	// Valid length prefix, garbage metadata.
	var buf bytes.Buffer
	buf.Write([]byte{4, 0, 0, 0, 0, 0, 0, 0})
	buf.WriteString("nope")
	_, err = ReadSafetensors(bytes.NewReader(buf.Bytes()))
	assert.Error(t, err)

	// Unknown dtype name.
	buf.Reset()
	header := `{"w":{"dtype":"X99","shape":[1],"data_offsets":[0,4]}}`
	var lenBuf [8]byte
	lenBuf[0] = byte(len(header))
	buf.Write(lenBuf[:])
	buf.WriteString(header)
	buf.Write([]byte{0, 0, 0, 0})
	_, err = ReadSafetensors(bytes.NewReader(buf.Bytes()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported dtype")
}
