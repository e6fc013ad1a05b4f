package tensors

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// The ".safetensors" format: an 8-byte little-endian header length, a JSON header mapping
// tensor names to {dtype, shape, data_offsets}, then the concatenated raw tensor data.
// This is the format the training harness saves the checkpoint states with.

const safetensorsMetadataKey = "__metadata__"

type tensorMetadata struct {
	// Format is only present for the safetensorsMetadataKey ("__metadata__").
	Format string `json:"format,omitempty"`

	DTypeName  string   `json:"dtype,omitempty"`
	Dimensions []int    `json:"shape,omitempty"`
	Offsets    []uint64 `json:"data_offsets,omitempty"`

	// Name is filled later, with the key to the tensor.
	Name string `json:"-"`
}

// DType parses the dtype name into an actual dtype.
func (t *tensorMetadata) DType() dtypes.DType {
	dtype, found := dtypes.MapOfNames[t.DTypeName]
	if !found {
		dtype = dtypes.InvalidDType
	}
	return dtype
}

func (t *tensorMetadata) memory() uintptr {
	size := t.DType().Size()
	for _, dim := range t.Dimensions {
		size *= dim
	}
	return uintptr(size)
}

// ReadSafetensorsFile loads all tensors of a ".safetensors" file, keyed by name.
func ReadSafetensorsFile(filePath string) (map[string]*Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	loaded, err := ReadSafetensors(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while reading %q", filePath)
	}
	return loaded, nil
}

// ReadSafetensors parses a ".safetensors" stream and returns all its tensors, keyed by name.
func ReadSafetensors(r io.Reader) (map[string]*Tensor, error) {
	var metadataLenBuf [8]byte
	if _, err := io.ReadFull(r, metadataLenBuf[:]); err != nil {
		return nil, errors.Wrapf(err, "failed to read metadata length")
	}
	var metadataLen uint64
	if _, err := binary.Decode(metadataLenBuf[:], binary.LittleEndian, &metadataLen); err != nil {
		return nil, errors.Wrapf(err, "failed to parse metadata length")
	}
	metadataBuf := make([]byte, metadataLen)
	if _, err := io.ReadFull(r, metadataBuf); err != nil {
		return nil, errors.Wrapf(err, "failed to read metadata")
	}
	var metadata map[string]*tensorMetadata
	if err := json.Unmarshal(metadataBuf, &metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to parse json from metadata")
	}

	// The "__metadata__" entry is optional; if present and carrying a format, it must be
	// "pt", the format the training harness writes.
	if globalMetadata, found := metadata[safetensorsMetadataKey]; found {
		if globalMetadata.Format != "" && globalMetadata.Format != "pt" {
			return nil, errors.Errorf("unsupported tensor format %q set in metadata[%q][\"format\"], only "+
				"supported format is \"pt\" (PyTorch)", globalMetadata.Format, safetensorsMetadataKey)
		}
	}

	// Sort metadata by their offsets -- and strip the global metadata.
	sortedMetadata := make([]*tensorMetadata, 0, len(metadata))
	for tName, tData := range metadata {
		if tName == safetensorsMetadataKey {
			continue
		}
		tData.Name = tName
		if len(tData.Offsets) != 2 || tData.Offsets[1] < tData.Offsets[0] {
			return nil, errors.Errorf("offset metadata[%q][\"data_offsets\"] invalid, "+
				"expected [start, end] but got %v instead", tData.Name, tData.Offsets)
		}
		if tData.DType() == dtypes.InvalidDType {
			return nil, errors.Errorf("unsupported dtype %q in metadata[%q][\"dtype\"]",
				tData.DTypeName, tData.Name)
		}
		size := uintptr(tData.Offsets[1] - tData.Offsets[0])
		if size != tData.memory() {
			return nil, errors.Errorf("tensor %s%v is expected to require %d bytes, but metadata[%q][\"data_offsets\"] "+
				"reserves %d bytes", tData.DTypeName, tData.Dimensions, tData.memory(), tData.Name, size)
		}
		sortedMetadata = append(sortedMetadata, tData)
	}
	slices.SortFunc(sortedMetadata, func(a, b *tensorMetadata) int {
		if a.Offsets[0] < b.Offsets[0] {
			return -1
		}
		return 1
	})

	// Makes sure data is contiguous.
	var lastOffset uint64
	for _, tData := range sortedMetadata {
		if tData.Offsets[0] != lastOffset {
			return nil, errors.Errorf("offset for metadata[%q][\"data_offsets\"] not starting at 0 or not contiguous: expected %d, got %d",
				tData.Name, lastOffset, tData.Offsets[0])
		}
		lastOffset = tData.Offsets[1]
	}

	// Read tensors, in offset order.
	loaded := make(map[string]*Tensor, len(sortedMetadata))
	for _, tData := range sortedMetadata {
		t := newTensor(tData.DType(), tData.Dimensions)
		if _, err := io.ReadFull(r, t.data); err != nil {
			return nil, errors.Wrapf(err, "tensor %q: failed to read %d bytes", tData.Name, len(t.data))
		}
		loaded[tData.Name] = t
	}
	return loaded, nil
}

// safetensorsDTypeNames maps the dtypes a Tensor can hold to their ".safetensors" names.
var safetensorsDTypeNames = map[dtypes.DType]string{
	dtypes.Float16:  "F16",
	dtypes.BFloat16: "BF16",
	dtypes.Float32:  "F32",
	dtypes.Float64:  "F64",
	dtypes.Int32:    "I32",
	dtypes.Int64:    "I64",
	dtypes.Uint8:    "U8",
}

// WriteSafetensorsFile saves the given tensors to filePath in the ".safetensors" format.
func WriteSafetensorsFile(filePath string, namedTensors map[string]*Tensor) error {
	f, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", filePath)
	}
	if err = WriteSafetensors(f, namedTensors); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "while writing %q", filePath)
	}
	return errors.Wrapf(f.Close(), "failed to close %q", filePath)
}

// WriteSafetensors serializes the given tensors, keyed by name, to the ".safetensors" format.
//
// Tensors are laid out in lexicographic name order. It is the inverse of ReadSafetensors and
// is used to write test fixtures and to re-export states.
func WriteSafetensors(w io.Writer, namedTensors map[string]*Tensor) error {
	names := make([]string, 0, len(namedTensors))
	for name := range namedTensors {
		names = append(names, name)
	}
	slices.Sort(names)

	metadata := make(map[string]*tensorMetadata, len(namedTensors)+1)
	metadata[safetensorsMetadataKey] = &tensorMetadata{Format: "pt"}
	var offset uint64
	for _, name := range names {
		t := namedTensors[name]
		dtypeName, found := safetensorsDTypeNames[t.dtype]
		if !found {
			return errors.Errorf("tensor %q: dtype %s cannot be serialized to .safetensors", name, t.dtype)
		}
		dimensions := t.dimensions
		if dimensions == nil {
			dimensions = []int{}
		}
		metadata[name] = &tensorMetadata{
			DTypeName:  dtypeName,
			Dimensions: dimensions,
			Offsets:    []uint64{offset, offset + uint64(len(t.data))},
		}
		offset += uint64(len(t.data))
	}
	headerJson, err := json.Marshal(metadata)
	if err != nil {
		return errors.Wrapf(err, "failed to marshal .safetensors metadata")
	}

	var metadataLenBuf [8]byte
	binary.LittleEndian.PutUint64(metadataLenBuf[:], uint64(len(headerJson)))
	if _, err = w.Write(metadataLenBuf[:]); err != nil {
		return errors.Wrapf(err, "failed to write metadata length")
	}
	if _, err = w.Write(headerJson); err != nil {
		return errors.Wrapf(err, "failed to write metadata")
	}
	for _, name := range names {
		if _, err = w.Write(namedTensors[name].data); err != nil {
			return errors.Wrapf(err, "failed to write data of tensor %q", name)
		}
	}
	return nil
}
