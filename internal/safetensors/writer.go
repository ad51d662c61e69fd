package safetensors

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/adaround/internal/tensor"
	"github.com/samcharles93/adaround/pkg/quant"
)

// quantKeyPrefix marks metadata entries holding a layer's quant.Params.
const quantKeyPrefix = "quant."

type entry struct {
	name  string
	dtype DType
	shape []int
	data  []byte
}

// Writer accumulates tensors and writes them as one safetensors file. Data
// is laid out in the order tensors were added.
type Writer struct {
	Metadata map[string]string
	entries  []entry
}

func NewWriter() *Writer {
	return &Writer{Metadata: map[string]string{}}
}

func (w *Writer) add(name string, dtype DType, shape []int, data []byte) error {
	if slices.ContainsFunc(w.entries, func(e entry) bool { return e.name == name }) {
		return fmt.Errorf("safetensors: duplicate tensor %s", name)
	}
	if name == metadataKey {
		return fmt.Errorf("safetensors: reserved tensor name %s", name)
	}
	w.entries = append(w.entries, entry{name: name, dtype: dtype, shape: slices.Clone(shape), data: data})
	return nil
}

// AddFloat stores t narrowed to dtype, which must be a float type.
func (w *Writer) AddFloat(name string, t tensor.Tensor, dtype DType) error {
	size, err := dtype.Size()
	if err != nil {
		return err
	}
	buf := make([]byte, t.Len()*size)
	switch dtype {
	case F64:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(v))
		}
	case F32:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(float32(v)))
		}
	case F16:
		for i, v := range t.Data {
			binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
	case BF16:
		f32 := make([]float32, t.Len())
		for i, v := range t.Data {
			f32[i] = float32(v)
		}
		buf = bfloat16.EncodeFloat32(f32)
	default:
		return fmt.Errorf("%w: %s is not a float type", ErrUnsupportedDType, dtype)
	}
	return w.add(name, dtype, t.Shape, buf)
}

// AddInt8 stores raw int8 values.
func (w *Writer) AddInt8(name string, shape []int, values []int8) error {
	if tensor.Numel(shape) != len(values) {
		return fmt.Errorf("safetensors: %s has %d values for shape %v", name, len(values), shape)
	}
	buf := make([]byte, len(values))
	for i, v := range values {
		buf[i] = byte(v)
	}
	return w.add(name, I8, shape, buf)
}

// AddQuantized stores a fixed-point layer as "<name>.weight" (I8) and
// "<name>.bias" (F32), with its quantization params in the metadata.
func (w *Writer) AddQuantized(fp *quant.FixedPoint) error {
	name := fp.Name()
	if err := w.AddInt8(name+".weight", fp.Weight.Shape, fp.Weight.Data); err != nil {
		return err
	}
	if !fp.BiasData.IsZero() {
		if err := w.AddFloat(name+".bias", fp.BiasData, F32); err != nil {
			return err
		}
	}
	params, err := json.Marshal(fp.Weight.Params)
	if err != nil {
		return err
	}
	w.Metadata[quantKeyPrefix+name] = string(params)
	return nil
}

// WriteTo writes the header and all tensor data.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	header := make(map[string]any, len(w.entries)+1)
	if len(w.Metadata) > 0 {
		header[metadataKey] = w.Metadata
	}
	var offset int64
	for _, e := range w.entries {
		end := offset + int64(len(e.data))
		header[e.name] = tensorHeader{DType: e.dtype, Shape: e.shape, DataOffsets: []int64{offset, end}}
		offset = end
	}
	hdr, err := json.Marshal(header)
	if err != nil {
		return 0, err
	}
	// pad so the data section starts 8-byte aligned
	if pad := (8 - len(hdr)%8) % 8; pad > 0 {
		hdr = append(hdr, bytes.Repeat([]byte{' '}, pad)...)
	}

	bw := bufio.NewWriter(out)
	var n int64
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(hdr)))
	for _, chunk := range append([][]byte{lenBuf[:], hdr}, w.chunks()...) {
		m, err := bw.Write(chunk)
		n += int64(m)
		if err != nil {
			return n, err
		}
	}
	return n, bw.Flush()
}

func (w *Writer) chunks() [][]byte {
	out := make([][]byte, len(w.entries))
	for i, e := range w.entries {
		out[i] = e.data
	}
	return out
}

// WriteFile writes atomically to path via a temporary file in the same
// directory.
func (w *Writer) WriteFile(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := w.WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// QuantizedLayers lists the layers written by AddQuantized, sorted.
func (f *File) QuantizedLayers() []string {
	var names []string
	for k := range f.Metadata {
		if name, ok := strings.CutPrefix(k, quantKeyPrefix); ok {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Quantized reads back a layer written by AddQuantized.
func (f *File) Quantized(name string) (quant.QuantTensor, error) {
	rawParams, ok := f.Metadata[quantKeyPrefix+name]
	if !ok {
		return quant.QuantTensor{}, fmt.Errorf("%w: no quantization params for %s", ErrNotFound, name)
	}
	var p quant.Params
	if err := json.Unmarshal([]byte(rawParams), &p); err != nil {
		return quant.QuantTensor{}, fmt.Errorf("%w: params of %s: %w", ErrCorruptFile, name, err)
	}
	if err := p.Validate(); err != nil {
		return quant.QuantTensor{}, fmt.Errorf("%s: %w", name, err)
	}
	values, info, err := f.Int8(name + ".weight")
	if err != nil {
		return quant.QuantTensor{}, err
	}
	return quant.QuantTensor{Shape: info.Shape, Params: p, Data: values}, nil
}
