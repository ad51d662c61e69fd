// Package safetensors reads float weights and calibration inputs from
// safetensors files and writes calibrated int8 weights back out.
package safetensors

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/d4l3k/go-bfloat16"
	"github.com/goccy/go-json"
	"github.com/x448/float16"
	"golang.org/x/sys/unix"

	"github.com/samcharles93/adaround/internal/tensor"
)

var (
	ErrNotFound         = errors.New("safetensors: tensor not found")
	ErrUnsupportedDType = errors.New("safetensors: unsupported dtype")
	ErrCorruptFile      = errors.New("safetensors: corrupt file")
)

// maxHeaderLen bounds the JSON header so a bad length prefix cannot trigger a
// huge allocation.
const maxHeaderLen = 100 << 20

const metadataKey = "__metadata__"

type TensorInfo struct {
	DType DType
	Shape []int
	Start int64
	End   int64
}

type tensorHeader struct {
	DType       DType   `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// File is an open safetensors file. Tensor data is memory-mapped when the
// platform allows it and read into memory otherwise.
type File struct {
	Path     string
	Tensors  map[string]TensorInfo
	Metadata map[string]string

	data    []byte // tensor data section
	raw     []byte // whole file
	mmapped bool
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size64 := stat.Size()
	if size64 < 8 || size64 > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%w: %s has size %d", ErrCorruptFile, path, size64)
	}
	size := int(size64)

	raw, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	mmapped := err == nil
	if !mmapped {
		raw = make([]byte, size)
		if _, err := f.ReadAt(raw, 0); err != nil {
			return nil, err
		}
	}

	sf, err := parse(path, raw)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(raw)
		}
		return nil, err
	}
	sf.mmapped = mmapped
	return sf, nil
}

func parse(path string, raw []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(raw[:8])
	if headerLen > maxHeaderLen || headerLen > uint64(len(raw)-8) {
		return nil, fmt.Errorf("%w: header length %d", ErrCorruptFile, headerLen)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %w", ErrCorruptFile, err)
	}

	sf := &File{
		Path:    path,
		Tensors: make(map[string]TensorInfo, len(header)),
		raw:     raw,
		data:    raw[8+headerLen:],
	}
	if meta, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(meta, &sf.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata: %w", ErrCorruptFile, err)
		}
		delete(header, metadataKey)
	}
	for name, msg := range header {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: tensor %s: %w", ErrCorruptFile, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: tensor %s: invalid data_offsets", ErrCorruptFile, name)
		}
		info := TensorInfo{DType: th.DType, Shape: th.Shape, Start: th.DataOffsets[0], End: th.DataOffsets[1]}
		if info.Start < 0 || info.End < info.Start || info.End > int64(len(sf.data)) {
			return nil, fmt.Errorf("%w: tensor %s: offsets [%d, %d) outside data of %d bytes",
				ErrCorruptFile, name, info.Start, info.End, len(sf.data))
		}
		sf.Tensors[name] = info
	}
	return sf, nil
}

// Close releases the mapping. Slices returned by Raw are invalid afterwards.
func (f *File) Close() error {
	if f == nil || f.raw == nil {
		return nil
	}
	var err error
	if f.mmapped {
		err = unix.Munmap(f.raw)
	}
	f.raw, f.data, f.mmapped = nil, nil, false
	return err
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for n := range f.Tensors {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Raw returns the bytes of the named tensor without copying.
func (f *File) Raw(name string) ([]byte, TensorInfo, error) {
	t, ok := f.Tensors[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.data[t.Start:t.End], t, nil
}

// Float reads the named tensor as float64, widening from any float dtype.
func (f *File) Float(name string) (tensor.Tensor, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return tensor.Tensor{}, err
	}
	n := tensor.Numel(info.Shape)
	size, err := info.DType.Size()
	if err != nil {
		return tensor.Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	if len(raw) != n*size {
		return tensor.Tensor{}, fmt.Errorf("%w: tensor %s has %d bytes, want %d", ErrCorruptFile, name, len(raw), n*size)
	}

	out := make([]float64, n)
	switch info.DType {
	case F64:
		for i := range out {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case F32:
		for i := range out {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case F16:
		for i := range out {
			out[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32())
		}
	case BF16:
		for i, v := range bfloat16.DecodeFloat32(raw) {
			out[i] = float64(v)
		}
	case I8:
		for i, b := range raw {
			out[i] = float64(int8(b))
		}
	default:
		return tensor.Tensor{}, fmt.Errorf("%w: %s for float read of %s", ErrUnsupportedDType, info.DType, name)
	}
	return tensor.FromData(out, info.Shape...), nil
}

// Int8 returns a copy of an I8 tensor's values.
func (f *File) Int8(name string) ([]int8, TensorInfo, error) {
	raw, info, err := f.Raw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if info.DType != I8 {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s is %s, want I8", ErrUnsupportedDType, name, info.DType)
	}
	out := make([]int8, len(raw))
	for i, b := range raw {
		out[i] = int8(b)
	}
	return out, info, nil
}
