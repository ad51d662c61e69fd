package safetensors

import "fmt"

// DType is a safetensors element type name.
type DType string

const (
	F64  DType = "F64"
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
	I8   DType = "I8"
)

// Size returns the element size in bytes.
func (d DType) Size() (int, error) {
	switch d {
	case F64:
		return 8, nil
	case F32:
		return 4, nil
	case F16, BF16:
		return 2, nil
	case I8:
		return 1, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, string(d))
	}
}
