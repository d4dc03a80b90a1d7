package tensor

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"
)

// F16 is a row-major half-precision tensor, the on-disk storage format
// for attention maps.
type F16 struct {
	Shape []int
	Data  []float16.Float16
}

// ToF16 converts a float32 tensor to half precision (IEEE 754 binary16,
// round to nearest even).
func (t *Dense) ToF16() *F16 {
	out := &F16{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float16.Float16, len(t.Data)),
	}
	for i, v := range t.Data {
		out.Data[i] = float16.Fromfloat32(v)
	}
	return out
}

// NewF16 allocates a zeroed half-precision tensor.
func NewF16(shape ...int) *F16 {
	out := &F16{Shape: append([]int(nil), shape...)}
	out.Data = make([]float16.Float16, out.NumElems())
	return out
}

// ToDense widens back to float32.
func (f *F16) ToDense() *Dense {
	out := New(f.Shape...)
	for i, v := range f.Data {
		out.Data[i] = v.Float32()
	}
	return out
}

// NumElems returns the total element count.
func (f *F16) NumElems() int {
	n := 1
	for _, d := range f.Shape {
		n *= d
	}
	return n
}

// Bytes serializes the values little-endian, row-major, with no header.
// len(result) is always exactly 2*NumElems.
func (f *F16) Bytes() []byte {
	buf := make([]byte, 2*len(f.Data))
	for i, v := range f.Data {
		binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

// F16FromBytes decodes a headerless little-endian blob into a tensor of
// the given shape. The blob length must be exactly 2*product(shape).
func F16FromBytes(raw []byte, shape ...int) (*F16, error) {
	out := &F16{Shape: append([]int(nil), shape...)}
	n := out.NumElems()
	if len(raw) != 2*n {
		return nil, fmt.Errorf("blob is %d bytes, shape %v needs %d", len(raw), shape, 2*n)
	}
	out.Data = make([]float16.Float16, n)
	for i := range out.Data {
		out.Data[i] = float16.Float16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return out, nil
}
