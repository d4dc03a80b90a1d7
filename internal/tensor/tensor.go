// Package tensor provides the small dense-tensor toolkit used by the
// attention capture path: row-major float32 storage, float16 storage
// buffers, and the two spatial resampling kernels the recorder needs.
package tensor

import (
	"fmt"
)

// Dense is a row-major float32 tensor.
type Dense struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape.
func New(shape ...int) *Dense {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return &Dense{Shape: append([]int(nil), shape...), Data: make([]float32, n)}
}

// FromSlice wraps existing data. The length must match the shape product.
func FromSlice(data []float32, shape ...int) (*Dense, error) {
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return nil, fmt.Errorf("invalid dimension %d in shape %v", d, shape)
		}
		n *= d
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Dense{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Rank returns the number of dimensions.
func (t *Dense) Rank() int { return len(t.Shape) }

// NumElems returns the total element count.
func (t *Dense) NumElems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Dim returns the size of axis i.
func (t *Dense) Dim(i int) int { return t.Shape[i] }

// Clone returns a deep copy.
func (t *Dense) Clone() *Dense {
	out := New(t.Shape...)
	copy(out.Data, t.Data)
	return out
}

// Flat returns the backing data flattened to one dimension.
func (t *Dense) Flat() []float32 { return t.Data }
