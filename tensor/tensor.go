package tensor

import (
	"fmt"
)

// Tensor is a dense, row-major float32 array. Dimension 0 is the batch
// dimension for every operation that concatenates or splits tensors.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor with the given shape
func New(shape ...int) (Tensor, error) {
	if err := validateShape(shape); err != nil {
		return Tensor{}, err
	}
	return Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, calculateNumElements(shape)),
	}, nil
}

// FromData wraps data with a shape. The slice is not copied.
func FromData(data []float32, shape ...int) (Tensor, error) {
	if err := validateShape(shape); err != nil {
		return Tensor{}, err
	}
	if n := calculateNumElements(shape); n != len(data) {
		return Tensor{}, fmt.Errorf("shape %v needs %d elements, got %d", shape, n, len(data))
	}
	return Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

func (t Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// Numel returns the number of elements
func (t Tensor) Numel() int {
	return len(t.Data)
}

// Rows returns the size of dimension 0
func (t Tensor) Rows() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[0]
}

// RowSize returns the number of elements in one slice along dimension 0
func (t Tensor) RowSize() int {
	if len(t.Shape) <= 1 {
		return 1
	}
	return calculateNumElements(t.Shape[1:])
}

// Row returns the i-th slice along dimension 0 without copying
func (t Tensor) Row(i int) []float32 {
	n := t.RowSize()
	return t.Data[i*n : (i+1)*n]
}

// Clone returns a deep copy
func (t Tensor) Clone() Tensor {
	return Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]float32(nil), t.Data...),
	}
}

// Concat joins tensors along dimension 0. Trailing dimensions must agree.
func Concat(parts ...Tensor) (Tensor, error) {
	if len(parts) == 0 {
		return Tensor{}, fmt.Errorf("concat needs at least one tensor")
	}
	trailing := parts[0].Shape
	if len(trailing) == 0 {
		return Tensor{}, fmt.Errorf("cannot concat scalar tensors")
	}
	rows := 0
	total := 0
	for i, p := range parts {
		if len(p.Shape) == 0 || !shapesEqual(p.Shape[1:], trailing[1:]) {
			return Tensor{}, fmt.Errorf("concat shape mismatch at part %d: %v vs %v", i, p.Shape, trailing)
		}
		rows += p.Shape[0]
		total += len(p.Data)
	}

	out := Tensor{
		Shape: append([]int{rows}, trailing[1:]...),
		Data:  make([]float32, 0, total),
	}
	for _, p := range parts {
		out.Data = append(out.Data, p.Data...)
	}
	return out, nil
}

// ShapesEqual reports whether two shapes are identical
func ShapesEqual(a, b []int) bool {
	return shapesEqual(a, b)
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension required")
	}
	for i, dim := range shape {
		if dim < 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must not be negative", i, dim)
		}
	}
	return nil
}
