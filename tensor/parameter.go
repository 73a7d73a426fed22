package tensor

import "fmt"

// Parameter is a named trainable tensor together with its gradient buffer.
// The model owns the Data slice; optimizers, the gradient scaler and the EMA
// shadow mutate it in place.
type Parameter struct {
	Name   string
	Shape  []int
	Data   []float32
	Grad   []float32
	Frozen bool // excluded from optimization and EMA
}

// NewParameter allocates a zero-initialized parameter with a matching
// gradient buffer
func NewParameter(name string, shape ...int) *Parameter {
	n := calculateNumElements(shape)
	return &Parameter{
		Name:  name,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, n),
		Grad:  make([]float32, n),
	}
}

func (p *Parameter) String() string {
	return fmt.Sprintf("Parameter(%s, shape=%v)", p.Name, p.Shape)
}

// Numel returns the number of elements
func (p *Parameter) Numel() int {
	return len(p.Data)
}

// ZeroGrad clears the gradient buffer, allocating it on first use
func (p *Parameter) ZeroGrad() {
	if len(p.Grad) != len(p.Data) {
		p.Grad = make([]float32, len(p.Data))
		return
	}
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// Trainable filters out frozen parameters
func Trainable(params []*Parameter) []*Parameter {
	out := make([]*Parameter, 0, len(params))
	for _, p := range params {
		if !p.Frozen {
			out = append(out, p)
		}
	}
	return out
}

// CountElements sums the element count of all trainable parameters
func CountElements(params []*Parameter) int {
	total := 0
	for _, p := range params {
		if !p.Frozen {
			total += len(p.Data)
		}
	}
	return total
}
