// Package autodiff provides a small reverse-mode automatic differentiation tape
// over dense float64 matrices.
//
// Every backward rule is written in terms of the same differentiable operations
// as the forward pass, so a gradient returned with CreateGraph set is itself a
// node of the graph and can be differentiated again. The MAML meta-gradient
// relies on this: it differentiates through gradient-descent steps.
package autodiff

import (
	"fmt"
	"math"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// backwardFunc maps the upstream gradient of a node to the gradients of its
// parents, in parent order. A nil entry means "no contribution".
type backwardFunc func(g *Tensor) []*Tensor

// Tensor is a dense row-major matrix. Scalars are 1x1, columns are nx1.
//
// Tensors are immutable once built. Data exposes the backing slice for reading
// only.
type Tensor struct {
	rows, cols int
	data       []float64

	requiresGrad bool
	op           string
	parents      []*Tensor
	backward     backwardFunc
}

// New wraps data as a constant rows x cols tensor. The slice is not copied.
func New(rows, cols int, data []float64) *Tensor {
	if rows < 0 || cols < 0 || len(data) != rows*cols {
		panic(fmt.Sprintf("autodiff: new %dx%d from %d values: %v", rows, cols, len(data), shared.ErrShapeMismatch))
	}
	return &Tensor{rows: rows, cols: cols, data: data, op: "const"}
}

// Variable creates a leaf tensor that gradients can be taken with respect to.
// The data is copied.
func Variable(rows, cols int, data []float64) *Tensor {
	cp := make([]float64, len(data))
	copy(cp, data)
	t := New(rows, cols, cp)
	t.requiresGrad = true
	t.op = "var"
	return t
}

// Scalar returns a constant 1x1 tensor.
func Scalar(v float64) *Tensor {
	return New(1, 1, []float64{v})
}

// Zeros returns a constant tensor filled with zeros.
func Zeros(rows, cols int) *Tensor {
	return New(rows, cols, make([]float64, rows*cols))
}

// Full returns a constant tensor filled with v.
func Full(rows, cols int, v float64) *Tensor {
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return New(rows, cols, data)
}

// Column returns a constant n x 1 tensor holding a copy of values.
func Column(values []float64) *Tensor {
	cp := make([]float64, len(values))
	copy(cp, values)
	return New(len(values), 1, cp)
}

// FromRows builds a constant tensor from equally sized rows.
func FromRows(rows [][]float64) (*Tensor, error) {
	if len(rows) == 0 {
		return New(0, 0, nil), nil
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, r := range rows {
		if len(r) != cols {
			return nil, fmt.Errorf("row %d has %d values, expected %d: %w", i, len(r), cols, shared.ErrShapeMismatch)
		}
		data = append(data, r...)
	}
	return New(len(rows), cols, data), nil
}

// Rows returns the number of rows.
func (t *Tensor) Rows() int { return t.rows }

// Cols returns the number of columns.
func (t *Tensor) Cols() int { return t.cols }

// Len returns rows*cols.
func (t *Tensor) Len() int { return len(t.data) }

// Data returns the backing slice. Callers must not modify it.
func (t *Tensor) Data() []float64 { return t.data }

// At returns the element at (i, j).
func (t *Tensor) At(i, j int) float64 { return t.data[i*t.cols+j] }

// Item returns the value of a 1x1 tensor.
func (t *Tensor) Item() float64 {
	if len(t.data) != 1 {
		panic(fmt.Sprintf("autodiff: item of %dx%d tensor: %v", t.rows, t.cols, shared.ErrShapeMismatch))
	}
	return t.data[0]
}

// Row returns a copy of row i.
func (t *Tensor) Row(i int) []float64 {
	out := make([]float64, t.cols)
	copy(out, t.data[i*t.cols:(i+1)*t.cols])
	return out
}

// Values returns a copy of the data.
func (t *Tensor) Values() []float64 {
	out := make([]float64, len(t.data))
	copy(out, t.data)
	return out
}

// RequiresGrad reports whether the tensor is connected to a variable.
func (t *Tensor) RequiresGrad() bool { return t.requiresGrad }

// Op returns the name of the operation that produced the tensor.
func (t *Tensor) Op() string { return t.op }

// SameShape reports whether both tensors have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.rows == o.rows && t.cols == o.cols
}

// IsFinite reports whether every element is neither NaN nor infinite.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s %dx%d %v)", t.op, t.rows, t.cols, t.data)
}

// newOp records the result of an operation. The node only keeps its parents
// and backward rule when at least one parent requires a gradient.
func newOp(op string, rows, cols int, data []float64, backward backwardFunc, parents ...*Tensor) *Tensor {
	t := &Tensor{rows: rows, cols: cols, data: data, op: op}
	for _, p := range parents {
		if p.requiresGrad {
			t.requiresGrad = true
			break
		}
	}
	if t.requiresGrad {
		t.parents = parents
		t.backward = backward
	}
	return t
}

func mustSameShape(op string, a, b *Tensor) {
	if !a.SameShape(b) {
		panic(fmt.Sprintf("autodiff: %s %dx%d vs %dx%d: %v", op, a.rows, a.cols, b.rows, b.cols, shared.ErrShapeMismatch))
	}
}
