package autodiff

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// ============================================================================
// Linear algebra
// ============================================================================

// MatMul returns a·b for a (n x k) and b (k x m).
func MatMul(a, b *Tensor) *Tensor {
	if a.cols != b.rows {
		panic(fmt.Sprintf("autodiff: matmul %dx%d by %dx%d: %v", a.rows, a.cols, b.rows, b.cols, shared.ErrShapeMismatch))
	}
	data := make([]float64, a.rows*b.cols)
	if a.rows > 0 && a.cols > 0 && b.cols > 0 {
		var out mat.Dense
		out.Mul(mat.NewDense(a.rows, a.cols, a.data), mat.NewDense(b.rows, b.cols, b.data))
		copy(data, out.RawMatrix().Data)
	}
	return newOp("matmul", a.rows, b.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{MatMul(g, Transpose(b)), MatMul(Transpose(a), g)}
	}, a, b)
}

// Transpose returns the transposed matrix.
func Transpose(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	for i := 0; i < a.rows; i++ {
		for j := 0; j < a.cols; j++ {
			data[j*a.rows+i] = a.data[i*a.cols+j]
		}
	}
	return newOp("transpose", a.cols, a.rows, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Transpose(g)}
	}, a)
}

// ============================================================================
// Elementwise arithmetic
// ============================================================================

// Add returns a+b.
func Add(a, b *Tensor) *Tensor {
	mustSameShape("add", a, b)
	data := make([]float64, len(a.data))
	floats.AddTo(data, a.data, b.data)
	return newOp("add", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{g, g}
	}, a, b)
}

// Sub returns a-b.
func Sub(a, b *Tensor) *Tensor {
	mustSameShape("sub", a, b)
	data := make([]float64, len(a.data))
	floats.SubTo(data, a.data, b.data)
	return newOp("sub", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{g, Neg(g)}
	}, a, b)
}

// Mul returns the elementwise product a*b.
func Mul(a, b *Tensor) *Tensor {
	mustSameShape("mul", a, b)
	data := make([]float64, len(a.data))
	floats.MulTo(data, a.data, b.data)
	return newOp("mul", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, b), Mul(g, a)}
	}, a, b)
}

// Div returns the elementwise quotient a/b.
func Div(a, b *Tensor) *Tensor {
	mustSameShape("div", a, b)
	data := make([]float64, len(a.data))
	floats.DivTo(data, a.data, b.data)
	var out *Tensor
	out = newOp("div", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		// d(a/b)/db = -(a/b)/b
		return []*Tensor{Div(g, b), Neg(Div(Mul(g, out), b))}
	}, a, b)
	return out
}

// Neg returns -a.
func Neg(a *Tensor) *Tensor {
	return Scale(a, -1)
}

// Scale returns c*a for a constant c.
func Scale(a *Tensor, c float64) *Tensor {
	data := make([]float64, len(a.data))
	floats.ScaleTo(data, c, a.data)
	return newOp("scale", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Scale(g, c)}
	}, a)
}

// AddScalar returns a+c for a constant c.
func AddScalar(a *Tensor, c float64) *Tensor {
	data := make([]float64, len(a.data))
	copy(data, a.data)
	floats.AddConst(c, data)
	return newOp("addscalar", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{g}
	}, a)
}

// ============================================================================
// Elementwise functions
// ============================================================================

// Exp returns e^a.
func Exp(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = math.Exp(v)
	}
	var out *Tensor
	out = newOp("exp", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, out)}
	}, a)
	return out
}

// Log returns the natural logarithm of a.
func Log(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = math.Log(v)
	}
	return newOp("log", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Div(g, a)}
	}, a)
}

// Tanh returns tanh(a).
func Tanh(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	for i, v := range a.data {
		data[i] = math.Tanh(v)
	}
	var out *Tensor
	out = newOp("tanh", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, AddScalar(Neg(Square(out)), 1))}
	}, a)
	return out
}

// Square returns a².
func Square(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	floats.MulTo(data, a.data, a.data)
	return newOp("square", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, Scale(a, 2))}
	}, a)
}

// Clip limits every element to [lo, hi]. The gradient passes through where
// the input lies inside the closed interval and is zero elsewhere.
func Clip(a *Tensor, lo, hi float64) *Tensor {
	data := make([]float64, len(a.data))
	mask := make([]float64, len(a.data))
	for i, v := range a.data {
		switch {
		case v < lo:
			data[i] = lo
		case v > hi:
			data[i] = hi
		default:
			data[i] = v
			mask[i] = 1
		}
	}
	m := New(a.rows, a.cols, mask)
	return newOp("clip", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, m)}
	}, a)
}

// Minimum returns the elementwise minimum. Ties route the gradient to a.
func Minimum(a, b *Tensor) *Tensor {
	return selectElementwise("minimum", a, b, func(x, y float64) bool { return x <= y })
}

// Maximum returns the elementwise maximum. Ties route the gradient to a.
func Maximum(a, b *Tensor) *Tensor {
	return selectElementwise("maximum", a, b, func(x, y float64) bool { return x >= y })
}

func selectElementwise(op string, a, b *Tensor, pickA func(x, y float64) bool) *Tensor {
	mustSameShape(op, a, b)
	data := make([]float64, len(a.data))
	maskA := make([]float64, len(a.data))
	maskB := make([]float64, len(a.data))
	for i := range a.data {
		if pickA(a.data[i], b.data[i]) {
			data[i] = a.data[i]
			maskA[i] = 1
		} else {
			data[i] = b.data[i]
			maskB[i] = 1
		}
	}
	ma, mb := New(a.rows, a.cols, maskA), New(a.rows, a.cols, maskB)
	return newOp(op, a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Mul(g, ma), Mul(g, mb)}
	}, a, b)
}

// Detach returns a constant copy of a, cut from the graph.
func Detach(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	copy(data, a.data)
	return New(a.rows, a.cols, data)
}

// ============================================================================
// Reductions and broadcasts
// ============================================================================

// Sum reduces every element into a 1x1 tensor.
func Sum(a *Tensor) *Tensor {
	rows, cols := a.rows, a.cols
	return newOp("sum", 1, 1, []float64{floats.Sum(a.data)}, func(g *Tensor) []*Tensor {
		return []*Tensor{Expand(g, rows, cols)}
	}, a)
}

// Mean averages every element into a 1x1 tensor.
func Mean(a *Tensor) *Tensor {
	if len(a.data) == 0 {
		return Scalar(0)
	}
	return Scale(Sum(a), 1/float64(len(a.data)))
}

// Expand broadcasts a 1x1 tensor to rows x cols.
func Expand(s *Tensor, rows, cols int) *Tensor {
	v := s.Item()
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = v
	}
	return newOp("expand", rows, cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Sum(g)}
	}, s)
}

// SumRows sums over rows, turning n x m into 1 x m.
func SumRows(a *Tensor) *Tensor {
	data := make([]float64, a.cols)
	for i := 0; i < a.rows; i++ {
		floats.Add(data, a.data[i*a.cols:(i+1)*a.cols])
	}
	n := a.rows
	return newOp("sumrows", 1, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{BroadcastRows(g, n)}
	}, a)
}

// BroadcastRows repeats a 1 x m row n times.
func BroadcastRows(a *Tensor, n int) *Tensor {
	if a.rows != 1 {
		panic(fmt.Sprintf("autodiff: broadcast rows of %dx%d: %v", a.rows, a.cols, shared.ErrShapeMismatch))
	}
	data := make([]float64, n*a.cols)
	for i := 0; i < n; i++ {
		copy(data[i*a.cols:], a.data)
	}
	return newOp("broadcastrows", n, a.cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{SumRows(g)}
	}, a)
}

// SumCols sums over columns, turning n x m into n x 1.
func SumCols(a *Tensor) *Tensor {
	data := make([]float64, a.rows)
	for i := 0; i < a.rows; i++ {
		data[i] = floats.Sum(a.data[i*a.cols : (i+1)*a.cols])
	}
	m := a.cols
	return newOp("sumcols", a.rows, 1, data, func(g *Tensor) []*Tensor {
		return []*Tensor{BroadcastCols(g, m)}
	}, a)
}

// BroadcastCols repeats an n x 1 column m times.
func BroadcastCols(a *Tensor, m int) *Tensor {
	if a.cols != 1 {
		panic(fmt.Sprintf("autodiff: broadcast cols of %dx%d: %v", a.rows, a.cols, shared.ErrShapeMismatch))
	}
	data := make([]float64, a.rows*m)
	for i := 0; i < a.rows; i++ {
		for j := 0; j < m; j++ {
			data[i*m+j] = a.data[i]
		}
	}
	return newOp("broadcastcols", a.rows, m, data, func(g *Tensor) []*Tensor {
		return []*Tensor{SumCols(g)}
	}, a)
}

// AddRow adds a 1 x m row to every row of a (the usual bias add).
func AddRow(a, row *Tensor) *Tensor {
	return Add(a, BroadcastRows(row, a.rows))
}

// ============================================================================
// Indexing and softmax
// ============================================================================

// LogSoftmax normalizes every row of a into log-probabilities.
func LogSoftmax(a *Tensor) *Tensor {
	data := make([]float64, len(a.data))
	for i := 0; i < a.rows; i++ {
		row := a.data[i*a.cols : (i+1)*a.cols]
		lse := logSumExp(row)
		for j, v := range row {
			data[i*a.cols+j] = v - lse
		}
	}
	cols := a.cols
	var out *Tensor
	out = newOp("logsoftmax", a.rows, a.cols, data, func(g *Tensor) []*Tensor {
		// g - softmax(a) * rowsum(g)
		return []*Tensor{Sub(g, Mul(Exp(out), BroadcastCols(SumCols(g), cols)))}
	}, a)
	return out
}

func logSumExp(row []float64) float64 {
	if len(row) == 0 {
		return math.Inf(-1)
	}
	maxVal := floats.Max(row)
	var sum float64
	for _, v := range row {
		sum += math.Exp(v - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Gather picks a[i, idx[i]] for every row, producing an n x 1 column.
func Gather(a *Tensor, idx []int) *Tensor {
	if len(idx) != a.rows {
		panic(fmt.Sprintf("autodiff: gather %d indices from %d rows: %v", len(idx), a.rows, shared.ErrShapeMismatch))
	}
	data := make([]float64, a.rows)
	for i, j := range idx {
		data[i] = a.data[i*a.cols+j]
	}
	cols := a.cols
	return newOp("gather", a.rows, 1, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Scatter(g, idx, cols)}
	}, a)
}

// Scatter places column entry i at position (i, idx[i]) of an n x cols zero
// matrix. It is the adjoint of Gather.
func Scatter(col *Tensor, idx []int, cols int) *Tensor {
	if col.cols != 1 || len(idx) != col.rows {
		panic(fmt.Sprintf("autodiff: scatter %dx%d with %d indices: %v", col.rows, col.cols, len(idx), shared.ErrShapeMismatch))
	}
	data := make([]float64, col.rows*cols)
	for i, j := range idx {
		data[i*cols+j] = col.data[i]
	}
	return newOp("scatter", col.rows, cols, data, func(g *Tensor) []*Tensor {
		return []*Tensor{Gather(g, idx)}
	}, col)
}
