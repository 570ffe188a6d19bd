package autodiff

import (
	"fmt"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// GradOptions controls gradient computation.
type GradOptions struct {
	// CreateGraph keeps the returned gradients attached to the graph so they
	// can be differentiated again. Without it the gradients are detached.
	CreateGraph bool
}

// Grad returns dy/dx for every x in xs. y must be a scalar. Inputs that y does
// not depend on receive a zero gradient of their own shape.
func Grad(y *Tensor, xs []*Tensor, opts GradOptions) ([]*Tensor, error) {
	if y.Len() != 1 {
		return nil, fmt.Errorf("gradient of %dx%d output: %w", y.rows, y.cols, shared.ErrShapeMismatch)
	}

	grads := make(map[*Tensor]*Tensor)
	if y.requiresGrad {
		grads[y] = Full(1, 1, 1)
		order := topoSort(y)
		for i := len(order) - 1; i >= 0; i-- {
			node := order[i]
			g, ok := grads[node]
			if !ok || node.backward == nil {
				continue
			}
			parentGrads := node.backward(g)
			for j, p := range node.parents {
				if !p.requiresGrad || parentGrads[j] == nil {
					continue
				}
				if acc, ok := grads[p]; ok {
					grads[p] = Add(acc, parentGrads[j])
				} else {
					grads[p] = parentGrads[j]
				}
			}
		}
	}

	out := make([]*Tensor, len(xs))
	for i, x := range xs {
		g, ok := grads[x]
		switch {
		case !ok:
			out[i] = Zeros(x.rows, x.cols)
		case opts.CreateGraph:
			out[i] = g
		default:
			out[i] = Detach(g)
		}
	}
	return out, nil
}

// topoSort orders the nodes reachable from root that require a gradient so
// that every node appears after its parents.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if !t.requiresGrad || visited[t] {
			return
		}
		visited[t] = true
		for _, p := range t.parents {
			visit(p)
		}
		order = append(order, t)
	}
	visit(root)

	return order
}
