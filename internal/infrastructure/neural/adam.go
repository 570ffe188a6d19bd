package neural

import (
	"fmt"
	"math"
	"sync"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// AdamState is the serializable optimizer state.
type AdamState struct {
	Beta1   float64              `json:"beta1"`
	Beta2   float64              `json:"beta2"`
	Epsilon float64              `json:"epsilon"`
	Step    int                  `json:"step"`
	M       map[string][]float64 `json:"m"`
	V       map[string][]float64 `json:"v"`
}

// Adam is the meta optimizer. Moments are created lazily per parameter and
// persist across calls.
type Adam struct {
	mu      sync.Mutex
	beta1   float64
	beta2   float64
	epsilon float64
	step    int
	m       map[string][]float64
	v       map[string][]float64
}

// NewAdam creates an optimizer with beta1 0.9, beta2 0.999 and epsilon 1e-5.
func NewAdam() *Adam {
	return &Adam{
		beta1:   0.9,
		beta2:   0.999,
		epsilon: 1e-5,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
	}
}

// Step returns the number of updates applied so far.
func (a *Adam) Step() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.step
}

// Apply updates params in place from grads with learning rate lr, using the
// bias-corrected step size lr*sqrt(1-beta2^t)/(1-beta1^t).
func (a *Adam) Apply(params, grads map[string][]float64, lr float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for k, p := range params {
		g, ok := grads[k]
		if !ok || len(g) != len(p) {
			return fmt.Errorf("gradient for %q has %d values, parameter %d: %w", k, len(g), len(p), shared.ErrShapeMismatch)
		}
	}

	a.step++
	t := float64(a.step)
	lrT := lr * math.Sqrt(1-math.Pow(a.beta2, t)) / (1 - math.Pow(a.beta1, t))

	for k, p := range params {
		g := grads[k]
		m, v := a.m[k], a.v[k]
		if len(m) != len(p) {
			m = make([]float64, len(p))
			v = make([]float64, len(p))
			a.m[k], a.v[k] = m, v
		}
		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			p[i] -= lrT * m[i] / (math.Sqrt(v[i]) + a.epsilon)
		}
	}
	return nil
}

// State returns a copy of the optimizer state.
func (a *Adam) State() AdamState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AdamState{
		Beta1:   a.beta1,
		Beta2:   a.beta2,
		Epsilon: a.epsilon,
		Step:    a.step,
		M:       copyValues(a.m),
		V:       copyValues(a.v),
	}
}

// Restore replaces the optimizer state.
func (a *Adam) Restore(s AdamState) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s.Beta1 > 0 {
		a.beta1 = s.Beta1
	}
	if s.Beta2 > 0 {
		a.beta2 = s.Beta2
	}
	if s.Epsilon > 0 {
		a.epsilon = s.Epsilon
	}
	a.step = s.Step
	a.m = copyValues(s.M)
	a.v = copyValues(s.V)
}

// ClipByGlobalNorm rescales grads in place so that their joint L2 norm is at
// most maxNorm. It returns the norm before clipping.
func ClipByGlobalNorm(grads map[string][]float64, maxNorm float64) float64 {
	var sq float64
	for _, g := range grads {
		for _, v := range g {
			sq += v * v
		}
	}
	norm := math.Sqrt(sq)
	if maxNorm > 0 && norm > maxNorm {
		scale := maxNorm / norm
		for _, g := range grads {
			for i := range g {
				g[i] *= scale
			}
		}
	}
	return norm
}
