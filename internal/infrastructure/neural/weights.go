// Package neural provides the MAML-PPO optimization engine: weight sets,
// policies, the PPO loss, inner adaptation and meta-gradient accumulation.
package neural

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Initializer produces the initial values of a rows x cols parameter.
type Initializer func(rng *rand.Rand, rows, cols int) []float64

// GlorotUniform draws from U(-s, s) with s = gain*sqrt(6/(rows+cols)).
func GlorotUniform(gain float64) Initializer {
	return func(rng *rand.Rand, rows, cols int) []float64 {
		limit := gain * math.Sqrt(6.0/float64(rows+cols))
		out := make([]float64, rows*cols)
		for i := range out {
			out[i] = (rng.Float64()*2 - 1) * limit
		}
		return out
	}
}

// ConstantInit fills the parameter with v.
func ConstantInit(v float64) Initializer {
	return func(_ *rand.Rand, rows, cols int) []float64 {
		out := make([]float64, rows*cols)
		for i := range out {
			out[i] = v
		}
		return out
	}
}

// ParamSpec declares one named parameter of a policy.
type ParamSpec struct {
	Name string
	Rows int
	Cols int
	Init Initializer
}

// Params is one weight set: a mapping from parameter name to tensor.
// Tensors are immutable, so a Params value is never updated in place; a
// gradient step produces a new Params.
type Params map[string]*autodiff.Tensor

// Keys returns the parameter names in sorted order.
func (p Params) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tensors returns the tensors of keys, in order.
func (p Params) Tensors(keys []string) []*autodiff.Tensor {
	out := make([]*autodiff.Tensor, len(keys))
	for i, k := range keys {
		out[i] = p[k]
	}
	return out
}

// Detach returns a copy of the set cut from any graph.
func (p Params) Detach() Params {
	out := make(Params, len(p))
	for k, t := range p {
		out[k] = autodiff.Detach(t)
	}
	return out
}

// Variables returns fresh leaf variables holding the current values.
func (p Params) Variables() Params {
	out := make(Params, len(p))
	for k, t := range p {
		out[k] = autodiff.Variable(t.Rows(), t.Cols(), t.Data())
	}
	return out
}

// Values returns a copy of every parameter's data.
func (p Params) Values() map[string][]float64 {
	out := make(map[string][]float64, len(p))
	for k, t := range p {
		out[k] = t.Values()
	}
	return out
}

// CheckSameStructure verifies that both sets have the same keys and shapes.
func CheckSameStructure(a, b Params) error {
	if len(a) != len(b) {
		return fmt.Errorf("%d vs %d parameters: %w", len(a), len(b), shared.ErrKeySetMismatch)
	}
	for k, ta := range a {
		tb, ok := b[k]
		if !ok {
			return fmt.Errorf("parameter %q missing: %w", k, shared.ErrKeySetMismatch)
		}
		if !ta.SameShape(tb) {
			return fmt.Errorf("parameter %q is %dx%d vs %dx%d: %w", k, ta.Rows(), ta.Cols(), tb.Rows(), tb.Cols(), shared.ErrKeySetMismatch)
		}
	}
	return nil
}

// TensorState is the serializable form of one parameter.
type TensorState struct {
	Rows int       `json:"rows"`
	Cols int       `json:"cols"`
	Data []float64 `json:"data"`
}

// WeightStore owns the slow and act weight sets and the gradient pile.
//
// Slow weights change only through ApplyMetaStep. Act weights change through
// SyncActFromSlow and AssignAct. Every method holds the store lock for its
// whole duration, so no reader observes a half-updated set.
type WeightStore struct {
	mu    sync.RWMutex
	specs []ParamSpec
	keys  []string

	slow Params
	act  Params

	pile      map[string][]float64
	pileTasks int
}

// NewWeightStore initializes two structurally identical, independently drawn
// weight sets and a zero gradient pile.
func NewWeightStore(specs []ParamSpec, rng *rand.Rand) (*WeightStore, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("no parameters declared: %w", shared.ErrInvalidConfig)
	}

	s := &WeightStore{
		specs: specs,
		slow:  make(Params, len(specs)),
		act:   make(Params, len(specs)),
		pile:  make(map[string][]float64, len(specs)),
	}

	for _, spec := range specs {
		if _, dup := s.slow[spec.Name]; dup {
			return nil, fmt.Errorf("parameter %q declared twice: %w", spec.Name, shared.ErrKeySetMismatch)
		}
		if spec.Rows <= 0 || spec.Cols <= 0 {
			return nil, fmt.Errorf("parameter %q has shape %dx%d: %w", spec.Name, spec.Rows, spec.Cols, shared.ErrShapeMismatch)
		}
		init := spec.Init
		if init == nil {
			init = ConstantInit(0)
		}
		s.slow[spec.Name] = autodiff.New(spec.Rows, spec.Cols, init(rng, spec.Rows, spec.Cols))
		s.act[spec.Name] = autodiff.New(spec.Rows, spec.Cols, init(rng, spec.Rows, spec.Cols))
		s.pile[spec.Name] = make([]float64, spec.Rows*spec.Cols)
	}
	s.keys = s.slow.Keys()

	return s, nil
}

// Keys returns the parameter names in sorted order.
func (s *WeightStore) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

// Specs returns the parameter declarations.
func (s *WeightStore) Specs() []ParamSpec {
	return s.specs
}

// Slow returns the slow weights as constants.
func (s *WeightStore) Slow() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyParams(s.slow)
}

// Act returns the act weights as constants.
func (s *WeightStore) Act() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyParams(s.act)
}

// SlowVariables returns fresh leaf variables holding the slow values, the
// roots of a differentiation graph.
func (s *WeightStore) SlowVariables() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.slow.Variables()
}

// SyncActFromSlow copies every slow value into act.
func (s *WeightStore) SyncActFromSlow() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.act = s.slow.Detach()
}

// AssignAct overwrites act with the values of fast.
func (s *WeightStore) AssignAct(fast Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := CheckSameStructure(s.slow, fast); err != nil {
		return fmt.Errorf("failed to assign act weights: %w", err)
	}
	s.act = fast.Detach()
	return nil
}

// AddToPile adds one task's meta-gradient into the pile.
func (s *WeightStore) AddToPile(grads Params) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := CheckSameStructure(s.slow, grads); err != nil {
		return fmt.Errorf("failed to accumulate meta-gradient: %w", err)
	}
	for k, g := range grads {
		acc := s.pile[k]
		for i, v := range g.Data() {
			acc[i] += v
		}
	}
	s.pileTasks++
	return nil
}

// Pile returns a copy of the accumulated gradients.
func (s *WeightStore) Pile() map[string][]float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyValues(s.pile)
}

// PileTasks is the number of task gradients accumulated since the last apply.
func (s *WeightStore) PileTasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pileTasks
}

// MetaStepFunc updates slow values in place from the pile.
type MetaStepFunc func(slow, pile map[string][]float64) error

// ApplyMetaStep runs step on copies of the slow values and the pile, installs
// the result as the new slow weights, resynchronizes act and zeroes the pile.
// It fails with shared.ErrEmptyMetaBatch when no task has been accumulated.
func (s *WeightStore) ApplyMetaStep(step MetaStepFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pileTasks == 0 {
		return shared.ErrEmptyMetaBatch
	}

	values := s.slow.Values()
	if err := step(values, copyValues(s.pile)); err != nil {
		return err
	}

	next := make(Params, len(values))
	for k, v := range values {
		t := s.slow[k]
		next[k] = autodiff.New(t.Rows(), t.Cols(), v)
	}
	s.slow = next
	s.act = next.Detach()

	for _, acc := range s.pile {
		for i := range acc {
			acc[i] = 0
		}
	}
	s.pileTasks = 0
	return nil
}

// Snapshot returns the serializable slow and act sets.
func (s *WeightStore) Snapshot() (slow, act map[string]TensorState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return toStates(s.slow), toStates(s.act)
}

// Restore replaces the slow and act sets. Both must match the declared
// structure. The pile is zeroed.
func (s *WeightStore) Restore(slow, act map[string]TensorState) error {
	slowParams, err := fromStates(slow)
	if err != nil {
		return err
	}
	actParams, err := fromStates(act)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := CheckSameStructure(s.slow, slowParams); err != nil {
		return fmt.Errorf("failed to restore slow weights: %w", err)
	}
	if err := CheckSameStructure(s.slow, actParams); err != nil {
		return fmt.Errorf("failed to restore act weights: %w", err)
	}
	s.slow = slowParams
	s.act = actParams
	for _, acc := range s.pile {
		for i := range acc {
			acc[i] = 0
		}
	}
	s.pileTasks = 0
	return nil
}

func copyParams(p Params) Params {
	out := make(Params, len(p))
	for k, t := range p {
		out[k] = t
	}
	return out
}

func copyValues(m map[string][]float64) map[string][]float64 {
	out := make(map[string][]float64, len(m))
	for k, v := range m {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

func toStates(p Params) map[string]TensorState {
	out := make(map[string]TensorState, len(p))
	for k, t := range p {
		out[k] = TensorState{Rows: t.Rows(), Cols: t.Cols(), Data: t.Values()}
	}
	return out
}

func fromStates(states map[string]TensorState) (Params, error) {
	out := make(Params, len(states))
	for k, st := range states {
		if st.Rows*st.Cols != len(st.Data) {
			return nil, fmt.Errorf("parameter %q: %dx%d with %d values: %w", k, st.Rows, st.Cols, len(st.Data), shared.ErrShapeMismatch)
		}
		out[k] = autodiff.New(st.Rows, st.Cols, append([]float64(nil), st.Data...))
	}
	return out, nil
}
