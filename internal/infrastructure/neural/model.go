package neural

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
)

// ModelConfig configures a Model.
type ModelConfig struct {
	HiddenDims  []int         `json:"hiddenDims"`
	Adapter     AdapterConfig `json:"adapter"`
	MaxGradNorm float64       `json:"maxGradNorm"`
	Seed        int64         `json:"seed"`
	Logger      *slog.Logger  `json:"-"`
}

// ModelState is the persisted form of a model: both weight sets, the meta
// optimizer moments and the position of the model's generator.
type ModelState struct {
	Slow map[string]TensorState `json:"slow"`
	Act  map[string]TensorState `json:"act"`
	Adam AdamState              `json:"adam"`
	RNG  *RNGState              `json:"rng,omitempty"`
}

// RNGState locates a generator in its stream: the seed and the number of
// values drawn since seeding.
type RNGState struct {
	Seed  int64  `json:"seed"`
	Draws uint64 `json:"draws"`
}

// countingSource is a seeded source that counts its draws, so that a
// generator can be rebuilt at the same position.
type countingSource struct {
	seed  int64
	draws uint64
	src   rand.Source64
}

func newCountingSource(seed int64) *countingSource {
	return &countingSource{seed: seed, src: rand.NewSource(seed).(rand.Source64)}
}

func (s *countingSource) Int63() int64 {
	s.draws++
	return s.src.Int63()
}

func (s *countingSource) Uint64() uint64 {
	s.draws++
	return s.src.Uint64()
}

func (s *countingSource) Seed(seed int64) {
	s.seed = seed
	s.draws = 0
	s.src.Seed(seed)
}

// seek reseeds and skips ahead to st.
func (s *countingSource) seek(st RNGState) {
	s.Seed(st.Seed)
	for s.draws < st.Draws {
		s.src.Uint64()
		s.draws++
	}
}

// Model owns the policy, the weight store, the inner adapter and the meta
// learner of one meta-learning run.
type Model struct {
	mu        sync.Mutex
	policy    Policy
	store     *WeightStore
	adapter   *InnerAdapter
	meta      *MetaLearner
	optimizer *Adam
	source    *countingSource
	rng       *rand.Rand
	obSpace   domainNeural.Space
	acSpace   domainNeural.Space
}

// NewModel builds a model for the given spaces. A nil constructor uses
// NewMLPPolicy.
func NewModel(ctor PolicyConstructor, obSpace, acSpace domainNeural.Space, config ModelConfig) (*Model, error) {
	if ctor == nil {
		ctor = NewMLPPolicy
	}
	policy, err := ctor(obSpace, acSpace, config.HiddenDims)
	if err != nil {
		return nil, fmt.Errorf("failed to build policy: %w", err)
	}
	source := newCountingSource(config.Seed)
	rng := rand.New(source)
	store, err := NewWeightStore(policy.ParamSpecs(), rng)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize weights: %w", err)
	}
	adapter := NewInnerAdapter(policy, store, config.Adapter)
	optimizer := NewAdam()
	return &Model{
		policy:    policy,
		store:     store,
		adapter:   adapter,
		meta:      NewMetaLearner(adapter, store, optimizer, config.MaxGradNorm, config.Logger),
		optimizer: optimizer,
		source:    source,
		rng:       rng,
		obSpace:   obSpace,
		acSpace:   acSpace,
	}, nil
}

// Policy returns the policy function.
func (m *Model) Policy() Policy { return m.policy }

// Store returns the weight store.
func (m *Model) Store() *WeightStore { return m.store }

// Adapter returns the inner adapter.
func (m *Model) Adapter() *InnerAdapter { return m.adapter }

// Optimizer returns the meta optimizer.
func (m *Model) Optimizer() *Adam { return m.optimizer }

// ObservationSpace returns the observation space the model was built for.
func (m *Model) ObservationSpace() domainNeural.Space { return m.obSpace }

// ActionSpace returns the action space the model was built for.
func (m *Model) ActionSpace() domainNeural.Space { return m.acSpace }

// NextSeed draws a seed from the model's generator, used to order the
// mini-batches of a fresh trajectory.
func (m *Model) NextSeed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Int63()
}

// Act samples actions for a batch of observations with the act weights.
func (m *Model) Act(obs [][]float64) (ActResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forward(obs, ModeSample, m.rng)
}

// ActDeterministic returns the most likely actions under the act weights.
func (m *Model) ActDeterministic(obs [][]float64) (ActResult, error) {
	return m.forward(obs, ModeDeterministic, nil)
}

// Value estimates the value of a batch of observations with the act weights.
func (m *Model) Value(obs [][]float64) ([]float64, error) {
	res, err := m.forward(obs, ModeDeterministic, nil)
	if err != nil {
		return nil, err
	}
	return res.Values, nil
}

func (m *Model) forward(obs [][]float64, mode ForwardMode, rng *rand.Rand) (ActResult, error) {
	x, err := autodiff.FromRows(obs)
	if err != nil {
		return ActResult{}, err
	}
	out, err := m.policy.Forward(x, m.store.Act(), mode, nil, rng)
	if err != nil {
		return ActResult{}, err
	}
	return ActResult{
		Actions:  out.Actions,
		Values:   out.Values.Values(),
		LogProbs: out.LogProbs.Values(),
	}, nil
}

// SyncActFromSlow copies the slow weights into act.
func (m *Model) SyncActFromSlow() {
	m.store.SyncActFromSlow()
}

// DiscardAdaptation drops the fast weights of an adaptation that will not
// be meta-trained: act returns to slow and the adapter to idle.
func (m *Model) DiscardAdaptation() {
	m.store.SyncActFromSlow()
	m.adapter.setState(AdapterIdle)
}

// InnerTrain adapts to the inner sample and installs the fast weights as act.
func (m *Model) InnerTrain(inner *Trajectory, hp domainNeural.Hyperparams) (InnerResult, error) {
	return m.adapter.InnerTrain(inner, hp)
}

// MetaTrain accumulates the meta-gradient of one task.
func (m *Model) MetaTrain(inner, meta *Trajectory, hp domainNeural.Hyperparams) (MetaResult, error) {
	return m.meta.MetaTrain(inner, meta, hp)
}

// ApplyMetaGrad applies the accumulated meta-gradient.
func (m *Model) ApplyMetaGrad(metaLR float64) (float64, error) {
	return m.meta.ApplyMetaGrad(metaLR)
}

// State returns the persisted form of the model.
func (m *Model) State() ModelState {
	slow, act := m.store.Snapshot()
	m.mu.Lock()
	rng := &RNGState{Seed: m.source.seed, Draws: m.source.draws}
	m.mu.Unlock()
	return ModelState{Slow: slow, Act: act, Adam: m.optimizer.State(), RNG: rng}
}

// Restore installs a persisted state. Any adaptation in progress is dropped.
// A state without generator position leaves the generator untouched.
func (m *Model) Restore(s ModelState) error {
	if err := m.store.Restore(s.Slow, s.Act); err != nil {
		return err
	}
	m.optimizer.Restore(s.Adam)
	m.adapter.setState(AdapterIdle)
	if s.RNG != nil {
		m.mu.Lock()
		m.source.seek(*s.RNG)
		m.mu.Unlock()
	}
	return nil
}

// MarshalState encodes the model state as JSON.
func (m *Model) MarshalState() ([]byte, error) {
	data, err := json.Marshal(m.State())
	if err != nil {
		return nil, fmt.Errorf("failed to encode model state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes and installs a JSON model state.
func (m *Model) UnmarshalState(data []byte) error {
	var s ModelState
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to decode model state: %w", err)
	}
	return m.Restore(s)
}
