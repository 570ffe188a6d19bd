package neural

import (
	"fmt"
	"sync"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
)

// AdapterState is the lifecycle state of the inner adapter.
type AdapterState string

const (
	// AdapterIdle means act holds slow weights (or nothing task-specific).
	AdapterIdle AdapterState = "idle"
	// AdapterInProgress means act holds fast weights adapted to the current
	// task and the task's meta pass has not completed yet.
	AdapterInProgress AdapterState = "in-progress"
)

// AdapterConfig controls the inner adaptation loop.
type AdapterConfig struct {
	// NumMinibatches is the number of mini-batches per pass over a sample.
	NumMinibatches int `json:"numMinibatches"`

	// NumOptEpochs is the number of passes over the inner sample.
	NumOptEpochs int `json:"numOptEpochs"`

	// NormalizeAdvantages standardizes advantages per mini-batch.
	NormalizeAdvantages bool `json:"normalizeAdvantages"`
}

// DefaultAdapterConfig returns the default adapter configuration.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		NumMinibatches: 4,
		NumOptEpochs:   1,
	}
}

// InnerResult is the outcome of one inner adaptation.
type InnerResult struct {
	// Fast is the adapted weight set, detached from any graph.
	Fast Params

	// Stats holds the loss of every inner step, in order.
	Stats []domainNeural.LossStats
}

// InnerAdapter produces task-specific fast weights from slow weights by
// chained gradient-descent steps on an inner trajectory sample.
type InnerAdapter struct {
	mu     sync.Mutex
	policy Policy
	store  *WeightStore
	config AdapterConfig
	state  AdapterState
}

// NewInnerAdapter creates an idle adapter.
func NewInnerAdapter(policy Policy, store *WeightStore, config AdapterConfig) *InnerAdapter {
	return &InnerAdapter{
		policy: policy,
		store:  store,
		config: config,
		state:  AdapterIdle,
	}
}

// Config returns the adapter configuration.
func (a *InnerAdapter) Config() AdapterConfig {
	return a.config
}

// State returns the current lifecycle state.
func (a *InnerAdapter) State() AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *InnerAdapter) setState(s AdapterState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// InnerTrain adapts the slow weights to the inner sample and assigns the
// resulting fast weights into act.
func (a *InnerAdapter) InnerTrain(inner *Trajectory, hp domainNeural.Hyperparams) (InnerResult, error) {
	fast, stats, err := a.adapt(inner, a.store.Slow(), hp, false)
	if err != nil {
		a.setState(AdapterIdle)
		return InnerResult{}, fmt.Errorf("failed inner adaptation: %w", err)
	}
	if err := a.store.AssignAct(fast); err != nil {
		a.setState(AdapterIdle)
		return InnerResult{}, err
	}
	a.setState(AdapterInProgress)
	return InnerResult{Fast: fast, Stats: stats}, nil
}

// adapt runs NumOptEpochs x NumMinibatches steps
//
//	next[k] = cur[k] - innerLR * dL/dcur[k]
//
// from start, after rewinding the inner cursor. With createGraph the steps
// stay on the tape so the result can be differentiated with respect to
// start; otherwise every step starts from fresh leaves and the result is
// detached.
func (a *InnerAdapter) adapt(inner *Trajectory, start Params, hp domainNeural.Hyperparams, createGraph bool) (Params, []domainNeural.LossStats, error) {
	inner.Reset()
	if a.config.NumMinibatches == 0 {
		return start, nil, nil
	}
	size, err := inner.MinibatchSize(a.config.NumMinibatches)
	if err != nil {
		return nil, nil, err
	}

	keys := start.Keys()
	cur := start
	stats := make([]domainNeural.LossStats, 0, a.config.NumOptEpochs*a.config.NumMinibatches)

	for epoch := 0; epoch < a.config.NumOptEpochs; epoch++ {
		for i := 0; i < a.config.NumMinibatches; i++ {
			if !createGraph {
				cur = cur.Variables()
			}
			mb, err := inner.NextMinibatch(size)
			if err != nil {
				return nil, nil, err
			}
			out, err := a.policy.Forward(mb.Obs, cur, ModeGivenAction, mb.Actions, nil)
			if err != nil {
				return nil, nil, err
			}
			loss, st, err := PPOLoss(out, mb, hp, a.config.NormalizeAdvantages)
			if err != nil {
				return nil, nil, fmt.Errorf("inner step %d of epoch %d: %w", i, epoch, err)
			}
			stats = append(stats, st)

			grads, err := autodiff.Grad(loss, cur.Tensors(keys), autodiff.GradOptions{CreateGraph: createGraph})
			if err != nil {
				return nil, nil, err
			}
			next := make(Params, len(keys))
			for j, k := range keys {
				next[k] = autodiff.Sub(cur[k], autodiff.Scale(grads[j], hp.InnerLR))
			}
			cur = next
		}
	}

	if !createGraph {
		cur = cur.Detach()
	}
	return cur, stats, nil
}
