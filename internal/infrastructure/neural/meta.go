package neural

import (
	"fmt"
	"log/slog"
	"math"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// MetaResult is the outcome of one task's meta pass.
type MetaResult struct {
	// Stats holds the post-adaptation loss of every meta mini-batch.
	Stats []domainNeural.LossStats

	// MetaLoss is the summed meta loss.
	MetaLoss float64

	// GradNorm is the L2 norm of the gradient added to the pile.
	GradNorm float64
}

// MetaLearner differentiates the post-adaptation loss with respect to the
// slow weights and applies the accumulated meta-gradient.
type MetaLearner struct {
	adapter     *InnerAdapter
	store       *WeightStore
	optimizer   *Adam
	maxGradNorm float64
	logger      *slog.Logger
}

// NewMetaLearner creates a meta learner. maxGradNorm <= 0 disables clipping.
func NewMetaLearner(adapter *InnerAdapter, store *WeightStore, optimizer *Adam, maxGradNorm float64, logger *slog.Logger) *MetaLearner {
	if logger == nil {
		logger = slog.Default()
	}
	return &MetaLearner{
		adapter:     adapter,
		store:       store,
		optimizer:   optimizer,
		maxGradNorm: maxGradNorm,
		logger:      logger,
	}
}

// MetaTrain accumulates one task's meta-gradient into the pile. inner must be
// the sample the task was (or will be) adapted on.
func (m *MetaLearner) MetaTrain(inner, meta *Trajectory, hp domainNeural.Hyperparams) (MetaResult, error) {
	defer m.adapter.setState(AdapterIdle)

	inner.Reset()
	meta.Reset()
	m.store.SyncActFromSlow()

	slow := m.store.SlowVariables()
	keys := slow.Keys()

	numMinibatches := m.adapter.config.NumMinibatches
	if numMinibatches == 0 {
		m.logger.Warn("meta pass has no mini-batches, meta-gradient is zero")
		zeros := make(Params, len(keys))
		for _, k := range keys {
			zeros[k] = autodiff.Zeros(slow[k].Rows(), slow[k].Cols())
		}
		if err := m.store.AddToPile(zeros); err != nil {
			return MetaResult{}, err
		}
		return MetaResult{}, nil
	}

	fast, _, err := m.adapter.adapt(inner, slow, hp, true)
	if err != nil {
		return MetaResult{}, fmt.Errorf("failed to replay inner adaptation: %w", err)
	}

	size, err := meta.MinibatchSize(numMinibatches)
	if err != nil {
		return MetaResult{}, err
	}

	var total *autodiff.Tensor
	stats := make([]domainNeural.LossStats, 0, numMinibatches)
	for i := 0; i < numMinibatches; i++ {
		mb, err := meta.NextMinibatch(size)
		if err != nil {
			return MetaResult{}, err
		}
		out, err := m.adapter.policy.Forward(mb.Obs, fast, ModeGivenAction, mb.Actions, nil)
		if err != nil {
			return MetaResult{}, err
		}
		loss, st, err := PPOLoss(out, mb, hp, m.adapter.config.NormalizeAdvantages)
		if err != nil {
			return MetaResult{}, fmt.Errorf("meta mini-batch %d: %w", i, err)
		}
		stats = append(stats, st)
		if total == nil {
			total = loss
		} else {
			total = autodiff.Add(total, loss)
		}
	}

	grads, err := autodiff.Grad(total, slow.Tensors(keys), autodiff.GradOptions{})
	if err != nil {
		return MetaResult{}, err
	}

	contribution := make(Params, len(keys))
	var sq float64
	for i, k := range keys {
		if !grads[i].IsFinite() {
			return MetaResult{}, fmt.Errorf("meta-gradient of %q: %w", k, shared.ErrNonFinite)
		}
		for _, v := range grads[i].Data() {
			sq += v * v
		}
		contribution[k] = grads[i]
	}
	if err := m.store.AddToPile(contribution); err != nil {
		return MetaResult{}, err
	}

	return MetaResult{
		Stats:    stats,
		MetaLoss: total.Item(),
		GradNorm: math.Sqrt(sq),
	}, nil
}

// ApplyMetaGrad applies the pile to the slow weights with one Adam step,
// after clipping its global norm. Act is resynchronized and the pile zeroed.
// It returns the pile norm before clipping.
func (m *MetaLearner) ApplyMetaGrad(metaLR float64) (float64, error) {
	var norm float64
	err := m.store.ApplyMetaStep(func(slow, pile map[string][]float64) error {
		norm = ClipByGlobalNorm(pile, m.maxGradNorm)
		return m.optimizer.Apply(slow, pile, metaLR)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to apply meta-gradient: %w", err)
	}
	m.adapter.setState(AdapterIdle)
	return norm, nil
}
