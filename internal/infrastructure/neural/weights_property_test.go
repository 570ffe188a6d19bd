package neural

import (
	"errors"
	"math/rand"
	"testing"

	"pgregory.net/rapid"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// Property-based tests for weight-set lifecycle invariants.

func drawStore(t *rapid.T) *WeightStore {
	obDim := rapid.IntRange(1, 4).Draw(t, "obDim")
	nActions := rapid.IntRange(2, 4).Draw(t, "nActions")
	depth := rapid.IntRange(0, 2).Draw(t, "depth")
	hidden := make([]int, depth)
	for i := range hidden {
		hidden[i] = rapid.IntRange(1, 5).Draw(t, "hidden")
	}
	var ac domainNeural.Space
	if rapid.Bool().Draw(t, "discrete") {
		ac = domainNeural.Discrete(nActions)
	} else {
		ac = domainNeural.Box(nActions, -1, 1)
	}
	policy, err := NewMLPPolicy(domainNeural.Box(obDim, -1, 1), ac, hidden)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	store, err := NewWeightStore(policy.ParamSpecs(), rand.New(rand.NewSource(rapid.Int64().Draw(t, "seed"))))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return store
}

func randomLike(t *rapid.T, p Params, label string) Params {
	out := make(Params, len(p))
	for k, v := range p {
		data := make([]float64, v.Len())
		for i := range data {
			data[i] = rapid.Float64Range(-10, 10).Draw(t, label)
		}
		out[k] = autodiff.New(v.Rows(), v.Cols(), data)
	}
	return out
}

func sameKeys(a, b Params) bool {
	return CheckSameStructure(a, b) == nil
}

// TestProperty_KeySetInvariant verifies that slow and act keep the same keys
// and shapes across any sequence of public operations.
func TestProperty_KeySetInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := drawStore(t)
		ops := rapid.SliceOfN(rapid.IntRange(0, 3), 1, 12).Draw(t, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				store.SyncActFromSlow()
			case 1:
				if err := store.AssignAct(randomLike(t, store.Slow(), "fast")); err != nil {
					t.Fatalf("assign act: %v", err)
				}
			case 2:
				if err := store.AddToPile(randomLike(t, store.Slow(), "grad")); err != nil {
					t.Fatalf("add to pile: %v", err)
				}
			case 3:
				err := store.ApplyMetaStep(func(slow, pile map[string][]float64) error {
					return NewAdam().Apply(slow, pile, 0.01)
				})
				if err != nil && !errors.Is(err, shared.ErrEmptyMetaBatch) {
					t.Fatalf("apply: %v", err)
				}
			}
			if !sameKeys(store.Slow(), store.Act()) {
				t.Fatalf("slow and act diverged after op %d", op)
			}
		}
	})
}

// TestProperty_ZeroPileAfterApply verifies that the pile is exactly zero
// after an apply, whatever was accumulated.
func TestProperty_ZeroPileAfterApply(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := drawStore(t)
		tasks := rapid.IntRange(1, 4).Draw(t, "tasks")
		for i := 0; i < tasks; i++ {
			if err := store.AddToPile(randomLike(t, store.Slow(), "grad")); err != nil {
				t.Fatalf("add to pile: %v", err)
			}
		}
		if store.PileTasks() != tasks {
			t.Fatalf("pile counts %d tasks, want %d", store.PileTasks(), tasks)
		}
		adam := NewAdam()
		err := store.ApplyMetaStep(func(slow, pile map[string][]float64) error {
			ClipByGlobalNorm(pile, 0.5)
			return adam.Apply(slow, pile, 1e-3)
		})
		if err != nil {
			t.Fatalf("apply: %v", err)
		}
		for k, acc := range store.Pile() {
			for i, v := range acc {
				if v != 0 {
					t.Fatalf("pile[%s][%d] = %v after apply", k, i, v)
				}
			}
		}
		if store.PileTasks() != 0 {
			t.Fatalf("pile still counts %d tasks", store.PileTasks())
		}
	})
}

// TestProperty_SyncIdempotent verifies that syncing twice equals syncing once.
func TestProperty_SyncIdempotent(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		store := drawStore(t)
		if rapid.Bool().Draw(t, "adaptFirst") {
			if err := store.AssignAct(randomLike(t, store.Slow(), "fast")); err != nil {
				t.Fatalf("assign act: %v", err)
			}
		}
		store.SyncActFromSlow()
		once := store.Act().Values()
		store.SyncActFromSlow()
		twice := store.Act().Values()
		slow := store.Slow().Values()
		for k := range once {
			for i := range once[k] {
				if once[k][i] != twice[k][i] || once[k][i] != slow[k][i] {
					t.Fatalf("act[%s][%d]: once %v, twice %v, slow %v", k, i, once[k][i], twice[k][i], slow[k][i])
				}
			}
		}
	})
}
