package neural

import (
	"math/rand"

	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
)

// linearPolicy is a two-parameter policy over scalar observations: a unit
// variance Gaussian with mean w*x and a value estimate v*x.
type linearPolicy struct{}

func (linearPolicy) ParamSpecs() []ParamSpec {
	return []ParamSpec{
		{Name: "w", Rows: 1, Cols: 1, Init: ConstantInit(0)},
		{Name: "v", Rows: 1, Cols: 1, Init: ConstantInit(0)},
	}
}

func (linearPolicy) Forward(obs *autodiff.Tensor, w Params, mode ForwardMode, actions [][]float64, rng *rand.Rand) (PolicyOutput, error) {
	mean := autodiff.MatMul(obs, w["w"])
	values := autodiff.MatMul(obs, w["v"])
	dist := NewDiagGaussian(mean, autodiff.Zeros(1, 1))
	return forwardWith(dist, values, mode, actions, rng)
}

func linearStore(w, v float64) (*WeightStore, error) {
	store, err := NewWeightStore(linearPolicy{}.ParamSpecs(), rand.New(rand.NewSource(1)))
	if err != nil {
		return nil, err
	}
	states := map[string]TensorState{
		"w": {Rows: 1, Cols: 1, Data: []float64{w}},
		"v": {Rows: 1, Cols: 1, Data: []float64{v}},
	}
	return store, store.Restore(states, states)
}

// scalarTrajectory builds a trajectory over scalar observations and actions.
func scalarTrajectory(obs, actions, returns, oldValues, oldLogProbs []float64) *Trajectory {
	t := &Trajectory{
		Values:        append([]float64(nil), oldValues...),
		Returns:       returns,
		OldValuePreds: oldValues,
		OldLogProbs:   oldLogProbs,
		Dones:         make([]bool, len(obs)),
	}
	for i := range obs {
		t.Obs = append(t.Obs, []float64{obs[i]})
		t.Actions = append(t.Actions, []float64{actions[i]})
	}
	return t
}

// onPolicyTrajectory builds a trajectory whose old log-probabilities and
// value predictions are those of the linear policy at (w, v).
func onPolicyTrajectory(w, v float64, obs, actions, returns []float64) *Trajectory {
	oldV := make([]float64, len(obs))
	oldLogP := make([]float64, len(obs))
	for i, x := range obs {
		oldV[i] = v * x
		d := actions[i] - w*x
		oldLogP[i] = -0.5*d*d - 0.5*logTwoPi
	}
	return scalarTrajectory(obs, actions, returns, oldV, oldLogP)
}

const logTwoPi = 1.8378770664093453
