package neural

import (
	"fmt"
	"math"
	"math/rand"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/infrastructure/autodiff"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

// ForwardMode selects how a forward pass produces actions.
type ForwardMode int

const (
	// ModeSample draws a stochastic action and returns its log-probability.
	ModeSample ForwardMode = iota
	// ModeGivenAction evaluates the log-probability of provided actions.
	ModeGivenAction
	// ModeDeterministic takes the mode of the distribution.
	ModeDeterministic
)

// Distribution is an action distribution over a batch of observations.
type Distribution interface {
	// LogProb returns the n x 1 log-probabilities of actions.
	LogProb(actions [][]float64) (*autodiff.Tensor, error)
	// Entropy returns the n x 1 entropies.
	Entropy() *autodiff.Tensor
	// Sample draws one action per row.
	Sample(rng *rand.Rand) [][]float64
	// Mode returns the most likely action per row.
	Mode() [][]float64
}

// PolicyOutput is the result of a forward pass.
type PolicyOutput struct {
	Actions  [][]float64
	Values   *autodiff.Tensor
	LogProbs *autodiff.Tensor
	Dist     Distribution
}

// Policy is a pure function from observations and a weight set to an action
// distribution and a value estimate. It is differentiable with respect to
// every tensor of the weight set.
type Policy interface {
	// ParamSpecs declares the weight set the policy expects.
	ParamSpecs() []ParamSpec
	// Forward runs the policy. actions is only read in ModeGivenAction and
	// rng only in ModeSample.
	Forward(obs *autodiff.Tensor, w Params, mode ForwardMode, actions [][]float64, rng *rand.Rand) (PolicyOutput, error)
}

// PolicyConstructor builds a policy for the given spaces.
type PolicyConstructor func(obSpace, acSpace domainNeural.Space, hiddenDims []int) (Policy, error)

// MLPPolicy has separate tanh trunks for the policy and the value function.
// Discrete action spaces get a categorical head, box spaces a diagonal
// Gaussian with a state-independent learned log standard deviation.
type MLPPolicy struct {
	obDim      int
	acSpace    domainNeural.Space
	hiddenDims []int
}

// NewMLPPolicy is the default PolicyConstructor. Empty hiddenDims yields a
// linear policy.
func NewMLPPolicy(obSpace, acSpace domainNeural.Space, hiddenDims []int) (Policy, error) {
	if obSpace.Kind != domainNeural.SpaceBox || obSpace.Dim <= 0 {
		return nil, fmt.Errorf("observation space %+v: %w", obSpace, shared.ErrUnsupportedSpace)
	}
	switch acSpace.Kind {
	case domainNeural.SpaceDiscrete:
		if acSpace.N <= 0 {
			return nil, fmt.Errorf("discrete action space with %d actions: %w", acSpace.N, shared.ErrUnsupportedSpace)
		}
	case domainNeural.SpaceBox:
		if acSpace.Dim <= 0 {
			return nil, fmt.Errorf("box action space of dimension %d: %w", acSpace.Dim, shared.ErrUnsupportedSpace)
		}
	default:
		return nil, fmt.Errorf("action space kind %q: %w", acSpace.Kind, shared.ErrUnsupportedSpace)
	}
	return &MLPPolicy{
		obDim:      obSpace.Dim,
		acSpace:    acSpace,
		hiddenDims: append([]int(nil), hiddenDims...),
	}, nil
}

// ParamSpecs implements Policy.
func (p *MLPPolicy) ParamSpecs() []ParamSpec {
	var specs []ParamSpec
	for _, prefix := range []string{"pi", "vf"} {
		in := p.obDim
		for i, h := range p.hiddenDims {
			specs = append(specs,
				ParamSpec{Name: fmt.Sprintf("%s/fc%d/w", prefix, i), Rows: in, Cols: h, Init: GlorotUniform(math.Sqrt2)},
				ParamSpec{Name: fmt.Sprintf("%s/fc%d/b", prefix, i), Rows: 1, Cols: h, Init: ConstantInit(0)},
			)
			in = h
		}
		out, gain := 1, 1.0
		if prefix == "pi" {
			out, gain = p.acSpace.FlatDim(), 0.01
		}
		specs = append(specs,
			ParamSpec{Name: prefix + "/out/w", Rows: in, Cols: out, Init: GlorotUniform(gain)},
			ParamSpec{Name: prefix + "/out/b", Rows: 1, Cols: out, Init: ConstantInit(0)},
		)
	}
	if p.acSpace.Kind == domainNeural.SpaceBox {
		specs = append(specs, ParamSpec{Name: "pi/logstd", Rows: 1, Cols: p.acSpace.Dim, Init: ConstantInit(0)})
	}
	return specs
}

// Forward implements Policy.
func (p *MLPPolicy) Forward(obs *autodiff.Tensor, w Params, mode ForwardMode, actions [][]float64, rng *rand.Rand) (PolicyOutput, error) {
	if obs.Cols() != p.obDim {
		return PolicyOutput{}, fmt.Errorf("observations have %d features, policy expects %d: %w", obs.Cols(), p.obDim, shared.ErrShapeMismatch)
	}
	for _, spec := range p.ParamSpecs() {
		t, ok := w[spec.Name]
		if !ok {
			return PolicyOutput{}, fmt.Errorf("weight %q missing: %w", spec.Name, shared.ErrKeySetMismatch)
		}
		if t.Rows() != spec.Rows || t.Cols() != spec.Cols {
			return PolicyOutput{}, fmt.Errorf("weight %q is %dx%d, expected %dx%d: %w", spec.Name, t.Rows(), t.Cols(), spec.Rows, spec.Cols, shared.ErrShapeMismatch)
		}
	}

	piOut := p.trunk("pi", obs, w)
	values := p.trunk("vf", obs, w)

	var dist Distribution
	if p.acSpace.Kind == domainNeural.SpaceDiscrete {
		dist = NewCategorical(piOut)
	} else {
		dist = NewDiagGaussian(piOut, w["pi/logstd"])
	}

	return forwardWith(dist, values, mode, actions, rng)
}

func (p *MLPPolicy) trunk(prefix string, obs *autodiff.Tensor, w Params) *autodiff.Tensor {
	h := obs
	for i := range p.hiddenDims {
		h = autodiff.Tanh(autodiff.AddRow(
			autodiff.MatMul(h, w[fmt.Sprintf("%s/fc%d/w", prefix, i)]),
			w[fmt.Sprintf("%s/fc%d/b", prefix, i)],
		))
	}
	return autodiff.AddRow(autodiff.MatMul(h, w[prefix+"/out/w"]), w[prefix+"/out/b"])
}

// forwardWith resolves the actions for mode and evaluates their
// log-probabilities. Policies other than MLPPolicy can reuse it.
func forwardWith(dist Distribution, values *autodiff.Tensor, mode ForwardMode, actions [][]float64, rng *rand.Rand) (PolicyOutput, error) {
	switch mode {
	case ModeSample:
		if rng == nil {
			return PolicyOutput{}, fmt.Errorf("sampling without a random source: %w", shared.ErrInvalidConfig)
		}
		actions = dist.Sample(rng)
	case ModeDeterministic:
		actions = dist.Mode()
	case ModeGivenAction:
		if len(actions) != values.Rows() {
			return PolicyOutput{}, fmt.Errorf("%d actions for %d observations: %w", len(actions), values.Rows(), shared.ErrShapeMismatch)
		}
	default:
		return PolicyOutput{}, fmt.Errorf("unknown forward mode %d: %w", mode, shared.ErrInvalidConfig)
	}

	logProbs, err := dist.LogProb(actions)
	if err != nil {
		return PolicyOutput{}, err
	}
	return PolicyOutput{Actions: actions, Values: values, LogProbs: logProbs, Dist: dist}, nil
}

// ============================================================================
// Distributions
// ============================================================================

// Categorical is a softmax distribution over logits.
type Categorical struct {
	logits  *autodiff.Tensor
	logProb *autodiff.Tensor
}

// NewCategorical builds a categorical distribution from n x k logits.
func NewCategorical(logits *autodiff.Tensor) *Categorical {
	return &Categorical{logits: logits, logProb: autodiff.LogSoftmax(logits)}
}

// LogProb implements Distribution. Actions hold the class index in column 0.
func (c *Categorical) LogProb(actions [][]float64) (*autodiff.Tensor, error) {
	if len(actions) != c.logits.Rows() {
		return nil, fmt.Errorf("%d actions for %d rows: %w", len(actions), c.logits.Rows(), shared.ErrShapeMismatch)
	}
	idx := make([]int, len(actions))
	for i, a := range actions {
		if len(a) != 1 {
			return nil, fmt.Errorf("discrete action %d has %d values: %w", i, len(a), shared.ErrShapeMismatch)
		}
		k := int(a[0])
		if k < 0 || k >= c.logits.Cols() {
			return nil, fmt.Errorf("action %d out of range [0, %d): %w", k, c.logits.Cols(), shared.ErrShapeMismatch)
		}
		idx[i] = k
	}
	return autodiff.Gather(c.logProb, idx), nil
}

// Entropy implements Distribution.
func (c *Categorical) Entropy() *autodiff.Tensor {
	p := autodiff.Exp(c.logProb)
	return autodiff.Neg(autodiff.SumCols(autodiff.Mul(p, c.logProb)))
}

// Sample implements Distribution.
func (c *Categorical) Sample(rng *rand.Rand) [][]float64 {
	out := make([][]float64, c.logProb.Rows())
	for i := range out {
		row := c.logProb.Row(i)
		r := rng.Float64()
		choice := len(row) - 1
		var cum float64
		for j, lp := range row {
			cum += math.Exp(lp)
			if r < cum {
				choice = j
				break
			}
		}
		out[i] = []float64{float64(choice)}
	}
	return out
}

// Mode implements Distribution.
func (c *Categorical) Mode() [][]float64 {
	out := make([][]float64, c.logits.Rows())
	for i := range out {
		row := c.logits.Row(i)
		best := 0
		for j, v := range row {
			if v > row[best] {
				best = j
			}
		}
		out[i] = []float64{float64(best)}
	}
	return out
}

// DiagGaussian is a Gaussian with diagonal covariance.
type DiagGaussian struct {
	mean   *autodiff.Tensor
	logStd *autodiff.Tensor
	std    *autodiff.Tensor
}

// NewDiagGaussian builds a distribution from n x d means and a 1 x d log
// standard deviation shared by every row.
func NewDiagGaussian(mean, logStd *autodiff.Tensor) *DiagGaussian {
	ls := autodiff.BroadcastRows(logStd, mean.Rows())
	return &DiagGaussian{mean: mean, logStd: ls, std: autodiff.Exp(ls)}
}

// LogProb implements Distribution.
func (g *DiagGaussian) LogProb(actions [][]float64) (*autodiff.Tensor, error) {
	a, err := autodiff.FromRows(actions)
	if err != nil {
		return nil, err
	}
	if !a.SameShape(g.mean) {
		return nil, fmt.Errorf("actions %dx%d for means %dx%d: %w", a.Rows(), a.Cols(), g.mean.Rows(), g.mean.Cols(), shared.ErrShapeMismatch)
	}
	z := autodiff.Div(autodiff.Sub(a, g.mean), g.std)
	d := float64(g.mean.Cols())
	quad := autodiff.Scale(autodiff.SumCols(autodiff.Square(z)), -0.5)
	return autodiff.AddScalar(
		autodiff.Sub(quad, autodiff.SumCols(g.logStd)),
		-0.5*d*math.Log(2*math.Pi),
	), nil
}

// Entropy implements Distribution.
func (g *DiagGaussian) Entropy() *autodiff.Tensor {
	d := float64(g.mean.Cols())
	return autodiff.AddScalar(autodiff.SumCols(g.logStd), 0.5*d*math.Log(2*math.Pi*math.E))
}

// Sample implements Distribution.
func (g *DiagGaussian) Sample(rng *rand.Rand) [][]float64 {
	out := make([][]float64, g.mean.Rows())
	for i := range out {
		row := make([]float64, g.mean.Cols())
		for j := range row {
			row[j] = g.mean.At(i, j) + g.std.At(i, j)*rng.NormFloat64()
		}
		out[i] = row
	}
	return out
}

// Mode implements Distribution.
func (g *DiagGaussian) Mode() [][]float64 {
	out := make([][]float64, g.mean.Rows())
	for i := range out {
		out[i] = g.mean.Row(i)
	}
	return out
}
