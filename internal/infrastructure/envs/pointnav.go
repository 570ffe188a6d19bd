package envs

import (
	"fmt"
	"math"
	"math/rand"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
	"github.com/claude-flow/maml-ppo/internal/shared"
)

const (
	pointNavGoalRange  = 0.5
	pointNavMaxAction  = 0.1
	pointNavGoalRadius = 0.01
	pointNavMaxSteps   = 100
	pointNavObsBound   = 10.0
)

// PointNav is 2-D navigation towards a goal. The agent starts at the origin,
// moves by its clipped action each step and is rewarded with the negative
// distance to the goal. The episode ends at the goal or after maxSteps.
type PointNav struct {
	goal     [2]float64
	pos      [2]float64
	steps    int
	maxSteps int
}

// NewPointNav creates a PointNav with its goal at the origin. maxSteps <= 0
// uses the default of 100.
func NewPointNav(maxSteps int) *PointNav {
	if maxSteps <= 0 {
		maxSteps = pointNavMaxSteps
	}
	return &PointNav{maxSteps: maxSteps}
}

// ObservationSpace implements Single.
func (p *PointNav) ObservationSpace() domainNeural.Space {
	return domainNeural.Box(2, -pointNavObsBound, pointNavObsBound)
}

// ActionSpace implements Single.
func (p *PointNav) ActionSpace() domainNeural.Space {
	return domainNeural.Box(2, -pointNavMaxAction, pointNavMaxAction)
}

// Reset implements Single.
func (p *PointNav) Reset() []float64 {
	p.pos = [2]float64{}
	p.steps = 0
	return []float64{0, 0}
}

// Step implements Single.
func (p *PointNav) Step(action []float64) ([]float64, float64, bool, error) {
	if len(action) != 2 {
		return nil, 0, false, fmt.Errorf("pointnav action has %d values: %w", len(action), shared.ErrShapeMismatch)
	}
	for i := range p.pos {
		p.pos[i] += math.Max(-pointNavMaxAction, math.Min(pointNavMaxAction, action[i]))
	}
	p.steps++
	dist := math.Hypot(p.pos[0]-p.goal[0], p.pos[1]-p.goal[1])
	done := dist < pointNavGoalRadius || p.steps >= p.maxSteps
	return []float64{p.pos[0], p.pos[1]}, -dist, done, nil
}

// SetTask implements TaskSingle. The task parameters are the goal coordinates.
func (p *PointNav) SetTask(task domainNeural.Task) error {
	if len(task.Params) != 2 {
		return fmt.Errorf("pointnav task has %d parameters: %w", len(task.Params), shared.ErrShapeMismatch)
	}
	p.goal = [2]float64{task.Params[0], task.Params[1]}
	return nil
}

// PointNavTasks samples goals uniformly from [-0.5, 0.5]^2.
type PointNavTasks struct{}

// SampleTasks implements TaskDistribution.
func (PointNavTasks) SampleTasks(rng *rand.Rand, n int) []domainNeural.Task {
	tasks := make([]domainNeural.Task, n)
	for i := range tasks {
		x := (rng.Float64()*2 - 1) * pointNavGoalRange
		y := (rng.Float64()*2 - 1) * pointNavGoalRange
		tasks[i] = domainNeural.Task{
			ID:     fmt.Sprintf("goal(%.3f,%.3f)", x, y),
			Params: []float64{x, y},
		}
	}
	return tasks
}
