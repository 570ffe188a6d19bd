package envs

import (
	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
)

// Monitor wraps a Single and records the reward and length of each episode.
type Monitor struct {
	env    Single
	reward float64
	length int
}

// NewMonitor wraps env.
func NewMonitor(env Single) *Monitor {
	return &Monitor{env: env}
}

// Unwrap returns the wrapped environment.
func (m *Monitor) Unwrap() Single {
	return m.env
}

// Reset starts a new episode.
func (m *Monitor) Reset() []float64 {
	m.reward = 0
	m.length = 0
	return m.env.Reset()
}

// Step advances the episode. The episode summary is returned on the step
// that ends it.
func (m *Monitor) Step(action []float64) ([]float64, float64, bool, *domainNeural.EpisodeInfo, error) {
	obs, reward, done, err := m.env.Step(action)
	if err != nil {
		return nil, 0, false, nil, err
	}
	m.reward += reward
	m.length++
	if !done {
		return obs, reward, false, nil, nil
	}
	info := &domainNeural.EpisodeInfo{Reward: m.reward, Length: m.length}
	return obs, reward, true, info, nil
}
