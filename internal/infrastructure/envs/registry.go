package envs

import (
	"fmt"
	"sort"

	"github.com/claude-flow/maml-ppo/internal/shared"
)

// BanditArms is the number of arms of the built-in bandit.
const BanditArms = 5

type factory func(numEnvs, maxSteps int, seed int64) (*VecEnv, error)

var registry = map[string]factory{
	"pointnav": func(numEnvs, maxSteps int, _ int64) (*VecEnv, error) {
		singles := make([]Single, numEnvs)
		for i := range singles {
			singles[i] = NewPointNav(maxSteps)
		}
		return NewVecEnv(singles, PointNavTasks{})
	},
	"bandit": func(numEnvs, maxSteps int, seed int64) (*VecEnv, error) {
		singles := make([]Single, numEnvs)
		for i := range singles {
			singles[i] = NewBandit(BanditArms, maxSteps, seed+int64(i))
		}
		return NewVecEnv(singles, BanditTasks{Arms: BanditArms})
	},
}

// Names returns the registered environment names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Make builds a registered task environment with numEnvs copies.
func Make(name string, numEnvs, maxSteps int, seed int64) (*VecEnv, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown environment %q (known: %v): %w", name, Names(), shared.ErrInvalidConfig)
	}
	if numEnvs <= 0 {
		return nil, fmt.Errorf("numEnvs must be positive, got %d: %w", numEnvs, shared.ErrInvalidConfig)
	}
	return f(numEnvs, maxSteps, seed)
}
