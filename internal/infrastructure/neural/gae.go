package neural

// ComputeGAE computes generalized advantage estimates and returns for a
// rollout of T steps over E environments. Inputs are indexed [t][env].
// dones[t][e] marks that obs t of env e starts a new episode, so the value of
// step t+1 is bootstrapped only when dones[t+1][e] is false. lastValues and
// lastDones describe the observation following the final step.
//
//	delta_t = r_t + gamma*V_{t+1}*(1-done_{t+1}) - V_t
//	A_t     = delta_t + gamma*lambda*(1-done_{t+1})*A_{t+1}
//	R_t     = A_t + V_t
func ComputeGAE(rewards, values [][]float64, dones [][]bool, lastValues []float64, lastDones []bool, gamma, lambda float64) (advs, returns [][]float64) {
	steps := len(rewards)
	advs = make([][]float64, steps)
	returns = make([][]float64, steps)
	if steps == 0 {
		return advs, returns
	}
	numEnvs := len(rewards[0])
	lastGAE := make([]float64, numEnvs)

	for t := steps - 1; t >= 0; t-- {
		advs[t] = make([]float64, numEnvs)
		returns[t] = make([]float64, numEnvs)
		for e := 0; e < numEnvs; e++ {
			var nextNonTerminal, nextValue float64
			if t == steps-1 {
				nextNonTerminal = notDone(lastDones[e])
				nextValue = lastValues[e]
			} else {
				nextNonTerminal = notDone(dones[t+1][e])
				nextValue = values[t+1][e]
			}
			delta := rewards[t][e] + gamma*nextValue*nextNonTerminal - values[t][e]
			lastGAE[e] = delta + gamma*lambda*nextNonTerminal*lastGAE[e]
			advs[t][e] = lastGAE[e]
			returns[t][e] = lastGAE[e] + values[t][e]
		}
	}
	return advs, returns
}

func notDone(done bool) float64 {
	if done {
		return 0
	}
	return 1
}

// flattenEnvMajor turns [t][env] into one slice ordered env by env, so each
// environment's steps stay contiguous.
func flattenEnvMajor[T any](in [][]T) []T {
	if len(in) == 0 {
		return nil
	}
	steps, numEnvs := len(in), len(in[0])
	out := make([]T, 0, steps*numEnvs)
	for e := 0; e < numEnvs; e++ {
		for t := 0; t < steps; t++ {
			out = append(out, in[t][e])
		}
	}
	return out
}
