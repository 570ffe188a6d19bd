package neural

import (
	"math"
	"sync"

	domainNeural "github.com/claude-flow/maml-ppo/internal/domain/neural"
)

// ExplainedVariance returns 1 - Var[y-ypred]/Var[y]. It is 1 for a perfect
// prediction, 0 for a constant one, and NaN when y has no variance.
func ExplainedVariance(ypred, y []float64) float64 {
	vary := variance(y)
	if vary == 0 {
		return math.NaN()
	}
	diff := make([]float64, len(y))
	for i := range y {
		diff[i] = y[i] - ypred[i]
	}
	return 1 - variance(diff)/vary
}

func variance(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := SafeMean(xs)
	var sum float64
	for _, x := range xs {
		sum += (x - mean) * (x - mean)
	}
	return sum / float64(len(xs))
}

// SafeMean returns the mean of xs, or NaN when xs is empty.
func SafeMean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// EpisodeBuffer keeps the most recent finished episodes.
type EpisodeBuffer struct {
	mu       sync.Mutex
	capacity int
	episodes []domainNeural.EpisodeInfo
}

// NewEpisodeBuffer creates a buffer holding up to capacity episodes.
func NewEpisodeBuffer(capacity int) *EpisodeBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	return &EpisodeBuffer{capacity: capacity}
}

// Add appends episodes, evicting the oldest beyond capacity.
func (b *EpisodeBuffer) Add(episodes ...domainNeural.EpisodeInfo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.episodes = append(b.episodes, episodes...)
	if over := len(b.episodes) - b.capacity; over > 0 {
		b.episodes = append([]domainNeural.EpisodeInfo(nil), b.episodes[over:]...)
	}
}

// Len returns the number of buffered episodes.
func (b *EpisodeBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.episodes)
}

// Means returns the mean reward and length, NaN when empty.
func (b *EpisodeBuffer) Means() (reward, length float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rs := make([]float64, len(b.episodes))
	ls := make([]float64, len(b.episodes))
	for i, ep := range b.episodes {
		rs[i] = ep.Reward
		ls[i] = float64(ep.Length)
	}
	return SafeMean(rs), SafeMean(ls)
}
