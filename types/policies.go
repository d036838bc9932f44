package types

import (
	"time"

	"golang.org/x/exp/rand"
)

// Policy maps observations to actions. Implementations may learn from the
// per-step Update and per-episode UpdateIteration callbacks or ignore them.
type Policy interface {
	// UpdateIteration is called once per episode with the full trace
	UpdateIteration(int, *Trace)
	// NextAction returns the action for the current step, false when the
	// policy cannot produce one
	NextAction(int, Observation) (Action, bool)
	// Update is called after every environment step
	Update(int, Observation, Action, *StepResult)
	Reset()
}

// BoundedRandomPolicy samples each action dimension uniformly within the
// configured bounds.
type BoundedRandomPolicy struct {
	bounds [][2]float64
	rand   *rand.Rand
}

var _ Policy = &BoundedRandomPolicy{}

// NewBoundedRandomPolicy creates a random policy over the given per-dimension
// [low, high] bounds. A zero seed picks a time based one.
func NewBoundedRandomPolicy(bounds [][2]float64, seed uint64) *BoundedRandomPolicy {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &BoundedRandomPolicy{
		bounds: bounds,
		rand:   rand.New(rand.NewSource(seed)),
	}
}

func (r *BoundedRandomPolicy) Reset() {

}

func (r *BoundedRandomPolicy) UpdateIteration(_ int, _ *Trace) {

}

func (r *BoundedRandomPolicy) NextAction(step int, obs Observation) (Action, bool) {
	action := make(Action, len(r.bounds))
	for i, b := range r.bounds {
		action[i] = b[0] + r.rand.Float64()*(b[1]-b[0])
	}
	return action, true
}

func (r *BoundedRandomPolicy) Update(_ int, _ Observation, _ Action, _ *StepResult) {}
