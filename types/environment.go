package types

// Observation is the fixed-length numeric vector the policy observes.
type Observation []float64

// Action is the numeric action vector sent to the environment.
type Action []float64

// StepResult is the outcome of a single Reset or Step call.
type StepResult struct {
	Obs    Observation
	Reward float64
	Done   bool
	Info   map[string]interface{}
}

// Environment is the synchronous step/reset interface consumed by the agent.
// Reset must fully complete before Step is called and each Step must complete
// before the next Step or Reset. Implementations report infrastructure
// failures through the error return, episode outcomes through StepResult.
type Environment interface {
	// Reset tears down the previous episode and starts a fresh one
	Reset(*EpisodeContext) (*StepResult, error)
	// Step sends one action and aggregates the resulting events
	Step(Action, *EpisodeContext) (*StepResult, error)
	// Close releases all resources, idempotent
	Close() error
}

// Copy returns a fresh copy of the observation vector.
func (o Observation) Copy() Observation {
	out := make(Observation, len(o))
	copy(out, o)
	return out
}

// Copy returns a fresh copy of the action vector.
func (a Action) Copy() Action {
	out := make(Action, len(a))
	copy(out, a)
	return out
}
