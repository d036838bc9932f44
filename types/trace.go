package types

// Trace of an episode as triplets (observation, action, result)
type Trace struct {
	observations []Observation
	actions      []Action
	results      []*StepResult

	// Outcome of the episode as reported by the environment, empty until
	// a terminal step is appended
	Outcome string
	// Invalid marks episodes that must be excluded from training signal,
	// such as forced timeout resets and connection failures
	Invalid bool
}

func NewTrace() *Trace {
	return &Trace{
		observations: make([]Observation, 0),
		actions:      make([]Action, 0),
		results:      make([]*StepResult, 0),
	}
}

func (t *Trace) Slice(from, to int) *Trace {
	slicedTrace := NewTrace()
	for i := from; i < to; i++ {
		slicedTrace.Append(t.observations[i], t.actions[i], t.results[i])
	}
	slicedTrace.Outcome = t.Outcome
	slicedTrace.Invalid = t.Invalid
	return slicedTrace
}

func (t *Trace) Append(obs Observation, action Action, result *StepResult) {
	t.observations = append(t.observations, obs)
	t.actions = append(t.actions, action)
	t.results = append(t.results, result)
}

func (t *Trace) Len() int {
	return len(t.observations)
}

func (t *Trace) Get(i int) (Observation, Action, *StepResult, bool) {
	if i >= len(t.observations) {
		return nil, nil, nil, false
	}
	return t.observations[i], t.actions[i], t.results[i], true
}

func (t *Trace) Last() (Observation, Action, *StepResult, bool) {
	if len(t.observations) < 1 {
		return nil, nil, nil, false
	}
	lastIndex := len(t.observations) - 1
	return t.observations[lastIndex], t.actions[lastIndex], t.results[lastIndex], true
}

func (t *Trace) GetPrefix(i int) (*Trace, bool) {
	if i > len(t.observations) {
		return nil, false
	}
	return &Trace{
		observations: t.observations[0:i],
		actions:      t.actions[0:i],
		results:      t.results[0:i],
		Outcome:      t.Outcome,
		Invalid:      t.Invalid,
	}, true
}

// CumulativeReward sums the rewards of all recorded steps.
func (t *Trace) CumulativeReward() float64 {
	total := 0.0
	for _, r := range t.results {
		total += r.Reward
	}
	return total
}

// Won reports whether the episode ended with a win.
func (t *Trace) Won() bool {
	return t.Outcome == "win"
}
