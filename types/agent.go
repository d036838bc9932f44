package types

type AgentConfig struct {
	Horizon     int
	Policy      Policy
	Environment Environment
}

// RL Agent configured with the corresponding
// policy and environment
type Agent struct {
	config      *AgentConfig
	policy      Policy
	environment Environment
}

// Instantiates a new Agent
func NewAgent(config *AgentConfig) *Agent {
	return &Agent{
		config:      config,
		policy:      config.Policy,
		environment: config.Environment,
	}
}

// RunEpisode runs a single episode up to the horizon, recording the trace
// and the end condition in the episode context.
func (a *Agent) RunEpisode(eCtx *EpisodeContext) {
	result, err := a.environment.Reset(eCtx)
	if err != nil {
		eCtx.SetError(err)
		return
	}
	obs := result.Obs
	trace := eCtx.Trace

	for i := 0; i < a.config.Horizon; i++ {
		eCtx.Report.SetEpisodeStep(i)
		action, ok := a.policy.NextAction(i, obs)
		if !ok {
			break
		}
		result, err = a.environment.Step(action, eCtx)
		if err != nil {
			eCtx.SetError(err)
			break
		}
		trace.Append(obs, action, result)
		a.policy.Update(i, obs, action, result)
		eCtx.Timesteps += 1
		obs = result.Obs

		if result.Done {
			recordOutcome(trace, result)
			eCtx.TerminalEnd = true
			break
		}
	}
	if !eCtx.TerminalEnd && eCtx.Err == nil {
		eCtx.HorizonEnd = true
	}
	a.policy.UpdateIteration(eCtx.EpisodeNumber, trace)
}

func recordOutcome(trace *Trace, result *StepResult) {
	if result.Info == nil {
		return
	}
	if outcome, ok := result.Info["outcome"].(string); ok {
		trace.Outcome = outcome
	}
	if invalid, ok := result.Info["invalid"].(bool); ok && invalid {
		trace.Invalid = true
	}
}
