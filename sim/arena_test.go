package sim

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/zeu5/tankrl/policies"
	"github.com/zeu5/tankrl/royale"
	"github.com/zeu5/tankrl/types"
	"golang.org/x/exp/rand"
)

func noopAction() types.Action {
	return make(types.Action, royale.ActionSize)
}

func eCtx() *types.EpisodeContext {
	return types.NewStandaloneEpisodeContext(0, "arena-test", time.Second)
}

func allFinite(obs types.Observation) bool {
	for _, v := range obs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func TestArenaResetObservation(t *testing.T) {
	a := NewArena(&Config{Seed: 5})
	result, err := a.Reset(eCtx())
	if err != nil {
		t.Fatalf("reset failed: %s", err)
	}
	if result.Done {
		t.Errorf("fresh arena marked done")
	}
	if len(result.Obs) != royale.ObservationSize {
		t.Fatalf("observation length wrong: %d", len(result.Obs))
	}
	if !allFinite(result.Obs) {
		t.Errorf("observation has non finite values: %v", result.Obs)
	}
	if result.Obs[0] < 0.2 || result.Obs[0] > 0.4 {
		t.Errorf("agent spawn x outside its band: %f", result.Obs[0])
	}
	if result.Obs[3] != 1.0 {
		t.Errorf("agent not at full energy: %f", result.Obs[3])
	}
}

func TestArenaDeterministicSeed(t *testing.T) {
	a := NewArena(&Config{Seed: 9, Opponent: "spin"})
	b := NewArena(&Config{Seed: 9, Opponent: "spin"})

	ra, _ := a.Reset(eCtx())
	rb, _ := b.Reset(eCtx())
	for i := range ra.Obs {
		if ra.Obs[i] != rb.Obs[i] {
			t.Fatalf("reset observations diverge at %d: %f vs %f", i, ra.Obs[i], rb.Obs[i])
		}
	}

	action := types.Action{3, 5, 10, 45, 1}
	for step := 0; step < 5; step++ {
		sa, errA := a.Step(action, eCtx())
		sb, errB := b.Step(action, eCtx())
		if errA != nil || errB != nil {
			t.Fatalf("step %d failed: %v %v", step, errA, errB)
		}
		if sa.Reward != sb.Reward {
			t.Fatalf("rewards diverge at step %d: %f vs %f", step, sa.Reward, sb.Reward)
		}
		if sa.Done != sb.Done {
			t.Fatalf("done diverges at step %d", step)
		}
		if sa.Done {
			break
		}
	}
}

func TestArenaTurnBudgetEndsRound(t *testing.T) {
	a := NewArena(&Config{Seed: 3, Opponent: "static", MaxTurns: 50, TurnsPerStep: 10})
	if _, err := a.Reset(eCtx()); err != nil {
		t.Fatalf("reset failed: %s", err)
	}

	for step := 0; step < 4; step++ {
		result, err := a.Step(noopAction(), eCtx())
		if err != nil {
			t.Fatalf("step %d failed: %s", step, err)
		}
		if result.Done {
			t.Fatalf("episode over after %d steps", step+1)
		}
	}
	result, err := a.Step(noopAction(), eCtx())
	if err != nil {
		t.Fatalf("final step failed: %s", err)
	}
	if !result.Done {
		t.Fatalf("turn budget did not end the round")
	}
	if result.Info["outcome"] != "round_end" {
		t.Errorf("outcome wrong: %v", result.Info["outcome"])
	}

	if _, err := a.Step(noopAction(), eCtx()); err == nil {
		t.Errorf("step after the round ended did not fail")
	}

	// a reset starts the budget over
	if _, err := a.Reset(eCtx()); err != nil {
		t.Fatalf("reset after round end failed: %s", err)
	}
	result, err = a.Step(noopAction(), eCtx())
	if err != nil || result.Done {
		t.Errorf("fresh round ended immediately: %v %s", result, err)
	}
}

func TestArenaStepValidation(t *testing.T) {
	a := NewArena(&Config{Seed: 3})
	if _, err := a.Step(noopAction(), eCtx()); err == nil {
		t.Errorf("step before reset did not fail")
	}
	if _, err := a.Reset(eCtx()); err != nil {
		t.Fatalf("reset failed: %s", err)
	}
	if _, err := a.Step(make(types.Action, 2), eCtx()); err == nil {
		t.Errorf("short action accepted")
	}
	bad := noopAction()
	bad[0] = math.Inf(1)
	if _, err := a.Step(bad, eCtx()); err == nil {
		t.Errorf("non finite action accepted")
	}
}

func TestArenaRadarSweepFindsEnemy(t *testing.T) {
	a := NewArena(&Config{Seed: 11, Opponent: "static"})
	if _, err := a.Reset(eCtx()); err != nil {
		t.Fatalf("reset failed: %s", err)
	}

	// a full speed radar sweep covers the circle within one decision
	sweep := types.Action{0, 0, 0, royale.MaxRadarTurnRate, 0}
	result, err := a.Step(sweep, eCtx())
	if err != nil {
		t.Fatalf("step failed: %s", err)
	}
	if result.Obs[13] == 0 && result.Obs[14] == 0 {
		t.Errorf("enemy not in the observation after a sweep: %v", result.Obs[13:19])
	}
	if result.Obs[18] >= 1.0 {
		t.Errorf("enemy slot still reads empty: %f", result.Obs[18])
	}
}

func TestArenaRandomRolloutStaysFinite(t *testing.T) {
	a := NewArena(&Config{Seed: 7, Opponent: "spin"})
	if _, err := a.Reset(eCtx()); err != nil {
		t.Fatalf("reset failed: %s", err)
	}

	bounds := royale.ActionBounds()
	rng := rand.New(rand.NewSource(7))
	for step := 0; step < 200; step++ {
		action := make(types.Action, len(bounds))
		for i, b := range bounds {
			action[i] = b[0] + rng.Float64()*(b[1]-b[0])
		}
		result, err := a.Step(action, eCtx())
		if err != nil {
			t.Fatalf("step %d failed: %s", step, err)
		}
		if math.IsNaN(result.Reward) || math.IsInf(result.Reward, 0) {
			t.Fatalf("reward not finite at step %d: %f", step, result.Reward)
		}
		if !allFinite(result.Obs) {
			t.Fatalf("observation not finite at step %d", step)
		}
		if result.Done {
			if result.Info["outcome"] == "" {
				t.Errorf("terminal step carries no outcome")
			}
			break
		}
	}
}

// countingAnalyzer tallies completed episode traces.
type countingAnalyzer struct {
	traces int
	steps  int
}

func (c *countingAnalyzer) Analyze(run int, episode int, timestep int, expName string, trace *types.Trace) {
	if trace == nil {
		return
	}
	c.traces++
	c.steps += trace.Len()
}

func (c *countingAnalyzer) DataSet() types.DataSet { return c.traces }
func (c *countingAnalyzer) Reset()                 {}

func TestArenaDrivesExperimentLoop(t *testing.T) {
	a := NewArena(&Config{Seed: 13, Opponent: "static"})
	counter := &countingAnalyzer{}

	c := types.NewComparison(&types.ComparisonConfig{
		Runs:         1,
		Episodes:     3,
		Horizon:      10,
		RecordPath:   t.TempDir(),
		ReportConfig: types.RepConfigOff(),
		Timeout:      5 * time.Second,
	})
	c.AddAnalysis("count", counter, func(run, episodes int, names []string, ds []types.DataSet) {})
	c.AddExperiment(types.NewExperiment("noop", policies.NewNoopPolicy(), a))
	c.Run(context.Background())

	if counter.traces != 3 {
		t.Errorf("harness produced %d traces, want 3", counter.traces)
	}
	if counter.steps != 30 {
		t.Errorf("harness produced %d steps, want 30", counter.steps)
	}
	a.Close()
}
