package types

import (
	"math"
	"os"
	"path"
	"testing"
)

func TestRewardAnalyzer(t *testing.T) {
	a := NewRewardAnalyzer()
	a.Analyze(0, 0, 0, "exp", traceWithRewards("win", 1, 0.5))
	a.Analyze(0, 1, 0, "exp", traceWithRewards("death", -0.5))
	invalid := traceWithRewards("timeout", 0)
	invalid.Invalid = true
	a.Analyze(0, 2, 0, "exp", invalid)

	rewards := a.DataSet().([]float64)
	if len(rewards) != 3 {
		t.Fatalf("series length wrong: %d", len(rewards))
	}
	if rewards[0] != 1.5 || rewards[1] != -0.5 {
		t.Errorf("rewards wrong: %v", rewards)
	}
	// invalid episodes hold their slot as NaN
	if !math.IsNaN(rewards[2]) {
		t.Errorf("invalid episode not NaN: %f", rewards[2])
	}

	a.Reset()
	if len(a.DataSet().([]float64)) != 0 {
		t.Errorf("reset kept the series")
	}
}

func TestWinRateAnalyzer(t *testing.T) {
	a := NewWinRateAnalyzer(4)
	if a.Current() != 0 {
		t.Errorf("empty analyzer rate: %f", a.Current())
	}

	outcomes := []string{"win", "death", "win", "win"}
	for i, o := range outcomes {
		a.Analyze(0, i, 0, "exp", traceWithRewards(o, 1))
	}
	if a.Current() != 0.75 {
		t.Errorf("rolling rate wrong: %f", a.Current())
	}

	// the window slides, four straight wins take it to one
	for i := 0; i < 4; i++ {
		a.Analyze(0, 4+i, 0, "exp", traceWithRewards("win", 1))
	}
	if a.Current() != 1.0 {
		t.Errorf("slid window rate wrong: %f", a.Current())
	}

	// invalid episodes do not count but still extend the series
	invalid := traceWithRewards("timeout", 0)
	invalid.Invalid = true
	a.Analyze(0, 8, 0, "exp", invalid)
	if a.Current() != 1.0 {
		t.Errorf("invalid episode moved the rate: %f", a.Current())
	}
	rates := a.DataSet().([]float64)
	if len(rates) != 9 {
		t.Fatalf("series length wrong: %d", len(rates))
	}
	if rates[0] != 1.0 || rates[1] != 0.5 {
		t.Errorf("early rates wrong: %v", rates[:2])
	}

	// zero window falls back to the default
	if NewWinRateAnalyzer(0) == nil {
		t.Errorf("zero window rejected")
	}
}

func TestEpisodeLengthAnalyzer(t *testing.T) {
	a := NewEpisodeLengthAnalyzer()
	a.Analyze(0, 0, 0, "exp", traceWithRewards("", 0, 0))
	a.Analyze(0, 1, 0, "exp", traceWithRewards("win", 0, 0, 0, 0, 1))

	lengths := a.DataSet().([]int)
	if len(lengths) != 2 || lengths[0] != 2 || lengths[1] != 5 {
		t.Errorf("lengths wrong: %v", lengths)
	}
	a.Reset()
	if len(a.DataSet().([]int)) != 0 {
		t.Errorf("reset kept the series")
	}
}

func TestOutcomeAnalyzer(t *testing.T) {
	a := NewOutcomeAnalyzer()
	for _, o := range []string{"win", "win", "death", ""} {
		a.Analyze(0, 0, 0, "exp", traceWithRewards(o, 0))
	}

	counts := a.DataSet().(map[string]int)
	if counts["win"] != 2 || counts["death"] != 1 || counts["horizon"] != 1 {
		t.Errorf("tally wrong: %v", counts)
	}

	// the dataset is a copy
	counts["win"] = 99
	if a.DataSet().(map[string]int)["win"] != 2 {
		t.Errorf("dataset shares the internal map")
	}

	a.Reset()
	if len(a.DataSet().(map[string]int)) != 0 {
		t.Errorf("reset kept the tally")
	}
}

func TestRewardComparatorWritesPlot(t *testing.T) {
	dir := t.TempDir()
	comparator := RewardComparator(dir)
	comparator(2, 3, []string{"tracking", "random"}, []DataSet{
		[]float64{1, math.NaN(), 0.5},
		[]float64{0, 0.25, 0.75},
	})
	if _, err := os.Stat(path.Join(dir, "2_rewards.png")); err != nil {
		t.Errorf("plot not written: %s", err)
	}
}
