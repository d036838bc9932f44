package types

import (
	"fmt"
	"math"
	"os"
	"path"
	"strconv"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// RewardAnalyzer collects the cumulative reward of every episode. Invalid
// episodes are recorded as NaN so that the series stays aligned across
// experiments, the comparators filter them out.
type RewardAnalyzer struct {
	rewards []float64
}

var _ Analyzer = &RewardAnalyzer{}

func NewRewardAnalyzer() *RewardAnalyzer {
	return &RewardAnalyzer{rewards: make([]float64, 0)}
}

func (r *RewardAnalyzer) Analyze(run, episodes, timesteps int, name string, trace *Trace) {
	if trace.Invalid {
		r.rewards = append(r.rewards, math.NaN())
		return
	}
	r.rewards = append(r.rewards, trace.CumulativeReward())
}

func (r *RewardAnalyzer) DataSet() DataSet {
	out := make([]float64, len(r.rewards))
	copy(out, r.rewards)
	return out
}

func (r *RewardAnalyzer) Reset() {
	r.rewards = make([]float64, 0)
}

// RewardComparator plots the per episode cumulative reward of each experiment
func RewardComparator(plotPath string) Comparator {
	if _, err := os.Stat(plotPath); err != nil {
		os.MkdirAll(plotPath, os.ModePerm)
	}
	return func(run, episodes int, names []string, ds []DataSet) {
		p := plot.New()
		p.Title.Text = "Episode reward"
		p.X.Label.Text = "Episode"
		p.Y.Label.Text = "Cumulative reward"
		for i := 0; i < len(names); i++ {
			if ds[i] == nil {
				continue
			}
			rewards := ds[i].([]float64)
			points := make(plotter.XYs, 0, len(rewards))
			for j, v := range rewards {
				if math.IsNaN(v) {
					continue
				}
				points = append(points, plotter.XY{
					X: float64(j),
					Y: v,
				})
			}
			line, err := plotter.NewLine(points)
			if err != nil {
				continue
			}
			line.Color = plotutil.Color(i)
			p.Add(line)
			p.Legend.Add(names[i], line)
		}
		p.Save(8*vg.Inch, 8*vg.Inch, path.Join(plotPath, strconv.Itoa(run)+"_rewards.png"))
	}
}

// WinRateAnalyzer tracks the rolling win rate over the last window valid
// episodes, one value appended per episode.
type WinRateAnalyzer struct {
	window  int
	history []float64
	rates   []float64
}

var _ Analyzer = &WinRateAnalyzer{}

func NewWinRateAnalyzer(window int) *WinRateAnalyzer {
	if window <= 0 {
		window = 100
	}
	return &WinRateAnalyzer{
		window:  window,
		history: make([]float64, 0),
		rates:   make([]float64, 0),
	}
}

func (w *WinRateAnalyzer) Analyze(run, episodes, timesteps int, name string, trace *Trace) {
	if !trace.Invalid {
		win := 0.0
		if trace.Won() {
			win = 1.0
		}
		w.history = append(w.history, win)
	}
	w.rates = append(w.rates, w.Current())
}

// Current returns the rolling win rate over the last window valid episodes.
func (w *WinRateAnalyzer) Current() float64 {
	if len(w.history) == 0 {
		return 0
	}
	start := 0
	if len(w.history) > w.window {
		start = len(w.history) - w.window
	}
	return stat.Mean(w.history[start:], nil)
}

func (w *WinRateAnalyzer) DataSet() DataSet {
	out := make([]float64, len(w.rates))
	copy(out, w.rates)
	return out
}

func (w *WinRateAnalyzer) Reset() {
	w.history = make([]float64, 0)
	w.rates = make([]float64, 0)
}

// WinRateComparator plots the rolling win rate of each experiment
func WinRateComparator(plotPath string) Comparator {
	if _, err := os.Stat(plotPath); err != nil {
		os.MkdirAll(plotPath, os.ModePerm)
	}
	return func(run, episodes int, names []string, ds []DataSet) {
		p := plot.New()
		p.Title.Text = "Win rate"
		p.X.Label.Text = "Episode"
		p.Y.Label.Text = "Rolling win rate"
		for i := 0; i < len(names); i++ {
			if ds[i] == nil {
				continue
			}
			rates := ds[i].([]float64)
			points := make(plotter.XYs, len(rates))
			for j, v := range rates {
				points[j] = plotter.XY{
					X: float64(j),
					Y: v,
				}
			}
			line, err := plotter.NewLine(points)
			if err != nil {
				continue
			}
			line.Color = plotutil.Color(i)
			p.Add(line)
			p.Legend.Add(names[i], line)
			if len(rates) > 0 {
				fmt.Printf("Final win rate: %.3f for experiment: %s\n", rates[len(rates)-1], names[i])
			}
		}
		p.Save(8*vg.Inch, 8*vg.Inch, path.Join(plotPath, strconv.Itoa(run)+"_win_rate.png"))
	}
}

// EpisodeLengthAnalyzer collects the number of steps of every episode.
type EpisodeLengthAnalyzer struct {
	lengths []int
}

var _ Analyzer = &EpisodeLengthAnalyzer{}

func NewEpisodeLengthAnalyzer() *EpisodeLengthAnalyzer {
	return &EpisodeLengthAnalyzer{lengths: make([]int, 0)}
}

func (e *EpisodeLengthAnalyzer) Analyze(run, episodes, timesteps int, name string, trace *Trace) {
	e.lengths = append(e.lengths, trace.Len())
}

func (e *EpisodeLengthAnalyzer) DataSet() DataSet {
	out := make([]int, len(e.lengths))
	copy(out, e.lengths)
	return out
}

func (e *EpisodeLengthAnalyzer) Reset() {
	e.lengths = make([]int, 0)
}

// EpisodeLengthComparator plots the per episode length of each experiment
func EpisodeLengthComparator(plotPath string) Comparator {
	if _, err := os.Stat(plotPath); err != nil {
		os.MkdirAll(plotPath, os.ModePerm)
	}
	return func(run, episodes int, names []string, ds []DataSet) {
		p := plot.New()
		p.Title.Text = "Episode length"
		p.X.Label.Text = "Episode"
		p.Y.Label.Text = "Steps"
		for i := 0; i < len(names); i++ {
			if ds[i] == nil {
				continue
			}
			lengths := ds[i].([]int)
			points := make(plotter.XYs, len(lengths))
			for j, v := range lengths {
				points[j] = plotter.XY{
					X: float64(j),
					Y: float64(v),
				}
			}
			line, err := plotter.NewLine(points)
			if err != nil {
				continue
			}
			line.Color = plotutil.Color(i)
			p.Add(line)
			p.Legend.Add(names[i], line)
		}
		p.Save(8*vg.Inch, 8*vg.Inch, path.Join(plotPath, strconv.Itoa(run)+"_episode_length.png"))
	}
}

// OutcomeAnalyzer tallies the episode outcomes reported by the environment.
type OutcomeAnalyzer struct {
	counts map[string]int
}

var _ Analyzer = &OutcomeAnalyzer{}

func NewOutcomeAnalyzer() *OutcomeAnalyzer {
	return &OutcomeAnalyzer{counts: make(map[string]int)}
}

func (o *OutcomeAnalyzer) Analyze(run, episodes, timesteps int, name string, trace *Trace) {
	outcome := trace.Outcome
	if outcome == "" {
		outcome = "horizon"
	}
	o.counts[outcome] += 1
}

func (o *OutcomeAnalyzer) DataSet() DataSet {
	out := make(map[string]int)
	for k, v := range o.counts {
		out[k] = v
	}
	return out
}

func (o *OutcomeAnalyzer) Reset() {
	o.counts = make(map[string]int)
}

// OutcomeComparator prints the outcome tally of each experiment
func OutcomeComparator() Comparator {
	return func(run, episodes int, names []string, ds []DataSet) {
		for i := 0; i < len(names); i++ {
			if ds[i] == nil {
				continue
			}
			counts := ds[i].(map[string]int)
			fmt.Printf("Outcomes for experiment %s: ", names[i])
			for outcome, count := range counts {
				fmt.Printf("%s=%d ", outcome, count)
			}
			fmt.Println("")
		}
	}
}
