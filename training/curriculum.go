package training

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// winRateWindow is the rolling window the progression milestone is
// evaluated on.
const winRateWindow = 100

// Stage is one rung of the opponent curriculum. Foundation stages pin a
// scripted opponent, the self play stage samples from the league.
type Stage struct {
	Name             string  `json:"name"`
	Opponent         string  `json:"opponent"`
	MinIterations    int     `json:"min_iterations"`
	MaxIterations    int     `json:"max_iterations"`
	WinRateMilestone float64 `json:"win_rate_milestone"`
	SelfPlay         bool    `json:"self_play"`
}

// DefaultStages is the training ladder: stationary target, moving target,
// spinning shooter, then self play. MaxIterations zero means unbounded.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "1.1_stationary", Opponent: "noop_bot", MinIterations: 500, MaxIterations: 2000, WinRateMilestone: 0.9},
		{Name: "1.2_simple_target", Opponent: "simple_target", MinIterations: 2000, MaxIterations: 10000, WinRateMilestone: 0.9},
		{Name: "1.3_simple_spin", Opponent: "spin_bot", MinIterations: 5000, MaxIterations: 20000, WinRateMilestone: 0.9},
		{Name: "2.1_self_play", MinIterations: 10000, WinRateMilestone: 0.55, SelfPlay: true},
	}
}

// Curriculum advances through the stages on the rolling win rate. A stage
// is passed when its minimum iterations are spent and the rolling mean win
// rate reaches the milestone, or unconditionally at the iteration cap. The
// window restarts on every stage change since the opponent changes with it.
type Curriculum struct {
	lock       *sync.Mutex
	stages     []Stage
	current    int
	iterations []int
	window     []float64
}

func NewCurriculum(stages []Stage) *Curriculum {
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	return &Curriculum{
		lock:       new(sync.Mutex),
		stages:     stages,
		iterations: make([]int, len(stages)),
		window:     make([]float64, 0, winRateWindow),
	}
}

// Stage returns the active stage.
func (c *Curriculum) Stage() Stage {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.stages[c.current]
}

// StageIndex returns the index of the active stage.
func (c *Curriculum) StageIndex() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

// StageIterations returns the iterations spent in the active stage.
func (c *Curriculum) StageIterations() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.iterations[c.current]
}

// RollingWinRate returns the mean over the current window, zero until the
// first episode is recorded.
func (c *Curriculum) RollingWinRate() float64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.rollingWinRate()
}

func (c *Curriculum) rollingWinRate() float64 {
	if len(c.window) == 0 {
		return 0
	}
	return stat.Mean(c.window, nil)
}

// RecordEpisode feeds one episode result and returns true when the
// curriculum advanced to the next stage because of it.
func (c *Curriculum) RecordEpisode(won bool) bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	v := 0.0
	if won {
		v = 1.0
	}
	c.window = append(c.window, v)
	if len(c.window) > winRateWindow {
		c.window = c.window[len(c.window)-winRateWindow:]
	}
	c.iterations[c.current]++

	if c.current >= len(c.stages)-1 {
		return false
	}
	stage := c.stages[c.current]
	iters := c.iterations[c.current]

	capped := stage.MaxIterations > 0 && iters >= stage.MaxIterations
	// the milestone only counts on a full window
	passed := iters >= stage.MinIterations &&
		len(c.window) >= winRateWindow &&
		c.rollingWinRate() >= stage.WinRateMilestone
	if !capped && !passed {
		return false
	}

	c.current++
	c.window = c.window[:0]
	return true
}

// checkpoint layout of the curriculum state
type curriculumCheckpoint struct {
	Stages     []Stage   `json:"stages"`
	Current    int       `json:"current"`
	Iterations []int     `json:"iterations"`
	Window     []float64 `json:"window"`
}

// Save writes the curriculum state as json.
func (c *Curriculum) Save(path string) error {
	c.lock.Lock()
	ckpt := curriculumCheckpoint{
		Stages:     c.stages,
		Current:    c.current,
		Iterations: c.iterations,
		Window:     c.window,
	}
	c.lock.Unlock()

	bs, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("(training:curriculum.go:Curriculum:Save:1) marshaling checkpoint: %s", err)
	}
	if err := os.WriteFile(path, bs, 0644); err != nil {
		return fmt.Errorf("(training:curriculum.go:Curriculum:Save:2) writing checkpoint: %s", err)
	}
	return nil
}

// LoadCurriculum restores a saved curriculum.
func LoadCurriculum(path string) (*Curriculum, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("(training:curriculum.go:LoadCurriculum:1) reading checkpoint: %s", err)
	}
	ckpt := curriculumCheckpoint{}
	if err := json.Unmarshal(bs, &ckpt); err != nil {
		return nil, fmt.Errorf("(training:curriculum.go:LoadCurriculum:2) parsing checkpoint: %s", err)
	}
	if len(ckpt.Stages) == 0 || ckpt.Current < 0 || ckpt.Current >= len(ckpt.Stages) {
		return nil, fmt.Errorf("(training:curriculum.go:LoadCurriculum:3) invalid checkpoint %s", path)
	}

	c := NewCurriculum(ckpt.Stages)
	c.current = ckpt.Current
	if len(ckpt.Iterations) == len(ckpt.Stages) {
		c.iterations = ckpt.Iterations
	}
	c.window = append(c.window, ckpt.Window...)
	if len(c.window) > winRateWindow {
		c.window = c.window[len(c.window)-winRateWindow:]
	}
	return c, nil
}
