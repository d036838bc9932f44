package training

import (
	"fmt"
	"log"
	"os"
	"path"
	"sync"

	"github.com/zeu5/tankrl/royale"
	"github.com/zeu5/tankrl/types"
)

// CurriculumTracker plugs the curriculum and league into the experiment
// loop as an analyzer: every valid trace advances the rolling win rate,
// and matches against league snapshots update the Elo ratings. One tracker
// is shared by all experiments of a training run, so its factory must hand
// out the same instance.
type CurriculumTracker struct {
	curriculum *Curriculum
	league     *League
	// savePath, when set, receives curriculum.json and league.json
	// checkpoints on every stage change
	savePath string
	logger   *log.Logger

	lock     *sync.Mutex
	advances []string
}

var _ types.Analyzer = &CurriculumTracker{}

func NewCurriculumTracker(curriculum *Curriculum, league *League, savePath string) *CurriculumTracker {
	return &CurriculumTracker{
		curriculum: curriculum,
		league:     league,
		savePath:   savePath,
		logger:     log.New(os.Stderr, "[curriculum] ", log.LstdFlags|log.Lmsgprefix),
		lock:       new(sync.Mutex),
		advances:   make([]string, 0),
	}
}

func (c *CurriculumTracker) Analyze(run int, episode int, timestep int, expName string, trace *types.Trace) {
	if trace == nil || trace.Invalid {
		return
	}
	won := trace.Won()

	if c.league != nil {
		if _, _, res, ok := trace.Last(); ok && res != nil && res.Info != nil {
			kind, _ := res.Info["opponent_kind"].(string)
			name, _ := res.Info["opponent"].(string)
			if kind == string(royale.BotSnapshot) && name != "" {
				if iter, ok := SnapshotIteration(name); ok {
					c.league.RecordResult(iter, won)
				}
			}
		}
	}

	if c.curriculum.RecordEpisode(won) {
		stage := c.curriculum.Stage()
		c.logger.Printf("advanced to stage %s at episode %d of %s", stage.Name, episode, expName)
		c.lock.Lock()
		c.advances = append(c.advances, fmt.Sprintf("%s@%d", stage.Name, episode))
		c.lock.Unlock()
		c.checkpoint()
	}
}

func (c *CurriculumTracker) checkpoint() {
	if c.savePath == "" {
		return
	}
	if err := c.curriculum.Save(path.Join(c.savePath, "curriculum.json")); err != nil {
		c.logger.Printf("saving curriculum checkpoint: %s", err)
	}
	if c.league == nil {
		return
	}
	if err := c.league.Save(path.Join(c.savePath, "league.json")); err != nil {
		c.logger.Printf("saving league checkpoint: %s", err)
	}
}

// CurriculumDataSet is the tracker's per run summary.
type CurriculumDataSet struct {
	Stage           string
	StageIndex      int
	StageIterations int
	RollingWinRate  float64
	PolicyElo       float64
	LeagueSize      int
	Advances        []string
}

func (c *CurriculumTracker) DataSet() types.DataSet {
	c.lock.Lock()
	advances := make([]string, len(c.advances))
	copy(advances, c.advances)
	c.lock.Unlock()

	ds := CurriculumDataSet{
		Stage:           c.curriculum.Stage().Name,
		StageIndex:      c.curriculum.StageIndex(),
		StageIterations: c.curriculum.StageIterations(),
		RollingWinRate:  c.curriculum.RollingWinRate(),
		Advances:        advances,
	}
	if c.league != nil {
		ds.PolicyElo = c.league.CurrentElo()
		ds.LeagueSize = c.league.Len()
	}
	return ds
}

// Reset clears the per run bookkeeping. The curriculum and league span
// runs and are left alone.
func (c *CurriculumTracker) Reset() {
	c.lock.Lock()
	c.advances = c.advances[:0]
	c.lock.Unlock()
}

// CurriculumComparator prints the progression summary of every experiment
// at the end of a run.
func CurriculumComparator() types.Comparator {
	return func(run, episodes int, names []string, ds []types.DataSet) {
		for i := 0; i < len(names); i++ {
			if ds[i] == nil {
				continue
			}
			s, ok := ds[i].(CurriculumDataSet)
			if !ok {
				continue
			}
			fmt.Printf("Curriculum for experiment %s: stage=%s win_rate=%.2f elo=%.0f league=%d advances=%v\n",
				names[i], s.Stage, s.RollingWinRate, s.PolicyElo, s.LeagueSize, s.Advances)
		}
	}
}
