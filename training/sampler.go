package training

import (
	"fmt"
	"log"
	"os"
	"path"
	"sync"
	"time"

	"github.com/zeu5/tankrl/royale"
	"golang.org/x/exp/rand"
)

// snapshotRunner is the launcher expected inside a snapshot directory.
const snapshotRunner = "run.sh"

// OpponentSampler turns the curriculum stage and the league into opponent
// selections for the pool manager. Foundation stages pin the stage's
// scripted bot, self play stages mix league snapshots against the static
// sample bots. Safe for use by parallel environment instances.
type OpponentSampler struct {
	curriculum *Curriculum
	league     *League
	// probability of a league snapshot over a static bot in self play
	selfPlayRatio float64

	lock   *sync.Mutex
	rand   *rand.Rand
	logger *log.Logger
}

var _ royale.Selector = &OpponentSampler{}

func NewOpponentSampler(curriculum *Curriculum, league *League, selfPlayRatio float64, seed uint64) *OpponentSampler {
	if selfPlayRatio <= 0 || selfPlayRatio > 1 {
		selfPlayRatio = 0.7
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &OpponentSampler{
		curriculum:    curriculum,
		league:        league,
		selfPlayRatio: selfPlayRatio,
		lock:          new(sync.Mutex),
		rand:          rand.New(rand.NewSource(seed)),
		logger:        log.New(os.Stderr, "[sampler] ", log.LstdFlags|log.Lmsgprefix),
	}
}

func (o *OpponentSampler) Select(pool []royale.BotSpec) (royale.BotSpec, error) {
	stage := o.curriculum.Stage()

	if !stage.SelfPlay {
		for _, spec := range pool {
			if spec.Name == stage.Opponent {
				return spec, nil
			}
		}
		return royale.BotSpec{}, fmt.Errorf("(training:sampler.go:OpponentSampler:Select:1) stage %s opponent %s not in pool", stage.Name, stage.Opponent)
	}

	o.lock.Lock()
	drawSnapshot := o.rand.Float64() < o.selfPlayRatio
	o.lock.Unlock()

	if drawSnapshot && o.league != nil && o.league.Len() > 0 {
		snap, err := o.league.Sample()
		if err == nil {
			return snapshotSpec(snap), nil
		}
		o.logger.Printf("league draw failed, using a static bot: %s", err)
	}

	samples := make([]royale.BotSpec, 0, len(pool))
	for _, spec := range pool {
		if spec.Kind == royale.BotSample {
			samples = append(samples, spec)
		}
	}
	if len(samples) == 0 {
		samples = pool
	}
	if len(samples) == 0 {
		return royale.BotSpec{}, fmt.Errorf("(training:sampler.go:OpponentSampler:Select:2) no static opponents in pool")
	}

	o.lock.Lock()
	pick := samples[o.rand.Intn(len(samples))]
	o.lock.Unlock()
	return pick, nil
}

// snapshotSpec wraps a league snapshot as a launchable opponent. The
// snapshot directory carries its own runner next to the weights.
func snapshotSpec(snap Snapshot) royale.BotSpec {
	return royale.BotSpec{
		Name: fmt.Sprintf("snapshot_%d", snap.Iteration),
		Kind: royale.BotSnapshot,
		Cmd:  path.Join(snap.Dir, snapshotRunner),
	}
}

// SnapshotIteration parses the iteration back out of a snapshot opponent
// name, the inverse of snapshotSpec.
func SnapshotIteration(name string) (int, bool) {
	var iter int
	if _, err := fmt.Sscanf(name, "snapshot_%d", &iter); err != nil {
		return 0, false
	}
	return iter, true
}
