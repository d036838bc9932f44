package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/sampleuv"
)

const (
	defaultLeagueSize = 20
	// protected from pruning besides the latest snapshot
	protectedTopElo = 3

	eloK       = 32.0
	eloScale   = 400.0
	initialElo = 1000.0
)

// Snapshot is one frozen policy checkpoint in the self play league. The
// weight payload lives under Dir and belongs to the external training
// stack, the league only keeps the metadata.
type Snapshot struct {
	Iteration int                `json:"iteration"`
	Dir       string             `json:"dir"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
	Elo       float64            `json:"elo"`
}

// SamplingStrategy names how league opponents are drawn.
type SamplingStrategy string

const (
	// SamplePrioritized concentrates on the newest snapshots: the last 3
	// share 70%, everything older 20%, and 10% is spread uniformly
	SamplePrioritized SamplingStrategy = "prioritized"
	SampleUniform     SamplingStrategy = "uniform"
	// SampleEloMatched weighs snapshots by rating closeness to the live
	// policy
	SampleEloMatched SamplingStrategy = "elo_matched"
)

// League maintains the frozen policy snapshots the agent trains against in
// self play, with an Elo rating per snapshot and for the live policy.
type League struct {
	lock     *sync.Mutex
	maxSize  int
	strategy SamplingStrategy
	rand     rand.Source

	// ordered by iteration, the last entry is the latest snapshot
	snapshots  []Snapshot
	currentElo float64
}

func NewLeague(maxSize int, strategy SamplingStrategy, seed uint64) *League {
	if maxSize <= 0 {
		maxSize = defaultLeagueSize
	}
	if strategy == "" {
		strategy = SamplePrioritized
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &League{
		lock:       new(sync.Mutex),
		maxSize:    maxSize,
		strategy:   strategy,
		rand:       rand.NewSource(seed),
		snapshots:  make([]Snapshot, 0),
		currentElo: initialElo,
	}
}

// Add freezes a new snapshot. A zero Elo inherits the live policy's
// current rating. When the league is over capacity the weakest snapshot is
// pruned, never the latest and never the top rated ones.
func (l *League) Add(snap Snapshot) {
	l.lock.Lock()
	defer l.lock.Unlock()

	if snap.Elo == 0 {
		snap.Elo = l.currentElo
	}
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now()
	}
	l.snapshots = append(l.snapshots, snap)
	for len(l.snapshots) > l.maxSize {
		l.prune()
	}
}

// prune removes the lowest rated snapshot outside the protected set: the
// latest snapshot and the top rated ones always survive.
func (l *League) prune() {
	protected := make(map[int]bool)
	protected[len(l.snapshots)-1] = true

	byElo := make([]int, len(l.snapshots))
	for i := range byElo {
		byElo[i] = i
	}
	sort.Slice(byElo, func(a, b int) bool {
		return l.snapshots[byElo[a]].Elo > l.snapshots[byElo[b]].Elo
	})
	for i := 0; i < protectedTopElo && i < len(byElo); i++ {
		protected[byElo[i]] = true
	}

	victim := -1
	for i := len(byElo) - 1; i >= 0; i-- {
		if !protected[byElo[i]] {
			victim = byElo[i]
			break
		}
	}
	if victim < 0 {
		return
	}
	l.snapshots = append(l.snapshots[:victim], l.snapshots[victim+1:]...)
}

// Len returns the number of snapshots.
func (l *League) Len() int {
	l.lock.Lock()
	defer l.lock.Unlock()
	return len(l.snapshots)
}

// Latest returns the most recent snapshot.
func (l *League) Latest() (Snapshot, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if len(l.snapshots) == 0 {
		return Snapshot{}, false
	}
	return l.snapshots[len(l.snapshots)-1], true
}

// Sample draws one snapshot according to the configured strategy.
func (l *League) Sample() (Snapshot, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	n := len(l.snapshots)
	if n == 0 {
		return Snapshot{}, errors.New("league is empty")
	}
	if n == 1 {
		return l.snapshots[0], nil
	}

	weights := make([]float64, n)
	switch l.strategy {
	case SampleUniform:
		for i := range weights {
			weights[i] = 1.0 / float64(n)
		}
	case SampleEloMatched:
		for i, s := range l.snapshots {
			weights[i] = math.Exp(-math.Abs(s.Elo-l.currentElo) / 200.0)
		}
	default: // prioritized
		recent := 3
		if recent > n {
			recent = n
		}
		older := n - recent
		recentShare := 0.7
		if older == 0 {
			recentShare = 0.9
		}
		for i := range weights {
			weights[i] = 0.1 / float64(n)
			if i >= older {
				weights[i] += recentShare / float64(recent)
			} else {
				weights[i] += 0.2 / float64(older)
			}
		}
	}

	i, ok := sampleuv.NewWeighted(weights, l.rand).Take()
	if !ok {
		return Snapshot{}, errors.New("(training:league.go:League:Sample:1) weighted draw failed")
	}
	return l.snapshots[i], nil
}

// RecordResult applies the Elo update for one match of the live policy
// against the snapshot frozen at the given iteration.
func (l *League) RecordResult(snapshotIteration int, policyWon bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	idx := -1
	for i, s := range l.snapshots {
		if s.Iteration == snapshotIteration {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	snap := l.snapshots[idx]
	expected := 1.0 / (1.0 + math.Pow(10, (snap.Elo-l.currentElo)/eloScale))
	score := 0.0
	if policyWon {
		score = 1.0
	}
	l.currentElo += eloK * (score - expected)
	l.snapshots[idx].Elo += eloK * ((1 - score) - (1 - expected))
}

// CurrentElo returns the live policy's rating.
func (l *League) CurrentElo() float64 {
	l.lock.Lock()
	defer l.lock.Unlock()
	return l.currentElo
}

// Standings returns the snapshots ordered by rating, best first. Served by
// the monitor's league endpoint.
func (l *League) Standings() []Snapshot {
	l.lock.Lock()
	defer l.lock.Unlock()

	out := make([]Snapshot, len(l.snapshots))
	copy(out, l.snapshots)
	sort.Slice(out, func(a, b int) bool {
		if out[a].Elo == out[b].Elo {
			return out[a].Iteration > out[b].Iteration
		}
		return out[a].Elo > out[b].Elo
	})
	return out
}

// checkpoint layout of the league metadata
type leagueCheckpoint struct {
	MaxSize    int              `json:"max_size"`
	Strategy   SamplingStrategy `json:"strategy"`
	CurrentElo float64          `json:"current_elo"`
	Snapshots  []Snapshot       `json:"snapshots"`
}

// Save writes the league metadata as json.
func (l *League) Save(path string) error {
	l.lock.Lock()
	ckpt := leagueCheckpoint{
		MaxSize:    l.maxSize,
		Strategy:   l.strategy,
		CurrentElo: l.currentElo,
		Snapshots:  l.snapshots,
	}
	l.lock.Unlock()

	bs, err := json.MarshalIndent(ckpt, "", "  ")
	if err != nil {
		return fmt.Errorf("(training:league.go:League:Save:1) marshaling checkpoint: %s", err)
	}
	if err := os.WriteFile(path, bs, 0644); err != nil {
		return fmt.Errorf("(training:league.go:League:Save:2) writing checkpoint: %s", err)
	}
	return nil
}

// LoadLeague restores a saved league.
func LoadLeague(path string, seed uint64) (*League, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("(training:league.go:LoadLeague:1) reading checkpoint: %s", err)
	}
	ckpt := leagueCheckpoint{}
	if err := json.Unmarshal(bs, &ckpt); err != nil {
		return nil, fmt.Errorf("(training:league.go:LoadLeague:2) parsing checkpoint: %s", err)
	}

	l := NewLeague(ckpt.MaxSize, ckpt.Strategy, seed)
	l.snapshots = append(l.snapshots, ckpt.Snapshots...)
	if ckpt.CurrentElo != 0 {
		l.currentElo = ckpt.CurrentElo
	}
	return l, nil
}
