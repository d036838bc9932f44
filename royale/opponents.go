package royale

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/rand"
)

// BotKind categorizes an opponent by origin.
type BotKind string

const (
	// BotInternal bots are the scripted training bots shipped with the project
	BotInternal BotKind = "internal"
	// BotSample bots are the stock bots bundled with the game engine
	BotSample BotKind = "sample"
	// BotSnapshot bots replay a frozen policy checkpoint
	BotSnapshot BotKind = "snapshot"
)

// BotSpec describes one launchable opponent. The server url is appended to
// the arguments at launch time.
type BotSpec struct {
	Name string   `json:"name"`
	Kind BotKind  `json:"kind"`
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
	// Tier gates when the curriculum unlocks this opponent
	Tier int `json:"tier"`
}

// DefaultRegistry builds the opponent registry from the configured bot
// directories: the scripted internal bots and the stock sample bots.
func DefaultRegistry(botsDir, sampleDir string) map[string]BotSpec {
	registry := make(map[string]BotSpec)

	internal := map[string]int{
		"noop_bot":      0,
		"simple_target": 1,
		"spin_bot":      2,
		"walls_bot":     2,
	}
	for name, tier := range internal {
		registry[name] = BotSpec{
			Name: name,
			Kind: BotInternal,
			Cmd:  path.Join(botsDir, name),
			Tier: tier,
		}
	}

	samples := []string{"Crazy", "Fire", "Corners", "RamFire", "SpinBot", "Target", "TrackFire", "VelocityBot", "Walls"}
	for _, name := range samples {
		registry[name] = BotSpec{
			Name: name,
			Kind: BotSample,
			Cmd:  path.Join(sampleDir, name),
			Tier: 3,
		}
	}
	return registry
}

// LoadRoster reads a bot registry from a json file, replacing the built in
// one.
func LoadRoster(rosterPath string) (map[string]BotSpec, error) {
	bs, err := os.ReadFile(rosterPath)
	if err != nil {
		return nil, fmt.Errorf("(royale:opponents.go:LoadRoster:1) reading roster: %s", err)
	}
	var specs []BotSpec
	if err := json.Unmarshal(bs, &specs); err != nil {
		return nil, fmt.Errorf("(royale:opponents.go:LoadRoster:2) parsing roster: %s", err)
	}
	registry := make(map[string]BotSpec)
	for _, spec := range specs {
		registry[spec.Name] = spec
	}
	return registry, nil
}

// Selector picks the opponent for the next episode out of the unlocked pool.
type Selector interface {
	Select(pool []BotSpec) (BotSpec, error)
}

// UniformSelector picks uniformly at random.
type UniformSelector struct {
	rand *rand.Rand
}

var _ Selector = &UniformSelector{}

// NewUniformSelector creates a uniform selector, a zero seed picks a time
// based one.
func NewUniformSelector(seed uint64) *UniformSelector {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &UniformSelector{rand: rand.New(rand.NewSource(seed))}
}

func (u *UniformSelector) Select(pool []BotSpec) (BotSpec, error) {
	if len(pool) == 0 {
		return BotSpec{}, errors.New("opponent pool is empty")
	}
	return pool[u.rand.Intn(len(pool))], nil
}

// PinnedSelector always picks the named opponent.
type PinnedSelector struct {
	Name string
}

var _ Selector = &PinnedSelector{}

func (p *PinnedSelector) Select(pool []BotSpec) (BotSpec, error) {
	for _, spec := range pool {
		if spec.Name == p.Name {
			return spec, nil
		}
	}
	return BotSpec{}, fmt.Errorf("opponent %s not in pool", p.Name)
}

// ErrRestartBudget is returned when a crashed opponent already used its
// restart attempt for the episode.
var ErrRestartBudget = errors.New("opponent restart budget exhausted")

// PoolStatus is the monitoring snapshot of the pool.
type PoolStatus struct {
	Current         string   `json:"current"`
	CurrentKind     string   `json:"current_kind"`
	CurrentAlive    bool     `json:"current_alive"`
	PoolSize        int      `json:"pool_size"`
	Pool            []string `json:"pool"`
	TotalLaunched   int      `json:"total_launched"`
	TotalCrashes    int      `json:"total_crashes"`
	EpisodeRestarts int      `json:"episode_restarts"`
}

// PoolManager owns the opponent of the running episode: it selects one per
// episode, launches it against the instance's server, verifies it stays up
// and replaces it once on a mid episode crash.
type PoolManager struct {
	registry   map[string]BotSpec
	pool       []BotSpec
	selector   Selector
	sup        *Supervisor
	startGrace time.Duration
	logger     *log.Logger

	mu              sync.Mutex
	serverURL       string
	current         *ProcessHandle
	currentSpec     *BotSpec
	episodeRestarts int
	totalLaunched   int
	totalCrashes    int
}

// NewPoolManager builds the pool from the instance configuration. The pool
// holds every registry bot at or below the unlocked tier, sorted by name
// for deterministic selection order.
func NewPoolManager(cfg *InstanceConfig, sup *Supervisor, selector Selector, logger *log.Logger) (*PoolManager, error) {
	var registry map[string]BotSpec
	var err error
	if cfg.RosterPath != "" {
		registry, err = LoadRoster(cfg.RosterPath)
		if err != nil {
			return nil, err
		}
	} else {
		registry = DefaultRegistry(cfg.BotsDir, cfg.SampleBotsDir)
	}

	pool := make([]BotSpec, 0, len(registry))
	for _, spec := range registry {
		if cfg.UnlockedTier >= 0 && spec.Tier > cfg.UnlockedTier {
			continue
		}
		pool = append(pool, spec)
	}
	sort.Slice(pool, func(i, j int) bool { return pool[i].Name < pool[j].Name })
	if len(pool) == 0 {
		return nil, errors.New("(royale:opponents.go:NewPoolManager:1) no opponents in pool")
	}

	if selector == nil {
		selector = NewUniformSelector(0)
	}

	return &PoolManager{
		serverURL:  cfg.ServerURL(),
		registry:   registry,
		pool:       pool,
		selector:   selector,
		sup:        sup,
		startGrace: cfg.OpponentStartGrace,
		logger:     logger,
	}, nil
}

// SetServerURL updates the endpoint bots are launched against, used when
// the server moved to a fallback port.
func (p *PoolManager) SetServerURL(url string) {
	p.mu.Lock()
	p.serverURL = url
	p.mu.Unlock()
}

// Pool returns the unlocked opponent specs.
func (p *PoolManager) Pool() []BotSpec {
	out := make([]BotSpec, len(p.pool))
	copy(out, p.pool)
	return out
}

// StartEpisodeOpponent stops the previous opponent, selects the next one
// and launches it. The restart budget resets with every episode.
func (p *PoolManager) StartEpisodeOpponent() (*BotSpec, error) {
	p.StopAll()

	spec, err := p.selector.Select(p.Pool())
	if err != nil {
		return nil, fmt.Errorf("(royale:opponents.go:PoolManager:StartEpisodeOpponent:1) selecting opponent: %s", err)
	}

	handle, err := p.launch(spec)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.current = handle
	p.currentSpec = &spec
	p.episodeRestarts = 0
	p.mu.Unlock()
	return &spec, nil
}

// launch starts the bot process and verifies it survives the start grace,
// a bot that dies immediately failed its launch.
func (p *PoolManager) launch(spec BotSpec) (*ProcessHandle, error) {
	p.mu.Lock()
	url := p.serverURL
	p.mu.Unlock()

	args := append(append([]string{}, spec.Args...), url)
	handle, err := p.sup.Start(ProcessSpec{
		Name: "bot-" + spec.Name,
		Path: spec.Cmd,
		Args: args,
	})
	if err != nil {
		return nil, fmt.Errorf("(royale:opponents.go:PoolManager:launch:1) launching %s: %s", spec.Name, err)
	}

	p.mu.Lock()
	p.totalLaunched += 1
	p.mu.Unlock()

	time.Sleep(p.startGrace)
	if !p.sup.IsAlive(handle) {
		stdout, stderr := handle.Logs()
		p.sup.Stop(handle)
		return nil, fmt.Errorf("(royale:opponents.go:PoolManager:launch:2) %s died at launch, stdout: %s, stderr: %s", spec.Name, stdout, stderr)
	}
	p.logger.Printf("opponent %s up", spec.Name)
	return handle, nil
}

// Crashed reports whether the current opponent died outside a deliberate
// stop.
func (p *PoolManager) Crashed() bool {
	p.mu.Lock()
	current := p.current
	p.mu.Unlock()
	if current == nil {
		return false
	}
	return current.Exited() && current.State() == ProcessCrashed
}

// RestartCrashed relaunches the crashed opponent with the same spec. Each
// episode gets exactly one restart attempt, further crashes return
// ErrRestartBudget.
func (p *PoolManager) RestartCrashed() error {
	if !p.Crashed() {
		return nil
	}

	p.mu.Lock()
	p.totalCrashes += 1
	spec := p.currentSpec
	restarts := p.episodeRestarts
	p.mu.Unlock()

	if spec == nil {
		return errors.New("(royale:opponents.go:PoolManager:RestartCrashed:1) no opponent to restart")
	}
	if restarts >= 1 {
		return fmt.Errorf("(royale:opponents.go:PoolManager:RestartCrashed:2) %s: %w", spec.Name, ErrRestartBudget)
	}

	p.logger.Printf("opponent %s crashed, restarting", spec.Name)
	handle, err := p.launch(*spec)
	if err != nil {
		p.mu.Lock()
		p.episodeRestarts += 1
		p.mu.Unlock()
		return fmt.Errorf("(royale:opponents.go:PoolManager:RestartCrashed:3) restart failed: %s", err)
	}

	p.mu.Lock()
	p.current = handle
	p.episodeRestarts += 1
	p.mu.Unlock()
	return nil
}

// Current returns the spec of the running opponent.
func (p *PoolManager) Current() (BotSpec, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentSpec == nil {
		return BotSpec{}, false
	}
	return *p.currentSpec, true
}

// StopAll stops the current opponent. Safe to call with none running.
func (p *PoolManager) StopAll() error {
	p.mu.Lock()
	current := p.current
	p.current = nil
	p.currentSpec = nil
	p.mu.Unlock()

	if current == nil {
		return nil
	}
	return p.sup.Stop(current)
}

// Status returns the monitoring snapshot.
func (p *PoolManager) Status() PoolStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := PoolStatus{
		PoolSize:        len(p.pool),
		TotalLaunched:   p.totalLaunched,
		TotalCrashes:    p.totalCrashes,
		EpisodeRestarts: p.episodeRestarts,
	}
	for _, spec := range p.pool {
		status.Pool = append(status.Pool, spec.Name)
	}
	if p.currentSpec != nil {
		status.Current = p.currentSpec.Name
		status.CurrentKind = string(p.currentSpec.Kind)
		status.CurrentAlive = p.sup.IsAlive(p.current)
	}
	return status
}
