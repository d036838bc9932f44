package royale

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/zeu5/tankrl/types"
)

// retries on a random high port when the assigned server port is taken
const serverPortRetries = 5

// Phase of the episode bridge state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseResetting
	PhaseAwaitingFirstTick
	PhaseRunning
	PhaseTerminating
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseResetting:
		return "resetting"
	case PhaseAwaitingFirstTick:
		return "awaiting_first_tick"
	case PhaseRunning:
		return "running"
	case PhaseTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// gameLink is the part of Link the bridge depends on, tests swap in fakes.
type gameLink interface {
	SendAction(a types.Action) error
	PollEvents(wait time.Duration) []GameEvent
	Connected() bool
	Close() error
}

var _ gameLink = &Link{}

// EpisodeState is the mutable per episode record, discarded at reset.
type EpisodeState struct {
	Round               int
	Turn                int
	ConsecutiveTimeouts int
	CumulativeReward    float64
	LastState           *BotState
	Done                bool
	Outcome             string
	Invalid             bool
}

// HealthStatus is the monitoring snapshot of one environment instance.
type HealthStatus struct {
	InstanceID          string      `json:"instance_id"`
	ParallelIndex       int         `json:"parallel_index"`
	Endpoint            string      `json:"endpoint"`
	Phase               string      `json:"phase"`
	BotConnected        bool        `json:"bot_connected"`
	ConsecutiveTimeouts int         `json:"consecutive_timeouts"`
	NeedsForceReset     bool        `json:"needs_force_reset"`
	LastTickAgeS        float64     `json:"last_tick_age_s"`
	EpisodeCount        int         `json:"episode_count"`
	StepCount           int         `json:"step_count"`
	Timeouts            int         `json:"timeouts"`
	Crashes             int         `json:"crashes"`
	Restarts            int         `json:"restarts"`
	Opponent            *PoolStatus `json:"opponent,omitempty"`
}

// Env bridges the push based game engine to the synchronous step/reset
// contract of the training loop. One Env owns one engine instance: its
// display, server and opponent processes, and the websocket link of the
// agent's bot. Step and Reset are strictly sequential, the mutex only
// covers the fields the monitor reads concurrently.
type Env struct {
	config     *InstanceConfig
	logger     *log.Logger
	linkLogger *log.Logger
	ctrlLogger *log.Logger

	sup  *Supervisor
	pool *PoolManager

	// dial and startMatch are swapped out in tests
	dial       func(ctx context.Context, url string, botName string, logger *log.Logger) (gameLink, error)
	startMatch func(ctx context.Context, serverURL string, expectedBots int, setup *GameSetup, logger *log.Logger) error

	tracker *EnemyTracker
	stats   *CombatStats
	infraUp bool

	mu           sync.Mutex
	phase        Phase
	closed       bool
	state        *EpisodeState
	link         gameLink
	serverPort   int
	needsRebuild bool
	lastTick     time.Time
	episodeCount int
	stepCount    int
	timeoutCount int
	crashCount   int
	restartCount int
}

var _ types.Environment = &Env{}

// NewEnv creates the environment instance for the given configuration. A
// nil selector falls back to uniform opponent selection. When the
// configuration carries an attach endpoint no processes are managed and
// the bridge only speaks to the already running server.
func NewEnv(config *InstanceConfig, selector Selector) (*Env, error) {
	config.SetDefaults()

	e := &Env{
		config:     config,
		logger:     config.Logger("env"),
		linkLogger: config.Logger("link"),
		ctrlLogger: config.Logger("controller"),
		tracker:    NewEnemyTracker(),
		stats:      &CombatStats{},
		phase:      PhaseIdle,
		state:      &EpisodeState{},
		serverPort: config.Port,
	}
	e.dial = func(ctx context.Context, url string, botName string, logger *log.Logger) (gameLink, error) {
		return DialLink(ctx, url, botName, logger)
	}
	e.startMatch = StartMatch

	if config.AttachEndpoint == "" {
		e.sup = NewSupervisor(
			fmt.Sprintf("env-%d", config.ParallelIndex),
			config.WorkDir,
			config.StartupTimeout,
			config.StopGrace,
			config.Logger("supervisor"),
		)
		pool, err := NewPoolManager(config, e.sup, selector, config.Logger("pool"))
		if err != nil {
			return nil, fmt.Errorf("(royale:env.go:Env:NewEnv:1) building opponent pool: %s", err)
		}
		e.pool = pool
	}
	return e, nil
}

func (e *Env) attached() bool {
	return e.config.AttachEndpoint != ""
}

func (e *Env) serverURL() string {
	if e.attached() {
		return e.config.AttachEndpoint
	}
	return fmt.Sprintf("ws://127.0.0.1:%d", e.serverPort)
}

func (e *Env) arenaSize() (float64, float64) {
	return float64(e.config.Setup.ArenaWidth), float64(e.config.Setup.ArenaHeight)
}

// Phase returns the current state machine phase.
func (e *Env) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Env) setPhase(p Phase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *Env) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Env) setLink(l gameLink) {
	e.mu.Lock()
	e.link = l
	e.mu.Unlock()
}

// startInfrastructure stands up the per instance engine processes in
// dependency order: virtual display, window manager, game server, gui.
// The server start retries on randomized high ports when its assigned
// port is already bound.
func (e *Env) startInfrastructure() error {
	if e.attached() {
		e.infraUp = true
		return nil
	}

	display := fmt.Sprintf(":%d", e.config.Display)
	if e.config.UseDisplay {
		xvfb, err := e.sup.Start(ProcessSpec{
			Name:  "xvfb",
			Path:  e.config.XvfbPath,
			Args:  []string{display, "-screen", "0", "1024x768x24"},
			Ready: FileReadyProbe(fmt.Sprintf("/tmp/.X11-unix/X%d", e.config.Display)),
		})
		if err != nil {
			return fmt.Errorf("(royale:env.go:Env:startInfrastructure:1) starting display: %s", err)
		}
		if state := e.sup.AwaitReady(context.Background(), xvfb); state != ProcessReady {
			return fmt.Errorf("(royale:env.go:Env:startInfrastructure:2) display %s not ready: %s", display, state)
		}
		if _, err := e.sup.Start(ProcessSpec{
			Name: "wm",
			Path: e.config.WindowManager,
			Env:  []string{"DISPLAY=" + display},
		}); err != nil {
			return fmt.Errorf("(royale:env.go:Env:startInfrastructure:3) starting window manager: %s", err)
		}
	}

	port := e.config.Port
	started := false
	var lastState ProcessState
	for attempt := 0; attempt < serverPortRetries; attempt++ {
		spec := ProcessSpec{
			Name:  "server",
			Path:  e.config.JavaPath,
			Args:  []string{"-jar", e.config.ServerJarPath, "--port=" + strconv.Itoa(port)},
			Ready: TCPReadyProbe(fmt.Sprintf("127.0.0.1:%d", port)),
		}
		if e.config.UseDisplay {
			spec.Env = []string{"DISPLAY=" + display}
		}
		server, err := e.sup.Start(spec)
		if err != nil {
			return fmt.Errorf("(royale:env.go:Env:startInfrastructure:4) starting server: %s", err)
		}
		lastState = e.sup.AwaitReady(context.Background(), server)
		if lastState == ProcessReady {
			started = true
			break
		}
		e.sup.Stop(server)
		port = 10000 + rand.Intn(10000)
		e.logger.Printf("server not ready (%s), retrying on port %d", lastState, port)
	}
	if !started {
		return fmt.Errorf("(royale:env.go:Env:startInfrastructure:5) server never became ready: %s", lastState)
	}
	e.mu.Lock()
	e.serverPort = port
	e.mu.Unlock()
	if e.pool != nil {
		e.pool.SetServerURL(e.serverURL())
	}

	if e.config.UseGui && e.config.GuiJarPath != "" {
		if _, err := e.sup.Start(ProcessSpec{
			Name: "gui",
			Path: e.config.JavaPath,
			Args: []string{"-jar", e.config.GuiJarPath},
			Env:  []string{"DISPLAY=" + display},
		}); err != nil {
			return fmt.Errorf("(royale:env.go:Env:startInfrastructure:6) starting gui: %s", err)
		}
	}

	e.infraUp = true
	return nil
}

// teardownEpisode drops the per episode pieces, the link and the opponent,
// keeping the engine infrastructure up.
func (e *Env) teardownEpisode() {
	e.mu.Lock()
	link := e.link
	e.link = nil
	e.mu.Unlock()
	if link != nil {
		link.Close()
	}
	if e.pool != nil {
		e.pool.StopAll()
	}
}

// teardownInfrastructure tears down everything this instance started.
func (e *Env) teardownInfrastructure() {
	e.teardownEpisode()
	if e.sup != nil {
		e.sup.StopAll()
	}
	e.infraUp = false
	e.mu.Lock()
	e.serverPort = e.config.Port
	e.mu.Unlock()
}

// Reset stands up a fresh episode: rebuild the infrastructure when
// flagged, stop the previous opponent and launch a new one, connect the
// bot link, trigger the match and block for the first tick. Failed
// attempts tear everything down and retry with a backoff.
func (e *Env) Reset(eCtx *types.EpisodeContext) (*types.StepResult, error) {
	if e.isClosed() {
		return nil, errors.New("(royale:env.go:Env:Reset:1) environment closed")
	}
	start := time.Now()
	e.setPhase(PhaseResetting)

	var result *types.StepResult
	var err error
	for trial := 0; trial < e.config.ResetRetries; trial++ {
		if trial > 0 {
			time.Sleep(e.config.ResetBackoff)
		}
		result, err = e.tryReset(eCtx)
		if err == nil {
			break
		}
		e.logger.Printf("reset trial %d failed: %s", trial+1, err)
		e.teardownEpisode()
		e.mu.Lock()
		e.needsRebuild = true
		e.mu.Unlock()
		if eCtx != nil && eCtx.Context.Err() != nil {
			break
		}
	}
	if err != nil {
		e.setPhase(PhaseIdle)
		return nil, fmt.Errorf("(royale:env.go:Env:Reset:2) reset failed: %s", err)
	}

	e.setPhase(PhaseRunning)
	e.mu.Lock()
	e.episodeCount++
	e.mu.Unlock()
	if eCtx != nil && eCtx.Report != nil {
		eCtx.Report.AddTimeEntry(time.Since(start), "reset", "env")
	}
	return result, nil
}

func (e *Env) tryReset(eCtx *types.EpisodeContext) (*types.StepResult, error) {
	e.mu.Lock()
	rebuild := e.needsRebuild
	e.mu.Unlock()
	if rebuild || !e.infraUp {
		e.teardownInfrastructure()
		if err := e.startInfrastructure(); err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.needsRebuild = false
		e.mu.Unlock()
	}

	// previous episode leftovers go first, opponents are never reused
	e.teardownEpisode()

	if e.pool != nil {
		spec, err := e.pool.StartEpisodeOpponent()
		if err != nil {
			return nil, fmt.Errorf("(royale:env.go:Env:tryReset:1) launching opponent: %s", err)
		}
		if eCtx != nil && eCtx.Report != nil {
			eCtx.Report.AddLog(spec.Name, "opponent")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.config.StartupTimeout)
	defer cancel()

	link, err := e.dial(ctx, e.serverURL(), "tankrl-"+e.config.ID, e.linkLogger)
	if err != nil {
		return nil, fmt.Errorf("(royale:env.go:Env:tryReset:2) connecting bot: %s", err)
	}
	e.setLink(link)

	if err := e.startMatch(ctx, e.serverURL(), e.config.Setup.MinParticipants, e.config.Setup, e.ctrlLogger); err != nil {
		return nil, fmt.Errorf("(royale:env.go:Env:tryReset:3) starting match: %s", err)
	}

	e.mu.Lock()
	e.state = &EpisodeState{}
	e.mu.Unlock()
	e.tracker.Reset()
	e.stats.Reset()

	e.setPhase(PhaseAwaitingFirstTick)
	obs, err := e.awaitFirstTick()
	if err != nil {
		return nil, err
	}
	return &types.StepResult{Obs: obs, Reward: 0, Done: false, Info: map[string]interface{}{}}, nil
}

// awaitFirstTick blocks until the first tick of the fresh match arrives,
// bounded by the startup timeout. Scans arriving alongside already feed
// the enemy tracker.
func (e *Env) awaitFirstTick() (types.Observation, error) {
	deadline := time.Now().Add(e.config.StartupTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("(royale:env.go:Env:awaitFirstTick:1) no tick within %s", e.config.StartupTimeout)
		}
		for _, ev := range e.link.PollEvents(remaining) {
			switch ev.Kind {
			case EventConnectionError:
				return nil, fmt.Errorf("(royale:env.go:Env:awaitFirstTick:2) connection failed: %s", ev.Err)
			case EventDeath, EventWin, EventRoundEnded, EventGameEnded:
				return nil, fmt.Errorf("(royale:env.go:Env:awaitFirstTick:3) match over before the first tick (%s)", ev.Kind)
			case EventScanned:
				if e.state.LastState != nil {
					e.tracker.Observe(ev.Scanned, e.state.LastState.X, e.state.LastState.Y)
				}
			case EventTick:
				if ev.State == nil {
					continue
				}
				e.state.LastState = ev.State
				e.state.Round = ev.Round
				e.mu.Lock()
				e.lastTick = time.Now()
				e.mu.Unlock()
			}
		}
		if e.state.LastState != nil {
			return e.observe(), nil
		}
	}
}

// Step sends one action and aggregates every event arriving within one
// decision interval into a single reward/observation pair. Only valid in
// the running phase.
func (e *Env) Step(action types.Action, eCtx *types.EpisodeContext) (*types.StepResult, error) {
	if e.isClosed() {
		return nil, errors.New("(royale:env.go:Env:Step:1) environment closed")
	}
	if p := e.Phase(); p != PhaseRunning {
		return nil, fmt.Errorf("(royale:env.go:Env:Step:2) step called in phase %s", p)
	}
	if err := ValidAction(action); err != nil {
		return nil, fmt.Errorf("(royale:env.go:Env:Step:3) %s", err)
	}

	e.mu.Lock()
	e.stepCount++
	e.mu.Unlock()

	if err := e.link.SendAction(action); err != nil {
		e.logger.Printf("sending action failed: %s", err)
		return e.terminate("connection_error", true, 0, nil), nil
	}

	events := e.link.PollEvents(e.config.StepTimeout)
	if len(events) == 0 {
		return e.stepTimeout(eCtx)
	}

	reward, done, outcome, invalid := e.consume(events)

	// a crashed opponent gets one transparent restart, afterwards the
	// episode is fatal
	if !done && e.pool != nil && e.pool.Crashed() {
		e.mu.Lock()
		e.crashCount++
		e.mu.Unlock()
		if err := e.pool.RestartCrashed(); err != nil {
			e.logger.Printf("opponent not recovered: %s", err)
			return e.terminate("opponent_crash", true, reward, nil), nil
		}
		e.mu.Lock()
		e.restartCount++
		e.mu.Unlock()
	}

	e.state.CumulativeReward += reward
	info := map[string]interface{}{}
	if done {
		e.state.Done = true
		e.state.Outcome = outcome
		e.state.Invalid = invalid
		info["outcome"] = outcome
		if invalid {
			info["invalid"] = true
		}
		if e.pool != nil {
			if spec, ok := e.pool.Current(); ok {
				info["opponent"] = spec.Name
				info["opponent_kind"] = string(spec.Kind)
			}
		}
		if eCtx != nil && eCtx.Report != nil {
			eCtx.Report.AddLog(outcome, "episode_end")
		}
		e.setPhase(PhaseTerminating)
	}
	return &types.StepResult{Obs: e.observe(), Reward: reward, Done: done, Info: info}, nil
}

// consume folds a batch of events into one reward and the terminal
// verdict, updating the episode state, enemy tracker and combat stats on
// the way. Events are processed in server order.
func (e *Env) consume(events []GameEvent) (float64, bool, string, bool) {
	reward := 0.0
	done := false
	invalid := false
	outcome := ""
	sawTick := false

	for _, ev := range events {
		reward += EventReward(ev, e.config.Rewards)
		switch ev.Kind {
		case EventTick:
			if ev.State == nil {
				continue
			}
			sawTick = true
			e.state.LastState = ev.State
			if ev.Turn > e.state.Turn {
				e.state.Turn = ev.Turn
			}
			if ev.Round > e.state.Round {
				e.state.Round = ev.Round
			}
		case EventRoundStarted:
			if ev.Round > e.state.Round {
				e.state.Round = ev.Round
			}
		case EventScanned:
			if e.state.LastState != nil {
				e.tracker.Observe(ev.Scanned, e.state.LastState.X, e.state.LastState.Y)
			}
		case EventBulletFired:
			e.stats.BulletsFired++
		case EventBulletHit:
			e.stats.HitsDealt++
			e.stats.DamageDealt += ev.Damage
		case EventHitByBullet:
			e.stats.DamageTaken += ev.Damage
		case EventEnemyDeath:
			e.tracker.Remove(ev.VictimID)
		case EventDeath:
			done = true
			if outcome != "win" && outcome != "connection_error" {
				outcome = "death"
			}
		case EventWin:
			done = true
			outcome = "win"
		case EventRoundEnded:
			done = true
			if outcome == "" {
				outcome = "round_end"
			}
		case EventGameEnded:
			done = true
			if outcome == "" {
				outcome = "game_end"
			}
		case EventConnectionError:
			e.logger.Printf("link error mid episode: %s", ev.Err)
			if !done {
				outcome = "connection_error"
				invalid = true
			}
			done = true
		}
	}
	if sawTick {
		e.mu.Lock()
		e.state.ConsecutiveTimeouts = 0
		e.lastTick = time.Now()
		e.mu.Unlock()
	}
	return reward, done, outcome, invalid
}

// stepTimeout handles a decision interval expiring with no events at all.
// Three in a row are treated as a hung engine: the episode is force
// terminated and flagged invalid, and the next reset rebuilds the
// infrastructure.
func (e *Env) stepTimeout(eCtx *types.EpisodeContext) (*types.StepResult, error) {
	e.mu.Lock()
	e.state.ConsecutiveTimeouts++
	consecutive := e.state.ConsecutiveTimeouts
	e.timeoutCount++
	e.mu.Unlock()

	if eCtx != nil && eCtx.Report != nil {
		eCtx.Report.AddIntEntry(consecutive, "decision_timeout", "env")
	}
	e.logger.Printf("no events within %s (%d consecutive)", e.config.StepTimeout, consecutive)

	if consecutive >= e.config.MaxConsecutiveTimeouts {
		e.mu.Lock()
		e.needsRebuild = true
		e.mu.Unlock()
		info := map[string]interface{}{"timeout": true, "timeout_reset": true}
		return e.terminate("timeout", true, 0, info), nil
	}
	return &types.StepResult{Obs: e.observe(), Reward: 0, Done: false, Info: map[string]interface{}{"timeout": true}}, nil
}

// terminate force ends the episode with the given outcome. Invalid
// episodes are excluded from training statistics downstream.
func (e *Env) terminate(outcome string, invalid bool, reward float64, info map[string]interface{}) *types.StepResult {
	if info == nil {
		info = map[string]interface{}{}
	}
	info["outcome"] = outcome
	if invalid {
		info["invalid"] = true
	}
	e.state.Done = true
	e.state.Outcome = outcome
	e.state.Invalid = invalid
	e.state.CumulativeReward += reward
	e.setPhase(PhaseTerminating)
	return &types.StepResult{Obs: e.observe(), Reward: reward, Done: true, Info: info}
}

func (e *Env) observe() types.Observation {
	if e.state.LastState == nil {
		return ZeroObservation()
	}
	w, h := e.arenaSize()
	return BuildObservation(e.state.LastState, e.tracker, e.stats, w, h)
}

// Close tears down every external process and the link. Idempotent.
func (e *Env) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.teardownInfrastructure()
	e.setPhase(PhaseIdle)
	return nil
}

// State returns the mutable record of the running episode.
func (e *Env) State() *EpisodeState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// HealthStatus is served by the monitor, safe to call concurrently with
// step and reset.
func (e *Env) HealthStatus() HealthStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	h := HealthStatus{
		InstanceID:          e.config.ID,
		ParallelIndex:       e.config.ParallelIndex,
		Endpoint:            e.serverURL(),
		Phase:               e.phase.String(),
		BotConnected:        e.link != nil && e.link.Connected(),
		ConsecutiveTimeouts: e.state.ConsecutiveTimeouts,
		NeedsForceReset:     e.needsRebuild,
		LastTickAgeS:        -1,
		EpisodeCount:        e.episodeCount,
		StepCount:           e.stepCount,
		Timeouts:            e.timeoutCount,
		Crashes:             e.crashCount,
		Restarts:            e.restartCount,
	}
	if !e.lastTick.IsZero() {
		h.LastTickAgeS = time.Since(e.lastTick).Seconds()
	}
	if e.pool != nil {
		status := e.pool.Status()
		h.Opponent = &status
	}
	return h
}
