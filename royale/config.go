package royale

import (
	"fmt"
	"log"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
)

// GameSetup describes the match the controller requests from the game server.
type GameSetup struct {
	GameType              string  `json:"gameType"`
	ArenaWidth            int     `json:"arenaWidth"`
	ArenaHeight           int     `json:"arenaHeight"`
	MinParticipants       int     `json:"minNumberOfParticipants"`
	MaxParticipants       *int    `json:"maxNumberOfParticipants"`
	NumberOfRounds        int     `json:"numberOfRounds"`
	GunCoolingRate        float64 `json:"gunCoolingRate"`
	MaxInactivityTurns    int     `json:"maxInactivityTurns"`
	TurnTimeout           int     `json:"turnTimeout"`
	ReadyTimeout          int     `json:"readyTimeout"`
	DefaultTurnsPerSecond int     `json:"defaultTurnsPerSecond"`
}

// DefaultGameSetup returns the melee setup used for training, with a long
// round count so a single launched game spans many episodes.
func DefaultGameSetup() *GameSetup {
	return &GameSetup{
		GameType:              "melee",
		ArenaWidth:            800,
		ArenaHeight:           600,
		MinParticipants:       2,
		NumberOfRounds:        1000,
		GunCoolingRate:        0.1,
		MaxInactivityTurns:    450,
		TurnTimeout:           100000,
		ReadyTimeout:          1000000,
		DefaultTurnsPerSecond: 30,
	}
}

// RewardWeights holds the shaping weights applied per game event.
type RewardWeights struct {
	Death       float64 `json:"death"`
	Win         float64 `json:"win"`
	RamHit      float64 `json:"ram_hit"`
	WallHit     float64 `json:"wall_hit"`
	BulletHit   float64 `json:"bullet_hit"`
	HitByBullet float64 `json:"hit_by_bullet"`
	Scanned     float64 `json:"scanned"`
	SkippedTurn float64 `json:"skipped_turn"`
}

func DefaultRewardWeights() *RewardWeights {
	return &RewardWeights{
		Death:       -1.0,
		Win:         1.0,
		RamHit:      0.5,
		WallHit:     -0.1,
		BulletHit:   0.3,
		HitByBullet: -0.2,
		Scanned:     0.05,
		SkippedTurn: -0.5,
	}
}

// InstanceBaseConfig is the template configuration shared by all parallel
// environment instances. Instantiate derives the per instance ports, display
// and scratch directory from the parallel index.
type InstanceBaseConfig struct {
	// BasePort is the first server port, each worker and parallel slot gets
	// its own offset from it
	BasePort int
	// WorkerIndex separates port and display ranges of independent trainer
	// processes sharing a machine
	WorkerIndex int

	// paths of the external engine pieces
	JavaPath      string
	ServerJarPath string
	GuiJarPath    string
	XvfbPath      string
	WindowManager string
	// BotsDir holds the launchable internal bots, SampleBotsDir the stock ones
	BotsDir       string
	SampleBotsDir string
	// RosterPath optionally replaces the built in opponent registry
	RosterPath string

	// UseDisplay starts a virtual display for the engine
	UseDisplay bool
	// UseGui additionally starts the engine gui for visual debugging
	UseGui bool

	// AttachEndpoint, when set, skips all process management and connects to
	// an already running server at this websocket url
	AttachEndpoint string

	// UnlockedTier limits the opponent pool to bots at or below this tier,
	// negative means no limit
	UnlockedTier int

	// timing
	StepTimeout            time.Duration // deadline of a single decision
	StartupTimeout         time.Duration // deadline for readiness and first tick
	MaxConsecutiveTimeouts int
	ResetRetries           int
	ResetBackoff           time.Duration
	OpponentStartGrace     time.Duration
	StopGrace              time.Duration

	Setup   *GameSetup
	Rewards *RewardWeights
}

// SetDefaults fills the empty fields of the configuration
func (c *InstanceBaseConfig) SetDefaults() {
	if c.BasePort == 0 {
		c.BasePort = 8000
	}
	if c.JavaPath == "" {
		c.JavaPath = "java"
	}
	if c.XvfbPath == "" {
		c.XvfbPath = "Xvfb"
	}
	if c.WindowManager == "" {
		c.WindowManager = "fluxbox"
	}
	if c.UnlockedTier == 0 {
		c.UnlockedTier = -1
	}
	if c.StepTimeout == 0 {
		c.StepTimeout = 5 * time.Second
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = 20 * time.Second
	}
	if c.MaxConsecutiveTimeouts == 0 {
		c.MaxConsecutiveTimeouts = 3
	}
	if c.ResetRetries == 0 {
		c.ResetRetries = 5
	}
	if c.ResetBackoff == 0 {
		c.ResetBackoff = 2 * time.Second
	}
	if c.OpponentStartGrace == 0 {
		c.OpponentStartGrace = 500 * time.Millisecond
	}
	if c.StopGrace == 0 {
		c.StopGrace = 2 * time.Second
	}
	if c.Setup == nil {
		c.Setup = DefaultGameSetup()
	}
	if c.Rewards == nil {
		c.Rewards = DefaultRewardWeights()
	}
}

// Instantiate derives the configuration of a single environment instance.
// Each parallel index gets disjoint ports, display numbers and scratch
// directories so instances never share engine infrastructure.
func (c *InstanceBaseConfig) Instantiate(parallelIndex int) *InstanceConfig {
	c.SetDefaults()

	id := uuid.New().String()[0:8]
	port := c.BasePort + c.WorkerIndex*10 + parallelIndex*2
	display := 100 + c.WorkerIndex%100 + parallelIndex

	cfg := &InstanceConfig{
		InstanceBaseConfig: *c,

		ID:            id,
		ParallelIndex: parallelIndex,
		Port:          port,
		Display:       display,
		WorkDir:       path.Join(os.TempDir(), fmt.Sprintf("tankrl_%s_%d", id, parallelIndex)),
	}
	return cfg
}

// InstanceConfig is the resolved configuration of one environment instance.
type InstanceConfig struct {
	InstanceBaseConfig

	ID            string
	ParallelIndex int
	Port          int
	Display       int
	WorkDir       string
}

// ServerURL returns the websocket endpoint of the instance's game server.
func (c *InstanceConfig) ServerURL() string {
	if c.AttachEndpoint != "" {
		return c.AttachEndpoint
	}
	return fmt.Sprintf("ws://127.0.0.1:%d", c.Port)
}

// Logger builds the tagged logger of a component of this instance.
func (c *InstanceConfig) Logger(component string) *log.Logger {
	return log.New(os.Stderr, fmt.Sprintf("[%s %s-%d] ", component, c.ID, c.ParallelIndex), log.LstdFlags|log.Lmsgprefix)
}
