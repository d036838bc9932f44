package royale

import (
	"fmt"
	"math"
	"sort"

	"github.com/zeu5/tankrl/types"
)

const (
	// ObservationSize is the fixed length of the observation vector:
	// 13 self state fields, 6 fields for each of the 3 tracked enemies,
	// 4 combat statistics and 2 reserved slots.
	ObservationSize = 37
	// ActionSize is the fixed length of the action vector:
	// target speed, turn rate, gun turn rate, radar turn rate, firepower.
	ActionSize = 5

	MaxTrackedEnemies = 3

	MaxTargetSpeed   = 8.0
	MaxTurnRate      = 10.0
	MaxGunTurnRate   = 20.0
	MaxRadarTurnRate = 45.0
	MaxFirepower     = 3.0
	MinFirepower     = 0.1
	// FireThreshold is the minimum raw fire value that triggers a shot
	FireThreshold = 0.1

	// normalizers for fields without an arena derived bound
	maxEnergy     = 100.0
	maxGunHeat    = 3.0
	maxEnemyCount = 10.0
)

// ActionBounds returns the per dimension [low, high] bounds of an action.
func ActionBounds() [][2]float64 {
	return [][2]float64{
		{-MaxTargetSpeed, MaxTargetSpeed},
		{-MaxTurnRate, MaxTurnRate},
		{-MaxGunTurnRate, MaxGunTurnRate},
		{-MaxRadarTurnRate, MaxRadarTurnRate},
		{0, MaxFirepower},
	}
}

// ValidAction checks the action vector shape and that every entry is finite.
func ValidAction(a types.Action) error {
	if len(a) != ActionSize {
		return fmt.Errorf("(royale:codec.go:ValidAction:1) action has %d entries, want %d", len(a), ActionSize)
	}
	for i, v := range a {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("(royale:codec.go:ValidAction:2) action entry %d is not finite", i)
		}
	}
	return nil
}

// IntentFromAction clamps the action into a bot intent. Firing is gated on
// a cold gun: the firepower is forwarded only when the raw fire value is
// above the threshold and the gun heat is zero.
func IntentFromAction(a types.Action, gunHeat float64) BotIntent {
	intent := BotIntent{
		Type:          "BotIntent",
		TargetSpeed:   clamp(a[0], -MaxTargetSpeed, MaxTargetSpeed),
		TurnRate:      clamp(a[1], -MaxTurnRate, MaxTurnRate),
		GunTurnRate:   clamp(a[2], -MaxGunTurnRate, MaxGunTurnRate),
		RadarTurnRate: clamp(a[3], -MaxRadarTurnRate, MaxRadarTurnRate),
	}
	if a[4] > FireThreshold && gunHeat == 0 {
		intent.Firepower = clamp(a[4], MinFirepower, MaxFirepower)
	}
	return intent
}

// EventReward maps one game event to its shaping weight. Events that carry
// no reward signal map to zero.
func EventReward(ev GameEvent, w *RewardWeights) float64 {
	switch ev.Kind {
	case EventDeath:
		return w.Death
	case EventWin:
		return w.Win
	case EventHitBot:
		return w.RamHit
	case EventHitWall:
		return w.WallHit
	case EventBulletHit:
		return w.BulletHit
	case EventHitByBullet:
		return w.HitByBullet
	case EventScanned:
		return w.Scanned
	case EventSkippedTurn:
		return w.SkippedTurn
	default:
		return 0
	}
}

// CombatStats accumulates per episode combat counters surfaced in the
// observation tail.
type CombatStats struct {
	BulletsFired int
	HitsDealt    int
	DamageDealt  float64
	DamageTaken  float64
}

func (c *CombatStats) Reset() {
	c.BulletsFired = 0
	c.HitsDealt = 0
	c.DamageDealt = 0
	c.DamageTaken = 0
}

// EnemyTrack is the last known state of one scanned enemy.
type EnemyTrack struct {
	ID        int
	X         float64
	Y         float64
	Direction float64
	Speed     float64
	Energy    float64
	Distance  float64
}

// EnemyTracker keeps the last scan of every enemy seen this episode and
// exposes the nearest ones for the observation.
type EnemyTracker struct {
	tracks map[int]*EnemyTrack
}

func NewEnemyTracker() *EnemyTracker {
	return &EnemyTracker{tracks: make(map[int]*EnemyTrack)}
}

func (t *EnemyTracker) Reset() {
	t.tracks = make(map[int]*EnemyTrack)
}

// Observe updates the track of a scanned enemy. The distance is computed
// from the own position at scan time.
func (t *EnemyTracker) Observe(sc *ScannedBot, selfX, selfY float64) {
	if sc == nil {
		return
	}
	dx := sc.X - selfX
	dy := sc.Y - selfY
	t.tracks[sc.ScannedBotID] = &EnemyTrack{
		ID:        sc.ScannedBotID,
		X:         sc.X,
		Y:         sc.Y,
		Direction: sc.Direction,
		Speed:     sc.Speed,
		Energy:    sc.Energy,
		Distance:  math.Sqrt(dx*dx + dy*dy),
	}
}

// Remove drops a track, used when an enemy dies.
func (t *EnemyTracker) Remove(id int) {
	delete(t.tracks, id)
}

// Count returns the number of enemies tracked so far.
func (t *EnemyTracker) Count() int {
	return len(t.tracks)
}

// Nearest returns up to n tracks ordered by distance.
func (t *EnemyTracker) Nearest(n int) []EnemyTrack {
	all := make([]EnemyTrack, 0, len(t.tracks))
	for _, tr := range t.tracks {
		all = append(all, *tr)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance == all[j].Distance {
			return all[i].ID < all[j].ID
		}
		return all[i].Distance < all[j].Distance
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// ZeroObservation returns an all zero observation vector.
func ZeroObservation() types.Observation {
	return make(types.Observation, ObservationSize)
}

// BuildObservation encodes the own state, the nearest tracked enemies and
// the combat statistics into the fixed observation vector. Every field is
// normalized by its bound so the encoding is valid for any arena size.
func BuildObservation(state *BotState, tracker *EnemyTracker, stats *CombatStats, arenaWidth, arenaHeight float64) types.Observation {
	obs := ZeroObservation()
	if state == nil {
		return obs
	}
	diag := math.Sqrt(arenaWidth*arenaWidth + arenaHeight*arenaHeight)

	// own state
	obs[0] = state.X / arenaWidth
	obs[1] = state.Y / arenaHeight
	obs[2] = state.Speed / MaxTargetSpeed
	obs[3] = state.Energy / maxEnergy
	obs[4] = state.Direction / 360.0
	obs[5] = state.GunDirection / 360.0
	obs[6] = state.RadarDirection / 360.0
	obs[7] = cap1(state.GunHeat / maxGunHeat)
	obs[8] = cap1(float64(state.EnemyCount) / maxEnemyCount)
	obs[9] = state.RadarSweep / 360.0
	obs[10] = state.TurnRate / MaxTurnRate
	obs[11] = state.GunTurnRate / MaxGunTurnRate
	obs[12] = state.RadarTurnRate / MaxRadarTurnRate

	// nearest enemies, empty slots stay at zero with distance pegged to max
	base := 13
	tracks := tracker.Nearest(MaxTrackedEnemies)
	for i := 0; i < MaxTrackedEnemies; i++ {
		off := base + i*6
		if i < len(tracks) {
			tr := tracks[i]
			obs[off] = tr.X / arenaWidth
			obs[off+1] = tr.Y / arenaHeight
			obs[off+2] = tr.Speed / MaxTargetSpeed
			obs[off+3] = tr.Direction / 360.0
			obs[off+4] = tr.Energy / maxEnergy
			obs[off+5] = cap1(tr.Distance / diag)
		} else {
			obs[off+5] = 1.0
		}
	}

	// combat statistics, capped
	base = 13 + MaxTrackedEnemies*6
	obs[base] = cap1(float64(stats.BulletsFired) / 100.0)
	obs[base+1] = cap1(float64(stats.HitsDealt) / 50.0)
	obs[base+2] = cap1(stats.DamageDealt / 500.0)
	obs[base+3] = cap1(stats.DamageTaken / 500.0)

	// two reserved slots stay zero
	return obs
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func cap1(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
