package sim

import (
	"errors"
	"math"
	"time"

	"github.com/zeu5/tankrl/royale"
	"github.com/zeu5/tankrl/types"
	"golang.org/x/exp/rand"
)

// Arena is a small deterministic in-process stand-in for the game engine,
// implementing the same environment contract with simplified kinematics,
// energy and gun heat rules. It reuses the royale codec so observations
// and rewards line up with the live bridge, which lets the experiment
// machinery, analyzers and scripted policies run without the engine.

const (
	botRadius    = 18.0
	startEnergy  = 100.0
	acceleration = 1.0
	deceleration = 2.0
	// half opening of the radar cone
	radarHalfCone = 22.5
)

// Config of the offline arena.
type Config struct {
	ArenaWidth  float64
	ArenaHeight float64
	// Opponent behavior: static, spin or ram
	Opponent string
	// TurnsPerStep is how many simulated turns one decision spans
	TurnsPerStep int
	// MaxTurns ends the round when reached
	MaxTurns       int
	GunCoolingRate float64
	Seed           uint64
	Rewards        *royale.RewardWeights
}

func (c *Config) SetDefaults() {
	if c.ArenaWidth == 0 {
		c.ArenaWidth = 800
	}
	if c.ArenaHeight == 0 {
		c.ArenaHeight = 600
	}
	if c.Opponent == "" {
		c.Opponent = "spin"
	}
	if c.TurnsPerStep == 0 {
		c.TurnsPerStep = 10
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = 1500
	}
	if c.GunCoolingRate == 0 {
		c.GunCoolingRate = 0.1
	}
	if c.Seed == 0 {
		c.Seed = uint64(time.Now().UnixNano())
	}
	if c.Rewards == nil {
		c.Rewards = royale.DefaultRewardWeights()
	}
}

type bot struct {
	id        int
	x, y      float64
	direction float64
	gunDir    float64
	radarDir  float64
	speed     float64
	energy    float64
	gunHeat   float64
}

func (b *bot) state() *royale.BotState {
	return &royale.BotState{
		Energy:         b.energy,
		X:              b.x,
		Y:              b.y,
		Direction:      b.direction,
		GunDirection:   b.gunDir,
		RadarDirection: b.radarDir,
		Speed:          b.speed,
		GunHeat:        b.gunHeat,
		EnemyCount:     1,
	}
}

type bullet struct {
	owner int
	x, y  float64
	dir   float64
	power float64
}

// Arena implements types.Environment.
type Arena struct {
	config  *Config
	rand    *rand.Rand
	agent   *bot
	enemy   *bot
	bullets []*bullet
	tracker *royale.EnemyTracker
	stats   *royale.CombatStats
	turn    int
	done    bool
}

var _ types.Environment = &Arena{}

func NewArena(config *Config) *Arena {
	config.SetDefaults()
	return &Arena{
		config:  config,
		rand:    rand.New(rand.NewSource(config.Seed)),
		tracker: royale.NewEnemyTracker(),
		stats:   &royale.CombatStats{},
	}
}

func (a *Arena) Reset(eCtx *types.EpisodeContext) (*types.StepResult, error) {
	w, h := a.config.ArenaWidth, a.config.ArenaHeight
	a.agent = &bot{
		id:        1,
		x:         w*0.25 + a.rand.Float64()*w*0.1,
		y:         h*0.25 + a.rand.Float64()*h*0.1,
		direction: a.rand.Float64() * 360,
		energy:    startEnergy,
	}
	a.enemy = &bot{
		id:        2,
		x:         w*0.65 + a.rand.Float64()*w*0.1,
		y:         h*0.65 + a.rand.Float64()*h*0.1,
		direction: a.rand.Float64() * 360,
		energy:    startEnergy,
	}
	a.bullets = a.bullets[:0]
	a.tracker.Reset()
	a.stats.Reset()
	a.turn = 0
	a.done = false

	obs := royale.BuildObservation(a.agent.state(), a.tracker, a.stats, w, h)
	return &types.StepResult{Obs: obs, Reward: 0, Done: false, Info: map[string]interface{}{}}, nil
}

func (a *Arena) Step(action types.Action, eCtx *types.EpisodeContext) (*types.StepResult, error) {
	if a.agent == nil {
		return nil, errors.New("(sim:arena.go:Arena:Step:1) step before reset")
	}
	if a.done {
		return nil, errors.New("(sim:arena.go:Arena:Step:2) episode is over")
	}
	if err := royale.ValidAction(action); err != nil {
		return nil, err
	}

	reward := 0.0
	done := false
	outcome := ""
	for i := 0; i < a.config.TurnsPerStep && !done; i++ {
		events := a.turnOnce(action)
		for _, ev := range events {
			reward += royale.EventReward(ev, a.config.Rewards)
			switch ev.Kind {
			case royale.EventDeath:
				done = true
				outcome = "death"
			case royale.EventWin:
				done = true
				outcome = "win"
			case royale.EventBulletHit:
				a.stats.HitsDealt++
				a.stats.DamageDealt += ev.Damage
			case royale.EventHitByBullet:
				a.stats.DamageTaken += ev.Damage
			case royale.EventBulletFired:
				a.stats.BulletsFired++
			case royale.EventScanned:
				a.tracker.Observe(ev.Scanned, a.agent.x, a.agent.y)
			}
		}
		if !done && a.turn >= a.config.MaxTurns {
			done = true
			outcome = "round_end"
		}
	}

	info := map[string]interface{}{}
	if done {
		a.done = true
		info["outcome"] = outcome
	}
	w, h := a.config.ArenaWidth, a.config.ArenaHeight
	obs := royale.BuildObservation(a.agent.state(), a.tracker, a.stats, w, h)
	return &types.StepResult{Obs: obs, Reward: reward, Done: done, Info: info}, nil
}

// turnOnce advances the simulation one turn: both bots move on their
// intents, bullets fly and collide, the radar scans.
func (a *Arena) turnOnce(action types.Action) []royale.GameEvent {
	a.turn++
	events := make([]royale.GameEvent, 0, 4)

	agentIntent := royale.IntentFromAction(action, a.agent.gunHeat)
	enemyIntent := a.enemyIntent()

	if hit := a.moveBot(a.agent, agentIntent.TargetSpeed, agentIntent.TurnRate, agentIntent.GunTurnRate, agentIntent.RadarTurnRate); hit {
		a.agent.energy -= 0.5
		events = append(events, royale.GameEvent{Kind: royale.EventHitWall, Turn: a.turn})
	}
	a.moveBot(a.enemy, enemyIntent.TargetSpeed, enemyIntent.TurnRate, enemyIntent.GunTurnRate, enemyIntent.RadarTurnRate)

	if b := a.fire(a.agent, agentIntent.Firepower); b != nil {
		events = append(events, royale.GameEvent{Kind: royale.EventBulletFired, Turn: a.turn})
	}
	a.fire(a.enemy, enemyIntent.Firepower)

	events = append(events, a.flyBullets()...)

	// radar: the enemy is scanned when inside the radar cone
	bearing := bearingDeg(a.agent.x, a.agent.y, a.enemy.x, a.enemy.y)
	if math.Abs(relativeAngle(bearing-a.agent.radarDir)) <= radarHalfCone && a.enemy.energy > 0 {
		events = append(events, royale.GameEvent{
			Kind: royale.EventScanned,
			Turn: a.turn,
			Scanned: &royale.ScannedBot{
				ScannedBotID: a.enemy.id,
				Energy:       a.enemy.energy,
				X:            a.enemy.x,
				Y:            a.enemy.y,
				Direction:    a.enemy.direction,
				Speed:        a.enemy.speed,
			},
		})
	}

	if a.agent.energy <= 0 {
		events = append(events, royale.GameEvent{Kind: royale.EventDeath, Turn: a.turn})
	} else if a.enemy.energy <= 0 {
		events = append(events, royale.GameEvent{Kind: royale.EventEnemyDeath, Turn: a.turn, VictimID: a.enemy.id})
		events = append(events, royale.GameEvent{Kind: royale.EventWin, Turn: a.turn})
	}
	return events
}

// enemyIntent scripts the opponent for this turn.
func (a *Arena) enemyIntent() royale.BotIntent {
	switch a.config.Opponent {
	case "static":
		return royale.BotIntent{}
	case "ram":
		bearing := bearingDeg(a.enemy.x, a.enemy.y, a.agent.x, a.agent.y)
		turn := clampAbs(relativeAngle(bearing-a.enemy.direction), royale.MaxTurnRate)
		return royale.BotIntent{TargetSpeed: royale.MaxTargetSpeed, TurnRate: turn}
	default: // spin
		fire := 0.0
		if a.enemy.gunHeat == 0 {
			fire = 1.0
		}
		return royale.BotIntent{TargetSpeed: 3, TurnRate: royale.MaxTurnRate, GunTurnRate: royale.MaxGunTurnRate, Firepower: fire}
	}
}

// moveBot applies one turn of kinematics, returns true on a wall hit.
func (a *Arena) moveBot(b *bot, targetSpeed, turnRate, gunTurnRate, radarTurnRate float64) bool {
	if b.energy <= 0 {
		return false
	}
	if b.speed < targetSpeed {
		b.speed = math.Min(b.speed+acceleration, targetSpeed)
	} else if b.speed > targetSpeed {
		b.speed = math.Max(b.speed-deceleration, targetSpeed)
	}
	b.direction = wrapDeg(b.direction + turnRate)
	b.gunDir = wrapDeg(b.gunDir + gunTurnRate)
	b.radarDir = wrapDeg(b.radarDir + radarTurnRate)

	rad := b.direction * math.Pi / 180
	b.x += b.speed * math.Cos(rad)
	b.y += b.speed * math.Sin(rad)

	hitWall := false
	if b.x < botRadius {
		b.x = botRadius
		hitWall = true
	}
	if b.x > a.config.ArenaWidth-botRadius {
		b.x = a.config.ArenaWidth - botRadius
		hitWall = true
	}
	if b.y < botRadius {
		b.y = botRadius
		hitWall = true
	}
	if b.y > a.config.ArenaHeight-botRadius {
		b.y = a.config.ArenaHeight - botRadius
		hitWall = true
	}
	if hitWall {
		b.speed = 0
	}

	if b.gunHeat > 0 {
		b.gunHeat = math.Max(0, b.gunHeat-a.config.GunCoolingRate)
	}
	return hitWall
}

// fire spawns a bullet when the gun is cool and the power is worth a shot.
func (a *Arena) fire(b *bot, power float64) *bullet {
	if power <= 0 || b.gunHeat > 0 || b.energy <= power {
		return nil
	}
	b.energy -= power
	b.gunHeat = 1 + power/5
	bl := &bullet{owner: b.id, x: b.x, y: b.y, dir: b.gunDir, power: power}
	a.bullets = append(a.bullets, bl)
	return bl
}

// flyBullets advances every bullet and resolves hits and misses.
func (a *Arena) flyBullets() []royale.GameEvent {
	events := make([]royale.GameEvent, 0)
	alive := a.bullets[:0]
	for _, bl := range a.bullets {
		speed := 20 - 3*bl.power
		rad := bl.dir * math.Pi / 180
		bl.x += speed * math.Cos(rad)
		bl.y += speed * math.Sin(rad)

		if bl.x < 0 || bl.x > a.config.ArenaWidth || bl.y < 0 || bl.y > a.config.ArenaHeight {
			if bl.owner == a.agent.id {
				events = append(events, royale.GameEvent{Kind: royale.EventBulletMiss, Turn: a.turn})
			}
			continue
		}

		target := a.enemy
		if bl.owner == a.enemy.id {
			target = a.agent
		}
		if target.energy > 0 && dist(bl.x, bl.y, target.x, target.y) <= botRadius {
			damage := 4 * bl.power
			if bl.power > 1 {
				damage += 2 * (bl.power - 1)
			}
			target.energy -= damage
			kind := royale.EventBulletHit
			if target == a.agent {
				kind = royale.EventHitByBullet
			}
			events = append(events, royale.GameEvent{Kind: kind, Turn: a.turn, VictimID: target.id, Damage: damage})
			continue
		}
		alive = append(alive, bl)
	}
	a.bullets = alive
	return events
}

func (a *Arena) Close() error {
	return nil
}

func bearingDeg(fromX, fromY, toX, toY float64) float64 {
	return math.Atan2(toY-fromY, toX-fromX) * 180 / math.Pi
}

func relativeAngle(angle float64) float64 {
	for angle >= 180 {
		angle -= 360
	}
	for angle < -180 {
		angle += 360
	}
	return angle
}

func wrapDeg(angle float64) float64 {
	angle = math.Mod(angle, 360)
	if angle < 0 {
		angle += 360
	}
	return angle
}

func clampAbs(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < -max {
		return -max
	}
	return v
}

func dist(x1, y1, x2, y2 float64) float64 {
	dx := x2 - x1
	dy := y2 - y1
	return math.Sqrt(dx*dx + dy*dy)
}
