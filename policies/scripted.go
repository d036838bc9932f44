package policies

import (
	"fmt"
	"math"

	"github.com/zeu5/tankrl/royale"
	"github.com/zeu5/tankrl/types"
)

// Scripted stand-ins for the neural policy, used by rollout commands,
// smoke tests and as reference baselines. All of them implement
// types.Policy and ignore the learning callbacks.

// ByName builds a scripted policy from its cli name.
func ByName(name string, seed uint64) (types.Policy, error) {
	switch name {
	case "noop":
		return NewNoopPolicy(), nil
	case "random":
		return NewRandomPolicy(seed), nil
	case "spin_fire":
		return NewSpinFirePolicy(), nil
	case "tracking":
		return NewTrackingPolicy(800, 600), nil
	default:
		return nil, fmt.Errorf("(policies:scripted.go:ByName:1) unknown policy %s", name)
	}
}

// NoopPolicy issues the zero action every step.
type NoopPolicy struct{}

var _ types.Policy = &NoopPolicy{}

func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{}
}

func (n *NoopPolicy) UpdateIteration(_ int, _ *types.Trace) {}

func (n *NoopPolicy) NextAction(_ int, _ types.Observation) (types.Action, bool) {
	return make(types.Action, royale.ActionSize), true
}

func (n *NoopPolicy) Update(_ int, _ types.Observation, _ types.Action, _ *types.StepResult) {}

func (n *NoopPolicy) Reset() {}

// NewRandomPolicy samples uniformly within the action bounds.
func NewRandomPolicy(seed uint64) *types.BoundedRandomPolicy {
	return types.NewBoundedRandomPolicy(royale.ActionBounds(), seed)
}

// SpinFirePolicy circles at a fixed rate with everything turning and the
// gun firing whenever it is cool.
type SpinFirePolicy struct{}

var _ types.Policy = &SpinFirePolicy{}

func NewSpinFirePolicy() *SpinFirePolicy {
	return &SpinFirePolicy{}
}

func (s *SpinFirePolicy) UpdateIteration(_ int, _ *types.Trace) {}

func (s *SpinFirePolicy) NextAction(_ int, _ types.Observation) (types.Action, bool) {
	return types.Action{3, royale.MaxTurnRate, royale.MaxGunTurnRate, royale.MaxRadarTurnRate, 1.0}, true
}

func (s *SpinFirePolicy) Update(_ int, _ types.Observation, _ types.Action, _ *types.StepResult) {}

func (s *SpinFirePolicy) Reset() {}

// TrackingPolicy reads the nearest enemy track out of the observation,
// turns the gun and radar onto it and fires once the gun is lined up.
// Without a track it sweeps the radar searching.
type TrackingPolicy struct {
	arenaWidth  float64
	arenaHeight float64
}

var _ types.Policy = &TrackingPolicy{}

func NewTrackingPolicy(arenaWidth, arenaHeight float64) *TrackingPolicy {
	if arenaWidth <= 0 {
		arenaWidth = 800
	}
	if arenaHeight <= 0 {
		arenaHeight = 600
	}
	return &TrackingPolicy{arenaWidth: arenaWidth, arenaHeight: arenaHeight}
}

func (t *TrackingPolicy) UpdateIteration(_ int, _ *types.Trace) {}

func (t *TrackingPolicy) NextAction(_ int, obs types.Observation) (types.Action, bool) {
	if len(obs) < royale.ObservationSize {
		return make(types.Action, royale.ActionSize), true
	}

	selfX := obs[0] * t.arenaWidth
	selfY := obs[1] * t.arenaHeight
	gunDir := obs[5] * 360.0
	radarDir := obs[6] * 360.0

	// nearest enemy slot, an empty slot is all zeros with the distance
	// pegged to one
	enemyX := obs[13] * t.arenaWidth
	enemyY := obs[14] * t.arenaHeight
	distance := obs[18]
	hasTrack := distance < 1.0 || obs[13] != 0 || obs[14] != 0

	if !hasTrack {
		// search: sweep the radar, drift in a slow circle
		return types.Action{4, royale.MaxTurnRate / 2, 0, royale.MaxRadarTurnRate, 0}, true
	}

	bearing := math.Atan2(enemyY-selfY, enemyX-selfX) * 180.0 / math.Pi
	gunTurn := clampTurn(normalizeRelative(bearing-gunDir), royale.MaxGunTurnRate)
	radarTurn := clampTurn(normalizeRelative(bearing-radarDir), royale.MaxRadarTurnRate)
	bodyTurn := clampTurn(normalizeRelative(bearing-obs[4]*360.0), royale.MaxTurnRate)

	speed := 2.0
	if distance > 0.3 {
		speed = 5.0
	}
	fire := 0.0
	if math.Abs(normalizeRelative(bearing-gunDir)) < 10.0 {
		fire = 1.0
		if distance < 0.2 {
			fire = 2.0
		}
	}
	return types.Action{speed, bodyTurn, gunTurn, radarTurn, fire}, true
}

func (t *TrackingPolicy) Update(_ int, _ types.Observation, _ types.Action, _ *types.StepResult) {}

func (t *TrackingPolicy) Reset() {}

// normalizeRelative maps an angle difference into [-180, 180).
func normalizeRelative(angle float64) float64 {
	for angle >= 180 {
		angle -= 360
	}
	for angle < -180 {
		angle += 360
	}
	return angle
}

func clampTurn(angle, max float64) float64 {
	if angle > max {
		return max
	}
	if angle < -max {
		return -max
	}
	return angle
}
