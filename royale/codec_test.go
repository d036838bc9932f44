package royale

import (
	"math"
	"testing"
)

func testBotState() *BotState {
	return &BotState{
		Energy:         80,
		X:              200,
		Y:              300,
		Direction:      90,
		GunDirection:   180,
		RadarDirection: 270,
		RadarSweep:     45,
		Speed:          4,
		TurnRate:       5,
		GunTurnRate:    10,
		RadarTurnRate:  -45,
		GunHeat:        1.5,
		EnemyCount:     2,
	}
}

func TestBuildObservationShape(t *testing.T) {
	tracker := NewEnemyTracker()
	tracker.Observe(&ScannedBot{ScannedBotID: 2, Energy: 50, X: 400, Y: 300, Direction: 0, Speed: 8}, 200, 300)
	stats := &CombatStats{BulletsFired: 3, HitsDealt: 1, DamageDealt: 12, DamageTaken: 4}

	obs := BuildObservation(testBotState(), tracker, stats, 800, 600)
	if len(obs) != ObservationSize {
		t.Fatalf("observation has %d entries, want %d", len(obs), ObservationSize)
	}
	for i, v := range obs {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			t.Errorf("observation entry %d is not finite: %f", i, v)
		}
	}

	if obs[0] != 200.0/800.0 {
		t.Errorf("x not normalized, got %f", obs[0])
	}
	if obs[1] != 300.0/600.0 {
		t.Errorf("y not normalized, got %f", obs[1])
	}
	if obs[3] != 0.8 {
		t.Errorf("energy not normalized, got %f", obs[3])
	}
	if obs[7] != 0.5 {
		t.Errorf("gun heat not normalized, got %f", obs[7])
	}

	// first enemy slot is filled, the distance is below the diagonal
	if obs[13] != 400.0/800.0 {
		t.Errorf("enemy x not normalized, got %f", obs[13])
	}
	if obs[18] >= 1.0 || obs[18] <= 0 {
		t.Errorf("enemy distance out of range: %f", obs[18])
	}
	// second slot is empty, zeros with the distance pegged to one
	if obs[19+5] != 1.0 {
		t.Errorf("empty slot distance not pegged, got %f", obs[19+5])
	}
	for i := 19; i < 19+5; i++ {
		if obs[i] != 0 {
			t.Errorf("empty slot entry %d not zero: %f", i, obs[i])
		}
	}
}

func TestZeroObservation(t *testing.T) {
	obs := ZeroObservation()
	if len(obs) != ObservationSize {
		t.Fatalf("zero observation has %d entries, want %d", len(obs), ObservationSize)
	}
	for i, v := range obs {
		if v != 0 {
			t.Errorf("entry %d not zero: %f", i, v)
		}
	}
}

func TestValidAction(t *testing.T) {
	if err := ValidAction(make([]float64, ActionSize)); err != nil {
		t.Errorf("zero action rejected: %s", err)
	}
	if err := ValidAction(make([]float64, 3)); err == nil {
		t.Errorf("short action accepted")
	}
	if err := ValidAction([]float64{0, 0, math.NaN(), 0, 0}); err == nil {
		t.Errorf("nan action accepted")
	}
	if err := ValidAction([]float64{0, math.Inf(1), 0, 0, 0}); err == nil {
		t.Errorf("inf action accepted")
	}
	// out of range values are valid input, they get clamped downstream
	if err := ValidAction([]float64{100, -100, 100, -100, 100}); err != nil {
		t.Errorf("out of range action rejected: %s", err)
	}
}

func TestIntentFromAction(t *testing.T) {
	intent := IntentFromAction([]float64{20, -20, 50, -90, 2}, 0)
	if intent.TargetSpeed != MaxTargetSpeed {
		t.Errorf("speed not clamped, got %f", intent.TargetSpeed)
	}
	if intent.TurnRate != -MaxTurnRate {
		t.Errorf("turn rate not clamped, got %f", intent.TurnRate)
	}
	if intent.GunTurnRate != MaxGunTurnRate {
		t.Errorf("gun turn rate not clamped, got %f", intent.GunTurnRate)
	}
	if intent.RadarTurnRate != -MaxRadarTurnRate {
		t.Errorf("radar turn rate not clamped, got %f", intent.RadarTurnRate)
	}
	if intent.Firepower != 2 {
		t.Errorf("firepower not forwarded, got %f", intent.Firepower)
	}

	// a hot gun suppresses the shot entirely
	intent = IntentFromAction([]float64{0, 0, 0, 0, 2}, 1.2)
	if intent.Firepower != 0 {
		t.Errorf("fired with a hot gun: %f", intent.Firepower)
	}

	// below the threshold means no shot
	intent = IntentFromAction([]float64{0, 0, 0, 0, 0.05}, 0)
	if intent.Firepower != 0 {
		t.Errorf("fired below the threshold: %f", intent.Firepower)
	}

	// above the threshold the power is clamped into the legal band
	intent = IntentFromAction([]float64{0, 0, 0, 0, 10}, 0)
	if intent.Firepower != MaxFirepower {
		t.Errorf("firepower not clamped, got %f", intent.Firepower)
	}
}

func TestActionBounds(t *testing.T) {
	bounds := ActionBounds()
	if len(bounds) != ActionSize {
		t.Fatalf("got %d bounds, want %d", len(bounds), ActionSize)
	}
	for i, b := range bounds {
		if b[0] >= b[1] {
			t.Errorf("bound %d is not a proper interval: %v", i, b)
		}
	}
}

func TestEventReward(t *testing.T) {
	w := DefaultRewardWeights()
	cases := []struct {
		kind EventKind
		want float64
	}{
		{EventDeath, -1.0},
		{EventWin, 1.0},
		{EventHitBot, 0.5},
		{EventHitWall, -0.1},
		{EventBulletHit, 0.3},
		{EventHitByBullet, -0.2},
		{EventScanned, 0.05},
		{EventSkippedTurn, -0.5},
		{EventTick, 0},
		{EventRoundEnded, 0},
	}
	for _, c := range cases {
		if got := EventReward(GameEvent{Kind: c.kind}, w); got != c.want {
			t.Errorf("reward for %s is %f, want %f", c.kind, got, c.want)
		}
	}
}

func TestEnemyTracker(t *testing.T) {
	tracker := NewEnemyTracker()
	if tracker.Count() != 0 {
		t.Errorf("fresh tracker not empty")
	}

	tracker.Observe(&ScannedBot{ScannedBotID: 2, X: 300, Y: 300}, 200, 300)
	tracker.Observe(&ScannedBot{ScannedBotID: 3, X: 700, Y: 300}, 200, 300)
	tracker.Observe(&ScannedBot{ScannedBotID: 4, X: 210, Y: 300}, 200, 300)
	if tracker.Count() != 3 {
		t.Fatalf("got %d tracks, want 3", tracker.Count())
	}

	nearest := tracker.Nearest(3)
	if len(nearest) != 3 {
		t.Fatalf("got %d nearest, want 3", len(nearest))
	}
	if nearest[0].ID != 4 || nearest[1].ID != 2 || nearest[2].ID != 3 {
		t.Errorf("nearest not sorted by distance: %d %d %d", nearest[0].ID, nearest[1].ID, nearest[2].ID)
	}

	// a re-scan updates the existing track instead of adding one
	tracker.Observe(&ScannedBot{ScannedBotID: 2, X: 500, Y: 300}, 200, 300)
	if tracker.Count() != 3 {
		t.Errorf("re-scan duplicated a track")
	}

	tracker.Remove(3)
	if tracker.Count() != 2 {
		t.Errorf("remove did not drop the track")
	}

	tracker.Reset()
	if tracker.Count() != 0 {
		t.Errorf("reset did not clear the tracker")
	}
}
