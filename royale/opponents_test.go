package royale

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"os"
	"path"
	"testing"
	"time"
)

func writeRoster(t *testing.T, specs []BotSpec) string {
	t.Helper()
	bs, err := json.Marshal(specs)
	if err != nil {
		t.Fatalf("marshal roster: %s", err)
	}
	rosterPath := path.Join(t.TempDir(), "roster.json")
	if err := os.WriteFile(rosterPath, bs, 0644); err != nil {
		t.Fatalf("write roster: %s", err)
	}
	return rosterPath
}

// sleeperSpec builds a bot that stays up for the given duration. The shell
// absorbs the server url appended at launch.
func sleeperSpec(name string, seconds string) BotSpec {
	return BotSpec{Name: name, Kind: BotInternal, Cmd: "sh", Args: []string{"-c", "sleep " + seconds}}
}

func testPool(t *testing.T, roster []BotSpec, selector Selector) (*PoolManager, *Supervisor) {
	t.Helper()
	base := &InstanceBaseConfig{
		RosterPath:         writeRoster(t, roster),
		OpponentStartGrace: 10 * time.Millisecond,
		StopGrace:          200 * time.Millisecond,
	}
	cfg := base.Instantiate(0)
	sup := NewSupervisor("pool-test", path.Join(t.TempDir(), "work"), time.Second, 200*time.Millisecond, log.New(io.Discard, "", 0))
	pm, err := NewPoolManager(cfg, sup, selector, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("building pool: %s", err)
	}
	return pm, sup
}

func TestPoolRotation(t *testing.T) {
	roster := []BotSpec{
		sleeperSpec("alpha", "60"),
		sleeperSpec("bravo", "60"),
		sleeperSpec("charlie", "60"),
		sleeperSpec("delta", "60"),
	}
	pm, sup := testPool(t, roster, NewUniformSelector(1))
	defer sup.StopAll()
	defer pm.StopAll()

	seen := map[string]int{}
	for i := 0; i < 100; i++ {
		spec, err := pm.StartEpisodeOpponent()
		if err != nil {
			t.Fatalf("episode %d: %s", i, err)
		}
		seen[spec.Name]++

		alive := 0
		for _, h := range sup.Handles() {
			if sup.IsAlive(h) {
				alive++
			}
		}
		if alive != 1 {
			t.Fatalf("episode %d: %d opponents alive, want exactly 1", i, alive)
		}
	}

	for _, name := range []string{"alpha", "bravo", "charlie", "delta"} {
		if seen[name] == 0 {
			t.Errorf("opponent %s never selected in 100 episodes", name)
		}
	}

	status := pm.Status()
	if status.TotalLaunched != 100 {
		t.Errorf("launch counter is %d, want 100", status.TotalLaunched)
	}
	if !status.CurrentAlive {
		t.Errorf("current opponent not alive")
	}
	if status.PoolSize != 4 {
		t.Errorf("pool size is %d, want 4", status.PoolSize)
	}
}

func TestPoolRestartBudget(t *testing.T) {
	pm, sup := testPool(t, []BotSpec{sleeperSpec("flaky", "0.2")}, nil)
	defer sup.StopAll()
	defer pm.StopAll()

	if _, err := pm.StartEpisodeOpponent(); err != nil {
		t.Fatalf("launch failed: %s", err)
	}
	// a healthy opponent needs no restart
	if err := pm.RestartCrashed(); err != nil {
		t.Errorf("restart of a healthy opponent errored: %s", err)
	}

	waitCrashed := func() {
		t.Helper()
		for i := 0; i < 200; i++ {
			if pm.Crashed() {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("opponent never crashed")
	}

	waitCrashed()
	if err := pm.RestartCrashed(); err != nil {
		t.Fatalf("first restart failed: %s", err)
	}
	status := pm.Status()
	if status.EpisodeRestarts != 1 || status.TotalCrashes != 1 {
		t.Errorf("counters after restart: restarts=%d crashes=%d", status.EpisodeRestarts, status.TotalCrashes)
	}

	// the second crash within the same episode exhausts the budget
	waitCrashed()
	err := pm.RestartCrashed()
	if !errors.Is(err, ErrRestartBudget) {
		t.Fatalf("second restart did not report the budget: %v", err)
	}

	// a fresh episode resets the budget
	if _, err := pm.StartEpisodeOpponent(); err != nil {
		t.Fatalf("relaunch failed: %s", err)
	}
	waitCrashed()
	if err := pm.RestartCrashed(); err != nil {
		t.Errorf("restart after a fresh episode failed: %s", err)
	}
}

func TestPoolLaunchDeathDetected(t *testing.T) {
	pm, sup := testPool(t, []BotSpec{{Name: "broken", Kind: BotInternal, Cmd: "true"}}, nil)
	defer sup.StopAll()

	if _, err := pm.StartEpisodeOpponent(); err == nil {
		t.Fatalf("launching a bot that dies immediately succeeded")
	}
	if _, ok := pm.Current(); ok {
		t.Errorf("failed launch left a current opponent")
	}
}

func TestPoolTierFilter(t *testing.T) {
	roster := []BotSpec{
		{Name: "t0", Cmd: "sh", Tier: 0},
		{Name: "t1", Cmd: "sh", Tier: 1},
		{Name: "t2", Cmd: "sh", Tier: 2},
	}
	base := &InstanceBaseConfig{
		RosterPath:   writeRoster(t, roster),
		UnlockedTier: 1,
	}
	cfg := base.Instantiate(0)
	sup := NewSupervisor("tier-test", path.Join(t.TempDir(), "work"), time.Second, time.Second, log.New(io.Discard, "", 0))
	defer sup.StopAll()
	pm, err := NewPoolManager(cfg, sup, nil, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("building pool: %s", err)
	}

	pool := pm.Pool()
	if len(pool) != 2 {
		t.Fatalf("pool has %d bots, want 2", len(pool))
	}
	for _, spec := range pool {
		if spec.Tier > 1 {
			t.Errorf("locked bot %s in pool", spec.Name)
		}
	}
}

func TestPoolEmptyAfterFilter(t *testing.T) {
	roster := []BotSpec{{Name: "high", Cmd: "sh", Tier: 5}}
	base := &InstanceBaseConfig{RosterPath: writeRoster(t, roster), UnlockedTier: 1}
	cfg := base.Instantiate(0)
	sup := NewSupervisor("empty-test", path.Join(t.TempDir(), "work"), time.Second, time.Second, log.New(io.Discard, "", 0))
	defer sup.StopAll()

	if _, err := NewPoolManager(cfg, sup, nil, log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("empty pool accepted")
	}
}

func TestUniformSelector(t *testing.T) {
	sel := NewUniformSelector(7)
	if _, err := sel.Select(nil); err == nil {
		t.Errorf("empty pool accepted")
	}

	pool := []BotSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	seen := map[string]int{}
	for i := 0; i < 200; i++ {
		spec, err := sel.Select(pool)
		if err != nil {
			t.Fatalf("select failed: %s", err)
		}
		seen[spec.Name]++
	}
	for _, name := range []string{"a", "b", "c"} {
		if seen[name] == 0 {
			t.Errorf("%s never drawn", name)
		}
	}
}

func TestPinnedSelector(t *testing.T) {
	pool := []BotSpec{{Name: "a"}, {Name: "b"}}
	sel := &PinnedSelector{Name: "b"}
	spec, err := sel.Select(pool)
	if err != nil || spec.Name != "b" {
		t.Errorf("pinned selection wrong: %v %v", spec, err)
	}
	sel = &PinnedSelector{Name: "missing"}
	if _, err := sel.Select(pool); err == nil {
		t.Errorf("missing pin accepted")
	}
}

func TestLoadRoster(t *testing.T) {
	specs := []BotSpec{
		{Name: "one", Kind: BotInternal, Cmd: "/bots/one", Tier: 1},
		{Name: "two", Kind: BotSample, Cmd: "/bots/two", Args: []string{"-x"}, Tier: 3},
	}
	rosterPath := writeRoster(t, specs)

	registry, err := LoadRoster(rosterPath)
	if err != nil {
		t.Fatalf("load failed: %s", err)
	}
	if len(registry) != 2 {
		t.Fatalf("registry has %d entries, want 2", len(registry))
	}
	if registry["two"].Kind != BotSample || len(registry["two"].Args) != 1 {
		t.Errorf("spec fields lost: %+v", registry["two"])
	}

	if _, err := LoadRoster(path.Join(t.TempDir(), "missing.json")); err == nil {
		t.Errorf("missing roster accepted")
	}
	bad := path.Join(t.TempDir(), "bad.json")
	os.WriteFile(bad, []byte("not json"), 0644)
	if _, err := LoadRoster(bad); err == nil {
		t.Errorf("malformed roster accepted")
	}
}

func TestDefaultRegistry(t *testing.T) {
	registry := DefaultRegistry("/bots", "/samples")
	if len(registry) != 13 {
		t.Fatalf("registry has %d entries, want 13", len(registry))
	}
	noop, ok := registry["noop_bot"]
	if !ok || noop.Kind != BotInternal || noop.Tier != 0 {
		t.Errorf("noop_bot wrong: %+v", noop)
	}
	crazy, ok := registry["Crazy"]
	if !ok || crazy.Kind != BotSample || crazy.Tier != 3 {
		t.Errorf("Crazy wrong: %+v", crazy)
	}
	if registry["spin_bot"].Cmd != "/bots/spin_bot" {
		t.Errorf("internal cmd path wrong: %s", registry["spin_bot"].Cmd)
	}
}
