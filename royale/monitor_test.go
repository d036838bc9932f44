package royale

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMonitorEndpoints(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMonitor(ctx, "127.0.0.1:0")

	base := &InstanceBaseConfig{AttachEndpoint: "ws://127.0.0.1:7777"}
	env, err := NewEnv(base.Instantiate(0), nil)
	if err != nil {
		t.Fatalf("building env: %s", err)
	}
	defer env.Close()
	m.Register(env)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health returned %d", resp.StatusCode)
	}
	var health map[string]HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decoding health: %s", err)
	}
	h, ok := health["0"]
	if !ok {
		t.Fatalf("instance 0 missing from health: %v", health)
	}
	if h.Phase != "idle" {
		t.Errorf("phase wrong: %s", h.Phase)
	}
	if h.Endpoint != "ws://127.0.0.1:7777" {
		t.Errorf("endpoint wrong: %s", h.Endpoint)
	}
	if h.LastTickAgeS != -1 {
		t.Errorf("tick age without ticks should be -1, got %f", h.LastTickAgeS)
	}
	if h.Opponent != nil {
		t.Errorf("attached instance reports an opponent pool")
	}

	// no league attached yet
	resp, err = http.Get(srv.URL + "/league")
	if err != nil {
		t.Fatalf("league request failed: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("league without a league returned %d", resp.StatusCode)
	}

	m.SetLeagueFunc(func() interface{} { return []string{"snapshot_10"} })
	resp, err = http.Get(srv.URL + "/league")
	if err != nil {
		t.Fatalf("league request failed: %s", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("league returned %d", resp.StatusCode)
	}
	var standings []string
	if err := json.NewDecoder(resp.Body).Decode(&standings); err != nil {
		t.Fatalf("decoding league: %s", err)
	}
	if len(standings) != 1 || standings[0] != "snapshot_10" {
		t.Errorf("standings wrong: %v", standings)
	}

	// attach mode has no pool, the opponents view is empty
	resp, err = http.Get(srv.URL + "/opponents")
	if err != nil {
		t.Fatalf("opponents request failed: %s", err)
	}
	defer resp.Body.Close()
	var opponents map[string]PoolStatus
	if err := json.NewDecoder(resp.Body).Decode(&opponents); err != nil {
		t.Fatalf("decoding opponents: %s", err)
	}
	if len(opponents) != 0 {
		t.Errorf("opponents not empty: %v", opponents)
	}
}
