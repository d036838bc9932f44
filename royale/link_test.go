package royale

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// newBotServer runs the server side of the bot protocol: it upgrades,
// performs the handshake and hands the connection to the test for driving
// the rest of the exchange.
func newBotServer(t *testing.T) (string, chan *websocket.Conn, chan botHandshake) {
	t.Helper()
	conns := make(chan *websocket.Conn, 4)
	handshakes := make(chan botHandshake, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if err := conn.WriteJSON(map[string]interface{}{"type": "ServerHandshake", "sessionId": "session-1"}); err != nil {
			conn.Close()
			return
		}
		var hs botHandshake
		if err := conn.ReadJSON(&hs); err != nil {
			conn.Close()
			return
		}
		handshakes <- hs
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), conns, handshakes
}

func dialTestLink(t *testing.T, url string) *Link {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	link, err := DialLink(ctx, url, "bot-under-test", log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("dial failed: %s", err)
	}
	return link
}

func tickFrame(turn int, gunHeat float64) []byte {
	return []byte(fmt.Sprintf(
		`{"type":"TickEventForBot","roundNumber":1,"turnNumber":%d,"botState":{"energy":100,"x":400,"y":300,"gunHeat":%f},"events":[]}`,
		turn, gunHeat))
}

// collectEvents polls until n events arrived or the deadline passed.
func collectEvents(link *Link, n int) []GameEvent {
	out := make([]GameEvent, 0, n)
	deadline := time.Now().Add(2 * time.Second)
	for len(out) < n && time.Now().Before(deadline) {
		out = append(out, link.PollEvents(100*time.Millisecond)...)
	}
	return out
}

func TestDialLinkHandshake(t *testing.T) {
	url, conns, handshakes := newBotServer(t)
	link := dialTestLink(t, url)
	defer link.Close()

	hs := <-handshakes
	if hs.Type != "BotHandshake" || hs.SessionID != "session-1" {
		t.Errorf("handshake wrong: %+v", hs)
	}
	if hs.Name != "bot-under-test" {
		t.Errorf("bot name not sent: %s", hs.Name)
	}
	if !link.Connected() {
		t.Errorf("fresh link not connected")
	}
	(<-conns).Close()
}

func TestLinkDeliversEventsInOrder(t *testing.T) {
	url, conns, _ := newBotServer(t)
	link := dialTestLink(t, url)
	defer link.Close()
	server := <-conns
	defer server.Close()

	if err := server.WriteJSON(map[string]interface{}{"type": "GameStartedEventForBot", "myId": 1}); err != nil {
		t.Fatalf("server write failed: %s", err)
	}
	// the bot must confirm readiness before the game runs
	var ready botReady
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := server.ReadJSON(&ready); err != nil || ready.Type != "BotReady" {
		t.Fatalf("bot ready not received: %v %s", ready, err)
	}

	frame := `{"type":"TickEventForBot","roundNumber":1,"turnNumber":5,"botState":{"energy":100,"x":10,"y":20,"gunHeat":0},"events":[
		{"type":"ScannedBotEvent","turnNumber":5,"scannedBotId":2,"x":100,"y":200,"energy":80}
	]}`
	if err := server.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write failed: %s", err)
	}

	events := collectEvents(link, 3)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %v", len(events), events)
	}
	if events[0].Kind != EventGameStarted || events[1].Kind != EventScanned || events[2].Kind != EventTick {
		t.Errorf("event order wrong: %s %s %s", events[0].Kind, events[1].Kind, events[2].Kind)
	}
	if events[2].State == nil || events[2].State.X != 10 {
		t.Errorf("tick state not delivered: %v", events[2].State)
	}
}

func TestLinkSendActionAndStandingIntent(t *testing.T) {
	url, conns, _ := newBotServer(t)
	link := dialTestLink(t, url)
	defer link.Close()
	server := <-conns
	defer server.Close()
	server.SetReadDeadline(time.Now().Add(5 * time.Second))

	// deliver a cold gun tick so the fire gate is open
	if err := server.WriteMessage(websocket.TextMessage, tickFrame(1, 0)); err != nil {
		t.Fatalf("server write failed: %s", err)
	}
	if events := collectEvents(link, 1); len(events) != 1 {
		t.Fatalf("tick not delivered")
	}

	if err := link.SendAction([]float64{20, 5, 10, 20, 2}); err != nil {
		t.Fatalf("send failed: %s", err)
	}
	var intent BotIntent
	if err := server.ReadJSON(&intent); err != nil {
		t.Fatalf("intent not received: %s", err)
	}
	if intent.Type != "BotIntent" {
		t.Errorf("intent type wrong: %s", intent.Type)
	}
	if intent.TargetSpeed != MaxTargetSpeed {
		t.Errorf("speed not clamped on the wire: %f", intent.TargetSpeed)
	}
	if intent.Firepower != 2 {
		t.Errorf("firepower not sent: %f", intent.Firepower)
	}

	// the next tick triggers the standing order, with the shot stripped
	if err := server.WriteMessage(websocket.TextMessage, tickFrame(2, 1.2)); err != nil {
		t.Fatalf("server write failed: %s", err)
	}
	var standing BotIntent
	if err := server.ReadJSON(&standing); err != nil {
		t.Fatalf("standing intent not received: %s", err)
	}
	if standing.Firepower != 0 {
		t.Errorf("standing order re-fired: %f", standing.Firepower)
	}
	if standing.TargetSpeed != MaxTargetSpeed {
		t.Errorf("standing order lost the movement: %f", standing.TargetSpeed)
	}

	// the gun is hot now, a new action must not fire
	if events := collectEvents(link, 1); len(events) != 1 {
		t.Fatalf("second tick not delivered")
	}
	if err := link.SendAction([]float64{0, 0, 0, 0, 3}); err != nil {
		t.Fatalf("send failed: %s", err)
	}
	var gated BotIntent
	if err := server.ReadJSON(&gated); err != nil {
		t.Fatalf("gated intent not received: %s", err)
	}
	if gated.Firepower != 0 {
		t.Errorf("fired with a hot gun: %f", gated.Firepower)
	}
}

func TestLinkConnectionDropSurfaces(t *testing.T) {
	url, conns, _ := newBotServer(t)
	link := dialTestLink(t, url)
	defer link.Close()

	(<-conns).Close()

	events := collectEvents(link, 1)
	if len(events) != 1 || events[0].Kind != EventConnectionError {
		t.Fatalf("connection drop not surfaced: %v", events)
	}
	if events[0].Err == nil {
		t.Errorf("connection error carries no cause")
	}
}

func TestLinkCloseIdempotent(t *testing.T) {
	url, conns, _ := newBotServer(t)
	link := dialTestLink(t, url)
	defer (<-conns).Close()

	if err := link.Close(); err != nil {
		t.Errorf("close failed: %s", err)
	}
	if err := link.Close(); err != nil {
		t.Errorf("second close failed: %s", err)
	}
	if link.Connected() {
		t.Errorf("closed link reports connected")
	}
	if err := link.SendAction(make([]float64, ActionSize)); !errors.Is(err, ErrLinkClosed) {
		t.Errorf("send on a closed link: %v", err)
	}
	if events := link.PollEvents(50 * time.Millisecond); len(events) != 0 {
		t.Errorf("closed link delivered events: %v", events)
	}
}

func TestDialLinkRejectsBadServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.WriteJSON(map[string]interface{}{"type": "SomethingElse"})
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := DialLink(ctx, url, "bot", log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("bad handshake accepted")
	}

	if _, err := DialLink(ctx, "ws://127.0.0.1:1", "bot", log.New(io.Discard, "", 0)); err == nil {
		t.Fatalf("dial to a dead port succeeded")
	}
}
