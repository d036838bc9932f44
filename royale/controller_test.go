package royale

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// controllerServer runs one scripted server side conversation. The
// handler owns the upgraded connection until it returns.
func controllerServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestStartMatchFlow(t *testing.T) {
	handshakes := make(chan controllerHandshake, 1)
	starts := make(chan startGame, 1)

	url := controllerServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(&serverHandshake{Type: "ServerHandshake", SessionID: "session-9"})

		var hs controllerHandshake
		if err := conn.ReadJSON(&hs); err != nil {
			return
		}
		handshakes <- hs

		// one bot is not enough, the controller has to keep waiting
		conn.WriteJSON(&botListUpdate{Type: "BotListUpdate", Bots: []botInfo{
			{Host: "127.0.0.1", Port: 7001, Name: "tankrl-agent"},
		}})
		conn.WriteJSON(&botListUpdate{Type: "BotListUpdate", Bots: []botInfo{
			{Host: "127.0.0.1", Port: 7001, Name: "tankrl-agent"},
			{Host: "127.0.0.1", Port: 7002, Name: "opponent"},
		}})

		var sg startGame
		if err := conn.ReadJSON(&sg); err != nil {
			return
		}
		starts <- sg

		conn.WriteJSON(map[string]interface{}{"type": "GameStartedEventForBot", "myId": 1})
		// hold the conn open until the controller hangs up
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := StartMatch(ctx, url, 2, DefaultGameSetup(), quietLogger()); err != nil {
		t.Fatalf("start match failed: %s", err)
	}

	hs := <-handshakes
	if hs.Type != "ControllerHandshake" {
		t.Errorf("handshake type wrong: %s", hs.Type)
	}
	if hs.SessionID != "session-9" {
		t.Errorf("session id not echoed: %s", hs.SessionID)
	}
	if hs.Name != "tankrl-controller" {
		t.Errorf("controller name wrong: %s", hs.Name)
	}

	sg := <-starts
	if sg.Type != "StartGame" {
		t.Errorf("start frame type wrong: %s", sg.Type)
	}
	if sg.GameSetup == nil || sg.GameSetup.GameType != "melee" {
		t.Errorf("game setup not forwarded: %+v", sg.GameSetup)
	}
	if len(sg.BotAddresses) != 2 {
		t.Fatalf("started with %d addresses, the controller must wait for the full lobby", len(sg.BotAddresses))
	}
	if sg.BotAddresses[1].Port != 7002 {
		t.Errorf("bot addresses not taken from the lobby: %+v", sg.BotAddresses)
	}
}

func TestStartMatchSkipsUnrelatedFrames(t *testing.T) {
	url := controllerServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(&serverHandshake{Type: "ServerHandshake", SessionID: "s"})
		var hs controllerHandshake
		if err := conn.ReadJSON(&hs); err != nil {
			return
		}
		// chatter the controller has no use for
		conn.WriteJSON(map[string]interface{}{"type": "TpsChangedEvent", "tps": 30})
		conn.WriteJSON(&botListUpdate{Type: "BotListUpdate", Bots: []botInfo{
			{Host: "127.0.0.1", Port: 7001},
			{Host: "127.0.0.1", Port: 7002},
		}})
		var sg startGame
		if err := conn.ReadJSON(&sg); err != nil {
			return
		}
		conn.WriteJSON(map[string]interface{}{"type": "RoundStartedEvent", "roundNumber": 1})
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := StartMatch(ctx, url, 2, DefaultGameSetup(), quietLogger()); err != nil {
		t.Errorf("start match failed: %s", err)
	}
}

func TestStartMatchRejectsBadHandshake(t *testing.T) {
	url := controllerServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(map[string]interface{}{"type": "SomethingElse"})
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := StartMatch(ctx, url, 2, DefaultGameSetup(), quietLogger()); err == nil {
		t.Errorf("bad first frame accepted")
	}
}

func TestStartMatchLobbyTimeout(t *testing.T) {
	url := controllerServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(&serverHandshake{Type: "ServerHandshake", SessionID: "s"})
		var hs controllerHandshake
		if err := conn.ReadJSON(&hs); err != nil {
			return
		}
		// never announce any bots
		conn.ReadMessage()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := StartMatch(ctx, url, 2, DefaultGameSetup(), quietLogger()); err == nil {
		t.Errorf("empty lobby did not time out")
	}
}

func TestStartMatchDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := StartMatch(ctx, "ws://127.0.0.1:1", 2, DefaultGameSetup(), quietLogger()); err == nil {
		t.Errorf("dial to a dead port succeeded")
	}
}
