package royale

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

// StartMatch connects to the server as a controller, waits for the expected
// number of bots to join and requests a game with the given setup. It
// returns once the server confirms the game is underway. The connection is
// closed before returning, the match keeps running without it.
func StartMatch(ctx context.Context, serverURL string, expectedBots int, setup *GameSetup, logger *log.Logger) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return fmt.Errorf("(royale:controller.go:StartMatch:1) dial %s: %s", serverURL, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("(royale:controller.go:StartMatch:2) reading server handshake: %s", err)
	}
	var hs serverHandshake
	if err := json.Unmarshal(raw, &hs); err != nil || hs.Type != "ServerHandshake" {
		return fmt.Errorf("(royale:controller.go:StartMatch:3) unexpected first frame %q", string(raw))
	}

	if err := conn.WriteJSON(&controllerHandshake{
		Type:      "ControllerHandshake",
		SessionID: hs.SessionID,
		Name:      "tankrl-controller",
		Version:   "1.0",
		Author:    "tankrl",
	}); err != nil {
		return fmt.Errorf("(royale:controller.go:StartMatch:4) sending controller handshake: %s", err)
	}

	// wait for all expected bots to show up in the lobby
	var bots []botInfo
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("(royale:controller.go:StartMatch:5) waiting for bot list: %s", err)
		}
		var envelope wireEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("(royale:controller.go:StartMatch:6) undecodable frame: %s", err)
		}
		if envelope.Type != "BotListUpdate" {
			continue
		}
		var update botListUpdate
		if err := json.Unmarshal(raw, &update); err != nil {
			return fmt.Errorf("(royale:controller.go:StartMatch:7) bad bot list frame: %s", err)
		}
		if len(update.Bots) >= expectedBots {
			bots = update.Bots
			break
		}
		logger.Printf("lobby has %d of %d bots", len(update.Bots), expectedBots)
	}

	addresses := make([]botAddress, 0, len(bots))
	for _, b := range bots {
		addresses = append(addresses, botAddress{Host: b.Host, Port: b.Port})
	}
	if err := conn.WriteJSON(&startGame{
		Type:         "StartGame",
		GameSetup:    setup,
		BotAddresses: addresses,
	}); err != nil {
		return fmt.Errorf("(royale:controller.go:StartMatch:8) sending start game: %s", err)
	}

	// wait for the server to confirm the game started
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("(royale:controller.go:StartMatch:9) waiting for game start: %s", err)
		}
		var envelope wireEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("(royale:controller.go:StartMatch:10) undecodable frame: %s", err)
		}
		switch envelope.Type {
		case "GameStartedEventForBot", "GameStartedEventForObserver", "RoundStartedEvent":
			logger.Printf("match started with %d bots", len(bots))
			return nil
		}
	}
}
