package royale

import (
	"encoding/json"
	"fmt"
)

// EventKind tags the events delivered by the game link. Sub events carried
// inside a tick frame are flattened ahead of the tick itself so a single
// drain observes them in server order.
type EventKind int

const (
	EventTick EventKind = iota
	EventGameStarted
	EventGameEnded
	EventRoundStarted
	EventRoundEnded
	EventScanned
	EventHitWall
	EventHitBot
	EventBulletFired
	EventBulletHit
	EventBulletMiss
	EventHitByBullet
	EventDeath
	EventEnemyDeath
	EventWin
	EventSkippedTurn
	EventConnectionError
)

func (k EventKind) String() string {
	switch k {
	case EventTick:
		return "tick"
	case EventGameStarted:
		return "game_started"
	case EventGameEnded:
		return "game_ended"
	case EventRoundStarted:
		return "round_started"
	case EventRoundEnded:
		return "round_ended"
	case EventScanned:
		return "scanned"
	case EventHitWall:
		return "hit_wall"
	case EventHitBot:
		return "hit_bot"
	case EventBulletFired:
		return "bullet_fired"
	case EventBulletHit:
		return "bullet_hit"
	case EventBulletMiss:
		return "bullet_miss"
	case EventHitByBullet:
		return "hit_by_bullet"
	case EventDeath:
		return "death"
	case EventEnemyDeath:
		return "enemy_death"
	case EventWin:
		return "win"
	case EventSkippedTurn:
		return "skipped_turn"
	case EventConnectionError:
		return "connection_error"
	default:
		return "unknown"
	}
}

// BotState is the own-bot snapshot carried by every tick.
type BotState struct {
	Energy         float64 `json:"energy"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Direction      float64 `json:"direction"`
	GunDirection   float64 `json:"gunDirection"`
	RadarDirection float64 `json:"radarDirection"`
	RadarSweep     float64 `json:"radarSweep"`
	Speed          float64 `json:"speed"`
	TurnRate       float64 `json:"turnRate"`
	GunTurnRate    float64 `json:"gunTurnRate"`
	RadarTurnRate  float64 `json:"radarTurnRate"`
	GunHeat        float64 `json:"gunHeat"`
	EnemyCount     int     `json:"enemyCount"`
}

// ScannedBot is the payload of a radar scan event.
type ScannedBot struct {
	ScannedBotID int     `json:"scannedBotId"`
	Energy       float64 `json:"energy"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Direction    float64 `json:"direction"`
	Speed        float64 `json:"speed"`
}

// GameEvent is the tagged union handed to the episode bridge. Only the
// fields of the tagged kind are meaningful.
type GameEvent struct {
	Kind  EventKind
	Round int
	Turn  int

	// tick snapshot
	State *BotState
	// scanned payload
	Scanned *ScannedBot
	// bullet and collision payloads
	VictimID int
	Damage   float64
	Rammed   bool
	// connection failure
	Err error
}

// BotIntent is the per turn order sent to the server. A zero firepower
// means no shot this turn.
type BotIntent struct {
	Type          string  `json:"type"`
	TargetSpeed   float64 `json:"targetSpeed"`
	TurnRate      float64 `json:"turnRate"`
	GunTurnRate   float64 `json:"gunTurnRate"`
	RadarTurnRate float64 `json:"radarTurnRate"`
	Firepower     float64 `json:"firepower"`
}

// wire messages

type wireEnvelope struct {
	Type string `json:"type"`
}

type serverHandshake struct {
	Type      string   `json:"type"`
	SessionID string   `json:"sessionId"`
	Variant   string   `json:"variant"`
	Version   string   `json:"version"`
	GameTypes []string `json:"gameTypes"`
}

type botHandshake struct {
	Type            string   `json:"type"`
	SessionID       string   `json:"sessionId"`
	Name            string   `json:"name"`
	Version         string   `json:"version"`
	Authors         []string `json:"authors"`
	Description     string   `json:"description,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	ProgrammingLang string   `json:"programmingLang,omitempty"`
}

type botReady struct {
	Type string `json:"type"`
}

type controllerHandshake struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Version   string `json:"version"`
	Author    string `json:"author,omitempty"`
}

type botAddress struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type botInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Name string `json:"name"`
}

type botListUpdate struct {
	Type string    `json:"type"`
	Bots []botInfo `json:"bots"`
}

type startGame struct {
	Type         string       `json:"type"`
	GameSetup    *GameSetup   `json:"gameSetup"`
	BotAddresses []botAddress `json:"botAddresses"`
}

type gameStartedEventForBot struct {
	Type      string     `json:"type"`
	MyID      int        `json:"myId"`
	GameSetup *GameSetup `json:"gameSetup"`
}

type roundStartedEvent struct {
	Type        string `json:"type"`
	RoundNumber int    `json:"roundNumber"`
}

type roundEndedEvent struct {
	Type        string `json:"type"`
	RoundNumber int    `json:"roundNumber"`
	TurnNumber  int    `json:"turnNumber"`
}

type gameEndedEvent struct {
	Type           string `json:"type"`
	NumberOfRounds int    `json:"numberOfRounds"`
}

type tickEventForBot struct {
	Type        string            `json:"type"`
	RoundNumber int               `json:"roundNumber"`
	TurnNumber  int               `json:"turnNumber"`
	BotState    BotState          `json:"botState"`
	Events      []json.RawMessage `json:"events"`
}

type scannedBotEvent struct {
	Type         string  `json:"type"`
	TurnNumber   int     `json:"turnNumber"`
	ScannedBotID int     `json:"scannedBotId"`
	Energy       float64 `json:"energy"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	Direction    float64 `json:"direction"`
	Speed        float64 `json:"speed"`
}

type botHitWallEvent struct {
	Type       string `json:"type"`
	TurnNumber int    `json:"turnNumber"`
	VictimID   int    `json:"victimId"`
}

type botHitBotEvent struct {
	Type       string  `json:"type"`
	TurnNumber int     `json:"turnNumber"`
	VictimID   int     `json:"victimId"`
	BotID      int     `json:"botId"`
	Energy     float64 `json:"energy"`
	Rammed     bool    `json:"rammed"`
}

type bulletPayload struct {
	OwnerID int     `json:"ownerId"`
	Power   float64 `json:"power"`
}

type bulletFiredEvent struct {
	Type       string        `json:"type"`
	TurnNumber int           `json:"turnNumber"`
	Bullet     bulletPayload `json:"bullet"`
}

type bulletHitBotEvent struct {
	Type       string        `json:"type"`
	TurnNumber int           `json:"turnNumber"`
	VictimID   int           `json:"victimId"`
	Bullet     bulletPayload `json:"bullet"`
	Damage     float64       `json:"damage"`
	Energy     float64       `json:"energy"`
}

type bulletHitWallEvent struct {
	Type       string        `json:"type"`
	TurnNumber int           `json:"turnNumber"`
	Bullet     bulletPayload `json:"bullet"`
}

type botDeathEvent struct {
	Type       string `json:"type"`
	TurnNumber int    `json:"turnNumber"`
	VictimID   int    `json:"victimId"`
}

type wonRoundEvent struct {
	Type       string `json:"type"`
	TurnNumber int    `json:"turnNumber"`
}

type skippedTurnEvent struct {
	Type       string `json:"type"`
	TurnNumber int    `json:"turnNumber"`
}

// frameDecoder translates raw server frames into game events. It tracks the
// bot id assigned at game start to attribute hits and deaths.
type frameDecoder struct {
	myID int
}

func newFrameDecoder() *frameDecoder {
	return &frameDecoder{myID: -1}
}

// Decode parses one frame into zero or more events and an optional reply to
// send back to the server. Frames of unknown type decode to no events,
// frames of known type with an incompatible payload return an error.
func (d *frameDecoder) Decode(raw []byte) ([]GameEvent, interface{}, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, fmt.Errorf("(royale:protocol.go:frameDecoder:Decode:1) undecodable frame: %s", err)
	}

	switch envelope.Type {
	case "TickEventForBot":
		var tick tickEventForBot
		if err := json.Unmarshal(raw, &tick); err != nil {
			return nil, nil, fmt.Errorf("(royale:protocol.go:frameDecoder:Decode:2) bad tick frame: %s", err)
		}
		return d.decodeTick(&tick)
	case "GameStartedEventForBot":
		var started gameStartedEventForBot
		if err := json.Unmarshal(raw, &started); err != nil {
			return nil, nil, fmt.Errorf("(royale:protocol.go:frameDecoder:Decode:3) bad game started frame: %s", err)
		}
		d.myID = started.MyID
		return []GameEvent{{Kind: EventGameStarted}}, &botReady{Type: "BotReady"}, nil
	case "RoundStartedEvent":
		var round roundStartedEvent
		if err := json.Unmarshal(raw, &round); err != nil {
			return nil, nil, fmt.Errorf("(royale:protocol.go:frameDecoder:Decode:4) bad round started frame: %s", err)
		}
		return []GameEvent{{Kind: EventRoundStarted, Round: round.RoundNumber}}, nil, nil
	case "RoundEndedEventForBot", "RoundEndedEvent":
		var round roundEndedEvent
		if err := json.Unmarshal(raw, &round); err != nil {
			return nil, nil, fmt.Errorf("(royale:protocol.go:frameDecoder:Decode:5) bad round ended frame: %s", err)
		}
		return []GameEvent{{Kind: EventRoundEnded, Round: round.RoundNumber, Turn: round.TurnNumber}}, nil, nil
	case "GameEndedEventForBot":
		var ended gameEndedEvent
		if err := json.Unmarshal(raw, &ended); err != nil {
			return nil, nil, fmt.Errorf("(royale:protocol.go:frameDecoder:Decode:6) bad game ended frame: %s", err)
		}
		return []GameEvent{{Kind: EventGameEnded, Round: ended.NumberOfRounds}}, nil, nil
	case "SkippedTurnEvent":
		var skipped skippedTurnEvent
		if err := json.Unmarshal(raw, &skipped); err != nil {
			return nil, nil, fmt.Errorf("(royale:protocol.go:frameDecoder:Decode:7) bad skipped turn frame: %s", err)
		}
		return []GameEvent{{Kind: EventSkippedTurn, Turn: skipped.TurnNumber}}, nil, nil
	case "ServerHandshake":
		// handled during connect, ignore here
		return nil, nil, nil
	default:
		// unknown server messages are allowed to pass by
		return nil, nil, nil
	}
}

// decodeTick flattens the sub events of a tick ahead of the tick snapshot.
func (d *frameDecoder) decodeTick(tick *tickEventForBot) ([]GameEvent, interface{}, error) {
	events := make([]GameEvent, 0, len(tick.Events)+1)
	for _, raw := range tick.Events {
		ev, err := d.decodeSubEvent(raw)
		if err != nil {
			return nil, nil, err
		}
		if ev != nil {
			ev.Round = tick.RoundNumber
			if ev.Turn == 0 {
				ev.Turn = tick.TurnNumber
			}
			events = append(events, *ev)
		}
	}
	state := tick.BotState
	events = append(events, GameEvent{
		Kind:  EventTick,
		Round: tick.RoundNumber,
		Turn:  tick.TurnNumber,
		State: &state,
	})
	return events, nil, nil
}

func (d *frameDecoder) decodeSubEvent(raw json.RawMessage) (*GameEvent, error) {
	var envelope wireEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:1) undecodable tick sub event: %s", err)
	}

	switch envelope.Type {
	case "ScannedBotEvent":
		var ev scannedBotEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:2) bad scanned frame: %s", err)
		}
		return &GameEvent{
			Kind: EventScanned,
			Turn: ev.TurnNumber,
			Scanned: &ScannedBot{
				ScannedBotID: ev.ScannedBotID,
				Energy:       ev.Energy,
				X:            ev.X,
				Y:            ev.Y,
				Direction:    ev.Direction,
				Speed:        ev.Speed,
			},
		}, nil
	case "BotHitWallEvent":
		var ev botHitWallEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:3) bad hit wall frame: %s", err)
		}
		return &GameEvent{Kind: EventHitWall, Turn: ev.TurnNumber}, nil
	case "BotHitBotEvent":
		var ev botHitBotEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:4) bad hit bot frame: %s", err)
		}
		return &GameEvent{Kind: EventHitBot, Turn: ev.TurnNumber, VictimID: ev.VictimID, Rammed: ev.Rammed}, nil
	case "BulletFiredEvent":
		var ev bulletFiredEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:5) bad bullet fired frame: %s", err)
		}
		return &GameEvent{Kind: EventBulletFired, Turn: ev.TurnNumber}, nil
	case "BulletHitBotEvent":
		var ev bulletHitBotEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:6) bad bullet hit frame: %s", err)
		}
		if ev.VictimID == d.myID {
			return &GameEvent{Kind: EventHitByBullet, Turn: ev.TurnNumber, VictimID: ev.VictimID, Damage: ev.Damage}, nil
		}
		return &GameEvent{Kind: EventBulletHit, Turn: ev.TurnNumber, VictimID: ev.VictimID, Damage: ev.Damage}, nil
	case "BulletHitWallEvent":
		var ev bulletHitWallEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:7) bad bullet wall frame: %s", err)
		}
		return &GameEvent{Kind: EventBulletMiss, Turn: ev.TurnNumber}, nil
	case "BotDeathEvent", "DeathEvent":
		var ev botDeathEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:8) bad death frame: %s", err)
		}
		if ev.VictimID == d.myID {
			return &GameEvent{Kind: EventDeath, Turn: ev.TurnNumber, VictimID: ev.VictimID}, nil
		}
		return &GameEvent{Kind: EventEnemyDeath, Turn: ev.TurnNumber, VictimID: ev.VictimID}, nil
	case "WonRoundEvent":
		var ev wonRoundEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:9) bad won round frame: %s", err)
		}
		return &GameEvent{Kind: EventWin, Turn: ev.TurnNumber}, nil
	case "SkippedTurnEvent":
		var ev skippedTurnEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("(royale:protocol.go:frameDecoder:decodeSubEvent:10) bad skipped turn frame: %s", err)
		}
		return &GameEvent{Kind: EventSkippedTurn, Turn: ev.TurnNumber}, nil
	default:
		// tolerate additive event types
		return nil, nil
	}
}
