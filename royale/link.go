package royale

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeu5/tankrl/types"
)

const (
	// eventQueueSize bounds the buffered event queue, the reader blocks when
	// it fills so backpressure stays observable instead of silently dropping
	eventQueueSize = 512
	writeTimeout   = 5 * time.Second
)

var ErrLinkClosed = errors.New("link closed")

// Link joins a match as a bot and converts the server's push events into a
// pollable queue. One reader goroutine owns the connection, decodes frames
// in arrival order and keeps the game turning by re-sending the latest
// movement intent on every tick, the way a bot runtime answers each turn.
type Link struct {
	url     string
	botName string
	conn    *websocket.Conn
	decoder *frameDecoder
	logger  *log.Logger

	events    chan GameEvent
	closed    chan struct{}
	closeOnce sync.Once

	writeMu sync.Mutex

	mu         sync.Mutex
	intent     BotIntent
	haveIntent bool
	gunHeat    float64
}

// DialLink connects to the server, performs the bot handshake and starts
// the reader goroutine. The context bounds the dial and handshake.
func DialLink(ctx context.Context, url, botName string, logger *log.Logger) (*Link, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("(royale:link.go:DialLink:1) dial %s: %s", url, err)
	}

	l := &Link{
		url:     url,
		botName: botName,
		conn:    conn,
		decoder: newFrameDecoder(),
		logger:  logger,
		events:  make(chan GameEvent, eventQueueSize),
		closed:  make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("(royale:link.go:DialLink:2) reading server handshake: %s", err)
	}
	var hs serverHandshake
	if err := json.Unmarshal(raw, &hs); err != nil || hs.Type != "ServerHandshake" {
		conn.Close()
		return nil, fmt.Errorf("(royale:link.go:DialLink:3) unexpected first frame %q", string(raw))
	}
	if err := l.write(&botHandshake{
		Type:            "BotHandshake",
		SessionID:       hs.SessionID,
		Name:            botName,
		Version:         "1.0",
		Authors:         []string{"tankrl"},
		Platform:        "go",
		ProgrammingLang: "go",
	}); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	go l.readLoop()
	return l, nil
}

// readLoop owns the connection until close. A read failure after a
// deliberate Close ends the loop quietly, otherwise it surfaces as a
// connection error event.
func (l *Link) readLoop() {
	for {
		_, raw, err := l.conn.ReadMessage()
		if err != nil {
			select {
			case <-l.closed:
			default:
				l.push(GameEvent{Kind: EventConnectionError, Err: fmt.Errorf("read: %s", err)})
			}
			return
		}

		events, reply, err := l.decoder.Decode(raw)
		if err != nil {
			l.push(GameEvent{Kind: EventConnectionError, Err: err})
			continue
		}
		if reply != nil {
			if err := l.write(reply); err != nil {
				l.logger.Printf("reply write failed: %s", err)
			}
		}
		for _, ev := range events {
			if ev.Kind == EventTick {
				l.mu.Lock()
				l.gunHeat = ev.State.GunHeat
				resend := l.haveIntent
				intent := l.intent
				l.mu.Unlock()
				if resend {
					// answer the turn so the server keeps advancing even
					// while the trainer is between decisions
					l.write(&intent)
				}
			}
			l.push(ev)
		}
	}
}

func (l *Link) push(ev GameEvent) {
	select {
	case l.events <- ev:
	case <-l.closed:
	}
}

func (l *Link) write(v interface{}) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := l.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("(royale:link.go:Link:write:1): %s", err)
	}
	return nil
}

// SendAction converts the action into a bot intent and sends it. The intent
// minus its firepower is kept as the standing order re-sent on every tick,
// firing is a one shot per decision.
func (l *Link) SendAction(a types.Action) error {
	select {
	case <-l.closed:
		return ErrLinkClosed
	default:
	}

	l.mu.Lock()
	heat := l.gunHeat
	l.mu.Unlock()

	intent := IntentFromAction(a, heat)

	l.mu.Lock()
	l.intent = intent
	l.intent.Firepower = 0
	l.haveIntent = true
	l.mu.Unlock()

	return l.write(&intent)
}

// PollEvents drains every event queued since the last call. When the queue
// is empty it waits for the first event up to the given duration, then
// grabs whatever else arrived. An empty return means the deadline passed
// with no events.
func (l *Link) PollEvents(wait time.Duration) []GameEvent {
	out := make([]GameEvent, 0, 8)
	for {
		select {
		case ev := <-l.events:
			out = append(out, ev)
			continue
		default:
		}
		break
	}
	if len(out) > 0 {
		return out
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ev := <-l.events:
		out = append(out, ev)
	case <-timer.C:
		return out
	case <-l.closed:
	}

	for {
		select {
		case ev := <-l.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

// Connected reports whether the link is still open.
func (l *Link) Connected() bool {
	select {
	case <-l.closed:
		return false
	default:
		return true
	}
}

// Close tears the connection down. Safe to call more than once.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.conn.Close()
	})
	return nil
}
