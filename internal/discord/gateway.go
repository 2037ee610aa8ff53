package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/PenguCCN/Jellycord/internal/logging"
)

const gatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway intents: guilds, guild messages, DMs, message content.
const defaultIntents = 1<<0 | 1<<9 | 1<<12 | 1<<15

// gateway opcodes
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

type gatewayMessage struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	T  string          `json:"t,omitempty"`
	S  int64           `json:"s,omitempty"`
}

type helloData struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

type readyData struct {
	SessionID string `json:"session_id"`
	User      User   `json:"user"`
}

// MessageHandler receives every MESSAGE_CREATE not authored by a bot.
type MessageHandler func(ctx context.Context, msg Message)

// Gateway maintains one bot connection to the Discord gateway: identify,
// heartbeat, dispatch, reconnect with backoff.
type Gateway struct {
	token        string
	presenceName string
	log          *slog.Logger
	onMessage    MessageHandler

	// writeMu serializes writes; gorilla/websocket allows one writer at a
	// time and heartbeats race the dispatch loop
	writeMu sync.Mutex

	mu                sync.RWMutex
	conn              *websocket.Conn
	sessionID         string
	botUserID         string
	lastSequence      int64
	heartbeatInterval time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

func NewGateway(log *slog.Logger, botToken, presenceName string, onMessage MessageHandler) *Gateway {
	return &Gateway{
		token:        botToken,
		presenceName: presenceName,
		log:          log,
		onMessage:    onMessage,
		stop:         make(chan struct{}),
	}
}

// BotUserID returns the connected bot's own user id, empty before READY.
func (g *Gateway) BotUserID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.botUserID
}

// Run connects and processes events until ctx is cancelled or Close is
// called, reconnecting with backoff on drops.
func (g *Gateway) Run(ctx context.Context) {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		default:
		}

		err := g.connectAndListen(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		g.log.Warn("gateway_disconnected", "error", err, "reconnect_in", backoff.String())
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-time.After(backoff):
		}
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
}

// Close tears down the connection and stops Run.
func (g *Gateway) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
	g.mu.Lock()
	if g.conn != nil {
		g.conn.Close()
	}
	g.mu.Unlock()
}

func (g *Gateway) connectAndListen(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 30 * time.Second}

	conn, _, err := dialer.DialContext(ctx, gatewayURL, nil)
	if err != nil {
		return fmt.Errorf("gateway dial failed: %w", err)
	}
	defer conn.Close()

	g.mu.Lock()
	g.conn = conn
	g.mu.Unlock()

	var hello gatewayMessage
	if err := conn.ReadJSON(&hello); err != nil {
		return fmt.Errorf("failed to read HELLO: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected HELLO opcode, got %d", hello.Op)
	}
	var hd helloData
	if err := json.Unmarshal(hello.D, &hd); err != nil {
		return fmt.Errorf("failed to parse HELLO: %w", err)
	}
	g.mu.Lock()
	g.heartbeatInterval = time.Duration(hd.HeartbeatInterval) * time.Millisecond
	g.mu.Unlock()

	if err := g.identify(conn); err != nil {
		return err
	}

	heartbeatDone := make(chan struct{})
	defer close(heartbeatDone)
	go g.heartbeatLoop(conn, heartbeatDone)

	for {
		var msg gatewayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("gateway read failed: %w", err)
		}

		if msg.S > 0 {
			g.mu.Lock()
			g.lastSequence = msg.S
			g.mu.Unlock()
		}

		switch msg.Op {
		case opDispatch:
			g.handleDispatch(ctx, msg)
		case opHeartbeat:
			g.sendHeartbeat(conn)
		case opReconnect:
			return errors.New("gateway requested reconnect")
		case opInvalidSession:
			return errors.New("gateway invalidated session")
		case opHeartbeatACK:
			// nothing to do
		}
	}
}

func (g *Gateway) identify(conn *websocket.Conn) error {
	payload := map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.token,
			"intents": defaultIntents,
			"properties": map[string]any{
				"os":      "linux",
				"browser": "jellycord",
				"device":  "jellycord",
			},
			"presence": map[string]any{
				"status": "online",
				"activities": []map[string]any{
					{"name": g.presenceName, "type": 3},
				},
				"afk": false,
			},
		},
	}
	g.writeMu.Lock()
	err := conn.WriteJSON(payload)
	g.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send IDENTIFY: %w", err)
	}
	return nil
}

func (g *Gateway) handleDispatch(ctx context.Context, msg gatewayMessage) {
	switch msg.T {
	case "READY":
		var rd readyData
		if err := json.Unmarshal(msg.D, &rd); err != nil {
			g.log.Warn("ready_parse_failed", "error", err)
			return
		}
		g.mu.Lock()
		g.sessionID = rd.SessionID
		g.botUserID = rd.User.ID
		g.mu.Unlock()
		g.log.Info("gateway_connected",
			"session_id", rd.SessionID,
			"bot_user_id", rd.User.ID,
			"token", logging.MaskToken(g.token),
		)

	case "MESSAGE_CREATE":
		var m Message
		if err := json.Unmarshal(msg.D, &m); err != nil {
			g.log.Warn("message_parse_failed", "error", err)
			return
		}
		if m.Author.Bot || m.Author.ID == g.BotUserID() {
			return
		}
		if g.onMessage != nil {
			go g.onMessage(ctx, m)
		}
	}
}

func (g *Gateway) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	g.mu.RLock()
	interval := g.heartbeatInterval
	g.mu.RUnlock()
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.sendHeartbeat(conn)
		case <-done:
			return
		case <-g.stop:
			return
		}
	}
}

func (g *Gateway) sendHeartbeat(conn *websocket.Conn) {
	g.mu.RLock()
	seq := g.lastSequence
	g.mu.RUnlock()

	var seqValue any
	if seq > 0 {
		seqValue = seq
	}
	g.writeMu.Lock()
	err := conn.WriteJSON(map[string]any{"op": opHeartbeat, "d": seqValue})
	g.writeMu.Unlock()
	if err != nil {
		g.log.Warn("heartbeat_send_failed", "error", err)
	}
}
