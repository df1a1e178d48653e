package guild

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/takrit/guildkeeper/internal/platform"
)

// Gateway op codes.
const (
	opHello      = "hello"
	opIdentify   = "identify"
	opHeartbeat  = "heartbeat"
	opEvent      = "event"
	opReconnect  = "reconnect"
	opHeartbeatA = "heartbeat_ack"
)

// Gateway event names.
const (
	eventInteraction = "interaction"
	eventVoiceState  = "voice_state"
)

const (
	defaultHeartbeat = 30 * time.Second
	reconnectMin     = time.Second
	reconnectMax     = time.Minute
	writeWait        = 10 * time.Second
)

// Handlers receives decoded gateway events. Both callbacks run on the
// gateway read goroutine; implementations hand work off to the dispatcher.
type Handlers struct {
	OnInteraction func(platform.Interaction)
	OnVoiceState  func(platform.VoiceState)
}

// Gateway maintains the persistent event-stream connection: identify on
// connect, heartbeat on the server's interval, reconnect with backoff when
// the stream drops.
type Gateway struct {
	url      string
	token    string
	guildID  string
	handlers Handlers
	logger   *slog.Logger

	connected atomic.Bool
}

// NewGateway constructs a gateway client. Run must be called to connect.
func NewGateway(url, token, guildID string, handlers Handlers, logger *slog.Logger) (*Gateway, error) {
	if url == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if token == "" {
		return nil, fmt.Errorf("bot token is required")
	}
	return &Gateway{
		url:      url,
		token:    token,
		guildID:  guildID,
		handlers: handlers,
		logger:   logger.With("component", "gateway"),
	}, nil
}

// Connected reports whether the stream is currently established.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Run connects and serves the stream until ctx is cancelled, reconnecting
// with exponential backoff on every drop.
func (g *Gateway) Run(ctx context.Context) error {
	backoff := reconnectMin
	for {
		err := g.serveOnce(ctx)
		g.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("gateway connection lost", "error", err, "retry_in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
		if err == nil {
			backoff = reconnectMin
		}
	}
}

type frame struct {
	Op    string          `json:"op"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type helloData struct {
	HeartbeatMillis int `json:"heartbeat_interval_ms"`
}

type identifyData struct {
	Token   string `json:"token"`
	GuildID string `json:"guild_id"`
}

func (g *Gateway) serveOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, g.url, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	interval, err := g.handshake(conn)
	if err != nil {
		return err
	}
	g.connected.Store(true)
	g.logger.Info("gateway connected", "heartbeat_interval", interval)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go g.heartbeatLoop(hbCtx, conn, interval)

	// Close the connection when ctx ends so the blocked read returns.
	go func() {
		<-hbCtx.Done()
		_ = conn.Close()
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read gateway frame: %w", err)
		}
		switch f.Op {
		case opEvent:
			g.handleEvent(f)
		case opHeartbeatA:
			// Server acknowledged our heartbeat.
		case opReconnect:
			return fmt.Errorf("server requested reconnect")
		default:
			g.logger.Debug("unhandled gateway op", "op", f.Op)
		}
	}
}

// handshake reads the hello frame and sends identify. Returns the server's
// heartbeat interval.
func (g *Gateway) handshake(conn *websocket.Conn) (time.Duration, error) {
	var hello frame
	if err := conn.ReadJSON(&hello); err != nil {
		return 0, fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return 0, fmt.Errorf("expected hello, got %q", hello.Op)
	}
	interval := defaultHeartbeat
	var data helloData
	if err := json.Unmarshal(hello.Data, &data); err == nil && data.HeartbeatMillis > 0 {
		interval = time.Duration(data.HeartbeatMillis) * time.Millisecond
	}

	identify, err := json.Marshal(identifyData{Token: g.token, GuildID: g.guildID})
	if err != nil {
		return 0, fmt.Errorf("encode identify: %w", err)
	}
	if err := g.writeFrame(conn, frame{Op: opIdentify, Data: identify}); err != nil {
		return 0, fmt.Errorf("send identify: %w", err)
	}
	return interval, nil
}

func (g *Gateway) heartbeatLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.writeFrame(conn, frame{Op: opHeartbeat}); err != nil {
				g.logger.Warn("heartbeat send failed", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

func (g *Gateway) writeFrame(conn *websocket.Conn, f frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(f)
}

type interactionData struct {
	ID        string            `json:"id"`
	Token     string            `json:"token"`
	ActionID  string            `json:"action_id"`
	MemberID  string            `json:"member_id"`
	ChannelID string            `json:"channel_id"`
	Values    map[string]string `json:"values,omitempty"`
}

type voiceStateData struct {
	MemberID  string `json:"member_id"`
	ChannelID string `json:"channel_id"`
	Automated bool   `json:"automated"`
}

func (g *Gateway) handleEvent(f frame) {
	switch f.Event {
	case eventInteraction:
		var data interactionData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			g.logger.Warn("malformed interaction event", "error", err)
			return
		}
		if g.handlers.OnInteraction != nil {
			g.handlers.OnInteraction(platform.Interaction{
				ID:        data.ID,
				Token:     data.Token,
				ActionID:  data.ActionID,
				MemberID:  data.MemberID,
				ChannelID: data.ChannelID,
				Values:    data.Values,
			})
		}
	case eventVoiceState:
		var data voiceStateData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			g.logger.Warn("malformed voice state event", "error", err)
			return
		}
		if g.handlers.OnVoiceState != nil {
			g.handlers.OnVoiceState(platform.VoiceState{
				MemberID:  data.MemberID,
				ChannelID: data.ChannelID,
				Automated: data.Automated,
			})
		}
	default:
		g.logger.Debug("unhandled gateway event", "event", f.Event)
	}
}
