package chatsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the websocket push transport.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// RealtimeCommand is a client-to-server command.
type RealtimeCommand struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	RequestID string      `json:"request_id,omitempty"`
}

type subscribePayload struct {
	ChannelID string `json:"channel_id"`
	Topic     string `json:"topic"`
}

const (
	topicMessages = "messages"
	topicChannel  = "channel"
)

type rtSubscription struct {
	channelID string
	topic     string
	messages  MessageHandlers
	channel   ChannelHandlers
}

// ============================================================================
// RealtimeClient
// ============================================================================

// RealtimeClient is a websocket Subscriber with heartbeat and automatic
// reconnect. After a reconnect every subscription is re-sent and message
// subscribers get OnResync, since events may have been missed.
type RealtimeClient struct {
	baseURL string
	config  *RealtimeConfig
	logger  *slog.Logger
	recon   *backoff

	life       context.Context
	cancelLife context.CancelFunc

	dialMu           sync.Mutex
	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelConn       context.CancelFunc

	subMu   sync.RWMutex
	subs    map[uint64]*rtSubscription
	nextSub uint64

	pendingMu    sync.Mutex
	pendingPings map[string]chan struct{}
}

// NewRealtimeClient creates a client for the server at baseURL. It connects
// lazily on the first Subscribe.
func NewRealtimeClient(baseURL string, config *RealtimeConfig) *RealtimeClient {
	if config == nil {
		config = &RealtimeConfig{}
	}
	config.defaults()
	life, cancel := context.WithCancel(context.Background())
	return &RealtimeClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		config:       config,
		logger:       config.Logger,
		recon:        newBackoff(config.ReconnectBaseDelay, config.ReconnectMaxDelay, config.MaxReconnectAttempts),
		life:         life,
		cancelLife:   cancel,
		state:        StateDisconnected,
		subs:         make(map[uint64]*rtSubscription),
		pendingPings: make(map[string]chan struct{}),
	}
}

// State returns the current connection state.
func (rc *RealtimeClient) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Subscribe implements Subscriber.
func (rc *RealtimeClient) Subscribe(ctx context.Context, channelID string, h MessageHandlers) (Subscription, error) {
	return rc.subscribe(ctx, &rtSubscription{channelID: channelID, topic: topicMessages, messages: h})
}

// SubscribeChannel implements Subscriber.
func (rc *RealtimeClient) SubscribeChannel(ctx context.Context, channelID string, h ChannelHandlers) (Subscription, error) {
	return rc.subscribe(ctx, &rtSubscription{channelID: channelID, topic: topicChannel, channel: h})
}

func (rc *RealtimeClient) subscribe(ctx context.Context, sub *rtSubscription) (Subscription, error) {
	if err := rc.Connect(ctx); err != nil {
		return nil, err
	}

	rc.subMu.Lock()
	rc.nextSub++
	id := rc.nextSub
	rc.subs[id] = sub
	rc.subMu.Unlock()

	if err := rc.sendSubscribe(ctx, "channel.subscribe", sub); err != nil {
		rc.subMu.Lock()
		delete(rc.subs, id)
		rc.subMu.Unlock()
		return nil, err
	}

	var once sync.Once
	return subscriptionFunc(func() error {
		var err error
		once.Do(func() {
			rc.subMu.Lock()
			delete(rc.subs, id)
			rc.subMu.Unlock()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if rc.State() == StateConnected {
				err = rc.sendSubscribe(ctx, "channel.unsubscribe", sub)
			}
		})
		return err
	}), nil
}

func (rc *RealtimeClient) sendSubscribe(ctx context.Context, kind string, sub *rtSubscription) error {
	return rc.Send(ctx, &RealtimeCommand{
		Type:      kind,
		Payload:   subscribePayload{ChannelID: sub.channelID, Topic: sub.topic},
		RequestID: uuid.NewString(),
	})
}

// Connect dials the server and waits for the "authenticated" greeting. It
// is a no-op when already connected.
func (rc *RealtimeClient) Connect(ctx context.Context) error {
	rc.dialMu.Lock()
	defer rc.dialMu.Unlock()

	rc.mu.Lock()
	if rc.state == StateConnected {
		rc.mu.Unlock()
		return nil
	}
	rc.state = StateConnecting
	rc.intentionalClose = false
	rc.mu.Unlock()

	conn, err := rc.dial(ctx)
	if err != nil {
		rc.setState(StateDisconnected)
		return err
	}

	connCtx, cancel := context.WithCancel(rc.life)
	rc.mu.Lock()
	rc.conn = conn
	rc.state = StateConnected
	rc.cancelConn = cancel
	rc.recon.markConnected()
	rc.mu.Unlock()
	rc.logger.Debug("realtime connected", "url", rc.baseURL)

	go rc.readLoop(connCtx, conn)
	go rc.heartbeatLoop(connCtx)
	return nil
}

func (rc *RealtimeClient) dial(ctx context.Context) (*websocket.Conn, error) {
	wsURL := strings.Replace(rc.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + url.QueryEscape(rc.config.Token)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: rc.config.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("read auth message: %w", err)
	}
	var env PushEnvelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != "authenticated" {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("expected 'authenticated', got '%s'", env.Type)
	}
	return conn, nil
}

// Close disconnects and stops reconnecting.
func (rc *RealtimeClient) Close() error {
	rc.mu.Lock()
	rc.intentionalClose = true
	if rc.cancelConn != nil {
		rc.cancelConn()
		rc.cancelConn = nil
	}
	conn := rc.conn
	rc.conn = nil
	rc.state = StateDisconnected
	rc.mu.Unlock()

	rc.cancelLife()
	rc.clearPendingPings()

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Send writes a raw command.
func (rc *RealtimeClient) Send(ctx context.Context, cmd *RealtimeCommand) error {
	rc.mu.Lock()
	conn := rc.conn
	rc.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Ping sends a ping and waits for the matching pong.
func (rc *RealtimeClient) Ping(ctx context.Context) error {
	requestID := uuid.NewString()
	ch := make(chan struct{}, 1)
	rc.pendingMu.Lock()
	rc.pendingPings[requestID] = ch
	rc.pendingMu.Unlock()
	defer func() {
		rc.pendingMu.Lock()
		delete(rc.pendingPings, requestID)
		rc.pendingMu.Unlock()
	}()

	if err := rc.Send(ctx, &RealtimeCommand{Type: "ping", RequestID: requestID}); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("ping timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (rc *RealtimeClient) setState(s RealtimeState) {
	rc.mu.Lock()
	rc.state = s
	rc.mu.Unlock()
}

func (rc *RealtimeClient) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.mu.Lock()
			intentional := rc.intentionalClose
			if rc.conn == conn {
				rc.conn = nil
				rc.state = StateDisconnected
				// Stops this connection's heartbeat.
				if rc.cancelConn != nil {
					rc.cancelConn()
					rc.cancelConn = nil
				}
			}
			rc.mu.Unlock()
			if intentional {
				return
			}
			rc.logger.Warn("realtime connection lost", "error", err)
			if rc.config.AutoReconnect {
				rc.reconnect()
			}
			return
		}

		var env struct {
			PushEnvelope
			RequestID string `json:"request_id"`
		}
		if json.Unmarshal(data, &env) != nil {
			continue
		}

		switch env.Type {
		case "pong":
			rc.pendingMu.Lock()
			ch, ok := rc.pendingPings[env.RequestID]
			rc.pendingMu.Unlock()
			if ok {
				select {
				case ch <- struct{}{}:
				default:
				}
			}
		case "error":
			rc.logger.Warn("realtime server error", "payload", string(env.Payload))
		default:
			rc.deliver(env.PushEnvelope)
		}
	}
}

// deliver runs handlers on the read goroutine so events reach each
// subscriber in arrival order.
func (rc *RealtimeClient) deliver(env PushEnvelope) {
	rc.subMu.RLock()
	targets := make([]*rtSubscription, 0, len(rc.subs))
	for _, s := range rc.subs {
		if s.channelID != env.ChannelID {
			continue
		}
		if IsMessageEvent(env.Type) != (s.topic == topicMessages) {
			continue
		}
		targets = append(targets, s)
	}
	rc.subMu.RUnlock()

	for _, s := range targets {
		if !DispatchPush(env, s.messages, s.channel) {
			rc.logger.Debug("unhandled push event", "type", env.Type)
		}
	}
}

func (rc *RealtimeClient) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if rc.State() != StateConnected {
				return
			}
			if err := rc.Ping(ctx); err != nil {
				rc.mu.Lock()
				conn := rc.conn
				rc.mu.Unlock()
				if conn != nil {
					conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				}
				return
			}
		}
	}
}

func (rc *RealtimeClient) reconnect() {
	for {
		rc.mu.Lock()
		if !rc.recon.shouldRetry() || rc.intentionalClose {
			rc.mu.Unlock()
			break
		}
		delay := rc.recon.nextDelay()
		attempt := rc.recon.attempt
		rc.state = StateReconnecting
		rc.mu.Unlock()
		rc.logger.Info("realtime reconnecting", "attempt", attempt, "delay", delay)

		if sleep(rc.life, delay) != nil {
			return
		}
		if err := rc.Connect(rc.life); err != nil {
			rc.logger.Warn("realtime reconnect failed", "error", err)
			continue
		}
		rc.resubscribe()
		return
	}
	rc.setState(StateDisconnected)
	rc.logger.Error("realtime reconnect attempts exhausted")
}

func (rc *RealtimeClient) resubscribe() {
	rc.subMu.RLock()
	subs := make([]*rtSubscription, 0, len(rc.subs))
	for _, s := range rc.subs {
		subs = append(subs, s)
	}
	rc.subMu.RUnlock()

	ctx, cancel := context.WithTimeout(rc.life, 10*time.Second)
	defer cancel()
	for _, s := range subs {
		if err := rc.sendSubscribe(ctx, "channel.subscribe", s); err != nil {
			rc.logger.Warn("resubscribe failed", "channel_id", s.channelID, "error", err)
			continue
		}
		if s.topic == topicMessages && s.messages.OnResync != nil {
			s.messages.OnResync()
		}
	}
}

func (rc *RealtimeClient) clearPendingPings() {
	rc.pendingMu.Lock()
	for k := range rc.pendingPings {
		delete(rc.pendingPings, k)
	}
	rc.pendingMu.Unlock()
}
