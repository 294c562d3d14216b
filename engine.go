// Package chatsync keeps a local replica of chat channels in sync with a
// remote store.
//
// Each open channel is a ChannelView: an ordered, de-duplicated message
// list fed by a snapshot fetch plus push events, with optimistic sends,
// deletes and reaction toggles layered on top.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	rt := chatsync.NewRealtimeClient("https://chat.example.com", &chatsync.RealtimeConfig{Token: token, AutoReconnect: true})
//
//	engine, _ := chatsync.NewEngine(client, rt, chatsync.Session{UserID: "u-1", Username: "ana"})
//	view, _ := engine.Open(ctx, "general")
//	_ = view.Load(ctx)
//	view.On(chatsync.EventMessageInserted, func(_ string, p any) { ... })
//	view.Send(ctx, "hi")
package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LuminPulse-AI/chatsync/internal/snowflake"
)

const (
	DefaultPageSize   = 50
	DefaultPushBuffer = 256
	defaultMailbox    = 64
)

// ============================================================================
// Options
// ============================================================================

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics records engine counters on m. See NewMetrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithPageSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pageSize = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Engine) { e.ids = ids }
}

// WithStrictPermissions makes the permission gate start denied and treat a
// channel without configuration as restrictive.
func WithStrictPermissions() Option {
	return func(e *Engine) { e.strict = true }
}

// WithPushBuffer bounds how many push events are held while a replica loads.
func WithPushBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pushBuffer = n
		}
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine opens channel views for one user session.
type Engine struct {
	remote     RemoteStore
	sub        Subscriber
	session    Session
	logger     *slog.Logger
	metrics    *Metrics
	pageSize   int
	pushBuffer int
	now        func() time.Time
	ids        IDGenerator
	strict     bool
	validator  *Validator

	mu    sync.Mutex
	views map[*ChannelView]struct{}
}

// NewEngine creates an engine. The session must carry a user id; anonymous
// sessions still need a stable one for read markers and reactions.
func NewEngine(remote RemoteStore, sub Subscriber, session Session, opts ...Option) (*Engine, error) {
	e := &Engine{
		remote:     remote,
		sub:        sub,
		session:    session,
		logger:     slog.Default(),
		pageSize:   DefaultPageSize,
		pushBuffer: DefaultPushBuffer,
		now:        time.Now,
		validator:  NewValidator(),
		views:      make(map[*ChannelView]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	if err := e.validator.Session(session); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if e.ids == nil {
		// The node id is random, so two engines share one with probability
		// 1/1024 and may then mint the same id in the same millisecond. Stores
		// are expected to reject a write whose id holds a different message
		// (see redisstore.ErrIDConflict), which surfaces as ErrSendFailed.
		gen, err := snowflake.NewGenerator(snowflake.NodeID(session.UserID, uuid.New().ID()))
		if err != nil {
			return nil, fmt.Errorf("id generator: %w", err)
		}
		e.ids = gen
	}
	return e, nil
}

// Session returns the session the engine acts for.
func (e *Engine) Session() Session { return e.session }

// Open subscribes to channelID and returns its view. Subscription failures
// are fatal and return ErrSubscribe. Channel configuration and membership
// are fetched afterwards; failures there are logged and leave the
// permission gate in its initial state. Messages are not fetched until
// Load is called; push events arriving before then are buffered.
func (e *Engine) Open(ctx context.Context, channelID string) (*ChannelView, error) {
	v := newChannelView(e, channelID)

	msgSub, err := e.sub.Subscribe(ctx, channelID, v.messageHandlers())
	if err != nil {
		v.shutdown()
		v.logger.Error("subscribe failed", "error", err)
		return nil, subscribeError(channelID, err)
	}
	chSub, err := e.sub.SubscribeChannel(ctx, channelID, v.channelHandlers())
	if err != nil {
		_ = msgSub.Close()
		v.shutdown()
		v.logger.Error("channel subscribe failed", "error", err)
		return nil, subscribeError(channelID, err)
	}
	v.subs = []Subscription{msgSub, chSub}

	v.RefreshChannel(ctx)

	e.mu.Lock()
	e.views[v] = struct{}{}
	e.mu.Unlock()
	return v, nil
}

// CloseAll closes every open view.
func (e *Engine) CloseAll() error {
	e.mu.Lock()
	views := make([]*ChannelView, 0, len(e.views))
	for v := range e.views {
		views = append(views, v)
	}
	e.mu.Unlock()

	var firstErr error
	for _, v := range views {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) forget(v *ChannelView) {
	e.mu.Lock()
	delete(e.views, v)
	e.mu.Unlock()
}
