package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/LuminPulse-AI/chatsync"
	"github.com/LuminPulse-AI/chatsync/redisstore"
)

const loadRetries = 3

// client bundles the engine and the transport it was built on.
type client struct {
	cfg     *Config
	logger  *slog.Logger
	engine  *chatsync.Engine
	closers []func() error
}

func newLogger(cfg *Config) *slog.Logger {
	level := cfg.Default.LogLevel
	if logLevelFlag != "" {
		level = logLevelFlag
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(level)}))
}

// newClient connects the configured transport and builds an engine on it.
// reg may be nil.
func newClient(ctx context.Context, cfg *Config, reg prometheus.Registerer) (*client, error) {
	logger := newLogger(cfg)
	c := &client{cfg: cfg, logger: logger}

	var (
		remote chatsync.RemoteStore
		sub    chatsync.Subscriber
	)
	switch cfg.transport() {
	case "redis":
		store, err := redisstore.Connect(ctx, cfg.Default.RedisURL, redisstore.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, store.Close)
		remote, sub = store, store
	default:
		if cfg.Auth.Token == "" {
			return nil, fmt.Errorf("no token. Run 'chatsync init <token>' first")
		}
		remote = chatsync.NewClient(cfg.Auth.Token, chatsync.WithBaseURL(cfg.baseURL()))
		rt := chatsync.NewRealtimeClient(cfg.baseURL(), &chatsync.RealtimeConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        logger,
		})
		c.closers = append(c.closers, rt.Close)
		sub = rt
	}

	opts := []chatsync.Option{
		chatsync.WithLogger(logger),
		chatsync.WithPageSize(cfg.Default.PageSize),
	}
	if reg != nil {
		opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
	}
	engine, err := chatsync.NewEngine(remote, sub, cfg.session(), opts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("invalid session (run 'chatsync init'): %w", err)
	}
	c.engine = engine
	return c, nil
}

// open opens channelID and loads its newest page.
func (c *client) open(ctx context.Context, channelID string) (*chatsync.ChannelView, error) {
	v, err := c.engine.Open(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if err := v.LoadWithRetry(ctx, loadRetries); err != nil {
		v.Close()
		return nil, err
	}
	return v, nil
}

func (c *client) Close() {
	if c.engine != nil {
		c.engine.CloseAll()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Debug("close failed", "error", err)
		}
	}
}

// formatMessage renders one message line, e.g.
// "m-1  alice (you) · 3 minutes ago: hi  [🔥 2*]".
func formatMessage(m chatsync.Message, userID string) string {
	var b strings.Builder
	b.WriteString(m.ID)
	b.WriteString("  ")
	b.WriteString(m.SenderName())
	if m.IsOwn(userID) {
		b.WriteString(" (you)")
	}
	b.WriteString(" · ")
	b.WriteString(humanize.Time(m.InsertedAt))
	b.WriteString(": ")
	b.WriteString(m.Content)
	switch m.Delivery {
	case chatsync.DeliveryPending:
		b.WriteString("  (sending)")
	case chatsync.DeliveryFailed:
		b.WriteString("  (failed)")
	}
	if pills := formatReactions(m.Reactions, userID); pills != "" {
		b.WriteString("  ")
		b.WriteString(pills)
	}
	return b.String()
}

// formatReactions renders reaction pills; a trailing * marks the user's own.
func formatReactions(r chatsync.Reactions, userID string) string {
	summary := r.Summary(userID)
	if len(summary) == 0 {
		return ""
	}
	parts := make([]string, len(summary))
	for i, s := range summary {
		parts[i] = fmt.Sprintf("%s %d", s.Emoji, s.Count)
		if s.HasReacted {
			parts[i] += "*"
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
