// Package redisstore is a Redis backend for chatsync: it implements both
// chatsync.RemoteStore and chatsync.Subscriber, publishing push events on
// the "chat:<channel id>" pub/sub channel.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/LuminPulse-AI/chatsync"
)

var (
	// ErrNotFound is returned for missing messages, channels and memberships.
	ErrNotFound = errors.New("redisstore: not found")
	// ErrIDConflict is returned when a message id is already stored with a
	// different author, content or timestamp.
	ErrIDConflict = errors.New("redisstore: message id taken")
)

const (
	keyPrefix   = "chat:"
	topicPrefix = "chat:"
)

func messagesKey(channelID string) string { return keyPrefix + channelID + ":messages" }
func messageKey(channelID, id string) string {
	return keyPrefix + channelID + ":message:" + id
}
func channelKey(channelID string) string { return keyPrefix + channelID + ":channel" }
func memberKey(channelID, userID string) string {
	return keyPrefix + channelID + ":member:" + userID
}
func readKey(channelID, userID string) string {
	return keyPrefix + channelID + ":read:" + userID
}

// Topic returns the pub/sub channel push events for channelID go to.
func Topic(channelID string) string { return topicPrefix + channelID }

// Store is a Redis-backed chat store.
type Store struct {
	rdb    *goredis.Client
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Connect creates a store from a redis:// URL and verifies the connection.
func Connect(ctx context.Context, redisURL string, opts ...Option) (*Store, error) {
	o, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	rdb := goredis.NewClient(o)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	return New(rdb, opts...), nil
}

// New wraps an existing client.
func New(rdb *goredis.Client, opts ...Option) *Store {
	s := &Store{rdb: rdb, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// ============================================================================
// Scripts
// ============================================================================

// writeOnceScript stores a message hash and indexes it unless the id exists.
// It returns 1 on create, 0 when the same message is already stored and -1
// when the id belongs to a different message.
// KEYS: message hash, channel index. ARGV: score, id, field/value pairs...
var writeOnceScript = goredis.NewScript(`
local identity = {user_id = true, is_anonymous = true, content = true, inserted_at = true}
if redis.call("EXISTS", KEYS[1]) == 1 then
    for i = 3, #ARGV, 2 do
        if identity[ARGV[i]] and redis.call("HGET", KEYS[1], ARGV[i]) ~= ARGV[i + 1] then
            return -1
        end
    end
    return 0
end
for i = 3, #ARGV, 2 do
    redis.call("HSET", KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// deleteScript removes a message hash and its index entry.
var deleteScript = goredis.NewScript(`
local removed = redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
return removed
`)

// setReactionsScript replaces the reactions field of an existing message.
var setReactionsScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return 0
end
redis.call("HSET", KEYS[1], "reactions", ARGV[1])
return 1
`)

// advanceReadScript moves a read marker forward only.
var advanceReadScript = goredis.NewScript(`
local cur = tonumber(redis.call("GET", KEYS[1]) or "0")
local nxt = tonumber(ARGV[1])
if nxt > cur then
    redis.call("SET", KEYS[1], ARGV[1])
    return 1
end
return 0
`)

// ============================================================================
// Rows
// ============================================================================

type messageRow struct {
	ID          string `redis:"id"`
	ChannelID   string `redis:"channel_id"`
	UserID      string `redis:"user_id"`
	IsAnonymous bool   `redis:"is_anonymous"`
	Alias       string `redis:"anonymous_alias"`
	Username    string `redis:"username"`
	Content     string `redis:"content"`
	InsertedAt  string `redis:"inserted_at"`
	Reactions   string `redis:"reactions"`
}

func newMessageRow(m chatsync.Message) (messageRow, error) {
	reactions := m.Reactions.Normalize()
	if reactions == nil {
		reactions = chatsync.Reactions{}
	}
	rj, err := json.Marshal(reactions)
	if err != nil {
		return messageRow{}, fmt.Errorf("encode reactions: %w", err)
	}
	row := messageRow{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		Username:   m.AuthorName,
		Content:    m.Content,
		InsertedAt: m.InsertedAt.UTC().Format(time.RFC3339Nano),
		Reactions:  string(rj),
	}
	switch a := m.Author.(type) {
	case chatsync.Authenticated:
		row.UserID = a.UserID
	case chatsync.Anonymous:
		row.IsAnonymous = true
		row.Alias = a.Alias
	default:
		row.IsAnonymous = true
	}
	return row, nil
}

func (r messageRow) args() []any {
	return []any{
		"id", r.ID,
		"channel_id", r.ChannelID,
		"user_id", r.UserID,
		"is_anonymous", boolArg(r.IsAnonymous),
		"anonymous_alias", r.Alias,
		"username", r.Username,
		"content", r.Content,
		"inserted_at", r.InsertedAt,
		"reactions", r.Reactions,
	}
}

func (r messageRow) message() (chatsync.Message, error) {
	at, err := time.Parse(time.RFC3339Nano, r.InsertedAt)
	if err != nil {
		return chatsync.Message{}, fmt.Errorf("parse inserted_at: %w", err)
	}
	var reactions chatsync.Reactions
	if r.Reactions != "" {
		if err := json.Unmarshal([]byte(r.Reactions), &reactions); err != nil {
			return chatsync.Message{}, fmt.Errorf("decode reactions: %w", err)
		}
	}
	m := chatsync.Message{
		ID:         r.ID,
		ChannelID:  r.ChannelID,
		AuthorName: r.Username,
		Content:    r.Content,
		InsertedAt: at,
		Reactions:  reactions.Normalize(),
		Delivery:   chatsync.DeliveryConfirmed,
	}
	if r.IsAnonymous || r.UserID == "" {
		m.Author = chatsync.Anonymous{Alias: r.Alias}
	} else {
		m.Author = chatsync.Authenticated{UserID: r.UserID}
	}
	return m, nil
}

type channelRow struct {
	ID          string `redis:"id"`
	Type        string `redis:"type"`
	Name        string `redis:"name"`
	Description string `redis:"description"`
	Config      string `redis:"config"`
}

type memberRow struct {
	UserID    string `redis:"user_id"`
	ChannelID string `redis:"channel_id"`
	Role      string `redis:"role"`
	Muted     bool   `redis:"muted"`
	MutedAt   int64  `redis:"muted_at"`
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// ============================================================================
// MessageStore
// ============================================================================

// FetchRecentMessages returns the newest limit messages, oldest first.
func (s *Store) FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]chatsync.Message, error) {
	if limit <= 0 {
		limit = chatsync.DefaultPageSize
	}
	ids, err := s.rdb.ZRevRange(ctx, messagesKey(channelID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange: %w", err)
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, messageKey(channelID, id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}

	out := make([]chatsync.Message, 0, len(ids))
	for i := len(cmds) - 1; i >= 0; i-- {
		var row messageRow
		if err := cmds[i].Scan(&row); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if row.ID == "" {
			continue
		}
		m, err := row.message()
		if err != nil {
			return nil, fmt.Errorf("message %s: %w", row.ID, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// WriteMessage stores m once; writing the same message again is a no-op. The
// first write publishes an insert event. An id already used by a different
// message returns ErrIDConflict.
func (s *Store) WriteMessage(ctx context.Context, m chatsync.Message) error {
	row, err := newMessageRow(m)
	if err != nil {
		return err
	}
	args := append([]any{m.InsertedAt.UnixMilli(), m.ID}, row.args()...)
	created, err := writeOnceScript.Run(ctx, s.rdb, []string{messageKey(m.ChannelID, m.ID), messagesKey(m.ChannelID)}, args...).Int64()
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	switch created {
	case 0:
		return nil
	case -1:
		return fmt.Errorf("write message %s: %w", m.ID, ErrIDConflict)
	}
	stored, err := row.message()
	if err != nil {
		return err
	}
	return s.publish(ctx, m.ChannelID, chatsync.PushMessageInsert, stored)
}

// DeleteMessage removes a message. Deleting a missing id is not an error.
func (s *Store) DeleteMessage(ctx context.Context, channelID, id string) error {
	removed, err := deleteScript.Run(ctx, s.rdb, []string{messageKey(channelID, id), messagesKey(channelID)}, id).Int64()
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if removed == 0 {
		return nil
	}
	return s.publish(ctx, channelID, chatsync.PushMessageDelete, chatsync.DeletePayload{ID: id, ChannelID: channelID})
}

// UpdateReactions replaces the whole reactions map of a message.
func (s *Store) UpdateReactions(ctx context.Context, channelID, id string, reactions chatsync.Reactions) error {
	reactions = reactions.Normalize()
	if reactions == nil {
		reactions = chatsync.Reactions{}
	}
	rj, err := json.Marshal(reactions)
	if err != nil {
		return fmt.Errorf("encode reactions: %w", err)
	}
	ok, err := setReactionsScript.Run(ctx, s.rdb, []string{messageKey(channelID, id)}, string(rj)).Int64()
	if err != nil {
		return fmt.Errorf("update reactions: %w", err)
	}
	if ok == 0 {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}

	var row messageRow
	if err := s.rdb.HGetAll(ctx, messageKey(channelID, id)).Scan(&row); err != nil {
		return fmt.Errorf("hgetall: %w", err)
	}
	m, err := row.message()
	if err != nil {
		return err
	}
	return s.publish(ctx, channelID, chatsync.PushMessageUpdate, m)
}

// ============================================================================
// ChannelStore
// ============================================================================

// PutChannel stores channel configuration and publishes a config event.
func (s *Store) PutChannel(ctx context.Context, ch chatsync.Channel) error {
	cfg, err := json.Marshal(ch.Config)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	err = s.rdb.HSet(ctx, channelKey(ch.ID),
		"id", ch.ID,
		"type", string(ch.Type),
		"name", ch.Name,
		"description", ch.Description,
		"config", string(cfg),
	).Err()
	if err != nil {
		return fmt.Errorf("hset channel: %w", err)
	}
	return s.publish(ctx, ch.ID, chatsync.PushChannelConfig, ch)
}

func (s *Store) FetchChannel(ctx context.Context, channelID string) (chatsync.Channel, error) {
	var row channelRow
	if err := s.rdb.HGetAll(ctx, channelKey(channelID)).Scan(&row); err != nil {
		return chatsync.Channel{}, fmt.Errorf("hgetall: %w", err)
	}
	if row.ID == "" {
		return chatsync.Channel{}, fmt.Errorf("channel %s: %w", channelID, ErrNotFound)
	}
	ch := chatsync.Channel{
		ID:          row.ID,
		Type:        chatsync.ChannelType(row.Type),
		Name:        row.Name,
		Description: row.Description,
	}
	if row.Config != "" {
		if err := json.Unmarshal([]byte(row.Config), &ch.Config); err != nil {
			return chatsync.Channel{}, fmt.Errorf("decode config: %w", err)
		}
	}
	return ch, nil
}

// PutMembership stores a membership and publishes a member event.
func (s *Store) PutMembership(ctx context.Context, m chatsync.Membership) error {
	var mutedAt int64
	if m.MutedAt != nil {
		mutedAt = m.MutedAt.UnixMilli()
	}
	err := s.rdb.HSet(ctx, memberKey(m.ChannelID, m.UserID),
		"user_id", m.UserID,
		"channel_id", m.ChannelID,
		"role", string(m.Role),
		"muted", boolArg(m.Muted),
		"muted_at", mutedAt,
	).Err()
	if err != nil {
		return fmt.Errorf("hset member: %w", err)
	}
	return s.publish(ctx, m.ChannelID, chatsync.PushMemberUpdate, m)
}

func (s *Store) FetchMembership(ctx context.Context, channelID, userID string) (chatsync.Membership, error) {
	var row memberRow
	if err := s.rdb.HGetAll(ctx, memberKey(channelID, userID)).Scan(&row); err != nil {
		return chatsync.Membership{}, fmt.Errorf("hgetall: %w", err)
	}
	if row.UserID == "" {
		return chatsync.Membership{}, fmt.Errorf("member %s: %w", userID, ErrNotFound)
	}
	m := chatsync.Membership{
		UserID:    row.UserID,
		ChannelID: row.ChannelID,
		Role:      chatsync.Role(row.Role),
		Muted:     row.Muted,
	}
	if row.MutedAt > 0 {
		t := time.UnixMilli(row.MutedAt).UTC()
		m.MutedAt = &t
	}
	return m, nil
}

// ============================================================================
// ReadMarkerStore
// ============================================================================

// WriteReadMarker advances the marker; older timestamps are ignored.
func (s *Store) WriteReadMarker(ctx context.Context, marker chatsync.ReadMarker) error {
	at := strconv.FormatInt(marker.LastReadAt.UnixMilli(), 10)
	if err := advanceReadScript.Run(ctx, s.rdb, []string{readKey(marker.ChannelID, marker.UserID)}, at).Err(); err != nil {
		return fmt.Errorf("write read marker: %w", err)
	}
	return nil
}

// ReadMarker returns the stored marker, or the zero time if none exists.
func (s *Store) ReadMarker(ctx context.Context, channelID, userID string) (time.Time, error) {
	ms, err := s.rdb.Get(ctx, readKey(channelID, userID)).Int64()
	if errors.Is(err, goredis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get read marker: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ============================================================================
// Pub/Sub
// ============================================================================

// publish announces a committed change. Failures are logged, not returned:
// the write itself has already succeeded.
func (s *Store) publish(ctx context.Context, channelID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err == nil {
		data, err = json.Marshal(chatsync.PushEnvelope{Type: kind, ChannelID: channelID, Payload: data})
	}
	if err == nil {
		err = s.rdb.Publish(ctx, Topic(channelID), data).Err()
	}
	if err != nil {
		s.logger.Warn("publish failed", "channel_id", channelID, "type", kind, "error", err)
	}
	return nil
}
