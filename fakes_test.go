package chatsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ============================================================================
// Test Helpers
// ============================================================================

var testEpoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return testEpoch.Add(time.Duration(sec) * time.Second) }

func testMessage(id string, sec int, author Author) Message {
	return Message{
		ID:         id,
		ChannelID:  "general",
		Author:     author,
		Content:    "message " + id,
		InsertedAt: at(sec),
		Delivery:   DeliveryConfirmed,
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

// testdb is a RemoteStore whose behaviour is set per test. Nil funcs
// succeed with zero values.
type testdb struct {
	T               *testing.T
	fetchMessages   func(t *testing.T, channelID string, limit int) ([]Message, error)
	writeMessage    func(t *testing.T, m Message) error
	deleteMessage   func(t *testing.T, channelID, id string) error
	updateReactions func(t *testing.T, channelID, id string, r Reactions) error
	fetchChannel    func(t *testing.T, channelID string) (Channel, error)
	fetchMembership func(t *testing.T, channelID, userID string) (Membership, error)
	writeReadMarker func(t *testing.T, m ReadMarker) error
}

func (db *testdb) FetchRecentMessages(_ context.Context, channelID string, limit int) ([]Message, error) {
	if db.fetchMessages == nil {
		return nil, nil
	}
	return db.fetchMessages(db.T, channelID, limit)
}

func (db *testdb) WriteMessage(_ context.Context, m Message) error {
	if db.writeMessage == nil {
		return nil
	}
	return db.writeMessage(db.T, m)
}

func (db *testdb) DeleteMessage(_ context.Context, channelID, id string) error {
	if db.deleteMessage == nil {
		return nil
	}
	return db.deleteMessage(db.T, channelID, id)
}

func (db *testdb) UpdateReactions(_ context.Context, channelID, id string, r Reactions) error {
	if db.updateReactions == nil {
		return nil
	}
	return db.updateReactions(db.T, channelID, id, r)
}

func (db *testdb) FetchChannel(_ context.Context, channelID string) (Channel, error) {
	if db.fetchChannel == nil {
		return Channel{ID: channelID, Type: ChannelGroup}, nil
	}
	return db.fetchChannel(db.T, channelID)
}

func (db *testdb) FetchMembership(_ context.Context, channelID, userID string) (Membership, error) {
	if db.fetchMembership == nil {
		return Membership{UserID: userID, ChannelID: channelID, Role: RoleMember}, nil
	}
	return db.fetchMembership(db.T, channelID, userID)
}

func (db *testdb) WriteReadMarker(_ context.Context, m ReadMarker) error {
	if db.writeReadMarker == nil {
		return nil
	}
	return db.writeReadMarker(db.T, m)
}

// testsub is a Subscriber that lets tests push events by hand.
type testsub struct {
	mu       sync.Mutex
	err      error
	chErr    error
	messages map[string]MessageHandlers
	channels map[string]ChannelHandlers
	closed   int
}

func newTestSub() *testsub {
	return &testsub{
		messages: make(map[string]MessageHandlers),
		channels: make(map[string]ChannelHandlers),
	}
}

func (s *testsub) Subscribe(_ context.Context, channelID string, h MessageHandlers) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.messages[channelID] = h
	return subscriptionFunc(func() error {
		s.mu.Lock()
		delete(s.messages, channelID)
		s.closed++
		s.mu.Unlock()
		return nil
	}), nil
}

func (s *testsub) SubscribeChannel(_ context.Context, channelID string, h ChannelHandlers) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chErr != nil {
		return nil, s.chErr
	}
	s.channels[channelID] = h
	return subscriptionFunc(func() error {
		s.mu.Lock()
		delete(s.channels, channelID)
		s.closed++
		s.mu.Unlock()
		return nil
	}), nil
}

func (s *testsub) msgHandlers(channelID string) (MessageHandlers, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.messages[channelID]
	return h, ok
}

func (s *testsub) chHandlers(channelID string) (ChannelHandlers, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.channels[channelID]
	return h, ok
}

func (s *testsub) insert(m Message) {
	if h, ok := s.msgHandlers(m.ChannelID); ok {
		h.OnInsert(m)
	}
}

func (s *testsub) update(m Message) {
	if h, ok := s.msgHandlers(m.ChannelID); ok {
		h.OnUpdate(m)
	}
}

func (s *testsub) remove(channelID, id string) {
	if h, ok := s.msgHandlers(channelID); ok {
		h.OnDelete(id)
	}
}

func (s *testsub) config(c Channel) {
	if h, ok := s.chHandlers(c.ID); ok {
		h.OnConfig(c)
	}
}

func (s *testsub) member(m Membership) {
	if h, ok := s.chHandlers(m.ChannelID); ok {
		h.OnMembership(m)
	}
}

// seqIDs hands out "m-001", "m-002", ...
type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("m-%03d", g.n)
}

// stepClock returns a clock that advances one second per call.
func stepClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

var alice = Session{UserID: "A1", Username: "alice"}

func newTestEngine(t *testing.T, db *testdb, sub Subscriber, opts ...Option) *Engine {
	t.Helper()
	db.T = t
	base := []Option{
		WithLogger(slogt.New(t)),
		WithIDGenerator(&seqIDs{}),
		WithClock(stepClock(testEpoch.Add(time.Hour))),
	}
	e, err := NewEngine(db, sub, alice, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	t.Cleanup(func() { e.CloseAll() })
	return e
}

func openView(t *testing.T, e *Engine, channelID string) *ChannelView {
	t.Helper()
	v, err := e.Open(context.Background(), channelID)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return v
}

// recorder collects view events.
type recorder struct {
	ch chan recorded
}

type recorded struct {
	event   string
	payload any
}

func record(v *ChannelView) *recorder {
	r := &recorder{ch: make(chan recorded, 256)}
	v.On("*", func(event string, payload any) {
		r.ch <- recorded{event, payload}
	})
	return r
}

// waitFor returns the next event named event, failing after a timeout.
func (r *recorder) waitFor(t *testing.T, event string) any {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.event == event {
				return ev.payload
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %q", event)
			return nil
		}
	}
}
