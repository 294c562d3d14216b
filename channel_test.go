package chatsync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
)

var errBoom = errors.New("boom")

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("echo is not duplicated", func(t *testing.T) {
		sub := newTestSub()
		var written []Message
		db := &testdb{
			writeMessage: func(t *testing.T, m Message) error {
				written = append(written, m)
				return nil
			},
		}
		e := newTestEngine(t, db, sub)
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}

		msg, err := v.Send(ctx, "  hi ")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if msg.Content != "hi" || msg.Delivery != DeliveryConfirmed {
			t.Fatalf("unexpected message %+v", msg)
		}
		if len(written) != 1 || written[0].ID != msg.ID {
			t.Fatalf("expected one remote write with id %s, got %+v", msg.ID, written)
		}
		if diff := cmp.Diff(Authenticated{UserID: "A1"}, written[0].Author); diff != "" {
			t.Fatalf("author mismatch (-want +got):\n%s", diff)
		}

		echo := written[0]
		echo.Local = false
		echo.Delivery = DeliveryConfirmed
		sub.insert(echo)

		msgs := v.Messages()
		if len(msgs) != 1 {
			t.Fatalf("expected exactly one message after echo, got %d", len(msgs))
		}
		if msgs[0].Delivery != DeliveryConfirmed || !msgs[0].IsOwn("A1") {
			t.Fatalf("unexpected replica message %+v", msgs[0])
		}
	})

	t.Run("echo before write result confirms", func(t *testing.T) {
		sub := newTestSub()
		var v *ChannelView
		db := &testdb{
			writeMessage: func(t *testing.T, m Message) error {
				sub.insert(m)
				// Round-trips through the actor, so the echo has been applied.
				if got, _ := v.Message(m.ID); got.Delivery != DeliveryConfirmed {
					t.Errorf("echo should confirm, got %s", got.Delivery)
				}
				return errBoom
			},
		}
		e := newTestEngine(t, db, sub)
		v = openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}

		msg, err := v.Send(ctx, "hi")
		if !errors.Is(err, ErrSendFailed) {
			t.Fatalf("expected ErrSendFailed, got %v", err)
		}
		got, ok := v.Message(msg.ID)
		if !ok || got.Delivery != DeliveryConfirmed {
			t.Fatalf("late failure must not override the echo: %+v", got)
		}
	})

	t.Run("events", func(t *testing.T) {
		e := newTestEngine(t, &testdb{}, newTestSub())
		v := openView(t, e, "general")
		rec := record(v)
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		msg, err := v.Send(ctx, "hi")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		inserted := rec.waitFor(t, EventMessageInserted).(Message)
		if inserted.ID != msg.ID || inserted.Delivery != DeliveryPending {
			t.Fatalf("unexpected inserted payload %+v", inserted)
		}
		confirmed := rec.waitFor(t, EventMessageConfirmed).(Message)
		if confirmed.ID != msg.ID {
			t.Fatalf("unexpected confirmed payload %+v", confirmed)
		}
	})

	t.Run("ids sort after loaded messages", func(t *testing.T) {
		db := &testdb{
			fetchMessages: func(t *testing.T, channelID string, limit int) ([]Message, error) {
				if channelID != "general" || limit != DefaultPageSize {
					t.Errorf("unexpected fetch %s/%d", channelID, limit)
				}
				return []Message{testMessage("b", 2, Anonymous{}), testMessage("a", 1, Anonymous{})}, nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		first, _ := v.Send(ctx, "one")
		second, _ := v.Send(ctx, "two")
		want := []string{"a", "b", first.ID, second.ID}
		if diff := cmp.Diff(want, ids(v.Messages())); diff != "" {
			t.Fatalf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("invalid content", func(t *testing.T) {
		db := &testdb{
			writeMessage: func(t *testing.T, m Message) error {
				t.Error("invalid content must not be written")
				return nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		_, err := v.Send(ctx, "   ")
		if !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage, got %v", err)
		}
		if n := len(v.Messages()); n != 0 {
			t.Fatalf("expected empty replica, got %d", n)
		}
	})

	t.Run("anonymous session", func(t *testing.T) {
		var written Message
		db := &testdb{
			writeMessage: func(t *testing.T, m Message) error {
				written = m
				return nil
			},
		}
		db.T = t
		e, err := NewEngine(db, newTestSub(), Session{UserID: "anon-1", Alias: "fox", Anonymous: true},
			WithIDGenerator(&seqIDs{}))
		if err != nil {
			t.Fatalf("NewEngine: %v", err)
		}
		t.Cleanup(func() { e.CloseAll() })
		v := openView(t, e, "general")
		msg, err := v.Send(ctx, "psst")
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		if diff := cmp.Diff(Anonymous{Alias: "fox"}, written.Author); diff != "" {
			t.Fatalf("author mismatch (-want +got):\n%s", diff)
		}
		if msg.SenderName() != "fox" || !msg.IsOwn("anon-1") {
			t.Fatalf("unexpected message %+v", msg)
		}
	})
}

func TestSendPermission(t *testing.T) {
	ctx := context.Background()
	locked := func(t *testing.T, channelID string) (Channel, error) {
		return Channel{ID: channelID, Type: ChannelBroadcast, Config: ChannelConfig{CapSendMessages: false}}, nil
	}

	t.Run("forbidden member leaves no trace", func(t *testing.T) {
		db := &testdb{
			fetchChannel: locked,
			writeMessage: func(t *testing.T, m Message) error {
				t.Error("forbidden send must not be written")
				return nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if v.CanSend() {
			t.Fatal("gate should be denied")
		}
		_, err := v.Send(ctx, "hello")
		if !errors.Is(err, ErrSendForbidden) {
			t.Fatalf("expected ErrSendForbidden, got %v", err)
		}
		if ErrorCode(err) != "SEND_FORBIDDEN" {
			t.Fatalf("unexpected code %q", ErrorCode(err))
		}
		if n := len(v.Messages()); n != 0 {
			t.Fatalf("expected no optimistic message, got %d", n)
		}
	})

	for _, role := range []Role{RoleOwner, RoleAdmin} {
		t.Run(string(role)+" bypasses config", func(t *testing.T) {
			db := &testdb{
				fetchChannel: locked,
				fetchMembership: func(t *testing.T, channelID, userID string) (Membership, error) {
					return Membership{UserID: userID, ChannelID: channelID, Role: role}, nil
				},
			}
			e := newTestEngine(t, db, newTestSub())
			v := openView(t, e, "general")
			if _, err := v.Send(ctx, "announcement"); err != nil {
				t.Fatalf("Send: %v", err)
			}
		})
	}

	t.Run("config fetch failure fails open", func(t *testing.T) {
		db := &testdb{
			fetchChannel: func(t *testing.T, channelID string) (Channel, error) { return Channel{}, errBoom },
			fetchMembership: func(t *testing.T, channelID, userID string) (Membership, error) {
				return Membership{}, errBoom
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if !v.CanSend() {
			t.Fatal("gate should stay allowed when config cannot be fetched")
		}
		if _, ok := v.Channel(); ok {
			t.Fatal("no channel should have been recorded")
		}
	})

	t.Run("strict gate denies until config arrives", func(t *testing.T) {
		db := &testdb{
			fetchChannel: func(t *testing.T, channelID string) (Channel, error) { return Channel{}, errBoom },
		}
		sub := newTestSub()
		e := newTestEngine(t, db, sub, WithStrictPermissions())
		v := openView(t, e, "general")
		if v.CanSend() {
			t.Fatal("strict gate should start denied")
		}
		rec := record(v)
		sub.config(Channel{ID: "general", Config: ChannelConfig{CapSendMessages: true}})
		if got := rec.waitFor(t, EventPermissionChanged); got != GateAllowed {
			t.Fatalf("expected allowed, got %v", got)
		}
	})

	t.Run("pushed config and role changes", func(t *testing.T) {
		sub := newTestSub()
		e := newTestEngine(t, &testdb{}, sub)
		v := openView(t, e, "general")
		rec := record(v)

		sub.config(Channel{ID: "general", Type: ChannelGroup, Config: ChannelConfig{CapSendMessages: false}})
		if got := rec.waitFor(t, EventPermissionChanged); got != GateDenied {
			t.Fatalf("expected denied, got %v", got)
		}
		if _, err := v.Send(ctx, "nope"); !errors.Is(err, ErrSendForbidden) {
			t.Fatalf("expected ErrSendForbidden, got %v", err)
		}

		// Another user's promotion does not affect the gate.
		sub.member(Membership{UserID: "B2", ChannelID: "general", Role: RoleOwner})
		sub.member(Membership{UserID: "A1", ChannelID: "general", Role: RoleAdmin, Muted: true})
		got := rec.waitFor(t, EventMembershipChanged).(Membership)
		if got.UserID != "A1" {
			t.Fatalf("unexpected membership event %+v", got)
		}
		if state := rec.waitFor(t, EventPermissionChanged); state != GateAllowed {
			t.Fatalf("expected allowed, got %v", state)
		}
		if !v.Muted() || !v.CanSend() || !v.CanAddMembers() {
			t.Fatal("expected muted admin who can send")
		}
	})
}

func TestSendFailure(t *testing.T) {
	ctx := context.Background()
	var fail atomic.Bool
	fail.Store(true)
	db := &testdb{
		writeMessage: func(t *testing.T, m Message) error {
			if fail.Load() {
				return errBoom
			}
			return nil
		},
	}
	e := newTestEngine(t, db, newTestSub())
	v := openView(t, e, "general")
	if err := v.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	rec := record(v)

	msg, err := v.Send(ctx, "hi")
	if !errors.Is(err, ErrSendFailed) || !errors.Is(err, errBoom) {
		t.Fatalf("expected ErrSendFailed wrapping cause, got %v", err)
	}
	if IsFatal(err) {
		t.Fatal("send failure must not be fatal")
	}
	failed := rec.waitFor(t, EventMessageFailed).(Message)
	if failed.ID != msg.ID {
		t.Fatalf("unexpected failed payload %+v", failed)
	}
	got, ok := v.Message(msg.ID)
	if !ok || !got.Failed() {
		t.Fatalf("failed message should stay visible and marked: %+v", got)
	}

	t.Run("retry", func(t *testing.T) {
		fail.Store(false)
		retried, err := v.Retry(ctx, msg.ID)
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if retried.ID != msg.ID || retried.Delivery != DeliveryConfirmed {
			t.Fatalf("unexpected retry result %+v", retried)
		}
		if n := len(v.Messages()); n != 1 {
			t.Fatalf("retry must reuse the message, got %d", n)
		}
		// Retrying a confirmed message is a no-op.
		if _, err := v.Retry(ctx, msg.ID); err != nil {
			t.Fatalf("Retry confirmed: %v", err)
		}
		if _, err := v.Retry(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("discard", func(t *testing.T) {
		fail.Store(true)
		other, _ := v.Send(ctx, "again")
		if err := v.Discard(other.ID); err != nil {
			t.Fatalf("Discard: %v", err)
		}
		if _, ok := v.Message(other.ID); ok {
			t.Fatal("discarded message still present")
		}
		if err := v.Discard(msg.ID); !errors.Is(err, ErrNotFound) {
			t.Fatalf("confirmed messages cannot be discarded, got %v", err)
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	loaded := func(t *testing.T, channelID string, limit int) ([]Message, error) {
		return []Message{testMessage("a", 1, Authenticated{"A1"}), testMessage("b", 2, Authenticated{"B2"})}, nil
	}

	t.Run("success", func(t *testing.T) {
		var deleted []string
		db := &testdb{
			fetchMessages: loaded,
			deleteMessage: func(t *testing.T, channelID, id string) error {
				deleted = append(deleted, channelID+"/"+id)
				return nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if err := v.Delete(ctx, "a"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if diff := cmp.Diff([]string{"general/a"}, deleted); diff != "" {
			t.Fatalf("remote deletes (-want +got):\n%s", diff)
		}
		if diff := cmp.Diff([]string{"b"}, ids(v.Messages())); diff != "" {
			t.Fatalf("replica (-want +got):\n%s", diff)
		}
	})

	t.Run("failure is not restored", func(t *testing.T) {
		db := &testdb{
			fetchMessages: loaded,
			deleteMessage: func(t *testing.T, channelID, id string) error { return errBoom },
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		err := v.Delete(ctx, "a")
		if !errors.Is(err, ErrDeleteFailed) {
			t.Fatalf("expected ErrDeleteFailed, got %v", err)
		}
		if _, ok := v.Message("a"); ok {
			t.Fatal("message must stay removed after a failed delete")
		}
	})

	t.Run("reload in flight does not restore", func(t *testing.T) {
		var fetches atomic.Int32
		entered := make(chan struct{})
		release := make(chan struct{})
		db := &testdb{
			fetchMessages: func(t *testing.T, channelID string, limit int) ([]Message, error) {
				if fetches.Add(1) == 2 {
					close(entered)
					<-release
				}
				return loaded(t, channelID, limit)
			},
			deleteMessage: func(t *testing.T, channelID, id string) error { return errBoom },
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}

		reloaded := make(chan error, 1)
		go func() { reloaded <- v.Load(ctx) }()
		<-entered

		if err := v.Delete(ctx, "a"); !errors.Is(err, ErrDeleteFailed) {
			t.Fatalf("expected ErrDeleteFailed, got %v", err)
		}
		close(release)
		if err := <-reloaded; err != nil {
			t.Fatalf("Load: %v", err)
		}

		if diff := cmp.Diff([]string{"b"}, ids(v.Messages())); diff != "" {
			t.Fatalf("deleted message reappeared (-want +got):\n%s", diff)
		}
	})

	t.Run("missing id", func(t *testing.T) {
		db := &testdb{
			deleteMessage: func(t *testing.T, channelID, id string) error {
				t.Error("missing message must not be deleted remotely")
				return nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestReact(t *testing.T) {
	ctx := context.Background()
	withFire := func(t *testing.T, channelID string, limit int) ([]Message, error) {
		m := testMessage("m1", 1, Authenticated{"B2"})
		m.Reactions = Reactions{"🔥": {"B2"}}
		return []Message{m}, nil
	}

	t.Run("toggle on and off", func(t *testing.T) {
		var sent []Reactions
		db := &testdb{
			fetchMessages: withFire,
			updateReactions: func(t *testing.T, channelID, id string, r Reactions) error {
				if id != "m1" {
					t.Errorf("unexpected id %s", id)
				}
				sent = append(sent, r)
				return nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}

		got, err := v.React(ctx, "m1", "🔥")
		if err != nil {
			t.Fatalf("React: %v", err)
		}
		if diff := cmp.Diff(Reactions{"🔥": {"A1", "B2"}}, got); diff != "" {
			t.Fatalf("after toggle on (-want +got):\n%s", diff)
		}
		m, _ := v.Message("m1")
		summary := m.Reactions.Summary("A1")
		if len(summary) != 1 || summary[0].Count != 2 || !summary[0].HasReacted {
			t.Fatalf("unexpected summary %+v", summary)
		}

		if _, err := v.React(ctx, "m1", "🔥"); err != nil {
			t.Fatalf("React: %v", err)
		}
		want := []Reactions{{"🔥": {"A1", "B2"}}, {"🔥": {"B2"}}}
		if diff := cmp.Diff(want, sent); diff != "" {
			t.Fatalf("remote snapshots (-want +got):\n%s", diff)
		}
	})

	t.Run("missing message", func(t *testing.T) {
		e := newTestEngine(t, &testdb{}, newTestSub())
		v := openView(t, e, "general")
		if _, err := v.React(ctx, "nope", "🔥"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("empty emoji", func(t *testing.T) {
		e := newTestEngine(t, &testdb{}, newTestSub())
		v := openView(t, e, "general")
		if _, err := v.React(ctx, "m1", " "); !errors.Is(err, ErrInvalidMessage) {
			t.Fatalf("expected ErrInvalidMessage, got %v", err)
		}
	})

	t.Run("failure keeps local state", func(t *testing.T) {
		db := &testdb{
			fetchMessages: withFire,
			updateReactions: func(t *testing.T, channelID, id string, r Reactions) error {
				return errBoom
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		_, err := v.React(ctx, "m1", "👍")
		if !errors.Is(err, ErrReactionUpdateFailed) {
			t.Fatalf("expected ErrReactionUpdateFailed, got %v", err)
		}
		m, _ := v.Message("m1")
		if !m.Reactions.Has("A1", "👍") {
			t.Fatalf("local toggle should not be rolled back: %v", m.Reactions)
		}
	})
}

func TestPushEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("insert update delete", func(t *testing.T) {
		sub := newTestSub()
		e := newTestEngine(t, &testdb{}, sub)
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}

		sub.insert(testMessage("b", 2, Authenticated{"B2"}))
		sub.insert(testMessage("a", 1, Anonymous{Alias: "fox"}))
		sub.insert(testMessage("a", 1, Anonymous{Alias: "fox"}))
		if diff := cmp.Diff([]string{"a", "b"}, ids(v.Messages())); diff != "" {
			t.Fatalf("after inserts (-want +got):\n%s", diff)
		}

		upd := testMessage("b", 2, Authenticated{"B2"})
		upd.Content = "ignored"
		upd.Reactions = Reactions{"👍": {"C3"}}
		sub.update(upd)
		sub.update(testMessage("unknown", 9, Anonymous{}))
		m, _ := v.Message("b")
		if m.Content != "message b" || !m.Reactions.Has("C3", "👍") {
			t.Fatalf("update should only replace reactions: %+v", m)
		}
		if _, ok := v.Message("unknown"); ok {
			t.Fatal("update must not insert unknown messages")
		}

		sub.remove("general", "a")
		sub.remove("general", "a")
		if diff := cmp.Diff([]string{"b"}, ids(v.Messages())); diff != "" {
			t.Fatalf("after delete (-want +got):\n%s", diff)
		}
	})

	t.Run("buffered while loading", func(t *testing.T) {
		sub := newTestSub()
		db := &testdb{
			fetchMessages: func(t *testing.T, channelID string, limit int) ([]Message, error) {
				return []Message{testMessage("a", 1, Anonymous{}), testMessage("b", 2, Anonymous{})}, nil
			},
		}
		e := newTestEngine(t, db, sub)
		v := openView(t, e, "general")

		sub.insert(testMessage("c", 3, Anonymous{}))
		sub.remove("general", "a")
		if !v.Loading() {
			t.Fatal("view should still be loading")
		}
		if n := len(v.Messages()); n != 0 {
			t.Fatalf("push events must wait for the snapshot, got %d messages", n)
		}

		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		if diff := cmp.Diff([]string{"b", "c"}, ids(v.Messages())); diff != "" {
			t.Fatalf("replayed (-want +got):\n%s", diff)
		}
	})

	t.Run("buffer overflow reloads", func(t *testing.T) {
		sub := newTestSub()
		var fetches atomic.Int32
		db := &testdb{
			fetchMessages: func(t *testing.T, channelID string, limit int) ([]Message, error) {
				fetches.Add(1)
				return []Message{testMessage("a", 1, Anonymous{})}, nil
			},
		}
		e := newTestEngine(t, db, sub, WithPushBuffer(1))
		v := openView(t, e, "general")
		rec := record(v)

		sub.insert(testMessage("x", 2, Anonymous{}))
		sub.insert(testMessage("y", 3, Anonymous{}))
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		rec.waitFor(t, EventResync)
		if n := fetches.Load(); n != 2 {
			t.Fatalf("expected a second fetch after overflow, got %d", n)
		}
	})

	t.Run("other channel ignored", func(t *testing.T) {
		sub := newTestSub()
		e := newTestEngine(t, &testdb{}, sub)
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		h, _ := sub.msgHandlers("general")
		stray := testMessage("s", 1, Anonymous{})
		stray.ChannelID = "random"
		h.OnInsert(stray)
		if n := len(v.Messages()); n != 0 {
			t.Fatalf("expected no messages, got %d", n)
		}
	})

	t.Run("resync reloads and keeps pending sends", func(t *testing.T) {
		sub := newTestSub()
		var fetches atomic.Int32
		release := make(chan struct{})
		db := &testdb{
			fetchMessages: func(t *testing.T, channelID string, limit int) ([]Message, error) {
				if fetches.Add(1) == 1 {
					return nil, nil
				}
				return []Message{testMessage("missed", 1, Anonymous{})}, nil
			},
			writeMessage: func(t *testing.T, m Message) error {
				<-release
				return nil
			},
		}
		e := newTestEngine(t, db, sub)
		v := openView(t, e, "general")
		if err := v.Load(ctx); err != nil {
			t.Fatalf("Load: %v", err)
		}
		rec := record(v)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Send(ctx, "while offline"); err != nil {
				t.Errorf("Send: %v", err)
			}
		}()
		rec.waitFor(t, EventMessageInserted)

		h, _ := sub.msgHandlers("general")
		h.OnResync()
		rec.waitFor(t, EventResync)

		msgs := v.Messages()
		if len(msgs) != 2 || msgs[0].ID != "missed" || msgs[1].Delivery != DeliveryPending {
			t.Fatalf("unexpected replica after resync %+v", msgs)
		}
		close(release)
		wg.Wait()
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("subscribe failure is fatal", func(t *testing.T) {
		sub := newTestSub()
		sub.err = errBoom
		e := newTestEngine(t, &testdb{}, sub)
		_, err := e.Open(ctx, "general")
		if !errors.Is(err, ErrSubscribe) || !IsFatal(err) {
			t.Fatalf("expected fatal ErrSubscribe, got %v", err)
		}
	})

	t.Run("channel subscribe failure releases message subscription", func(t *testing.T) {
		sub := newTestSub()
		sub.chErr = errBoom
		e := newTestEngine(t, &testdb{}, sub)
		_, err := e.Open(ctx, "general")
		if !IsFatal(err) {
			t.Fatalf("expected fatal error, got %v", err)
		}
		if _, ok := sub.msgHandlers("general"); ok || sub.closed != 1 {
			t.Fatalf("message subscription should be closed, closed=%d", sub.closed)
		}
	})

	t.Run("fetch failure is not fatal", func(t *testing.T) {
		db := &testdb{
			fetchMessages: func(t *testing.T, channelID string, limit int) ([]Message, error) {
				return nil, errBoom
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		err := v.Load(ctx)
		if !errors.Is(err, ErrFetch) || IsFatal(err) {
			t.Fatalf("expected non-fatal ErrFetch, got %v", err)
		}
		if !v.Loading() {
			t.Fatal("view should still be loading after a failed fetch")
		}
	})

	t.Run("load with retry", func(t *testing.T) {
		var fetches atomic.Int32
		db := &testdb{
			fetchMessages: func(t *testing.T, channelID string, limit int) ([]Message, error) {
				if fetches.Add(1) < 2 {
					return nil, errBoom
				}
				return nil, nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		if err := v.LoadWithRetry(ctx, 3); err != nil {
			t.Fatalf("LoadWithRetry: %v", err)
		}
		if fetches.Load() != 2 || v.Loading() {
			t.Fatalf("expected success on second fetch, got %d fetches", fetches.Load())
		}
	})

	t.Run("channel and membership are recorded", func(t *testing.T) {
		db := &testdb{
			fetchChannel: func(t *testing.T, channelID string) (Channel, error) {
				return Channel{ID: channelID, Type: ChannelDirect, Name: "dm"}, nil
			},
		}
		e := newTestEngine(t, db, newTestSub())
		v := openView(t, e, "general")
		c, ok := v.Channel()
		if !ok || c.Type != ChannelDirect || c.Name != "dm" {
			t.Fatalf("unexpected channel %+v", c)
		}
		m, ok := v.Membership()
		if !ok || m.Role != RoleMember {
			t.Fatalf("unexpected membership %+v", m)
		}
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	sub := newTestSub()
	started := make(chan struct{})
	release := make(chan struct{})
	db := &testdb{
		writeMessage: func(t *testing.T, m Message) error {
			close(started)
			<-release
			return nil
		},
	}
	e := newTestEngine(t, db, sub)
	v := openView(t, e, "general")
	if err := v.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	type result struct {
		msg Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := v.Send(ctx, "in flight")
		done <- result{m, err}
	}()
	<-started

	if err := v.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sub.closed != 2 {
		t.Fatalf("expected both subscriptions closed, got %d", sub.closed)
	}
	close(release)

	res := <-done
	if res.err != nil {
		t.Fatalf("in-flight write should complete quietly, got %v", res.err)
	}

	if _, err := v.Send(ctx, "late"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := v.Load(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if v.Messages() != nil {
		t.Fatal("closed view should have no messages")
	}
	if err := v.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFocus(t *testing.T) {
	var (
		mu      sync.Mutex
		markers []ReadMarker
	)
	db := &testdb{
		writeReadMarker: func(t *testing.T, m ReadMarker) error {
			mu.Lock()
			markers = append(markers, m)
			mu.Unlock()
			return nil
		},
	}
	e := newTestEngine(t, db, newTestSub())
	v := openView(t, e, "general")

	if !v.Focus(context.Background()) {
		t.Fatal("expected a read marker write")
	}
	v.reads.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(markers) != 1 {
		t.Fatalf("expected one write, got %d", len(markers))
	}
	if markers[0].UserID != "A1" || markers[0].ChannelID != "general" {
		t.Fatalf("unexpected marker %+v", markers[0])
	}
}
