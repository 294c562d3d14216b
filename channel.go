package chatsync

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const resyncTimeout = 30 * time.Second

// channelCore is the state shared by a view and its write paths. Everything
// except the emitter, logger and metrics is owned by act.
type channelCore struct {
	channelID string
	act       *actor
	replica   *Replica
	gate      *PermissionGate
	events    *emitter
	logger    *slog.Logger
	metrics   *Metrics
}

type pushKind int

const (
	pushInsert pushKind = iota
	pushUpdate
	pushDelete
)

func (k pushKind) String() string {
	switch k {
	case pushInsert:
		return "insert"
	case pushUpdate:
		return "update"
	default:
		return "delete"
	}
}

type pushEvent struct {
	kind pushKind
	msg  Message
	id   string
}

// ============================================================================
// ChannelView
// ============================================================================

// ChannelView is one open channel: its replica, permission gate and the
// write paths that act on them. All methods are safe for concurrent use.
type ChannelView struct {
	engine *Engine
	core   *channelCore
	coord  *Coordinator
	recon  *Reconciler
	reads  *ReadTracker
	logger *slog.Logger
	subs   []Subscription

	// Owned by the actor.
	channel     Channel
	channelSeen bool
	membership  Membership
	memberSeen  bool
	buffered    []pushEvent
	overflow    bool

	resyncing atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newChannelView(e *Engine, channelID string) *ChannelView {
	logger := e.logger.With("channel_id", channelID)
	core := &channelCore{
		channelID: channelID,
		act:       newActor(defaultMailbox),
		replica:   NewReplica(channelID),
		gate:      NewPermissionGate(e.strict),
		events:    newEmitter(logger),
		logger:    logger,
		metrics:   e.metrics,
	}
	v := &ChannelView{engine: e, core: core, logger: logger}
	v.coord = &Coordinator{
		core:      core,
		store:     e.remote,
		session:   e.session,
		ids:       e.ids,
		now:       e.now,
		validator: e.validator,
	}
	v.recon = &Reconciler{core: core, store: e.remote}
	v.reads = NewReadTracker(e.remote, e.session.UserID, channelID, e.now, logger, e.metrics)
	return v
}

// ChannelID returns the id of the channel.
func (v *ChannelView) ChannelID() string { return v.core.channelID }

// On registers a listener. Listeners run in order on a notifier goroutine
// and may call back into the view.
func (v *ChannelView) On(event string, handler EventHandler) {
	v.core.events.On(event, handler)
}

// Load fetches the newest page of messages and replaces the replica with
// it. Push events received while loading are replayed afterwards.
func (v *ChannelView) Load(ctx context.Context) error {
	ch := v.core.channelID
	if !v.core.act.do(v.core.replica.BeginLoad) {
		return channelClosed("load", ch)
	}

	msgs, err := v.engine.remote.FetchRecentMessages(ctx, ch, v.engine.pageSize)

	ok := v.core.act.do(func() {
		if err != nil {
			v.core.replica.AbortLoad()
		} else {
			v.core.replica.Load(msgs)
			v.core.events.emit(EventLoaded, v.core.replica.Messages())
		}
		v.drainBuffer()
	})
	if !ok {
		return channelClosed("load", ch)
	}
	if err != nil {
		v.logger.Warn("message fetch failed", "error", err)
		return fetchError(ch, err)
	}
	v.logger.Debug("replica loaded", "messages", len(msgs))
	return nil
}

// LoadWithRetry calls Load until it succeeds, retrying fetch failures up
// to retries times with exponential backoff.
func (v *ChannelView) LoadWithRetry(ctx context.Context, retries int) error {
	b := newBackoff(500*time.Millisecond, 10*time.Second, retries)
	for {
		err := v.Load(ctx)
		if err == nil || !errors.Is(err, ErrFetch) || !b.shouldRetry() {
			return err
		}
		delay := b.nextDelay()
		v.logger.Info("retrying load", "attempt", b.attempt, "delay", delay)
		if sleep(ctx, delay) != nil {
			return err
		}
	}
}

// RefreshChannel fetches the channel configuration and the current user's
// membership. Failures are logged and leave the previous state in place.
func (v *ChannelView) RefreshChannel(ctx context.Context) {
	ch := v.core.channelID
	if c, err := v.engine.remote.FetchChannel(ctx, ch); err != nil {
		v.logger.Warn("channel config fetch failed", "error", err)
	} else {
		v.core.act.do(func() { v.applyChannel(c) })
	}
	if m, err := v.engine.remote.FetchMembership(ctx, ch, v.engine.session.UserID); err != nil {
		v.logger.Warn("membership fetch failed", "error", err)
	} else {
		v.core.act.do(func() { v.applyMembership(m) })
	}
}

// Send posts content as the session user. See Coordinator.Send.
func (v *ChannelView) Send(ctx context.Context, content string) (Message, error) {
	return v.coord.Send(ctx, content)
}

// Retry re-sends a failed message.
func (v *ChannelView) Retry(ctx context.Context, id string) (Message, error) {
	return v.coord.Retry(ctx, id)
}

// Discard drops a failed or pending local message.
func (v *ChannelView) Discard(id string) error {
	return v.coord.Discard(id)
}

// Delete removes a message locally and remotely.
func (v *ChannelView) Delete(ctx context.Context, id string) error {
	return v.coord.Delete(ctx, id)
}

// React toggles the session user's emoji reaction on message id.
func (v *ChannelView) React(ctx context.Context, id, emoji string) (Reactions, error) {
	return v.recon.Toggle(ctx, id, v.engine.session.UserID, emoji)
}

// Focus records that the user is looking at the channel. See ReadTracker.
func (v *ChannelView) Focus(ctx context.Context) bool {
	return v.reads.Focus(ctx)
}

// Messages returns the ordered replica. It is nil once the view is closed.
func (v *ChannelView) Messages() []Message {
	var out []Message
	v.core.act.do(func() { out = v.core.replica.Messages() })
	return out
}

// Message returns message id from the replica.
func (v *ChannelView) Message(id string) (Message, bool) {
	var (
		m  Message
		ok bool
	)
	v.core.act.do(func() { m, ok = v.core.replica.Get(id) })
	return m, ok
}

// Loading reports whether no snapshot has been loaded yet.
func (v *ChannelView) Loading() bool {
	loading := true
	v.core.act.do(func() { loading = v.core.replica.Loading() })
	return loading
}

func (v *ChannelView) Channel() (Channel, bool) {
	var (
		c  Channel
		ok bool
	)
	v.core.act.do(func() { c, ok = v.channel, v.channelSeen })
	return c, ok
}

func (v *ChannelView) Membership() (Membership, bool) {
	var (
		m  Membership
		ok bool
	)
	v.core.act.do(func() { m, ok = v.membership, v.memberSeen })
	return m, ok
}

// Muted reports the mute flag of the current user's membership.
func (v *ChannelView) Muted() bool {
	m, _ := v.Membership()
	return m.Muted
}

// CanSend reports the permission gate's current verdict.
func (v *ChannelView) CanSend() bool {
	return v.GateState() == GateAllowed
}

func (v *ChannelView) GateState() GateState {
	state := GateDenied
	v.core.act.do(func() { state = v.core.gate.State() })
	return state
}

func (v *ChannelView) CanAddMembers() bool {
	var allowed bool
	v.core.act.do(func() { allowed = v.core.gate.CanAddMembers() })
	return allowed
}

// Close cancels the view's subscriptions and stops its actor. Writes still
// in flight complete, but their follow-up replica updates are dropped.
// Close waits for pending read marker writes.
func (v *ChannelView) Close() error {
	v.closeOnce.Do(func() {
		var errs []error
		for _, s := range v.subs {
			if err := s.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		v.shutdown()
		v.engine.forget(v)
		v.reads.Wait()
		v.closeErr = errors.Join(errs...)
		v.logger.Debug("channel view closed")
	})
	return v.closeErr
}

func (v *ChannelView) shutdown() {
	v.core.act.stop()
	v.core.events.close()
}

// ============================================================================
// Push handling
// ============================================================================

func (v *ChannelView) messageHandlers() MessageHandlers {
	return MessageHandlers{
		OnInsert: func(m Message) { v.push(pushEvent{kind: pushInsert, msg: m, id: m.ID}) },
		OnUpdate: func(m Message) { v.push(pushEvent{kind: pushUpdate, msg: m, id: m.ID}) },
		OnDelete: func(id string) { v.push(pushEvent{kind: pushDelete, id: id}) },
		OnResync: func() { go v.resync() },
	}
}

func (v *ChannelView) channelHandlers() ChannelHandlers {
	return ChannelHandlers{
		OnConfig: func(c Channel) {
			v.core.metrics.pushEvent("config")
			v.core.act.post(func() { v.applyChannel(c) })
		},
		OnMembership: func(m Membership) {
			v.core.metrics.pushEvent("membership")
			v.core.act.post(func() { v.applyMembership(m) })
		},
	}
}

func (v *ChannelView) push(ev pushEvent) {
	v.core.metrics.pushEvent(ev.kind.String())
	v.core.act.post(func() { v.applyPush(ev) })
}

// applyPush runs on the actor.
func (v *ChannelView) applyPush(ev pushEvent) {
	if v.core.replica.Loading() || v.core.replica.LoadPending() {
		if len(v.buffered) >= v.engine.pushBuffer {
			v.overflow = true
			return
		}
		v.buffered = append(v.buffered, ev)
		return
	}

	r := v.core.replica
	switch ev.kind {
	case pushInsert:
		if ev.msg.ChannelID != "" && ev.msg.ChannelID != v.core.channelID {
			return
		}
		if r.ApplyInsert(ev.msg) {
			m, _ := r.Get(ev.id)
			v.core.events.emit(EventMessageInserted, m)
			return
		}
		v.core.metrics.echoDeduped()
		// The echo proves the remote store has the message.
		if m, ok := r.Get(ev.id); ok && m.Delivery != DeliveryConfirmed {
			r.MarkDelivery(ev.id, DeliveryConfirmed)
			m.Delivery = DeliveryConfirmed
			v.core.events.emit(EventMessageConfirmed, m)
		}
	case pushUpdate:
		if r.ApplyReactionSnapshot(ev.id, ev.msg.Reactions) {
			m, _ := r.Get(ev.id)
			v.core.events.emit(EventMessageUpdated, m)
		}
	case pushDelete:
		if r.ApplyDelete(ev.id) {
			v.core.events.emit(EventMessageDeleted, ev.id)
		}
	}
}

// drainBuffer replays buffered push events once no load is pending. Runs on
// the actor.
func (v *ChannelView) drainBuffer() {
	if v.core.replica.Loading() || v.core.replica.LoadPending() {
		return
	}
	events, overflow := v.buffered, v.overflow
	v.buffered, v.overflow = nil, false
	for _, ev := range events {
		v.applyPush(ev)
	}
	if overflow {
		v.logger.Warn("push buffer overflowed while loading, reloading", "capacity", v.engine.pushBuffer)
		go v.resync()
	}
}

func (v *ChannelView) applyChannel(c Channel) {
	if c.ID != "" && c.ID != v.core.channelID {
		return
	}
	v.channel, v.channelSeen = c, true
	if v.core.gate.SetConfig(c.Config) {
		v.core.events.emit(EventPermissionChanged, v.core.gate.State())
	}
}

func (v *ChannelView) applyMembership(m Membership) {
	if m.UserID != "" && m.UserID != v.engine.session.UserID {
		return
	}
	if m.ChannelID != "" && m.ChannelID != v.core.channelID {
		return
	}
	v.membership, v.memberSeen = m, true
	v.core.events.emit(EventMembershipChanged, m)
	if v.core.gate.SetRole(m.Role) {
		v.core.events.emit(EventPermissionChanged, v.core.gate.State())
	}
}

// resync reloads after the transport reported possibly missed events.
func (v *ChannelView) resync() {
	if !v.resyncing.CompareAndSwap(false, true) {
		return
	}
	defer v.resyncing.Store(false)
	if v.core.act.stopped() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()
	if err := v.Load(ctx); err != nil {
		if !errors.Is(err, ErrChannelClosed) {
			v.logger.Warn("resync failed", "error", err)
		}
		return
	}
	v.RefreshChannel(ctx)
	v.core.events.emit(EventResync, nil)
}
