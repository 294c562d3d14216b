package chatsync

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Actor
// ============================================================================

// actor runs closures one at a time on a single goroutine. Everything that
// touches a channel's replica or gate goes through it.
type actor struct {
	mailbox chan func()
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newActor(buffer int) *actor {
	a := &actor{
		mailbox: make(chan func(), buffer),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *actor) loop() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case fn := <-a.mailbox:
			fn()
		}
	}
}

// do runs fn on the actor and waits for it. It returns false, without
// running fn, once the actor has stopped. Must not be called from the actor.
func (a *actor) do(fn func()) bool {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case <-a.quit:
		return false
	case a.mailbox <- wrapped:
	}
	select {
	case <-finished:
		return true
	case <-a.done:
		// Stopped before the closure ran; it may still have run right before quit.
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}
}

// post enqueues fn without waiting for it to run. It blocks only while the
// mailbox is full and is dropped once the actor has stopped. Must not be
// called from the actor.
func (a *actor) post(fn func()) bool {
	select {
	case <-a.quit:
		return false
	default:
	}
	select {
	case <-a.quit:
		return false
	case a.mailbox <- fn:
		return true
	}
}

func (a *actor) stop() {
	a.once.Do(func() { close(a.quit) })
	<-a.done
}

func (a *actor) stopped() bool {
	select {
	case <-a.quit:
		return true
	default:
		return false
	}
}

// ============================================================================
// Event Emitter
// ============================================================================

// Event names delivered to ChannelView listeners.
const (
	EventLoaded            = "replica.loaded"
	EventMessageInserted   = "message.inserted"
	EventMessageUpdated    = "message.updated"
	EventMessageDeleted    = "message.deleted"
	EventMessageConfirmed  = "message.confirmed"
	EventMessageFailed     = "message.failed"
	EventPermissionChanged = "permission.changed"
	EventMembershipChanged = "membership.changed"
	EventResync            = "replica.resync"
)

// EventHandler handles a view event. payload is a Message, a message id,
// a GateState or a Membership depending on the event.
type EventHandler func(event string, payload any)

type pendingEvent struct {
	event   string
	payload any
}

// emitter delivers events in order on its own goroutine so handlers can call
// back into the view without re-entering the actor. The queue is unbounded so
// emitting never blocks the actor.
type emitter struct {
	mu        sync.RWMutex
	listeners map[string][]EventHandler

	qmu     sync.Mutex
	pending []pendingEvent
	wake    chan struct{}

	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	e := &emitter{
		listeners: make(map[string][]EventHandler),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		logger:    logger,
	}
	go e.loop()
	return e
}

// On registers handler for event. "*" receives every event.
func (e *emitter) On(event string, handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *emitter) emit(event string, payload any) {
	e.qmu.Lock()
	e.pending = append(e.pending, pendingEvent{event, payload})
	e.qmu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *emitter) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.quit:
			return
		case <-e.wake:
		}
		for {
			e.qmu.Lock()
			if len(e.pending) == 0 {
				e.qmu.Unlock()
				break
			}
			ev := e.pending[0]
			e.pending = e.pending[1:]
			e.qmu.Unlock()
			e.deliver(ev)
		}
	}
}

func (e *emitter) deliver(ev pendingEvent) {
	e.mu.RLock()
	handlers := append([]EventHandler{}, e.listeners[ev.event]...)
	handlers = append(handlers, e.listeners["*"]...)
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panicked", "event", ev.event, "panic", r)
				}
			}()
			h(ev.event, ev.payload)
		}()
	}
}

func (e *emitter) close() {
	e.once.Do(func() { close(e.quit) })
	e.mu.Lock()
	e.listeners = make(map[string][]EventHandler)
	e.mu.Unlock()
}
