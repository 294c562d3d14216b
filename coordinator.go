package chatsync

import (
	"context"
	"strings"
	"time"
)

// IDGenerator produces client-side message ids. Ids must sort lexically in
// creation order.
type IDGenerator interface {
	Next() string
}

// Coordinator applies local writes optimistically and then confirms or
// fails them against the remote store.
type Coordinator struct {
	core      *channelCore
	store     MessageStore
	session   Session
	ids       IDGenerator
	now       func() time.Time
	validator *Validator
}

// Send validates content, inserts the message locally and writes it
// remotely under the same id. A denied gate returns ErrSendForbidden and
// leaves the replica untouched. A failed write leaves the message visible
// with DeliveryFailed.
func (c *Coordinator) Send(ctx context.Context, content string) (Message, error) {
	ch := c.core.channelID
	if err := c.validator.Content(content); err != nil {
		return Message{}, invalidMessage(ch, err)
	}

	var (
		msg       Message
		forbidden bool
	)
	ok := c.core.act.do(func() {
		if !c.core.gate.CanSend() {
			forbidden = true
			return
		}
		msg = Message{
			ID:         c.ids.Next(),
			ChannelID:  ch,
			Author:     c.session.Author(),
			AuthorName: c.session.displayName(),
			Content:    strings.TrimSpace(content),
			InsertedAt: c.now().UTC(),
			Reactions:  Reactions{},
		}
		if c.core.replica.OptimisticInsert(msg) {
			c.core.metrics.optimisticInsert()
		}
		msg, _ = c.core.replica.Get(msg.ID)
		c.core.events.emit(EventMessageInserted, msg)
	})
	if !ok {
		return Message{}, channelClosed("send", ch)
	}
	if forbidden {
		c.core.logger.Debug("send rejected by permission gate")
		return Message{}, sendForbidden(ch)
	}
	return c.write(ctx, msg)
}

// Retry re-sends a failed message under its original id. Messages that are
// not failed are returned unchanged.
func (c *Coordinator) Retry(ctx context.Context, id string) (Message, error) {
	ch := c.core.channelID
	var (
		msg       Message
		found     bool
		retry     bool
		forbidden bool
	)
	ok := c.core.act.do(func() {
		msg, found = c.core.replica.Get(id)
		if !found || msg.Delivery != DeliveryFailed {
			return
		}
		if !c.core.gate.CanSend() {
			forbidden = true
			return
		}
		retry = true
		c.core.replica.MarkDelivery(id, DeliveryPending)
		msg, _ = c.core.replica.Get(id)
		c.core.events.emit(EventMessageUpdated, msg)
	})
	switch {
	case !ok:
		return Message{}, channelClosed("retry", ch)
	case !found:
		return Message{}, notFound("retry", ch, id)
	case forbidden:
		return msg, sendForbidden(ch)
	case !retry:
		return msg, nil
	}
	return c.write(ctx, msg)
}

// Discard drops a local message that never reached the remote store.
func (c *Coordinator) Discard(id string) error {
	ch := c.core.channelID
	var removed bool
	ok := c.core.act.do(func() {
		m, found := c.core.replica.Get(id)
		if !found || !m.Local || m.Delivery == DeliveryConfirmed {
			return
		}
		removed = c.core.replica.ApplyDelete(id)
		c.core.events.emit(EventMessageDeleted, id)
	})
	if !ok {
		return channelClosed("discard", ch)
	}
	if !removed {
		return notFound("discard", ch, id)
	}
	return nil
}

// Delete removes the message locally, then remotely. A failed remote delete
// is reported but the message is not restored.
func (c *Coordinator) Delete(ctx context.Context, id string) error {
	ch := c.core.channelID
	var found bool
	ok := c.core.act.do(func() {
		if found = c.core.replica.ApplyDelete(id); found {
			c.core.events.emit(EventMessageDeleted, id)
		}
	})
	if !ok {
		return channelClosed("delete", ch)
	}
	if !found {
		return notFound("delete", ch, id)
	}

	if err := c.store.DeleteMessage(ctx, ch, id); err != nil {
		c.core.metrics.writeFailure("delete")
		c.core.logger.Warn("remote delete failed", "message_id", id, "error", err)
		return deleteFailed(ch, id, err)
	}
	return nil
}

func (c *Coordinator) write(ctx context.Context, msg Message) (Message, error) {
	ch := c.core.channelID
	err := c.store.WriteMessage(ctx, msg)

	state, event := DeliveryConfirmed, EventMessageConfirmed
	if err != nil {
		state, event = DeliveryFailed, EventMessageFailed
	}
	// A no-op once the channel is closed.
	c.core.act.do(func() {
		current, found := c.core.replica.Get(msg.ID)
		// An echo may already have confirmed the message.
		if !found || current.Delivery != DeliveryPending {
			return
		}
		c.core.replica.MarkDelivery(msg.ID, state)
		current, _ = c.core.replica.Get(msg.ID)
		c.core.events.emit(event, current)
	})

	msg.Delivery = state
	if err != nil {
		c.core.metrics.writeFailure("send")
		c.core.logger.Warn("remote write failed", "message_id", msg.ID, "error", err)
		return msg, sendFailed(ch, msg.ID, err)
	}
	return msg, nil
}
