package chatsync

import "context"

// MessageStore is the remote message table.
type MessageStore interface {
	// FetchRecentMessages returns the newest limit messages, oldest first.
	FetchRecentMessages(ctx context.Context, channelID string, limit int) ([]Message, error)
	// WriteMessage stores m under its client-supplied id. Writing an id twice
	// must be idempotent.
	WriteMessage(ctx context.Context, m Message) error
	DeleteMessage(ctx context.Context, channelID, id string) error
	// UpdateReactions replaces the whole reactions field of a message.
	UpdateReactions(ctx context.Context, channelID, id string, reactions Reactions) error
}

// ChannelStore reads channel configuration and membership.
type ChannelStore interface {
	FetchChannel(ctx context.Context, channelID string) (Channel, error)
	FetchMembership(ctx context.Context, channelID, userID string) (Membership, error)
}

// ReadMarkerStore persists read markers.
type ReadMarkerStore interface {
	WriteReadMarker(ctx context.Context, marker ReadMarker) error
}

// RemoteStore is everything the engine needs from the remote store.
type RemoteStore interface {
	MessageStore
	ChannelStore
	ReadMarkerStore
}

// MessageHandlers receives push events for a channel's messages. Any field
// may be nil.
type MessageHandlers struct {
	OnInsert func(Message)
	OnUpdate func(Message)
	OnDelete func(id string)
	// OnResync is called after the transport reconnected and may have
	// missed events.
	OnResync func()
}

// ChannelHandlers receives push events about a channel itself.
type ChannelHandlers struct {
	OnConfig     func(Channel)
	OnMembership func(Membership)
}

// Subscription is an active push subscription.
type Subscription interface {
	Close() error
}

// Subscriber is a push transport.
type Subscriber interface {
	Subscribe(ctx context.Context, channelID string, h MessageHandlers) (Subscription, error)
	SubscribeChannel(ctx context.Context, channelID string, h ChannelHandlers) (Subscription, error)
}

type subscriptionFunc func() error

func (f subscriptionFunc) Close() error { return f() }
