package chatsync

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ============================================================================
// Author
// ============================================================================

// Author identifies who sent a message. It is either Authenticated or Anonymous.
type Author interface {
	isAuthor()
	// UserRef returns the authenticated user id, or "" for anonymous senders.
	UserRef() string
}

// Authenticated is a sender backed by a user identity.
type Authenticated struct {
	UserID string
}

// Anonymous is a sender without a user reference, shown by alias.
type Anonymous struct {
	Alias string
}

func (Authenticated) isAuthor()         {}
func (a Authenticated) UserRef() string { return a.UserID }
func (Anonymous) isAuthor()             {}
func (Anonymous) UserRef() string       { return "" }

// ============================================================================
// Message
// ============================================================================

// DeliveryState tracks whether a message is known to the remote store.
type DeliveryState string

const (
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryPending   DeliveryState = "pending"
	DeliveryFailed    DeliveryState = "failed"
)

// Message is one chat message in a channel replica.
type Message struct {
	ID         string
	ChannelID  string
	Author     Author
	AuthorName string
	Content    string
	InsertedAt time.Time
	Reactions  Reactions

	// Delivery and Local are replica-side state and never sent over the wire.
	Delivery DeliveryState
	Local    bool
}

// SenderName resolves the name shown next to a message.
func (m Message) SenderName() string {
	switch a := m.Author.(type) {
	case Anonymous:
		if a.Alias != "" {
			return a.Alias
		}
		return "Anonymous"
	default:
		if m.AuthorName != "" {
			return m.AuthorName
		}
		return "Unknown"
	}
}

// IsOwn reports whether the message was written by userID. Anonymous
// messages carry no user reference, so only locally originated ones count.
func (m Message) IsOwn(userID string) bool {
	if m.Local {
		return true
	}
	return m.Author != nil && userID != "" && m.Author.UserRef() == userID
}

// Failed reports whether the message carries a failed-delivery marker.
func (m Message) Failed() bool { return m.Delivery == DeliveryFailed }

func (m Message) clone() Message {
	m.Reactions = m.Reactions.Clone()
	return m
}

// before is the replica sort order: insertedAt ascending, id as tie-breaker.
func (m Message) before(o Message) bool {
	if !m.InsertedAt.Equal(o.InsertedAt) {
		return m.InsertedAt.Before(o.InsertedAt)
	}
	return m.ID < o.ID
}

type wireMessage struct {
	ID             string    `json:"id"`
	ChannelID      string    `json:"channel_id"`
	UserID         *string   `json:"user_id"`
	IsAnonymous    bool      `json:"is_anonymous"`
	AnonymousAlias string    `json:"anonymous_alias,omitempty"`
	Username       string    `json:"username,omitempty"`
	Content        string    `json:"content"`
	InsertedAt     time.Time `json:"inserted_at"`
	Reactions      Reactions `json:"reactions"`
}

// MarshalJSON encodes the message using the remote store's column names.
func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		ID:         m.ID,
		ChannelID:  m.ChannelID,
		Username:   m.AuthorName,
		Content:    m.Content,
		InsertedAt: m.InsertedAt.UTC(),
		Reactions:  m.Reactions.Normalize(),
	}
	switch a := m.Author.(type) {
	case Authenticated:
		uid := a.UserID
		w.UserID = &uid
	case Anonymous:
		w.IsAnonymous = true
		w.AnonymousAlias = a.Alias
	case nil:
	default:
		return nil, fmt.Errorf("unknown author type %T", m.Author)
	}
	if w.Reactions == nil {
		w.Reactions = Reactions{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a remote row. A null user_id or is_anonymous=true
// produces an Anonymous author.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = Message{
		ID:         w.ID,
		ChannelID:  w.ChannelID,
		AuthorName: w.Username,
		Content:    w.Content,
		InsertedAt: w.InsertedAt,
		Reactions:  w.Reactions.Normalize(),
		Delivery:   DeliveryConfirmed,
	}
	if w.IsAnonymous || w.UserID == nil {
		m.Author = Anonymous{Alias: w.AnonymousAlias}
	} else {
		m.Author = Authenticated{UserID: *w.UserID}
	}
	return nil
}

// ============================================================================
// Reactions
// ============================================================================

// Reactions maps an emoji label to the ids of users who attached it.
// A key never maps to an empty set.
type Reactions map[string][]string

// ReactionSummary is one rendered reaction pill.
type ReactionSummary struct {
	Emoji      string
	Count      int
	HasReacted bool
}

// Normalize returns a copy with sorted, de-duplicated sets and no empty keys.
func (r Reactions) Normalize() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		set := make([]string, 0, len(users))
		seen := make(map[string]bool, len(users))
		for _, u := range users {
			if u == "" || seen[u] {
				continue
			}
			seen[u] = true
			set = append(set, u)
		}
		if len(set) == 0 {
			continue
		}
		sort.Strings(set)
		out[emoji] = set
	}
	return out
}

// Clone returns a deep copy.
func (r Reactions) Clone() Reactions {
	if r == nil {
		return nil
	}
	out := make(Reactions, len(r))
	for emoji, users := range r {
		out[emoji] = append([]string(nil), users...)
	}
	return out
}

// Has reports whether userID reacted with emoji.
func (r Reactions) Has(userID, emoji string) bool {
	for _, u := range r[emoji] {
		if u == userID {
			return true
		}
	}
	return false
}

// Count returns the number of users that reacted with emoji.
func (r Reactions) Count(emoji string) int { return len(r[emoji]) }

// Toggle returns a new map with userID's membership in emoji flipped.
// The receiver is not modified.
func (r Reactions) Toggle(userID, emoji string) Reactions {
	next := r.Clone()
	if next == nil {
		next = Reactions{}
	}
	if next.Has(userID, emoji) {
		kept := next[emoji][:0]
		for _, u := range next[emoji] {
			if u != userID {
				kept = append(kept, u)
			}
		}
		if len(kept) == 0 {
			delete(next, emoji)
		} else {
			next[emoji] = kept
		}
		return next
	}
	next[emoji] = append(next[emoji], userID)
	sort.Strings(next[emoji])
	return next
}

// Summary lists reactions with at least one user, ordered by emoji.
func (r Reactions) Summary(userID string) []ReactionSummary {
	out := make([]ReactionSummary, 0, len(r))
	for emoji, users := range r {
		if len(users) == 0 {
			continue
		}
		out = append(out, ReactionSummary{
			Emoji:      emoji,
			Count:      len(users),
			HasReacted: userID != "" && r.Has(userID, emoji),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Emoji < out[j].Emoji })
	return out
}

// ============================================================================
// Channel, Membership, ReadMarker
// ============================================================================

// ChannelType is the kind of conversation.
type ChannelType string

const (
	ChannelBroadcast ChannelType = "broadcast"
	ChannelDirect    ChannelType = "direct"
	ChannelGroup     ChannelType = "group"
)

// Channel capability keys.
const (
	CapSendMessages = "send_messages"
	CapAddMembers   = "add_members"
)

// ChannelConfig holds named boolean capabilities. A nil config means the
// channel has no configuration at all.
type ChannelConfig map[string]bool

// Allows reports whether cap is enabled. Missing keys are permissive.
func (c ChannelConfig) Allows(cap string) bool {
	v, ok := c[cap]
	return !ok || v
}

// Channel is the observed state of a channel.
type Channel struct {
	ID          string        `json:"id"`
	Type        ChannelType   `json:"type"`
	Name        string        `json:"name,omitempty"`
	Description string        `json:"description,omitempty"`
	Config      ChannelConfig `json:"config"`
}

// Role is a member's role in a channel.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Elevated reports whether the role bypasses channel capability flags.
func (r Role) Elevated() bool { return r == RoleOwner || r == RoleAdmin }

// Membership is one user's membership in one channel.
type Membership struct {
	UserID    string     `json:"user_id"`
	ChannelID string     `json:"channel_id"`
	Role      Role       `json:"role"`
	Muted     bool       `json:"muted"`
	MutedAt   *time.Time `json:"muted_at,omitempty"`
}

// ReadMarker records how far a user has read in a channel.
type ReadMarker struct {
	UserID     string    `json:"user_id"`
	ChannelID  string    `json:"channel_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

// ============================================================================
// Session
// ============================================================================

// Session is the current user, passed explicitly to the engine.
type Session struct {
	UserID    string `validate:"required"`
	Username  string
	Alias     string
	Anonymous bool
}

// Author returns the author value attached to messages sent in this session.
func (s Session) Author() Author {
	if s.Anonymous {
		return Anonymous{Alias: s.Alias}
	}
	return Authenticated{UserID: s.UserID}
}

func (s Session) displayName() string {
	if s.Anonymous {
		return s.Alias
	}
	return s.Username
}
