package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is an error reported by the chat API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the response envelope of the chat API.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into v.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Push payloads
// ============================================================================

// Push event types shared by the websocket, webhook and redis transports.
const (
	PushMessageInsert = "message.insert"
	PushMessageUpdate = "message.update"
	PushMessageDelete = "message.delete"
	PushChannelConfig = "channel.config"
	PushMemberUpdate  = "member.update"
)

// PushEnvelope is the wire format of every push event.
type PushEnvelope struct {
	Type      string          `json:"type"`
	ChannelID string          `json:"channel_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// DeletePayload identifies a deleted message.
type DeletePayload struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
}

// reactionsRequest is the body of a reactions update.
type reactionsRequest struct {
	Reactions Reactions `json:"reactions"`
}

type readMarkerRequest struct {
	UserID     string    `json:"user_id"`
	LastReadAt time.Time `json:"last_read_at"`
}

// DispatchPush decodes env and calls the matching handler. It reports
// whether the envelope was recognised. Transports use it to feed views.
func DispatchPush(env PushEnvelope, mh MessageHandlers, ch ChannelHandlers) bool {
	switch env.Type {
	case PushMessageInsert, PushMessageUpdate:
		var m Message
		if json.Unmarshal(env.Payload, &m) != nil {
			return false
		}
		if env.Type == PushMessageInsert {
			if mh.OnInsert != nil {
				mh.OnInsert(m)
			}
		} else if mh.OnUpdate != nil {
			mh.OnUpdate(m)
		}
	case PushMessageDelete:
		var p DeletePayload
		if json.Unmarshal(env.Payload, &p) != nil || p.ID == "" {
			return false
		}
		if mh.OnDelete != nil {
			mh.OnDelete(p.ID)
		}
	case PushChannelConfig:
		var c Channel
		if json.Unmarshal(env.Payload, &c) != nil {
			return false
		}
		if ch.OnConfig != nil {
			ch.OnConfig(c)
		}
	case PushMemberUpdate:
		var m Membership
		if json.Unmarshal(env.Payload, &m) != nil {
			return false
		}
		if ch.OnMembership != nil {
			ch.OnMembership(m)
		}
	default:
		return false
	}
	return true
}

// IsMessageEvent reports whether t is delivered to MessageHandlers rather
// than ChannelHandlers.
func IsMessageEvent(t string) bool {
	return t == PushMessageInsert || t == PushMessageUpdate || t == PushMessageDelete
}
