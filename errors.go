package chatsync

import "errors"

var (
	ErrFetch                = errors.New("fetch failed")
	ErrSendFailed           = errors.New("send failed")
	ErrDeleteFailed         = errors.New("delete failed")
	ErrReactionUpdateFailed = errors.New("reaction update failed")
	ErrSendForbidden        = errors.New("send forbidden")
	ErrNotFound             = errors.New("not found")
	ErrSubscribe            = errors.New("subscribe failed")
	ErrInvalidMessage       = errors.New("invalid message")
	ErrChannelClosed        = errors.New("channel closed")
)

// SyncError wraps one of the sentinel errors above with context about the
// operation that produced it. Both the sentinel and the underlying transport
// error are reachable with errors.Is / errors.As.
type SyncError struct {
	Err       error
	Code      string
	Op        string
	ChannelID string
	MessageID string
	Cause     error
}

func (e *SyncError) Error() string {
	msg := e.Op + ": " + e.Err.Error()
	if e.MessageID != "" {
		msg += " (message " + e.MessageID + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Err}
	}
	return []error{e.Err, e.Cause}
}

func newSyncError(sentinel error, code, op, channelID, messageID string, cause error) *SyncError {
	return &SyncError{
		Err:       sentinel,
		Code:      code,
		Op:        op,
		ChannelID: channelID,
		MessageID: messageID,
		Cause:     cause,
	}
}

func fetchError(channelID string, cause error) *SyncError {
	return newSyncError(ErrFetch, "FETCH_FAILED", "load", channelID, "", cause)
}

func sendFailed(channelID, messageID string, cause error) *SyncError {
	return newSyncError(ErrSendFailed, "SEND_FAILED", "send", channelID, messageID, cause)
}

func deleteFailed(channelID, messageID string, cause error) *SyncError {
	return newSyncError(ErrDeleteFailed, "DELETE_FAILED", "delete", channelID, messageID, cause)
}

func reactionUpdateFailed(channelID, messageID string, cause error) *SyncError {
	return newSyncError(ErrReactionUpdateFailed, "REACTION_UPDATE_FAILED", "react", channelID, messageID, cause)
}

func sendForbidden(channelID string) *SyncError {
	return newSyncError(ErrSendForbidden, "SEND_FORBIDDEN", "send", channelID, "", nil)
}

func notFound(op, channelID, messageID string) *SyncError {
	return newSyncError(ErrNotFound, "MESSAGE_NOT_FOUND", op, channelID, messageID, nil)
}

func subscribeError(channelID string, cause error) *SyncError {
	return newSyncError(ErrSubscribe, "SUBSCRIBE_FAILED", "subscribe", channelID, "", cause)
}

func invalidMessage(channelID string, cause error) *SyncError {
	return newSyncError(ErrInvalidMessage, "INVALID_MESSAGE", "send", channelID, "", cause)
}

func channelClosed(op, channelID string) *SyncError {
	return newSyncError(ErrChannelClosed, "CHANNEL_CLOSED", op, channelID, "", nil)
}

// IsFatal reports whether err requires the caller to reopen the channel view.
// Only subscription setup failures are fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSubscribe)
}

// ErrorCode returns the SyncError code carried by err, or "".
func ErrorCode(err error) string {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
