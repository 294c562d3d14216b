package chatsync

import (
	"context"
	"strings"
)

// Reconciler toggles reactions. The whole reactions map is written back,
// so concurrent toggles on the same message resolve last-write-wins.
type Reconciler struct {
	core  *channelCore
	store MessageStore
}

// Toggle flips userID's reaction with emoji on message id. The local
// replica is updated first and is not rolled back if the remote update
// fails.
func (r *Reconciler) Toggle(ctx context.Context, id, userID, emoji string) (Reactions, error) {
	ch := r.core.channelID
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || userID == "" {
		return nil, newSyncError(ErrInvalidMessage, "INVALID_REACTION", "react", ch, id, nil)
	}

	var (
		next  Reactions
		found bool
	)
	ok := r.core.act.do(func() {
		m, exists := r.core.replica.Get(id)
		if !exists {
			return
		}
		found = true
		next = m.Reactions.Toggle(userID, emoji)
		r.core.replica.ApplyReactionSnapshot(id, next)
		m, _ = r.core.replica.Get(id)
		r.core.events.emit(EventMessageUpdated, m)
	})
	if !ok {
		return nil, channelClosed("react", ch)
	}
	if !found {
		return nil, notFound("react", ch, id)
	}

	if err := r.store.UpdateReactions(ctx, ch, id, next); err != nil {
		r.core.metrics.writeFailure("react")
		r.core.logger.Warn("reaction update failed", "message_id", id, "emoji", emoji, "error", err)
		return next, reactionUpdateFailed(ch, id, err)
	}
	return next, nil
}
