package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"

	"github.com/LuminPulse-AI/chatsync"
)

type subscription struct {
	ps   *goredis.PubSub
	once sync.Once
	done chan struct{}
	err  error
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.err = s.ps.Close()
		<-s.done
	})
	return s.err
}

// Subscribe implements chatsync.Subscriber for message events.
func (s *Store) Subscribe(ctx context.Context, channelID string, h chatsync.MessageHandlers) (chatsync.Subscription, error) {
	return s.subscribe(ctx, channelID, func(env chatsync.PushEnvelope) bool {
		if !chatsync.IsMessageEvent(env.Type) {
			return true
		}
		return chatsync.DispatchPush(env, h, chatsync.ChannelHandlers{})
	})
}

// SubscribeChannel implements chatsync.Subscriber for config and membership
// events.
func (s *Store) SubscribeChannel(ctx context.Context, channelID string, h chatsync.ChannelHandlers) (chatsync.Subscription, error) {
	return s.subscribe(ctx, channelID, func(env chatsync.PushEnvelope) bool {
		if chatsync.IsMessageEvent(env.Type) {
			return true
		}
		return chatsync.DispatchPush(env, chatsync.MessageHandlers{}, h)
	})
}

func (s *Store) subscribe(ctx context.Context, channelID string, handle func(chatsync.PushEnvelope) bool) (chatsync.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, Topic(channelID))
	// Wait for the subscription to be confirmed.
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Topic(channelID), err)
	}

	sub := &subscription{ps: ps, done: make(chan struct{})}
	ch := ps.Channel()
	go func() {
		defer close(sub.done)
		for msg := range ch {
			var env chatsync.PushEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				s.logger.Warn("dropping malformed push event", "topic", msg.Channel, "error", err)
				continue
			}
			if env.ChannelID != "" && env.ChannelID != channelID {
				continue
			}
			if !handle(env) {
				s.logger.Debug("unhandled push event", "type", env.Type)
			}
		}
	}()
	return sub, nil
}
