// Package pubsub carries "submission enqueued" wake-ups between processes
// over Redis. The HTTP server publishes on every accepted submission and
// each worker kicks its validation queue when a message arrives. Messages
// are only hints: queues still poll the store, so a dropped message delays
// validation but never loses a submission.
package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/moldtank/mt"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the Redis channel submission ids are published on.
const DefaultChannel = "moldtank:submissions"

// Dial connects to Redis and verifies the connection with a PING.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}
	return rdb, nil
}

// Publisher is the subset of the Redis client used to announce submissions.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Subscriber is the subset of the Redis client used to receive wake-ups.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// Notifier publishes accepted submission ids and listens for them.
type Notifier struct {
	pub     Publisher
	sub     Subscriber
	channel string
	logger  *slog.Logger
}

// NewNotifier returns a Notifier on channel. An empty channel uses
// DefaultChannel.
func NewNotifier(rdb *redis.Client, channel string, logger *slog.Logger) *Notifier {
	return newNotifier(rdb, rdb, channel, logger)
}

func newNotifier(pub Publisher, sub Subscriber, channel string, logger *slog.Logger) *Notifier {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Notifier{pub: pub, sub: sub, channel: channel, logger: logger}
}

// Hook returns an intake hook that publishes the submission id. Publish
// failures are logged and otherwise ignored.
func (n *Notifier) Hook() mt.EnqueueHook {
	return func(ctx context.Context, s *mt.Submission) {
		if err := n.pub.Publish(ctx, n.channel, s.ID).Err(); err != nil {
			n.logger.Warn("failed to publish submission wake-up",
				"submission_id", s.ID, "channel", n.channel, "error", err)
		}
	}
}

// Listen subscribes to the channel and calls kick for every message until
// ctx is done.
func (n *Notifier) Listen(ctx context.Context, kick func()) error {
	ps := n.sub.Subscribe(ctx, n.channel)
	defer ps.Close()

	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe to %s: %w", n.channel, err)
	}
	n.logger.Info("listening for submission wake-ups", "channel", n.channel)

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", n.channel)
			}
			n.logger.Debug("submission wake-up", "submission_id", msg.Payload)
			kick()
		}
	}
}
