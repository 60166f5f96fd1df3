// README: Notification queue backed by Redis.
package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey = "notify:events"
	// queueCap bounds the queue if the dispatcher falls behind; oldest
	// events are dropped first.
	queueCap = 100000
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// Publish enqueues one event for the dispatcher. Events are advisory; the
// booking core never fails an operation over a publish error.
func (s *Store) Publish(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	pipe := s.redis.Pipeline()
	pipe.LPush(ctx, queueKey, payload)
	pipe.LTrim(ctx, queueKey, 0, queueCap-1)
	_, err = pipe.Exec(ctx)
	return err
}

// Pop removes and returns the oldest queued event; ok is false when the
// queue is empty. Used by the dispatcher side and by tests.
func (s *Store) Pop(ctx context.Context) (Event, bool, error) {
	val, err := s.redis.RPop(ctx, queueKey).Result()
	if err == redis.Nil {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	var e Event
	if err := json.Unmarshal([]byte(val), &e); err != nil {
		return Event{}, false, err
	}
	return e, true, nil
}
