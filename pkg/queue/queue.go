package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Item is a payload parked until DueAt.
type Item struct {
	ID      string    `json:"id"`
	Payload []byte    `json:"payload"`
	DueAt   time.Time `json:"due_at"`
}

// DelayQueue parks payloads until a due time and keeps a bounded dead-letter list.
// Scheduling an existing ID replaces its payload and due time.
type DelayQueue interface {
	Schedule(ctx context.Context, id string, payload []byte, at time.Time) error
	// PopDue removes and returns up to limit items due at or before now, earliest first.
	PopDue(ctx context.Context, now time.Time, limit int) ([]Item, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
	DeadLetter(ctx context.Context, id string, payload []byte) error
	DeadLetters(ctx context.Context, limit int) ([]Item, error)
	Close() error
}

// Config bounds the dead-letter list.
type Config struct {
	MaxDeadLetters int
}

func (c Config) maxDead() int {
	if c.MaxDeadLetters <= 0 {
		return 1000
	}
	return c.MaxDeadLetters
}

// ScheduleJSON marshals v and schedules it.
func ScheduleJSON(ctx context.Context, q DelayQueue, id string, v interface{}, at time.Time) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", id, err)
	}
	return q.Schedule(ctx, id, b, at)
}

// ParsePayload decodes an item payload into T.
func ParsePayload[T any](it Item) (*T, error) {
	var out T
	if err := json.Unmarshal(it.Payload, &out); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", it.ID, err)
	}
	return &out, nil
}
