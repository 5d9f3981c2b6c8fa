package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "visit-engine:events"

// Stream appends events to a Redis stream. Consumers read it with
// XREADGROUP; the engine never reads it back.
type Stream struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewStream returns a Stream publisher. maxLen > 0 caps the stream length
// approximately (XADD MAXLEN ~).
func NewStream(client *redis.Client, stream string, maxLen int64) *Stream {
	if stream == "" {
		stream = DefaultStream
	}
	return &Stream{client: client, stream: stream, maxLen: maxLen}
}

func (s *Stream) Notify(ctx context.Context, e Event) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", e.Type, err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"type":       string(e.Type),
			"donor_id":   e.DonorID,
			"visit_id":   e.VisitID,
			"plan_month": e.PlanMonth,
			"actor":      e.Actor,
			"at":         e.At.UTC().Format(time.RFC3339),
			"data":       string(data),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", e.Type, s.stream, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *Stream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
