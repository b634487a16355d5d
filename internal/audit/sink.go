package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cafehub/cafeguard/internal/model"
)

// StreamAdder is the subset of a Redis client used by RedisSink.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisSink mirrors audit entries into a capped Redis stream so they survive
// restarts and can be consumed by other services.
type RedisSink struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisSink creates a sink appending to stream. A positive maxLen trims
// the stream approximately to that length.
func NewRedisSink(client StreamAdder, stream string, maxLen int64) *RedisSink {
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Write appends entry to the stream.
func (s *RedisSink) Write(ctx context.Context, entry model.AuditLogEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":        entry.ID,
			"timestamp": entry.Timestamp.UTC().Format(time.RFC3339Nano),
			"category":  string(entry.Category),
			"action":    entry.Action,
			"severity":  string(entry.Severity),
			"success":   strconv.FormatBool(entry.Success),
			"entry":     string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append audit entry to %s: %w", s.stream, err)
	}
	return nil
}
