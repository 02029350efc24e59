package stream

import (
	"context"
	"errors"

	"fleet-core/internal/observability/metrics"

	"github.com/redis/go-redis/v9"
)

// Producer appends entries to one stream, trimming it to an approximate
// maximum length.
type Producer struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewProducer constructs a producer. A non-positive maxLen disables
// trimming.
func NewProducer(client *redis.Client, stream string, maxLen int64) (*Producer, error) {
	if client == nil {
		return nil, errors.New("stream: nil client")
	}
	if stream == "" {
		return nil, errors.New("stream: stream name required")
	}
	return &Producer{client: client, stream: stream, maxLen: maxLen}, nil
}

// Stream returns the stream this producer appends to.
func (p *Producer) Stream() string {
	return p.stream
}

// Add appends one payload and returns the assigned entry id. Trimming
// uses the approximate form so Redis can trim in whole macro-nodes.
func (p *Producer) Add(ctx context.Context, payload any) (string, error) {
	values, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: p.maxLen > 0,
		Values: values,
	}).Result()
	if err != nil {
		return "", err
	}
	metrics.AddStreamPublished(p.stream, 1)
	return id, nil
}

// AddBatch appends several payloads in one pipeline round trip.
func (p *Producer) AddBatch(ctx context.Context, payloads []any) ([]string, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	pipe := p.client.Pipeline()
	cmds := make([]*redis.StringCmd, 0, len(payloads))
	for _, payload := range payloads {
		values, err := encodePayload(payload)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: p.stream,
			MaxLen: p.maxLen,
			Approx: p.maxLen > 0,
			Values: values,
		}))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		ids = append(ids, cmd.Val())
	}
	metrics.AddStreamPublished(p.stream, len(ids))
	return ids, nil
}
