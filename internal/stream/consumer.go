package stream

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"fleet-core/internal/observability/metrics"

	"github.com/redis/go-redis/v9"
)

// Handler processes one message. A non-nil error leaves the message
// pending for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Consumer reads one stream inside a consumer group. Each consumer has a
// name so the group tracks its pending entries across restarts.
type Consumer struct {
	client *redis.Client
	stream string
	group  string
	name   string
	logger *log.Logger

	batchSize int
	block     time.Duration
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

// WithBatchSize sets how many entries one read may return.
func WithBatchSize(size int) ConsumerOption {
	return func(c *Consumer) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

// WithBlock sets how long a read for new entries blocks.
func WithBlock(block time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if block > 0 {
			c.block = block
		}
	}
}

// NewConsumer constructs a group consumer.
func NewConsumer(client *redis.Client, stream, group, name string, logger *log.Logger, opts ...ConsumerOption) (*Consumer, error) {
	if client == nil {
		return nil, errors.New("stream: nil client")
	}
	if stream == "" || group == "" || name == "" {
		return nil, errors.New("stream: stream, group and consumer name required")
	}
	if logger == nil {
		return nil, errors.New("stream: nil logger")
	}
	c := &Consumer{
		client:    client,
		stream:    stream,
		group:     group,
		name:      name,
		logger:    logger,
		batchSize: 10,
		block:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// EnsureGroup creates the consumer group at the stream start, creating
// the stream when absent. An already existing group is fine.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// ReadNew blocks for entries not yet delivered to any group member.
func (c *Consumer) ReadNew(ctx context.Context) ([]Message, error) {
	return c.read(ctx, ">", c.block)
}

// ReadPending returns entries delivered to this consumer but never
// acknowledged, oldest first.
func (c *Consumer) ReadPending(ctx context.Context) ([]Message, error) {
	return c.read(ctx, "0", 0)
}

// Ack confirms one message so the group forgets it.
func (c *Consumer) Ack(ctx context.Context, id string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		return err
	}
	metrics.IncStreamAcked(c.stream, c.group)
	return nil
}

// Run consumes until the context is cancelled. Pending entries from a
// previous run are replayed before any new entry; a message in hand when
// cancellation arrives is finished before the loop returns.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}

	for ctx.Err() == nil {
		pending, err := c.ReadPending(ctx)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			break
		}
		c.dispatch(ctx, handler, pending)
	}

	for ctx.Err() == nil {
		messages, err := c.ReadNew(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				break
			}
			c.logger.Printf("stream %s/%s: read: %v", c.stream, c.group, err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		c.dispatch(ctx, handler, messages)
	}
	return ctx.Err()
}

// dispatch runs the handler over a batch, acknowledging only handled
// messages. Failed messages stay pending and come back on restart.
func (c *Consumer) dispatch(ctx context.Context, handler Handler, messages []Message) {
	for _, msg := range messages {
		if err := handler(context.WithoutCancel(ctx), msg); err != nil {
			metrics.IncStreamHandlerFailure(c.stream, c.group)
			c.logger.Printf("stream %s/%s: handle %s: %v", c.stream, c.group, msg.ID, err)
			continue
		}
		if err := c.Ack(context.WithoutCancel(ctx), msg.ID); err != nil {
			metrics.IncStreamAckFailure(c.stream, c.group)
			c.logger.Printf("stream %s/%s: ack %s: %v", c.stream, c.group, msg.ID, err)
			continue
		}
		metrics.ObserveConsumerLag(c.name, time.Since(msg.Timestamp))
	}
}

func (c *Consumer) read(ctx context.Context, cursor string, block time.Duration) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, cursor},
		Count:    int64(c.batchSize),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var out []Message
	for _, s := range streams {
		for _, raw := range s.Messages {
			msg, err := FromRaw(s.Stream, raw)
			if err != nil {
				// Poison entry: surface it and drop it from the group.
				c.logger.Printf("stream %s/%s: %v", c.stream, c.group, err)
				if ackErr := c.Ack(ctx, raw.ID); ackErr != nil {
					c.logger.Printf("stream %s/%s: ack poison %s: %v", c.stream, c.group, raw.ID, ackErr)
				}
				continue
			}
			out = append(out, msg)
		}
	}
	return out, nil
}
