package fabric

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-am/fxhedge/internal/domain"
)

// Handler processes one message. Returning a non-retryable error (or
// exhausting the retry budget) sends the message to the DLQ; the message is
// acknowledged either way so a poison payload cannot loop.
type Handler func(ctx context.Context, msg *Message) error

// RetryPolicy bounds in-consumer retries before a message goes to the DLQ.
type RetryPolicy struct {
	MaxAttempts int
	Wait        time.Duration
	Exponential bool
}

// Consumer reads one topic within a consumer group. Each partition stream is
// drained by a single goroutine, which preserves per-key ordering.
type Consumer struct {
	fabric  *Fabric
	group   string
	name    string
	topic   string
	handler Handler
	retry   RetryPolicy
	log     zerolog.Logger
}

// NewConsumer builds a consumer. The group is created on first start; name
// identifies this instance within the group (shard index works well).
func (f *Fabric) NewConsumer(group, name, topic string, retry RetryPolicy, handler Handler) *Consumer {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Consumer{
		fabric:  f,
		group:   group,
		name:    name,
		topic:   topic,
		handler: handler,
		retry:   retry,
		log: f.log.With().
			Str("topic", topic).
			Str("group", group).
			Logger(),
	}
}

// Start runs the consumer until the context is cancelled. It blocks; run it
// in an errgroup. One goroutine per partition.
func (c *Consumer) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for p := 0; p < c.fabric.cfg.Partitions; p++ {
		partition := p
		g.Go(func() error {
			return c.consumePartition(ctx, partition)
		})
	}
	return g.Wait()
}

func (c *Consumer) consumePartition(ctx context.Context, partition int) error {
	stream := streamName(c.topic, partition)

	// Create the group at the stream head; MKSTREAM tolerates an absent
	// stream, BUSYGROUP an existing group.
	err := c.fabric.client.XGroupCreateMkStream(ctx, stream, c.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		res, err := c.fabric.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.name,
			Streams:  []string{stream, ">"},
			Count:    int64(c.fabric.cfg.BatchSize),
			Block:    c.fabric.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn().Err(err).Int("partition", partition).Msg("Fabric read failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, streamRes := range res {
			for _, entry := range streamRes.Messages {
				c.handleEntry(ctx, stream, entry)
			}
		}
	}
}

// handleEntry processes one entry with bounded retry, then acknowledges.
// Acknowledgement also happens on unrecoverable errors (after the DLQ copy)
// to prevent a poison loop.
func (c *Consumer) handleEntry(ctx context.Context, stream string, entry redis.XMessage) {
	msg, parseErr := parseEntry(c.topic, entry)
	if parseErr != nil {
		c.log.Error().Err(parseErr).Str("entry", entry.ID).Msg("Unparseable fabric entry")
		bad := &Message{ID: entry.ID, Topic: c.topic}
		if err := c.fabric.PublishToDLQ(ctx, bad, parseErr); err != nil {
			// Ack only after the DLQ copy is durable; otherwise leave the
			// entry pending so a restart redelivers it.
			c.log.Error().Err(err).Str("entry", entry.ID).Msg("DLQ publish failed, leaving entry pending")
			return
		}
		c.ack(ctx, stream, entry.ID)
		return
	}

	var procErr error
	wait := c.retry.Wait
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		procErr = c.handler(ctx, msg)
		if procErr == nil {
			break
		}
		if !domain.IsRetryable(procErr) || attempt == c.retry.MaxAttempts {
			break
		}
		if c.fabric.m != nil {
			c.fabric.m.ConsumeRetry.WithLabelValues(c.topic).Inc()
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
		if c.retry.Exponential {
			wait *= 2
		}
	}

	if procErr != nil {
		if err := c.fabric.PublishToDLQ(ctx, msg, procErr); err != nil {
			// DLQ unavailable: leave the entry pending so a later restart
			// redelivers it rather than losing it.
			c.log.Error().Err(err).Str("entry", entry.ID).Msg("DLQ publish failed, leaving entry pending")
			return
		}
	}

	c.ack(ctx, stream, entry.ID)
	if c.fabric.m != nil {
		c.fabric.m.Consumed.WithLabelValues(c.topic).Inc()
	}
}

func (c *Consumer) ack(ctx context.Context, stream, id string) {
	if err := c.fabric.client.XAck(ctx, stream, c.group, id).Err(); err != nil {
		c.log.Warn().Err(err).Str("entry", id).Msg("Ack failed, entry may redeliver")
	}
}

func parseEntry(topic string, entry redis.XMessage) (*Message, error) {
	key, _ := entry.Values["key"].(string)
	eventID, _ := entry.Values["event_id"].(string)

	var payload []byte
	switch v := entry.Values["payload"].(type) {
	case string:
		payload = []byte(v)
	case []byte:
		payload = v
	default:
		return nil, domain.Errorf(domain.CodePayloadUnparseable, "entry %s on %s has no payload", entry.ID, topic)
	}

	return &Message{
		ID:      entry.ID,
		Topic:   topic,
		Key:     key,
		EventID: eventID,
		Payload: payload,
	}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
