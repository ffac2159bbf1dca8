// Package fabric implements the messaging layer on Redis Streams: topics
// split into key-hashed partition streams for per-key ordering, consumer
// groups with manual acknowledgement, bounded retry, and per-topic DLQs.
// Delivery is at-least-once; consumers are idempotent by contract.
package fabric

import (
	"context"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridian-am/fxhedge/internal/domain"
	"github.com/meridian-am/fxhedge/internal/events"
	"github.com/meridian-am/fxhedge/internal/metrics"
)

// Message is one fabric delivery.
type Message struct {
	ID      string // stream entry id
	Topic   string
	Key     string
	EventID string
	Payload []byte // msgpack-encoded event
}

// Decode unmarshals the payload into out.
func (m *Message) Decode(out interface{}) error {
	if err := msgpack.Unmarshal(m.Payload, out); err != nil {
		return domain.NewError(domain.CodePayloadUnparseable, "failed to decode payload on "+m.Topic, err)
	}
	return nil
}

// Config tunes the fabric.
type Config struct {
	Partitions int           // partition streams per topic
	MaxLen     int64         // approximate per-stream retention
	Block      time.Duration // consumer poll block time
	BatchSize  int           // max entries per poll
}

// Fabric is the shared producer/consumer factory.
type Fabric struct {
	client *redis.Client
	cfg    Config
	m      *metrics.Metrics
	log    zerolog.Logger
}

// New creates a fabric over an existing Redis client.
func New(client *redis.Client, cfg Config, m *metrics.Metrics, log zerolog.Logger) *Fabric {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	return &Fabric{
		client: client,
		cfg:    cfg,
		m:      m,
		log:    log.With().Str("component", "fabric").Logger(),
	}
}

// Publish encodes and appends an event to its topic, on the partition chosen
// by the event key. Events with equal keys land on the same partition stream
// and are therefore delivered in publish order.
func (f *Fabric) Publish(ctx context.Context, ev events.Event) error {
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		return domain.NewError(domain.CodePayloadUnparseable, "failed to encode event for "+ev.Topic(), err)
	}
	return f.publishRaw(ctx, ev.Topic(), ev.Key(), uuid.NewString(), payload)
}

func (f *Fabric) publishRaw(ctx context.Context, topic, key, eventID string, payload []byte) error {
	stream := streamName(topic, f.partitionFor(key))
	err := f.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: f.cfg.MaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"key":      key,
			"event_id": eventID,
			"payload":  payload,
		},
	}).Err()
	if err != nil {
		return domain.NewError(domain.CodePublishFailed, "failed to publish to "+topic, err)
	}
	if f.m != nil {
		f.m.Published.WithLabelValues(topic).Inc()
	}
	return nil
}

// PublishToDLQ copies a failed message to the topic's DLQ with error
// metadata attached.
func (f *Fabric) PublishToDLQ(ctx context.Context, msg *Message, procErr error) error {
	dlqTopic := msg.Topic + ".DLQ"
	wrapper := dlqEnvelope{
		Topic:     msg.Topic,
		Key:       msg.Key,
		EventID:   msg.EventID,
		Payload:   msg.Payload,
		Error:     procErr.Error(),
		ErrorCode: string(domain.CodeOf(procErr)),
		FailedAt:  time.Now(),
	}
	payload, err := msgpack.Marshal(wrapper)
	if err != nil {
		return err
	}
	if err := f.publishRaw(ctx, dlqTopic, msg.Key, msg.EventID, payload); err != nil {
		return err
	}
	if f.m != nil {
		f.m.DLQAppends.WithLabelValues(msg.Topic).Inc()
	}
	f.log.Warn().
		Str("topic", msg.Topic).
		Str("key", msg.Key).
		Str("error", procErr.Error()).
		Msg("Message copied to DLQ")
	return nil
}

// dlqEnvelope wraps the original payload with error metadata.
type dlqEnvelope struct {
	Topic     string    `msgpack:"topic"`
	Key       string    `msgpack:"key"`
	EventID   string    `msgpack:"event_id"`
	Payload   []byte    `msgpack:"payload"`
	Error     string    `msgpack:"error"`
	ErrorCode string    `msgpack:"error_code"`
	FailedAt  time.Time `msgpack:"failed_at"`
}

// partitionFor hashes a key onto a partition. Blank keys all land on
// partition 0 so their relative order is still defined.
func (f *Fabric) partitionFor(key string) int {
	if f.cfg.Partitions == 1 || key == "" {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(f.cfg.Partitions))
}

func streamName(topic string, partition int) string {
	return "fabric:" + topic + ":p" + strconv.Itoa(partition)
}
