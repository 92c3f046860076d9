// Package kafkasink publishes cache change events to a Kafka topic.
package kafkasink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/segmentio/kafka-go"
	"quotecache/internal/cache"
)

var log = logging.Logger("sink/kafka")

const (
	DefaultTopic     = "quotecache.events"
	defaultBatchSize = 100
)

// Writer is the subset of *kafka.Writer used by the publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter builds a producer for brokers.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		Compression:            kafka.Snappy,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            3,
		WriteBackoffMin:        100 * time.Millisecond,
		WriteBackoffMax:        time.Second,
		BatchTimeout:           50 * time.Millisecond,
	}
}

// Publisher writes change events keyed by symbol, so all events of one
// symbol land on one partition in order.
type Publisher struct {
	w         Writer
	topic     string
	batchSize int
}

func NewPublisher(w Writer, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{w: w, topic: topic, batchSize: defaultBatchSize}
}

func (p *Publisher) message(ev cache.ChangeEvent) (kafka.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal event: %w", err)
	}
	return kafka.Message{
		Topic: p.topic,
		Key:   []byte(ev.Key.Symbol),
		Value: b,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
			{Key: "use_case", Value: []byte(ev.Key.UseCase)},
		},
	}, nil
}

// Publish writes events in one call.
func (p *Publisher) Publish(ctx context.Context, events ...cache.ChangeEvent) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		m, err := p.message(ev)
		if err != nil {
			log.Errorw("Dropping event", "key", ev.Key.String(), "err", err)
			continue
		}
		msgs = append(msgs, m)
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d messages to %s: %w", len(msgs), p.topic, err)
	}
	log.Debugw("Events published", "topic", p.topic, "count", len(msgs))
	return nil
}

// Run publishes events until the channel is closed or ctx is done. Events
// already queued on the channel are sent together, up to the batch size.
func (p *Publisher) Run(ctx context.Context, events <-chan cache.ChangeEvent) {
	batch := make([]cache.ChangeEvent, 0, p.batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			batch = append(batch[:0], ev)
			open := fill(events, &batch, p.batchSize)
			if err := p.Publish(ctx, batch...); err != nil {
				log.Warnw("Kafka publish failed", "count", len(batch), "err", err)
			}
			if !open {
				return
			}
		}
	}
}

// fill appends queued events without blocking. It reports false once the
// channel is closed.
func fill(events <-chan cache.ChangeEvent, batch *[]cache.ChangeEvent, limit int) bool {
	for len(*batch) < limit {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			*batch = append(*batch, ev)
		default:
			return true
		}
	}
	return true
}

func (p *Publisher) Close() error { return p.w.Close() }
