package kafkasink_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"quotecache/internal/cache"
	"quotecache/internal/sink/kafkasink"
)

type fakeWriter struct {
	mu     sync.Mutex
	writes [][]kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.writes = append(f.writes, msgs)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func (f *fakeWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []kafka.Message
	for _, w := range f.writes {
		out = append(out, w...)
	}
	return out
}

func changeEvent(symbol string, kind cache.EventKind) cache.ChangeEvent {
	return cache.ChangeEvent{
		Key:  cache.Key{Symbol: symbol, UseCase: cache.UseCaseWatchlist},
		Kind: kind,
		At:   time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestPublisher_Publish(t *testing.T) {
	t.Parallel()

	// Arrange
	w := &fakeWriter{}
	p := kafkasink.NewPublisher(w, "")

	// Act
	err := p.Publish(t.Context(), changeEvent("AAPL", cache.EventUpdated), changeEvent("MSFT", cache.EventEvicted))

	// Assert: one write, keyed by symbol, JSON payload
	require.NoError(t, err)
	require.Len(t, w.writes, 1)
	msgs := w.messages()
	require.Len(t, msgs, 2)
	require.Equal(t, kafkasink.DefaultTopic, msgs[0].Topic)
	require.Equal(t, "AAPL", string(msgs[0].Key))

	var got cache.ChangeEvent
	require.NoError(t, json.Unmarshal(msgs[1].Value, &got))
	require.Equal(t, cache.EventEvicted, got.Kind)
	require.Equal(t, "MSFT", got.Key.Symbol)
}

func TestPublisher_PublishError(t *testing.T) {
	t.Parallel()

	w := &fakeWriter{err: errors.New("broker down")}
	p := kafkasink.NewPublisher(w, "quotes")

	err := p.Publish(t.Context(), changeEvent("AAPL", cache.EventUpdated))

	require.ErrorContains(t, err, "broker down")
}

func TestPublisher_RunDrainsChannel(t *testing.T) {
	t.Parallel()

	// Arrange: events queued before Run starts
	w := &fakeWriter{}
	p := kafkasink.NewPublisher(w, "quotes")
	events := make(chan cache.ChangeEvent, 3)
	events <- changeEvent("A", cache.EventUpdated)
	events <- changeEvent("B", cache.EventUpdated)
	events <- changeEvent("C", cache.EventInvalidated)
	close(events)

	// Act
	p.Run(t.Context(), events)
	require.NoError(t, p.Close())

	// Assert: everything was sent in one batch
	require.Len(t, w.writes, 1)
	require.Len(t, w.messages(), 3)
	require.True(t, w.closed)
}
