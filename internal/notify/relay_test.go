package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

// topic связывает Relay и Forward через канал вместо брокера
type topic struct {
	mu       sync.Mutex
	messages chan kafkago.Message
	sendErr  error
}

func newTopic() *topic {
	return &topic{messages: make(chan kafkago.Message, 16)}
}

func (t *topic) Send(_ context.Context, key, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.messages <- kafkago.Message{Key: key, Value: value}
	return nil
}

func (t *topic) Fetch(ctx context.Context) (kafkago.Message, error) {
	select {
	case <-ctx.Done():
		return kafkago.Message{}, ctx.Err()
	case m := <-t.messages:
		return m, nil
	}
}

func receive(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("outcome was not forwarded")
		return Outcome{}
	}
}

func TestRelay_ForwardsToHub(t *testing.T) {
	tp := newTopic()
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Forward(ctx, tp, hub)

	relay := NewRelay(tp)

	t.Run("uncached derivative carries bytes", func(t *testing.T) {
		ch, unsubscribe := hub.Subscribe("k1")
		defer unsubscribe()

		relay.Publish("k1", Outcome{Derivative: &model.Derivative{ContentType: model.PNG, Data: []byte("png")}})

		o := receive(t, ch)
		require.NoError(t, o.Err)
		require.False(t, o.Stored)
		require.Equal(t, model.CanonicalKey("k1"), o.Derivative.Key)
		require.Equal(t, model.PNG, o.Derivative.ContentType)
		require.Equal(t, []byte("png"), o.Derivative.Data)
	})

	t.Run("stored derivative travels without bytes", func(t *testing.T) {
		ch, unsubscribe := hub.Subscribe("k2")
		defer unsubscribe()

		relay.Publish("k2", Outcome{Stored: true, Derivative: &model.Derivative{Data: []byte("jpeg")}})

		o := receive(t, ch)
		require.True(t, o.Stored)
		require.Nil(t, o.Derivative)
		require.NoError(t, o.Err)
	})

	t.Run("failure keeps its kind", func(t *testing.T) {
		ch, unsubscribe := hub.Subscribe("k3")
		defer unsubscribe()

		relay.Publish("k3", Outcome{Err: &model.GenerationError{Key: "k3", Kind: model.KindNotFound, Message: "frame 2938"}})

		o := receive(t, ch)
		var genErr *model.GenerationError
		require.ErrorAs(t, o.Err, &genErr)
		require.Equal(t, model.KindNotFound, genErr.Kind)
		require.Equal(t, "frame 2938", genErr.Message)
		require.ErrorIs(t, o.Err, model.ErrNotFound)
	})
}

func TestRelay_OversizedDerivativeIsNotSent(t *testing.T) {
	tp := newTopic()
	NewRelay(tp).Publish("k", Outcome{Derivative: &model.Derivative{Data: make([]byte, MaxRelayedBytes+1)}})
	require.Empty(t, tp.messages)

	// сохранённый большой артефакт идёт без байт и поэтому проходит
	NewRelay(tp).Publish("k", Outcome{Stored: true, Derivative: &model.Derivative{Data: make([]byte, MaxRelayedBytes+1)}})
	require.Len(t, tp.messages, 1)
}

func TestRelay_SendFailureIsSwallowed(t *testing.T) {
	tp := newTopic()
	tp.sendErr = errors.New("broker down")
	require.NotPanics(t, func() {
		NewRelay(tp).Publish("k", Outcome{Stored: true})
	})
}

func TestForward_SkipsMalformed(t *testing.T) {
	tp := newTopic()
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe("k")
	defer unsubscribe()

	tp.messages <- kafkago.Message{Value: []byte("not msgpack")}
	NewRelay(tp).Publish("k", Outcome{Stored: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Forward(ctx, tp, hub)
		close(done)
	}()

	require.True(t, receive(t, ch).Stored)
	cancel()
	<-done
}
