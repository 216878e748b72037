package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/wb-go/wbf/zlog"
)

// MaxRelayedBytes bounds the derivative carried by one results message (kafka-go batches up to 1MiB).
const MaxRelayedBytes = 900 << 10

const relayTimeout = 5 * time.Second

// Sender - продюсер топика результатов (wbf kafka.Producer)
type Sender interface {
	Send(ctx context.Context, key, value []byte) error
}

// Fetcher - читатель топика результатов (wbf kafka.Consumer)
type Fetcher interface {
	Fetch(ctx context.Context) (kafkago.Message, error)
}

type outcomeMessage struct {
	Key         string `msgpack:"key"`
	Stored      bool   `msgpack:"stored,omitempty"`
	ContentType string `msgpack:"ct,omitempty"`
	Data        []byte `msgpack:"data,omitempty"`
	ErrKind     string `msgpack:"err_kind,omitempty"`
	ErrMessage  string `msgpack:"err_msg,omitempty"`
}

// Relay publishes outcomes of a standalone worker to the results topic, where every
// api process picks them up with Forward. Stored derivatives travel without bytes:
// waiters read them from the artifact cache.
type Relay struct {
	sender Sender
}

func NewRelay(s Sender) *Relay {
	return &Relay{sender: s}
}

func (r *Relay) Publish(key model.CanonicalKey, o Outcome) {
	logger := zlog.Logger.With().Str("key", string(key)).Logger()

	msg, ok := encodeOutcome(key, o)
	if !ok {
		logger.Warn().Int64("bytes", o.Derivative.Size()).Msg("Uncached derivative is too large to relay, waiters fall back to polling")
		return
	}
	value, err := msgpack.Marshal(&msg)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to encode generation outcome")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), relayTimeout)
	defer cancel()
	if err := r.sender.Send(ctx, []byte(key), value); err != nil {
		logger.Warn().Err(err).Msg("Failed to relay generation outcome")
	}
}

func encodeOutcome(key model.CanonicalKey, o Outcome) (outcomeMessage, bool) {
	msg := outcomeMessage{Key: string(key), Stored: o.Stored}
	switch {
	case o.Err != nil:
		msg.ErrKind, msg.ErrMessage = string(model.KindOf(o.Err)), o.Err.Error()
		var genErr *model.GenerationError
		if errors.As(o.Err, &genErr) {
			msg.ErrMessage = genErr.Message
		}
	case o.Stored || o.Derivative == nil:
	case o.Derivative.Size() > MaxRelayedBytes:
		return msg, false
	default:
		msg.ContentType, msg.Data = o.Derivative.ContentType, o.Derivative.Data
	}
	return msg, true
}

func decodeOutcome(value []byte) (model.CanonicalKey, Outcome, error) {
	var msg outcomeMessage
	if err := msgpack.Unmarshal(value, &msg); err != nil {
		return "", Outcome{}, fmt.Errorf("failed to decode outcome: %w", err)
	}
	key := model.CanonicalKey(msg.Key)
	if key == "" {
		return "", Outcome{}, errors.New("outcome without key")
	}

	o := Outcome{Stored: msg.Stored}
	switch {
	case msg.ErrKind != "":
		o.Err = &model.GenerationError{Key: key, Kind: model.ErrorKind(msg.ErrKind), Message: msg.ErrMessage}
	case len(msg.Data) > 0:
		o.Derivative = &model.Derivative{Key: key, ContentType: msg.ContentType, Data: msg.Data}
	}
	return key, o, nil
}

// Forward feeds outcomes from the results topic into hub until ctx is done.
func Forward(ctx context.Context, f Fetcher, hub *Hub) {
	for {
		msg, err := f.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			zlog.Logger.Warn().Err(err).Msg("Failed to read generation outcome")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		key, o, err := decodeOutcome(msg.Value)
		if err != nil {
			zlog.Logger.Warn().Err(err).Int64("offset", msg.Offset).Msg("Skipping malformed outcome")
			continue
		}
		hub.Publish(key, o)
	}
}
