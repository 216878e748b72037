package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/wb-go/wbf/retry"
)

// Publisher - контракт продюсера (wbf kafka.Producer)
type Publisher interface {
	SendWithRetry(ctx context.Context, strategy retry.Strategy, key []byte, v []byte) error
}

// Стратегия ретрая отправки в очередь
var DefaultSendStrategy = retry.Strategy{
	Attempts: 5,
	Delay:    3 * time.Second,
	Backoff:  1.5,
}

// Dispatcher puts generation tasks on the topic. The message key is the canonical key,
// so every task of one key lands on the same partition.
type Dispatcher struct {
	pub      Publisher
	strategy retry.Strategy
}

func NewDispatcher(pub Publisher, strategy retry.Strategy) *Dispatcher {
	return &Dispatcher{pub: pub, strategy: strategy}
}

func (d *Dispatcher) Dispatch(ctx context.Context, task model.Task) error {
	value, err := model.EncodeTask(task)
	if err != nil {
		return fmt.Errorf("failed to encode task %s: %w", task.Key, err)
	}
	if err := d.pub.SendWithRetry(ctx, d.strategy, []byte(task.Key), value); err != nil {
		return fmt.Errorf("failed to publish task %s: %w", task.Key, err)
	}
	return nil
}
