// Package worker executes derivative generation: the generator itself, the in-process pool
// and the Kafka consumer loop of the standalone worker.
package worker

import (
	"context"
	"log"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	kafkago "github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
)

type Worker struct {
	proc   Processor
	queue  <-chan kafkago.Message
	commit func(ctx context.Context, msg kafkago.Message) error
}

func NewWorkerInstance(proc Processor, q <-chan kafkago.Message, cons *wbfkafka.Consumer) *Worker {
	return &Worker{
		proc:  proc,
		queue: q,
		commit: func(ctx context.Context, msg kafkago.Message) error {
			return cons.Commit(ctx, msg)
		},
	}
}

// StartWorker commits a message only after the task reached a final state or was dropped
// as a duplicate, so a crash mid-task means redelivery.
func (w *Worker) StartWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-w.queue:
			if !ok {
				log.Println("Queue channel closed, stopping worker...")
				return
			}
			if err := w.handle(ctx, msg); err != nil {
				log.Printf("Task %s failed: %v", msg.Key, err)
				continue
			}
			if err := w.commit(ctx, msg); err != nil {
				log.Printf("Failed to commit queue-message: %v", err)
			}
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafkago.Message) error {
	task, err := model.DecodeTask(msg.Value)
	if err != nil {
		// битое сообщение не станет лучше при повторе - коммитим и забываем
		log.Printf("Dropping undecodable task %q: %v", msg.Key, err)
		return nil
	}
	if task.Key != model.CanonicalKey(msg.Key) {
		log.Printf("Message key %q differs from task key %q, using task key", msg.Key, task.Key)
	}
	return w.proc.Process(ctx, task)
}
