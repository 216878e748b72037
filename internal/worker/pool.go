package worker

import (
	"context"
	"errors"
	"sync"

	"github.com/UnendingLoop/ArchiveIIIF/internal/model"
	"github.com/wb-go/wbf/zlog"
)

// Processor - исполнитель одной задачи генерации
type Processor interface {
	Process(ctx context.Context, task model.Task) error
}

var ErrPoolStopped = errors.New("worker pool is stopped")

// Pool runs generation tasks inside the api process. Dispatch only enqueues;
// the goroutines started by Start do the work.
type Pool struct {
	proc    Processor
	workers int
	tasks   chan model.Task
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewPool(proc Processor, workers, queueSize int) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < workers {
		queueSize = workers
	}
	return &Pool{
		proc:    proc,
		workers: workers,
		tasks:   make(chan model.Task, queueSize),
		done:    make(chan struct{}),
	}
}

func (p *Pool) Start(ctx context.Context) {
	for i := range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.loop(ctx, i)
		}()
	}
	go func() {
		<-ctx.Done()
		close(p.done)
	}()
}

func (p *Pool) loop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			if err := p.proc.Process(ctx, task); err != nil {
				zlog.Logger.Error().Err(err).Int("worker", id).Str("key", string(task.Key)).Msg("Task processing failed")
			}
		}
	}
}

// Dispatch blocks while the queue is full, until ctx or the pool stops.
func (p *Pool) Dispatch(ctx context.Context, task model.Task) error {
	select {
	case <-p.done:
		return ErrPoolStopped
	default:
	}

	select {
	case p.tasks <- task:
		return nil
	case <-p.done:
		return ErrPoolStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait returns when every worker goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}
