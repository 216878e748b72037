package worker

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

func taskMessage(t *testing.T, task model.Task) kafkago.Message {
	value, err := model.EncodeTask(task)
	require.NoError(t, err)
	return kafkago.Message{Key: []byte(task.Key), Value: value}
}

func TestWorker_StartWorker(t *testing.T) {
	tests := []struct {
		name       string
		msg        func(t *testing.T) kafkago.Message
		processErr error
		wantCommit bool
		wantCalls  int
	}{
		{
			name:       "processed task is committed",
			msg:        func(t *testing.T) kafkago.Message { return taskMessage(t, genTask) },
			wantCommit: true,
			wantCalls:  1,
		},
		{
			name:       "failed processing is not committed",
			msg:        func(t *testing.T) kafkago.Message { return taskMessage(t, genTask) },
			processErr: errors.New("db down"),
			wantCommit: false,
			wantCalls:  1,
		},
		{
			name: "undecodable message is committed and dropped",
			msg: func(*testing.T) kafkago.Message {
				return kafkago.Message{Key: []byte("k"), Value: []byte{0xc1}}
			},
			wantCommit: true,
			wantCalls:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var mu sync.Mutex
			var calls int
			var got model.Task
			proc := &mockProcessor{processFn: func(_ context.Context, task model.Task) error {
				mu.Lock()
				defer mu.Unlock()
				calls++
				got = task
				return tt.processErr
			}}

			committed := make(chan kafkago.Message, 1)
			queue := make(chan kafkago.Message)
			w := &Worker{
				proc:  proc,
				queue: queue,
				commit: func(_ context.Context, msg kafkago.Message) error {
					committed <- msg
					return nil
				},
			}

			done := make(chan struct{})
			go func() {
				w.StartWorker(ctx)
				close(done)
			}()

			queue <- tt.msg(t)
			// после закрытия очереди цикл выходит только обработав сообщение
			close(queue)
			<-done

			select {
			case <-committed:
				require.True(t, tt.wantCommit)
			default:
				require.False(t, tt.wantCommit)
			}

			mu.Lock()
			defer mu.Unlock()
			require.Equal(t, tt.wantCalls, calls)
			if tt.wantCalls > 0 {
				require.Equal(t, genTask.Key, got.Key)
				require.Equal(t, genTask.Request, got.Request)
			}
		})
	}
}

func TestPool_Dispatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	seen := map[model.CanonicalKey]int{}
	var wg sync.WaitGroup
	proc := &mockProcessor{processFn: func(_ context.Context, task model.Task) error {
		mu.Lock()
		seen[task.Key]++
		mu.Unlock()
		wg.Done()
		return nil
	}}

	p := NewPool(proc, 3, 8)
	p.Start(ctx)

	keys := []model.CanonicalKey{"a", "b", "c", "d", "e"}
	wg.Add(len(keys))
	for _, k := range keys {
		require.NoError(t, p.Dispatch(context.Background(), model.Task{Key: k}))
	}
	wg.Wait()

	cancel()
	p.Wait()

	require.Len(t, seen, len(keys))
	for _, k := range keys {
		require.Equal(t, 1, seen[k])
	}

	require.Eventually(t, func() bool {
		return errors.Is(p.Dispatch(context.Background(), model.Task{Key: "late"}), ErrPoolStopped)
	}, time.Second, 5*time.Millisecond)
}
