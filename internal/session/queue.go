package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

type task struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// queue runs tasks one at a time on a single goroutine. stop cancels the
// running task; it, tasks still waiting to be picked up and tasks submitted
// later fail with ErrSessionClosed.
type queue struct {
	tasks   chan *task
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// life is cancelled by stop and bounds every task.
	life   context.Context
	cancel context.CancelFunc
}

func newQueue() *queue {
	life, cancel := context.WithCancel(context.Background())
	q := &queue{
		tasks:   make(chan *task),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		life:    life,
		cancel:  cancel,
	}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.stopped)
	for {
		select {
		case <-q.quit:
			return
		case t := <-q.tasks:
			select {
			case <-q.quit:
				t.done <- ErrSessionClosed
				return
			default:
			}
			if err := t.ctx.Err(); err != nil {
				t.done <- err
				continue
			}
			t.done <- q.exec(t)
		}
	}
}

// exec runs t with a context that also ends when the queue stops.
func (q *queue) exec(t *task) error {
	ctx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	unhook := context.AfterFunc(q.life, cancel)
	defer unhook()

	err := t.fn(ctx)
	if err != nil && q.life.Err() != nil && !errors.Is(err, ErrSessionClosed) {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return err
}

// Do runs fn on the queue and returns its error. The caller stops waiting
// when ctx ends; fn then sees the cancelled ctx.
func (q *queue) Do(ctx context.Context, fn func(context.Context) error) error {
	t := &task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case q.tasks <- t:
	case <-q.quit:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stop cancels the running task and waits for the worker to exit.
func (q *queue) stop() {
	q.once.Do(func() {
		q.cancel()
		close(q.quit)
	})
	<-q.stopped
}
