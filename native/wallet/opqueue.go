package wallet

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrQueueClosed is returned for operations submitted after Close.
var ErrQueueClosed = errors.New("wallet: operation queue closed")

type operation struct {
	name   string
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// OpQueue runs ecash mutating operations one at a time on a single worker
// goroutine.
type OpQueue struct {
	ops    chan operation
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

// NewOpQueue starts the worker.
func NewOpQueue(logger *slog.Logger) *OpQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &OpQueue{
		ops:    make(chan operation),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go q.loop()
	return q
}

func (q *OpQueue) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case op := <-q.ops:
			if err := op.ctx.Err(); err != nil {
				op.result <- err
				continue
			}
			started := time.Now()
			err := op.fn(op.ctx)
			q.logger.Debug("wallet: operation finished",
				slog.String("op", op.name),
				slog.Duration("elapsed", time.Since(started)),
				slog.Any("error", err))
			op.result <- err
		}
	}
}

// Run submits fn and blocks until it has run. A context cancelled before the
// operation starts abandons it; once started it runs to completion.
func (q *OpQueue) Run(ctx context.Context, name string, fn func(context.Context) error) error {
	op := operation{name: name, ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case q.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.quit:
		return ErrQueueClosed
	}
	return <-op.result
}

// Close stops the worker after the running operation finishes.
func (q *OpQueue) Close() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}
