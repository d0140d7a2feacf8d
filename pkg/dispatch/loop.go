// Package dispatch provides the single-consumer message loop that owns all
// mutable streaming state. Producers on foreign goroutines (transport
// callbacks, dial workers) never touch shared state directly; they post a
// message and the loop runs it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

var (
	ErrStopped = errors.New("dispatch loop stopped")
	ErrFull    = errors.New("dispatch queue full")
)

// Message is a unit of work executed on the loop goroutine.
type Message func()

type Stats struct {
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Processed uint64 `json:"processed"`
	Panics    uint64 `json:"panics"`
	Rejected  uint64 `json:"rejected"`
}

type Loop struct {
	queue  chan Message
	done   chan struct{}
	logger *logrus.Entry

	stopOnce  sync.Once
	processed atomic.Uint64
	panics    atomic.Uint64
	rejected  atomic.Uint64
}

func New(size int, logger *logrus.Logger) *Loop {
	if size < 1 {
		size = 1
	}
	return &Loop{
		queue:  make(chan Message, size),
		done:   make(chan struct{}),
		logger: logger.WithField("component", "dispatch"),
	}
}

// Run executes messages until ctx is cancelled or Stop is called. It must be
// called exactly once.
func (l *Loop) Run(ctx context.Context) {
	defer l.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		case msg := <-l.queue:
			l.exec(msg)
		}
	}
}

func (l *Loop) exec(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.WithField("panic", r).Error("Dispatch message panicked")
		}
	}()
	msg()
	l.processed.Add(1)
}

// Stop makes every further Post fail with ErrStopped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.done) })
}

// Post enqueues msg, waiting for space until ctx is done.
func (l *Loop) Post(ctx context.Context, msg Message) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.queue <- msg:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		l.rejected.Add(1)
		return ctx.Err()
	}
}

// TryPost enqueues msg without waiting.
func (l *Loop) TryPost(msg Message) error {
	select {
	case <-l.done:
		return ErrStopped
	default:
	}
	select {
	case l.queue <- msg:
		return nil
	default:
		l.rejected.Add(1)
		return ErrFull
	}
}

// Call posts fn and waits until the loop has executed it. It must not be
// invoked from the loop goroutine itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	err := l.Post(ctx, func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The message may still have run before the loop exited.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return fmt.Errorf("waiting for dispatch: %w", ctx.Err())
	}
}

func (l *Loop) Stats() Stats {
	return Stats{
		Queued:    len(l.queue),
		Capacity:  cap(l.queue),
		Processed: l.processed.Load(),
		Panics:    l.panics.Load(),
		Rejected:  l.rejected.Load(),
	}
}
