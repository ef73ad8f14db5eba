// Package system provides the event loop that serializes all work on the
// device's protocol stack.
//
// Every work item runs on the loop goroutine with the stack lock held.
// Code running on another goroutine either posts a work item or takes the
// stack lock around its access to shared state.
package system

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// ErrQueueFull is returned by Post when the work queue has no room.
var ErrQueueFull = errors.New("system: event queue full")

const defaultQueueSize = 256

// Timer is a pending AfterFunc callback.
type Timer interface {
	// Stop prevents the callback from being posted. It reports whether
	// the timer was still pending.
	Stop() bool
}

// Config configures an EventLoop.
type Config struct {
	// Clock defaults to the wall clock.
	Clock clock.Clock

	// QueueSize is the number of work items that may be pending.
	QueueSize int

	LoggerFactory logging.LoggerFactory
}

// EventLoop runs posted work items one at a time.
type EventLoop struct {
	clock clock.Clock
	queue chan func()
	stack sync.Mutex
	log   logging.LeveledLogger
}

// NewEventLoop returns a loop. It does nothing until Run is called.
func NewEventLoop(cfg Config) *EventLoop {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &EventLoop{
		clock: cfg.Clock,
		queue: make(chan func(), cfg.QueueSize),
		log:   cfg.LoggerFactory.NewLogger("system"),
	}
}

// Clock returns the loop's time source.
func (l *EventLoop) Clock() clock.Clock { return l.clock }

// Run processes work items until ctx is done.
func (l *EventLoop) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			l.run(fn)
		}
	}
}

// Drain runs every work item already queued and returns how many ran. It
// is meant for callers that drive the loop by hand instead of calling Run.
func (l *EventLoop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.queue:
			l.run(fn)
			n++
		default:
			return n
		}
	}
}

func (l *EventLoop) run(fn func()) {
	l.stack.Lock()
	defer l.stack.Unlock()
	fn()
}

// Post queues fn without blocking.
func (l *EventLoop) Post(fn func()) error {
	select {
	case l.queue <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of queued work items.
func (l *EventLoop) Pending() int { return len(l.queue) }

// LockStack takes the lock work items run under.
func (l *EventLoop) LockStack() { l.stack.Lock() }

// UnlockStack releases the lock taken by LockStack.
func (l *EventLoop) UnlockStack() { l.stack.Unlock() }

// AfterFunc posts fn to the loop once d has elapsed on the loop's clock.
func (l *EventLoop) AfterFunc(d time.Duration, fn func()) Timer {
	return l.clock.AfterFunc(d, func() {
		if err := l.Post(fn); err != nil {
			l.log.Errorf("dropping timer callback: %v", err)
		}
	})
}
