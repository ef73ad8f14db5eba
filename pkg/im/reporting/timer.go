package reporting

import (
	"sync"
	"time"

	"github.com/backkem/imengine/pkg/system"
)

// ClockTimerDelegate runs scheduler timers on the event loop's clock.
// Callbacks are posted to the loop; a timer cancelled after its clock
// expired but before the loop ran the callback does not fire.
type ClockTimerDelegate struct {
	loop  *system.EventLoop
	start time.Time

	mu     sync.Mutex
	timers map[TimerContext]*pendingTimer
}

type pendingTimer struct {
	t system.Timer
}

var _ TimerDelegate = (*ClockTimerDelegate)(nil)

// NewClockTimerDelegate returns a delegate whose Now counts from the
// moment of creation.
func NewClockTimerDelegate(loop *system.EventLoop) *ClockTimerDelegate {
	return &ClockTimerDelegate{
		loop:   loop,
		start:  loop.Clock().Now(),
		timers: make(map[TimerContext]*pendingTimer),
	}
}

func (d *ClockTimerDelegate) Now() Timestamp {
	return d.loop.Clock().Since(d.start)
}

func (d *ClockTimerDelegate) StartTimer(ctx TimerContext, timeout time.Duration) error {
	d.CancelTimer(ctx)

	p := &pendingTimer{}
	d.mu.Lock()
	d.timers[ctx] = p
	d.mu.Unlock()

	t := d.loop.AfterFunc(timeout, func() {
		d.mu.Lock()
		current := d.timers[ctx] == p
		if current {
			delete(d.timers, ctx)
		}
		d.mu.Unlock()
		if current {
			ctx.TimerFired()
		}
	})

	d.mu.Lock()
	p.t = t
	d.mu.Unlock()
	return nil
}

func (d *ClockTimerDelegate) CancelTimer(ctx TimerContext) {
	d.mu.Lock()
	p, ok := d.timers[ctx]
	delete(d.timers, ctx)
	d.mu.Unlock()
	if ok && p.t != nil {
		p.t.Stop()
	}
}

func (d *ClockTimerDelegate) IsTimerActive(ctx TimerContext) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.timers[ctx]
	return ok
}
