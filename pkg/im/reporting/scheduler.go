// Package reporting decides when subscriptions emit reports.
//
// A scheduler tracks one ReadHandlerNode per subscription. Each node has a
// min timestamp (reports before it are throttled) and a max timestamp (a
// report is due by then even without changes). When a node becomes due the
// scheduler asks the report engine to run; the engine generates reports for
// every handler the scheduler says is reportable and tells the scheduler
// when a report went out.
package reporting

import (
	"time"

	"github.com/pion/logging"
)

// Timestamp is a monotonic time since the timer delegate started.
type Timestamp = time.Duration

// TimerContext receives timer expiry.
type TimerContext interface {
	TimerFired()
}

// TimerDelegate is the scheduler's time source and timer service.
// Timer callbacks are delivered on the event loop.
type TimerDelegate interface {
	StartTimer(ctx TimerContext, d time.Duration) error
	CancelTimer(ctx TimerContext)
	IsTimerActive(ctx TimerContext) bool
	Now() Timestamp
}

// ReadHandler is the scheduler's view of a subscription.
type ReadHandler interface {
	MinInterval() time.Duration
	MaxInterval() time.Duration
	IsDirty() bool

	// CanStartReporting is false until the subscription is established
	// and while a report is awaiting its response.
	CanStartReporting() bool

	// IsIdle is true when no report is in flight.
	IsIdle() bool
}

// ReportEngine is asked to generate reports.
type ReportEngine interface {
	ScheduleRun()
}

// ReportScheduler is implemented by BasicScheduler and
// SynchronizedScheduler.
type ReportScheduler interface {
	OnSubscriptionEstablished(h ReadHandler)
	OnBecameReportable(h ReadHandler)
	OnSubscriptionReportSent(h ReadHandler)

	// OnReadHandlerDestroyed unlinks h. Calling it for a handler that is
	// not registered is a no-op.
	OnReadHandlerDestroyed(h ReadHandler)

	IsReportableNow(h ReadHandler) bool
	IsReportScheduled(h ReadHandler) bool
	OnTransitionToIdle()
	RunNodeCount() int
}

// Config configures a scheduler.
type Config struct {
	Timer  TimerDelegate
	Engine ReportEngine

	// IdleJitter is how close to its max timestamp a node must be for
	// OnTransitionToIdle to report it early.
	IdleJitter time.Duration

	LoggerFactory logging.LoggerFactory
}

const defaultIdleJitter = 300 * time.Millisecond

// ReadHandlerNode is the scheduler state of one subscription.
type ReadHandlerNode struct {
	handler            ReadHandler
	scheduler          *scheduler
	min, max           Timestamp
	canBeSynced        bool
	engineRunScheduled bool
}

func (n *ReadHandlerNode) Handler() ReadHandler       { return n.handler }
func (n *ReadHandlerNode) MinTimestamp() Timestamp    { return n.min }
func (n *ReadHandlerNode) MaxTimestamp() Timestamp    { return n.max }
func (n *ReadHandlerNode) CanBeSynced() bool          { return n.canBeSynced }
func (n *ReadHandlerNode) IsEngineRunScheduled() bool { return n.engineRunScheduled }

// IsReportableNow reports whether the handler should be included in a
// report run at now.
func (n *ReadHandlerNode) IsReportableNow(now Timestamp) bool {
	if !n.handler.CanStartReporting() {
		return false
	}
	return now >= n.max ||
		(now >= n.min && (n.handler.IsDirty() || n.canBeSynced)) ||
		n.engineRunScheduled
}

// SetIntervalTimeStamps restarts the node's intervals at now.
func (n *ReadHandlerNode) SetIntervalTimeStamps(now Timestamp) {
	n.min = now + n.handler.MinInterval()
	n.max = now + n.handler.MaxInterval()
}

// TimerFired is the per-node timer callback used by BasicScheduler.
func (n *ReadHandlerNode) TimerFired() {
	n.engineRunScheduled = true
	n.scheduler.engine.ScheduleRun()
}

// scheduler holds the node bookkeeping shared by both strategies. Nodes
// are kept in registration order.
type scheduler struct {
	timer      TimerDelegate
	engine     ReportEngine
	idleJitter time.Duration
	nodes      []*ReadHandlerNode
	log        logging.LeveledLogger
}

func newScheduler(cfg Config, scope string) scheduler {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	jitter := cfg.IdleJitter
	if jitter <= 0 {
		jitter = defaultIdleJitter
	}
	return scheduler{
		timer:      cfg.Timer,
		engine:     cfg.Engine,
		idleJitter: jitter,
		log:        lf.NewLogger(scope),
	}
}

func (s *scheduler) find(h ReadHandler) *ReadHandlerNode {
	for _, n := range s.nodes {
		if n.handler == h {
			return n
		}
	}
	return nil
}

func (s *scheduler) add(h ReadHandler) *ReadHandlerNode {
	if n := s.find(h); n != nil {
		return n
	}
	n := &ReadHandlerNode{handler: h, scheduler: s}
	n.SetIntervalTimeStamps(s.timer.Now())
	s.nodes = append(s.nodes, n)
	return n
}

func (s *scheduler) remove(n *ReadHandlerNode) {
	for i, m := range s.nodes {
		if m == n {
			s.nodes = append(s.nodes[:i], s.nodes[i+1:]...)
			return
		}
	}
}

// Node returns the node for h, or nil.
func (s *scheduler) Node(h ReadHandler) *ReadHandlerNode { return s.find(h) }

func (s *scheduler) RunNodeCount() int { return len(s.nodes) }

func (s *scheduler) IsReportableNow(h ReadHandler) bool {
	n := s.find(h)
	return n != nil && n.IsReportableNow(s.timer.Now())
}

func clampPositive(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	return d
}
