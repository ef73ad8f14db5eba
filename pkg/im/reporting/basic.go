package reporting

import "time"

// BasicScheduler arms one timer per subscription.
type BasicScheduler struct {
	scheduler
}

var _ ReportScheduler = (*BasicScheduler)(nil)

func NewBasicScheduler(cfg Config) *BasicScheduler {
	return &BasicScheduler{scheduler: newScheduler(cfg, "reporting")}
}

func (s *BasicScheduler) OnSubscriptionEstablished(h ReadHandler) {
	n := s.add(h)
	s.schedule(n)
}

func (s *BasicScheduler) OnBecameReportable(h ReadHandler) {
	if n := s.find(h); n != nil {
		s.schedule(n)
	}
}

func (s *BasicScheduler) OnSubscriptionReportSent(h ReadHandler) {
	n := s.find(h)
	if n == nil {
		return
	}
	n.canBeSynced = false
	n.engineRunScheduled = false
	n.SetIntervalTimeStamps(s.timer.Now())
	s.schedule(n)
}

func (s *BasicScheduler) OnReadHandlerDestroyed(h ReadHandler) {
	n := s.find(h)
	if n == nil {
		return
	}
	s.timer.CancelTimer(n)
	s.remove(n)
}

func (s *BasicScheduler) IsReportScheduled(h ReadHandler) bool {
	n := s.find(h)
	return n != nil && s.timer.IsTimerActive(n)
}

// OnTransitionToIdle reports early every idle node whose max timestamp
// falls within the idle jitter.
func (s *BasicScheduler) OnTransitionToIdle() {
	now := s.timer.Now()
	for _, n := range s.nodes {
		if n.handler.IsIdle() && now >= n.max-s.idleJitter {
			s.timer.CancelTimer(n)
			n.TimerFired()
		}
	}
}

// CalculateNextReportTimeout returns how long until n should report.
func (s *BasicScheduler) CalculateNextReportTimeout(n *ReadHandlerNode) time.Duration {
	now := s.timer.Now()
	switch {
	case n.IsReportableNow(now):
		return 0
	case n.handler.IsDirty():
		return clampPositive(n.min - now)
	default:
		return clampPositive(n.max - now)
	}
}

func (s *BasicScheduler) schedule(n *ReadHandlerNode) {
	timeout := s.CalculateNextReportTimeout(n)
	s.timer.CancelTimer(n)
	if err := s.timer.StartTimer(n, timeout); err != nil {
		s.log.Errorf("failed to schedule report: %v", err)
	}
}
