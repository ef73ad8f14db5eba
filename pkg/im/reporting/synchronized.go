package reporting

import (
	"math"
	"time"
)

// SynchronizedScheduler arms a single timer for all subscriptions so that
// reports due at nearby times go out in one engine run.
type SynchronizedScheduler struct {
	scheduler

	nextMin Timestamp
	nextMax Timestamp
}

var _ ReportScheduler = (*SynchronizedScheduler)(nil)

func NewSynchronizedScheduler(cfg Config) *SynchronizedScheduler {
	return &SynchronizedScheduler{scheduler: newScheduler(cfg, "reporting")}
}

func (s *SynchronizedScheduler) OnSubscriptionEstablished(h ReadHandler) {
	s.add(h)
	s.reschedule()
}

func (s *SynchronizedScheduler) OnBecameReportable(h ReadHandler) {
	if s.find(h) != nil {
		s.reschedule()
	}
}

func (s *SynchronizedScheduler) OnSubscriptionReportSent(h ReadHandler) {
	n := s.find(h)
	if n == nil {
		return
	}
	n.canBeSynced = false
	n.engineRunScheduled = false
	n.SetIntervalTimeStamps(s.timer.Now())
	s.reschedule()
}

func (s *SynchronizedScheduler) OnReadHandlerDestroyed(h ReadHandler) {
	n := s.find(h)
	if n == nil {
		return
	}
	s.remove(n)
	if len(s.nodes) == 0 {
		s.timer.CancelTimer(s)
		return
	}
	s.reschedule()
}

func (s *SynchronizedScheduler) IsReportScheduled(h ReadHandler) bool {
	return s.find(h) != nil && s.timer.IsTimerActive(s)
}

// OnTransitionToIdle cancels the shared timer when nothing is registered,
// and fires it early when the next max timestamp falls within the idle
// jitter.
func (s *SynchronizedScheduler) OnTransitionToIdle() {
	if len(s.nodes) == 0 {
		s.timer.CancelTimer(s)
		return
	}
	now := s.timer.Now()
	s.FindNextMaxInterval(now)
	if now < s.nextMax-s.idleJitter {
		return
	}
	for _, n := range s.nodes {
		if !n.handler.IsIdle() {
			return
		}
	}
	s.timer.CancelTimer(s)
	s.TimerFired()
}

// FindNextMaxInterval records and returns the earliest max timestamp
// still in the future.
func (s *SynchronizedScheduler) FindNextMaxInterval(now Timestamp) Timestamp {
	earliest := now + time.Duration(math.MaxUint16)*time.Second
	for _, n := range s.nodes {
		if n.max > now && n.max < earliest {
			earliest = n.max
		}
	}
	s.nextMax = earliest
	return earliest
}

// FindNextMinInterval records and returns the latest min timestamp that
// does not pass the next max timestamp, so that one run can cover as many
// subscriptions as possible. Call FindNextMaxInterval first.
func (s *SynchronizedScheduler) FindNextMinInterval(now Timestamp) Timestamp {
	latest := now
	for _, n := range s.nodes {
		if n.min > latest && n.handler.CanStartReporting() && n.min <= s.nextMax {
			latest = n.min
		}
	}
	s.nextMin = latest
	return latest
}

// CalculateNextReportTimeout returns how long until the shared timer
// should fire.
func (s *SynchronizedScheduler) CalculateNextReportTimeout(now Timestamp) time.Duration {
	s.FindNextMaxInterval(now)
	s.FindNextMinInterval(now)

	reportableAtMin := false
	for _, n := range s.nodes {
		if n.engineRunScheduled {
			continue
		}
		if n.IsReportableNow(now) {
			return 0
		}
		if n.handler.IsDirty() && n.handler.CanStartReporting() && n.min <= s.nextMin {
			reportableAtMin = true
		}
	}
	if reportableAtMin {
		return clampPositive(s.nextMin - now)
	}
	return clampPositive(s.nextMax - now)
}

// TimerFired marks every reportable node and runs the engine once. If the
// timer fired before any node became reportable it is rearmed.
func (s *SynchronizedScheduler) TimerFired() {
	if len(s.nodes) == 0 {
		return
	}
	now := s.timer.Now()
	firedEarly := true
	for _, n := range s.nodes {
		if n.min <= now && n.handler.CanStartReporting() {
			n.canBeSynced = true
		}
		if n.IsReportableNow(now) {
			firedEarly = false
			n.engineRunScheduled = true
		}
	}
	if firedEarly {
		s.reschedule()
		return
	}
	s.engine.ScheduleRun()
}

func (s *SynchronizedScheduler) reschedule() {
	if len(s.nodes) == 0 {
		return
	}
	now := s.timer.Now()
	timeout := s.CalculateNextReportTimeout(now)
	s.timer.CancelTimer(s)
	if timeout == 0 {
		s.TimerFired()
		return
	}
	if err := s.timer.StartTimer(s, timeout); err != nil {
		s.log.Errorf("failed to schedule report: %v", err)
	}
}
