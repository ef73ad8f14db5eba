package im

import (
	"fmt"
	"sort"
	"time"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/im/reporting"
)

// minMaxInterval is the shortest max interval granted, so that a zero
// ceiling does not turn into a report loop.
const minMaxInterval = time.Second

// Subscription is an established or priming subscription. It is the
// report scheduler's view of the subscriber.
type Subscription struct {
	id             uint32
	ex             Exchange
	subject        acl.SubjectDescriptor
	fabricFiltered bool
	requests       []message.AttributePathIB
	versions       map[datamodel.ConcreteClusterPath]datamodel.DataVersion
	min, max       time.Duration

	established bool
	inFlight    bool

	// dirty maps changed paths to whether only wildcard requests cover
	// them.
	dirty map[datamodel.ConcreteAttributePath]bool
}

var _ reporting.ReadHandler = (*Subscription)(nil)

func (s *Subscription) ID() uint32                 { return s.id }
func (s *Subscription) MinInterval() time.Duration { return s.min }
func (s *Subscription) MaxInterval() time.Duration { return s.max }
func (s *Subscription) IsDirty() bool              { return len(s.dirty) > 0 }
func (s *Subscription) CanStartReporting() bool    { return s.established && !s.inFlight }
func (s *Subscription) IsIdle() bool               { return !s.inFlight }

// covers reports whether any request path matches path, and whether a
// concrete one does.
func (s *Subscription) covers(path datamodel.ConcreteAttributePath) (matched, concrete bool) {
	for i := range s.requests {
		req := &s.requests[i]
		if !req.Filter().Matches(path) {
			continue
		}
		matched = true
		if _, ok := req.Concrete(); ok {
			return true, true
		}
	}
	return matched, false
}

// takeDirty returns the changed paths in ascending order and clears them.
func (s *Subscription) takeDirty() []reportPath {
	out := make([]reportPath, 0, len(s.dirty))
	for path, wildcard := range s.dirty {
		out = append(out, reportPath{path: path, wildcard: wildcard})
	}
	sort.Slice(out, func(i, j int) bool { return lessPath(out[i].path, out[j].path) })
	clear(s.dirty)
	return out
}

func lessPath(a, b datamodel.ConcreteAttributePath) bool {
	if a.Endpoint != b.Endpoint {
		return a.Endpoint < b.Endpoint
	}
	if a.Cluster != b.Cluster {
		return a.Cluster < b.Cluster
	}
	return a.Attribute < b.Attribute
}

func (e *Engine) handleSubscribe(ex Exchange, payload []byte) error {
	var req message.SubscribeRequestMessage
	if err := req.Decode(payload); err != nil {
		return malformed(err)
	}
	if req.MinIntervalFloor > req.MaxIntervalCeiling {
		return fmt.Errorf("%w: min interval %d above max %d", datamodel.ErrInvalidAction, req.MinIntervalFloor, req.MaxIntervalCeiling)
	}
	if len(req.AttributeRequests) == 0 {
		return fmt.Errorf("%w: subscription without attribute paths", datamodel.ErrInvalidAction)
	}
	if !req.KeepSubscriptions {
		for _, s := range e.sortedSubscriptions() {
			if s.ex.SessionID() == ex.SessionID() {
				e.destroySubscription(s)
			}
		}
	}
	if len(e.subs) >= e.maxSubscriptions {
		return datamodel.ErrResourceExhausted
	}

	p := e.model()
	if p == nil {
		return datamodel.ErrFailure
	}
	paths, err := expandPaths(p, req.AttributeRequests)
	if err != nil {
		return err
	}

	maxInterval := time.Duration(req.MaxIntervalCeiling) * time.Second
	if maxInterval < minMaxInterval {
		maxInterval = minMaxInterval
	}
	s := &Subscription{
		id:             newSubscriptionID(e.subs),
		ex:             ex,
		subject:        ex.Subject(),
		fabricFiltered: req.FabricFiltered,
		requests:       req.AttributeRequests,
		versions:       versionFilters(req.DataVersionFilters),
		min:            time.Duration(req.MinIntervalFloor) * time.Second,
		max:            maxInterval,
		inFlight:       true,
		dirty:          make(map[datamodel.ConcreteAttributePath]bool),
	}
	e.subs[s.id] = s
	e.metrics.setSubscriptions(len(e.subs))
	e.log.Debugf("subscription %d on session %d: %d paths, interval %v..%v", s.id, ex.SessionID(), len(paths), s.min, s.max)

	t := e.newReport(s, p, paths)
	if err := e.sendNextChunk(t); err != nil {
		e.destroySubscription(s)
		return fmt.Errorf("%w: %v", datamodel.ErrFailure, err)
	}
	return nil
}

func (e *Engine) newReport(s *Subscription, p datamodel.Provider, paths []reportPath) *readTransaction {
	return &readTransaction{
		ex:             s.ex,
		model:          p,
		subject:        s.subject,
		fabricFiltered: s.fabricFiltered,
		paths:          paths,
		versions:       s.versions,
		sub:            s,
	}
}

// onReportAcknowledged finishes a priming report with the SubscribeResponse,
// or frees an established subscription for its next report.
func (e *Engine) onReportAcknowledged(s *Subscription) {
	s.inFlight = false
	if !s.established {
		// Changes made while priming stay dirty and go out in the first
		// regular report.
		resp := &message.SubscribeResponseMessage{
			SubscriptionID: s.id,
			MaxInterval:    uint16(s.max / time.Second),
		}
		if err := e.send(s.ex, message.OpcodeSubscribeResponse, resp); err != nil {
			e.destroySubscription(s)
			return
		}
		s.established = true
		e.scheduler.OnSubscriptionEstablished(s)
		if s.IsDirty() {
			e.scheduler.OnBecameReportable(s)
		}
		return
	}
	e.scheduler.OnBecameReportable(s)
	e.scheduler.OnTransitionToIdle()
}

// MarkDirty records a change to path for every subscription covering it
// and lets the scheduler decide when to report.
func (e *Engine) MarkDirty(path datamodel.ConcreteAttributePath) {
	for _, s := range e.sortedSubscriptions() {
		matched, concrete := s.covers(path)
		if !matched {
			continue
		}
		if wildcard, ok := s.dirty[path]; ok {
			s.dirty[path] = wildcard && !concrete
		} else {
			s.dirty[path] = !concrete
		}
		if s.established {
			e.scheduler.OnBecameReportable(s)
		}
	}
}

// ScheduleRun queues one report run on the event loop.
func (e *Engine) ScheduleRun() {
	if e.runPending {
		return
	}
	if err := e.loop.Post(e.runReports); err != nil {
		e.log.Errorf("scheduling report run: %v", err)
		return
	}
	e.runPending = true
}

// runReports sends a report to every subscription the scheduler finds
// reportable. A subscription with no changes gets an empty report, which
// keeps it alive on the subscriber's side.
func (e *Engine) runReports() {
	e.runPending = false
	p := e.model()
	if p == nil {
		return
	}
	for _, s := range e.sortedSubscriptions() {
		if !e.scheduler.IsReportableNow(s) {
			continue
		}
		s.inFlight = true
		t := e.newReport(s, p, s.takeDirty())
		if err := e.sendNextChunk(t); err != nil {
			e.log.Errorf("report for subscription %d: %v", s.id, err)
			e.destroySubscription(s)
			continue
		}
		if _, alive := e.subs[s.id]; alive {
			e.scheduler.OnSubscriptionReportSent(s)
		}
	}
}

func (e *Engine) destroySubscription(s *Subscription) {
	if _, ok := e.subs[s.id]; !ok {
		return
	}
	e.scheduler.OnReadHandlerDestroyed(s)
	delete(e.subs, s.id)
	if t, ok := e.reports[keyOf(s.ex)]; ok && t.sub == s {
		delete(e.reports, keyOf(s.ex))
	}
	e.metrics.setSubscriptions(len(e.subs))
	e.log.Debugf("subscription %d ended", s.id)
}

// Subscriptions returns the number of live subscriptions.
func (e *Engine) Subscriptions() int { return len(e.subs) }

func (e *Engine) sortedSubscriptions() []*Subscription {
	out := make([]*Subscription, 0, len(e.subs))
	for _, s := range e.subs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
