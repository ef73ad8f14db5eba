// Package im implements the Interaction Model engine: the read, write and
// invoke pipelines between incoming messages and the data model provider,
// plus subscriptions and timed interactions.
//
// Every pipeline resolves paths the same way regardless of which provider
// is installed: cluster existence and access control first, then the
// attribute or command entry from the provider's metadata, then any
// AttributeAccessInterface override, and only then the provider itself.
//
// The engine is not safe for concurrent use. All of its methods run on the
// event loop, or with the loop's stack lock held.
package im

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/im/reporting"
	"github.com/backkem/imengine/pkg/storage"
	"github.com/backkem/imengine/pkg/system"
	"github.com/backkem/imengine/pkg/tlv"
)

// DefaultMaxPayload is the largest IM payload the engine produces, the
// IPv6 minimum MTU minus message, security and protocol overhead.
const DefaultMaxPayload = 1024

// DefaultMaxSubscriptions bounds concurrent subscriptions.
const DefaultMaxSubscriptions = 16

// ErrInteractionAborted is returned to handlers that respond after their
// session went away.
var ErrInteractionAborted = errors.New("im: interaction aborted")

// Exchange is one message exchange with a peer.
type Exchange interface {
	Subject() acl.SubjectDescriptor
	SessionID() uint16
	ExchangeID() uint16
	Send(opcode message.Opcode, payload []byte) error
}

type exchangeKey struct {
	session  uint16
	exchange uint16
}

func keyOf(ex Exchange) exchangeKey {
	return exchangeKey{session: ex.SessionID(), exchange: ex.ExchangeID()}
}

// AttributeChangeCallback is told about every successful attribute write.
// value is the anonymous TLV element written; size is its length.
type AttributeChangeCallback func(path datamodel.ConcreteAttributePath, elementType tlv.ElementType, size int, value []byte)

// SchedulerFactory builds the report scheduler the engine drives.
type SchedulerFactory func(cfg reporting.Config) reporting.ReportScheduler

// BasicSchedulerFactory builds a scheduler with one timer per subscription.
func BasicSchedulerFactory(cfg reporting.Config) reporting.ReportScheduler {
	return reporting.NewBasicScheduler(cfg)
}

// SynchronizedSchedulerFactory builds a scheduler sharing one timer.
func SynchronizedSchedulerFactory(cfg reporting.Config) reporting.ReportScheduler {
	return reporting.NewSynchronizedScheduler(cfg)
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Provider returns the data model. Required.
	Provider datamodel.ModelGetter

	// ACL gates every path. Nil installs a checker without entries, which
	// admits only commissioning PASE sessions.
	ACL *acl.Checker

	// AttributeAccess holds overrides consulted before the provider.
	AttributeAccess *AttributeAccessRegistry

	// Persistence mirrors writes to PersistedAttributes into storage.
	Persistence         storage.SafeAttributePersistenceProvider
	PersistedAttributes []datamodel.ConcreteAttributePath

	AttributeChanged AttributeChangeCallback

	// Loop runs report generation and deferred work. Defaults to a new
	// loop on the wall clock, which the caller then has to run.
	Loop *system.EventLoop

	// Timer defaults to a ClockTimerDelegate on Loop.
	Timer     reporting.TimerDelegate
	Scheduler SchedulerFactory

	Metrics *Metrics

	MaxPayload       int
	MaxSubscriptions int

	LoggerFactory logging.LoggerFactory
}

// Engine is the Interaction Model engine.
type Engine struct {
	model       datamodel.ModelGetter
	acl         *acl.Checker
	aai         *AttributeAccessRegistry
	persistence storage.SafeAttributePersistenceProvider
	persisted   map[datamodel.ConcreteAttributePath]struct{}
	changed     AttributeChangeCallback
	loop        *system.EventLoop
	scheduler   reporting.ReportScheduler
	metrics     *Metrics

	maxPayload       int
	maxSubscriptions int

	reports    map[exchangeKey]*readTransaction
	timed      map[exchangeKey]time.Time
	batches    map[*invokeBatch]struct{}
	subs       map[uint32]*Subscription
	runPending bool

	log logging.LeveledLogger
}

var _ reporting.ReportEngine = (*Engine)(nil)

// NewEngine returns an engine ready to handle messages.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Provider == nil {
		return nil, errors.New("im: EngineConfig.Provider is required")
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	if cfg.ACL == nil {
		cfg.ACL = acl.NewChecker(&datamodel.DynamicProviderDeviceTypeResolver{Getter: cfg.Provider})
	}
	if cfg.AttributeAccess == nil {
		cfg.AttributeAccess = NewAttributeAccessRegistry()
	}
	if cfg.Loop == nil {
		cfg.Loop = system.NewEventLoop(system.Config{LoggerFactory: cfg.LoggerFactory})
	}
	if cfg.Timer == nil {
		cfg.Timer = reporting.NewClockTimerDelegate(cfg.Loop)
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = BasicSchedulerFactory
	}
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = DefaultMaxPayload
	}
	if cfg.MaxSubscriptions <= 0 {
		cfg.MaxSubscriptions = DefaultMaxSubscriptions
	}

	e := &Engine{
		model:            cfg.Provider,
		acl:              cfg.ACL,
		aai:              cfg.AttributeAccess,
		persistence:      cfg.Persistence,
		persisted:        make(map[datamodel.ConcreteAttributePath]struct{}),
		changed:          cfg.AttributeChanged,
		loop:             cfg.Loop,
		metrics:          cfg.Metrics,
		maxPayload:       cfg.MaxPayload,
		maxSubscriptions: cfg.MaxSubscriptions,
		reports:          make(map[exchangeKey]*readTransaction),
		timed:            make(map[exchangeKey]time.Time),
		batches:          make(map[*invokeBatch]struct{}),
		subs:             make(map[uint32]*Subscription),
		log:              cfg.LoggerFactory.NewLogger("im"),
	}
	for _, p := range cfg.PersistedAttributes {
		e.persisted[p] = struct{}{}
	}
	e.scheduler = cfg.Scheduler(reporting.Config{
		Timer:         cfg.Timer,
		Engine:        e,
		LoggerFactory: cfg.LoggerFactory,
	})
	return e, nil
}

// Loop returns the event loop the engine posts work to.
func (e *Engine) Loop() *system.EventLoop { return e.loop }

// Scheduler returns the report scheduler.
func (e *Engine) Scheduler() reporting.ReportScheduler { return e.scheduler }

// AttributeAccess returns the override registry.
func (e *Engine) AttributeAccess() *AttributeAccessRegistry { return e.aai }

// HandleMessage processes one IM message received on ex. Replies go out
// through ex.Send.
func (e *Engine) HandleMessage(ex Exchange, opcode message.Opcode, payload []byte) {
	e.metrics.interaction(opcode.String())
	e.log.Debugf("%s on session %d exchange %d", opcode, ex.SessionID(), ex.ExchangeID())

	var err error
	switch opcode {
	case message.OpcodeReadRequest:
		err = e.handleRead(ex, payload)
	case message.OpcodeSubscribeRequest:
		err = e.handleSubscribe(ex, payload)
	case message.OpcodeWriteRequest:
		err = e.handleWrite(ex, payload)
	case message.OpcodeInvokeRequest:
		err = e.handleInvoke(ex, payload)
	case message.OpcodeTimedRequest:
		err = e.handleTimedRequest(ex, payload)
	case message.OpcodeStatusResponse:
		err = e.handleStatusResponse(ex, payload)
	default:
		err = fmt.Errorf("%w: unexpected opcode %s", datamodel.ErrInvalidAction, opcode)
	}
	if err != nil {
		e.log.Debugf("%s failed: %v", opcode, err)
		e.sendStatus(ex, datamodel.StatusOf(err))
	}
}

// malformed wraps a decode failure as the status the peer receives.
func malformed(err error) error {
	return fmt.Errorf("%w: %v", datamodel.ErrInvalidAction, err)
}

type encoder interface {
	Encode() ([]byte, error)
}

func (e *Engine) send(ex Exchange, opcode message.Opcode, msg encoder) error {
	payload, err := msg.Encode()
	if err != nil {
		e.log.Errorf("encoding %s: %v", opcode, err)
		return err
	}
	if err := ex.Send(opcode, payload); err != nil {
		e.log.Warnf("sending %s on session %d: %v", opcode, ex.SessionID(), err)
		return err
	}
	return nil
}

func (e *Engine) sendStatus(ex Exchange, status datamodel.Status) {
	_ = e.send(ex, message.OpcodeStatusResponse, &message.StatusResponseMessage{Status: status})
}

// handleTimedRequest arms the timed window for the next action on ex.
func (e *Engine) handleTimedRequest(ex Exchange, payload []byte) error {
	var req message.TimedRequestMessage
	if err := req.Decode(payload); err != nil {
		return malformed(err)
	}
	timeout := time.Duration(req.Timeout) * time.Millisecond
	e.timed[keyOf(ex)] = e.loop.Clock().Now().Add(timeout)
	e.sendStatus(ex, datamodel.StatusSuccess)
	return nil
}

// checkTimed consumes the timed window of ex and verifies it against the
// action's TimedRequest flag.
func (e *Engine) checkTimed(ex Exchange, timedFlag bool) error {
	key := keyOf(ex)
	deadline, armed := e.timed[key]
	delete(e.timed, key)
	if armed != timedFlag {
		return datamodel.ErrTimedRequestMismatch
	}
	if armed && e.loop.Clock().Now().After(deadline) {
		return datamodel.ErrTimeout
	}
	return nil
}

// checkAccess maps an ACL denial to UnsupportedAccess.
func (e *Engine) checkAccess(subject acl.SubjectDescriptor, path datamodel.ConcreteClusterPath, required acl.Privilege) error {
	err := e.acl.Check(subject, acl.RequestPath{Endpoint: uint16(path.Endpoint), Cluster: uint32(path.Cluster)}, required)
	if err != nil {
		return fmt.Errorf("%w: %v", datamodel.ErrUnsupportedAccess, err)
	}
	return nil
}

// resolveCluster finds the cluster a request addresses. Whether it exists
// is only revealed to subjects holding View on it.
func (e *Engine) resolveCluster(p datamodel.Provider, subject acl.SubjectDescriptor, path datamodel.ConcreteClusterPath) (datamodel.ClusterEntry, error) {
	cluster, existErr := datamodel.FindCluster(p, path)
	if err := e.checkAccess(subject, path, acl.PrivilegeView); err != nil {
		return cluster, err
	}
	return cluster, existErr
}

// OnSessionClosed drops every interaction bound to the session. Deferred
// commands lose their response and subscriptions are torn down.
func (e *Engine) OnSessionClosed(sessionID uint16) {
	for key := range e.reports {
		if key.session == sessionID {
			delete(e.reports, key)
		}
	}
	for key := range e.timed {
		if key.session == sessionID {
			delete(e.timed, key)
		}
	}
	for b := range e.batches {
		if b.ex.SessionID() == sessionID {
			b.abort()
		}
	}
	for _, s := range e.sortedSubscriptions() {
		if s.ex.SessionID() == sessionID {
			e.destroySubscription(s)
		}
	}
}

func newSubscriptionID(taken map[uint32]*Subscription) uint32 {
	for {
		id := rand.Uint32()
		if _, ok := taken[id]; !ok {
			return id
		}
	}
}
