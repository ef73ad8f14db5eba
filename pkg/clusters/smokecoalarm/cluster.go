// Package smokecoalarm implements the smoke side of the Smoke CO Alarm
// cluster (0x005C), including the asynchronous self-test.
//
// SelfTestRequest defers its response. The test runs as a timer on the
// event loop and answers the command when it finishes, so no state is
// touched from outside the loop.
package smokecoalarm

import (
	"errors"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/datamodel/codedriven"
	"github.com/backkem/imengine/pkg/system"
	"github.com/backkem/imengine/pkg/tlv"
)

// Cluster constants.
const (
	ClusterID       datamodel.ClusterID = 0x005C
	ClusterRevision uint16              = 1
)

// Attribute IDs.
const (
	AttrExpressedState datamodel.AttributeID = 0x0000
	AttrSmokeState     datamodel.AttributeID = 0x0001
	AttrBatteryAlert   datamodel.AttributeID = 0x0003
	AttrTestInProgress datamodel.AttributeID = 0x0005
)

// CmdSelfTestRequest starts a self-test.
const CmdSelfTestRequest datamodel.CommandID = 0x00

// FeatureSmokeAlarm is the only feature served.
const FeatureSmokeAlarm uint32 = 1 << 0

// DefaultSelfTestDuration is how long a self-test runs.
const DefaultSelfTestDuration = 20 * time.Second

// ErrNoLoop is returned by Startup when Config.Loop is missing.
var ErrNoLoop = errors.New("smokecoalarm: event loop is required")

// ExpressedState is the state the alarm is currently expressing.
type ExpressedState uint8

const (
	ExpressedNormal       ExpressedState = 0
	ExpressedSmokeAlarm   ExpressedState = 1
	ExpressedBatteryAlert ExpressedState = 3
	ExpressedTesting      ExpressedState = 4
)

// AlarmState is the level of one alarm source.
type AlarmState uint8

const (
	AlarmNormal   AlarmState = 0
	AlarmWarning  AlarmState = 1
	AlarmCritical AlarmState = 2
)

func (s AlarmState) String() string {
	switch s {
	case AlarmNormal:
		return "Normal"
	case AlarmWarning:
		return "Warning"
	case AlarmCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Config configures a Cluster.
type Config struct {
	Endpoint datamodel.EndpointID

	// Loop runs the self-test timer. Required.
	Loop *system.EventLoop

	SelfTestDuration time.Duration
}

// Cluster is the Smoke CO Alarm server cluster. Handlers run on the event
// loop; SetSmokeState and SetBatteryAlert called from elsewhere must hold
// the stack lock.
type Cluster struct {
	*codedriven.ClusterBase
	config Config
	log    logging.LeveledLogger

	mu           sync.Mutex
	smoke        AlarmState
	battery      AlarmState
	expressed    ExpressedState
	testing      bool
	pending      *datamodel.CommandResponseHelper
	testTimer    system.Timer
	testsStarted int
}

var (
	_ codedriven.ServerCluster = (*Cluster)(nil)
	_ codedriven.Lifecycle     = (*Cluster)(nil)
)

// New returns a Smoke CO Alarm cluster for cfg.Endpoint.
func New(cfg Config) *Cluster {
	if cfg.SelfTestDuration <= 0 {
		cfg.SelfTestDuration = DefaultSelfTestDuration
	}
	view := datamodel.PrivilegeView
	meta := datamodel.NewClusterMetadata(ClusterID, ClusterRevision, FeatureSmokeAlarm,
		[]datamodel.AttributeEntry{
			datamodel.ReadOnlyAttribute(AttrExpressedState, 0, view),
			datamodel.ReadOnlyAttribute(AttrSmokeState, 0, view),
			datamodel.ReadOnlyAttribute(AttrBatteryAlert, 0, view),
			datamodel.ReadOnlyAttribute(AttrTestInProgress, 0, view),
		},
		[]datamodel.CommandEntry{
			datamodel.AcceptedCommand(CmdSelfTestRequest, 0, datamodel.PrivilegeOperate),
		},
		nil)
	return &Cluster{
		ClusterBase: codedriven.NewClusterBase(cfg.Endpoint, meta),
		config:      cfg,
		log:         logging.NewDefaultLoggerFactory().NewLogger("smokecoalarm"),
	}
}

func (c *Cluster) Startup(ctx *codedriven.ClusterContext) error {
	if c.config.Loop == nil {
		return ErrNoLoop
	}
	if ctx.LoggerFactory != nil {
		c.log = ctx.LoggerFactory.NewLogger("smokecoalarm")
	}
	return c.ClusterBase.Startup(ctx)
}

// Shutdown cancels a running self-test. Its command is left unanswered;
// the engine reports it when the interaction goes away.
func (c *Cluster) Shutdown() {
	c.mu.Lock()
	if c.testTimer != nil {
		c.testTimer.Stop()
		c.testTimer = nil
	}
	c.pending = nil
	c.testing = false
	c.expressed = c.expressedLocked()
	c.mu.Unlock()
	c.ClusterBase.Shutdown()
}

func (c *Cluster) ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch req.Path.Attribute {
	case AttrExpressedState:
		return enc.EncodeUint(uint64(c.expressed))
	case AttrSmokeState:
		return enc.EncodeUint(uint64(c.smoke))
	case AttrBatteryAlert:
		return enc.EncodeUint(uint64(c.battery))
	case AttrTestInProgress:
		return enc.EncodeBool(c.testing)
	default:
		return datamodel.ErrUnsupportedAttribute
	}
}

func (c *Cluster) WriteAttribute(*datamodel.WriteAttributeRequest, *datamodel.AttributeValueDecoder) error {
	return datamodel.ErrUnsupportedWrite
}

func (c *Cluster) InvokeCommand(req *datamodel.InvokeRequest, _ *tlv.Reader, handler datamodel.CommandHandler) error {
	if req.Path.Command != CmdSelfTestRequest {
		return datamodel.ErrUnsupportedCommand
	}

	c.mu.Lock()
	if c.testing {
		c.mu.Unlock()
		return datamodel.ErrBusy
	}
	helper := datamodel.NewCommandResponseHelper(handler, req.Path)
	helper.Defer()
	c.pending = helper
	c.testing = true
	c.testsStarted++
	run := c.testsStarted
	c.testTimer = c.config.Loop.AfterFunc(c.config.SelfTestDuration, func() { c.finishSelfTest(run) })
	c.mu.Unlock()

	c.log.Infof("endpoint %d: self-test started", c.config.Endpoint)
	c.notify(AttrTestInProgress)
	return nil
}

// finishSelfTest runs on the loop when the test timer fires.
func (c *Cluster) finishSelfTest(run int) {
	c.mu.Lock()
	if !c.testing || run != c.testsStarted {
		c.mu.Unlock()
		return
	}
	helper := c.pending
	c.pending = nil
	c.testTimer = nil
	c.testing = false
	c.mu.Unlock()

	c.log.Infof("endpoint %d: self-test passed", c.config.Endpoint)
	c.notify(AttrTestInProgress)
	if helper != nil {
		if err := helper.SuccessStatus(); err != nil {
			c.log.Errorf("answering SelfTestRequest: %v", err)
		}
	}
}

// SetSmokeState reports a new smoke level from the sensor.
func (c *Cluster) SetSmokeState(s AlarmState) {
	c.mu.Lock()
	changed := c.smoke != s
	c.smoke = s
	c.mu.Unlock()
	if changed {
		c.log.Infof("endpoint %d: smoke %s", c.config.Endpoint, s)
		c.notify(AttrSmokeState)
	}
}

// SetBatteryAlert reports a new battery level.
func (c *Cluster) SetBatteryAlert(s AlarmState) {
	c.mu.Lock()
	changed := c.battery != s
	c.battery = s
	c.mu.Unlock()
	if changed {
		c.notify(AttrBatteryAlert)
	}
}

// TestInProgress reports whether a self-test is running.
func (c *Cluster) TestInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.testing
}

// ExpressedState returns the state currently expressed.
func (c *Cluster) ExpressedState() ExpressedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expressed
}

// notify marks id dirty and recomputes ExpressedState.
func (c *Cluster) notify(id datamodel.AttributeID) {
	c.mu.Lock()
	next := c.expressedLocked()
	expressedChanged := next != c.expressed
	c.expressed = next
	c.mu.Unlock()

	c.NotifyAttributeChanged(id)
	if expressedChanged {
		c.NotifyAttributeChanged(AttrExpressedState)
	}
}

func (c *Cluster) expressedLocked() ExpressedState {
	switch {
	case c.testing:
		return ExpressedTesting
	case c.smoke != AlarmNormal:
		return ExpressedSmokeAlarm
	case c.battery != AlarmNormal:
		return ExpressedBatteryAlert
	default:
		return ExpressedNormal
	}
}
