// Package onoff implements the On/Off cluster (0x0006) as a code-driven
// server cluster.
//
// The OnOff attribute and, when configured, the StartUpOnOff attribute are
// kept in the safe attribute store so the cluster comes back in the right
// state after a restart.
package onoff

import (
	"errors"
	"sync"

	"github.com/pion/logging"

	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/datamodel/codedriven"
	"github.com/backkem/imengine/pkg/storage"
	"github.com/backkem/imengine/pkg/tlv"
)

// Cluster constants.
const (
	ClusterID       datamodel.ClusterID = 0x0006
	ClusterRevision uint16              = 6
)

// Attribute IDs.
const (
	AttrOnOff              datamodel.AttributeID = 0x0000
	AttrGlobalSceneControl datamodel.AttributeID = 0x4000
	AttrOnTime             datamodel.AttributeID = 0x4001
	AttrOffWaitTime        datamodel.AttributeID = 0x4002
	AttrStartUpOnOff       datamodel.AttributeID = 0x4003
)

// Command IDs.
const (
	CmdOff    datamodel.CommandID = 0x00
	CmdOn     datamodel.CommandID = 0x01
	CmdToggle datamodel.CommandID = 0x02
)

// Feature bits.
type Feature uint32

const (
	// FeatureLighting adds GlobalSceneControl, OnTime, OffWaitTime and
	// StartUpOnOff.
	FeatureLighting Feature = 1 << 0

	// FeatureOffOnly removes the On and Toggle commands.
	FeatureOffOnly Feature = 1 << 2
)

// StartUpOnOff selects the OnOff value applied at startup. A nil
// *StartUpOnOff keeps the value from before the restart.
type StartUpOnOff uint8

const (
	StartUpOff    StartUpOnOff = 0
	StartUpOn     StartUpOnOff = 1
	StartUpToggle StartUpOnOff = 2
)

// storedNull marks a null StartUpOnOff in storage.
const storedNull uint8 = 0xFF

func (s StartUpOnOff) String() string {
	switch s {
	case StartUpOff:
		return "Off"
	case StartUpOn:
		return "On"
	case StartUpToggle:
		return "Toggle"
	default:
		return "Unknown"
	}
}

// StateChangeCallback is called after the OnOff attribute changes.
type StateChangeCallback func(endpoint datamodel.EndpointID, on bool)

// Config configures a Cluster.
type Config struct {
	Endpoint datamodel.EndpointID
	Features Feature

	// Persistence keeps OnOff and StartUpOnOff. Optional.
	Persistence storage.SafeAttributePersistenceProvider

	// InitialOnOff is used when nothing is stored.
	InitialOnOff bool

	OnStateChange StateChangeCallback
}

// Cluster is the On/Off server cluster.
//
// Handlers run on the event loop. SetOnOff may be called from elsewhere
// only with the stack lock held.
type Cluster struct {
	*codedriven.ClusterBase
	config Config
	log    logging.LeveledLogger

	mu                 sync.RWMutex
	onOff              bool
	globalSceneControl bool
	onTime             uint16
	offWaitTime        uint16
	startUpOnOff       *StartUpOnOff
}

var (
	_ codedriven.ServerCluster = (*Cluster)(nil)
	_ codedriven.Lifecycle     = (*Cluster)(nil)
)

// New returns an On/Off cluster for cfg.Endpoint.
func New(cfg Config) *Cluster {
	return &Cluster{
		ClusterBase:        codedriven.NewClusterBase(cfg.Endpoint, buildMetadata(cfg.Features)),
		config:             cfg,
		log:                logging.NewDefaultLoggerFactory().NewLogger("onoff"),
		onOff:              cfg.InitialOnOff,
		globalSceneControl: true,
	}
}

func buildMetadata(features Feature) *datamodel.ClusterMetadata {
	view, operate, manage := datamodel.PrivilegeView, datamodel.PrivilegeOperate, datamodel.PrivilegeManage

	attrs := []datamodel.AttributeEntry{
		datamodel.ReadOnlyAttribute(AttrOnOff, 0, view),
	}
	if features&FeatureLighting != 0 {
		attrs = append(attrs,
			datamodel.ReadOnlyAttribute(AttrGlobalSceneControl, 0, view),
			datamodel.ReadWriteAttribute(AttrOnTime, 0, view, operate),
			datamodel.ReadWriteAttribute(AttrOffWaitTime, 0, view, operate),
			datamodel.ReadWriteAttribute(AttrStartUpOnOff, datamodel.AttrQualityNullable, view, manage),
		)
	}

	cmds := []datamodel.CommandEntry{datamodel.AcceptedCommand(CmdOff, 0, operate)}
	if features&FeatureOffOnly == 0 {
		cmds = append(cmds,
			datamodel.AcceptedCommand(CmdOn, 0, operate),
			datamodel.AcceptedCommand(CmdToggle, 0, operate),
		)
	}
	return datamodel.NewClusterMetadata(ClusterID, ClusterRevision, uint32(features), attrs, cmds, nil)
}

func (c *Cluster) lighting() bool { return c.config.Features&FeatureLighting != 0 }

// Startup restores persisted state and applies StartUpOnOff.
func (c *Cluster) Startup(ctx *codedriven.ClusterContext) error {
	if err := c.ClusterBase.Startup(ctx); err != nil {
		return err
	}
	if ctx.LoggerFactory != nil {
		c.log = ctx.LoggerFactory.NewLogger("onoff")
	}
	c.restore()
	return nil
}

func (c *Cluster) restore() {
	p := c.config.Persistence
	if p == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lighting() {
		v, err := storage.ReadScalarValue[uint8](p, c.AttributePath(AttrStartUpOnOff))
		switch {
		case err == nil && v == storedNull:
			c.startUpOnOff = nil
		case err == nil:
			s := StartUpOnOff(v)
			c.startUpOnOff = &s
		case !errors.Is(err, storage.ErrValueNotFound):
			c.log.Warnf("loading StartUpOnOff on endpoint %d: %v", c.config.Endpoint, err)
		}
	}

	previous, err := storage.ReadScalarValue[bool](p, c.AttributePath(AttrOnOff))
	switch {
	case err == nil:
		c.onOff = previous
	case !errors.Is(err, storage.ErrValueNotFound):
		c.log.Warnf("loading OnOff on endpoint %d: %v", c.config.Endpoint, err)
	}

	if c.startUpOnOff != nil {
		switch *c.startUpOnOff {
		case StartUpOff:
			c.onOff = false
		case StartUpOn:
			c.onOff = true
		case StartUpToggle:
			c.onOff = !c.onOff
		}
		c.log.Infof("endpoint %d starts %s (StartUpOnOff %s)", c.config.Endpoint, onOffName(c.onOff), *c.startUpOnOff)
	}
	c.persistOnOff(c.onOff)
}

func onOffName(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (c *Cluster) persistOnOff(on bool) {
	if c.config.Persistence == nil {
		return
	}
	if err := storage.WriteScalarValue(c.config.Persistence, c.AttributePath(AttrOnOff), on); err != nil {
		c.log.Warnf("persisting OnOff on endpoint %d: %v", c.config.Endpoint, err)
	}
}

func (c *Cluster) persistStartUp(s *StartUpOnOff) {
	if c.config.Persistence == nil {
		return
	}
	v := storedNull
	if s != nil {
		v = uint8(*s)
	}
	if err := storage.WriteScalarValue(c.config.Persistence, c.AttributePath(AttrStartUpOnOff), v); err != nil {
		c.log.Warnf("persisting StartUpOnOff on endpoint %d: %v", c.config.Endpoint, err)
	}
}

func (c *Cluster) ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if req.Path.Attribute == AttrOnOff {
		return enc.EncodeBool(c.onOff)
	}
	if !c.lighting() {
		return datamodel.ErrUnsupportedAttribute
	}
	switch req.Path.Attribute {
	case AttrGlobalSceneControl:
		return enc.EncodeBool(c.globalSceneControl)
	case AttrOnTime:
		return enc.EncodeUint(uint64(c.onTime))
	case AttrOffWaitTime:
		return enc.EncodeUint(uint64(c.offWaitTime))
	case AttrStartUpOnOff:
		if c.startUpOnOff == nil {
			return enc.EncodeNull()
		}
		return enc.EncodeUint(uint64(*c.startUpOnOff))
	default:
		return datamodel.ErrUnsupportedAttribute
	}
}

func (c *Cluster) WriteAttribute(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error {
	if !c.lighting() {
		return datamodel.ErrUnsupportedWrite
	}
	id := req.Path.Attribute
	switch id {
	case AttrOnTime, AttrOffWaitTime:
		v, err := dec.UintMax(0xFFFF)
		if err != nil {
			return err
		}
		if c.setUint16(id, uint16(v)) {
			c.NotifyAttributeChanged(id)
		}
		return nil

	case AttrStartUpOnOff:
		var next *StartUpOnOff
		if !dec.IsNull() {
			v, err := dec.UintMax(uint64(StartUpToggle))
			if err != nil {
				return err
			}
			s := StartUpOnOff(v)
			next = &s
		}
		c.mu.Lock()
		changed := !sameStartUp(c.startUpOnOff, next)
		c.startUpOnOff = next
		c.mu.Unlock()
		c.persistStartUp(next)
		if changed {
			c.NotifyAttributeChanged(id)
		}
		return nil

	default:
		return datamodel.ErrUnsupportedWrite
	}
}

func sameStartUp(a, b *StartUpOnOff) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func (c *Cluster) setUint16(id datamodel.AttributeID, v uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	field := &c.onTime
	if id == AttrOffWaitTime {
		field = &c.offWaitTime
	}
	if *field == v {
		return false
	}
	*field = v
	return true
}

func (c *Cluster) InvokeCommand(req *datamodel.InvokeRequest, _ *tlv.Reader, handler datamodel.CommandHandler) error {
	switch req.Path.Command {
	case CmdOff:
		c.SetOnOff(false)
	case CmdOn:
		if c.config.Features&FeatureOffOnly != 0 {
			return datamodel.ErrUnsupportedCommand
		}
		c.turnOn()
	case CmdToggle:
		if c.config.Features&FeatureOffOnly != 0 {
			return datamodel.ErrUnsupportedCommand
		}
		if c.OnOff() {
			c.SetOnOff(false)
		} else {
			c.turnOn()
		}
	default:
		return datamodel.ErrUnsupportedCommand
	}
	return datamodel.NewCommandResponseHelper(handler, req.Path).SuccessStatus()
}

// turnOn also resets the lighting timers the way an On command does.
func (c *Cluster) turnOn() {
	c.SetOnOff(true)
	if !c.lighting() {
		return
	}
	var changed []datamodel.AttributeID
	c.mu.Lock()
	if c.onTime == 0 && c.offWaitTime != 0 {
		c.offWaitTime = 0
		changed = append(changed, AttrOffWaitTime)
	}
	if !c.globalSceneControl {
		c.globalSceneControl = true
		changed = append(changed, AttrGlobalSceneControl)
	}
	c.mu.Unlock()
	for _, id := range changed {
		c.NotifyAttributeChanged(id)
	}
}

// OnOff returns the current state.
func (c *Cluster) OnOff() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.onOff
}

// SetOnOff changes the state, persists it and marks OnOff dirty.
func (c *Cluster) SetOnOff(on bool) {
	c.mu.Lock()
	if c.onOff == on {
		c.mu.Unlock()
		return
	}
	c.onOff = on
	c.mu.Unlock()

	c.persistOnOff(on)
	c.NotifyAttributeChanged(AttrOnOff)
	c.log.Debugf("endpoint %d turned %s", c.config.Endpoint, onOffName(on))
	if c.config.OnStateChange != nil {
		c.config.OnStateChange(c.config.Endpoint, on)
	}
}

// StartUpOnOff returns the configured startup behavior, or nil for
// "previous".
func (c *Cluster) StartUpOnOff() *StartUpOnOff {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.startUpOnOff == nil {
		return nil
	}
	s := *c.startUpOnOff
	return &s
}
