package im

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/stretchr/testify/require"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/datamodel/codedriven"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/im/reporting"
	"github.com/backkem/imengine/pkg/storage"
	"github.com/backkem/imengine/pkg/system"
	"github.com/backkem/imengine/pkg/tlv"
)

const (
	fixtureCluster datamodel.ClusterID = 0xFFF1_FC02

	attrValue     datamodel.AttributeID = 0x0000
	attrTimed     datamodel.AttributeID = 0x0001
	attrReadOnly  datamodel.AttributeID = 0x0002
	attrAdminRead datamodel.AttributeID = 0x0003
	attrWriteOnly datamodel.AttributeID = 0x0004

	cmdEcho         datamodel.CommandID = 0x00
	cmdDeferred     datamodel.CommandID = 0x01
	cmdTimed        datamodel.CommandID = 0x02
	cmdSilent       datamodel.CommandID = 0x03
	cmdFabric       datamodel.CommandID = 0x04
	cmdEchoResponse datamodel.CommandID = 0x10
)

const (
	adminNode    uint64 = 0x1111
	viewerNode   uint64 = 0x2222
	operatorNode uint64 = 0x4444
	strangerNode uint64 = 0x3333
)

var writeOnlyPrivilege = datamodel.PrivilegeOperate

var fixtureMeta = datamodel.NewClusterMetadata(fixtureCluster, 3, 0,
	[]datamodel.AttributeEntry{
		datamodel.ReadWriteAttribute(attrValue, 0, datamodel.PrivilegeView, datamodel.PrivilegeOperate),
		datamodel.ReadWriteAttribute(attrTimed, datamodel.AttrQualityTimed, datamodel.PrivilegeView, datamodel.PrivilegeOperate),
		datamodel.ReadOnlyAttribute(attrReadOnly, 0, datamodel.PrivilegeView),
		datamodel.ReadOnlyAttribute(attrAdminRead, 0, datamodel.PrivilegeAdminister),
		{ID: attrWriteOnly, WritePrivilege: &writeOnlyPrivilege},
	},
	[]datamodel.CommandEntry{
		datamodel.AcceptedCommand(cmdEcho, 0, datamodel.PrivilegeOperate),
		datamodel.AcceptedCommand(cmdDeferred, 0, datamodel.PrivilegeOperate),
		datamodel.AcceptedCommand(cmdTimed, datamodel.CmdQualityTimed, datamodel.PrivilegeOperate),
		datamodel.AcceptedCommand(cmdSilent, 0, datamodel.PrivilegeOperate),
		datamodel.AcceptedCommand(cmdFabric, datamodel.CmdQualityFabricScoped, datamodel.PrivilegeOperate),
	},
	[]datamodel.CommandID{cmdEchoResponse})

// fixture is a cluster holding plain unsigned values.
type fixture struct {
	*codedriven.ClusterBase
	values   map[datamodel.AttributeID]uint64
	deferred []*datamodel.CommandResponseHelper
	echoes   int
}

func newFixture(ep datamodel.EndpointID) *fixture {
	return &fixture{
		ClusterBase: codedriven.NewClusterBase(ep, fixtureMeta),
		values:      make(map[datamodel.AttributeID]uint64),
	}
}

func (f *fixture) ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	return enc.EncodeUint(f.values[req.Path.Attribute])
}

func (f *fixture) WriteAttribute(req *datamodel.WriteAttributeRequest, dec *datamodel.AttributeValueDecoder) error {
	v, err := dec.UintMax(0xFF)
	if err != nil {
		return err
	}
	f.values[req.Path.Attribute] = v
	f.NotifyAttributeChanged(req.Path.Attribute)
	return nil
}

func (f *fixture) InvokeCommand(req *datamodel.InvokeRequest, fields *tlv.Reader, handler datamodel.CommandHandler) error {
	h := datamodel.NewCommandResponseHelper(handler, req.Path)
	switch req.Path.Command {
	case cmdEcho:
		f.echoes++
		var v uint64
		err := fields.ForEach(func(r *tlv.Reader) error {
			if r.Tag().IsContextNumber(0) {
				var err error
				v, err = r.Uint()
				return err
			}
			return nil
		})
		if err != nil {
			return datamodel.ErrInvalidCommand
		}
		return h.Success(cmdEchoResponse, echoFields(v))
	case cmdDeferred:
		h.Defer()
		f.deferred = append(f.deferred, h)
		return nil
	case cmdTimed, cmdFabric:
		return h.SuccessStatus()
	case cmdSilent:
		return nil
	}
	return datamodel.ErrUnsupportedCommand
}

func echoFields(v uint64) datamodel.ResponseEncoder {
	return func(w *tlv.Writer, tag tlv.Tag) error {
		if err := w.StartStructure(tag); err != nil {
			return err
		}
		if err := w.PutUint(tlv.ContextTag(0), v); err != nil {
			return err
		}
		return w.EndContainer()
	}
}

// countingProvider counts the reads that reach the provider.
type countingProvider struct {
	datamodel.Provider
	reads int
}

func (c *countingProvider) ReadAttribute(req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	c.reads++
	return c.Provider.ReadAttribute(req, enc)
}

type sentMessage struct {
	opcode  message.Opcode
	payload []byte
}

type fakeExchange struct {
	subject  acl.SubjectDescriptor
	session  uint16
	exchange uint16
	sent     []sentMessage
	sendErr  error
}

func (f *fakeExchange) Subject() acl.SubjectDescriptor { return f.subject }
func (f *fakeExchange) SessionID() uint16              { return f.session }
func (f *fakeExchange) ExchangeID() uint16             { return f.exchange }

func (f *fakeExchange) Send(opcode message.Opcode, payload []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{opcode: opcode, payload: append([]byte(nil), payload...)})
	return nil
}

// take returns the messages sent since the last call.
func (f *fakeExchange) take() []sentMessage {
	out := f.sent
	f.sent = nil
	return out
}

// manualTimers fires scheduler timers only when advanced.
type manualTimers struct {
	now    time.Duration
	timers map[reporting.TimerContext]time.Duration
}

func newManualTimers() *manualTimers {
	return &manualTimers{timers: make(map[reporting.TimerContext]time.Duration)}
}

func (m *manualTimers) StartTimer(ctx reporting.TimerContext, d time.Duration) error {
	m.timers[ctx] = m.now + d
	return nil
}

func (m *manualTimers) CancelTimer(ctx reporting.TimerContext) { delete(m.timers, ctx) }
func (m *manualTimers) Now() reporting.Timestamp               { return m.now }

func (m *manualTimers) IsTimerActive(ctx reporting.TimerContext) bool {
	_, ok := m.timers[ctx]
	return ok
}

func (m *manualTimers) advance(d time.Duration) {
	m.now += d
	for ctx, at := range m.timers {
		if at <= m.now {
			delete(m.timers, ctx)
			ctx.TimerFired()
		}
	}
}

type attributeChange struct {
	path     datamodel.ConcreteAttributePath
	elemType tlv.ElementType
	size     int
	value    []byte
}

type harness struct {
	t        *testing.T
	clock    *clock.Mock
	loop     *system.EventLoop
	timers   *manualTimers
	provider *codedriven.Provider
	counting *countingProvider
	ep1, ep2 *fixture
	acl      *acl.Checker
	store    *storage.MemoryStorage
	persist  *storage.DefaultSafeAttributePersistenceProvider
	changes  []attributeChange
	engine   *Engine
}

func caseSubject(node uint64) acl.SubjectDescriptor {
	return acl.SubjectDescriptor{FabricIndex: 1, AuthMode: acl.AuthModeCASE, Subject: node}
}

func newHarness(t *testing.T, configure ...func(*EngineConfig)) *harness {
	t.Helper()
	lf := logging.NewDefaultLoggerFactory()
	h := &harness{
		t:      t,
		clock:  clock.NewMock(),
		timers: newManualTimers(),
		store:  storage.NewMemoryStorage(),
	}
	h.loop = system.NewEventLoop(system.Config{Clock: h.clock, LoggerFactory: lf})

	h.provider = codedriven.NewProvider(codedriven.Config{LoggerFactory: lf})
	h.ep1, h.ep2 = newFixture(1), newFixture(2)
	for _, f := range []*fixture{h.ep1, h.ep2} {
		require.NoError(t, h.provider.RegisterEndpoint(datamodel.EndpointEntry{ID: f.Path().Endpoint}))
		require.NoError(t, h.provider.Register(f))
	}
	h.counting = &countingProvider{Provider: h.provider}

	h.acl = acl.NewChecker(nil)
	for node, priv := range map[uint64]acl.Privilege{
		adminNode:    acl.PrivilegeAdminister,
		viewerNode:   acl.PrivilegeView,
		operatorNode: acl.PrivilegeOperate,
	} {
		require.NoError(t, h.acl.AddEntry(acl.Entry{
			FabricIndex: 1,
			Privilege:   priv,
			AuthMode:    acl.AuthModeCASE,
			Subjects:    []uint64{node},
		}))
	}

	h.persist = &storage.DefaultSafeAttributePersistenceProvider{}
	require.NoError(t, h.persist.Init(h.store))

	cfg := EngineConfig{
		Provider:            func() datamodel.Provider { return h.counting },
		ACL:                 h.acl,
		Persistence:         h.persist,
		PersistedAttributes: []datamodel.ConcreteAttributePath{h.ep1.AttributePath(attrValue)},
		AttributeChanged: func(path datamodel.ConcreteAttributePath, elemType tlv.ElementType, size int, value []byte) {
			h.changes = append(h.changes, attributeChange{path, elemType, size, value})
		},
		Loop:          h.loop,
		Timer:         h.timers,
		LoggerFactory: lf,
	}
	for _, fn := range configure {
		fn(&cfg)
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	h.engine = e
	h.provider.SetChangeListener(e.MarkDirty)
	return h
}

func (h *harness) exchange(node uint64) *fakeExchange {
	return &fakeExchange{subject: caseSubject(node), session: 1, exchange: 1}
}

func (h *harness) send(ex *fakeExchange, opcode message.Opcode, msg interface{ Encode() ([]byte, error) }) []sentMessage {
	h.t.Helper()
	payload, err := msg.Encode()
	require.NoError(h.t, err)
	h.engine.HandleMessage(ex, opcode, payload)
	return ex.take()
}

func (h *harness) ack(ex *fakeExchange) []sentMessage {
	return h.send(ex, message.OpcodeStatusResponse, &message.StatusResponseMessage{Status: datamodel.StatusSuccess})
}

func attrPath(ep datamodel.EndpointID, attr datamodel.AttributeID) message.AttributePathIB {
	return message.AttributePathFor(datamodel.ConcreteAttributePath{Endpoint: ep, Cluster: fixtureCluster, Attribute: attr})
}

func cmdPath(ep datamodel.EndpointID, cmd datamodel.CommandID) message.CommandPathIB {
	return message.CommandPathFor(datamodel.ConcreteCommandPath{Endpoint: ep, Cluster: fixtureCluster, Command: cmd})
}

func uintValue(t *testing.T, v uint64) []byte {
	t.Helper()
	w := tlv.NewWriter()
	require.NoError(t, w.PutUint(tlv.Anonymous(), v))
	return w.Bytes()
}

func decodeUint(t *testing.T, raw []byte) uint64 {
	t.Helper()
	r, err := tlv.ReadElement(raw)
	require.NoError(t, err)
	v, err := r.Uint()
	require.NoError(t, err)
	return v
}

func onlyMessage(t *testing.T, sent []sentMessage, opcode message.Opcode) []byte {
	t.Helper()
	require.Len(t, sent, 1)
	require.Equal(t, opcode, sent[0].opcode)
	return sent[0].payload
}

func decodeReport(t *testing.T, payload []byte) message.ReportDataMessage {
	t.Helper()
	var m message.ReportDataMessage
	require.NoError(t, m.Decode(payload))
	return m
}

func decodeStatus(t *testing.T, payload []byte) datamodel.Status {
	t.Helper()
	var m message.StatusResponseMessage
	require.NoError(t, m.Decode(payload))
	return m.Status
}

// reportedPaths lists the paths of a report's data and status entries in
// order, with the status of each (Success for data).
func reportedPaths(t *testing.T, reports []message.AttributeReportIB) ([]datamodel.ConcreteAttributePath, []datamodel.Status) {
	t.Helper()
	var paths []datamodel.ConcreteAttributePath
	var statuses []datamodel.Status
	for _, r := range reports {
		switch {
		case r.AttributeData != nil:
			p, ok := r.AttributeData.Path.Concrete()
			require.True(t, ok)
			paths = append(paths, p)
			statuses = append(statuses, datamodel.StatusSuccess)
		case r.AttributeStatus != nil:
			p, ok := r.AttributeStatus.Path.Concrete()
			require.True(t, ok)
			paths = append(paths, p)
			statuses = append(statuses, r.AttributeStatus.Status.Status)
		}
	}
	return paths, statuses
}
