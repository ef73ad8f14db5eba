package server

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/clusters/basic"
	"github.com/backkem/imengine/pkg/clusters/onoff"
	"github.com/backkem/imengine/pkg/crypto"
	"github.com/backkem/imengine/pkg/datamodel"
	imsg "github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/message"
	"github.com/backkem/imengine/pkg/session"
	"github.com/backkem/imengine/pkg/system"
	"github.com/backkem/imengine/pkg/tlv"
	"github.com/backkem/imengine/pkg/transport"
)

const (
	controllerNode = 0x1111
	deviceNode     = 0x2222
	testSecret     = "00112233445566778899aabbccddeeff"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port: 15540
storage:
  backend: bolt
  path: /var/lib/imengine/state.db
report_scheduler: synchronized
mqtt:
  enabled: true
  broker: tcp://broker:1883
clusters:
  smoke_self_test: 5s
log_level: debug
access_control:
  - fabric_index: 1
    privilege: operate
    subjects: [4369]
    targets:
      - endpoint: 1
sessions:
  - local_session_id: 20
    peer_session_id: 10
    secret: "0011"
    fabric_index: 1
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 15540, cfg.ListenPort)
	assert.Equal(t, StorageBolt, cfg.Storage.Backend)
	assert.Equal(t, SchedulerSynchronized, cfg.ReportScheduler)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "imengine", cfg.MQTT.TopicPrefix, "default applied")
	assert.Equal(t, 5*time.Second, cfg.Clusters.SmokeSelfTest)
	assert.Equal(t, 16, cfg.MaxSubscriptions)

	entries, err := cfg.aclEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, acl.PrivilegeOperate, entries[0].Privilege)
	assert.Equal(t, acl.AuthModeCASE, entries[0].AuthMode)
	assert.Equal(t, uint16(1), *entries[0].Targets[0].Endpoint)
	assert.Nil(t, entries[0].Targets[0].Cluster)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"port", func(c *Config) { c.ListenPort = 70000 }},
		{"backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"bolt without path", func(c *Config) { c.Storage.Backend = StorageBolt }},
		{"scheduler", func(c *Config) { c.ReportScheduler = "eager" }},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }},
		{"log level", func(c *Config) { c.LogLevel = "loud" }},
		{"privilege", func(c *Config) { c.AccessControl = []ACLEntry{{FabricIndex: 1, Privilege: "root"}} }},
		{"auth mode", func(c *Config) { c.AccessControl = []ACLEntry{{FabricIndex: 1, Privilege: "view", AuthMode: "pase"}} }},
		{"session secret", func(c *Config) {
			c.Sessions = []SessionConfig{{LocalSessionID: 1, PeerSessionID: 2, Secret: "zz"}}
		}},
		{"session id", func(c *Config) { c.Sessions = []SessionConfig{{PeerSessionID: 2, Secret: "00"}} }},
		{"duplicate session", func(c *Config) {
			c.Sessions = []SessionConfig{
				{LocalSessionID: 1, PeerSessionID: 2, Secret: "00"},
				{LocalSessionID: 1, PeerSessionID: 3, Secret: "00"},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestParseLogLevel(t *testing.T) {
	for _, name := range []string{"disabled", "error", "warn", "info", "debug", "trace", "INFO"} {
		_, err := ParseLogLevel(name)
		assert.NoError(t, err, name)
	}
	_, err := ParseLogLevel("verbose")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

// controller is the far end of a pipe: a session to the device and a
// channel of everything the device sends back.
type controller struct {
	sessions *session.Manager
	replies  chan reply
}

type reply struct {
	header  message.ProtocolHeader
	payload []byte
}

func deviceConfig() Config {
	cfg := DefaultConfig()
	cfg.AccessControl = []ACLEntry{{FabricIndex: 1, Privilege: "administer", Subjects: []uint64{controllerNode}}}
	cfg.Sessions = []SessionConfig{{
		LocalSessionID: 20, PeerSessionID: 10, Secret: testSecret,
		FabricIndex: 1, LocalNodeID: deviceNode, PeerNodeID: controllerNode,
	}}
	return cfg
}

// startDevice runs a server on one end of a pipe and a controller on the
// other.
func startDevice(t *testing.T, cfg Config, opts Options) (*Server, *controller) {
	t.Helper()
	pipe := transport.NewPipe(transport.PipeConfig{})
	deviceEnd, controllerEnd := pipe.Ends()
	opts.Transport = deviceEnd

	srv, err := New(cfg, opts)
	require.NoError(t, err)
	require.NoError(t, srv.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	loop := system.NewEventLoop(system.Config{})
	go func() { _ = loop.Run(ctx) }()

	tm := transport.NewManager(transport.ManagerConfig{})
	require.NoError(t, tm.Init(controllerEnd))
	c := &controller{replies: make(chan reply, 16)}
	c.sessions, err = session.NewManager(session.Config{
		Transport: tm,
		Loop:      loop,
		Handler: session.MessageHandlerFunc(func(_ *session.Session, h *message.ProtocolHeader, payload []byte) {
			c.replies <- reply{*h, append([]byte(nil), payload...)}
		}),
	})
	require.NoError(t, err)

	secret, err := (&SessionConfig{Secret: testSecret}).secret()
	require.NoError(t, err)
	keys, err := crypto.DeriveSessionKeys(secret, nil)
	require.NoError(t, err)
	_, err = c.sessions.AddSession(session.Params{
		LocalSessionID: 10, PeerSessionID: 20, Role: session.RoleInitiator, Keys: keys,
		Peer:        transport.PeerAddress{Addr: transport.PipeAddr(0)},
		LocalNodeID: controllerNode, PeerNodeID: deviceNode,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if srv.State() == StateRunning {
			assert.NoError(t, srv.Stop())
		}
		cancel()
		assert.NoError(t, pipe.Close())
	})
	return srv, c
}

type encodable interface {
	Encode() ([]byte, error)
}

// request sends msg on a new exchange and waits for the reply on it.
func (c *controller) request(t *testing.T, exchange uint16, opcode imsg.Opcode, msg encodable) reply {
	t.Helper()
	payload, err := msg.Encode()
	require.NoError(t, err)
	h := &message.ProtocolHeader{
		Opcode: uint8(opcode), ExchangeID: exchange,
		ProtocolID: message.ProtocolInteractionModel, Initiator: true,
	}
	require.NoError(t, c.sessions.Send(10, h, payload))
	select {
	case r := <-c.replies:
		assert.Equal(t, exchange, r.header.ExchangeID)
		assert.False(t, r.header.Initiator)
		return r
	case <-time.After(5 * time.Second):
		t.Fatalf("no reply to %s", opcode)
		return reply{}
	}
}

func lightPath(attr datamodel.AttributeID) datamodel.ConcreteAttributePath {
	return datamodel.ConcreteAttributePath{Endpoint: LightEndpoint, Cluster: onoff.ClusterID, Attribute: attr}
}

func anonymousUint(t *testing.T, v uint64) []byte {
	t.Helper()
	w := tlv.NewWriter()
	require.NoError(t, w.PutUint(tlv.Anonymous(), v))
	return w.Bytes()
}

type fakeToken struct{ done chan struct{} }

func (f *fakeToken) Wait() bool                     { return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (f *fakeToken) Done() <-chan struct{}          { return f.done }
func (f *fakeToken) Error() error                   { return nil }

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, _ interface{}) pahomqtt.Token {
	p.mu.Lock()
	p.topics = append(p.topics, topic)
	p.mu.Unlock()
	done := make(chan struct{})
	close(done)
	return &fakeToken{done: done}
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.topics...)
}

func TestServer_EndToEnd(t *testing.T) {
	mqtt := &fakePublisher{}
	reg := prometheus.NewRegistry()
	_, c := startDevice(t, deviceConfig(), Options{MQTTClient: mqtt, Registerer: reg})

	on := datamodel.ConcreteCommandPath{Endpoint: LightEndpoint, Cluster: onoff.ClusterID, Command: onoff.CmdOn}
	r := c.request(t, 1, imsg.OpcodeInvokeRequest, &imsg.InvokeRequestMessage{
		InvokeRequests: []imsg.CommandDataIB{{Path: imsg.CommandPathFor(on)}},
	})
	require.Equal(t, uint8(imsg.OpcodeInvokeResponse), r.header.Opcode)
	var invoke imsg.InvokeResponseMessage
	require.NoError(t, invoke.Decode(r.payload))
	require.Len(t, invoke.InvokeResponses, 1)
	require.NotNil(t, invoke.InvokeResponses[0].Status)
	assert.Equal(t, datamodel.StatusSuccess, invoke.InvokeResponses[0].Status.Status.Status)

	r = c.request(t, 2, imsg.OpcodeReadRequest, &imsg.ReadRequestMessage{
		AttributeRequests: []imsg.AttributePathIB{imsg.AttributePathFor(lightPath(onoff.AttrOnOff))},
	})
	require.Equal(t, uint8(imsg.OpcodeReportData), r.header.Opcode)
	var report imsg.ReportDataMessage
	require.NoError(t, report.Decode(r.payload))
	require.Len(t, report.AttributeReports, 1)
	require.NotNil(t, report.AttributeReports[0].AttributeData)
	value, err := tlv.ReadElement(report.AttributeReports[0].AttributeData.Data)
	require.NoError(t, err)
	isOn, err := value.Bool()
	require.NoError(t, err)
	assert.True(t, isOn)

	r = c.request(t, 3, imsg.OpcodeWriteRequest, &imsg.WriteRequestMessage{
		WriteRequests: []imsg.AttributeDataIB{{
			Path: imsg.AttributePathFor(lightPath(onoff.AttrOnTime)),
			Data: anonymousUint(t, 100),
		}},
	})
	require.Equal(t, uint8(imsg.OpcodeWriteResponse), r.header.Opcode)
	var write imsg.WriteResponseMessage
	require.NoError(t, write.Decode(r.payload))
	require.Len(t, write.WriteResponses, 1)
	assert.Equal(t, datamodel.StatusSuccess, write.WriteResponses[0].Status.Status)

	assert.Equal(t, []string{"imengine/1/0006/4001"}, mqtt.published())

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "imengine_interactions_total")
}

func TestServer_AccessDenied(t *testing.T) {
	cfg := deviceConfig()
	cfg.AccessControl = []ACLEntry{{FabricIndex: 1, Privilege: "view", Subjects: []uint64{controllerNode}}}
	_, c := startDevice(t, cfg, Options{})

	off := datamodel.ConcreteCommandPath{Endpoint: LightEndpoint, Cluster: onoff.ClusterID, Command: onoff.CmdOff}
	r := c.request(t, 1, imsg.OpcodeInvokeRequest, &imsg.InvokeRequestMessage{
		InvokeRequests: []imsg.CommandDataIB{{Path: imsg.CommandPathFor(off)}},
	})
	var invoke imsg.InvokeResponseMessage
	require.NoError(t, invoke.Decode(r.payload))
	require.Len(t, invoke.InvokeResponses, 1)
	require.NotNil(t, invoke.InvokeResponses[0].Status)
	assert.Equal(t, datamodel.StatusUnsupportedAccess, invoke.InvokeResponses[0].Status.Status.Status)
}

func TestServer_DropsOtherProtocols(t *testing.T) {
	_, c := startDevice(t, deviceConfig(), Options{})

	h := &message.ProtocolHeader{Opcode: 0x20, ExchangeID: 9, ProtocolID: message.ProtocolSecureChannel, Initiator: true}
	require.NoError(t, c.sessions.Send(10, h, []byte{0x01}))
	assert.Never(t, func() bool { return len(c.replies) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
}

// Removing a session from a foreign goroutine while reports are being
// generated tears its subscription down on the loop.
func TestServer_RemoveSessionWhileReporting(t *testing.T) {
	srv, c := startDevice(t, deviceConfig(), Options{})

	r := c.request(t, 40, imsg.OpcodeSubscribeRequest, &imsg.SubscribeRequestMessage{
		MaxIntervalCeiling: 60,
		AttributeRequests:  []imsg.AttributePathIB{imsg.AttributePathFor(lightPath(onoff.AttrOnOff))},
	})
	require.Equal(t, uint8(imsg.OpcodeReportData), r.header.Opcode)
	r = c.request(t, 40, imsg.OpcodeStatusResponse, &imsg.StatusResponseMessage{Status: datamodel.StatusSuccess})
	require.Equal(t, uint8(imsg.OpcodeSubscribeResponse), r.header.Opcode)

	subscriptions := func() int {
		var n int
		onLoop(t, srv, func() { n = srv.Engine().Subscriptions() })
		return n
	}
	require.Equal(t, 1, subscriptions())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		on := false
		for {
			select {
			case <-stop:
				return
			default:
			}
			on = !on
			_ = srv.SetLight(on)
			time.Sleep(time.Millisecond)
		}
	}()

	require.NoError(t, srv.Sessions().RemoveSession(20))
	assert.Eventually(t, func() bool { return subscriptions() == 0 }, 5*time.Second, 10*time.Millisecond)
	close(stop)
	wg.Wait()
	assert.Nil(t, srv.Sessions().Session(20))
}

func TestServer_Lifecycle(t *testing.T) {
	srv, err := New(DefaultConfig(), Options{})
	require.NoError(t, err)
	assert.Equal(t, StateInitialized, srv.State())
	assert.ErrorIs(t, srv.Stop(), ErrNotStarted)

	pipe := transport.NewPipe(transport.PipeConfig{ManualProcess: true})
	defer pipe.Close()
	end, _ := pipe.Ends()
	srv.opts.Transport = end

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, srv.Start(ctx), context.Canceled)

	require.NoError(t, srv.Start(context.Background()))
	assert.Equal(t, StateRunning, srv.State())
	assert.ErrorIs(t, srv.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, srv.Stop())
	assert.Equal(t, StateStopped, srv.State())
	assert.ErrorIs(t, srv.Stop(), ErrAlreadyStopped)
	assert.ErrorIs(t, srv.Start(context.Background()), ErrStopped)
}

// onLoop runs fn on the server's event loop and waits for it.
func onLoop(t *testing.T, srv *Server, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, srv.Loop().Post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event loop did not run")
	}
}

func TestServer_PersistsAcrossRestart(t *testing.T) {
	cfg := deviceConfig()
	cfg.Storage = StorageConfig{Backend: StorageBolt, Path: filepath.Join(t.TempDir(), "state.db")}
	admin := acl.SubjectDescriptor{FabricIndex: 1, AuthMode: acl.AuthModeCASE, Subject: controllerNode}

	first, _ := startDevice(t, cfg, Options{})
	require.NoError(t, first.SetLight(true))
	raw := anonymousUint(t, 42)
	lw := tlv.NewWriter()
	require.NoError(t, lw.PutString(tlv.Anonymous(), "porch"))
	labelPath := datamodel.ConcreteAttributePath{Endpoint: datamodel.EndpointRoot, Cluster: basic.ClusterID, Attribute: basic.AttrNodeLabel}
	var err, labelErr error
	onLoop(t, first, func() {
		err = first.Engine().WriteAttribute(admin, lightPath(onoff.AttrOffWaitTime), raw, false)
		labelErr = first.Engine().WriteAttribute(admin, labelPath, lw.Bytes(), false)
	})
	require.NoError(t, err)
	require.NoError(t, labelErr)
	require.NoError(t, first.Stop())

	second, _ := startDevice(t, cfg, Options{})
	var onRaw, waitRaw, labelRaw []byte
	var onErr, waitErr error
	onLoop(t, second, func() {
		onRaw, onErr = second.Engine().ReadAttribute(admin, lightPath(onoff.AttrOnOff))
		waitRaw, waitErr = second.Engine().ReadAttribute(admin, lightPath(onoff.AttrOffWaitTime))
		labelRaw, labelErr = second.Engine().ReadAttribute(admin, labelPath)
	})
	require.NoError(t, onErr)
	require.NoError(t, waitErr)
	require.NoError(t, labelErr)

	v, err := tlv.ReadElement(onRaw)
	require.NoError(t, err)
	isOn, err := v.Bool()
	require.NoError(t, err)
	assert.True(t, isOn, "on/off state survives a restart")

	v, err = tlv.ReadElement(waitRaw)
	require.NoError(t, err)
	wait, err := v.Uint()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), wait, "mirrored attribute is restored")

	v, err = tlv.ReadElement(labelRaw)
	require.NoError(t, err)
	label, err := v.String()
	require.NoError(t, err)
	assert.Equal(t, "porch", label)
}

func TestServer_BadACLEntry(t *testing.T) {
	cfg := DefaultConfig()
	// Fabric index 0 passes config parsing but the checker refuses it.
	cfg.AccessControl = []ACLEntry{{FabricIndex: 0, Privilege: "view"}}
	_, err := New(cfg, Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
