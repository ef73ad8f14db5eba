// Package server assembles a complete device: storage, the data model with
// its application clusters, access control, the Interaction Model engine,
// secure sessions and the transport, and runs them on one event loop.
package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/clusters/basic"
	"github.com/backkem/imengine/pkg/clusters/descriptor"
	"github.com/backkem/imengine/pkg/clusters/onoff"
	"github.com/backkem/imengine/pkg/clusters/smokecoalarm"
	"github.com/backkem/imengine/pkg/crypto"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/datamodel/codedriven"
	"github.com/backkem/imengine/pkg/im"
	"github.com/backkem/imengine/pkg/platform"
	"github.com/backkem/imengine/pkg/session"
	"github.com/backkem/imengine/pkg/storage"
	"github.com/backkem/imengine/pkg/system"
	"github.com/backkem/imengine/pkg/transport"
)

// Endpoint layout of the device.
const (
	LightEndpoint datamodel.EndpointID = 1
	SmokeEndpoint datamodel.EndpointID = 2
)

// Device types.
const (
	DeviceTypeRootNode     datamodel.DeviceTypeID = 0x0016
	DeviceTypeOnOffLight   datamodel.DeviceTypeID = 0x0100
	DeviceTypeSmokeCOAlarm datamodel.DeviceTypeID = 0x0076
)

// Options carry what cannot come from a YAML file.
type Options struct {
	LoggerFactory logging.LoggerFactory

	// Registerer receives the engine metrics. Nil disables them.
	Registerer prometheus.Registerer

	// Clock drives the event loop timers. Defaults to the wall clock.
	Clock clock.Clock

	// Transport replaces the UDP socket on Config.ListenPort.
	Transport transport.Transport

	// MQTTClient replaces the paho client of the MQTT bridge.
	MQTTClient platform.Publisher
}

// Server is an assembled device.
type Server struct {
	cfg  Config
	opts Options
	log  logging.LeveledLogger

	loop        *system.EventLoop
	store       storage.PersistentStorageDelegate
	persistence *storage.DefaultSafeAttributePersistenceProvider
	provider    *codedriven.Provider
	acl         *acl.Checker
	engine      *im.Engine
	transport   *transport.Manager
	sessions    *session.Manager
	bridge      *platform.MQTTBridge

	light *onoff.Cluster
	smoke *smokecoalarm.Cluster

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// New validates cfg and assembles the device. Nothing runs until Start.
func New(cfg Config, opts Options) (*Server, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	s := &Server{
		cfg:  cfg,
		opts: opts,
		log:  opts.LoggerFactory.NewLogger("server"),
		loop: system.NewEventLoop(system.Config{Clock: opts.Clock, LoggerFactory: opts.LoggerFactory}),
	}
	if err := s.assemble(); err != nil {
		return nil, multierr.Append(err, s.closeStorage())
	}
	return s, nil
}

func (s *Server) assemble() error {
	lf := s.opts.LoggerFactory

	if err := s.openStorage(); err != nil {
		return err
	}
	s.persistence = &storage.DefaultSafeAttributePersistenceProvider{}
	if err := s.persistence.Init(s.store); err != nil {
		return err
	}

	s.provider = codedriven.NewProvider(codedriven.Config{LoggerFactory: lf})
	if err := s.buildEndpoints(); err != nil {
		return err
	}
	getter := datamodel.NewProviderCell(s.provider).Getter()

	s.acl = acl.NewChecker(&datamodel.DynamicProviderDeviceTypeResolver{Getter: getter})
	entries, err := s.cfg.aclEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.acl.AddEntry(e); err != nil {
			return fmt.Errorf("%w: access control entry for fabric %d: %v", ErrInvalidConfig, e.FabricIndex, err)
		}
	}

	var metrics *im.Metrics
	if s.opts.Registerer != nil {
		if metrics, err = im.NewMetrics(s.opts.Registerer); err != nil {
			return fmt.Errorf("server: metrics: %w", err)
		}
	}

	sinks := []platform.Sink{platform.NewLogSink(lf)}
	if s.cfg.MQTT.Enabled || s.opts.MQTTClient != nil {
		s.bridge, err = platform.NewMQTTBridge(platform.MQTTBridgeConfig{
			Broker:        s.cfg.MQTT.Broker,
			ClientID:      s.cfg.MQTT.ClientID,
			TopicPrefix:   s.cfg.MQTT.TopicPrefix,
			Client:        s.opts.MQTTClient,
			LoggerFactory: lf,
		})
		if err != nil {
			return err
		}
		sinks = append(sinks, s.bridge)
	}

	scheduler, err := s.cfg.schedulerFactory()
	if err != nil {
		return err
	}
	s.engine, err = im.NewEngine(im.EngineConfig{
		Provider:            getter,
		ACL:                 s.acl,
		Persistence:         s.persistence,
		PersistedAttributes: persistedAttributes(),
		AttributeChanged:    platform.Callback(sinks...),
		Loop:                s.loop,
		Scheduler:           scheduler,
		Metrics:             metrics,
		MaxSubscriptions:    s.cfg.MaxSubscriptions,
		LoggerFactory:       lf,
	})
	if err != nil {
		return err
	}
	s.provider.SetChangeListener(s.engine.MarkDirty)
	if err := s.engine.RestorePersistedAttributes(); err != nil {
		return err
	}

	s.transport = transport.NewManager(transport.ManagerConfig{LoggerFactory: lf})
	s.transport.SetRendezvousDelegate(&rendezvous{log: s.log})
	s.sessions, err = session.NewManager(session.Config{
		Transport:     s.transport,
		Loop:          s.loop,
		LoggerFactory: lf,
	})
	if err != nil {
		return err
	}
	s.sessions.SetHandler(&dispatcher{sessions: s.sessions, handle: s.engine.HandleMessage, log: s.log})
	s.sessions.OnSessionRemoved(s.engine.OnSessionClosed)
	return s.provisionSessions()
}

func (s *Server) openStorage() error {
	if s.cfg.Storage.Backend == StorageBolt {
		db, err := storage.OpenBoltStorage(s.cfg.Storage.Path)
		if err != nil {
			return err
		}
		s.store = db
		return nil
	}
	s.store = storage.NewMemoryStorage()
	return nil
}

func (s *Server) closeStorage() error {
	if db, ok := s.store.(*storage.BoltStorage); ok {
		return db.Close()
	}
	return nil
}

// buildEndpoints registers the root node, an on/off light and a smoke
// alarm. Every endpoint carries a descriptor; the root also carries Basic
// Information.
func (s *Server) buildEndpoints() error {
	lf := s.opts.LoggerFactory
	root := datamodel.EndpointRoot

	if err := s.provider.RegisterEndpoint(datamodel.EndpointEntry{ID: root},
		datamodel.DeviceTypeEntry{ID: DeviceTypeRootNode, Revision: 1}); err != nil {
		return err
	}
	if err := s.provider.RegisterEndpoint(datamodel.EndpointEntry{ID: LightEndpoint, Parent: &root},
		datamodel.DeviceTypeEntry{ID: DeviceTypeOnOffLight, Revision: 3}); err != nil {
		return err
	}
	if err := s.provider.RegisterEndpoint(datamodel.EndpointEntry{ID: SmokeEndpoint, Parent: &root},
		datamodel.DeviceTypeEntry{ID: DeviceTypeSmokeCOAlarm, Revision: 1}); err != nil {
		return err
	}

	stateLog := lf.NewLogger("onoff")
	s.light = onoff.New(onoff.Config{
		Endpoint:    LightEndpoint,
		Features:    onoff.FeatureLighting,
		Persistence: s.persistence,
		OnStateChange: func(ep datamodel.EndpointID, on bool) {
			stateLog.Infof("light on endpoint %d is now %s", ep, onOffString(on))
		},
	})
	s.smoke = smokecoalarm.New(smokecoalarm.Config{
		Endpoint:         SmokeEndpoint,
		Loop:             s.loop,
		SelfTestDuration: s.cfg.Clusters.SmokeSelfTest,
	})

	dev := s.cfg.Device
	clusters := []codedriven.ServerCluster{
		basic.New(basic.Config{
			Endpoint: root,
			DeviceInfo: basic.DeviceInfo{
				VendorName:            dev.VendorName,
				VendorID:              dev.VendorID,
				ProductName:           dev.ProductName,
				ProductID:             dev.ProductID,
				SoftwareVersionString: dev.SoftwareVersion,
				SerialNumber:          dev.SerialNumber,
				UniqueID:              dev.UniqueID,
				CapabilityMinima: basic.CapabilityMinima{
					CaseSessionsPerFabric:  3,
					SubscriptionsPerFabric: uint16(s.cfg.MaxSubscriptions),
				},
			},
			NodeLabel: dev.NodeLabel,
		}),
		descriptor.New(descriptor.Config{Endpoint: root}),
		descriptor.New(descriptor.Config{Endpoint: LightEndpoint}),
		descriptor.New(descriptor.Config{Endpoint: SmokeEndpoint}),
		s.light,
		s.smoke,
	}
	for _, c := range clusters {
		if err := s.provider.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// persistedAttributes are mirrored to storage by the engine on every
// write. OnOff and StartUpOnOff are persisted by the cluster itself.
func persistedAttributes() []datamodel.ConcreteAttributePath {
	root := datamodel.EndpointRoot
	return []datamodel.ConcreteAttributePath{
		{Endpoint: root, Cluster: basic.ClusterID, Attribute: basic.AttrNodeLabel},
		{Endpoint: root, Cluster: basic.ClusterID, Attribute: basic.AttrLocation},
		{Endpoint: LightEndpoint, Cluster: onoff.ClusterID, Attribute: onoff.AttrOnTime},
		{Endpoint: LightEndpoint, Cluster: onoff.ClusterID, Attribute: onoff.AttrOffWaitTime},
	}
}

func (s *Server) provisionSessions() error {
	for _, sc := range s.cfg.Sessions {
		secret, err := sc.secret()
		if err != nil {
			return err
		}
		keys, err := crypto.DeriveSessionKeys(secret, nil)
		if err != nil {
			return err
		}
		var peer transport.PeerAddress
		if sc.Peer != "" {
			if peer, err = transport.UDPPeer(sc.Peer); err != nil {
				return err
			}
		}
		_, err = s.sessions.AddSession(session.Params{
			LocalSessionID: sc.LocalSessionID,
			PeerSessionID:  sc.PeerSessionID,
			Role:           session.RoleResponder,
			Keys:           keys,
			Peer:           peer,
			LocalNodeID:    sc.LocalNodeID,
			PeerNodeID:     sc.PeerNodeID,
			Subject: acl.SubjectDescriptor{
				FabricIndex: acl.FabricIndex(sc.FabricIndex),
				AuthMode:    acl.AuthModeCASE,
				Subject:     sc.PeerNodeID,
			},
		})
		if err != nil {
			return fmt.Errorf("server: session %d: %w", sc.LocalSessionID, err)
		}
	}
	return nil
}

// Start binds the transport, connects the MQTT bridge and runs the event
// loop until Stop.
func (s *Server) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanStart() {
		if s.state == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	t := s.opts.Transport
	if t == nil {
		udp, err := transport.NewUDP(transport.UDPConfig{
			ListenAddr:    fmt.Sprintf(":%d", s.cfg.ListenPort),
			LoggerFactory: s.opts.LoggerFactory,
		})
		if err != nil {
			return err
		}
		t = udp
	}
	if err := s.transport.Init(t); err != nil {
		return multierr.Append(err, t.Close())
	}
	if s.bridge != nil {
		s.bridge.Connect()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := s.loop.Run(runCtx); err != nil && runCtx.Err() == nil {
			s.log.Errorf("event loop: %v", err)
		}
	}()

	s.state = StateRunning
	s.log.Infof("listening on %s", s.transport.LocalAddr())
	return nil
}

// Stop shuts the server down in reverse start order and reports every
// component that failed to close.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.CanStop() {
		if s.state == StateStopped {
			return ErrAlreadyStopped
		}
		return ErrNotStarted
	}
	s.state = StateStopped

	err := s.transport.Close()
	if s.bridge != nil {
		err = multierr.Append(err, s.bridge.Close())
	}
	s.cancel()
	<-s.done

	// A pending self-test timer would post to a loop nobody runs.
	s.loop.LockStack()
	err = multierr.Append(err, s.provider.UnRegister(datamodel.ConcreteClusterPath{Endpoint: SmokeEndpoint, Cluster: smokecoalarm.ClusterID}))
	s.loop.UnlockStack()

	err = multierr.Append(err, s.closeStorage())
	s.log.Info("stopped")
	return err
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Engine returns the Interaction Model engine.
func (s *Server) Engine() *im.Engine { return s.engine }

// Loop returns the event loop every component runs on.
func (s *Server) Loop() *system.EventLoop { return s.loop }

// Sessions returns the secure session table.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// LocalAddr returns where the bound transport listens.
func (s *Server) LocalAddr() transport.PeerAddress { return s.transport.LocalAddr() }

// SetLight switches the light as a local control would. It runs on the
// event loop.
func (s *Server) SetLight(on bool) error {
	return s.loop.Post(func() { s.light.SetOnOff(on) })
}

// SetSmokeState reports a smoke sensor reading. It runs on the event loop.
func (s *Server) SetSmokeState(state smokecoalarm.AlarmState) error {
	return s.loop.Post(func() { s.smoke.SetSmokeState(state) })
}

func onOffString(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
