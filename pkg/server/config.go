package server

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pion/logging"
	"gopkg.in/yaml.v3"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/clusters/basic"
	"github.com/backkem/imengine/pkg/clusters/smokecoalarm"
	"github.com/backkem/imengine/pkg/im"
)

// DefaultPort is the Matter operational port.
const DefaultPort = 5540

const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"

	SchedulerBasic        = "basic"
	SchedulerSynchronized = "synchronized"
)

// Config is the device configuration, normally read from YAML.
type Config struct {
	ListenPort       int             `yaml:"listen_port"`
	Device           DeviceConfig    `yaml:"device"`
	Storage          StorageConfig   `yaml:"storage"`
	ReportScheduler  string          `yaml:"report_scheduler"`
	MaxSubscriptions int             `yaml:"max_subscriptions"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	Metrics          MetricsConfig   `yaml:"metrics"`
	Clusters         ClustersConfig  `yaml:"clusters"`
	LogLevel         string          `yaml:"log_level"`
	AccessControl    []ACLEntry      `yaml:"access_control"`
	Sessions         []SessionConfig `yaml:"sessions"`
}

// DeviceConfig describes the node in the Basic Information cluster.
type DeviceConfig struct {
	VendorName      string `yaml:"vendor_name"`
	VendorID        uint16 `yaml:"vendor_id"`
	ProductName     string `yaml:"product_name"`
	ProductID       uint16 `yaml:"product_id"`
	SerialNumber    string `yaml:"serial_number"`
	UniqueID        string `yaml:"unique_id"`
	SoftwareVersion string `yaml:"software_version"`
	NodeLabel       string `yaml:"node_label"`
}

// StorageConfig selects where persisted attributes live.
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory or bolt
	Path    string `yaml:"path"`    // bolt database file
}

// MQTTConfig configures the attribute-change bridge.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// MetricsConfig configures the Prometheus endpoint of the device binary.
// An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// ClustersConfig tunes the application clusters.
type ClustersConfig struct {
	SmokeSelfTest time.Duration `yaml:"smoke_self_test"`
}

// ACLEntry is one access control entry.
type ACLEntry struct {
	FabricIndex uint8       `yaml:"fabric_index"`
	Privilege   string      `yaml:"privilege"`
	AuthMode    string      `yaml:"auth_mode"` // case (default) or group
	Subjects    []uint64    `yaml:"subjects"`
	Targets     []ACLTarget `yaml:"targets"`
}

// ACLTarget narrows an entry. Unset fields are wildcards.
type ACLTarget struct {
	Endpoint   *uint16 `yaml:"endpoint"`
	Cluster    *uint32 `yaml:"cluster"`
	DeviceType *uint32 `yaml:"device_type"`
}

// SessionConfig is a session provisioned out of band. The server plays
// the responder; keys are derived from Secret.
type SessionConfig struct {
	LocalSessionID uint16 `yaml:"local_session_id"`
	PeerSessionID  uint16 `yaml:"peer_session_id"`
	Secret         string `yaml:"secret"` // hex
	Peer           string `yaml:"peer"`   // host:port, learned from traffic when empty
	FabricIndex    uint8  `yaml:"fabric_index"`
	LocalNodeID    uint64 `yaml:"local_node_id"`
	PeerNodeID     uint64 `yaml:"peer_node_id"`
}

// LoadConfig reads a YAML file, applies defaults and validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("server: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenPort == 0 {
		c.ListenPort = DefaultPort
	}
	if c.Device.VendorName == "" {
		c.Device.VendorName = "imengine"
	}
	if c.Device.VendorID == 0 {
		c.Device.VendorID = 0xFFF1 // test vendor
	}
	if c.Device.ProductName == "" {
		c.Device.ProductName = "Light and Smoke Alarm"
	}
	if c.Device.ProductID == 0 {
		c.Device.ProductID = 0x8001
	}
	if c.Device.UniqueID == "" {
		c.Device.UniqueID = c.Device.ProductName
	}
	if c.Device.SoftwareVersion == "" {
		c.Device.SoftwareVersion = "1.0"
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.ReportScheduler == "" {
		c.ReportScheduler = SchedulerBasic
	}
	if c.MaxSubscriptions == 0 {
		c.MaxSubscriptions = im.DefaultMaxSubscriptions
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "imengine-device"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "imengine"
	}
	if c.Clusters.SmokeSelfTest == 0 {
		c.Clusters.SmokeSelfTest = smokecoalarm.DefaultSelfTestDuration
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.ListenPort < 0 || c.ListenPort > 0xFFFF {
		return fmt.Errorf("%w: listen_port %d", ErrInvalidConfig, c.ListenPort)
	}
	if len(c.Device.VendorName) > basic.MaxNameLength || len(c.Device.ProductName) > basic.MaxNameLength {
		return fmt.Errorf("%w: device names are limited to %d bytes", ErrInvalidConfig, basic.MaxNameLength)
	}
	switch c.Storage.Backend {
	case StorageMemory:
	case StorageBolt:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for bolt", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: storage.backend %q", ErrInvalidConfig, c.Storage.Backend)
	}
	if _, err := c.schedulerFactory(); err != nil {
		return err
	}
	if c.MaxSubscriptions < 0 {
		return fmt.Errorf("%w: max_subscriptions %d", ErrInvalidConfig, c.MaxSubscriptions)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required", ErrInvalidConfig)
	}
	if c.Clusters.SmokeSelfTest < 0 {
		return fmt.Errorf("%w: clusters.smoke_self_test %s", ErrInvalidConfig, c.Clusters.SmokeSelfTest)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := c.aclEntries(); err != nil {
		return err
	}
	seen := make(map[uint16]bool)
	for _, s := range c.Sessions {
		if s.LocalSessionID == 0 || s.PeerSessionID == 0 {
			return fmt.Errorf("%w: session ids must be non-zero", ErrInvalidConfig)
		}
		if seen[s.LocalSessionID] {
			return fmt.Errorf("%w: duplicate local_session_id %d", ErrInvalidConfig, s.LocalSessionID)
		}
		seen[s.LocalSessionID] = true
		if _, err := s.secret(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) schedulerFactory() (im.SchedulerFactory, error) {
	switch c.ReportScheduler {
	case SchedulerBasic:
		return im.BasicSchedulerFactory, nil
	case SchedulerSynchronized:
		return im.SynchronizedSchedulerFactory, nil
	}
	return nil, fmt.Errorf("%w: report_scheduler %q", ErrInvalidConfig, c.ReportScheduler)
}

func (c *Config) aclEntries() ([]acl.Entry, error) {
	entries := make([]acl.Entry, 0, len(c.AccessControl))
	for i, e := range c.AccessControl {
		priv, err := parsePrivilege(e.Privilege)
		if err != nil {
			return nil, fmt.Errorf("%w: access_control[%d]: %v", ErrInvalidConfig, i, err)
		}
		mode := acl.AuthModeCASE
		switch strings.ToLower(e.AuthMode) {
		case "", "case":
		case "group":
			mode = acl.AuthModeGroup
		default:
			return nil, fmt.Errorf("%w: access_control[%d]: auth_mode %q", ErrInvalidConfig, i, e.AuthMode)
		}
		entry := acl.Entry{
			FabricIndex: acl.FabricIndex(e.FabricIndex),
			Privilege:   priv,
			AuthMode:    mode,
			Subjects:    e.Subjects,
		}
		for _, t := range e.Targets {
			entry.Targets = append(entry.Targets, acl.Target{Endpoint: t.Endpoint, Cluster: t.Cluster, DeviceType: t.DeviceType})
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *SessionConfig) secret() ([]byte, error) {
	b, err := hex.DecodeString(s.Secret)
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%w: session %d: secret must be non-empty hex", ErrInvalidConfig, s.LocalSessionID)
	}
	return b, nil
}

func parsePrivilege(s string) (acl.Privilege, error) {
	for p := acl.PrivilegeView; p <= acl.PrivilegeAdminister; p++ {
		if strings.EqualFold(s, p.String()) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown privilege %q", s)
}

// ParseLogLevel maps a level name to its pion level.
func ParseLogLevel(s string) (logging.LogLevel, error) {
	switch strings.ToLower(s) {
	case "disabled", "off":
		return logging.LogLevelDisabled, nil
	case "error":
		return logging.LogLevelError, nil
	case "warn", "warning":
		return logging.LogLevelWarn, nil
	case "info":
		return logging.LogLevelInfo, nil
	case "debug":
		return logging.LogLevelDebug, nil
	case "trace":
		return logging.LogLevelTrace, nil
	}
	return 0, fmt.Errorf("%w: log_level %q", ErrInvalidConfig, s)
}
