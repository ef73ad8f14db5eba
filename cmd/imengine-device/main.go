// imengine-device runs a device with an on/off light and a smoke alarm,
// served over the Interaction Model on UDP.
//
// Usage:
//
//	imengine-device [options]
//
// Options:
//
//	-config     YAML configuration file
//	-port       UDP port (default: 5540)
//	-storage    bbolt database file (default: in-memory)
//	-scheduler  report scheduler, basic or synchronized
//	-mqtt       MQTT broker URL; enables the attribute bridge
//	-metrics    address for the Prometheus endpoint, e.g. :9100
//	-log-level  disabled, error, warn, info, debug or trace
//
// Flags override values from the configuration file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"

	"github.com/backkem/imengine/pkg/server"
)

type options struct {
	configPath string
	port       int
	storage    string
	scheduler  string
	mqtt       string
	metrics    string
	logLevel   string
}

func parseFlags() (options, map[string]bool) {
	var o options
	flag.StringVar(&o.configPath, "config", "", "YAML configuration file")
	flag.IntVar(&o.port, "port", server.DefaultPort, "UDP port")
	flag.StringVar(&o.storage, "storage", "", "bbolt database file (default: in-memory)")
	flag.StringVar(&o.scheduler, "scheduler", server.SchedulerBasic, "report scheduler: basic or synchronized")
	flag.StringVar(&o.mqtt, "mqtt", "", "MQTT broker URL")
	flag.StringVar(&o.metrics, "metrics", "", "Prometheus listen address")
	flag.StringVar(&o.logLevel, "log-level", "info", "log level")
	flag.Parse()

	set := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return o, set
}

// loadConfig reads the YAML file, if any, and applies the flags that were
// given on the command line.
func loadConfig(o options, set map[string]bool) (server.Config, error) {
	cfg := server.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = server.LoadConfig(o.configPath); err != nil {
			return cfg, err
		}
	}
	if set["port"] {
		cfg.ListenPort = o.port
	}
	if set["storage"] {
		cfg.Storage = server.StorageConfig{Backend: server.StorageBolt, Path: o.storage}
	}
	if set["scheduler"] {
		cfg.ReportScheduler = o.scheduler
	}
	if set["mqtt"] {
		cfg.MQTT.Enabled = true
		cfg.MQTT.Broker = o.mqtt
	}
	if set["metrics"] {
		cfg.Metrics.Listen = o.metrics
	}
	if set["log-level"] {
		cfg.LogLevel = o.logLevel
	}
	return cfg, cfg.Validate()
}

func newLoggerFactory(cfg server.Config) (logging.LoggerFactory, error) {
	level, err := server.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = level
	return lf, nil
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

func newServer(cfg server.Config, lf logging.LoggerFactory, reg *prometheus.Registry) (*server.Server, error) {
	return server.New(cfg, server.Options{LoggerFactory: lf, Registerer: reg})
}

func runServer(lc fx.Lifecycle, s *server.Server) {
	lc.Append(fx.Hook{
		OnStart: s.Start,
		OnStop: func(context.Context) error {
			return s.Stop()
		},
	})
}

func serveMetrics(lc fx.Lifecycle, cfg server.Config, reg *prometheus.Registry, lf logging.LoggerFactory) {
	if cfg.Metrics.Listen == "" {
		return
	}
	logger := lf.NewLogger("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("metrics: %w", err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("serve: %v", err)
				}
			}()
			logger.Infof("serving /metrics on %s", ln.Addr())
			return nil
		},
		OnStop: srv.Shutdown,
	})
}

func main() {
	o, set := parseFlags()
	cfg, err := loadConfig(o, set)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	app := fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(newLoggerFactory, newRegistry, newServer),
		fx.Invoke(runServer, serveMetrics),
	)
	if err := app.Err(); err != nil {
		log.Printf("startup: %v", err)
		os.Exit(1)
	}
	app.Run()
}
