package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-yaml/yaml"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/nasa-jpl/scopesrv/generichttp"
	"github.com/nasa-jpl/scopesrv/generichttp/tmc"
	"github.com/nasa-jpl/scopesrv/monitor"
	"github.com/nasa-jpl/scopesrv/oscilloscope"
	"github.com/nasa-jpl/scopesrv/rohde"
	"github.com/nasa-jpl/scopesrv/server/middleware/locker"
	"github.com/nasa-jpl/scopesrv/util"
)

// ObjSetup holds the setup of one oscilloscope
type ObjSetup struct {
	// Addr holds the network or filesystem address of the remote device,
	// e.g. 192.168.100.123:5025 for a scope on the LAN, or /dev/ttyUSB0
	// for a scope on a serial cable.  The SCPI port is used if none is given.
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Endpoint is the full path the routes from this device will be served on
	// ex. Endpoint="/omc/scope" will produce routes of /omc/scope/run, etc.
	Endpoint string `yaml:"Endpoint" koanf:"Endpoint"`

	// Type is the instrument family, e.g. rto
	Type string `yaml:"Type" koanf:"Type"`

	// Timeout is the I/O timeout of a single command, in seconds
	Timeout float64 `yaml:"Timeout" koanf:"Timeout"`

	// AcquisitionTimeout bounds a run, in seconds
	AcquisitionTimeout float64 `yaml:"AcquisitionTimeout" koanf:"AcquisitionTimeout"`

	// PollInterval is the busy-wait polling period, in seconds
	PollInterval float64 `yaml:"PollInterval" koanf:"PollInterval"`

	// StaleAfter is how long without an update before the status says so, in seconds
	StaleAfter float64 `yaml:"StaleAfter" koanf:"StaleAfter"`

	// Refresh is the period at which the settings are re-read from an idle
	// scope, in seconds.  Zero disables it.
	Refresh float64 `yaml:"Refresh" koanf:"Refresh"`
}

// Config is a struct that holds the initialization parameters for the
// server.  It is to be populated by koanf.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Mock replaces every instrument with an in-memory one
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// LogLevel is a logrus level, e.g. info or debug
	LogLevel string `yaml:"LogLevel" koanf:"LogLevel"`

	// LogFormat is text or json
	LogFormat string `yaml:"LogFormat" koanf:"LogFormat"`

	// Nodes is the list of nodes to set up
	Nodes []ObjSetup `yaml:"Nodes" koanf:"Nodes"`
}

// DefaultConfig is the configuration used for anything the file leaves out
func DefaultConfig() Config {
	return Config{
		Addr:      ":8000",
		LogLevel:  "info",
		LogFormat: "text",
		Nodes:     []ObjSetup{},
	}
}

// withDefaults fills the zero fields of a node
func (o ObjSetup) withDefaults() ObjSetup {
	if o.Timeout == 0 {
		o.Timeout = 3
	}
	if o.AcquisitionTimeout == 0 {
		o.AcquisitionTimeout = oscilloscope.DefaultAcquisitionTimeout.Seconds()
	}
	if o.PollInterval == 0 {
		o.PollInterval = oscilloscope.DefaultPollInterval.Seconds()
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = oscilloscope.DefaultStaleAfter.Seconds()
	}
	return o
}

// LoadYaml strictly decodes a (path to a) yaml file into a Config struct.
// Unknown keys are errors.
func LoadYaml(path string) (Config, error) {
	cfg := Config{}
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	err = yaml.UnmarshalStrict(buf, &cfg)
	return cfg, err
}

// Validate checks that every node can be built
func (c Config) Validate() error {
	seen := map[string]bool{}
	for i, node := range c.Nodes {
		if _, err := rohde.ParseSeries(node.Type); err != nil {
			return errors.Wrapf(err, "node %d", i)
		}
		if node.Addr == "" && !c.Mock {
			return errors.Errorf("node %d has no Addr", i)
		}
		stem := generichttp.SubMuxSanitize(node.Endpoint)
		if stem == "/" {
			return errors.Errorf("node %d has no Endpoint", i)
		}
		if seen[stem] {
			return errors.Errorf("node %d: endpoint %s is used twice", i, stem)
		}
		seen[stem] = true
	}
	return nil
}

// Setup configures the logger from the config
func (c Config) Setup(log *logrus.Logger) error {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	switch strings.ToLower(c.LogFormat) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return errors.Errorf("log format %q not understood", c.LogFormat)
	}
	return nil
}

// BuildControllers makes one controller per node
func BuildControllers(c Config, log logrus.FieldLogger, obs oscilloscope.Observer) ([]*oscilloscope.Controller, error) {
	out := make([]*oscilloscope.Controller, 0, len(c.Nodes))
	for _, node := range c.Nodes {
		node = node.withDefaults()
		series, err := rohde.ParseSeries(node.Type)
		if err != nil {
			return nil, err
		}
		factory := series.Factory(util.SecsToDuration(node.Timeout))
		if c.Mock {
			factory = (&oscilloscope.MockFactory{}).New
		}
		name := strings.Trim(generichttp.SubMuxSanitize(node.Endpoint), "/")
		host := node.Addr
		if c.Mock && host == "" {
			host = name
		}
		out = append(out, oscilloscope.NewController(oscilloscope.Config{
			Name:               name,
			Host:               host,
			Variant:            series.Variant(),
			Factory:            factory,
			AcquisitionTimeout: util.SecsToDuration(node.AcquisitionTimeout),
			PollInterval:       util.SecsToDuration(node.PollInterval),
			StaleAfter:         util.SecsToDuration(node.StaleAfter),
			Logger:             log.WithField("endpoint", node.Endpoint),
			Observer:           obs,
		}))
	}
	return out, nil
}

// BuildMux mounts a locked sub-router for every controller, plus
// /endpoints, which returns the routes of every node as JSON, and /metrics.
func BuildMux(c Config, ctls []*oscilloscope.Controller, gatherer prometheus.Gatherer) chi.Router {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}

	for i, node := range c.Nodes {
		httper := tmc.NewHTTPOscilloscope(ctls[i])

		// prepare the URL, "omc/scope" => "/omc/scope"
		hndlS := generichttp.SubMuxSanitize(node.Endpoint)

		lock := locker.New()
		locker.Inject(httper, lock)
		supergraph[hndlS] = httper.RT().Endpoints()

		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	root.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return root
}

// refresher periodically re-reads the settings of an idle controller so
// changes made at the front panel show up, until ctx is done
func refresher(ctx context.Context, ctl *oscilloscope.Controller, every time.Duration, log logrus.FieldLogger) {
	if every <= 0 {
		return
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		switch ctl.State() {
		case oscilloscope.Connected, oscilloscope.Stopped:
		default:
			continue
		}
		rctx, cancel := context.WithTimeout(ctx, every)
		err := ctl.Refresh(rctx)
		cancel()
		if err != nil {
			log.WithError(err).WithField("device", ctl.Device()).Warn("periodic refresh failed")
		}
	}
}

// NewRegistry returns a registry with the process and go collectors and
// the scope metrics
func NewRegistry() (*prometheus.Registry, *monitor.Metrics, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	m, err := monitor.New(reg)
	return reg, m, err
}
