// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the variable Load reads the config path
// from.
const EnvironmentVariable = "MAPBROKER_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Config is the configuration shared by every mapbroker binary. The
// server reads all of it; workers read the endpoint and worker
// sections of the same file.
type Config struct {
	Environment Environment `yaml:"environment"`

	Broker     BrokerConfig     `yaml:"broker"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Pool       PoolConfig       `yaml:"pool"`
	Worker     WorkerConfig     `yaml:"worker"`
	HTTP       HTTPConfig       `yaml:"http"`
	Admin      AdminConfig      `yaml:"admin"`
	Log        LogConfig        `yaml:"log"`

	// Per-environment override sections. Each is decoded over the
	// base configuration when Environment matches, so only the keys
	// present in the section change.
	Development yaml.Node `yaml:"development,omitempty"`
	Staging     yaml.Node `yaml:"staging,omitempty"`
	Production  yaml.Node `yaml:"production,omitempty"`
}

// BrokerConfig configures the ROUTER/DEALER broker.
type BrokerConfig struct {
	// Embedded runs the broker inside the server process. When false
	// a separate mapbroker-broker must serve the endpoints.
	Embedded bool `yaml:"embedded"`

	// Frontend is the endpoint clients connect to.
	Frontend string `yaml:"frontend"`

	// Backend is the endpoint workers connect to.
	Backend string `yaml:"backend"`

	// MaxQueue bounds the waiting queue. A request arriving at a full
	// queue is rejected with status 509.
	MaxQueue int `yaml:"max_queue"`

	// Timeout is how long a request may wait for a worker before it
	// is dropped.
	Timeout Duration `yaml:"timeout"`

	// WorkerExpiry forgets an idle worker that has sent neither READY
	// nor HEARTBEAT for this long. Must exceed worker.heartbeat. Zero
	// keeps idle workers forever.
	WorkerExpiry Duration `yaml:"worker_expiry"`

	// AssignmentExpiry forgets a busy worker that has been silent for
	// this long. Must exceed supervisor.busy_timeout. Zero disables.
	AssignmentExpiry Duration `yaml:"assignment_expiry"`
}

// SupervisorConfig configures busy-worker supervision.
type SupervisorConfig struct {
	// Address is the PULL endpoint workers push notifications to.
	Address string `yaml:"address"`

	// BusyTimeout is how long a worker may stay busy before it is
	// killed.
	BusyTimeout Duration `yaml:"busy_timeout"`

	// ReportWindow is how long the report action collects worker
	// reports after broadcasting REPORT.
	ReportWindow Duration `yaml:"report_window"`
}

// BroadcastConfig configures the restart/report channel.
type BroadcastConfig struct {
	Address string `yaml:"address"`
}

// PoolConfig configures the worker process pool.
type PoolConfig struct {
	// Size is the target number of worker processes.
	Size int `yaml:"size"`

	// WorkerBinary is the worker executable. Empty means the
	// mapbroker-worker binary next to the running executable.
	WorkerBinary string `yaml:"worker_binary"`

	// EarlyFailureWindow is the span after pool start in which a
	// failing worker counts toward EarlyFailureThreshold.
	EarlyFailureWindow Duration `yaml:"early_failure_window"`

	// EarlyFailureThreshold is the number of early failures that
	// aborts the pool. Zero means Size.
	EarlyFailureThreshold int `yaml:"early_failure_threshold"`

	// RestartRate bounds respawns per second.
	RestartRate float64 `yaml:"restart_rate"`

	// TerminateTimeout is how long Terminate waits after SIGTERM
	// before sending SIGKILL.
	TerminateTimeout Duration `yaml:"terminate_timeout"`
}

// WorkerConfig configures each worker process.
type WorkerConfig struct {
	// MaxRequests recycles the worker after this many requests. Zero
	// disables recycling.
	MaxRequests int `yaml:"max_requests"`

	// Heartbeat is the HEARTBEAT interval while idle.
	Heartbeat Duration `yaml:"heartbeat"`

	// Compression is applied to reply bodies: none, lz4, or zstd.
	Compression string `yaml:"compression"`

	Resources ResourcesConfig `yaml:"resources"`
}

// ResourcesConfig configures the worker's resource cache.
type ResourcesConfig struct {
	// CacheSize bounds the number of loaded resources.
	CacheSize int `yaml:"cache_size"`

	// Protocols maps a key scheme to its settings.
	Protocols map[string]ProtocolConfig `yaml:"protocols"`
}

// ProtocolConfig configures one resource protocol.
type ProtocolConfig struct {
	// Root is the directory a file protocol serves from.
	Root string `yaml:"root"`
}

// HTTPConfig configures the gateway listener.
type HTTPConfig struct {
	Listen  string   `yaml:"listen"`
	Timeout Duration `yaml:"timeout"`
}

// AdminConfig configures the admin control socket.
type AdminConfig struct {
	Socket string `yaml:"socket"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json, text, or auto. Auto writes text to a terminal
	// and JSON anywhere else.
	Format string `yaml:"format"`
}

// Default returns the base configuration that a config file is
// decoded over.
func Default() *Config {
	return &Config{
		Environment: Development,
		Broker: BrokerConfig{
			Embedded:         true,
			Frontend:         "ipc://${MAPBROKER_RUNTIME_DIR:-/run/mapbroker}/frontend.sock",
			Backend:          "ipc://${MAPBROKER_RUNTIME_DIR:-/run/mapbroker}/backend.sock",
			MaxQueue:         100,
			Timeout:          Duration(20 * time.Second),
			WorkerExpiry:     Duration(15 * time.Second),
			AssignmentExpiry: Duration(45 * time.Second),
		},
		Supervisor: SupervisorConfig{
			Address:      "ipc://${MAPBROKER_RUNTIME_DIR:-/run/mapbroker}/supervisor.sock",
			BusyTimeout:  Duration(30 * time.Second),
			ReportWindow: Duration(2 * time.Second),
		},
		Broadcast: BroadcastConfig{
			Address: "ipc://${MAPBROKER_RUNTIME_DIR:-/run/mapbroker}/broadcast.sock",
		},
		Pool: PoolConfig{
			Size:               2,
			EarlyFailureWindow: Duration(10 * time.Second),
			RestartRate:        5,
			TerminateTimeout:   Duration(10 * time.Second),
		},
		Worker: WorkerConfig{
			Heartbeat:   Duration(5 * time.Second),
			Compression: "none",
			Resources: ResourcesConfig{
				CacheSize: 50,
			},
		},
		HTTP: HTTPConfig{
			Listen:  ":8080",
			Timeout: Duration(20 * time.Second),
		},
		Admin: AdminConfig{
			Socket: "${MAPBROKER_RUNTIME_DIR:-/run/mapbroker}/admin.sock",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultExpanded returns Default with ${VAR} references expanded,
// for tools that run without a configuration file.
func DefaultExpanded() *Config {
	cfg := Default()
	cfg.expandVariables()
	return cfg
}

// Load loads the file named by MAPBROKER_CONFIG. There is no search
// path: without the variable (or an explicit --config) loading fails.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your mapbroker.yaml config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadPath loads path, or the file named by MAPBROKER_CONFIG when
// path is empty, and validates the result. Binaries call it with the
// value of their --config flag.
func LoadPath(path string) (*Config, error) {
	var (
		cfg *Config
		err error
	)
	if path == "" {
		cfg, err = Load()
	} else {
		cfg, err = LoadFile(path)
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadFile decodes the file at path over Default, applies the section
// for the selected environment, and expands ${VAR} references. Files
// ending in .jsonc may contain comments and trailing commas.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".jsonc") {
		// JSON is YAML once the tabs are gone; yaml.v3 rejects tab
		// indentation.
		var compacted bytes.Buffer
		if err := json.Compact(&compacted, jsonc.ToJSON(data)); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		data = compacted.Bytes()
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	var section *yaml.Node
	switch c.Environment {
	case Development:
		section = &c.Development
	case Staging:
		section = &c.Staging
	case Production:
		section = &c.Production
	default:
		return nil
	}
	if section.Kind == 0 {
		return nil
	}
	overrides := *section
	if err := overrides.Decode(c); err != nil {
		return fmt.Errorf("%s overrides: %w", c.Environment, err)
	}
	return nil
}

func (c *Config) expandVariables() {
	for _, field := range []*string{
		&c.Broker.Frontend,
		&c.Broker.Backend,
		&c.Supervisor.Address,
		&c.Broadcast.Address,
		&c.Pool.WorkerBinary,
		&c.Admin.Socket,
	} {
		*field = expandVars(*field)
	}
	for scheme, protocol := range c.Worker.Resources.Protocols {
		protocol.Root = expandVars(protocol.Root)
		c.Worker.Resources.Protocols[scheme] = protocol
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} from the environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		return parts[2]
	})
}

// EarlyFailureLimit returns the effective early failure threshold.
func (p PoolConfig) EarlyFailureLimit() int {
	if p.EarlyFailureThreshold > 0 {
		return p.EarlyFailureThreshold
	}
	return p.Size
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	required := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	positive := func(name string, value time.Duration) {
		if value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	switch c.Environment {
	case Development, Staging, Production:
	default:
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	required("broker.frontend", c.Broker.Frontend)
	required("broker.backend", c.Broker.Backend)
	if c.Broker.MaxQueue <= 0 {
		errs = append(errs, fmt.Errorf("broker.max_queue must be positive"))
	}
	positive("broker.timeout", c.Broker.Timeout.Std())

	required("supervisor.address", c.Supervisor.Address)
	positive("supervisor.busy_timeout", c.Supervisor.BusyTimeout.Std())
	required("broadcast.address", c.Broadcast.Address)

	if c.Pool.Size <= 0 {
		errs = append(errs, fmt.Errorf("pool.size must be positive"))
	}
	if c.Pool.EarlyFailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("pool.early_failure_threshold must not be negative"))
	}
	if c.Pool.RestartRate <= 0 {
		errs = append(errs, fmt.Errorf("pool.restart_rate must be positive"))
	}
	positive("pool.terminate_timeout", c.Pool.TerminateTimeout.Std())

	if expiry := c.Broker.WorkerExpiry.Std(); expiry < 0 {
		errs = append(errs, fmt.Errorf("broker.worker_expiry must not be negative"))
	} else if expiry > 0 && expiry <= c.Worker.Heartbeat.Std() {
		errs = append(errs, fmt.Errorf("broker.worker_expiry (%v) must exceed worker.heartbeat (%v)",
			expiry, c.Worker.Heartbeat.Std()))
	}
	if expiry := c.Broker.AssignmentExpiry.Std(); expiry < 0 {
		errs = append(errs, fmt.Errorf("broker.assignment_expiry must not be negative"))
	} else if expiry > 0 && expiry <= c.Supervisor.BusyTimeout.Std() {
		errs = append(errs, fmt.Errorf("broker.assignment_expiry (%v) must exceed supervisor.busy_timeout (%v)",
			expiry, c.Supervisor.BusyTimeout.Std()))
	}

	if c.Worker.MaxRequests < 0 {
		errs = append(errs, fmt.Errorf("worker.max_requests must not be negative"))
	}
	positive("worker.heartbeat", c.Worker.Heartbeat.Std())
	switch c.Worker.Compression {
	case "", "none", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("worker.compression must be one of: none, lz4, zstd"))
	}
	for scheme, protocol := range c.Worker.Resources.Protocols {
		if scheme == "file" && protocol.Root == "" {
			errs = append(errs, fmt.Errorf("worker.resources.protocols.file.root is required"))
		}
	}

	required("http.listen", c.HTTP.Listen)
	positive("http.timeout", c.HTTP.Timeout.Std())
	required("admin.socket", c.Admin.Socket)

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text", "auto":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json, text, or auto"))
	}

	return errors.Join(errs...)
}

// NewLogger builds the process logger described by l.
func (l LogConfig) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	options := &slog.HandlerOptions{Level: level}
	if l.Format == "text" || (l.Format == "auto" && isTerminal(w)) {
		return slog.New(slog.NewTextHandler(w, options)), nil
	}
	return slog.New(slog.NewJSONHandler(w, options)), nil
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}

func parseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// Duration is a time.Duration written as a ParseDuration string.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var text string
	if err := node.Decode(&text); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(text)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
