package core

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/3cpo-dev/droidfleet/internal/actions"
	"github.com/3cpo-dev/droidfleet/internal/device"
)

// Transport kinds.
const (
	TransportLocal = "local"
	TransportSSH   = "ssh"
	TransportAgent = "agent"
)

// InterLoopDelay separates two rounds on the same device.
var InterLoopDelay = actions.Range{Min: 10 * time.Second, Max: 20 * time.Second}

// Config is the droidfleet configuration document.
type Config struct {
	Devices       []DeviceConfig  `yaml:"devices"`
	Tasks         TaskToggles     `yaml:"tasks"`
	SearchQueries []string        `yaml:"search_queries"`
	QueriesFile   string          `yaml:"queries_file"`
	QueriesRemote bool            `yaml:"queries_remote"`
	Timing        TimingConfig    `yaml:"timing_parameters"`
	Loops         LoopConfig      `yaml:"loop_settings"`
	Transport     TransportConfig `yaml:"transport"`
	Store         struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		MonitoringAddr string `yaml:"monitoring_addr"`
	} `yaml:"telemetry"`
}

type DeviceConfig struct {
	ID        string `yaml:"id"`
	Alias     string `yaml:"alias"`
	Color     string `yaml:"color"`
	USBSerial string `yaml:"usb_serial"`
	TCPIPPort int    `yaml:"tcpip_port"`
}

// TimingConfig holds delays in seconds.
type TimingConfig struct {
	MinDelayBetweenTasks float64                 `yaml:"min_delay_between_tasks"`
	MaxDelayBetweenTasks float64                 `yaml:"max_delay_between_tasks"`
	PostSearchDelay      float64                 `yaml:"post_search_delay"`
	SiteLoadDelays       map[string]SecondsRange `yaml:"site_load_delays"`
}

type SecondsRange struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Range converts to a duration range.
func (r SecondsRange) Range() actions.Range {
	return actions.Range{Min: seconds(r.Min), Max: seconds(r.Max)}
}

// LoopConfig bounds the number of rounds per device; 0/0 runs until disconnected.
type LoopConfig struct {
	MinLoops int `yaml:"min_loops"`
	MaxLoops int `yaml:"max_loops"`
}

// Unbounded reports whether rounds continue until the device is lost.
func (l LoopConfig) Unbounded() bool { return l.MinLoops == 0 && l.MaxLoops == 0 }

type TransportConfig struct {
	Kind                string   `yaml:"kind"`
	ADBPath             string   `yaml:"adb_path"`
	CommandsPerSecond   float64  `yaml:"commands_per_second"`
	UnreachablePatterns []string `yaml:"unreachable_patterns"`
	SSH                 struct {
		Addr           string `yaml:"addr"`
		User           string `yaml:"user"`
		KeyPath        string `yaml:"key_path"`
		KnownHosts     string `yaml:"known_hosts"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ssh"`
	Agent struct {
		URL            string `yaml:"url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
		CACert         string `yaml:"ca_cert"`
		ClientCert     string `yaml:"client_cert"`
		ClientKey      string `yaml:"client_key"`
	} `yaml:"agent"`
}

// TaskToggles are the task kinds switched on or off. Both a mapping and the
// older list of single-key mappings are accepted.
type TaskToggles map[string]bool

func (t *TaskToggles) UnmarshalYAML(value *yaml.Node) error {
	out := TaskToggles{}
	switch value.Kind {
	case yaml.MappingNode:
		var m map[string]bool
		if err := value.Decode(&m); err != nil {
			return fmt.Errorf("decode tasks: %w", err)
		}
		for k, v := range m {
			out[k] = out[k] || v
		}
	case yaml.SequenceNode:
		for _, item := range value.Content {
			var m map[string]bool
			if err := item.Decode(&m); err != nil {
				return fmt.Errorf("decode tasks entry at line %d: %w", item.Line, err)
			}
			for k, v := range m {
				out[k] = out[k] || v
			}
		}
	default:
		return fmt.Errorf("tasks at line %d: expected a mapping or a list", value.Line)
	}
	*t = out
	return nil
}

// Enabled returns the enabled task kinds in a stable order.
func (t TaskToggles) Enabled() []actions.TaskKind {
	var kinds []actions.TaskKind
	for k, on := range t {
		if on {
			kinds = append(kinds, actions.TaskKind(k))
		}
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// ErrInvalidConfig is matched by every configuration error.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents one invalid configuration value
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrInvalidConfig }

// DefaultConfigPath resolves $XDG_CONFIG_HOME/droidfleet/config.yaml or
// ~/.config/droidfleet/config.yaml.
func DefaultConfigPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "droidfleet")
}

// LoadConfig reads and validates YAML configuration from a path. If path is
// empty, DefaultConfigPath is used.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		path = DefaultConfigPath()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := ParseConfig(content)
	if err != nil {
		return nil, err
	}

	// Secrets come from secrets.env next to the config, then the environment.
	secrets, _ := LoadSecretsEnv(filepath.Join(filepath.Dir(path), "secrets.env"))
	for _, key := range []string{EnvAgentToken, EnvADBPath} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t := secrets[EnvAgentToken]; t != "" {
		cfg.Transport.Agent.Token = t
	}
	if p := secrets[EnvADBPath]; p != "" {
		cfg.Transport.ADBPath = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig decodes a document and applies defaults without validating.
func ParseConfig(content []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportLocal
	}
	if c.Transport.ADBPath == "" {
		c.Transport.ADBPath = "adb"
	}
	if c.Transport.SSH.TimeoutSeconds == 0 {
		c.Transport.SSH.TimeoutSeconds = 15
	}
	if c.Transport.Agent.TimeoutSeconds == 0 {
		c.Transport.Agent.TimeoutSeconds = 60
	}
}

// MaxDelaySeconds bounds every configured delay.
const MaxDelaySeconds = 24 * 60 * 60

// Validate checks every field, including the presence of a query source, and
// returns all problems joined.
func (c *Config) Validate() error {
	errs := c.validateSettings()
	if len(c.SearchQueries) == 0 && c.QueriesFile == "" {
		errs = append(errs, ValidationError{Field: "search_queries", Message: "at least one query or a queries_file is required"})
	}
	return errors.Join(errs...)
}

// validateSettings checks everything except where the queries come from.
func (c *Config) validateSettings() []error {
	var errs []error
	add := func(field, value, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if len(c.Devices) == 0 {
		add("devices", "", "at least one device is required")
	}
	seen := map[string]bool{}
	for i, d := range c.Devices {
		field := fmt.Sprintf("devices[%d].id", i)
		id := strings.TrimSpace(d.ID)
		switch {
		case id == "":
			add(field, "", "device id is required")
		case seen[id]:
			add(field, id, "duplicate device id")
		}
		seen[id] = true
		if d.USBSerial != "" && !device.IsNetworkAddress(id) {
			add(fmt.Sprintf("devices[%d].usb_serial", i), d.USBSerial, "usb_serial only applies to network device ids")
		}
		if d.TCPIPPort < 0 || d.TCPIPPort > 65535 {
			add(fmt.Sprintf("devices[%d].tcpip_port", i), fmt.Sprint(d.TCPIPPort), "port out of range")
		}
	}

	for k := range c.Tasks {
		if _, ok := actions.Lookup(actions.TaskKind(k)); !ok {
			add("tasks", k, fmt.Sprintf("unknown task kind, known kinds: %v", actions.Kinds()))
		}
	}
	if len(c.Tasks.Enabled()) == 0 {
		add("tasks", "", "at least one task kind must be enabled")
	}

	checkRange := func(field string, lo, hi float64) {
		switch {
		case math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0):
			add(field, fmt.Sprintf("%g..%g", lo, hi), "delays must be finite")
		case lo < 0 || hi < 0:
			add(field, fmt.Sprintf("%g..%g", lo, hi), "delays must not be negative")
		case hi > MaxDelaySeconds:
			add(field, fmt.Sprintf("%g..%g", lo, hi), fmt.Sprintf("delays must not exceed %d seconds", MaxDelaySeconds))
		case lo > hi:
			add(field, fmt.Sprintf("%g..%g", lo, hi), "min must not exceed max")
		}
	}
	checkRange("timing_parameters.delay_between_tasks", c.Timing.MinDelayBetweenTasks, c.Timing.MaxDelayBetweenTasks)
	checkRange("timing_parameters.post_search_delay", c.Timing.PostSearchDelay, c.Timing.PostSearchDelay)
	for k, r := range c.Timing.SiteLoadDelays {
		if _, ok := actions.Lookup(actions.TaskKind(k)); !ok {
			add("timing_parameters.site_load_delays", k, "unknown task kind")
			continue
		}
		checkRange("timing_parameters.site_load_delays."+k, r.Min, r.Max)
	}

	if c.Loops.MinLoops < 0 || c.Loops.MaxLoops < 0 {
		add("loop_settings", fmt.Sprintf("%d..%d", c.Loops.MinLoops, c.Loops.MaxLoops), "loop bounds must not be negative")
	} else if c.Loops.MinLoops > c.Loops.MaxLoops {
		add("loop_settings", fmt.Sprintf("%d..%d", c.Loops.MinLoops, c.Loops.MaxLoops), "min_loops must not exceed max_loops")
	}

	for i, q := range c.SearchQueries {
		if strings.TrimSpace(q) == "" {
			add(fmt.Sprintf("search_queries[%d]", i), q, "query must not be blank")
		}
	}
	if c.Transport.CommandsPerSecond < 0 {
		add("transport.commands_per_second", fmt.Sprint(c.Transport.CommandsPerSecond), "must not be negative")
	}
	switch c.Transport.Kind {
	case TransportLocal:
	case TransportSSH:
		if c.Transport.SSH.Addr == "" {
			add("transport.ssh.addr", "", "required for the ssh transport")
		}
		if c.Transport.SSH.User == "" {
			add("transport.ssh.user", "", "required for the ssh transport")
		}
		if c.Transport.SSH.KeyPath == "" {
			add("transport.ssh.key_path", "", "required for the ssh transport")
		}
	case TransportAgent:
		if c.Transport.Agent.URL == "" {
			add("transport.agent.url", "", "required for the agent transport")
		}
		if (c.Transport.Agent.ClientCert == "") != (c.Transport.Agent.ClientKey == "") {
			add("transport.agent.client_cert", c.Transport.Agent.ClientCert, "client_cert and client_key go together")
		}
	default:
		add("transport.kind", c.Transport.Kind, "expected local, ssh or agent")
	}
	if c.QueriesRemote && c.Transport.Kind != TransportSSH {
		add("queries_remote", "true", "remote queries are read over the ssh transport")
	}
	return errs
}

// Plan is the validated, immutable view of a Config shared read-only by every worker.
type Plan struct {
	Devices             []device.Descriptor
	Sites               []actions.Site
	InterAction         actions.Range
	InterLoop           actions.Range
	PostSearch          actions.Range
	Loops               LoopConfig
	UnreachablePatterns []string
	CommandsPerSecond   float64
}

// Plan validates the configuration and resolves it for orchestration. Unset
// transport fields take their defaults. The query source is not checked here:
// callers hand the loaded queries to NewOrchestrator separately.
func (c *Config) Plan() (*Plan, error) {
	resolved := *c
	resolved.applyDefaults()
	if err := errors.Join(resolved.validateSettings()...); err != nil {
		return nil, err
	}
	c = &resolved
	p := &Plan{
		InterAction: actions.Range{
			Min: seconds(c.Timing.MinDelayBetweenTasks),
			Max: seconds(c.Timing.MaxDelayBetweenTasks),
		},
		InterLoop:           InterLoopDelay,
		PostSearch:          actions.PostSearch(seconds(c.Timing.PostSearchDelay)),
		Loops:               c.Loops,
		UnreachablePatterns: append([]string(nil), c.Transport.UnreachablePatterns...),
		CommandsPerSecond:   c.Transport.CommandsPerSecond,
	}
	for _, d := range c.Devices {
		p.Devices = append(p.Devices, device.Descriptor{
			Handle:    strings.TrimSpace(d.ID),
			Alias:     d.Alias,
			Color:     d.Color,
			USBSerial: d.USBSerial,
			TCPIPPort: d.TCPIPPort,
		})
	}
	for _, kind := range c.Tasks.Enabled() {
		site, _ := actions.Lookup(kind)
		if r, ok := c.Timing.SiteLoadDelays[string(kind)]; ok {
			site.Load = r.Range()
		}
		p.Sites = append(p.Sites, site)
	}
	return p, nil
}

// LoadQueries gathers the inline queries and, when configured, one query per
// line from queries_file (blank lines and # comments skipped). open reads the
// file; callers pass os.Open or a remote opener.
func LoadQueries(cfg *Config, open func(path string) (io.ReadCloser, error)) ([]string, error) {
	queries := make([]string, 0, len(cfg.SearchQueries))
	for _, q := range cfg.SearchQueries {
		queries = append(queries, strings.TrimSpace(q))
	}
	if cfg.QueriesFile != "" {
		f, err := open(cfg.QueriesFile)
		if err != nil {
			return nil, fmt.Errorf("open queries file: %w", err)
		}
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("read queries file: %w", err)
		}
		for _, line := range strings.Split(string(content), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			queries = append(queries, line)
		}
	}
	if err := ValidateQueries(queries); err != nil {
		return nil, err
	}
	return queries, nil
}

// OpenLocal opens a local queries file.
func OpenLocal(path string) (io.ReadCloser, error) { return os.Open(path) }

// ValidateQueries rejects an empty query source or blank entries.
func ValidateQueries(queries []string) error {
	if len(queries) == 0 {
		return ValidationError{Field: "search_queries", Message: "the query source is empty"}
	}
	for i, q := range queries {
		if strings.TrimSpace(q) == "" {
			return ValidationError{Field: fmt.Sprintf("search_queries[%d]", i), Message: "query must not be blank"}
		}
	}
	return nil
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
