// Package config loads the harness configuration. A configuration is read and
// validated once, then treated as read-only by every component.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// Mode selects how the runtime is obtained.
type Mode string

const (
	// ModeEmbedded runs the runtime inside the harness process.
	ModeEmbedded Mode = "embedded"
	// ModeManaged launches the runtime as a child process from Home.
	ModeManaged Mode = "managed"
	// ModeContainer launches the runtime in a Docker container.
	ModeContainer Mode = "container"
	// ModeRemote attaches to a runtime someone else started.
	ModeRemote Mode = "remote"
)

const (
	DefaultAddress      = "http://127.0.0.1:8181"
	DefaultTimeout      = 30 * time.Second
	DefaultStopTimeout  = 10 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultOutputLines  = 2000
)

// Environment variables handed to a launched runtime.
const (
	EnvManagementAddr = "MODHARNESS_MANAGEMENT_ADDR"
	EnvHome           = "MODHARNESS_HOME"
)

// Config is the harness configuration.
type Config struct {
	Mode Mode `yaml:"mode"`

	// Home is the runtime installation directory (managed mode).
	Home    string            `yaml:"home,omitempty"`
	Command []string          `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	Container *Container `yaml:"container,omitempty"`

	// Address is the management endpoint URL. Port 0 in managed mode asks the
	// harness to pick a free port.
	Address     string      `yaml:"address,omitempty"`
	Credentials Credentials `yaml:"credentials,omitempty"`
	RequestRate float64     `yaml:"request_rate,omitempty"`

	AllowConnectToRunning bool   `yaml:"allow_connect_to_running,omitempty"`
	EchoOutput            bool   `yaml:"echo_output,omitempty"`
	OutputLines           int    `yaml:"output_lines,omitempty"`
	ReadyFile             string `yaml:"ready_file,omitempty"`

	Timeouts     Timeouts `yaml:"timeouts,omitempty"`
	PollInterval Duration `yaml:"poll_interval,omitempty"`

	StartLevel         int        `yaml:"start_level,omitempty"`
	MarkerCapabilities StringList `yaml:"marker_capabilities,omitempty"`
	Bootstrap          Bootstrap  `yaml:"bootstrap,omitempty"`
	Autostart          *bool      `yaml:"autostart,omitempty"`

	StateDir string `yaml:"state_dir,omitempty"`
	AuditLog string `yaml:"audit_log,omitempty"`
}

// Container configures container mode.
type Container struct {
	Image       string            `yaml:"image"`
	NetworkMode string            `yaml:"network_mode,omitempty"`
	Volumes     map[string]string `yaml:"volumes,omitempty"`
	// Ports are extra docker-style publish specs ("127.0.0.1:5005:5005").
	// The management port is published automatically off the host network.
	Ports []string `yaml:"ports,omitempty"`
}

// Credentials authenticate management requests. Password and Keychain are
// mutually exclusive; Keychain names a secret in the system keychain.
type Credentials struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Keychain string `yaml:"keychain,omitempty"`
}

// Bootstrap identifies the support module installed before caller artifacts.
type Bootstrap struct {
	Path         string `yaml:"path,omitempty"`
	SymbolicName string `yaml:"symbolic_name,omitempty"`
}

// Enabled reports whether a bootstrap module is configured.
func (b Bootstrap) Enabled() bool { return b.Path != "" || b.SymbolicName != "" }

// Timeouts bound every blocking lifecycle step.
type Timeouts struct {
	Connect    Duration `yaml:"connect,omitempty"`
	Bootstrap  Duration `yaml:"bootstrap,omitempty"`
	StartLevel Duration `yaml:"start_level,omitempty"`
	Marker     Duration `yaml:"marker,omitempty"`
	Deploy     Duration `yaml:"deploy,omitempty"`
	Stop       Duration `yaml:"stop,omitempty"`
}

// Duration wraps time.Duration for YAML strings like "10s" or "500ms".
type Duration struct {
	time.Duration
}

// D is shorthand for building a Duration in code.
func D(d time.Duration) Duration { return Duration{d} }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// StringList accepts either a YAML sequence or a comma separated scalar.
type StringList []string

func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*l = nil
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*l = append(*l, part)
			}
		}
		return nil
	}
	var items []string
	if err := value.Decode(&items); err != nil {
		return err
	}
	*l = items
	return nil
}

// Default returns a configuration attaching to a runtime on DefaultAddress.
func Default() *Config {
	cfg := &Config{Mode: ModeRemote}
	cfg.ApplyDefaults()
	return cfg
}

// DefaultPath returns ./modharness.yaml.
func DefaultPath() string {
	return "modharness.yaml"
}

// Load reads, defaults and validates the YAML config at path. A missing file
// yields Default().
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML, rejecting unknown keys, then applies defaults and
// validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeRemote
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero values. It is idempotent.
func (c *Config) ApplyDefaults() {
	if c.Address == "" && c.Mode != ModeEmbedded {
		c.Address = DefaultAddress
	}
	for _, d := range []*Duration{
		&c.Timeouts.Connect, &c.Timeouts.Bootstrap, &c.Timeouts.StartLevel,
		&c.Timeouts.Marker, &c.Timeouts.Deploy,
	} {
		if d.Duration == 0 {
			d.Duration = DefaultTimeout
		}
	}
	if c.Timeouts.Stop.Duration == 0 {
		c.Timeouts.Stop.Duration = DefaultStopTimeout
	}
	if c.PollInterval.Duration == 0 {
		c.PollInterval.Duration = DefaultPollInterval
	}
	if c.OutputLines == 0 {
		c.OutputLines = DefaultOutputLines
	}
	if c.Container != nil && c.Container.NetworkMode == "" {
		c.Container.NetworkMode = "host"
	}
}

// AutostartEnabled reports whether deployed artifacts are started by default.
func (c *Config) AutostartEnabled() bool {
	return c.Autostart == nil || *c.Autostart
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeEmbedded, ModeRemote:
	case ModeManaged:
		if c.Home == "" {
			return fmt.Errorf("managed mode requires home")
		}
		info, err := os.Stat(c.Home)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("home %q is not a valid directory", c.Home)
		}
		if len(c.Command) == 0 {
			return fmt.Errorf("managed mode requires command")
		}
	case ModeContainer:
		if c.Container == nil || c.Container.Image == "" {
			return fmt.Errorf("container mode requires container.image")
		}
		for i, spec := range c.Container.Ports {
			if _, err := nat.ParsePortSpec(spec); err != nil {
				return fmt.Errorf("container.ports[%d] %q: %w", i, spec, err)
			}
		}
	default:
		return fmt.Errorf("unknown mode %q (want embedded, managed, container or remote)", c.Mode)
	}

	if c.Mode != ModeEmbedded {
		u, err := url.Parse(c.Address)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("address %q must be an http(s) URL", c.Address)
		}
		if u.Port() == "0" && c.Mode != ModeManaged {
			return fmt.Errorf("address port 0 is only allowed in managed mode")
		}
	}

	if c.Credentials.Password != "" && c.Credentials.Keychain != "" {
		return fmt.Errorf("credentials: password and keychain are mutually exclusive")
	}
	if c.RequestRate < 0 {
		return fmt.Errorf("request_rate must not be negative")
	}
	for name, d := range map[string]Duration{
		"connect": c.Timeouts.Connect, "bootstrap": c.Timeouts.Bootstrap,
		"start_level": c.Timeouts.StartLevel, "marker": c.Timeouts.Marker,
		"deploy": c.Timeouts.Deploy, "stop": c.Timeouts.Stop, "poll_interval": c.PollInterval,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("timeout %s must not be negative", name)
		}
	}
	if c.StartLevel < 0 {
		return fmt.Errorf("start_level must not be negative")
	}
	for _, m := range c.MarkerCapabilities {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("marker_capabilities contains an empty name")
		}
	}
	if c.Bootstrap.Path != "" {
		if _, err := os.Stat(c.Bootstrap.Path); err != nil {
			return fmt.Errorf("bootstrap.path: %w", err)
		}
	}
	return nil
}

// LaunchCommand returns the executable and arguments used to start a managed
// runtime. A relative executable resolves against Home.
func (c *Config) LaunchCommand() (string, []string) {
	if len(c.Command) == 0 {
		return "", nil
	}
	exe := c.Command[0]
	if !filepath.IsAbs(exe) && c.Home != "" {
		exe = filepath.Join(c.Home, exe)
	}
	args := append([]string{}, c.Command[1:]...)
	args = append(args, c.Args...)
	return exe, args
}

// LaunchEnv returns the environment for a launched runtime: the harness's own
// environment, the configured overrides, and the management address.
func (c *Config) LaunchEnv(managementHostPort string) []string {
	env := os.Environ()
	for k, v := range c.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, EnvManagementAddr+"="+managementHostPort)
	if c.Home != "" {
		env = append(env, EnvHome+"="+c.Home)
	}
	return env
}
