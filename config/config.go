// Package config loads controller and kernel settings from a YAML or TOML
// file, applies PLURAL_KERNEL_* environment overrides and validates the
// result.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/plural-kernel/channel"
	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/manager"
	"github.com/zhubert/plural-kernel/paths"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLURAL_KERNEL_"

// Duration is a time.Duration written as a Go duration string ("250ms",
// "10s") in config files.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.UnmarshalText([]byte(value.Value))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Timeouts groups every tunable delay.
type Timeouts struct {
	Dial      Duration `yaml:"dial" toml:"dial"`
	Write     Duration `yaml:"write" toml:"write"`
	Launch    Duration `yaml:"launch" toml:"launch"`
	AbortPoll Duration `yaml:"abort_poll" toml:"abort_poll"`
	Flush     Duration `yaml:"flush" toml:"flush"`
}

// Log configures the log file.
type Log struct {
	Level string `yaml:"level" toml:"level"`
	Path  string `yaml:"path,omitempty" toml:"path,omitempty"`
}

// Config holds the settings shared by the console and the kernel process.
type Config struct {
	IP            string       `yaml:"ip" toml:"ip"`
	Ports         kernel.Ports `yaml:"ports" toml:"ports"`
	Username      string       `yaml:"username" toml:"username"`
	KernelCommand string       `yaml:"kernel_command" toml:"kernel_command"`
	KernelArgs    []string     `yaml:"kernel_args,omitempty" toml:"kernel_args,omitempty"`
	Timeouts      Timeouts     `yaml:"timeouts" toml:"timeouts"`
	Log           Log          `yaml:"log" toml:"log"`

	filePath string
}

// Default returns the built-in configuration: loop-back host, ports
// assigned at launch.
func Default() *Config {
	return &Config{
		IP:            kernel.DefaultHost,
		Username:      defaultUsername(),
		KernelCommand: manager.DefaultKernelCommand,
		Timeouts: Timeouts{
			Dial:      Duration{channel.DefaultDialTimeout},
			Write:     Duration{channel.DefaultWriteTimeout},
			Launch:    Duration{manager.DefaultStartTimeout},
			AbortPoll: Duration{kernel.DefaultAbortPollInterval},
			Flush:     Duration{time.Second},
		},
		Log: Log{Level: "info"},
	}
}

func defaultUsername() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "controller"
}

// Load reads the config file at path over the defaults. An empty path means
// paths.ConfigFilePath(); a missing default file is not an error. The file
// format follows the extension: .toml for TOML, anything else YAML.
// Environment overrides are applied last, then the result is validated.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		p, err := paths.ConfigFilePath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	cfg := Default()
	cfg.filePath = path

	// Load runs before logging is set up, so it does not log.
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := cfg.decode(path, data); err != nil {
			return nil, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(path string, data []byte) error {
	if isTOML(path) {
		meta, err := toml.Decode(string(data), c)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("failed to parse %s: unknown key %q", path, undecoded[0].String())
		}
		return nil
	}

	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.filePath
}

// ApplyEnv overrides fields from PLURAL_KERNEL_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	port := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: invalid port %q", EnvPrefix, name, v)
		}
		*dst = n
		return nil
	}
	dur := func(name string, dst *Duration) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		if err := dst.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
		return nil
	}

	str("IP", &c.IP)
	str("USERNAME", &c.Username)
	str("COMMAND", &c.KernelCommand)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_PATH", &c.Log.Path)

	for name, dst := range map[string]*int{
		"COMMAND_PORT":   &c.Ports.Command,
		"BROADCAST_PORT": &c.Ports.Broadcast,
		"INPUT_PORT":     &c.Ports.Input,
	} {
		if err := port(name, dst); err != nil {
			return err
		}
	}
	for name, dst := range map[string]*Duration{
		"DIAL_TIMEOUT":   &c.Timeouts.Dial,
		"WRITE_TIMEOUT":  &c.Timeouts.Write,
		"LAUNCH_TIMEOUT": &c.Timeouts.Launch,
		"ABORT_POLL":     &c.Timeouts.AbortPoll,
		"FLUSH_TIMEOUT":  &c.Timeouts.Flush,
	} {
		if err := dur(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the config can be used. Address problems are
// reported as *channel.ConfigError.
func (c *Config) Validate() error {
	if !(channel.Address{Host: c.IP}).IsLoopback() {
		return &channel.ConfigError{Field: "ip", Value: c.IP, Reason: "kernels only listen on loop-back addresses"}
	}
	for name, p := range map[string]int{
		"command_port":   c.Ports.Command,
		"broadcast_port": c.Ports.Broadcast,
		"input_port":     c.Ports.Input,
	} {
		if p < 0 || p > 65535 {
			return &channel.ConfigError{Field: name, Value: strconv.Itoa(p), Reason: "port out of range"}
		}
	}
	if c.Ports.Command != 0 && (c.Ports.Command == c.Ports.Broadcast || c.Ports.Command == c.Ports.Input) ||
		c.Ports.Broadcast != 0 && c.Ports.Broadcast == c.Ports.Input {
		return &channel.ConfigError{Field: "ports", Value: fmt.Sprintf("%+v", c.Ports), Reason: "channels need distinct ports"}
	}
	if strings.TrimSpace(c.KernelCommand) == "" {
		return fmt.Errorf("kernel_command must not be empty")
	}
	for name, d := range map[string]Duration{
		"dial":       c.Timeouts.Dial,
		"write":      c.Timeouts.Write,
		"launch":     c.Timeouts.Launch,
		"abort_poll": c.Timeouts.AbortPoll,
		"flush":      c.Timeouts.Flush,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("timeouts.%s must not be negative: %v", name, d)
		}
	}
	if _, ok := logger.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// ChannelOptions returns the socket options for controller channels.
func (c *Config) ChannelOptions() channel.Options {
	return channel.Options{
		DialTimeout:  c.Timeouts.Dial.Duration,
		WriteTimeout: c.Timeouts.Write.Duration,
	}
}

// KernelOptions returns the options for a kernel process.
func (c *Config) KernelOptions() kernel.Options {
	opts := kernel.DefaultOptions()
	opts.Host = c.IP
	opts.Ports = c.Ports
	opts.AbortPollInterval = c.Timeouts.AbortPoll.Duration
	opts.WriteTimeout = c.Timeouts.Write.Duration
	return opts
}

// LaunchOptions returns how the console starts kernel processes.
func (c *Config) LaunchOptions() manager.LaunchOptions {
	return manager.LaunchOptions{
		Command: c.KernelCommand,
		Args:    c.KernelArgs,
	}
}

// ManagerOptions returns the manager options derived from the config.
func (c *Config) ManagerOptions() []manager.Option {
	return []manager.Option{
		manager.WithAddresses(c.IP, c.Ports),
		manager.WithChannelOptions(c.ChannelOptions()),
		manager.WithLauncher(manager.NewExecLauncher(c.Timeouts.Launch.Duration)),
	}
}

// WriteYAML writes the config as YAML.
func (c *Config) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}

// WriteTOML writes the config as TOML.
func (c *Config) WriteTOML(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}
