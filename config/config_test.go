package config

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhubert/plural-kernel/channel"
	"github.com/zhubert/plural-kernel/kernel"
	"github.com/zhubert/plural-kernel/logger"
	"github.com/zhubert/plural-kernel/paths"
)

func TestMain(m *testing.M) {
	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

// isolate points the config directory at a temp dir and clears overrides.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("HOME", dir)
	for _, kv := range os.Environ() {
		if name, _, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(name, EnvPrefix) {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
	paths.Reset()
	t.Cleanup(paths.Reset)
	return dir
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.IP != "127.0.0.1" {
		t.Errorf("IP = %q, want 127.0.0.1", cfg.IP)
	}
	if cfg.Ports != (kernel.Ports{}) {
		t.Errorf("Ports = %+v, want all zero", cfg.Ports)
	}
	if cfg.Timeouts.AbortPoll.Duration != 100*time.Millisecond {
		t.Errorf("AbortPoll = %v, want 100ms", cfg.Timeouts.AbortPoll)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestLoad_MissingDefaultFile(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.IP != Default().IP {
		t.Errorf("IP = %q, want default", cfg.IP)
	}
	if !strings.HasSuffix(cfg.Path(), "config.yaml") {
		t.Errorf("Path() = %q, want default config.yaml", cfg.Path())
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	dir := isolate(t)
	if _, err := Load(filepath.Join(dir, "nope.yaml")); err == nil {
		t.Error("Load succeeded for a missing explicit file")
	}
}

func TestLoad_YAML(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "kernel.yaml", `
ip: localhost
username: ada
kernel_command: /opt/bin/plural-kernel
kernel_args: [kernel, --debug]
ports:
  command_port: 6001
  broadcast_port: 6002
timeouts:
  dial: 250ms
  abort_poll: 50ms
log:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"IP", cfg.IP, "localhost"},
		{"Username", cfg.Username, "ada"},
		{"KernelCommand", cfg.KernelCommand, "/opt/bin/plural-kernel"},
		{"Ports", cfg.Ports, kernel.Ports{Command: 6001, Broadcast: 6002}},
		{"Dial", cfg.Timeouts.Dial.Duration, 250 * time.Millisecond},
		{"AbortPoll", cfg.Timeouts.AbortPoll.Duration, 50 * time.Millisecond},
		{"Write", cfg.Timeouts.Write.Duration, channel.DefaultWriteTimeout},
		{"Log.Level", cfg.Log.Level, "debug"},
		{"KernelArgs", strings.Join(cfg.KernelArgs, " "), "kernel --debug"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_TOML(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "kernel.toml", `
ip = "127.0.0.1"
kernel_command = "pk"

[ports]
input_port = 7003

[timeouts]
launch = "3s"
flush = "2s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.KernelCommand != "pk" {
		t.Errorf("KernelCommand = %q, want pk", cfg.KernelCommand)
	}
	if cfg.Ports.Input != 7003 {
		t.Errorf("Ports.Input = %d, want 7003", cfg.Ports.Input)
	}
	if cfg.Timeouts.Launch.Duration != 3*time.Second {
		t.Errorf("Launch = %v, want 3s", cfg.Timeouts.Launch)
	}
	if cfg.Timeouts.Flush.Duration != 2*time.Second {
		t.Errorf("Flush = %v, want 2s", cfg.Timeouts.Flush)
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	dir := isolate(t)

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown yaml key", "a.yaml", "colour: blue\n"},
		{"bad yaml duration", "b.yaml", "timeouts:\n  dial: soon\n"},
		{"unknown toml key", "c.toml", "colour = \"blue\"\n"},
		{"bad toml duration", "d.toml", "[timeouts]\nwrite = \"later\"\n"},
		{"invalid yaml", "e.yml", "ip: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.file, tt.content)
			if _, err := Load(path); err == nil {
				t.Errorf("Load(%s) succeeded, want parse error", tt.file)
			}
		})
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "empty.yaml", "")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.KernelCommand != Default().KernelCommand {
		t.Errorf("KernelCommand = %q, want default", cfg.KernelCommand)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "kernel.yaml", "ports:\n  command_port: 6001\n")
	t.Setenv("PLURAL_KERNEL_COMMAND_PORT", "6101")
	t.Setenv("PLURAL_KERNEL_INPUT_PORT", "6103")
	t.Setenv("PLURAL_KERNEL_WRITE_TIMEOUT", "3s")
	t.Setenv("PLURAL_KERNEL_LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Ports.Command != 6101 {
		t.Errorf("Ports.Command = %d, want 6101", cfg.Ports.Command)
	}
	if cfg.Ports.Input != 6103 {
		t.Errorf("Ports.Input = %d, want 6103", cfg.Ports.Input)
	}
	if cfg.Timeouts.Write.Duration != 3*time.Second {
		t.Errorf("Write = %v, want 3s", cfg.Timeouts.Write)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestApplyEnv_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"port", map[string]string{"PLURAL_KERNEL_BROADCAST_PORT": "eight"}},
		{"duration", map[string]string{"PLURAL_KERNEL_DIAL_TIMEOUT": "5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lookup := func(k string) (string, bool) {
				v, ok := tt.env[k]
				return v, ok
			}
			if err := Default().ApplyEnv(lookup); err == nil {
				t.Error("ApplyEnv succeeded, want error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantField string
		wantErr   bool
	}{
		{"defaults", func(c *Config) {}, "", false},
		{"ipv6 loopback", func(c *Config) { c.IP = "::1" }, "", false},
		{"remote ip", func(c *Config) { c.IP = "192.168.1.5" }, "ip", true},
		{"hostname", func(c *Config) { c.IP = "example.com" }, "ip", true},
		{"port too big", func(c *Config) { c.Ports.Input = 70000 }, "input_port", true},
		{"negative port", func(c *Config) { c.Ports.Command = -1 }, "command_port", true},
		{"shared port", func(c *Config) { c.Ports = kernel.Ports{Command: 6000, Broadcast: 6000} }, "ports", true},
		{"empty command", func(c *Config) { c.KernelCommand = " " }, "", true},
		{"negative timeout", func(c *Config) { c.Timeouts.Flush.Duration = -time.Second }, "", true},
		{"bad level", func(c *Config) { c.Log.Level = "chatty" }, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantField == "" {
				return
			}
			var cfgErr *channel.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() = %v, want *channel.ConfigError", err)
			}
			if cfgErr.Field != tt.wantField {
				t.Errorf("ConfigError.Field = %q, want %q", cfgErr.Field, tt.wantField)
			}
		})
	}
}

func TestWriteAndReload(t *testing.T) {
	dir := isolate(t)
	cfg := Default()
	cfg.Ports = kernel.Ports{Command: 6001, Broadcast: 6002, Input: 6003}
	cfg.Timeouts.Dial.Duration = 1500 * time.Millisecond

	for _, name := range []string{"out.yaml", "out.toml"} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			var err error
			if strings.HasSuffix(name, ".toml") {
				err = cfg.WriteTOML(&buf)
			} else {
				err = cfg.WriteYAML(&buf)
			}
			if err != nil {
				t.Fatalf("write failed: %v", err)
			}

			loaded, err := Load(writeFile(t, dir, name, buf.String()))
			if err != nil {
				t.Fatalf("Load failed: %v\n%s", err, buf.String())
			}
			if loaded.Ports != cfg.Ports {
				t.Errorf("Ports = %+v, want %+v", loaded.Ports, cfg.Ports)
			}
			if loaded.Timeouts.Dial != cfg.Timeouts.Dial {
				t.Errorf("Dial = %v, want %v", loaded.Timeouts.Dial, cfg.Timeouts.Dial)
			}
		})
	}
}

func TestDerivedOptions(t *testing.T) {
	cfg := Default()
	cfg.Ports = kernel.Ports{Command: 1, Broadcast: 2, Input: 3}
	cfg.Timeouts.AbortPoll.Duration = 30 * time.Millisecond
	cfg.KernelArgs = []string{"kernel", "--debug"}

	kopts := cfg.KernelOptions()
	if kopts.Ports != cfg.Ports || kopts.AbortPollInterval != 30*time.Millisecond {
		t.Errorf("KernelOptions() = %+v", kopts)
	}
	copts := cfg.ChannelOptions()
	if copts.DialTimeout != channel.DefaultDialTimeout {
		t.Errorf("ChannelOptions().DialTimeout = %v, want %v", copts.DialTimeout, channel.DefaultDialTimeout)
	}
	lopts := cfg.LaunchOptions()
	if lopts.Command != cfg.KernelCommand || len(lopts.Args) != 2 {
		t.Errorf("LaunchOptions() = %+v", lopts)
	}
	if n := len(cfg.ManagerOptions()); n != 3 {
		t.Errorf("len(ManagerOptions()) = %d, want 3", n)
	}
}
