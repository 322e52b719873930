package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
mqtt:
  host: broker.local
velux:
  host: klf200.local
  password: secret
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, minimalYAML)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(minimalYAML), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.MQTT.Port != 1883 {
		t.Errorf("mqtt.port = %d, want 1883", cfg.MQTT.Port)
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("discovery_prefix = %q", cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.MQTT.BrokerURL() != "mqtt://broker.local:1883" {
		t.Errorf("BrokerURL = %q", cfg.MQTT.BrokerURL())
	}
	if cfg.Velux.Port != 51200 {
		t.Errorf("velux.port = %d, want 51200", cfg.Velux.Port)
	}
	if cfg.Velux.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat_interval = %v, want 30s", cfg.Velux.HeartbeatInterval)
	}
	if cfg.Velux.CommandRate != 5 || cfg.Velux.CommandBurst != 5 {
		t.Errorf("command rate/burst = %v/%d", cfg.Velux.CommandRate, cfg.Velux.CommandBurst)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("log.format = %q", cfg.Log.Format)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("data_dir = %q", cfg.DataDir)
	}
	if cfg.PidFilePath() != filepath.Join("data", "vlxmqttha.pid") {
		t.Errorf("PidFilePath = %q", cfg.PidFilePath())
	}
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  broker: mqtts://broker.example:8883
  login: bridge
  password: mqttpw
  haprefix: home1-
  discovery_prefix: ha/
  client_id: my-bridge
velux:
  host: 192.168.1.20
  password: klfpw
  heartbeat_interval: 45s
  command_rate: 2.5
  inverse_position: true
log:
  level: debug
  klf200: true
  format: json
listen:
  port: 9090
data_dir: /var/lib/vlxmqttha
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.BrokerURL() != "mqtts://broker.example:8883" {
		t.Errorf("BrokerURL = %q", cfg.MQTT.BrokerURL())
	}
	if cfg.MQTT.DiscoveryPrefix != "ha" {
		t.Errorf("trailing slash not trimmed: %q", cfg.MQTT.DiscoveryPrefix)
	}
	if cfg.MQTT.HAPrefix != "home1-" || cfg.MQTT.ClientID != "my-bridge" {
		t.Errorf("haprefix/client_id = %q/%q", cfg.MQTT.HAPrefix, cfg.MQTT.ClientID)
	}
	if cfg.Velux.HeartbeatInterval != 45*time.Second {
		t.Errorf("heartbeat_interval = %v", cfg.Velux.HeartbeatInterval)
	}
	if !cfg.Velux.InversePosition || cfg.Velux.CommandRate != 2.5 {
		t.Errorf("velux = %+v", cfg.Velux)
	}
	if cfg.Log.KLF200Level() != LevelTrace || cfg.Log.EffectiveLevel() != slog.LevelDebug {
		t.Errorf("levels = %v/%v", cfg.Log.EffectiveLevel(), cfg.Log.KLF200Level())
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("listen.port = %d", cfg.Listen.Port)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("VLX_TEST_PASSWORD", "secret123")
	path := writeConfig(t, `
mqtt:
  host: broker.local
velux:
  host: klf200.local
  password: ${VLX_TEST_PASSWORD}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Velux.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.Velux.Password, "secret123")
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"missing everything", "log:\n  level: info\n", "mqtt.host or mqtt.broker is required"},
		{"missing velux password", "mqtt:\n  host: b\nvelux:\n  host: k\n", "velux.password is required"},
		{"bad level", minimalYAML + "log:\n  level: loud\n", "log.level"},
		{"bad port", minimalYAML + "listen:\n  port: 70000\n", "listen.port"},
		{"bad scheme", "mqtt:\n  broker: http://b:1883\nvelux:\n  host: k\n  password: p\n", "scheme"},
		{"bad format", minimalYAML + "log:\n  format: xml\n", "log.format"},
		{"bad yaml", "mqtt: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLogConfig_VerboseShorthand(t *testing.T) {
	if got := (LogConfig{Verbose: true}).EffectiveLevel(); got != slog.LevelDebug {
		t.Errorf("verbose level = %v, want debug", got)
	}
	if got := (LogConfig{Verbose: true, Level: "warn"}).EffectiveLevel(); got != slog.LevelWarn {
		t.Errorf("explicit level should win, got %v", got)
	}
	if got := (LogConfig{}).KLF200Level(); got != slog.LevelInfo {
		t.Errorf("klf200 level = %v, want info", got)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"TRACE":   LevelTrace,
		" debug ": slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.String() != "INFO" {
		t.Errorf("info level rendered as %q", a.Value.String())
	}
}

func TestLogConfig_NewLogger(t *testing.T) {
	tests := []struct {
		format string
		want   string
	}{
		{"text", "level=TRACE msg=frame"},
		{"json", `"level":"TRACE","msg":"frame"`},
		{"", "level=TRACE msg=frame"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			logger := LogConfig{Format: tt.format}.NewLogger(&buf, LevelTrace)
			logger.Log(context.Background(), LevelTrace, "frame")
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("output %q does not contain %q", buf.String(), tt.want)
			}
		})
	}
}

func TestLogConfig_NewLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{}.NewLogger(&buf, slog.LevelInfo)
	logger.Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug line written at info level: %s", buf.String())
	}
}

