package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsApplied(t *testing.T) {
	cfg := Default()

	if cfg.Context.MinSize != 2048 || cfg.Context.MaxSize != 131072 {
		t.Errorf("context sizes = %d/%d", cfg.Context.MinSize, cfg.Context.MaxSize)
	}
	if cfg.Context.AutoSize == nil || !*cfg.Context.AutoSize {
		t.Error("auto_size default should be true")
	}
	if cfg.Context.KVQuantization != "f16" {
		t.Errorf("kv_quantization = %q", cfg.Context.KVQuantization)
	}
	if cfg.Context.BytesPerTokenPerBillion != 37500 {
		t.Errorf("bytes_per_token_per_billion = %d", cfg.Context.BytesPerTokenPerBillion)
	}
	if cfg.Compression.Threshold != 0.7 || cfg.Compression.Strategy != "hybrid" {
		t.Errorf("compression = %.2f/%q", cfg.Compression.Threshold, cfg.Compression.Strategy)
	}
	if cfg.Snapshots.MaxCount != 5 || cfg.Snapshots.AutoThreshold != 0.85 {
		t.Errorf("snapshots = %d/%.2f", cfg.Snapshots.MaxCount, cfg.Snapshots.AutoThreshold)
	}
	if cfg.Snapshots.Backend != "sqlite" {
		t.Errorf("snapshots.backend = %q", cfg.Snapshots.Backend)
	}
	if cfg.Guard.Soft != 0.80 || cfg.Guard.Hard != 0.90 || cfg.Guard.Critical != 0.95 {
		t.Errorf("guard = %.2f/%.2f/%.2f", cfg.Guard.Soft, cfg.Guard.Hard, cfg.Guard.Critical)
	}
	if cfg.VRAM.PollInterval != 30*time.Second || cfg.VRAM.LowMemoryRatio != 0.15 {
		t.Errorf("vram = %v/%.2f", cfg.VRAM.PollInterval, cfg.VRAM.LowMemoryRatio)
	}
	if cfg.Listen.Port != 11435 {
		t.Errorf("listen.port = %d", cfg.Listen.Port)
	}
	if cfg.Ollama.URL != "http://localhost:11434" {
		t.Errorf("ollama.url = %q", cfg.Ollama.URL)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("log_format = %q", cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults fail validation: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
context:
  target_size: 8192
  auto_size: false
  kv_quantization: q8_0
compression:
  strategy: summarize
  threshold: 0.6
snapshots:
  backend: file
model:
  name: llama3
  params_billions: 13
listen:
  port: 9999
log_level: debug
log_format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Context.TargetSize != 8192 {
		t.Errorf("target_size = %d", cfg.Context.TargetSize)
	}
	if *cfg.Context.AutoSize {
		t.Error("auto_size should be false")
	}
	if cfg.Context.KVQuantization != "q8_0" {
		t.Errorf("kv_quantization = %q", cfg.Context.KVQuantization)
	}
	if cfg.Compression.Strategy != "summarize" || cfg.Compression.Threshold != 0.6 {
		t.Errorf("compression = %q/%.2f", cfg.Compression.Strategy, cfg.Compression.Threshold)
	}
	if cfg.Snapshots.Backend != "file" {
		t.Errorf("backend = %q", cfg.Snapshots.Backend)
	}
	if cfg.Model.Name != "llama3" || cfg.Model.ParamsBillions != 13 {
		t.Errorf("model = %q/%.0f", cfg.Model.Name, cfg.Model.ParamsBillions)
	}
	if cfg.Listen.Port != 9999 {
		t.Errorf("port = %d", cfg.Listen.Port)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("log_format = %q", cfg.LogFormat)
	}
	// Untouched sections still get defaults.
	if cfg.Compression.PreserveRecent != 2048 {
		t.Errorf("preserve_recent = %d", cfg.Compression.PreserveRecent)
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_MQTT_PASSWORD", "hunter2")
	path := writeConfig(t, `
mqtt:
  broker: mqtt://localhost:1883
  password: ${TEST_MQTT_PASSWORD}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Password != "hunter2" {
		t.Errorf("mqtt.password = %q", cfg.MQTT.Password)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
context:
  target_sise: 4096
`)
	if _, err := Load(path); err == nil {
		t.Error("Load accepted a misspelled key")
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "min above max",
			mutate: func(c *Config) { c.Context.MinSize = 200000 },
			want:   "min_size",
		},
		{
			name:   "target outside bounds",
			mutate: func(c *Config) { c.Context.TargetSize = 100 },
			want:   "target_size",
		},
		{
			name:   "unknown quantization",
			mutate: func(c *Config) { c.Context.KVQuantization = "q2_k" },
			want:   "kv_quantization",
		},
		{
			name:   "unknown strategy",
			mutate: func(c *Config) { c.Compression.Strategy = "magic" },
			want:   "strategy",
		},
		{
			name:   "threshold above one",
			mutate: func(c *Config) { c.Compression.Threshold = 1.5 },
			want:   "threshold",
		},
		{
			name:   "unknown snapshot backend",
			mutate: func(c *Config) { c.Snapshots.Backend = "redis" },
			want:   "backend",
		},
		{
			name: "guard thresholds not increasing",
			mutate: func(c *Config) {
				c.Guard.Soft = 0.95
				c.Guard.Hard = 0.90
			},
			want: "guard thresholds",
		},
		{
			name:   "low memory ratio at one",
			mutate: func(c *Config) { c.VRAM.LowMemoryRatio = 1.0 },
			want:   "low_memory_ratio",
		},
		{
			name:   "unknown log level",
			mutate: func(c *Config) { c.LogLevel = "verbose" },
			want:   "log level",
		},
		{
			name:   "unknown log format",
			mutate: func(c *Config) { c.LogFormat = "xml" },
			want:   "log_format",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestFindConfigExplicitMustExist(t *testing.T) {
	if _, err := FindConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("FindConfig accepted a missing explicit path")
	}

	path := writeConfig(t, "log_level: info\n")
	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig: %v", err)
	}
	if got != path {
		t.Errorf("FindConfig = %q, want %q", got, path)
	}
}

func TestQuantizationBytes(t *testing.T) {
	tests := []struct {
		name string
		want float64
		ok   bool
	}{
		{"f16", 2, true},
		{"q8_0", 1, true},
		{"q4_0", 0.5, true},
		{"int4", 0, false},
	}
	for _, tt := range tests {
		got, ok := QuantizationBytes(tt.name)
		if got != tt.want || ok != tt.ok {
			t.Errorf("QuantizationBytes(%q) = %v, %v", tt.name, got, ok)
		}
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"info", slog.LevelInfo},
		{"trace", LevelTrace},
		{"debug", slog.LevelDebug},
		{"warn", slog.LevelWarn},
		{"WARNING", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLogLevel("verbose"); err == nil {
		t.Error("ParseLogLevel accepted an unknown level")
	}
}

func TestDefaultTemplateParsesAndValidates(t *testing.T) {
	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(DefaultYAML))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		t.Fatalf("template does not parse: %v", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("template fails validation: %v", err)
	}
}
