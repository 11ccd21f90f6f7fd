// Package config handles configuration loading for the context daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/ollm/config.yaml, /etc/ollm/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ollm", "config.yaml"))
	}

	paths = append(paths, "/etc/ollm/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all daemon configuration.
type Config struct {
	Context     ContextConfig     `yaml:"context"`
	Compression CompressionConfig `yaml:"compression"`
	Snapshots   SnapshotsConfig   `yaml:"snapshots"`
	Guard       GuardConfig       `yaml:"guard"`
	VRAM        VRAMConfig        `yaml:"vram"`
	Model       ModelConfig       `yaml:"model"`
	Ollama      OllamaConfig      `yaml:"ollama"`
	Listen      ListenConfig      `yaml:"listen"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	LogFormat   string            `yaml:"log_format"` // "text" or "json"
}

// ContextConfig controls context-window sizing.
type ContextConfig struct {
	// TargetSize is a fixed token budget. Ignored when AutoSize is true.
	TargetSize int `yaml:"target_size"`
	// MinSize is the floor for the token budget (default 2048).
	MinSize int `yaml:"min_size"`
	// MaxSize is the ceiling for the token budget (default 131072).
	MaxSize int `yaml:"max_size"`
	// AutoSize derives the budget from available VRAM (default true).
	AutoSize *bool `yaml:"auto_size"`
	// VRAMBufferMiB is reserved VRAM never counted toward the budget
	// (default 512).
	VRAMBufferMiB int `yaml:"vram_buffer_mib"`
	// KVQuantization is the KV-cache quantization: f16, q8_0, or q4_0
	// (default f16).
	KVQuantization string `yaml:"kv_quantization"`
	// BytesPerTokenPerBillion is the heuristic KV-cache cost factor:
	// bytes of VRAM one token costs per billion model parameters at one
	// byte per value. A tunable approximation, not derived from exact
	// transformer dimensions (default 37500).
	BytesPerTokenPerBillion int `yaml:"bytes_per_token_per_billion"`
}

// CompressionConfig controls history compression.
type CompressionConfig struct {
	Enabled *bool `yaml:"enabled"`
	// Threshold is the usage ratio that triggers compression (default 0.7).
	Threshold float64 `yaml:"threshold"`
	// Strategy is the default strategy: truncate, summarize, or hybrid
	// (default hybrid).
	Strategy string `yaml:"strategy"`
	// PreserveRecent is the minimum token budget for the preserved
	// recent window (default 2048).
	PreserveRecent int `yaml:"preserve_recent"`
	// SummaryMaxTokens bounds each generated summary (default 1000).
	SummaryMaxTokens int `yaml:"summary_max_tokens"`
	// MaxCheckpoints bounds the checkpoint list; older checkpoints are
	// merged when exceeded (default 5, overridden per tier at runtime).
	MaxCheckpoints int `yaml:"max_checkpoints"`
	// Timeout bounds each summarization provider call (default 60s).
	Timeout time.Duration `yaml:"timeout"`
}

// SnapshotsConfig controls snapshot creation and retention.
type SnapshotsConfig struct {
	Enabled *bool `yaml:"enabled"`
	// MaxCount is the rolling retention limit per session (default 5).
	MaxCount int `yaml:"max_count"`
	// AutoCreate enables automatic snapshots at AutoThreshold (default true).
	AutoCreate *bool `yaml:"auto_create"`
	// AutoThreshold is the usage ratio that triggers an automatic
	// snapshot before destructive compression (default 0.85).
	AutoThreshold float64 `yaml:"auto_threshold"`
	// Backend selects snapshot persistence: "file" or "sqlite"
	// (default sqlite).
	Backend string `yaml:"backend"`
}

// GuardConfig holds the memory guard severity thresholds as usage
// ratios of the context budget.
type GuardConfig struct {
	Soft     float64 `yaml:"soft"`     // default 0.80
	Hard     float64 `yaml:"hard"`     // default 0.90
	Critical float64 `yaml:"critical"` // default 0.95
}

// VRAMConfig controls GPU memory polling.
type VRAMConfig struct {
	// PollInterval between VRAM probes (default 30s).
	PollInterval time.Duration `yaml:"poll_interval"`
	// LowMemoryRatio fires the low-memory callback when available/total
	// drops below it (default 0.15).
	LowMemoryRatio float64 `yaml:"low_memory_ratio"`
}

// ModelConfig describes the loaded model for budget calculation.
type ModelConfig struct {
	Name string `yaml:"name"`
	// ParamsBillions is the parameter count in billions (default 7).
	ParamsBillions float64 `yaml:"params_billions"`
	// ContextWindow is the model's native context limit (default 32768).
	ContextWindow int `yaml:"context_window"`
}

// OllamaConfig points at the local Ollama server used for summaries.
type OllamaConfig struct {
	URL string `yaml:"url"` // default http://localhost:11434
}

// ListenConfig defines the status API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // default 11435
}

// MQTTConfig defines optional telemetry publishing. Disabled when
// Broker is empty.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	TopicBase  string `yaml:"topic_base"`  // default "ollm"
	InstanceID string `yaml:"instance_id"` // default hostname
}

// Quantization byte widths for KV-cache values.
var quantBytes = map[string]float64{
	"f16":  2,
	"q8_0": 1,
	"q4_0": 0.5,
}

// QuantizationBytes returns the bytes-per-value width for a KV
// quantization name, or false for an unknown name.
func QuantizationBytes(name string) (float64, bool) {
	b, ok := quantBytes[name]
	return b, ok
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	// Unknown keys are rejected here rather than silently merged; a
	// typo in config.yaml should fail at startup, not at use time.
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a ready-to-use configuration without reading a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func boolPtr(v bool) *bool { return &v }

func (c *Config) applyDefaults() {
	if c.Context.MinSize <= 0 {
		c.Context.MinSize = 2048
	}
	if c.Context.MaxSize <= 0 {
		c.Context.MaxSize = 131072
	}
	if c.Context.AutoSize == nil {
		c.Context.AutoSize = boolPtr(true)
	}
	if c.Context.VRAMBufferMiB <= 0 {
		c.Context.VRAMBufferMiB = 512
	}
	if c.Context.KVQuantization == "" {
		c.Context.KVQuantization = "f16"
	}
	if c.Context.BytesPerTokenPerBillion <= 0 {
		c.Context.BytesPerTokenPerBillion = 37500
	}

	if c.Compression.Enabled == nil {
		c.Compression.Enabled = boolPtr(true)
	}
	if c.Compression.Threshold <= 0 {
		c.Compression.Threshold = 0.7
	}
	if c.Compression.Strategy == "" {
		c.Compression.Strategy = "hybrid"
	}
	if c.Compression.PreserveRecent <= 0 {
		c.Compression.PreserveRecent = 2048
	}
	if c.Compression.SummaryMaxTokens <= 0 {
		c.Compression.SummaryMaxTokens = 1000
	}
	if c.Compression.MaxCheckpoints <= 0 {
		c.Compression.MaxCheckpoints = 5
	}
	if c.Compression.Timeout <= 0 {
		c.Compression.Timeout = 60 * time.Second
	}

	if c.Snapshots.Enabled == nil {
		c.Snapshots.Enabled = boolPtr(true)
	}
	if c.Snapshots.MaxCount <= 0 {
		c.Snapshots.MaxCount = 5
	}
	if c.Snapshots.AutoCreate == nil {
		c.Snapshots.AutoCreate = boolPtr(true)
	}
	if c.Snapshots.AutoThreshold <= 0 {
		c.Snapshots.AutoThreshold = 0.85
	}
	if c.Snapshots.Backend == "" {
		c.Snapshots.Backend = "sqlite"
	}

	if c.Guard.Soft <= 0 {
		c.Guard.Soft = 0.80
	}
	if c.Guard.Hard <= 0 {
		c.Guard.Hard = 0.90
	}
	if c.Guard.Critical <= 0 {
		c.Guard.Critical = 0.95
	}

	if c.VRAM.PollInterval <= 0 {
		c.VRAM.PollInterval = 30 * time.Second
	}
	if c.VRAM.LowMemoryRatio <= 0 {
		c.VRAM.LowMemoryRatio = 0.15
	}

	if c.Model.ParamsBillions <= 0 {
		c.Model.ParamsBillions = 7
	}
	if c.Model.ContextWindow <= 0 {
		c.Model.ContextWindow = 32768
	}

	if c.Ollama.URL == "" {
		c.Ollama.URL = "http://localhost:11434"
	}
	if c.Listen.Port <= 0 {
		c.Listen.Port = 11435
	}
	if c.MQTT.TopicBase == "" {
		c.MQTT.TopicBase = "ollm"
	}
	if c.MQTT.InstanceID == "" {
		if host, err := os.Hostname(); err == nil {
			c.MQTT.InstanceID = host
		} else {
			c.MQTT.InstanceID = "ollm"
		}
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Validate rejects out-of-range values at startup. Call after
// applyDefaults (Load does both).
func (c *Config) Validate() error {
	if c.Context.MinSize > c.Context.MaxSize {
		return fmt.Errorf("context.min_size %d exceeds max_size %d",
			c.Context.MinSize, c.Context.MaxSize)
	}
	if c.Context.TargetSize != 0 &&
		(c.Context.TargetSize < c.Context.MinSize || c.Context.TargetSize > c.Context.MaxSize) {
		return fmt.Errorf("context.target_size %d outside [%d, %d]",
			c.Context.TargetSize, c.Context.MinSize, c.Context.MaxSize)
	}
	if _, ok := QuantizationBytes(c.Context.KVQuantization); !ok {
		return fmt.Errorf("context.kv_quantization %q (valid: f16, q8_0, q4_0)",
			c.Context.KVQuantization)
	}

	switch c.Compression.Strategy {
	case "truncate", "summarize", "hybrid":
	default:
		return fmt.Errorf("compression.strategy %q (valid: truncate, summarize, hybrid)",
			c.Compression.Strategy)
	}
	if c.Compression.Threshold > 1 {
		return fmt.Errorf("compression.threshold %.2f must be in (0, 1]", c.Compression.Threshold)
	}

	switch c.Snapshots.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("snapshots.backend %q (valid: file, sqlite)", c.Snapshots.Backend)
	}
	if c.Snapshots.AutoThreshold > 1 {
		return fmt.Errorf("snapshots.auto_threshold %.2f must be in (0, 1]", c.Snapshots.AutoThreshold)
	}

	if !(c.Guard.Soft < c.Guard.Hard && c.Guard.Hard < c.Guard.Critical) {
		return fmt.Errorf("guard thresholds must increase: soft %.2f < hard %.2f < critical %.2f",
			c.Guard.Soft, c.Guard.Hard, c.Guard.Critical)
	}
	if c.Guard.Critical > 1 {
		return fmt.Errorf("guard.critical %.2f must be in (0, 1]", c.Guard.Critical)
	}

	if c.VRAM.LowMemoryRatio >= 1 {
		return fmt.Errorf("vram.low_memory_ratio %.2f must be in (0, 1)", c.VRAM.LowMemoryRatio)
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
