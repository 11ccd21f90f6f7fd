package config

// DefaultYAML is the commented config template written by
// "contextd init". Every value shown is the default; the file works
// unedited.
const DefaultYAML = `# contextd configuration

context:
  # target_size: 8192      # fixed token budget; ignored when auto_size is true
  min_size: 2048
  max_size: 131072
  auto_size: true           # derive the budget from available VRAM
  vram_buffer_mib: 512      # VRAM held back from the calculation
  kv_quantization: f16      # f16, q8_0, or q4_0

compression:
  enabled: true
  threshold: 0.7            # usage ratio that triggers compression
  strategy: hybrid          # truncate, summarize, or hybrid
  preserve_recent: 2048     # minimum uncompressed recent window, in tokens
  summary_max_tokens: 1000
  max_checkpoints: 5
  timeout: 60s

snapshots:
  enabled: true
  max_count: 5              # rolling retention per session
  auto_create: true
  auto_threshold: 0.85
  backend: sqlite           # sqlite or file

guard:
  soft: 0.80                # hybrid compression
  hard: 0.90                # budget resize + truncate pass
  critical: 0.95            # emergency snapshot + rollover

vram:
  poll_interval: 30s
  low_memory_ratio: 0.15

model:
  name: llama3.1
  params_billions: 8
  context_window: 131072

ollama:
  url: http://localhost:11434

listen:
  address: ""               # all interfaces
  port: 11435

# mqtt:
#   broker: mqtt://localhost:1883
#   username: ${MQTT_USER}
#   password: ${MQTT_PASSWORD}
#   topic_base: ollm

data_dir: data
log_level: info
log_format: text
`
