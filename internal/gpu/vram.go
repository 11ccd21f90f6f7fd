// Package gpu monitors GPU memory by invoking vendor query tools as
// subprocesses. Detection order: NVIDIA (nvidia-smi), AMD (rocm-smi,
// Linux only), Apple Silicon (sysctl/vm_stat, macOS only), then a
// CPU-only fallback. A missing or failing tool is treated as "not
// present", never as a fatal error.
package gpu

import (
	"time"
)

// Vendor identifies the GPU memory source that answered a probe.
type Vendor string

const (
	VendorNVIDIA Vendor = "nvidia"
	VendorAMD    Vendor = "amd"
	VendorApple  Vendor = "apple"
	// VendorCPU means no GPU query tool responded; the process runs in
	// CPU-only mode and sizing falls back to configured minimums.
	VendorCPU Vendor = "cpu"
)

// VRAMInfo is a point-in-time view of GPU memory, in bytes. Refreshed
// by polling, never persisted.
type VRAMInfo struct {
	Total     uint64 `json:"total"`
	Used      uint64 `json:"used"`
	Available uint64 `json:"available"`
	// ModelLoaded reports whether a model appears resident (memory use
	// above an idle floor). Heuristic only.
	ModelLoaded bool `json:"model_loaded"`
	// Vendor is the source that produced this reading.
	Vendor Vendor `json:"vendor"`
	// Timestamp is when the reading was taken.
	Timestamp time.Time `json:"timestamp"`
}

// UsageRatio returns used/total, or 0 when total is unknown.
func (v VRAMInfo) UsageRatio() float64 {
	if v.Total == 0 {
		return 0
	}
	return float64(v.Used) / float64(v.Total)
}

// AvailableRatio returns available/total, or 0 when total is unknown.
func (v VRAMInfo) AvailableRatio() float64 {
	if v.Total == 0 {
		return 0
	}
	return float64(v.Available) / float64(v.Total)
}
