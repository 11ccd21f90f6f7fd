package gpu

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// probeTimeout bounds each vendor tool invocation. A hung tool must
// never stall the conversation path.
const probeTimeout = 5 * time.Second

// modelLoadedFloor is the used-memory fraction above which we assume a
// model is resident.
const modelLoadedFloor = 0.10

// runner executes an external command and returns its combined stdout.
// Swapped out in tests for canned output.
type runner func(ctx context.Context, name string, args ...string) (string, error)

func execRunner(ctx context.Context, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// probeNVIDIA queries nvidia-smi for total and used memory. Output is
// CSV in MiB, one line per GPU; only the first GPU is considered.
func probeNVIDIA(ctx context.Context, run runner) (VRAMInfo, error) {
	out, err := run(ctx, "nvidia-smi",
		"--query-gpu=memory.total,memory.used",
		"--format=csv,noheader,nounits")
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("nvidia-smi: %w", err)
	}

	line, _, _ := strings.Cut(strings.TrimSpace(out), "\n")
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return VRAMInfo{}, fmt.Errorf("nvidia-smi: unexpected output %q", line)
	}

	totalMiB, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("nvidia-smi: parse total: %w", err)
	}
	usedMiB, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("nvidia-smi: parse used: %w", err)
	}

	return makeInfo(totalMiB<<20, usedMiB<<20, VendorNVIDIA), nil
}

// probeAMD queries rocm-smi for VRAM totals. rocm-smi prints lines like
// "GPU[0] : VRAM Total Memory (B): 17163091968". Linux only.
func probeAMD(ctx context.Context, run runner) (VRAMInfo, error) {
	if runtime.GOOS != "linux" {
		return VRAMInfo{}, fmt.Errorf("rocm-smi: unsupported on %s", runtime.GOOS)
	}

	out, err := run(ctx, "rocm-smi", "--showmeminfo", "vram")
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("rocm-smi: %w", err)
	}

	var total, used uint64
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.Contains(line, "VRAM Total Memory"):
			total = lastUint(line)
		case strings.Contains(line, "VRAM Total Used Memory"):
			used = lastUint(line)
		}
	}
	if total == 0 {
		return VRAMInfo{}, fmt.Errorf("rocm-smi: no VRAM totals in output")
	}

	return makeInfo(total, used, VendorAMD), nil
}

// probeApple reads unified memory on Apple Silicon: total from
// hw.memsize, free pages from vm_stat. macOS only.
func probeApple(ctx context.Context, run runner) (VRAMInfo, error) {
	if runtime.GOOS != "darwin" {
		return VRAMInfo{}, fmt.Errorf("sysctl: unsupported on %s", runtime.GOOS)
	}

	memOut, err := run(ctx, "sysctl", "-n", "hw.memsize")
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("sysctl hw.memsize: %w", err)
	}
	total, err := strconv.ParseUint(strings.TrimSpace(memOut), 10, 64)
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("sysctl hw.memsize: parse: %w", err)
	}

	vmOut, err := run(ctx, "vm_stat")
	if err != nil {
		return VRAMInfo{}, fmt.Errorf("vm_stat: %w", err)
	}

	pageSize := uint64(16384) // Apple Silicon default
	var freePages uint64
	for _, line := range strings.Split(vmOut, "\n") {
		switch {
		case strings.Contains(line, "page size of"):
			pageSize = lastUint(line)
		case strings.HasPrefix(line, "Pages free"),
			strings.HasPrefix(line, "Pages inactive"),
			strings.HasPrefix(line, "Pages speculative"):
			freePages += lastUint(line)
		}
	}

	available := freePages * pageSize
	if available > total {
		available = total
	}
	used := total - available

	return makeInfo(total, used, VendorApple), nil
}

func makeInfo(total, used uint64, vendor Vendor) VRAMInfo {
	available := uint64(0)
	if total > used {
		available = total - used
	}
	info := VRAMInfo{
		Total:     total,
		Used:      used,
		Available: available,
		Vendor:    vendor,
		Timestamp: time.Now().UTC(),
	}
	info.ModelLoaded = info.UsageRatio() > modelLoadedFloor
	return info
}

// lastUint extracts the trailing unsigned integer from a tool output
// line, ignoring punctuation like the trailing "." vm_stat prints.
func lastUint(line string) uint64 {
	fields := strings.Fields(line)
	for i := len(fields) - 1; i >= 0; i-- {
		tok := strings.Trim(fields[i], ".:,)")
		if n, err := strconv.ParseUint(tok, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
