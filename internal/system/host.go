package system

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HostInfo describes the machine ComfyUI runs on
type HostInfo struct {
	Platform          string    `json:"platform"`
	Architecture      string    `json:"architecture"`
	KernelVersion     string    `json:"kernel_version"`
	CPUModel          string    `json:"cpu_model"`
	CPUCores          int       `json:"cpu_cores"`
	TotalMemoryMB     int64     `json:"total_memory_mb"`
	AvailableMemoryMB int64     `json:"available_memory_mb"`
	VolumeTotalMB     int64     `json:"volume_total_mb"`
	VolumeAvailableMB int64     `json:"volume_available_mb"`
	GPUs              []GPUInfo `json:"gpus,omitempty"`
	CollectedAt       time.Time `json:"collected_at"`
}

type GPUInfo struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	Vendor        string `json:"vendor"`
	MemoryMB      int64  `json:"memory_mb"`
	UUID          string `json:"uuid,omitempty"`
	DriverVersion string `json:"driver_version,omitempty"`
}

// HostProbe gathers HostInfo for a volume directory and caches it, since every probe
// spawns a few processes.
type HostProbe struct {
	volumeDir string
	ttl       time.Duration

	mu     sync.Mutex
	cached *HostInfo
}

func NewHostProbe(volumeDir string, ttl time.Duration) *HostProbe {
	return &HostProbe{volumeDir: volumeDir, ttl: ttl}
}

// Info returns the cached host info, refreshing it once it is older than the ttl
func (hp *HostProbe) Info(ctx context.Context) HostInfo {
	hp.mu.Lock()
	defer hp.mu.Unlock()

	if hp.cached != nil && time.Since(hp.cached.CollectedAt) < hp.ttl {
		return *hp.cached
	}
	info := GatherHostInfo(ctx, hp.volumeDir)
	hp.cached = &info
	return info
}

// GatherHostInfo collects host information. Every field is best effort.
func GatherHostInfo(ctx context.Context, volumeDir string) HostInfo {
	info := HostInfo{
		Platform:     runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		CollectedAt:  time.Now(),
	}

	info.KernelVersion = kernelVersion(ctx)
	info.CPUModel = cpuModel(ctx)
	info.TotalMemoryMB, info.AvailableMemoryMB = memoryInfo(ctx)
	info.VolumeTotalMB, info.VolumeAvailableMB = diskInfo(ctx, volumeDir)
	info.GPUs = detectGPUs(ctx)

	return info
}

func run(ctx context.Context, name string, args ...string) (string, bool) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

func kernelVersion(ctx context.Context) string {
	switch runtime.GOOS {
	case "linux", "darwin":
		if out, ok := run(ctx, "uname", "-r"); ok {
			return out
		}
	case "windows":
		if out, ok := run(ctx, "cmd", "/c", "ver"); ok {
			return out
		}
	}
	return "unknown"
}

func cpuModel(ctx context.Context) string {
	switch runtime.GOOS {
	case "linux":
		if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					if _, value, ok := strings.Cut(line, ":"); ok {
						return strings.TrimSpace(value)
					}
				}
			}
		}
	case "darwin":
		if out, ok := run(ctx, "sysctl", "-n", "machdep.cpu.brand_string"); ok {
			return out
		}
	case "windows":
		if out, ok := run(ctx, "wmic", "cpu", "get", "name"); ok {
			lines := strings.Split(out, "\n")
			if len(lines) > 1 {
				return strings.TrimSpace(lines[1])
			}
		}
	}
	return "unknown"
}

// memoryInfo returns total and available memory in MB, zero when unknown
func memoryInfo(ctx context.Context) (int64, int64) {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/meminfo")
		if err == nil {
			return parseMemInfo(string(data))
		}
	case "darwin":
		var total int64
		if out, ok := run(ctx, "sysctl", "-n", "hw.memsize"); ok {
			if val, err := strconv.ParseInt(out, 10, 64); err == nil {
				total = val / (1024 * 1024)
			}
		}
		return total, 0
	case "windows":
		var total, available int64
		if out, ok := run(ctx, "wmic", "OS", "get", "TotalVisibleMemorySize"); ok {
			total = secondLineInt(out) / 1024
		}
		if out, ok := run(ctx, "wmic", "OS", "get", "FreePhysicalMemory"); ok {
			available = secondLineInt(out) / 1024
		}
		return total, available
	}
	return 0, 0
}

func secondLineInt(out string) int64 {
	lines := strings.Split(out, "\n")
	if len(lines) < 2 {
		return 0
	}
	val, _ := strconv.ParseInt(strings.TrimSpace(lines[1]), 10, 64)
	return val
}

// parseMemInfo reads MemTotal and MemAvailable (kB) from /proc/meminfo content
func parseMemInfo(data string) (int64, int64) {
	var total, available int64
	for _, line := range strings.Split(data, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		val, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = val / 1024
		case "MemAvailable:":
			available = val / 1024
		}
	}
	return total, available
}

// diskInfo returns total and available space of the filesystem holding path, in MB
func diskInfo(ctx context.Context, path string) (int64, int64) {
	if path == "" {
		return 0, 0
	}
	switch runtime.GOOS {
	case "linux", "darwin":
		if out, ok := run(ctx, "df", "-k", path); ok {
			return parseDF(out)
		}
	case "windows":
		drive := "C:"
		if len(path) >= 2 && path[1] == ':' {
			drive = path[:2]
		}
		out, ok := run(ctx, "wmic", "logicaldisk", "where", fmt.Sprintf("DeviceID='%s'", drive), "get", "Size,FreeSpace")
		if ok {
			lines := strings.Split(out, "\n")
			if len(lines) > 1 {
				fields := strings.Fields(lines[1])
				if len(fields) >= 2 {
					free, _ := strconv.ParseInt(fields[0], 10, 64)
					size, _ := strconv.ParseInt(fields[1], 10, 64)
					return size / (1024 * 1024), free / (1024 * 1024)
				}
			}
		}
	}
	return 0, 0
}

// parseDF reads the size and available columns (1K blocks) of `df -k` output
func parseDF(out string) (int64, int64) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, 0
	}
	// Long device names wrap onto their own line
	fields := strings.Fields(strings.Join(lines[1:], " "))
	if len(fields) < 4 {
		return 0, 0
	}
	total, err1 := strconv.ParseInt(fields[1], 10, 64)
	available, err2 := strconv.ParseInt(fields[3], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return total / 1024, available / 1024
}

func detectGPUs(ctx context.Context) []GPUInfo {
	out, ok := run(ctx, "nvidia-smi", "--query-gpu=index,name,memory.total,uuid,driver_version", "--format=csv,noheader,nounits")
	if !ok {
		return nil
	}
	return parseNvidiaSMI(out)
}

// parseNvidiaSMI reads `nvidia-smi --query-gpu=index,name,memory.total,uuid,driver_version` CSV output
func parseNvidiaSMI(out string) []GPUInfo {
	var gpus []GPUInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 5 {
			continue
		}
		gpu := GPUInfo{Vendor: "nvidia"}
		gpu.Index, _ = strconv.Atoi(strings.TrimSpace(fields[0]))
		gpu.Name = strings.TrimSpace(fields[1])
		gpu.MemoryMB, _ = strconv.ParseInt(strings.TrimSpace(fields[2]), 10, 64)
		gpu.UUID = strings.TrimSpace(fields[3])
		gpu.DriverVersion = strings.TrimSpace(fields[4])
		gpus = append(gpus, gpu)
	}
	return gpus
}
