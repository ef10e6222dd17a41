package system

import (
	"context"
	"runtime"
	"testing"
	"time"
)

func TestParseMemInfo(t *testing.T) {
	data := "MemTotal:       32768000 kB\nMemFree:         1024000 kB\nMemAvailable:   16384000 kB\n"
	total, available := parseMemInfo(data)
	if total != 32000 || available != 16000 {
		t.Errorf("Expected 32000/16000 MB, got %d/%d", total, available)
	}

	total, available = parseMemInfo("garbage")
	if total != 0 || available != 0 {
		t.Errorf("Expected zeros for unparsable input, got %d/%d", total, available)
	}
}

func TestParseDF(t *testing.T) {
	tests := []struct {
		name      string
		out       string
		total     int64
		available int64
	}{
		{
			name:      "single line",
			out:       "Filesystem 1K-blocks Used Available Use% Mounted on\n/dev/sda1 102400000 51200000 51200000 50% /",
			total:     100000,
			available: 50000,
		},
		{
			name:      "wrapped device name",
			out:       "Filesystem 1K-blocks Used Available Use% Mounted on\n/dev/mapper/very-long-volume-name\n 2048000 1024000 1024000 50% /data",
			total:     2000,
			available: 1000,
		},
		{
			name: "header only",
			out:  "Filesystem 1K-blocks Used Available Use% Mounted on",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total, available := parseDF(tt.out)
			if total != tt.total || available != tt.available {
				t.Errorf("Expected %d/%d, got %d/%d", tt.total, tt.available, total, available)
			}
		})
	}
}

func TestParseNvidiaSMI(t *testing.T) {
	out := "0, NVIDIA GeForce RTX 4090, 24564, GPU-1234, 550.54\n1, NVIDIA A100-SXM4-80GB, 81920, GPU-5678, 550.54\n"
	gpus := parseNvidiaSMI(out)
	if len(gpus) != 2 {
		t.Fatalf("Expected 2 GPUs, got %d", len(gpus))
	}
	if gpus[0].Name != "NVIDIA GeForce RTX 4090" || gpus[0].MemoryMB != 24564 || gpus[0].Vendor != "nvidia" {
		t.Errorf("Unexpected first GPU: %+v", gpus[0])
	}
	if gpus[1].Index != 1 || gpus[1].UUID != "GPU-5678" || gpus[1].DriverVersion != "550.54" {
		t.Errorf("Unexpected second GPU: %+v", gpus[1])
	}

	if gpus := parseNvidiaSMI(""); len(gpus) != 0 {
		t.Errorf("Expected no GPUs for empty output, got %v", gpus)
	}
}

func TestHostProbeCaches(t *testing.T) {
	probe := NewHostProbe(t.TempDir(), time.Hour)

	first := probe.Info(context.Background())
	if first.Platform != runtime.GOOS || first.CPUCores != runtime.NumCPU() {
		t.Errorf("Unexpected host info: %+v", first)
	}

	second := probe.Info(context.Background())
	if !second.CollectedAt.Equal(first.CollectedAt) {
		t.Errorf("Expected cached info within ttl")
	}
}
