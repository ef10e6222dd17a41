package utils

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// GaugeSource reports application gauges (queue length, active jobs...) for /metrics.
// Keys become metric names under the comfy_deploy_ prefix.
type GaugeSource func() map[string]float64

// MonitoringServer serves pprof, runtime stats and Prometheus-style gauges on a loopback port
type MonitoringServer struct {
	ctx       context.Context
	cancel    context.CancelFunc
	server    *http.Server
	listener  net.Listener
	port      string
	startTime time.Time
	logger    *LogsManager
	config    *ConfigManager
	gauges    GaugeSource

	requestCount int64
	errorCount   int64

	memStats        sync.RWMutex
	lastMemStats    runtime.MemStats
	lastStatsUpdate time.Time
}

type ResourceStats struct {
	Timestamp       string             `json:"timestamp"`
	Goroutines      int                `json:"goroutines"`
	HeapAllocBytes  uint64             `json:"heap_alloc_bytes"`
	HeapInuseBytes  uint64             `json:"heap_inuse_bytes"`
	HeapSysBytes    uint64             `json:"heap_sys_bytes"`
	HeapObjects     uint64             `json:"heap_objects"`
	StackInuseBytes uint64             `json:"stack_inuse_bytes"`
	GCSys           uint64             `json:"gc_sys_bytes"`
	NextGC          uint64             `json:"next_gc_bytes"`
	LastGC          string             `json:"last_gc"`
	NumGC           uint32             `json:"num_gc"`
	GCCPUFraction   float64            `json:"gc_cpu_fraction"`
	UptimeSeconds   int64              `json:"uptime_seconds"`
	RequestCount    int64              `json:"request_count"`
	ErrorCount      int64              `json:"error_count"`
	Gauges          map[string]float64 `json:"gauges,omitempty"`
}

type HealthStatus struct {
	Status    string `json:"status"`
	Uptime    string `json:"uptime"`
	Port      string `json:"port"`
	Timestamp string `json:"timestamp"`
}

func NewMonitoringServer(config *ConfigManager, logger *LogsManager, gauges GaugeSource) *MonitoringServer {
	ctx, cancel := context.WithCancel(context.Background())

	return &MonitoringServer{
		ctx:             ctx,
		cancel:          cancel,
		startTime:       time.Now(),
		logger:          logger,
		config:          config,
		gauges:          gauges,
		lastStatsUpdate: time.Now(),
	}
}

// parsePortList parses a comma-separated list of ports
func parsePortList(portList string) []string {
	if portList == "" {
		return []string{}
	}
	ports := strings.Split(portList, ",")
	result := make([]string, 0, len(ports))
	for _, port := range ports {
		port = strings.TrimSpace(port)
		if port != "" {
			result = append(result, port)
		}
	}
	return result
}

// Handler returns the monitoring routes
func (ms *MonitoringServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// pprof registers itself on the default mux
	mux.HandleFunc("/debug/pprof/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&ms.requestCount, 1)
		http.DefaultServeMux.ServeHTTP(w, r)
	})
	mux.HandleFunc("/stats/resources", ms.handleResourceStats)
	mux.HandleFunc("/stats/goroutines", ms.handleGoroutineDump)
	mux.HandleFunc("/health", ms.handleHealth)
	mux.HandleFunc("/metrics", ms.handleMetrics)

	return mux
}

func (ms *MonitoringServer) Start() error {
	pprofPort := ms.config.GetConfigWithDefault("pprof_port", "6060")
	host := ms.config.GetConfigWithDefault("pprof_host", "127.0.0.1")

	ports := append([]string{pprofPort}, parsePortList(ms.config.GetConfigWithDefault("pprof_fallback_ports", "6061,6062"))...)
	var err error
	for i, port := range ports {
		ms.listener, err = net.Listen("tcp", net.JoinHostPort(host, port))
		if err != nil {
			if i < len(ports)-1 {
				ms.logger.Warn(fmt.Sprintf("Monitoring port %s unavailable, trying next port: %v", port, err), "monitoring")
				continue
			}
			return fmt.Errorf("failed to bind to any monitoring port: %v", err)
		}

		ms.port = port
		ms.logger.Info(fmt.Sprintf("Monitoring server bound to %s:%s (/debug/pprof/, /stats/resources, /stats/goroutines, /health, /metrics)", host, port), "monitoring")
		break
	}

	ms.server = &http.Server{
		Handler:      ms.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	go func() {
		if err := ms.server.Serve(ms.listener); err != nil && err != http.ErrServerClosed {
			ms.logger.Error(fmt.Sprintf("Monitoring server error: %v", err), "monitoring")
			atomic.AddInt64(&ms.errorCount, 1)
		}
	}()

	go ms.collectMetrics()
	return nil
}

func (ms *MonitoringServer) Stop() error {
	ms.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ms.server != nil {
		if err := ms.server.Shutdown(ctx); err != nil {
			ms.logger.Warn(fmt.Sprintf("Error shutting down monitoring server: %v", err), "monitoring")
			return err
		}
	}

	ms.logger.Info("Monitoring server stopped", "monitoring")
	return nil
}

func (ms *MonitoringServer) GetPort() string {
	return ms.port
}

func (ms *MonitoringServer) collectMetrics() {
	ms.updateMemStats()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ms.ctx.Done():
			return
		case <-ticker.C:
			ms.updateMemStats()
		}
	}
}

func (ms *MonitoringServer) updateMemStats() {
	ms.memStats.Lock()
	defer ms.memStats.Unlock()

	runtime.ReadMemStats(&ms.lastMemStats)
	ms.lastStatsUpdate = time.Now()
}

func (ms *MonitoringServer) currentGauges() map[string]float64 {
	if ms.gauges == nil {
		return nil
	}
	return ms.gauges()
}

func (ms *MonitoringServer) handleResourceStats(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ms.requestCount, 1)
	w.Header().Set("Content-Type", "application/json")

	ms.memStats.RLock()
	memStats := ms.lastMemStats
	ms.memStats.RUnlock()

	stats := ResourceStats{
		Timestamp:       time.Now().Format(time.RFC3339),
		Goroutines:      runtime.NumGoroutine(),
		HeapAllocBytes:  memStats.HeapAlloc,
		HeapInuseBytes:  memStats.HeapInuse,
		HeapSysBytes:    memStats.HeapSys,
		HeapObjects:     memStats.HeapObjects,
		StackInuseBytes: memStats.StackInuse,
		GCSys:           memStats.GCSys,
		NextGC:          memStats.NextGC,
		LastGC:          time.Unix(0, int64(memStats.LastGC)).Format(time.RFC3339),
		NumGC:           memStats.NumGC,
		GCCPUFraction:   memStats.GCCPUFraction,
		UptimeSeconds:   int64(time.Since(ms.startTime).Seconds()),
		RequestCount:    atomic.LoadInt64(&ms.requestCount),
		ErrorCount:      atomic.LoadInt64(&ms.errorCount),
		Gauges:          ms.currentGauges(),
	}

	if err := json.NewEncoder(w).Encode(stats); err != nil {
		atomic.AddInt64(&ms.errorCount, 1)
		ms.logger.Error(fmt.Sprintf("Failed to encode resource stats: %v", err), "monitoring")
	}
}

func (ms *MonitoringServer) handleGoroutineDump(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ms.requestCount, 1)
	w.Header().Set("Content-Type", "text/plain")

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)

	fmt.Fprintf(w, "Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "Total goroutines: %d\n", runtime.NumGoroutine())
	fmt.Fprintf(w, "Uptime: %s\n\n", time.Since(ms.startTime).Round(time.Second))
	w.Write(buf[:n])
}

func (ms *MonitoringServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ms.requestCount, 1)
	w.Header().Set("Content-Type", "application/json")

	health := HealthStatus{
		Status:    "ok",
		Uptime:    time.Since(ms.startTime).Round(time.Second).String(),
		Port:      ms.port,
		Timestamp: time.Now().Format(time.RFC3339),
	}

	if err := json.NewEncoder(w).Encode(health); err != nil {
		atomic.AddInt64(&ms.errorCount, 1)
		ms.logger.Error(fmt.Sprintf("Failed to encode health status: %v", err), "monitoring")
	}
}

func (ms *MonitoringServer) handleMetrics(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&ms.requestCount, 1)
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	ms.memStats.RLock()
	heap := ms.lastMemStats.HeapAlloc
	ms.memStats.RUnlock()

	var b strings.Builder
	writeMetric(&b, "goroutines", "gauge", "Current number of goroutines", float64(runtime.NumGoroutine()))
	writeMetric(&b, "heap_bytes", "gauge", "Current heap memory in bytes", float64(heap))
	writeMetric(&b, "monitoring_requests_total", "counter", "Requests served by the monitoring server", float64(atomic.LoadInt64(&ms.requestCount)))
	writeMetric(&b, "uptime_seconds", "gauge", "Uptime in seconds", float64(int64(time.Since(ms.startTime).Seconds())))

	gauges := ms.currentGauges()
	names := make([]string, 0, len(gauges))
	for name := range gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		writeMetric(&b, name, "gauge", "", gauges[name])
	}

	w.Write([]byte(b.String()))
}

func writeMetric(b *strings.Builder, name, kind, help string, value float64) {
	name = "comfy_deploy_" + name
	if help != "" {
		fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n%s %g\n", name, kind, name, value)
}
