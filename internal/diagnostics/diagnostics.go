// Package diagnostics exposes a read-only, localhost-only HTTP surface for
// operational visibility into the content delivery and patch engine: cache
// and download counters, per-channel build state, and a Prometheus /metrics
// endpoint. It is grounded on internal/api/server.go's ControlServer (chi
// router construction, the security middleware chain, loopback
// enforcement), stripped of that server's download-queueing routes since
// queueing is now a direct Go API rather than a network one, and of its
// token-auth gate since this surface takes no control actions worth
// protecting beyond the loopback bind itself.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/disk"

	"cdpe/internal/cache"
	"cdpe/internal/downloadsvc"
	"cdpe/internal/security"
	"cdpe/internal/state"
)

// Metrics holds the Prometheus collectors the diagnostics surface exports.
type Metrics struct {
	DownloadsActive    prometheus.Gauge
	DownloadsCompleted prometheus.Counter
	DownloadsFailed    prometheus.Counter
	BytesTransferred   prometheus.Counter
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
}

// NewMetrics registers a fresh set of collectors on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		DownloadsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cdpe_downloads_active", Help: "Downloads currently in flight.",
		}),
		DownloadsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdpe_downloads_completed_total", Help: "Downloads that finished successfully.",
		}),
		DownloadsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdpe_downloads_failed_total", Help: "Downloads that exhausted retries.",
		}),
		BytesTransferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdpe_bytes_transferred_total", Help: "Bytes written to disk across all downloads.",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdpe_cache_hits_total", Help: "Download requests served from the local cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cdpe_cache_misses_total", Help: "Download requests that missed the local cache.",
		}),
	}
	registry.MustRegister(m.DownloadsActive, m.DownloadsCompleted, m.DownloadsFailed, m.BytesTransferred, m.CacheHits, m.CacheMisses)
	return m
}

// sync copies the latest downloadsvc snapshot into the Prometheus gauges and
// counters. Counters only move forward, so this tracks the last-seen totals
// and adds the delta.
func (m *Metrics) sync(snap downloadsvc.Stats, prev *downloadsvc.Stats) {
	m.DownloadsActive.Set(float64(snap.Active))
	m.DownloadsCompleted.Add(float64(snap.Completed - prev.Completed))
	m.DownloadsFailed.Add(float64(snap.Failed - prev.Failed))
	m.BytesTransferred.Add(float64(snap.Bytes - prev.Bytes))
	m.CacheHits.Add(float64(snap.CacheHits - prev.CacheHits))
	m.CacheMisses.Add(float64(snap.CacheMiss - prev.CacheMiss))
	*prev = snap
}

// Server is the diagnostics HTTP surface.
type Server struct {
	router     *chi.Mux
	downloads  *downloadsvc.Service
	cacheStore *cache.Store
	store      *state.Store
	audit      *security.AuditLogger
	metrics    *Metrics
	prevStat   downloadsvc.Stats
	logger     *slog.Logger
	diskRoot   string
}

// SetDiskRoot enables a "disk" field on /status, reporting free/used space
// for path's volume root (or "/" where paths carry no volume name).
// Grounded on StatsManager.GetDiskUsage,
// which resolved the download drive's volume root and called gopsutil's
// disk.Usage on it the same way.
func (s *Server) SetDiskRoot(path string) {
	s.diskRoot = path
}

// New builds a Server. audit may be nil to skip access logging; registry
// may be nil to have Server create its own.
func New(downloads *downloadsvc.Service, cacheStore *cache.Store, store *state.Store, audit *security.AuditLogger, registry *prometheus.Registry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	s := &Server{
		router:     chi.NewRouter(),
		downloads:  downloads,
		cacheStore: cacheStore,
		store:      store,
		audit:      audit,
		metrics:    NewMetrics(registry),
		logger:     logger,
	}
	s.setupRoutes(registry)
	return s
}

func (s *Server) setupRoutes(registry *prometheus.Registry) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loopbackOnlyMiddleware)

	s.router.Get("/status", s.handleStatus)
	s.router.Get("/status/channels", s.handleChannels)
	s.router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}

// loopbackOnlyMiddleware rejects any request not originating from
// 127.0.0.1/::1, the same enforcement ControlServer's securityMiddleware
// applied before its (now-removed) token check.
func (s *Server) loopbackOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sourceIP, _, _ := net.SplitHostPort(r.RemoteAddr)
		action := fmt.Sprintf("%s %s", r.Method, r.URL.Path)

		if sourceIP != "127.0.0.1" && sourceIP != "::1" {
			s.logAccess(sourceIP, r.UserAgent(), action, http.StatusForbidden, "non-loopback request rejected")
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		s.logAccess(sourceIP, r.UserAgent(), action, http.StatusOK, "")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logAccess(sourceIP, userAgent, action string, status int, details string) {
	if s.audit != nil {
		s.audit.Log(sourceIP, userAgent, action, status, details)
	}
}

// Start binds the diagnostics server to 127.0.0.1:port in the background,
// mirroring ControlServer.Start's loopback-enforced listener.
func (s *Server) Start(port int) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	go func() {
		conn, err := net.Listen("tcp", addr)
		if err != nil {
			s.logger.Error("diagnostics server failed to bind", "addr", addr, "error", err)
			return
		}
		s.logger.Info("diagnostics server listening", "addr", addr)
		if err := http.Serve(conn, s.router); err != nil {
			s.logger.Error("diagnostics server stopped", "error", err)
		}
	}()
}

// Refresh pulls the latest downloadsvc counters into the Prometheus
// collectors. Callers should invoke this on a short interval.
func (s *Server) Refresh() {
	if s.downloads == nil {
		return
	}
	s.metrics.sync(s.downloads.Snapshot(), &s.prevStat)
}

type statusResponse struct {
	Status    string             `json:"status"`
	Downloads downloadsvc.Stats  `json:"downloads"`
	Disk      *DiskUsage         `json:"disk,omitempty"`
	Checked   time.Time          `json:"checked_at"`
}

// DiskUsage mirrors DiskUsageInfo, minus the percent field (derivable from
// used/total and not worth persisting twice).
type DiskUsage struct {
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	TotalGB float64 `json:"total_gb"`
}

const bytesPerGB = 1024 * 1024 * 1024

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Status: "running", Checked: time.Now().UTC()}
	if s.downloads != nil {
		resp.Downloads = s.downloads.Snapshot()
	}
	if s.diskRoot != "" {
		resp.Disk = diskUsageFor(s.diskRoot)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func diskUsageFor(path string) *DiskUsage {
	volumePath := filepath.VolumeName(path)
	if volumePath == "" {
		volumePath = "/"
	} else {
		volumePath += string(filepath.Separator)
	}
	usage, err := disk.Usage(volumePath)
	if err != nil {
		return nil
	}
	return &DiskUsage{
		UsedGB:  float64(usage.Used) / bytesPerGB,
		FreeGB:  float64(usage.Free) / bytesPerGB,
		TotalGB: float64(usage.Total) / bytesPerGB,
	}
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.store == nil {
		json.NewEncoder(w).Encode(map[string]state.BuildRecord{})
		return
	}
	channels := map[string]state.BuildRecord{}
	for _, ch := range []string{"latest", "beta"} {
		if rec, ok := s.store.BuildRecord(ch); ok {
			channels[ch] = rec
		}
	}
	json.NewEncoder(w).Encode(channels)
}
