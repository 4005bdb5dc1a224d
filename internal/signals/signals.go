// Package signals implements the out-of-band operations: SIGHUP
// reloads the kernel config file and applies non-breaking changes,
// SIGUSR1 writes a JSON state dump. Both log their errors and never
// propagate them to the main execution path.
package signals

import (
	"encoding/json"
	"os"
	"os/signal"
	stdruntime "runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/runehost/runehost/internal/config"
)

// Counters are the signal operation metrics.
type Counters struct {
	ConfigReloads     uint64     `json:"config_reloads"`
	SuccessfulReloads uint64     `json:"successful_reloads"`
	StateDumps        uint64     `json:"state_dumps"`
	SuccessfulDumps   uint64     `json:"successful_dumps"`
	LastReloadAt      *time.Time `json:"last_reload_at,omitempty"`
	LastDumpAt        *time.Time `json:"last_dump_at,omitempty"`
}

// Provider supplies a section of the state dump (metrics, kernel
// state). Nil values are omitted.
type Provider func() interface{}

// Handler owns the signal subscriptions and the reloadable config.
type Handler struct {
	cfg       config.SignalsConfig
	version   string
	startedAt time.Time

	mu      sync.Mutex
	current config.KernelConfig

	reloading atomic.Bool

	reloads       atomic.Uint64
	reloadsOK     atomic.Uint64
	dumps         atomic.Uint64
	dumpsOK       atomic.Uint64
	timesMu       sync.Mutex
	lastReload    *time.Time
	lastDump      *time.Time
	metricsFn     Provider
	kernelStateFn Provider
}

// NewHandler creates a handler seeded with the current kernel config.
func NewHandler(cfg config.SignalsConfig, kernelCfg config.KernelConfig, version string) *Handler {
	return &Handler{
		cfg:       cfg,
		version:   version,
		startedAt: time.Now().UTC(),
		current:   kernelCfg,
	}
}

// SetProviders attaches optional dump sections.
func (h *Handler) SetProviders(metrics, kernelState Provider) {
	h.metricsFn = metrics
	h.kernelStateFn = kernelState
}

// Current returns the active kernel config.
func (h *Handler) Current() config.KernelConfig {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.current
}

// Start subscribes to SIGHUP and SIGUSR1 until stop is closed.
func (h *Handler) Start(stop <-chan struct{}) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-stop:
				return
			case sig := <-ch:
				switch sig {
				case syscall.SIGHUP:
					h.Reload()
				case syscall.SIGUSR1:
					h.Dump()
				}
			}
		}
	}()
	log.Info().
		Bool("config_reload", h.cfg.EnableConfigReload).
		Bool("state_dump", h.cfg.EnableStateDump).
		Msg("Signal handler started")
}

// Reload re-reads the config file and applies non-breaking changes,
// returning the list of applied changes. A reload already in progress
// drops the request with a warning.
func (h *Handler) Reload() []string {
	if !h.cfg.EnableConfigReload {
		log.Debug().Msg("Config reload disabled, signal ignored")
		return nil
	}
	if !h.reloading.CompareAndSwap(false, true) {
		log.Warn().Msg("Config reload already in progress, request dropped")
		return nil
	}
	defer h.reloading.Store(false)

	h.reloads.Add(1)
	h.stamp(&h.lastReload)

	next, err := config.LoadKernelConfig(h.cfg.ConfigPath)
	if err != nil {
		log.Error().Err(err).Str("path", h.cfg.ConfigPath).Msg("Config reload failed")
		return nil
	}

	changes := h.apply(*next)
	h.reloadsOK.Add(1)
	if len(changes) == 0 {
		log.Info().Msg("Config reloaded, no changes")
	} else {
		log.Info().Strs("changes", changes).Msg("✅ Config reloaded")
	}
	return changes
}

// apply diffs the new config against the current one and applies the
// non-breaking fields. ListenAddr changes require a restart and are
// only reported.
func (h *Handler) apply(next config.KernelConfig) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var changes []string
	if next.LogLevel != h.current.LogLevel {
		if level, err := zerolog.ParseLevel(next.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
			changes = append(changes, "log_level: "+h.current.LogLevel+" -> "+next.LogLevel)
			h.current.LogLevel = next.LogLevel
		} else {
			log.Warn().Str("log_level", next.LogLevel).Msg("Invalid log level ignored")
		}
	}
	if next.MaxConnections != h.current.MaxConnections && next.MaxConnections > 0 {
		changes = append(changes, "max_connections updated")
		h.current.MaxConnections = next.MaxConnections
	}
	if next.TimeoutSecs != h.current.TimeoutSecs && next.TimeoutSecs > 0 {
		changes = append(changes, "timeout_secs updated")
		h.current.TimeoutSecs = next.TimeoutSecs
	}
	if next.ListenAddr != "" && next.ListenAddr != h.current.ListenAddr {
		log.Warn().Str("listen_addr", next.ListenAddr).Msg("listen_addr change requires restart, not applied")
	}
	return changes
}

// Dump writes the state dump JSON, truncating to the configured size
// cap with a warning on overrun.
func (h *Handler) Dump() {
	if !h.cfg.EnableStateDump {
		log.Debug().Msg("State dump disabled, signal ignored")
		return
	}
	h.dumps.Add(1)
	h.stamp(&h.lastDump)

	doc := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"kernel": map[string]interface{}{
			"name":    "runehost",
			"version": h.version,
		},
		"config": h.Current(),
		"system": h.systemInfo(),
	}
	if h.metricsFn != nil {
		if v := h.metricsFn(); v != nil {
			doc["metrics"] = v
		}
	}
	if h.kernelStateFn != nil {
		if v := h.kernelStateFn(); v != nil {
			doc["kernel_state"] = v
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("State dump serialization failed")
		return
	}
	if h.cfg.MaxDumpBytes > 0 && len(data) > h.cfg.MaxDumpBytes {
		log.Warn().
			Int("size", len(data)).
			Int("cap", h.cfg.MaxDumpBytes).
			Msg("State dump exceeds size cap, truncating")
		data = data[:h.cfg.MaxDumpBytes]
	}
	if err := os.WriteFile(h.cfg.DumpPath, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", h.cfg.DumpPath).Msg("State dump write failed")
		return
	}

	h.dumpsOK.Add(1)
	log.Info().Str("path", h.cfg.DumpPath).Int("bytes", len(data)).Msg("✅ State dump written")
}

func (h *Handler) systemInfo() map[string]interface{} {
	var mem stdruntime.MemStats
	stdruntime.ReadMemStats(&mem)
	return map[string]interface{}{
		"uptime_secs":      int64(time.Since(h.startedAt).Seconds()),
		"heap_alloc_bytes": mem.HeapAlloc,
		"num_goroutine":    stdruntime.NumGoroutine(),
		"num_cpu":          stdruntime.NumCPU(),
	}
}

func (h *Handler) stamp(field **time.Time) {
	now := time.Now().UTC()
	h.timesMu.Lock()
	*field = &now
	h.timesMu.Unlock()
}

// Counters returns a snapshot of the operation counters.
func (h *Handler) Counters() Counters {
	h.timesMu.Lock()
	defer h.timesMu.Unlock()
	return Counters{
		ConfigReloads:     h.reloads.Load(),
		SuccessfulReloads: h.reloadsOK.Load(),
		StateDumps:        h.dumps.Load(),
		SuccessfulDumps:   h.dumpsOK.Load(),
		LastReloadAt:      h.lastReload,
		LastDumpAt:        h.lastDump,
	}
}
