// Package health probes the service's runtime dependencies and reports an
// aggregate status. Probes run in parallel with a short per-probe deadline so
// a wedged dependency cannot stall the health endpoint.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/tessellate-ai/cardinal/pkg/cache"
	"github.com/tessellate-ai/cardinal/pkg/store"
)

// Status is the aggregate health of the service.
type Status string

const (
	StatusHealthy  Status = "Healthy"
	StatusDegraded Status = "Degraded"
)

const (
	// probeTimeout bounds each individual probe.
	probeTimeout = 2 * time.Second

	// maxDiskUsedPercent and minDiskFreeBytes gate the store volume: the
	// disk probe degrades when either threshold is crossed.
	maxDiskUsedPercent = 90.0
	minDiskFreeBytes   = uint64(1 << 30)

	// maxMemoryUsedPercent gates system memory pressure.
	maxMemoryUsedPercent = 90.0
)

// Component is the outcome of a single probe.
type Component struct {
	Healthy   bool      `json:"healthy"`
	LatencyMS int64     `json:"latency_ms"`
	Message   string    `json:"message,omitempty"`
	LastCheck time.Time `json:"last_check"`
}

// Report aggregates all component probes. Overall is Healthy only when every
// component is.
type Report struct {
	Overall    Status               `json:"overall"`
	Components map[string]Component `json:"components"`
}

// Checker runs dependency probes against the store, the analysis cache, and
// the host the store volume lives on.
type Checker struct {
	store  *store.Store
	cache  *cache.Cache
	volume string
	logger *slog.Logger
}

// New builds a Checker. storePath is the SQLite database file; the disk probe
// watches the volume holding it.
func New(st *store.Store, c *cache.Cache, storePath string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		store:  st,
		cache:  c,
		volume: filepath.Dir(storePath),
		logger: logger.With("component", "health"),
	}
}

// CheckAll runs every probe in parallel and aggregates the results. Each
// probe gets its own deadline, so the call returns within probeTimeout even
// when a dependency hangs.
func (c *Checker) CheckAll(ctx context.Context) *Report {
	probes := []struct {
		name string
		fn   func(context.Context) (string, error)
	}{
		{"store", c.probeStore},
		{"cache", c.probeCache},
		{"disk", c.probeDisk},
		{"memory", c.probeMemory},
	}

	type outcome struct {
		name string
		comp Component
	}
	results := make(chan outcome, len(probes))
	for _, p := range probes {
		go func() {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()

			start := time.Now()
			msg, err := p.fn(pctx)
			comp := Component{
				Healthy:   err == nil,
				LatencyMS: time.Since(start).Milliseconds(),
				Message:   msg,
				LastCheck: time.Now().UTC(),
			}
			if err != nil {
				comp.Message = err.Error()
			}
			results <- outcome{name: p.name, comp: comp}
		}()
	}

	report := &Report{
		Overall:    StatusHealthy,
		Components: make(map[string]Component, len(probes)),
	}
	for range probes {
		r := <-results
		report.Components[r.name] = r.comp
		if !r.comp.Healthy {
			report.Overall = StatusDegraded
			c.logger.Warn("Health probe failed", "probe", r.name, "message", r.comp.Message)
		}
	}
	return report
}

// Liveness reports whether the process is responsive. A process able to
// answer at all is alive, so this is always true.
func (c *Checker) Liveness() bool { return true }

// Readiness reports whether the service should receive traffic.
func (c *Checker) Readiness(ctx context.Context) bool {
	return c.CheckAll(ctx).Overall == StatusHealthy
}

func (c *Checker) probeStore(ctx context.Context) (string, error) {
	if err := c.store.Ping(ctx); err != nil {
		return "", err
	}
	return "round-trip ok", nil
}

func (c *Checker) probeCache(ctx context.Context) (string, error) {
	stats, err := c.cache.Stats(ctx)
	if err != nil {
		return "", err
	}
	if !stats.Enabled {
		return "disabled", nil
	}
	return fmt.Sprintf("%d entries, %s", stats.Entries, stats.PayloadSize), nil
}

func (c *Checker) probeDisk(ctx context.Context) (string, error) {
	usage, err := disk.UsageWithContext(ctx, c.volume)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", c.volume, err)
	}
	if usage.UsedPercent >= maxDiskUsedPercent {
		return "", fmt.Errorf("disk %.0f%% used on %s", usage.UsedPercent, c.volume)
	}
	if usage.Free < minDiskFreeBytes {
		return "", fmt.Errorf("only %s free on %s", humanize.Bytes(usage.Free), c.volume)
	}
	return fmt.Sprintf("%s free of %s (%.0f%% used)",
		humanize.Bytes(usage.Free), humanize.Bytes(usage.Total), usage.UsedPercent), nil
}

func (c *Checker) probeMemory(ctx context.Context) (string, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return "", err
	}
	if vm.UsedPercent >= maxMemoryUsedPercent {
		return "", fmt.Errorf("memory %.0f%% used, %s available",
			vm.UsedPercent, humanize.Bytes(vm.Available))
	}
	return fmt.Sprintf("%.0f%% used, %s available",
		vm.UsedPercent, humanize.Bytes(vm.Available)), nil
}
