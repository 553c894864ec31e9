package monitor

import (
	"sort"
	"sync"
	"time"
)

// HealthStatus summarizes read failures across tracked files.
type HealthStatus string

const (
	StatusHealthy  HealthStatus = "healthy"
	StatusDegraded HealthStatus = "degraded"
)

// FileHealth describes one file that keeps failing to read.
type FileHealth struct {
	Path      string    `json:"path"`
	Failures  int       `json:"failures"`
	LastError string    `json:"lastError"`
	LastFail  time.Time `json:"lastFail"`
}

// Health is the pipeline health reported by the status endpoint.
type Health struct {
	Status   HealthStatus `json:"status"`
	Degraded []FileHealth `json:"degraded,omitempty"`
}

type failure struct {
	count   int
	lastErr string
	at      time.Time
}

// fileHealth counts consecutive read failures per file. The monitor loop
// writes it; the status endpoint reads it from other goroutines.
type fileHealth struct {
	mu        sync.Mutex
	threshold int
	failures  map[string]*failure
}

func newFileHealth(threshold int) *fileHealth {
	if threshold < 1 {
		threshold = 1
	}
	return &fileHealth{
		threshold: threshold,
		failures:  make(map[string]*failure),
	}
}

func (h *fileHealth) recordSuccess(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, path)
}

// recordFailure counts a failure and reports whether the file just reached
// the threshold.
func (h *fileHealth) recordFailure(path string, err error, at time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.failures[path]
	if !ok {
		f = &failure{}
		h.failures[path] = f
	}
	f.count++
	f.lastErr = err.Error()
	f.at = at
	return f.count == h.threshold
}

func (h *fileHealth) failing(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.failures[path]
	return ok
}

func (h *fileHealth) removeFile(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, path)
}

// snapshot lists files at or past the threshold, sorted by path.
func (h *fileHealth) snapshot() Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := Health{Status: StatusHealthy}
	for path, f := range h.failures {
		if f.count < h.threshold {
			continue
		}
		out.Degraded = append(out.Degraded, FileHealth{
			Path:      path,
			Failures:  f.count,
			LastError: f.lastErr,
			LastFail:  f.at,
		})
	}
	if len(out.Degraded) > 0 {
		out.Status = StatusDegraded
		sort.Slice(out.Degraded, func(i, j int) bool { return out.Degraded[i].Path < out.Degraded[j].Path })
	}
	return out
}
