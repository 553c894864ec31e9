package monitor

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/singleflight"
)

// ProcessLookup reports whether an agent process is running in a project
// directory, and its pid.
type ProcessLookup interface {
	HasRunningProcess(projectPath string) (bool, int)
}

type ProcessInfo struct {
	PID        int
	WorkingDir string
	CmdLine    string
}

// ProcessLister enumerates candidate agent processes.
type ProcessLister func(ctx context.Context) ([]ProcessInfo, error)

const defaultProcessTTL = 5 * time.Second

// ProcessIndex caches agent processes by working directory. A lookup older
// than the TTL triggers one refresh; concurrent lookups share it.
type ProcessIndex struct {
	ttl     time.Duration
	cliPath string
	list    ProcessLister
	now     func() time.Time
	group   singleflight.Group

	mu          sync.RWMutex
	byDir       map[string]int
	refreshedAt time.Time
}

type ProcessOption func(*ProcessIndex)

// WithProcessLister replaces the system process scan.
func WithProcessLister(l ProcessLister) ProcessOption {
	return func(x *ProcessIndex) { x.list = l }
}

// WithCLIPath sets the agent executable instead of resolving it from PATH.
func WithCLIPath(path string) ProcessOption {
	return func(x *ProcessIndex) { x.cliPath = path }
}

func withClock(now func() time.Time) ProcessOption {
	return func(x *ProcessIndex) { x.now = now }
}

// NewProcessIndex builds an index. The agent executable is resolved once,
// here, and reused for every scan.
func NewProcessIndex(ttl time.Duration, opts ...ProcessOption) *ProcessIndex {
	if ttl <= 0 {
		ttl = defaultProcessTTL
	}
	x := &ProcessIndex{
		ttl:     ttl,
		now:     time.Now,
		byDir:   make(map[string]int),
		cliPath: resolveCLIPath(),
	}
	x.list = x.scan
	for _, opt := range opts {
		opt(x)
	}
	return x
}

func resolveCLIPath() string {
	path, err := exec.LookPath("claude")
	if err != nil {
		return ""
	}
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real
	}
	return path
}

// HasRunningProcess implements ProcessLookup.
func (x *ProcessIndex) HasRunningProcess(projectPath string) (bool, int) {
	if projectPath == "" {
		return false, 0
	}
	x.refreshIfStale()

	x.mu.RLock()
	defer x.mu.RUnlock()
	pid, ok := x.byDir[filepath.Clean(projectPath)]
	return ok, pid
}

func (x *ProcessIndex) fresh() bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return !x.refreshedAt.IsZero() && x.now().Sub(x.refreshedAt) < x.ttl
}

func (x *ProcessIndex) refreshIfStale() {
	if x.fresh() {
		return
	}

	x.group.Do("refresh", func() (any, error) {
		if x.fresh() {
			return nil, nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		procs, err := x.list(ctx)
		x.mu.Lock()
		defer x.mu.Unlock()
		// A failed scan keeps the previous view until the next TTL.
		x.refreshedAt = x.now()
		if err != nil {
			slog.Debug("process scan failed", "error", err)
			return nil, nil
		}
		byDir := make(map[string]int, len(procs))
		for _, p := range procs {
			dir := filepath.Clean(p.WorkingDir)
			if prev, ok := byDir[dir]; !ok || p.PID < prev {
				byDir[dir] = p.PID
			}
		}
		x.byDir = byDir
		return nil, nil
	})
}

// scan lists agent processes with gopsutil.
func (x *ProcessIndex) scan(ctx context.Context) ([]ProcessInfo, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	homeDir, _ := os.UserHomeDir()
	claudeDir := filepath.Join(homeDir, ".claude")

	var results []ProcessInfo
	for _, p := range procs {
		args, err := p.CmdlineSliceWithContext(ctx)
		if err != nil || !isAgentProcess(args, x.cliPath) {
			continue
		}
		cwd, err := p.CwdWithContext(ctx)
		if err != nil {
			continue
		}
		// The agent's own helpers run inside ~/.claude.
		if cwd == claudeDir || strings.HasPrefix(cwd, claudeDir+string(filepath.Separator)) {
			continue
		}
		results = append(results, ProcessInfo{
			PID:        int(p.Pid),
			WorkingDir: cwd,
			CmdLine:    strings.Join(args, " "),
		})
	}
	return results, nil
}

// isAgentProcess matches the agent CLI itself, not the subprocesses it
// spawns.
func isAgentProcess(args []string, cliPath string) bool {
	if len(args) == 0 || args[0] == "" {
		return false
	}
	if cliPath != "" && args[0] == cliPath {
		return true
	}

	switch filepath.Base(args[0]) {
	case "claude", "claude-code":
		return true
	case "node", "bun":
		for _, arg := range args[1:] {
			if strings.Contains(arg, "claude") && !strings.Contains(arg, "node_modules/.bin") {
				return true
			}
			if cliPath != "" && arg == cliPath {
				return true
			}
		}
	}
	return false
}
