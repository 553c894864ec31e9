package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombelieber/claude-view-sub001/internal/session"
)

// DefaultContextWindow is used for models with no configured window.
const DefaultContextWindow = 200000

type Config struct {
	Server  ServerConfig         `yaml:"server"`
	Monitor MonitorConfig        `yaml:"monitor"`
	Models  map[string]int       `yaml:"models"`
	Pricing session.PricingTable `yaml:"pricing"`
	Privacy PrivacyConfig        `yaml:"privacy"`
	Log     LogConfig            `yaml:"log"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	AuthToken      string   `yaml:"auth_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// MaxConnections caps concurrent subscribers. Zero is unlimited.
	MaxConnections int `yaml:"max_connections"`
	// MaxViewersPerSession caps subscribers scoped to one session.
	MaxViewersPerSession int `yaml:"max_viewers_per_session"`
}

type MonitorConfig struct {
	Root            string        `yaml:"root"`
	ScanWindow      time.Duration `yaml:"scan_window"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	SummaryInterval time.Duration `yaml:"summary_interval"`
	// WorkingWindow is the staleness up to which activity counts as Working.
	WorkingWindow time.Duration `yaml:"working_window"`
	// DoneAfter is the staleness after which a session with no process is Done.
	DoneAfter time.Duration `yaml:"done_after"`
	// RemoveAfter is the grace period before a Done session leaves the live
	// set. Zero removes on the next tick; negative keeps it.
	RemoveAfter time.Duration `yaml:"remove_after"`
	HookExpiry  time.Duration `yaml:"hook_expiry"`
	// SessionEndDir, when set, is polled for JSON marker files written by
	// a session-end hook. Each file is consumed as one hook event.
	SessionEndDir string `yaml:"session_end_dir"`

	// CLIPath names the agent executable when it is not the "claude" on
	// PATH.
	CLIPath string `yaml:"cli_path"`

	ProcessCacheTTL        time.Duration `yaml:"process_cache_ttl"`
	BusCapacity            int           `yaml:"bus_capacity"`
	SeedMaxBytes           int64         `yaml:"seed_max_bytes"`
	SeedTailLines          int           `yaml:"seed_tail_lines"`
	HealthWarningThreshold int           `yaml:"health_warning_threshold"`
}

type PrivacyConfig struct {
	MaskWorkingDirs bool     `yaml:"mask_working_dirs"`
	MaskSessionIDs  bool     `yaml:"mask_session_ids"`
	MaskPIDs        bool     `yaml:"mask_pids"`
	AllowedPaths    []string `yaml:"allowed_paths"`
	BlockedPaths    []string `yaml:"blocked_paths"`
}

// NewPrivacyFilter builds the filter applied to published sessions.
func (p PrivacyConfig) NewPrivacyFilter() *session.PrivacyFilter {
	return &session.PrivacyFilter{
		MaskWorkingDirs: p.MaskWorkingDirs,
		MaskSessionIDs:  p.MaskSessionIDs,
		MaskPIDs:        p.MaskPIDs,
		AllowedPaths:    append([]string(nil), p.AllowedPaths...),
		BlockedPaths:    append([]string(nil), p.BlockedPaths...),
	}
}

type LogConfig struct {
	File  string `yaml:"file"`
	Debug bool   `yaml:"debug"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Monitor: MonitorConfig{
			Root:                   "~/.claude/projects",
			ScanWindow:             24 * time.Hour,
			PollInterval:           2 * time.Second,
			SummaryInterval:        30 * time.Second,
			WorkingWindow:          30 * time.Second,
			DoneAfter:              300 * time.Second,
			RemoveAfter:            10 * time.Minute,
			HookExpiry:             60 * time.Second,
			ProcessCacheTTL:        5 * time.Second,
			BusCapacity:            1024,
			SeedMaxBytes:           64 << 20,
			SeedTailLines:          2000,
			HealthWarningThreshold: 3,
		},
		Models: map[string]int{
			"default": DefaultContextWindow,
		},
		Pricing: session.DefaultPricing(),
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := defaultConfig()
	cfg.Monitor.Root = ExpandHome(cfg.Monitor.Root)
	return cfg
}

// Load reads a YAML file over the defaults. A missing file is an error.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	cfg.Monitor.Root = ExpandHome(cfg.Monitor.Root)
	cfg.Monitor.SessionEndDir = ExpandHome(cfg.Monitor.SessionEndDir)
	cfg.Monitor.CLIPath = ExpandHome(cfg.Monitor.CLIPath)
	cfg.Log.File = ExpandHome(cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to defaults when the file does not
// exist. An empty path also yields defaults.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "claude-view", "live.yaml")
}

// Validate rejects values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if c.Server.MaxViewersPerSession < 0 {
		errs = append(errs, errors.New("server.max_viewers_per_session must not be negative"))
	}

	m := c.Monitor
	if m.Root == "" {
		errs = append(errs, errors.New("monitor.root must be set"))
	}
	for name, d := range map[string]time.Duration{
		"poll_interval":     m.PollInterval,
		"summary_interval":  m.SummaryInterval,
		"working_window":    m.WorkingWindow,
		"done_after":        m.DoneAfter,
		"hook_expiry":       m.HookExpiry,
		"process_cache_ttl": m.ProcessCacheTTL,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("monitor.%s must be positive", name))
		}
	}
	if m.DoneAfter > 0 && m.WorkingWindow > m.DoneAfter {
		errs = append(errs, errors.New("monitor.working_window must not exceed monitor.done_after"))
	}
	if m.ScanWindow < 0 {
		errs = append(errs, errors.New("monitor.scan_window must not be negative"))
	}
	if m.BusCapacity <= 0 {
		errs = append(errs, errors.New("monitor.bus_capacity must be positive"))
	}
	if m.SeedMaxBytes <= 0 || m.SeedTailLines <= 0 {
		errs = append(errs, errors.New("monitor.seed_max_bytes and monitor.seed_tail_lines must be positive"))
	}
	if m.HealthWarningThreshold < 1 {
		errs = append(errs, errors.New("monitor.health_warning_threshold must be at least 1"))
	}
	return errors.Join(errs...)
}

// MaxContextTokens returns the context window for model: an exact key,
// then the longest matching "prefix*" key, then "default".
func (c *Config) MaxContextTokens(model string) int {
	if n, ok := c.Models[model]; ok {
		return n
	}

	var prefixes []string
	for k := range c.Models {
		if strings.HasSuffix(k, "*") && strings.HasPrefix(model, strings.TrimSuffix(k, "*")) {
			prefixes = append(prefixes, k)
		}
	}
	if len(prefixes) > 0 {
		sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
		return c.Models[prefixes[0]]
	}

	if n, ok := c.Models["default"]; ok {
		return n
	}
	return DefaultContextWindow
}

// GenerateToken returns a random 128-bit hex token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ExpandHome replaces a leading "~" with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
