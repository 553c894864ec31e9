package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tombelieber/claude-view-sub001/internal/bus"
	"github.com/tombelieber/claude-view-sub001/internal/config"
	"github.com/tombelieber/claude-view-sub001/internal/logging"
	"github.com/tombelieber/claude-view-sub001/internal/mock"
	"github.com/tombelieber/claude-view-sub001/internal/monitor"
	"github.com/tombelieber/claude-view-sub001/internal/session"
	"github.com/tombelieber/claude-view-sub001/internal/watcher"
	"github.com/tombelieber/claude-view-sub001/internal/ws"
)

func init() {
	addFlags(rootCmd)
}

func addFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringP("config", "c", "", "Path to config file (default: user config dir)")
	cmd.PersistentFlags().StringP("data-dir", "D", "", "Directory for the instance lock")
	cmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging")
	cmd.PersistentFlags().String("log-file", "", "Write rotated JSON logs to this file instead of stderr")

	cmd.Flags().String("root", "", "Override the session log root")
	cmd.Flags().StringP("port", "p", "", "Override the listen port")
	cmd.Flags().String("host", "", "Override the listen address")
	cmd.Flags().Bool("mock", false, "Serve synthetic sessions written to a temp directory")
}

var rootCmd = &cobra.Command{
	Use:   "claude-view-live",
	Short: "Live monitor for agent session logs",
	Long: `claude-view-live watches the agent's session logs, works out what each
live session is doing, and streams the results to dashboards over
WebSocket and server-sent events.`,
	Example: `
	# Watch the default log root
	claude-view-live

	# Debug logging on another port
	claude-view-live -d -p 9090

	# Demo with synthetic sessions
	claude-view-live --mock
  `,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		debug, _ := cmd.Flags().GetBool("debug")
		logging.Setup(logging.Options{File: cfg.Log.File, Debug: debug || cfg.Log.Debug})

		lock, err := acquireLock(cmd)
		if err != nil {
			return err
		}
		defer lock.Unlock()

		return run(cmd.Context(), cmd, cfg)
	},
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}

	var (
		cfg *config.Config
		err error
	)
	if explicit {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if err := applyFlags(cmd, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	if root, _ := cmd.Flags().GetString("root"); root != "" {
		cfg.Monitor.Root = config.ExpandHome(root)
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetString("port"); port != "" {
		n, err := net.LookupPort("tcp", port)
		if err != nil {
			return fmt.Errorf("invalid port %q: %w", port, err)
		}
		cfg.Server.Port = n
	}
	if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
		cfg.Log.File = config.ExpandHome(logFile)
	}
	return nil
}

// acquireLock keeps two instances from tailing the same root and fighting
// over the port.
func acquireLock(cmd *cobra.Command) (*flock.Flock, error) {
	dir, _ := cmd.Flags().GetString("data-dir")
	if dir == "" {
		cache, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("resolving data dir: %w", err)
		}
		dir = filepath.Join(cache, "claude-view")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "live.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, errors.New("another claude-view-live instance is already running (lock held)")
	}
	return lock, nil
}

func run(ctx context.Context, cmd *cobra.Command, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var procOpts []monitor.ProcessOption
	if cfg.Monitor.CLIPath != "" {
		procOpts = append(procOpts, monitor.WithCLIPath(cfg.Monitor.CLIPath))
	}
	procs := monitor.ProcessLookup(monitor.NewProcessIndex(cfg.Monitor.ProcessCacheTTL, procOpts...))

	if useMock, _ := cmd.Flags().GetBool("mock"); useMock {
		dir, err := os.MkdirTemp("", "claude-view-mock-")
		if err != nil {
			return fmt.Errorf("creating mock root: %w", err)
		}
		defer os.RemoveAll(dir)

		cfg.Monitor.Root = dir
		// Mock sessions have no agent process behind them.
		procs = monitor.NoProcesses{}
		if err := mock.NewGenerator(dir).Start(ctx); err != nil {
			return fmt.Errorf("starting mock sessions: %w", err)
		}
	}

	if cfg.Server.AuthToken == "" && !isLoopback(cfg.Server.Host) {
		token, err := config.GenerateToken()
		if err != nil {
			return fmt.Errorf("generating auth token: %w", err)
		}
		cfg.Server.AuthToken = token
		slog.Warn("listening beyond loopback without a configured token; generated one", "token", token)
	}

	detector := watcher.New(cfg.Monitor.Root,
		watcher.WithPollInterval(cfg.Monitor.PollInterval),
		watcher.WithScanWindow(cfg.Monitor.ScanWindow),
	)
	store := session.NewStore()
	events := bus.New[session.Event](cfg.Monitor.BusCapacity)
	admission := bus.NewAdmission(cfg.Server.MaxConnections, cfg.Server.MaxViewersPerSession)
	ws.WatchViewedSessions(ctx, admission, store, events, detector)

	mon := monitor.NewMonitor(cfg, store, events, detector, procs)
	srv := ws.NewServer(cfg, store, events, admission, mon)

	slog.Info("starting",
		"version", version,
		"root", cfg.Monitor.Root,
		"addr", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.Port)),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer events.Close()
		return mon.Run(ctx)
	})
	g.Go(func() error { return srv.ListenAndServe(ctx) })

	err := g.Wait()
	slog.Info("shut down")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
