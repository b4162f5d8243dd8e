package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/benaskins/modharness/internal/audit"
	"github.com/benaskins/modharness/internal/config"
	"github.com/benaskins/modharness/internal/keychain"
	"github.com/benaskins/modharness/internal/lifecycle"
	"github.com/benaskins/modharness/internal/metrics"
	"github.com/benaskins/modharness/internal/module"
	"github.com/benaskins/modharness/internal/runtimetest"
)

var runCmd = &cobra.Command{
	Use:   "run [artifact...]",
	Short: "Start the runtime and deploy artifacts into it",
	Long: `Start (or attach to) the configured runtime, install the bootstrap module,
deploy each artifact under its file name and print the module states. The
runtime is stopped again on exit, after --hold or --watch end on a signal.`,
	RunE: runRun,
}

var (
	runHold        bool
	runWatch       bool
	runNoStart     bool
	runMetricsAddr string
	runStartLevel  int
)

func init() {
	runCmd.Flags().BoolVar(&runHold, "hold", false, "Keep the runtime up until interrupted")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Redeploy artifacts when their files change (implies --hold)")
	runCmd.Flags().BoolVar(&runNoStart, "no-start", false, "Install artifacts without starting them")
	runCmd.Flags().IntVar(&runStartLevel, "module-start-level", 0, "Start level assigned to each deployed artifact (0 keeps the runtime default)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	rootCmd.AddCommand(runCmd)
}

// artifactFile is an artifact given on the command line and the logical name
// it is deployed under.
type artifactFile struct {
	name string
	path string
}

func artifactFiles(paths []string) ([]artifactFile, error) {
	seen := make(map[string]string)
	out := make([]artifactFile, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(filepath.Base(p), filepath.Ext(p))
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("%s and %s would both deploy as %q", prev, p, name)
		}
		seen[name] = p
		out = append(out, artifactFile{name: name, path: abs})
	}
	return out, nil
}

// inMemoryRuntime backs embedded mode from the CLI.
func inMemoryRuntime(context.Context, *config.Config) (module.Framework, error) {
	return runtimetest.New(), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	arts, err := artifactFiles(args)
	if err != nil {
		return err
	}

	opts := []lifecycle.Option{
		lifecycle.WithFramework(inMemoryRuntime),
		lifecycle.WithKeychain(keychain.NewSystemStore()),
	}
	if cfg.AuditLog != "" {
		a, err := audit.NewLogger(cfg.AuditLog)
		if err != nil {
			return err
		}
		defer a.Close()
		opts = append(opts, lifecycle.WithAuditLogger(a))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if runMetricsAddr != "" {
		srv, err := serveMetrics(runMetricsAddr)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	m := lifecycle.New(cfg, opts...)
	defer func() {
		// Stop bounds each step itself; this only guards against a wedged runtime.
		sctx, cancel := context.WithTimeout(context.Background(), 3*cfg.Timeouts.Stop.Duration)
		defer cancel()
		m.Stop(sctx)
	}()

	if err := m.Start(ctx); err != nil {
		printLaunchOutput(err)
		return fmt.Errorf("starting runtime: %w", err)
	}

	deployOpts := lifecycle.DeployOptions{
		Start:      cfg.AutostartEnabled() && !runNoStart,
		StartLevel: runStartLevel,
	}
	for _, a := range arts {
		if err := deployFile(ctx, m, a, deployOpts); err != nil {
			return err
		}
	}
	if err := printModules(ctx, m); err != nil {
		return err
	}

	switch {
	case runWatch:
		slog.Info("watching artifacts, interrupt to stop", "count", len(arts))
		return watchArtifacts(ctx, arts, watchDebounce, func(ctx context.Context, a artifactFile) error {
			if err := redeployFile(ctx, m, a, deployOpts); err != nil {
				return err
			}
			return printModules(ctx, m)
		})
	case runHold:
		slog.Info("runtime up, interrupt to stop")
		<-ctx.Done()
	}
	return nil
}

func deployFile(ctx context.Context, m *lifecycle.Manager, a artifactFile, opts lifecycle.DeployOptions) error {
	data, err := os.ReadFile(a.path)
	if err != nil {
		return err
	}
	if _, err := m.DeployWith(ctx, a.name, data, opts); err != nil {
		return fmt.Errorf("deploying %s: %w", a.path, err)
	}
	return nil
}

func redeployFile(ctx context.Context, m *lifecycle.Manager, a artifactFile, opts lifecycle.DeployOptions) error {
	if err := m.Undeploy(ctx, a.name); err != nil {
		return err
	}
	if _, err := os.Stat(a.path); errors.Is(err, os.ErrNotExist) {
		slog.Info("artifact removed, left undeployed", "name", a.name)
		return nil
	}
	return deployFile(ctx, m, a, opts)
}

func printModules(ctx context.Context, m *lifecycle.Manager) error {
	infos, err := m.Modules(ctx, "")
	if err != nil {
		return err
	}
	names := make(map[int64]string)
	for name, h := range m.Handles() {
		names[h.ID()] = name
	}
	if h, ok := m.Bootstrap(); ok {
		names[h.ID()] = "(bootstrap)"
	}
	fmt.Println(moduleTable(infos, names))
	return nil
}

// printLaunchOutput shows what a runtime that died during start printed last.
func printLaunchOutput(err error) {
	var launchErr *module.ProcessLaunchError
	if !errors.As(err, &launchErr) || len(launchErr.Output) == 0 {
		return
	}
	fmt.Fprintln(os.Stderr, failStyle.Render("runtime output:"))
	for _, line := range launchErr.Output {
		fmt.Fprintln(os.Stderr, dimStyle.Render("  "+line))
	}
}

func serveMetrics(addr string) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server error", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())
	return srv, nil
}
