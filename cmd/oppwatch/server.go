package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/mkoval/oppwatch/internal/analytics"
	"github.com/mkoval/oppwatch/internal/api"
	"github.com/mkoval/oppwatch/internal/audit"
	"github.com/mkoval/oppwatch/internal/config"
	"github.com/mkoval/oppwatch/internal/detect"
	"github.com/mkoval/oppwatch/internal/lifecycle"
	"github.com/mkoval/oppwatch/internal/notify"
	"github.com/mkoval/oppwatch/internal/schedule"
	"github.com/mkoval/oppwatch/internal/specgen"
	"github.com/mkoval/oppwatch/internal/store"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the oppwatch server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running oppwatch server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show oppwatch system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "oppwatch.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "oppwatch version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Initialize structured logging.
	logLevel := slog.LevelInfo
	if strings.EqualFold(cfg.Log.Level, "debug") {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// Write PID file. Check if server is already running via health endpoint.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("oppwatch is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("oppwatch is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Open the opportunity store and the transition audit log.
	st, err := store.Open(cfg.Storage.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	auditLog, err := audit.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer func() {
		if err := auditLog.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing audit log: %v\n", err)
		}
	}()

	// Collaborator clients.
	analyticsClient := analytics.New(cfg.Analytics.BaseURL, cfg.Analytics.APIKey, cfg.Analytics.WindowDays)
	notifier := notify.New(cfg.Notify.BaseURL, cfg.Notify.Token, cfg.Notify.Channel)
	specTimeout, err := time.ParseDuration(cfg.SpecGen.Timeout)
	if err != nil {
		slog.Warn("invalid specgen timeout, using default 2m", "value", cfg.SpecGen.Timeout, "error", err)
		specTimeout = 2 * time.Minute
	}
	specClient := specgen.New(cfg.SpecGen.BaseURL, cfg.SpecGen.Token, specTimeout)

	coordinator := lifecycle.New(st, notifier, specClient, analyticsClient, auditLog, lifecycle.Options{
		AutoGenerate: cfg.Detection.AutoGenerate,
		Thresholds: detect.Thresholds{
			MinScore:        cfg.Detection.MinScore,
			FunnelDropRate:  cfg.Detection.FunnelDropRate,
			NPSCeiling:      cfg.Detection.NPSCeiling,
			NPSMinResponses: cfg.Detection.NPSMinResponses,
			UsageRateFloor:  cfg.Detection.UsageRateFloor,
			UsageMinUsers:   cfg.Detection.UsageMinUsers,
		},
		Logger: logger,
	})

	// Start the scheduled detection loop.
	interval, err := time.ParseDuration(cfg.Detection.Interval)
	if err != nil {
		slog.Warn("invalid detection interval, using default 1h", "value", cfg.Detection.Interval, "error", err)
		interval = time.Hour
	}
	runner := schedule.NewRunner(coordinator, interval, logger)
	runner.Alerter = notifier
	go runner.Run(ctx)

	// Build HTTP handler and server.
	handler := api.NewHandler(api.Deps{
		Store:       st,
		Coordinator: coordinator,
		History:     auditLog,
		Token:       cfg.Server.APIToken,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	// Build and start MCP server (stdio transport in a goroutine).
	mcpSrv := api.NewMCPServer(api.MCPDeps{
		Reader:      st,
		Coordinator: coordinator,
		History:     auditLog,
	})
	stdioSrv := server.NewStdioServer(mcpSrv)
	go func() {
		if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("MCP stdio server error", "error", err)
		}
	}()
	slog.Info("MCP server started (stdio transport)")

	// Start server in a goroutine.
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "oppwatch listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for signal or server error.
	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("oppwatch is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop oppwatch (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to oppwatch (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	// Check server health.
	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	running := false
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Analytics", "%s (window %dd)", cfg.Analytics.BaseURL, cfg.Analytics.WindowDays)
	printStatus("Notify channel", "%s", cfg.Notify.Channel)
	printStatus("Detection interval", "%s", cfg.Detection.Interval)
	printStatus("Auto-generate", "%t", cfg.Detection.AutoGenerate)

	// Show backlog counts if server is running.
	if running {
		if c, err := newAPIClient(); err == nil {
			listResp, err := c.get(context.Background(), "/opportunities")
			if err == nil {
				var opps []struct {
					Status string `json:"status"`
				}
				if decodeJSON(listResp, &opps) == nil {
					counts := make(map[string]int)
					for _, o := range opps {
						counts[o.Status]++
					}
					printStatus("Opportunities", "%d total", len(opps))
					for _, s := range []string{"detected", "promoted", "investigating", "spec-generated", "shipped", "dismissed"} {
						if counts[s] > 0 {
							printStatus("  "+s, "%d", counts[s])
						}
					}
				}
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
