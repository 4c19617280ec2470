package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/fhirgate/internal/api"
	"github.com/mattjoyce/fhirgate/internal/capability"
	"github.com/mattjoyce/fhirgate/internal/config"
	"github.com/mattjoyce/fhirgate/internal/dispatch"
	"github.com/mattjoyce/fhirgate/internal/events"
	"github.com/mattjoyce/fhirgate/internal/lock"
	"github.com/mattjoyce/fhirgate/internal/log"
	"github.com/mattjoyce/fhirgate/internal/session"
	"github.com/mattjoyce/fhirgate/internal/storage"
	"github.com/mattjoyce/fhirgate/internal/tui/watch"
	"github.com/mattjoyce/fhirgate/internal/validation"
)

const orphanMessage = "canceled: gateway restarted before the submission completed"

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, file, err := loadConfigForTool(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.SetupWithFormat(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("fhirgate starting", "version", version, "config", file)

	if cfg.Store.Path != storage.MemoryPath {
		pidLockPath := getPIDLockPath(cfg)
		pidLock, err := lock.AcquirePIDLock(pidLockPath)
		if err != nil {
			logger.Error("failed to acquire PID lock (another instance may be running)", "path", pidLockPath, "error", err)
			return 1
		}
		defer pidLock.Release()
		logger.Info("acquired PID lock", "path", pidLockPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.OpenSQLite(ctx, cfg.Store.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Store.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.Store.Path)

	store := session.NewStore(db)
	recovered, err := store.RecoverOrphaned(ctx, orphanMessage)
	if err != nil {
		logger.Error("crash recovery failed", "error", err)
		return 1
	}
	if len(recovered) > 0 {
		logger.Warn("failed orphaned sessions from a previous run", "count", len(recovered))
	}

	validator, err := validation.NewServiceFromConfig(cfg, store)
	if err != nil {
		logger.Error("failed to build validation engines", "error", err)
		return 1
	}
	logger.Info("validation engines ready", "engines", validator.Engines(), "default", cfg.Validation.DefaultEngine)

	hub := events.NewHub(cfg.API.EventBuffer)
	disp, err := dispatch.New(validator, store, dispatch.OptionsFromConfig(cfg, hub))
	if err != nil {
		logger.Error("failed to create dispatcher", "error", err)
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.API.Enabled {
		apiServer := api.New(api.Config{
			Listen:       cfg.API.Listen,
			CORSOrigins:  cfg.API.CORSOrigins,
			MaxBodyBytes: cfg.API.MaxBodyBytes,
			Version:      cfg.Service.Version,
			Capability:   capability.OptionsFromConfig(cfg),
		}, disp, store, hub, log.WithComponent("api"))
		g.Go(func() error {
			if err := apiServer.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("api: %w", err)
			}
			return nil
		})
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	} else {
		logger.Warn("API server disabled; no bundles will be accepted")
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Submission.ShutdownGrace)
		defer cancel()
		if err := disp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("in-flight submissions cancelled at shutdown", "grace", cfg.Submission.ShutdownGrace, "error", err)
		}
		return nil
	})

	logger.Info("fhirgate running (press Ctrl+C to stop)", "data_lake", cfg.DataLake.APIURI)

	if err := g.Wait(); err != nil {
		logger.Error("component failed", "error", err)
		return 1
	}
	logger.Info("fhirgate stopped")
	return 0
}

func getPIDLockPath(cfg *config.Config) string {
	if cfg.Service.PIDFile != "" {
		return cfg.Service.PIDFile
	}
	return lock.PathFor(cfg.Store.Path)
}

type statusReport struct {
	Config  string               `json:"config"`
	Running bool                 `json:"running"`
	PID     int                  `json:"pid,omitempty"`
	Lock    string               `json:"lock,omitempty"`
	API     string               `json:"api,omitempty"`
	Health  *api.HealthzResponse `json:"health,omitempty"`
	Error   string               `json:"error,omitempty"`
}

func runSystemStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, file, err := loadConfigForTool(*configPath, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	report := statusReport{Config: file}
	if cfg.Store.Path != storage.MemoryPath {
		report.Lock = getPIDLockPath(cfg)
		l, err := lock.AcquirePIDLock(report.Lock)
		switch {
		case errors.Is(err, lock.ErrLocked):
			report.Running = true
			report.PID, _ = lock.HolderPID(report.Lock)
		case err != nil:
			report.Error = err.Error()
		default:
			_ = l.Release()
		}
	}

	if cfg.API.Enabled {
		report.API = "http://" + cfg.API.Listen
		h, err := fetchHealthz(report.API)
		if err != nil {
			if report.Error == "" && report.Running {
				report.Error = err.Error()
			}
		} else {
			report.Health = h
			report.Running = true
		}
	}

	if *jsonOut {
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
	} else {
		state := "stopped"
		if report.Running {
			state = "running"
		}
		fmt.Printf("fhirgate: %s\n", state)
		fmt.Printf("config  : %s\n", report.Config)
		if report.PID != 0 {
			fmt.Printf("pid     : %d\n", report.PID)
		}
		if report.Health != nil {
			fmt.Printf("health  : %s (v%s, up %s, %d in flight)\n", report.Health.Status, report.Health.Version,
				time.Duration(report.Health.UptimeSeconds)*time.Second, report.Health.InFlight)
		}
		if report.Error != "" {
			fmt.Printf("error   : %s\n", report.Error)
		}
	}

	if !report.Running {
		return 1
	}
	return 0
}

func fetchHealthz(baseURL string) (*api.HealthzResponse, error) {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(strings.TrimRight(baseURL, "/") + "/healthz")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("healthz returned %s", resp.Status)
	}
	var h api.HealthzResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, err
	}
	return &h, nil
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	apiURL := fs.String("api-url", "http://localhost:8080", "Gateway API URL")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
		return 1
	}
	return 0
}
