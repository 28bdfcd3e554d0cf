package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/config"
	"github.com/thruflo/fieldtrack/internal/events"
	"github.com/thruflo/fieldtrack/internal/location"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/metrics"
	"github.com/thruflo/fieldtrack/internal/server"
	"github.com/thruflo/fieldtrack/internal/store"
	"github.com/thruflo/fieldtrack/internal/tracking"
)

// JournalFile is the activity log kept under .fieldtrack/.
const JournalFile = "events.ndjson"

var (
	runTrack    string
	runDuration time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Track a device against nearby tasks",
	Long: `Starts a tracking session against the configured task service.

Positions are replayed from a recorded track file. Every emitted event is
printed and appended to .fieldtrack/events.ndjson. When server.enabled is
set, the status server runs alongside the session.

The session ends on Ctrl+C or after --for.

Example:
  fieldtrack run --track morning-route.yaml
  fieldtrack run --track route.yaml --for 30m -o json`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runTrack, "track", "", "YAML track file to replay as the device position (required)")
	runCmd.Flags().DurationVar(&runDuration, "for", 0, "stop after this long (0 runs until interrupted)")
	_ = runCmd.MarkFlagRequired("track")
	rootCmd.AddCommand(runCmd)
}

// journalPath returns where the event journal lives under basePath.
func journalPath(basePath string) string {
	return filepath.Join(basePath, config.DirName, JournalFile)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	format, err := resolveFormat(outputMode, os.Stdout)
	if err != nil {
		return err
	}
	if cfg.Backend.BaseURL == "" {
		return errors.New("backend.base_url is not set in " + config.ConfigPath(configDir))
	}

	track, err := location.LoadTrack(runTrack)
	if err != nil {
		return err
	}

	kv, err := store.Open(cfg.Store.Backend, config.StorePath(configDir, cfg))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer kv.Close()

	journal, err := events.OpenJournal(journalPath(configDir))
	if err != nil {
		return err
	}
	defer journal.Close()

	logger := logging.Component("run")
	bus := events.NewBus(events.BusOptions{
		StartSeq: journal.LastSeq(),
		Sinks:    []events.Sink{journal},
		Logger:   logger,
	})
	defer bus.Close()

	registry := prometheus.NewRegistry()
	exporter, err := metrics.NewExporter("fieldtrack", registry, metrics.ExporterOptions{})
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	opts := []backend.ClientOption{backend.WithTimeout(cfg.Backend.Timeout)}
	if cfg.Backend.Token != "" {
		opts = append(opts, backend.WithAuthToken(cfg.Backend.Token))
	}
	client := backend.NewHTTPClient(cfg.Backend.BaseURL, opts...)

	ctrl, err := tracking.New(tracking.Options{
		Config:   cfg,
		Backend:  client,
		Provider: location.NewReplayProvider(track, nil),
		Records:  store.NewRecords(kv),
		Bus:      bus,
		Metrics:  exporter,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, runDuration)
		defer cancel()
	}

	feed := bus.Subscribe(ctx, 64)
	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start tracking: %w", err)
	}

	if cfg.Server.Enabled {
		srv, err := server.NewServerFromConfig(&cfg.Server, ctrl, bus, registry)
		if err != nil {
			_, _ = ctrl.Stop(context.Background())
			return fmt.Errorf("failed to create server: %w", err)
		}
		srvErr := make(chan error, 1)
		go func() { srvErr <- srv.Start(ctx) }()
		addr, err := awaitListen(srv, srvErr, 5*time.Second)
		if err != nil {
			_, _ = ctrl.Stop(context.Background())
			return fmt.Errorf("failed to start server: %w", err)
		}
		defer srv.Stop()
		fmt.Fprintf(os.Stderr, "Status server listening on %s\n", addr)
	}

	out := newPrinter(os.Stdout, format)
	for e := range feed {
		if err := out.Event(e); err != nil {
			logger.Warn("failed to print event", "error", err)
		}
	}

	final, err := ctrl.Stop(context.Background())
	if err != nil {
		return fmt.Errorf("failed to stop tracking: %w", err)
	}
	return out.Stats(final)
}

// awaitListen waits until srv has bound its listener. An error from Start
// before that is returned as is.
func awaitListen(srv *server.Server, started <-chan error, timeout time.Duration) (string, error) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		if addr := srv.ListenAddr(); addr != "" {
			return addr, nil
		}
		select {
		case err := <-started:
			if err == nil {
				err = errors.New("server stopped before listening")
			}
			return "", err
		case <-deadline:
			return "", fmt.Errorf("server did not start listening within %s", timeout)
		case <-ticker.C:
		}
	}
}
