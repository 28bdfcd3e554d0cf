package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/backend"
	"github.com/thruflo/fieldtrack/internal/config"
	"github.com/thruflo/fieldtrack/internal/events"
	"github.com/thruflo/fieldtrack/internal/geo"
	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/presence"
	"github.com/thruflo/fieldtrack/internal/store"
	"github.com/thruflo/fieldtrack/internal/tracking"
)

// simulationInterval keeps the background tick and reconcile loops idle
// during a simulation; both are driven explicitly by steps.
const simulationInterval = 24 * 365 * time.Hour

var simulateCmd = &cobra.Command{
	Use:   "simulate <scenario.yaml>",
	Short: "Replay a scripted session against an in-memory task service",
	Long: `Runs a scenario file through the tracking engine on a simulated clock.

The scenario lists tasks and a sequence of steps. Each step advances the
clock and may move the device, change task statuses, pause or resume
tracking, or reconcile presence. Every emitted event is printed, followed
by the final idle/productive split.

Nothing touches the network or the local store.

Example:
  fieldtrack simulate examples/two-stops.yaml
  fieldtrack simulate scenario.yaml -o json | jq .type`,
	Args: cobra.ExactArgs(1),
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
}

func runSimulate(cmd *cobra.Command, args []string) error {
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
	scenario, err := LoadScenario(args[0])
	if err != nil {
		return err
	}

	out := newPrinter(os.Stdout, format)
	final, err := runSimulation(ctx, cfg, scenario, out)
	if err != nil {
		return err
	}
	return out.Stats(final)
}

// runSimulation plays scenario step by step and prints events as they are
// emitted. Everything runs synchronously on a fake clock, so the output is
// deterministic.
func runSimulation(ctx context.Context, base *config.Config, scenario *Scenario, out *printer) (presence.Stats, error) {
	cfg := config.DefaultConfig()
	if base != nil {
		cfg = *base
	}
	cfg.Countdown.TickInterval = simulationInterval
	cfg.Presence.ReconcileInterval = simulationInterval

	clock := clockwork.NewFakeClockAt(scenario.Start)
	client := backend.NewMockClient(scenario.Tasks...)
	logger := logging.Component("simulate")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	bus := events.NewBus(events.BusOptions{Logger: logger})
	defer bus.Close()
	feed := bus.Subscribe(ctx, events.DefaultRecentSize)

	ctrl, err := tracking.New(tracking.Options{
		Config:  &cfg,
		Backend: client,
		Records: store.NewRecords(store.NewMemoryKV(), store.WithClock(clock)),
		Bus:     bus,
		Clock:   clock,
		Logger:  logger,
	})
	if err != nil {
		return presence.Stats{}, err
	}

	drain := func() error {
		for {
			select {
			case e := <-feed:
				if err := out.Event(e); err != nil {
					return err
				}
			default:
				return nil
			}
		}
	}

	if err := ctrl.Start(ctx); err != nil {
		return presence.Stats{}, fmt.Errorf("failed to start tracking: %w", err)
	}

	var held *geo.Position
	for i, step := range scenario.Steps {
		if step.After > 0 {
			clock.Advance(step.After)
		}
		ctrl.Timers().CheckAll(ctx)

		if err := applyStatuses(ctx, ctrl, client, step.Status); err != nil {
			return presence.Stats{}, fmt.Errorf("step %d: %w", i, err)
		}
		if step.Pause {
			if err := ctrl.Pause(); err != nil {
				return presence.Stats{}, fmt.Errorf("step %d: %w", i, err)
			}
		}
		if step.Resume {
			if err := ctrl.Resume(); err != nil {
				return presence.Stats{}, fmt.Errorf("step %d: %w", i, err)
			}
			if held != nil {
				step.Position, held = held, nil
			}
		}
		if step.Position != nil {
			pos := *step.Position
			if pos.Timestamp.IsZero() {
				pos.Timestamp = clock.Now()
			}
			_, err := ctrl.ProcessPosition(ctx, pos)
			switch {
			case errors.Is(err, tracking.ErrPaused):
				held = &pos
			case err != nil:
				logger.Warn("position rejected", "step", i, "error", err)
			}
		}
		if step.Reconcile {
			ctrl.Reconcile(ctx)
		}

		if err := drain(); err != nil {
			return presence.Stats{}, err
		}
	}

	final, err := ctrl.Stop(ctx)
	if err != nil {
		return presence.Stats{}, err
	}
	if err := drain(); err != nil {
		return presence.Stats{}, err
	}
	return final, nil
}

// applyStatuses updates task statuses on the simulated service and lets the
// countdowns react at once.
func applyStatuses(ctx context.Context, ctrl *tracking.Controller, client *backend.MockClient, statuses map[string]string) error {
	if len(statuses) == 0 {
		return nil
	}
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var changed []geo.Task
	for _, id := range ids {
		task, ok := client.Task(id)
		if !ok {
			return fmt.Errorf("unknown task %q", id)
		}
		task.Status = statuses[id]
		client.PutTask(task)
		changed = append(changed, task)
	}
	ctrl.Timers().Sync(ctx, changed)
	return nil
}
