package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/config"
	"github.com/thruflo/fieldtrack/internal/store"
)

var timersCmd = &cobra.Command{
	Use:   "timers",
	Short: "List persisted task countdowns",
	Long: `Lists the countdown records kept in the local store. A record survives
restarts until its countdown expires, is stopped or is cleared here.

Remaining time is computed from each record's end instant and the current
time, so it is accurate even when nothing is running.`,
	Args: cobra.NoArgs,
	RunE: runTimers,
}

var timersClearCmd = &cobra.Command{
	Use:   "clear <task-id>",
	Short: "Delete a task's persisted countdown",
	Args:  cobra.ExactArgs(1),
	RunE:  runTimersClear,
}

func init() {
	timersCmd.AddCommand(timersClearCmd)
	rootCmd.AddCommand(timersCmd)
}

// openRecords opens the configured local store.
func openRecords() (*store.Records, func() error, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	kv, err := store.Open(cfg.Store.Backend, config.StorePath(configDir, cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store.NewRecords(kv), kv.Close, nil
}

func runTimers(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	format, err := resolveFormat(outputMode, os.Stdout)
	if err != nil {
		return err
	}

	records, closeStore, err := openRecords()
	if err != nil {
		return err
	}
	defer closeStore()

	return listTimers(ctx, os.Stdout, records, format, time.Now())
}

func runTimersClear(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	records, closeStore, err := openRecords()
	if err != nil {
		return err
	}
	defer closeStore()

	return clearTimer(ctx, os.Stdout, records, args[0])
}

// listTimers prints every decodable timer record. Undecodable keys are
// reported on stderr.
func listTimers(ctx context.Context, w io.Writer, records *store.Records, format string, now time.Time) error {
	recs, bad, err := records.ListTimers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list timers: %w", err)
	}
	for _, key := range bad {
		fmt.Fprintf(os.Stderr, "warning: unreadable timer record %s\n", key)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].TaskID < recs[j].TaskID })

	if format == formatJSON {
		for _, rec := range recs {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal timer: %w", err)
			}
			fmt.Fprintf(w, "%s\n", data)
		}
		return nil
	}

	if len(recs) == 0 {
		fmt.Fprintln(w, "No countdowns found.")
		return nil
	}

	idWidth := len("TASK")
	for _, rec := range recs {
		if len(rec.TaskID) > idWidth {
			idWidth = len(rec.TaskID)
		}
	}
	fmt.Fprintf(w, "%-*s  %-6s  %-8s  %-20s  %s\n", idWidth, "TASK", "LIMIT", "STATE", "ENDS", "REMAINING")
	fmt.Fprintf(w, "%s  %s  %s  %s  %s\n", strings.Repeat("-", idWidth), "------", "--------", strings.Repeat("-", 20), "---------")
	for _, rec := range recs {
		state := "active"
		switch {
		case rec.Tombstone():
			state = "expired"
		case !rec.Resumable():
			state = "partial"
		}
		remaining := rec.EndAt.Sub(now)
		if remaining < 0 || rec.Tombstone() {
			remaining = 0
		}
		fmt.Fprintf(w, "%-*s  %-6s  %-8s  %-20s  %s\n",
			idWidth, rec.TaskID,
			fmt.Sprintf("%dm", rec.DurationMinutes),
			state,
			rec.EndAt.UTC().Format(time.RFC3339),
			remaining.Round(time.Second))
	}
	return nil
}

// clearTimer deletes one task's record.
func clearTimer(ctx context.Context, w io.Writer, records *store.Records, taskID string) error {
	rec, err := records.LoadTimer(ctx, taskID)
	if err != nil {
		return fmt.Errorf("failed to load timer: %w", err)
	}
	if rec == nil {
		return fmt.Errorf("no countdown for task %q", taskID)
	}
	if err := records.DeleteTimer(ctx, taskID); err != nil {
		return fmt.Errorf("failed to delete timer: %w", err)
	}
	fmt.Fprintf(w, "Cleared countdown for task %s\n", taskID)
	return nil
}
