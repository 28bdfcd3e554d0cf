package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/events"
)

var (
	tailFollow   bool
	tailInterval time.Duration
	tailLines    int
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the event journal and watch for new events",
	Long: `Prints the most recent events from .fieldtrack/events.ndjson.

This is a read-only view of the activity log written by "fieldtrack run":
transitions, countdown expiries, presence snapshots and location errors.

With --follow, it keeps polling the journal and prints events as they are
appended.

Example:
  fieldtrack tail
  fieldtrack tail -n 100
  fieldtrack tail -f --interval 5s`,
	Args: cobra.NoArgs,
	RunE: runTail,
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollow, "follow", "f", false, "Watch for new events")
	tailCmd.Flags().DurationVar(&tailInterval, "interval", 2*time.Second, "Poll interval for --follow")
	tailCmd.Flags().IntVarP(&tailLines, "lines", "n", 20, "Number of recent events to show (0 for all)")
	rootCmd.AddCommand(tailCmd)
}

func runTail(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	format, err := resolveFormat(outputMode, os.Stdout)
	if err != nil {
		return err
	}

	path := journalPath(configDir)
	if !fileExists(path) {
		return fmt.Errorf("no event journal at %s (run \"fieldtrack run\" first)", path)
	}
	journal, err := events.OpenJournal(path)
	if err != nil {
		return err
	}
	defer journal.Close()

	out := newPrinter(os.Stdout, format)
	last, err := printJournal(journal, out, 0, tailLines)
	if err != nil {
		return err
	}

	// If not following, we're done
	if !tailFollow {
		return nil
	}

	if format == formatHuman {
		fmt.Printf("\n--- Following %s (Ctrl+C to stop) ---\n\n", path)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(tailInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigCh:
			if format == formatHuman {
				fmt.Printf("\nStopped.\n")
			}
			return nil
		case <-ticker.C:
			last, err = printJournal(journal, out, last+1, 0)
			if err != nil {
				return err
			}
		}
	}
}

// printJournal prints events with Seq >= fromSeq, limited to the newest
// limit when limit > 0. It returns the highest sequence printed, or
// fromSeq-1 when nothing was.
func printJournal(journal *events.Journal, out *printer, fromSeq uint64, limit int) (uint64, error) {
	evts, err := journal.Read(fromSeq)
	if err != nil {
		return 0, err
	}
	if limit > 0 && len(evts) > limit {
		evts = evts[len(evts)-limit:]
	}

	last := uint64(0)
	if fromSeq > 0 {
		last = fromSeq - 1
	}
	for _, e := range evts {
		if err := out.Event(e); err != nil {
			return last, err
		}
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, nil
}
