package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/thruflo/fieldtrack/internal/events"
	"github.com/thruflo/fieldtrack/internal/presence"
)

// Output formats.
const (
	formatAuto  = "auto"
	formatHuman = "human"
	formatJSON  = "json"
)

// resolveFormat turns the --output value into human or json. auto picks
// human for a terminal and json (one object per line) otherwise.
func resolveFormat(mode string, out *os.File) (string, error) {
	switch mode {
	case formatHuman, formatJSON:
		return mode, nil
	case formatAuto, "":
		if out != nil && term.IsTerminal(int(out.Fd())) {
			return formatHuman, nil
		}
		return formatJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want auto, human or json)", mode)
	}
}

// printer writes events and summaries in the selected format.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) *printer {
	return &printer{w: w, format: format}
}

// Event writes one event.
func (p *printer) Event(e *events.Event) error {
	if p.format == formatJSON {
		return p.json(e)
	}
	_, err := fmt.Fprintln(p.w, formatEvent(e))
	return err
}

// Stats writes final session stats.
func (p *printer) Stats(s presence.Stats) error {
	if p.format == formatJSON {
		return p.json(map[string]any{"type": "summary", "stats": s})
	}
	_, err := fmt.Fprint(p.w, formatStats(s))
	return err
}

func (p *printer) json(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	_, err = fmt.Fprintf(p.w, "%s\n", data)
	return err
}

// formatEvent renders an event as a single line.
func formatEvent(e *events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %-16s", e.Timestamp.Format("15:04:05"), e.Type)
	if e.TaskID != "" {
		fmt.Fprintf(&b, "  %s", e.TaskID)
	}

	switch e.Type {
	case events.TypeEntered, events.TypeExited:
		if d, err := e.TransitionData(); err == nil {
			fmt.Fprintf(&b, "  distance=%.0fm radius=%.0fm", d.DistanceMeters, d.RadiusMeters)
			if d.Title != "" {
				fmt.Fprintf(&b, "  %q", d.Title)
			}
		}
	case events.TypeExpired:
		if d, err := e.ExpiredData(); err == nil {
			fmt.Fprintf(&b, "  limit=%dm end=%s", d.DurationMinutes, d.EndAt.Format("15:04:05"))
		}
	case events.TypeStats, events.TypeTrackingStopped:
		if d, err := e.StatsData(); err == nil {
			fmt.Fprintf(&b, "  idle=%.1fm productive=%.1fm (%.0f%%)", d.IdleMinutes, d.ProductiveMinutes, d.ProductivePercentage)
			if d.CurrentTaskID != "" {
				fmt.Fprintf(&b, " current=%s", d.CurrentTaskID)
			}
		}
	case events.TypeLocationError:
		if d, err := e.LocationErrorData(); err == nil {
			fmt.Fprintf(&b, "  %s: %s", d.Kind, d.Message)
		}
	}
	return b.String()
}

// formatStats renders session stats as an indented block.
func formatStats(s presence.Stats) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\nSession:     %s\n", valueOr(s.SessionID, "-"))
	fmt.Fprintf(&b, "Total:       %s\n", formatMinutes(s.TotalMinutes))
	fmt.Fprintf(&b, "Idle:        %s (%.1f%%)\n", formatMinutes(s.IdleMinutes), s.IdlePercentage)
	fmt.Fprintf(&b, "Productive:  %s (%.1f%%)\n", formatMinutes(s.ProductiveMinutes), s.ProductivePercentage)
	if s.CurrentTaskID != "" {
		fmt.Fprintf(&b, "Current:     %s\n", s.CurrentTaskID)
	}
	return b.String()
}

// formatMinutes renders fractional minutes as a duration rounded to seconds.
func formatMinutes(m float64) string {
	return (time.Duration(m * float64(time.Minute))).Round(time.Second).String()
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
