package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/auth"
	"github.com/thruflo/fieldtrack/internal/tracking"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running session's status",
	Long: `Queries the local status server of a running "fieldtrack run" and shows
the session, the proximity of each known task and the running countdowns.

The server address defaults to localhost and the configured server.port.
When the server is password protected the password is prompted for.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status server address (host:port)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	addr := statusAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = fmt.Sprintf("localhost:%d", cfg.Server.Port)
	}
	format, err := resolveFormat(outputMode, os.Stdout)
	if err != nil {
		return err
	}

	baseURL := "http://" + addr
	snap, raw, err := fetchSnapshot(ctx, http.DefaultClient, baseURL, "")
	if errors.Is(err, errUnauthorized) {
		password, perr := auth.NewPrompter(os.Stdin, os.Stderr).Prompt("Password: ")
		if perr != nil {
			return perr
		}
		token, terr := requestToken(ctx, http.DefaultClient, baseURL, password)
		if terr != nil {
			return terr
		}
		snap, raw, err = fetchSnapshot(ctx, http.DefaultClient, baseURL, token)
	}
	if err != nil {
		return err
	}
	if format == formatJSON {
		fmt.Println(strings.TrimSpace(string(raw)))
		return nil
	}
	displaySnapshot(os.Stdout, snap)
	return nil
}

// errUnauthorized is returned when the status server wants a token.
var errUnauthorized = errors.New("status server requires authentication")

// fetchSnapshot reads /status from the server at baseURL. The raw body is
// returned alongside the decoded snapshot. token may be empty.
func fetchSnapshot(ctx context.Context, client *http.Client, baseURL, token string) (*tracking.Snapshot, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to reach status server (is \"fieldtrack run\" running with server.enabled?): %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read status: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, nil, errUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("status server returned %s", resp.Status)
	}

	var snap tracking.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, nil, fmt.Errorf("failed to decode status: %w", err)
	}
	return &snap, body, nil
}

// requestToken exchanges password for a bearer token at POST /auth.
func requestToken(ctx context.Context, client *http.Client, baseURL, password string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	form := url.Values{"password": {password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/auth", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach status server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return "", errors.New("invalid password")
	default:
		return "", fmt.Errorf("authentication failed: %s", resp.Status)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	if body.Token == "" {
		return "", errors.New("status server returned an empty token")
	}
	return body.Token, nil
}

// displaySnapshot prints a snapshot as aligned sections.
func displaySnapshot(w io.Writer, snap *tracking.Snapshot) {
	state := "stopped"
	switch {
	case snap.Running && snap.Paused:
		state = "paused"
	case snap.Running:
		state = "tracking"
	}

	fmt.Fprintf(w, "Session:     %s\n", valueOr(snap.SessionID, "-"))
	fmt.Fprintf(w, "State:       %s\n", state)
	fmt.Fprintf(w, "Current:     %s\n", valueOr(snap.CurrentTaskID, "-"))
	if snap.Position != nil {
		fmt.Fprintf(w, "Position:    %.6f, %.6f (±%.0fm)\n", snap.Position.Latitude, snap.Position.Longitude, snap.Position.AccuracyMeters)
	}
	fmt.Fprintf(w, "Ticks:       %d", snap.Ticks)
	if !snap.LastTickAt.IsZero() {
		fmt.Fprintf(w, " (last %s)", snap.LastTickAt.Local().Format("15:04:05"))
	}
	fmt.Fprintln(w)
	p := snap.Presence
	fmt.Fprintf(w, "Presence:    idle %s (%.0f%%), productive %s (%.0f%%)\n",
		formatMinutes(p.IdleMinutes), p.IdlePercentage, formatMinutes(p.ProductiveMinutes), p.ProductivePercentage)
	if snap.MirrorPending {
		fmt.Fprintln(w, "Mirror:      pending")
	}

	if len(snap.Proximity) > 0 {
		idWidth := len("TASK")
		for _, s := range snap.Proximity {
			if len(s.TaskID) > idWidth {
				idWidth = len(s.TaskID)
			}
		}
		fmt.Fprintf(w, "\n%-*s  %-8s  %s\n", idWidth, "TASK", "RANGE", "SINCE")
		fmt.Fprintf(w, "%s  %s  %s\n", strings.Repeat("-", idWidth), strings.Repeat("-", 8), "-----")
		for _, s := range snap.Proximity {
			inRange := "out"
			if s.InRange {
				inRange = "in"
			}
			since := "-"
			if !s.LastTransitionAt.IsZero() {
				since = s.LastTransitionAt.Local().Format("15:04:05")
			}
			fmt.Fprintf(w, "%-*s  %-8s  %s\n", idWidth, s.TaskID, inRange, since)
		}
	}

	if len(snap.Timers) > 0 {
		fmt.Fprintf(w, "\nCountdowns:\n")
		for _, t := range snap.Timers {
			remaining := (time.Duration(t.RemainingSeconds) * time.Second).String()
			flag := ""
			if t.Critical {
				flag = "  CRITICAL"
			}
			fmt.Fprintf(w, "  %s  %s  %s left of %dm%s\n", t.TaskID, t.State, remaining, t.DurationMinutes, flag)
		}
	}
}
