package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/thruflo/fieldtrack/internal/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize .fieldtrack/ directory structure",
	Long: `Creates the .fieldtrack/ directory under --config-dir.

This command sets up:
  - config.yaml with the default intervals, thresholds and store settings
  - .gitignore keeping local state out of version control`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite an existing config.yaml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := filepath.Join(configDir, config.DirName)
	configPath := config.ConfigPath(configDir)

	existed := fileExists(configPath)
	if existed && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	if err := writeConfigYAML(configPath); err != nil {
		return err
	}
	if err := writeGitignore(dir); err != nil {
		return err
	}

	if existed {
		fmt.Printf("Overwrote %s\n", configPath)
	} else {
		fmt.Printf("Initialized %s\n", dir)
	}
	return nil
}

// fileExists checks if a regular file exists.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func writeConfigYAML(path string) error {
	content := `# Fieldtrack configuration

tracking:
  # How often a position is requested when not streaming
  poll_interval: 20s

  # Stream positions from the provider instead of polling
  continuous: false

  # A new position closer than this to the last accepted one is ignored
  min_distance_meters: 10

  # A new position sooner than this after the last accepted one is ignored
  min_interval: 10s

  # Radius used when asking the backend for nearby tasks
  max_task_distance_km: 5

  # Upper bound on one geofence evaluation
  evaluation_timeout: 15s

location:
  # Acquisition tiers, tried in order until one returns a fix
  strategies:
    - accuracy: high
      timeout: 10s
    - accuracy: balanced
      timeout: 8s
    - accuracy: low
      timeout: 5s

  # Wait for the first streamed position before falling back
  subscription_timeout: 15s

presence:
  # How often local idle/productive time is reconciled with the backend
  reconcile_interval: 60s

countdown:
  tick_interval: 1s

  # Remaining time below which a countdown is reported as critical
  critical_threshold: 5m

store:
  # file, sqlite or memory
  backend: file

backend:
  # Task and presence service, required by "fieldtrack run"
  base_url: ""
  timeout: 10s

server:
  # Local status server with a websocket event feed
  enabled: false
  port: 8374
  # Set with the output of "fieldtrack password" to require a login
  # password_hash: ""

logging:
  level: warn
`
	return os.WriteFile(path, []byte(content), 0644)
}

func writeGitignore(dir string) error {
	content := `# Local state
state/
state.db
events.ndjson
`
	return os.WriteFile(filepath.Join(dir, ".gitignore"), []byte(content), 0644)
}
