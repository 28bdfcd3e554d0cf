package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thruflo/fieldtrack/internal/logging"
	"github.com/thruflo/fieldtrack/internal/testutil"
)

func TestRootCommand_Subcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"init", "run", "simulate", "password", "status", "tail", "timers"} {
		assert.Contains(t, names, want)
	}
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	tests := []struct {
		name      string
		shorthand string
		def       string
	}{
		{name: "config-dir", def: "."},
		{name: "log-level", def: ""},
		{name: "output", shorthand: "o", def: formatAuto},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := rootCmd.PersistentFlags().Lookup(tt.name)
			require.NotNil(t, flag)
			assert.Equal(t, tt.def, flag.DefValue)
			assert.Equal(t, tt.shorthand, flag.Shorthand)
		})
	}
}

func TestRunCommand_RequiresTrack(t *testing.T) {
	flag := runCmd.Flags().Lookup("track")
	require.NotNil(t, flag)
	assert.Contains(t, flag.Annotations, "cobra_annotation_bash_completion_one_required_flag")

	flag = runCmd.Flags().Lookup("for")
	require.NotNil(t, flag)
	assert.Equal(t, "0s", flag.DefValue)
}

func TestLoadConfig(t *testing.T) {
	t.Cleanup(func() { logging.SetLevel(logging.LevelWarn) })

	t.Run("defaults without a config file", func(t *testing.T) {
		useConfigDir(t, t.TempDir())
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "warn", cfg.Logging.Level)
	})

	t.Run("reads the config dir", func(t *testing.T) {
		useConfigDir(t, testutil.SetupTestDir(t))
		cfg, err := loadConfig()
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Store.Backend)
		assert.False(t, logging.Default().Enabled(logging.LevelWarn), "configured level is error")
	})

	t.Run("flag overrides config", func(t *testing.T) {
		useConfigDir(t, testutil.SetupTestDir(t))
		logLevel = "debug"
		t.Cleanup(func() { logLevel = "" })

		_, err := loadConfig()
		require.NoError(t, err)
		assert.True(t, logging.Default().Enabled(logging.LevelDebug))
	})

	t.Run("bad level", func(t *testing.T) {
		useConfigDir(t, t.TempDir())
		logLevel = "loud"
		t.Cleanup(func() { logLevel = "" })

		_, err := loadConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})
}
