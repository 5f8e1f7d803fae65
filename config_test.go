package iomanager

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Golden(t *testing.T) {
	data, err := DefaultConfig().Marshal()
	require.NoError(t, err)
	g := goldie.New(t)
	g.Assert(t, "default_config", data)
}

func TestParseConfig_RoundTripsDefault(t *testing.T) {
	data, err := DefaultConfig().Marshal()
	require.NoError(t, err)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestParseConfig_Partial(t *testing.T) {
	cfg, err := ParseConfig([]byte("threads: 4\nidle_timeout: 250ms\nlog_level: debug\n"))
	require.NoError(t, err)

	want := DefaultConfig()
	want.Threads = 4
	want.IdleTimeout = Duration(250 * time.Millisecond)
	want.LogLevel = "debug"
	require.Equal(t, want, cfg)
}

func TestParseConfig_Empty(t *testing.T) {
	for _, in := range []string{"", "\n"} {
		cfg, err := ParseConfig([]byte(in))
		require.NoError(t, err, "%q", in)
		require.Equal(t, DefaultConfig(), cfg)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	for _, tc := range []struct {
		name, in, want string
	}{
		{"unknown field", "threads: 2\nworkers: 3\n", "workers"},
		{"bad duration", "idle_timeout: soon\n", `invalid duration "soon"`},
		{"zero threads", "threads: 0\n", "threads must be at least 1"},
		{"negative timeout", "idle_timeout: -1s\n", "idle_timeout must be positive"},
		{"zero max events", "max_events: 0\n", "max_events must be at least 1"},
		{"bad level", "log_level: loud\n", `unknown log level "loud"`},
		{"not a map", "- a\n- b\n", "parse config"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.in))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := Config{LogLevel: "nope"}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "iomanager: invalid config")
	assert.Contains(t, msg, "threads")
	assert.Contains(t, msg, "idle_timeout")
	assert.Contains(t, msg, "max_events")
	assert.Contains(t, msg, "nope")
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "iomanager.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: edge\nuse_caller: false\nmax_events: 64\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "edge", cfg.Name)
	assert.False(t, cfg.UseCaller)
	assert.Equal(t, 64, cfg.MaxEvents)
	assert.Equal(t, Duration(DefaultIdleTimeout), cfg.IdleTimeout)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConfig_Options(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = Duration(time.Second)
	cfg.MaxEvents = 16

	opts, err := resolveOptions(cfg.Options())
	require.NoError(t, err)
	assert.Equal(t, time.Second, opts.idleTimeout)
	assert.Equal(t, 16, opts.maxEvents)
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]logiface.Level{
		"disabled":      logiface.LevelDisabled,
		"off":           logiface.LevelDisabled,
		"emerg":         logiface.LevelEmergency,
		"alert":         logiface.LevelAlert,
		"crit":          logiface.LevelCritical,
		"err":           logiface.LevelError,
		"error":         logiface.LevelError,
		"warning":       logiface.LevelWarning,
		"warn":          logiface.LevelWarning,
		"notice":        logiface.LevelNotice,
		"info":          logiface.LevelInformational,
		" INFO ":        logiface.LevelInformational,
		"informational": logiface.LevelInformational,
		"debug":         logiface.LevelDebug,
		"trace":         logiface.LevelTrace,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, "%q", in)
		require.Equal(t, want, got, "%q", in)
	}

	_, err := ParseLogLevel("verbose")
	require.Error(t, err)
	_, err = ParseLogLevel("")
	require.Error(t, err)
}
