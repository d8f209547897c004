package drmlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestNewConsoleOnly(t *testing.T) {
	l, err := New(zerolog.InfoLevel, FileConfig{Mode: FileModeNone}, zerolog.Disabled)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, zerolog.InfoLevel, l.Level())
}

func TestEffectiveLevelIsMinOfSinks(t *testing.T) {
	dir := t.TempDir()
	l, err := New(zerolog.InfoLevel, FileConfig{Mode: FileModeSingle, Path: filepath.Join(dir, "log.txt")}, zerolog.DebugLevel)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, zerolog.DebugLevel, l.Level())

	l.SetFileVerbosity(zerolog.WarnLevel)
	require.Equal(t, zerolog.InfoLevel, l.Level())
}

func TestRotatingFileSink(t *testing.T) {
	dir := t.TempDir()
	l, err := New(zerolog.InfoLevel, FileConfig{
		Mode: FileModeRotating, Path: filepath.Join(dir, "rotating.log"), MaxSizeMB: 1, MaxBackups: 2,
	}, zerolog.InfoLevel)
	require.NoError(t, err)
	defer l.Close()
	l.Component("engine").Info().Msg("hello")
}

func TestSetConsoleVerbosity(t *testing.T) {
	l, err := New(zerolog.InfoLevel, FileConfig{Mode: FileModeNone}, zerolog.Disabled)
	require.NoError(t, err)
	defer l.Close()
	l.SetConsoleVerbosity(zerolog.ErrorLevel)
	require.Equal(t, zerolog.ErrorLevel, l.ConsoleVerbosity())
}

func TestHostDataVerbosity(t *testing.T) {
	l, err := New(zerolog.InfoLevel, FileConfig{Mode: FileModeNone}, zerolog.Disabled)
	require.NoError(t, err)
	defer l.Close()
	require.Equal(t, 0, l.HostDataVerbosity())
	l.SetHostDataVerbosity(2)
	require.Equal(t, 2, l.HostDataVerbosity())
}

func TestSingleModeTruncate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "single.log")
	require.NoError(t, os.WriteFile(path, []byte("stale\n"), 0o644))
	l, err := New(zerolog.InfoLevel, FileConfig{Mode: FileModeSingle, Path: path, Truncate: true}, zerolog.InfoLevel)
	require.NoError(t, err)
	defer l.Close()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "stale")
}
