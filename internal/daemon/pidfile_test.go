package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "daemon.pid")

	require.NoError(t, WritePIDFile(path, os.Getpid()))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	pid, err := ReadPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	running, pid, err := CheckPIDFile(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, RemovePIDFile(path))
	require.NoError(t, RemovePIDFile(path))

	running, pid, err = CheckPIDFile(path)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Zero(t, pid)
}

func TestReadPIDFile_Invalid(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.pid")
	require.NoError(t, os.WriteFile(garbage, []byte("not-a-pid\n"), 0o600))
	_, err := ReadPIDFile(garbage)
	assert.Error(t, err)

	negative := filepath.Join(dir, "negative.pid")
	require.NoError(t, os.WriteFile(negative, []byte("-4\n"), 0o600))
	_, err = ReadPIDFile(negative)
	assert.Error(t, err)
}

func TestDaemonInfo_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.json")
	want := &DaemonInfo{
		PID:         42,
		StartTime:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		GRPCAddress: "127.0.0.1:50051",
		HTTPAddress: "127.0.0.1:8080",
		Version:     "1.2.3",
	}
	require.NoError(t, WriteDaemonInfo(path, want))

	got, err := ReadDaemonInfo(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, RemoveDaemonInfo(path))
	_, err = ReadDaemonInfo(path)
	assert.ErrorContains(t, err, "not found")
	assert.NoError(t, RemoveDaemonInfo(path))
}

func TestDaemonInfo_Invalid(t *testing.T) {
	assert.Error(t, WriteDaemonInfo(filepath.Join(t.TempDir(), "x.json"), nil))

	path := filepath.Join(t.TempDir(), "daemon.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"pid": 0, "grpc_address": "x"}`), 0o600))
	_, err := ReadDaemonInfo(path)
	assert.ErrorContains(t, err, "PID must be positive")

	require.NoError(t, os.WriteFile(path, []byte(`{"pid": 7}`), 0o600))
	_, err = ReadDaemonInfo(path)
	assert.ErrorContains(t, err, "gRPC address")
}

func TestStatus_NotRunning(t *testing.T) {
	status, err := Status(t.TempDir())
	require.NoError(t, err)
	assert.False(t, status.Running)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "2m 15s", formatDuration(2*time.Minute+15*time.Second))
	assert.Equal(t, "1h 30m 45s", formatDuration(90*time.Minute+45*time.Second))
}
