package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WritePIDFile atomically writes the process ID to path with 0600 permissions.
func WritePIDFile(path string, pid int) error {
	if err := writeAtomic(path, []byte(strconv.Itoa(pid)+"\n")); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

// ReadPIDFile reads the process ID from path. A missing file yields 0 and no
// error.
func ReadPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file %q: %w", path, err)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("invalid PID value %d in file %q", pid, path)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file. Removing a missing file is not an error.
func RemovePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

// CheckPIDFile reports whether the process named in the PID file is alive.
// A stale file returns running=false with the recorded pid.
func CheckPIDFile(path string) (running bool, pid int, err error) {
	pid, err = ReadPIDFile(path)
	if err != nil || pid == 0 {
		return false, pid, err
	}

	// Signal 0 probes for existence without delivering anything.
	err = syscall.Kill(pid, 0)
	switch {
	case err == nil:
		return true, pid, nil
	case errors.Is(err, syscall.ESRCH):
		return false, pid, nil
	case errors.Is(err, syscall.EPERM):
		return true, pid, nil
	default:
		return false, pid, fmt.Errorf("failed to check process %d: %w", pid, err)
	}
}

// writeAtomic writes data to a temp file next to path and renames it into
// place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".stratagem.tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("set permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
