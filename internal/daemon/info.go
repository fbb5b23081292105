package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// WriteDaemonInfo atomically writes daemon connection information to path.
func WriteDaemonInfo(path string, info *DaemonInfo) error {
	if info == nil {
		return fmt.Errorf("daemon info cannot be nil")
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode daemon info to JSON: %w", err)
	}
	if err := writeAtomic(path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write daemon info: %w", err)
	}
	return nil
}

// ReadDaemonInfo reads the connection information written by WriteDaemonInfo.
func ReadDaemonInfo(path string) (*DaemonInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("daemon info file not found (daemon not running?): %w", err)
		}
		return nil, fmt.Errorf("failed to read daemon info file: %w", err)
	}

	var info DaemonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to parse daemon info JSON: %w", err)
	}
	if info.PID <= 0 {
		return nil, fmt.Errorf("invalid daemon info: PID must be positive (got %d)", info.PID)
	}
	if info.GRPCAddress == "" {
		return nil, fmt.Errorf("invalid daemon info: gRPC address is required")
	}
	return &info, nil
}

// RemoveDaemonInfo deletes the daemon info file. Removing a missing file is
// not an error.
func RemoveDaemonInfo(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove daemon info file: %w", err)
	}
	return nil
}

// Status reads the state files under homeDir and reports whether a daemon is
// running there.
func Status(homeDir string) (*DaemonStatus, error) {
	running, pid, err := CheckPIDFile(PIDFilePath(homeDir))
	if err != nil {
		return nil, err
	}
	status := &DaemonStatus{Running: running, PID: pid}
	if !running {
		return status, nil
	}

	info, err := ReadDaemonInfo(InfoFilePath(homeDir))
	if err != nil {
		return status, nil
	}
	status.StartTime = info.StartTime
	status.Uptime = formatDuration(time.Since(info.StartTime))
	status.GRPCAddress = info.GRPCAddress
	status.HTTPAddress = info.HTTPAddress
	status.Version = info.Version
	return status, nil
}
