// Package daemon runs the Stratagem control plane as a long-lived process.
//
// The daemon owns the storage layer, the compiler, the fleet tracker and the
// controller, and exposes them over a gRPC API for the CLI and over a small
// HTTP surface for health collaborators, outcome reporting and metrics
// scraping. Background reconciliation and plan garbage collection run on a
// cron schedule.
package daemon

import (
	"fmt"
	"time"
)

// DaemonInfo contains persistent daemon information written to daemon.json.
//
// Clients read it to discover how to connect to the running daemon.
type DaemonInfo struct {
	// PID is the process ID of the daemon
	PID int `json:"pid"`

	// StartTime is when the daemon was started
	StartTime time.Time `json:"start_time"`

	// GRPCAddress is the address the gRPC API is bound to
	GRPCAddress string `json:"grpc_address"`

	// HTTPAddress is the address of the HTTP surface, empty when disabled
	HTTPAddress string `json:"http_address,omitempty"`

	// Version is the Stratagem version that started the daemon
	Version string `json:"version"`
}

// DaemonStatus is what `stratagem daemon status` reports from the local state
// files.
type DaemonStatus struct {
	Running     bool      `json:"running"`
	PID         int       `json:"pid"`
	StartTime   time.Time `json:"start_time,omitempty"`
	Uptime      string    `json:"uptime,omitempty"`
	GRPCAddress string    `json:"grpc_address,omitempty"`
	HTTPAddress string    `json:"http_address,omitempty"`
	Version     string    `json:"version,omitempty"`
}

// formatDuration formats a duration as "1h 30m 45s", dropping leading zero
// units.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
