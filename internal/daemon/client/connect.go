package client

import (
	"fmt"

	"google.golang.org/grpc"

	"github.com/zero-day-ai/stratagem/internal/daemon"
)

// ConnectFromInfo reads the daemon info file at path and connects to the
// address it records.
func ConnectFromInfo(path string, opts ...grpc.DialOption) (*Client, error) {
	info, err := daemon.ReadDaemonInfo(path)
	if err != nil {
		return nil, err
	}
	c, err := Connect(info.GRPCAddress, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to daemon (PID %d): %w", info.PID, err)
	}
	return c, nil
}
