package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zero-day-ai/stratagem/internal/types"
)

func TestHandleError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantOut  string
	}{
		{"nil", nil, ExitSuccess, ""},
		{"cancelled", fmt.Errorf("wrapped: %w", context.Canceled), ExitCancelled, "Operation cancelled"},
		{"timeout", context.DeadlineExceeded, ExitTimeout, "Operation timed out"},
		{"cli error", NewCLIError(ExitConfigError, "bad config"), ExitConfigError, "Error: bad config"},
		{"compile failure", types.NewError(types.COMPILATION_FAILED, "2 errors"), ExitCompileError, "COMPILATION_FAILED"},
		{"not found", types.NewError(types.NOT_FOUND, "no instance"), ExitNotFound, "no instance"},
		{"rejected", types.NewError(types.INVALID_TRANSITION, "paused -> active"), ExitRejected, "INVALID_TRANSITION"},
		{"daemon down", status.Error(codes.Unavailable, "connection refused"), ExitDaemonError, "connection refused"},
		{"plain", errors.New("boom"), ExitError, "Error: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			cmd := &cobra.Command{}
			cmd.SetErr(&buf)

			assert.Equal(t, tt.wantCode, HandleError(cmd, tt.err))
			assert.Contains(t, buf.String(), tt.wantOut)
		})
	}
}

func TestCLIError(t *testing.T) {
	cause := errors.New("disk full")
	err := WrapError(ExitDatabaseError, "cannot open database", cause)

	assert.Equal(t, "cannot open database: disk full", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "plain", NewCLIError(ExitError, "plain").Error())
}
