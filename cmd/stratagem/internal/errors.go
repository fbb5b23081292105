package internal

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zero-day-ai/stratagem/internal/types"
)

// Exit codes
const (
	// ExitSuccess indicates successful execution
	ExitSuccess = 0

	// ExitError indicates a general error
	ExitError = 1

	// ExitCompileError indicates at least one spec failed to compile
	ExitCompileError = 2

	// ExitTimeout indicates operation timeout
	ExitTimeout = 3

	// ExitCancelled indicates operation was cancelled by user
	ExitCancelled = 4

	// ExitUsageError indicates invalid flags or arguments
	ExitUsageError = 5

	// ExitConfigError indicates configuration error
	ExitConfigError = 10

	// ExitDaemonError indicates the daemon is not reachable
	ExitDaemonError = 11

	// ExitDatabaseError indicates database error
	ExitDatabaseError = 12

	// ExitNotFound indicates the requested instance, worker or plan does not exist
	ExitNotFound = 13

	// ExitRejected indicates the control plane refused a state change
	ExitRejected = 14
)

// CLIError represents a CLI error with an exit code
type CLIError struct {
	Code    int
	Message string
	Cause   error
}

// Error implements the error interface
func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *CLIError) Unwrap() error {
	return e.Cause
}

// WrapError wraps an error with a CLI exit code and message
func WrapError(code int, message string, err error) *CLIError {
	return &CLIError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// NewCLIError creates a new CLI error
func NewCLIError(code int, message string) *CLIError {
	return &CLIError{
		Code:    code,
		Message: message,
	}
}

// HandleError prints err and returns the process exit code for it.
func HandleError(cmd *cobra.Command, err error) int {
	if err == nil {
		return ExitSuccess
	}

	if errors.Is(err, context.Canceled) {
		cmd.PrintErrln("Operation cancelled")
		return ExitCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		cmd.PrintErrln("Operation timed out")
		return ExitTimeout
	}

	var cliErr *CLIError
	if errors.As(err, &cliErr) {
		cmd.PrintErrln("Error:", cliErr.Message)
		if cliErr.Cause != nil && IsVerbose() {
			cmd.PrintErrln("Cause:", cliErr.Cause)
		}
		return cliErr.Code
	}

	cmd.PrintErrln("Error:", err)
	return ExitCode(err)
}

// ExitCode maps an error from the control plane to an exit code.
func ExitCode(err error) int {
	switch types.CodeOf(err) {
	case types.COMPILATION_FAILED:
		return ExitCompileError
	case types.CONFIG_LOAD_FAILED, types.CONFIG_VALIDATION_FAILED:
		return ExitConfigError
	case types.DB_OPEN_FAILED, types.DB_MIGRATION_FAILED, types.DB_QUERY_FAILED:
		return ExitDatabaseError
	case types.NOT_FOUND:
		return ExitNotFound
	case types.INVALID_TRANSITION, types.STALE_SPEC_VERSION, types.CONCURRENCY_CONFLICT, types.WORKER_NOT_ASSIGNED:
		return ExitRejected
	case types.INVALID_ARGUMENT:
		return ExitUsageError
	}
	if st, ok := status.FromError(err); ok && st.Code() == codes.Unavailable {
		return ExitDaemonError
	}
	return ExitError
}

// IsVerbose reports whether verbose output was requested, before flags are
// parsed.
func IsVerbose() bool {
	if os.Getenv("STRATAGEM_VERBOSE") != "" {
		return true
	}
	for _, arg := range os.Args {
		if arg == "-v" || arg == "--verbose" {
			return true
		}
	}
	return false
}
