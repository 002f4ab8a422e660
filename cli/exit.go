package cli

import (
	"errors"
	"fmt"

	"github.com/petal-labs/nlweb-mcp/dispatch"
	"github.com/petal-labs/nlweb-mcp/page"
)

// Process exit codes.
const (
	exitSuccess    = 0
	exitValidation = 1
	exitRuntime    = 2
	exitNotFound   = 3
)

// ExitError is an error that carries a specific process exit code.
// Cobra's RunE returns this to signal the desired exit code to main.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// exitError creates a new ExitError with the given code and formatted message.
func exitError(code int, format string, args ...any) *ExitError {
	return &ExitError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// storeExitCode picks the exit code for a page store failure.
func storeExitCode(err error) int {
	switch {
	case errors.Is(err, page.ErrNotFound):
		return exitNotFound
	case errors.Is(err, page.ErrDuplicateURL), errors.Is(err, page.ErrInvalidInput):
		return exitValidation
	default:
		return exitRuntime
	}
}

// toolExitCode picks the exit code for a failed tool call.
func toolExitCode(code string) int {
	switch code {
	case dispatch.ErrorCodeNotFound:
		return exitNotFound
	case dispatch.ErrorCodeValidationFault, dispatch.ErrorCodeDuplicateKey, dispatch.ErrorCodeUnknownTool:
		return exitValidation
	default:
		return exitRuntime
	}
}
