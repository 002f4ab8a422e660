package dispatch

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/nlweb-mcp/page"
)

const (
	// ErrorCodeDuplicateKey is returned when a page url is already registered.
	ErrorCodeDuplicateKey = "DUPLICATE_KEY"
	// ErrorCodeNotFound is returned when the addressed page does not exist.
	ErrorCodeNotFound = "NOT_FOUND"
	// ErrorCodeStorageFault is returned when the storage medium fails.
	ErrorCodeStorageFault = "STORAGE_FAULT"
	// ErrorCodeValidationFault is returned for malformed tool arguments.
	ErrorCodeValidationFault = "VALIDATION_FAULT"
	// ErrorCodeUpstreamFailure is returned when a page endpoint cannot be asked.
	ErrorCodeUpstreamFailure = "UPSTREAM_FAILURE"
	// ErrorCodeUnknownTool is returned for tool names nobody registered.
	ErrorCodeUnknownTool = "UNKNOWN_TOOL"
)

// ToolError is a tool failure with a machine-readable code. Message is the
// text shown to the caller after "Error: ".
type ToolError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	if code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newToolError(code, message string, cause error) *ToolError {
	msg := strings.TrimSpace(message)
	if msg == "" && cause != nil {
		msg = cause.Error()
	}
	return &ToolError{Code: code, Message: msg, Cause: cause}
}

func invalidArgument(field, reason string) *ToolError {
	return newToolError(ErrorCodeValidationFault, fmt.Sprintf("invalid arguments: %s: %s", field, reason), nil)
}

func unknownTool(name string) *ToolError {
	return newToolError(ErrorCodeUnknownTool, "Unknown tool: "+name, nil)
}

func pageNotFound(id int64) *ToolError {
	return newToolError(ErrorCodeNotFound, fmt.Sprintf("Page with ID %d not found", id), page.ErrNotFound)
}

// storeError maps a page store failure onto the tool taxonomy. id and url
// identify the page the call addressed and appear in user-facing messages.
func storeError(err error, id int64, url string) *ToolError {
	var toolErr *ToolError
	switch {
	case errors.As(err, &toolErr):
		return toolErr
	case errors.Is(err, page.ErrDuplicateURL):
		return newToolError(ErrorCodeDuplicateKey, fmt.Sprintf("Page with URL %s already exists", url), err)
	case errors.Is(err, page.ErrNotFound):
		return newToolError(ErrorCodeNotFound, fmt.Sprintf("Page with ID %d not found", id), err)
	case errors.Is(err, page.ErrInvalidInput):
		return newToolError(ErrorCodeValidationFault, err.Error(), err)
	default:
		return newToolError(ErrorCodeStorageFault, err.Error(), err)
	}
}

// AsToolError converts any error into a ToolError, defaulting to a storage
// fault for errors without a known classification.
func AsToolError(err error) *ToolError {
	if err == nil {
		return nil
	}
	return storeError(err, 0, "")
}
