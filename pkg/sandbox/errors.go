package sandbox

import (
	"fmt"
	"time"
)

// ImportError reports an import specifier rejected before evaluation, or a
// module that could not be preloaded.
type ImportError struct {
	Specifier string
	Reason    string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("import %q rejected: %s", e.Specifier, e.Reason)
}

// ExecutionError carries the error raised by a script, either thrown
// synchronously or as the rejection reason of its returned promise.
type ExecutionError struct {
	Message string
	Stack   string
}

func (e *ExecutionError) Error() string {
	return "script execution failed: " + e.Message
}

// TimeoutError is returned when an invocation does not settle within its budget.
type TimeoutError struct {
	Budget time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("script execution timed out after %s", e.Budget)
}
