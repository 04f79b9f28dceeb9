package sandbox

import "fmt"

// Code identifies a sandbox failure.
type Code string

const (
	CodeTimeout       Code = "sandbox.timeout"
	CodeExecFailed    Code = "sandbox.exec_failed"
	CodeInvalidOutput Code = "sandbox.invalid_output"
	CodeLaunchFailed  Code = "sandbox.launch_failed"
)

// Error is a tagged sandbox failure. Details may hold raw stderr or stdout
// and are meant for operators, not end users.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Public returns a message that is safe to show to users.
func (e *Error) Public() string {
	switch e.Code {
	case CodeTimeout:
		return "Plugin execution timed out"
	case CodeExecFailed:
		return "Plugin execution failed"
	case CodeInvalidOutput:
		return "Plugin returned invalid output"
	default:
		return "Plugin could not be started"
	}
}

func newError(code Code, msg string, details map[string]any) *Error {
	return &Error{Code: code, Message: msg, Details: details}
}
