package controller

import "fmt"

// Error types recorded on the backend when the orchestrator errors a run.
const (
	ErrorTypeTask     = "TaskError"
	ErrorTypeGateway  = "OrchGatewayError"
	ErrorTypeWatchdog = "WatchdogTimeout"
)

// ValidationError marks caller mistakes: bad run state, unknown mode,
// missing protocol steps. The control API maps it to 400.
type ValidationError struct {
	Message string
}

func validationf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NotFoundError marks a missing run or pilot. The control API maps it to
// 404.
type NotFoundError struct {
	Message string
}

func notFoundf(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// GatewayError marks a transport failure while starting a run. The run has
// already been marked error on the backend by the time this is returned.
type GatewayError struct {
	Message string
	Err     error
}

func gatewayErrorf(err error, format string, args ...interface{}) *GatewayError {
	return &GatewayError{Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
