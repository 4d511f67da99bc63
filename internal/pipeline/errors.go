package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ServiceError is a fatal adapter failure: the upstream service is
// unreachable or returned output the adapter could not use. The controller
// never retries a ServiceError; the task fails immediately.
type ServiceError struct {
	Service string
	Err     error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s service: %v", e.Service, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// NewServiceError wraps err as a fatal failure of the named service.
func NewServiceError(service string, err error) *ServiceError {
	return &ServiceError{Service: service, Err: err}
}

// ToolError is a transient tool-process failure (crash, timeout). The
// controller retries it until the relevant budget is exhausted.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("%s tool: %v", e.Tool, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// NewToolError wraps err as a transient failure of the named tool.
func NewToolError(tool string, err error) *ToolError {
	return &ToolError{Tool: tool, Err: err}
}

// IsTransient reports whether err should consume retry budget rather than
// fail the task outright.
func IsTransient(err error) bool {
	var te *ToolError
	return errors.As(err, &te)
}

// IsCancelled reports whether err stems from task cancellation rather than
// an adapter problem.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled)
}
