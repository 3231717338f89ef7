package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error by how the engine reacts to it.
type Category string

const (
	// CategoryDefinition marks a malformed plan. Fatal, never retried.
	CategoryDefinition Category = "DEFINITION"

	// CategoryExecution marks a stage failure. Retried per policy, then dead-lettered.
	CategoryExecution Category = "EXECUTION"

	// CategoryTransport marks a status publication failure. Logged only.
	CategoryTransport Category = "TRANSPORT"

	// CategoryInternal marks an unexpected engine failure.
	CategoryInternal Category = "INTERNAL"
)

var (
	// ErrEmptyPlan indicates that a workflow has no processors to plan
	ErrEmptyPlan = errors.New("no processors to plan")

	// ErrCycle indicates that the processor dependency graph is not acyclic
	ErrCycle = errors.New("processor dependency graph contains a cycle")

	// ErrMultipleInputs indicates that a starting processor declares more than one input
	ErrMultipleInputs = errors.New("starting processor declares more than one input")

	// ErrMissingInput indicates that a starting processor declares no input
	ErrMissingInput = errors.New("starting processor declares no input")

	// ErrNoStartingProcessor indicates that nothing in the plan reads from an external source
	ErrNoStartingProcessor = errors.New("run plan has no starting processor")

	// ErrUnknownProcessor indicates that an input references a processor that is not in the plan
	ErrUnknownProcessor = errors.New("input references an unknown processor")

	// ErrDuplicateProcessor indicates that two definitions share an id
	ErrDuplicateProcessor = errors.New("duplicate processor id")

	// ErrNoOutput indicates that a starting processor has no dependents
	ErrNoOutput = errors.New("starting processor has no outputs")

	// ErrUnsupportedProcessorType indicates a processor kind the engine cannot run in that position
	ErrUnsupportedProcessorType = errors.New("unsupported processor type")

	// ErrUnsupportedSourceType indicates an ingest source kind with no adapter
	ErrUnsupportedSourceType = errors.New("unsupported source type")

	// ErrUnsupportedDestinationType indicates a collector destination with no writer
	ErrUnsupportedDestinationType = errors.New("unsupported destination type")

	// ErrMissingBucket indicates an S3 source without a bucket property
	ErrMissingBucket = errors.New("bucket must be specified for S3 ingest")

	// ErrMissingKeyPrefix indicates an S3 source without a key prefix
	ErrMissingKeyPrefix = errors.New("no S3 key prefix provided")

	// ErrMissingServiceName indicates a service-backed processor without a service to call
	ErrMissingServiceName = errors.New("no service name provided")

	// ErrScriptExecution indicates a script processor failure
	ErrScriptExecution = errors.New("script execution failed")

	// ErrExternalCall indicates a failed call to an external processing service
	ErrExternalCall = errors.New("external service call failed")

	// ErrCircuitOpen indicates that a call was short-circuited by an open breaker
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrCollect indicates a collector failure
	ErrCollect = errors.New("collection failed")

	// ErrRunPlanNotFound indicates that no run plan matches the lookup
	ErrRunPlanNotFound = errors.New("run plan not found")

	// ErrNotConnected indicates that the client is not connected to NATS
	ErrNotConnected = errors.New("not connected to NATS")

	// ErrInvalidSubject indicates that the provided subject is invalid
	ErrInvalidSubject = errors.New("invalid subject")

	// ErrInvalidMessage indicates that the message is invalid
	ErrInvalidMessage = errors.New("invalid message")

	// ErrTimeout indicates that an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrPublishFailed indicates that a message could not be published
	ErrPublishFailed = errors.New("publish failed")

	// ErrSubscriptionFailed indicates that a subscription could not be created
	ErrSubscriptionFailed = errors.New("subscription failed")
)

// Error represents a structured engine error
type Error struct {
	// Category drives retry and reporting behaviour
	Category Category

	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(category Category, code, message string, err error) *Error {
	return &Error{
		Category: category,
		Code:     code,
		Message:  message,
		Err:      err,
	}
}

// NewDefinitionError creates an error for a malformed plan
func NewDefinitionError(code, message string, err error) *Error {
	return NewError(CategoryDefinition, code, message, err)
}

// NewExecutionError creates an error for a failed stage
func NewExecutionError(code, message string, err error) *Error {
	return NewError(CategoryExecution, code, message, err)
}

// NewTransportError creates an error for a failed publication
func NewTransportError(code, message string, err error) *Error {
	return NewError(CategoryTransport, code, message, err)
}

// NewInternalError creates an error for an unexpected failure
func NewInternalError(code, message string, err error) *Error {
	return NewError(CategoryInternal, code, message, err)
}

// NewValidationError creates a definition error for invalid input to an API
func NewValidationError(code, message string, err error) *Error {
	return NewError(CategoryDefinition, code, message, err)
}

// CategoryOf returns the category of the first structured error in the chain.
// Errors without one are treated as execution errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) && e.Category != "" {
		return e.Category
	}
	return CategoryExecution
}

// IsDefinition checks if an error describes a malformed plan
func IsDefinition(err error) bool {
	return err != nil && CategoryOf(err) == CategoryDefinition
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// IsNotConnected checks if an error is a not connected error
func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
