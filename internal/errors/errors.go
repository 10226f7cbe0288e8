// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard sentinel errors
var (
	ErrHardwareMismatch  = errors.New("model is bound to a different machine")
	ErrIntegrityFailure  = errors.New("model integrity check failed")
	ErrContainerNotFound = errors.New("model container not found")
	ErrContainerCorrupt  = errors.New("model container is corrupt")
	ErrDeserialization   = errors.New("model payload could not be deserialized")
	ErrPrediction        = errors.New("prediction failed")
	ErrInsufficientData  = errors.New("insufficient market data")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrOrderRejected     = errors.New("order rejected")
	ErrPositionNotFound  = errors.New("position not found")
	ErrConfigInvalid     = errors.New("invalid configuration")
	ErrInvalidSide       = errors.New("invalid order side")
	ErrInvalidModelID    = errors.New("invalid model id")
	ErrNoModelsLoaded    = errors.New("no models loaded")
	ErrAlreadyRunning    = errors.New("trader already running")
	ErrTimeout           = errors.New("operation timed out")
)

// ModelError represents a failure while handling a secured model.
type ModelError struct {
	ModelID string
	Op      string
	Err     error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model error [%s] %s: %v", e.ModelID, e.Op, e.Err)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError creates a new ModelError.
func NewModelError(modelID, op string, err error) *ModelError {
	return &ModelError{
		ModelID: modelID,
		Op:      op,
		Err:     err,
	}
}

// BrokerError represents an error from the broker API.
type BrokerError struct {
	Code    string
	Message string
	Err     error
}

func (e *BrokerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("broker error [%s]: %s", e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Err
}

// NewBrokerError creates a new BrokerError.
func NewBrokerError(code, message string, err error) *BrokerError {
	return &BrokerError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// OrderError represents an error related to order operations.
type OrderError struct {
	Ticket int64
	Symbol string
	Action string
	Reason string
	Err    error
}

func (e *OrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("order error [%d] %s %s: %s: %v", e.Ticket, e.Action, e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("order error [%d] %s %s: %s", e.Ticket, e.Action, e.Symbol, e.Reason)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

// NewOrderError creates a new OrderError.
func NewOrderError(ticket int64, symbol, action, reason string, err error) *OrderError {
	return &OrderError{
		Ticket: ticket,
		Symbol: symbol,
		Action: action,
		Reason: reason,
		Err:    err,
	}
}

// ValidationError represents a validation error. It matches ErrConfigInvalid.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrConfigInvalid
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// DataError represents a market data error.
type DataError struct {
	DataType string
	Symbol   string
	Message  string
	Err      error
}

func (e *DataError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("data error [%s] %s: %s: %v", e.DataType, e.Symbol, e.Message, e.Err)
	}
	return fmt.Sprintf("data error [%s] %s: %s", e.DataType, e.Symbol, e.Message)
}

func (e *DataError) Unwrap() error {
	return e.Err
}

// NewDataError creates a new DataError.
func NewDataError(dataType, symbol, message string, err error) *DataError {
	return &DataError{
		DataType: dataType,
		Symbol:   symbol,
		Message:  message,
		Err:      err,
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
