// Package exception provides the error types and classification used by ferry.
// Every error raised by the engine is classified into one of four kinds (transient,
// permanent, fatal, cancellation), which drives retry, chunk failure and run status decisions.
package exception

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// ErrorKind is the classification of an error.
type ErrorKind int

const (
	// KindPermanent errors (schema, type, constraint, syntax) fail the current chunk without retry.
	KindPermanent ErrorKind = iota
	// KindTransient errors (network, lock, timeout) are retried with backoff.
	KindTransient
	// KindFatal errors abort the whole run.
	KindFatal
	// KindCancellation marks an external stop. It is not a failure.
	KindCancellation
)

// String returns the name of the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "TRANSIENT"
	case KindPermanent:
		return "PERMANENT"
	case KindFatal:
		return "FATAL"
	case KindCancellation:
		return "CANCELLATION"
	}
	return "UNKNOWN"
}

// errorRegistry maps configured error names to sentinel error instances for errors.Is comparison.
var errorRegistry = make(map[string]error)

// registryMutex protects access to errorRegistry.
var registryMutex sync.RWMutex

// RegisterErrorType registers a named error prototype so configuration can refer to it
// (for example in `batch.retry.retryable_errors`).
// It panics when name is empty or prototype is nil.
func RegisterErrorType(name string, prototype error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if name == "" {
		panic("Error type name cannot be empty")
	}
	if prototype == nil {
		panic(fmt.Sprintf("Cannot register nil prototype for name: %s", name))
	}

	errorRegistry[name] = prototype
}

// IsErrorTypeRegistered reports whether name is present in the registry.
func IsErrorTypeRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, ok := errorRegistry[name]
	return ok
}

// BatchError is the error type raised by ferry components.
// It records the component that raised it, a short message, the wrapped cause and its kind.
type BatchError struct {
	// Module is the component that raised the error (e.g., "engine", "queue", "chunk").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped cause.
	OriginalErr error
	// Kind is the classification of this error.
	Kind ErrorKind
	// StackTrace is captured at construction for debugging.
	StackTrace string
}

func captureStack() string {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// NewBatchError creates a new BatchError of the given kind.
func NewBatchError(module, message string, originalErr error, kind ErrorKind) *BatchError {
	return &BatchError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		Kind:        kind,
		StackTrace:  captureStack(),
	}
}

// NewBatchErrorf creates a new BatchError using a format string.
// When the last argument is an error it becomes the wrapped cause and is not used for formatting.
//
// Example:
//
//	NewBatchErrorf("queue", exception.KindTransient, "claim of %s failed", id, err)
func NewBatchErrorf(module string, kind ErrorKind, format string, a ...interface{}) *BatchError {
	var originalErr error
	args := a
	if len(args) > 0 {
		if err, ok := args[len(args)-1].(error); ok {
			originalErr = err
			args = args[:len(args)-1]
		}
	}
	return &BatchError{
		Module:      module,
		Message:     fmt.Sprintf(format, args...),
		OriginalErr: originalErr,
		Kind:        kind,
		StackTrace:  captureStack(),
	}
}

// Error implements the error interface.
func (e *BatchError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *BatchError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable reports whether the error is transient.
func (e *BatchError) IsRetryable() bool {
	return e.Kind == KindTransient
}

// IsBatchError reports whether err is, or wraps, a BatchError.
func IsBatchError(err error) bool {
	var be *BatchError
	return errors.As(err, &be)
}

// IsErrorOfType checks whether err matches a configured error name.
// It tries, in order: registered sentinels with errors.Is, a substring of any message in the
// chain, and the Go type name of any error in the chain (e.g., "*net.OpError").
func IsErrorOfType(err error, errorTypeName string) bool {
	if err == nil {
		return false
	}

	registryMutex.RLock()
	targetError, ok := errorRegistry[errorTypeName]
	registryMutex.RUnlock()

	if ok && errors.Is(err, targetError) {
		return true
	}

	for currentErr := err; currentErr != nil; currentErr = errors.Unwrap(currentErr) {
		if strings.Contains(currentErr.Error(), errorTypeName) {
			return true
		}
		errType := reflect.TypeOf(currentErr)
		if errType != nil {
			if errType.String() == errorTypeName || (errType.Kind() == reflect.Ptr && errType.Elem().String() == errorTypeName) {
				return true
			}
		}
	}
	return false
}

// OptimisticLockingFailureException is the registry name of ErrOptimisticLockingFailure.
const OptimisticLockingFailureException = "OptimisticLockingFailureException"

// ErrOptimisticLockingFailure signals that a conditional update matched no row.
var ErrOptimisticLockingFailure = errors.New(OptimisticLockingFailureException)

// NewOptimisticLockingFailureException wraps ErrOptimisticLockingFailure in a permanent BatchError.
func NewOptimisticLockingFailureException(module, message string, originalErr error) *BatchError {
	errToWrap := ErrOptimisticLockingFailure
	if originalErr != nil {
		errToWrap = errors.Join(ErrOptimisticLockingFailure, originalErr)
	}
	return NewBatchError(module, message, errToWrap, KindPermanent)
}

// IsOptimisticLockingFailure reports whether err wraps ErrOptimisticLockingFailure.
func IsOptimisticLockingFailure(err error) bool {
	return err != nil && errors.Is(err, ErrOptimisticLockingFailure)
}

// ExtractErrorMessage returns the Message of a BatchError, or err.Error() otherwise.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var be *BatchError
	if errors.As(err, &be) {
		return be.Message
	}
	return err.Error()
}

// ExtractModule returns the Module of the outermost BatchError in the chain, or "".
func ExtractModule(err error) string {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Module
	}
	return ""
}

func init() {
	RegisterErrorType(OptimisticLockingFailureException, ErrOptimisticLockingFailure)
	RegisterErrorType("context.DeadlineExceeded", context.DeadlineExceeded)
	RegisterErrorType("context.Canceled", context.Canceled)
	RegisterErrorType("sql.ErrNoRows", sql.ErrNoRows)
	RegisterErrorType("sql.ErrConnDone", sql.ErrConnDone)
	RegisterErrorType("net.OpError", errors.New("net.OpError"))

	RegisterErrorType("ErrStopRequested", ErrStopRequested)
	RegisterErrorType("ErrPayloadContract", ErrPayloadContract)
	RegisterErrorType("ErrClaimRace", ErrClaimRace)
	RegisterErrorType("ErrJobNotFound", ErrJobNotFound)
	RegisterErrorType("ErrUnknownFrequency", ErrUnknownFrequency)
}
