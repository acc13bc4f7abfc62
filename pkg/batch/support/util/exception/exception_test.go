package exception_test

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/tigerroll/ferry/pkg/batch/support/util/exception"

	"github.com/stretchr/testify/assert"
)

// Custom error type for testing reflection and type matching
type CustomError struct {
	Msg string
}

func (e *CustomError) Error() string {
	return fmt.Sprintf("CustomError: %s", e.Msg)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "read tcp: deadline" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestNewBatchError(t *testing.T) {
	originalErr := errors.New("db connection refused")
	be := exception.NewBatchError("db", "failed to connect", originalErr, exception.KindTransient)

	assert.Equal(t, "db", be.Module)
	assert.Equal(t, "failed to connect", be.Message)
	assert.Equal(t, originalErr, be.Unwrap())
	assert.True(t, be.IsRetryable())
	assert.Contains(t, be.Error(), "[db] failed to connect: db connection refused")
	assert.NotEmpty(t, be.StackTrace)
}

func TestNewBatchErrorf(t *testing.T) {
	// Case 1: Only message args
	be1 := exception.NewBatchErrorf("reader", exception.KindPermanent, "item %d not found", 10)
	assert.False(t, be1.IsRetryable())
	assert.Nil(t, be1.Unwrap())
	assert.Equal(t, "[reader] item 10 not found", be1.Error())

	// Case 2: Trailing error becomes the cause
	cause := errors.New("io error")
	be2 := exception.NewBatchErrorf("io", exception.KindTransient, "read of %s failed", "chunk-3", cause)
	assert.True(t, be2.IsRetryable())
	assert.Equal(t, cause, be2.Unwrap())
	assert.Equal(t, "read of chunk-3 failed", be2.Message)
	assert.Contains(t, be2.Error(), "io error")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want exception.ErrorKind
	}{
		{"batch error kind wins", exception.NewBatchError("x", "y", context.Canceled, exception.KindFatal), exception.KindFatal},
		{"wrapped batch error", fmt.Errorf("outer: %w", exception.NewBatchError("x", "y", nil, exception.KindTransient)), exception.KindTransient},
		{"context canceled", context.Canceled, exception.KindCancellation},
		{"stop requested", fmt.Errorf("chunk 3: %w", exception.ErrStopRequested), exception.KindCancellation},
		{"payload contract", exception.ErrPayloadContract, exception.KindFatal},
		{"claim race", fmt.Errorf("req-1: %w", exception.ErrClaimRace), exception.KindFatal},
		{"job not found", exception.ErrJobNotFound, exception.KindFatal},
		{"unknown frequency", exception.ErrUnknownFrequency, exception.KindFatal},
		{"deadline exceeded", context.DeadlineExceeded, exception.KindTransient},
		{"bad conn", driver.ErrBadConn, exception.KindTransient},
		{"net timeout", timeoutError{}, exception.KindTransient},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("refused")}, exception.KindTransient},
		{"deadlock message", errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), exception.KindTransient},
		{"lock wait message", errors.New("Error 1205: Lock wait timeout exceeded"), exception.KindTransient},
		{"constraint violation", errors.New("duplicate key value violates unique constraint"), exception.KindPermanent},
		{"syntax error", errors.New("syntax error at or near SELEC"), exception.KindPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exception.Classify(tt.err))
		})
	}
}

func TestKindHelpers(t *testing.T) {
	assert.True(t, exception.IsTemporary(driver.ErrBadConn))
	assert.False(t, exception.IsTemporary(nil))
	assert.True(t, exception.IsFatal(exception.ErrJobNotFound))
	assert.True(t, exception.IsCancellation(context.Canceled))

	wrapped := exception.Permanent("chunk", errors.New("connection reset by peer"))
	assert.Equal(t, exception.KindPermanent, exception.Classify(wrapped), "explicit kind overrides message markers")
	assert.Equal(t, "connection reset by peer", wrapped.Message)

	assert.Equal(t, "TRANSIENT", exception.KindTransient.String())
	assert.Equal(t, "CANCELLATION", exception.KindCancellation.String())
}

func TestIsErrorOfType(t *testing.T) {
	// Test with registered sentinel errors
	assert.True(t, exception.IsErrorOfType(context.DeadlineExceeded, "context.DeadlineExceeded"))
	assert.True(t, exception.IsErrorOfType(fmt.Errorf("wrapped: %w", exception.ErrClaimRace), "ErrClaimRace"))

	// Test with message substring
	err := errors.New("this is a test error message")
	assert.True(t, exception.IsErrorOfType(err, "test error"))
	assert.False(t, exception.IsErrorOfType(err, "another error"))

	// Test with custom error type name
	customErr := &CustomError{Msg: "a custom failure"}
	assert.True(t, exception.IsErrorOfType(customErr, "*exception_test.CustomError"))
	assert.True(t, exception.IsErrorOfType(customErr, "exception_test.CustomError"))

	// Test with wrapped custom error
	wrappedCustomErr := fmt.Errorf("wrapped: %w", customErr)
	assert.True(t, exception.IsErrorOfType(wrappedCustomErr, "*exception_test.CustomError"))

	assert.False(t, exception.IsErrorOfType(nil, "any"))
}

func TestRegisterErrorType(t *testing.T) {
	sentinel := errors.New("custom sentinel")
	exception.RegisterErrorType("CustomSentinel", sentinel)
	assert.True(t, exception.IsErrorTypeRegistered("CustomSentinel"))
	assert.True(t, exception.IsErrorOfType(fmt.Errorf("x: %w", sentinel), "CustomSentinel"))

	assert.Panics(t, func() { exception.RegisterErrorType("", sentinel) })
	assert.Panics(t, func() { exception.RegisterErrorType("Nil", nil) })
}

func TestOptimisticLockingFailure(t *testing.T) {
	err := exception.NewOptimisticLockingFailureException("queue", "claim lost", errors.New("0 rows"))
	assert.True(t, exception.IsOptimisticLockingFailure(err))
	assert.True(t, exception.IsErrorOfType(err, exception.OptimisticLockingFailureException))
	assert.Equal(t, "queue", exception.ExtractModule(err))
	assert.Equal(t, "claim lost", exception.ExtractErrorMessage(err))
	assert.False(t, exception.IsOptimisticLockingFailure(errors.New("other")))
}

type vendorError struct{ code int }

func (e *vendorError) Error() string { return fmt.Sprintf("vendor error %d", e.code) }

func TestRegisterTransientDetector(t *testing.T) {
	assert.Equal(t, exception.KindPermanent, exception.Classify(&vendorError{code: 4711}))

	exception.RegisterTransientDetector(func(err error) bool {
		var ve *vendorError
		return errors.As(err, &ve) && ve.code == 4711
	})

	assert.Equal(t, exception.KindTransient, exception.Classify(fmt.Errorf("load: %w", &vendorError{code: 4711})))
	assert.Equal(t, exception.KindPermanent, exception.Classify(&vendorError{code: 1}))
}
