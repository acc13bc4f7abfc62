package exception

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"sync"
)

var (
	// ErrStopRequested is raised when a run observes an external STOP at a chunk boundary.
	ErrStopRequested = errors.New("stop requested")
	// ErrPayloadContract is raised when a payload returns inconsistent counts or misbehaves.
	ErrPayloadContract = errors.New("payload contract violation")
	// ErrClaimRace is raised when a claimed request turns out to be owned by someone else.
	ErrClaimRace = errors.New("claim race detected")
	// ErrJobNotFound is raised when a request names a job key with no definition or payload.
	ErrJobNotFound = errors.New("job definition not found")
	// ErrUnknownFrequency is raised for schedule definitions with an unsupported frequency code.
	ErrUnknownFrequency = errors.New("unknown frequency code")
)

// transientMarkers are message fragments produced by the supported drivers for conditions
// that usually clear on their own.
var transientMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"i/o timeout",
	"timeout",
	"deadlock",
	"lock wait timeout",
	"could not serialize access",
	"too many connections",
	"server closed the connection",
	"bad connection",
	"database is locked",
	"unexpected eof",
}

var (
	detectorsMu        sync.RWMutex
	transientDetectors []func(error) bool
)

// RegisterTransientDetector adds a driver-specific check (e.g., on SQLSTATE or vendor error
// numbers) consulted by Classify before message markers. Dialect packages call it from init.
func RegisterTransientDetector(detect func(error) bool) {
	detectorsMu.Lock()
	defer detectorsMu.Unlock()
	transientDetectors = append(transientDetectors, detect)
}

func detectTransient(err error) bool {
	detectorsMu.RLock()
	defer detectorsMu.RUnlock()
	for _, detect := range transientDetectors {
		if detect(err) {
			return true
		}
	}
	return false
}

// Classify returns the ErrorKind of err.
//
// A BatchError anywhere in the chain decides the kind. Otherwise cancellation sentinels,
// fatal sentinels and transient driver conditions are recognised, and anything else is permanent.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindPermanent
	}

	var be *BatchError
	if errors.As(err, &be) {
		return be.Kind
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrStopRequested):
		return KindCancellation
	case errors.Is(err, ErrPayloadContract), errors.Is(err, ErrClaimRace),
		errors.Is(err, ErrJobNotFound), errors.Is(err, ErrUnknownFrequency):
		return KindFatal
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, driver.ErrBadConn):
		return KindTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}

	if detectTransient(err) {
		return KindTransient
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	return KindPermanent
}

// IsTemporary reports whether err is transient.
func IsTemporary(err error) bool {
	return err != nil && Classify(err) == KindTransient
}

// IsFatal reports whether err aborts a whole run.
func IsFatal(err error) bool {
	return err != nil && Classify(err) == KindFatal
}

// IsCancellation reports whether err represents an external stop.
func IsCancellation(err error) bool {
	return err != nil && Classify(err) == KindCancellation
}

// Transient wraps err as a transient BatchError.
func Transient(module string, err error) *BatchError {
	return NewBatchError(module, ExtractErrorMessage(err), err, KindTransient)
}

// Permanent wraps err as a permanent BatchError.
func Permanent(module string, err error) *BatchError {
	return NewBatchError(module, ExtractErrorMessage(err), err, KindPermanent)
}

// Fatal wraps err as a fatal BatchError.
func Fatal(module string, err error) *BatchError {
	return NewBatchError(module, ExtractErrorMessage(err), err, KindFatal)
}
