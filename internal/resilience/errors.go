package resilience

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind classifies a failure for retry and recovery decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindPermanent
	KindResource
	KindToolFailure
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindResource:
		return "resource"
	case KindToolFailure:
		return "tool_failure"
	case KindStorageUnavailable:
		return "storage_unavailable"
	default:
		return "unknown"
	}
}

type markedError struct {
	kind Kind
	err  error
}

func (e *markedError) Error() string { return e.err.Error() }
func (e *markedError) Unwrap() error { return e.err }

// Transient marks err as safe to retry.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{kind: KindTransient, err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{kind: KindPermanent, err: err}
}

// StorageUnavailable marks err as a persistence outage. Callers degrade to
// in-memory operation instead of failing.
func StorageUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return &markedError{kind: KindStorageUnavailable, err: err}
}

// ToolError records a failed tool invocation.
type ToolError struct {
	Tool string
	Err  error
}

func (e *ToolError) Error() string { return fmt.Sprintf("tool %s: %v", e.Tool, e.Err) }
func (e *ToolError) Unwrap() error { return e.Err }

// Classify inspects err and its chain. Explicit marks win over inference.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var m *markedError
	if errors.As(err, &m) {
		return m.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindPermanent
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if isNetworkError(err) {
		return KindTransient
	}
	if k := classifyMessage(err.Error()); k != KindUnknown {
		return k
	}

	var te *ToolError
	if errors.As(err, &te) {
		return KindToolFailure
	}
	return KindUnknown
}

// IsTransient reports whether err is classified as transient.
func IsTransient(err error) bool { return Classify(err) == KindTransient }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return Classify(err) == KindPermanent }

// IsNetworkError reports whether err comes from the network stack.
func IsNetworkError(err error) bool { return isNetworkError(err) }

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	switch {
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, syscall.EAGAIN):
		return true
	}
	return false
}

var (
	transientPatterns = []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"too many requests",
		"rate limit",
		"status 429",
		"status 502",
		"status 503",
		"status 504",
		"database is locked",
	}
	resourcePatterns = []string{
		"out of memory",
		"cannot allocate memory",
		"no space left",
		"too many open files",
	}
)

func classifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)
	for _, p := range resourcePatterns {
		if strings.Contains(msg, p) {
			return KindResource
		}
	}
	for _, p := range transientPatterns {
		if strings.Contains(msg, p) {
			return KindTransient
		}
	}
	return KindUnknown
}
