// Package errors provides the structured error kinds of the control engine
// and the classification of raw network failures into action outcomes.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/oceanpark/oceanctl/internal/models"
)

// Base error kinds
var (
	ErrConfig      = errors.New("invalid configuration")
	ErrValidation  = errors.New("validation failed")
	ErrUnreachable = errors.New("device unreachable")
	ErrTimeout     = errors.New("timeout")
	ErrProtocol    = errors.New("protocol error")
	ErrCancelled   = errors.New("cancelled")
	ErrBusy        = errors.New("engine busy")
	ErrPersistence = errors.New("persistence failure")
	ErrNotFound    = errors.New("not found")
)

// Kind categorizes a ControlError.
type Kind string

const (
	KindConfig      Kind = "config"
	KindValidation  Kind = "validation"
	KindUnreachable Kind = "unreachable"
	KindTimeout     Kind = "timeout"
	KindProtocol    Kind = "protocol"
	KindCancelled   Kind = "cancelled"
	KindBusy        Kind = "busy"
	KindPersistence Kind = "persistence"
	KindNotFound    Kind = "not_found"
)

// ControlError is a structured error for engine operations.
type ControlError struct {
	Kind      Kind
	Op        string // operation that failed, e.g. "telnet.power_on"
	DeviceID  string // device involved, if any
	Err       error
	Timestamp time.Time
	// Permanent marks errors the retry executor must not retry, such as a
	// wake request for a device with no configured MAC.
	Permanent bool
}

func (e *ControlError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *ControlError) Unwrap() error {
	return e.Err
}

// Is maps error kinds onto the package base errors.
func (e *ControlError) Is(target error) bool {
	switch target {
	case ErrConfig:
		return e.Kind == KindConfig
	case ErrValidation:
		return e.Kind == KindValidation
	case ErrUnreachable:
		return e.Kind == KindUnreachable
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrProtocol:
		return e.Kind == KindProtocol
	case ErrCancelled:
		return e.Kind == KindCancelled
	case ErrBusy:
		return e.Kind == KindBusy
	case ErrPersistence:
		return e.Kind == KindPersistence
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return errors.Is(e.Err, target)
}

// New creates a ControlError.
func New(kind Kind, op string, err error) *ControlError {
	return &ControlError{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// Newf creates a ControlError from a format string.
func Newf(kind Kind, op string, format string, args ...any) *ControlError {
	return New(kind, op, fmt.Errorf(format, args...))
}

// WithDevice attaches the device id to the error.
func (e *ControlError) WithDevice(id string) *ControlError {
	e.DeviceID = id
	return e
}

// AsPermanent marks the error non-retriable.
func (e *ControlError) AsPermanent() *ControlError {
	e.Permanent = true
	return e
}

// IsPermanent reports whether err carries the non-retriable marker.
func IsPermanent(err error) bool {
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce.Permanent
	}
	return false
}

// Outcome maps an error to the ActionRecord outcome it represents.
// nil maps to SUCCESS.
func Outcome(err error) models.Outcome {
	if err == nil {
		return models.OutcomeSuccess
	}
	var ce *ControlError
	if errors.As(err, &ce) {
		switch ce.Kind {
		case KindUnreachable:
			return models.OutcomeUnreachable
		case KindTimeout:
			return models.OutcomeTimeout
		case KindProtocol:
			return models.OutcomeProtocolError
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.OutcomeTimeout
	}
	return models.OutcomeFail
}

// Classify turns a raw network error into a ControlError with the kind the
// failure mapping of the adapters demands: connect refused or no route ->
// unreachable, deadline exceeded -> timeout, everything else -> protocol.
func Classify(op string, err error) *ControlError {
	if err == nil {
		return nil
	}
	var ce *ControlError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, context.Canceled):
		return New(KindCancelled, op, err)
	case isTimeout(err):
		return New(KindTimeout, op, err)
	case isUnreachable(err):
		return New(KindUnreachable, op, err)
	default:
		return New(KindProtocol, op, err)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	return false
}
