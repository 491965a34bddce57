package notify

import (
	"errors"
	"fmt"
)

// Kind classifies failures for alerting and HTTP mapping.
type Kind string

const (
	KindAuthentication        Kind = "authentication_failure"
	KindMalformedEvent        Kind = "malformed_event"
	KindResolution            Kind = "resolution_failure"
	KindFlowStep              Kind = "flow_step_failure"
	KindNotificationTransport Kind = "notification_transport_failure"
	KindUnexpected            Kind = "unexpected_error"
)

// Severity decides the alert icon.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

// Icon is the emoji prefix used in operator alerts.
func (s Severity) Icon() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	default:
		return "🚨"
	}
}

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	default:
		return "critical"
	}
}

// Error carries a classification through wrapped error chains. Silent errors
// are logged but never alerted.
type Error struct {
	Kind     Kind
	Severity Severity
	Op       string
	Silent   bool
	Err      error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, severity Severity, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Severity: severity, Op: op, Err: err}
}

// Silence marks err so NotifyError drops it.
func Silence(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Severity: SeverityInfo, Op: op, Silent: true, Err: err}
}

// Classify returns the kind and severity of err, defaulting to an
// unexpected critical failure.
func Classify(err error) (Kind, Severity, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, e.Severity, e.Silent
	}
	return KindUnexpected, SeverityCritical, false
}
