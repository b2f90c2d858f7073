package common

import (
	"errors"
	"fmt"
)

// MalformedOperatorError is returned when a query prefix does not match any
// declared qualifier combination. It is user-facing and never retried.
type MalformedOperatorError struct {
	Query  string
	Reason string
}

func (e *MalformedOperatorError) Error() string {
	return fmt.Sprintf("malformed operator %q: %s", e.Query, e.Reason)
}

// AdapterFailure is a transient failure of an external lookup. The executor
// records it on the slot; retrying is left to whoever started the
// investigation.
type AdapterFailure struct {
	Handler string
	Err     error
}

func (e *AdapterFailure) Error() string {
	return fmt.Sprintf("adapter %s failed: %v", e.Handler, e.Err)
}

func (e *AdapterFailure) Unwrap() error {
	return e.Err
}

// WallDetected signals a structural block (login, paywall, captcha). It is
// recorded and never retried automatically.
type WallDetected struct {
	Handler string
	Kind    string
}

func (e *WallDetected) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("adapter %s hit a wall", e.Handler)
	}
	return fmt.Sprintf("adapter %s hit a wall: %s", e.Handler, e.Kind)
}

// SchemaViolation means the rule tables and the data disagree, e.g. an edge
// between classes the relation does not allow. It fails the single operation
// and is escalated to the caller of the investigation.
type SchemaViolation struct {
	Code     string
	Relation string
	From     NodeClass
	To       NodeClass
	Detail   string
}

func (e *SchemaViolation) Error() string {
	return fmt.Sprintf(
		"schema violation: code=%s relation=%s from=%s to=%s: %s",
		e.Code, e.Relation, e.From, e.To, e.Detail,
	)
}

// UnknownFieldCode is recorded when an action result carries a code that the
// rule tables do not declare. The fact is dropped.
type UnknownFieldCode struct {
	Code    string
	Handler string
}

func (e *UnknownFieldCode) Error() string {
	return fmt.Sprintf("unknown field code %q from %s", e.Code, e.Handler)
}

// IsRetryable reports whether err is a transient adapter failure that may be
// retried by the caller.
func IsRetryable(err error) bool {
	var wall *WallDetected
	if errors.As(err, &wall) {
		return false
	}
	var failure *AdapterFailure
	return errors.As(err, &failure)
}

// IsSchemaViolation reports whether err is or wraps a SchemaViolation.
func IsSchemaViolation(err error) bool {
	var sv *SchemaViolation
	return errors.As(err, &sv)
}
