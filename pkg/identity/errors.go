package identity

import (
	"errors"
	"fmt"
)

// Class buckets directory and token-endpoint failures by how the workflow
// should react to them. Components retry only what they can locally classify
// as transient; everything else bubbles to the orchestrator, which aborts.
type Class string

const (
	// ClassConfiguration marks missing tenant or required parameters.
	// Fatal, no retry.
	ClassConfiguration Class = "configuration"

	// ClassAuthentication marks an absent or expired directory session.
	// Fatal; the operator must reauthenticate.
	ClassAuthentication Class = "authentication"

	// ClassTransient marks eventual-consistency gaps: invalid_client right
	// after secret creation, a principal not yet queryable, a role not yet
	// reflected in fresh tokens. Retried with bounded ceilings.
	ClassTransient Class = "transient"

	// ClassAlreadyExists marks a duplicate grant. Treated as success by the
	// permission grantor.
	ClassAlreadyExists Class = "already_exists"

	// ClassUnknownPermission marks a permission name absent from the role
	// catalog. Skipped with a warning, never fatal.
	ClassUnknownPermission Class = "unknown_permission"

	// ClassPermanent marks malformed requests, insufficient privilege, and
	// deleted resources. Fatal, propagated with stage context.
	ClassPermanent Class = "permanent"
)

// Error is the classified error type shared by the directory client, token
// service, and the components built on them.
type Error struct {
	Class    Class
	Stage    string
	Resource string
	Code     string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Stage != "" && e.Resource != "":
		return fmt.Sprintf("%s: %s (%s, resource %s)", e.Stage, msg, e.Class, e.Resource)
	case e.Stage != "":
		return fmt.Sprintf("%s: %s (%s)", e.Stage, msg, e.Class)
	case e.Code != "":
		return fmt.Sprintf("%s (%s: %s)", msg, e.Class, e.Code)
	default:
		return fmt.Sprintf("%s (%s)", msg, e.Class)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// WithStage returns a copy annotated with the workflow stage that failed.
func (e *Error) WithStage(stage string) *Error {
	clone := *e
	clone.Stage = stage
	return &clone
}

// ErrNotFound is returned by directory lookups when the object does not
// exist or is not yet visible tenant-wide.
var ErrNotFound = errors.New("object not found in directory")

// NewError builds a classified error wrapping cause.
func NewError(class Class, message string, cause error) *Error {
	return &Error{Class: class, Message: message, Err: cause}
}

func classOf(err error) (Class, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return "", false
}

// IsTransient reports whether err is classified as an eventual-consistency
// gap worth retrying.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassTransient
}

// IsAlreadyExists reports whether err marks a duplicate grant.
func IsAlreadyExists(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassAlreadyExists
}

// IsAuthentication reports whether err marks a lost directory session.
func IsAuthentication(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassAuthentication
}

// IsConfiguration reports whether err marks missing configuration.
func IsConfiguration(err error) bool {
	c, ok := classOf(err)
	return ok && c == ClassConfiguration
}

// IsInvalidClient reports whether err is the token endpoint's invalid_client
// rejection, the signature of a client secret that has not propagated yet.
func IsInvalidClient(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Code == "invalid_client"
}

// IsNotFound reports whether err means the directory object is absent or not
// yet visible.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
