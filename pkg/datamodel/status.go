package datamodel

import (
	"errors"
	"fmt"
)

// Status is an Interaction Model status code.
type Status uint8

const (
	StatusSuccess                Status = 0x00
	StatusFailure                Status = 0x01
	StatusInvalidSubscription    Status = 0x7D
	StatusUnsupportedAccess      Status = 0x7E
	StatusUnsupportedEndpoint    Status = 0x7F
	StatusInvalidAction          Status = 0x80
	StatusUnsupportedCommand     Status = 0x81
	StatusInvalidCommand         Status = 0x85
	StatusUnsupportedAttribute   Status = 0x86
	StatusConstraintError        Status = 0x87
	StatusUnsupportedWrite       Status = 0x88
	StatusResourceExhausted      Status = 0x89
	StatusNotFound               Status = 0x8B
	StatusUnreportableAttribute  Status = 0x8C
	StatusInvalidDataType        Status = 0x8D
	StatusUnsupportedRead        Status = 0x8F
	StatusDataVersionMismatch    Status = 0x92
	StatusTimeout                Status = 0x94
	StatusBusy                   Status = 0x9C
	StatusUnsupportedCluster     Status = 0xC3
	StatusNoUpstreamSubscription Status = 0xC5
	StatusNeedsTimedInteraction  Status = 0xC6
	StatusUnsupportedEvent       Status = 0xC7
	StatusPathsExhausted         Status = 0xC8
	StatusTimedRequestMismatch   Status = 0xC9
	StatusFailsafeRequired       Status = 0xCA
	StatusInvalidInState         Status = 0xCB
	StatusNoCommandResponse      Status = 0xCC
)

var statusNames = map[Status]string{
	StatusSuccess:                "Success",
	StatusFailure:                "Failure",
	StatusInvalidSubscription:    "InvalidSubscription",
	StatusUnsupportedAccess:      "UnsupportedAccess",
	StatusUnsupportedEndpoint:    "UnsupportedEndpoint",
	StatusInvalidAction:          "InvalidAction",
	StatusUnsupportedCommand:     "UnsupportedCommand",
	StatusInvalidCommand:         "InvalidCommand",
	StatusUnsupportedAttribute:   "UnsupportedAttribute",
	StatusConstraintError:        "ConstraintError",
	StatusUnsupportedWrite:       "UnsupportedWrite",
	StatusResourceExhausted:      "ResourceExhausted",
	StatusNotFound:               "NotFound",
	StatusUnreportableAttribute:  "UnreportableAttribute",
	StatusInvalidDataType:        "InvalidDataType",
	StatusUnsupportedRead:        "UnsupportedRead",
	StatusDataVersionMismatch:    "DataVersionMismatch",
	StatusTimeout:                "Timeout",
	StatusBusy:                   "Busy",
	StatusUnsupportedCluster:     "UnsupportedCluster",
	StatusNoUpstreamSubscription: "NoUpstreamSubscription",
	StatusNeedsTimedInteraction:  "NeedsTimedInteraction",
	StatusUnsupportedEvent:       "UnsupportedEvent",
	StatusPathsExhausted:         "PathsExhausted",
	StatusTimedRequestMismatch:   "TimedRequestMismatch",
	StatusFailsafeRequired:       "FailsafeRequired",
	StatusInvalidInState:         "InvalidInState",
	StatusNoCommandResponse:      "NoCommandResponse",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(0x%02X)", uint8(s))
}

// StatusError carries an IM status, optionally with a cluster-specific
// status, as a Go error. It is the ActionReturnStatus of the data path:
// a nil error means Success.
type StatusError struct {
	Status        Status
	ClusterStatus *uint8
}

func (e *StatusError) Error() string {
	if e.ClusterStatus != nil {
		return fmt.Sprintf("im status %s (cluster status 0x%02X)", e.Status, *e.ClusterStatus)
	}
	return "im status " + e.Status.String()
}

// Is matches another StatusError with the same status. A target without a
// cluster status matches any cluster status.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	if !ok || t.Status != e.Status {
		return false
	}
	if t.ClusterStatus == nil {
		return true
	}
	return e.ClusterStatus != nil && *e.ClusterStatus == *t.ClusterStatus
}

// NewStatusError returns an error for s. Success has no error form.
func NewStatusError(s Status) error {
	if s == StatusSuccess {
		return nil
	}
	return &StatusError{Status: s}
}

// ClusterStatusError returns a Failure carrying a cluster-specific status.
func ClusterStatusError(code uint8) error {
	return &StatusError{Status: StatusFailure, ClusterStatus: &code}
}

var (
	ErrFailure               = &StatusError{Status: StatusFailure}
	ErrUnsupportedAccess     = &StatusError{Status: StatusUnsupportedAccess}
	ErrUnsupportedEndpoint   = &StatusError{Status: StatusUnsupportedEndpoint}
	ErrInvalidAction         = &StatusError{Status: StatusInvalidAction}
	ErrUnsupportedCommand    = &StatusError{Status: StatusUnsupportedCommand}
	ErrInvalidCommand        = &StatusError{Status: StatusInvalidCommand}
	ErrUnsupportedAttribute  = &StatusError{Status: StatusUnsupportedAttribute}
	ErrConstraintError       = &StatusError{Status: StatusConstraintError}
	ErrUnsupportedWrite      = &StatusError{Status: StatusUnsupportedWrite}
	ErrResourceExhausted     = &StatusError{Status: StatusResourceExhausted}
	ErrNotFound              = &StatusError{Status: StatusNotFound}
	ErrUnsupportedRead       = &StatusError{Status: StatusUnsupportedRead}
	ErrDataVersionMismatch   = &StatusError{Status: StatusDataVersionMismatch}
	ErrTimeout               = &StatusError{Status: StatusTimeout}
	ErrBusy                  = &StatusError{Status: StatusBusy}
	ErrUnsupportedCluster    = &StatusError{Status: StatusUnsupportedCluster}
	ErrNeedsTimedInteraction = &StatusError{Status: StatusNeedsTimedInteraction}
	ErrTimedRequestMismatch  = &StatusError{Status: StatusTimedRequestMismatch}
	ErrInvalidInState        = &StatusError{Status: StatusInvalidInState}
)

// StatusOf maps an error from the data path to the status reported on the
// wire. Errors that carry no status become Failure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusFailure
}

// ClusterStatusOf returns the cluster-specific status carried by err, if any.
func ClusterStatusOf(err error) *uint8 {
	var se *StatusError
	if errors.As(err, &se) {
		return se.ClusterStatus
	}
	return nil
}
