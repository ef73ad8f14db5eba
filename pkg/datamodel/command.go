package datamodel

import (
	"errors"

	"github.com/backkem/imengine/pkg/tlv"
)

// ErrResponseAlreadySent is returned by a CommandResponseHelper that has
// already delivered its response.
var ErrResponseAlreadySent = errors.New("datamodel: command response already sent")

// ResponseEncoder writes the fields structure of a response command with
// the given tag.
type ResponseEncoder func(w *tlv.Writer, tag tlv.Tag) error

// CommandHandler receives the outcome of one dispatched command.
//
// A command handler either responds before InvokeCommand returns, or calls
// Defer and responds later from the event loop. Each command gets exactly
// one response.
type CommandHandler interface {
	AddResponse(path ConcreteCommandPath, responseID CommandID, enc ResponseEncoder) error
	AddStatus(path ConcreteCommandPath, status Status, clusterStatus *uint8)
	Defer(path ConcreteCommandPath)
}

// CommandResponseHelper guards a command's single response. Terminal calls
// after the first return ErrResponseAlreadySent and are otherwise ignored.
type CommandResponseHelper struct {
	handler CommandHandler
	path    ConcreteCommandPath
	sent    bool
}

// NewCommandResponseHelper binds a helper to one command.
func NewCommandResponseHelper(handler CommandHandler, path ConcreteCommandPath) *CommandResponseHelper {
	return &CommandResponseHelper{handler: handler, path: path}
}

// Path returns the command the helper responds for.
func (h *CommandResponseHelper) Path() ConcreteCommandPath { return h.path }

// HasSentResponse reports whether a terminal call was made.
func (h *CommandResponseHelper) HasSentResponse() bool { return h.sent }

// Defer tells the handler the response will come later.
func (h *CommandResponseHelper) Defer() { h.handler.Defer(h.path) }

// Success responds with a response command.
func (h *CommandResponseHelper) Success(responseID CommandID, enc ResponseEncoder) error {
	if h.sent {
		return ErrResponseAlreadySent
	}
	h.sent = true
	return h.handler.AddResponse(h.path, responseID, enc)
}

// SuccessStatus responds with a Success status.
func (h *CommandResponseHelper) SuccessStatus() error {
	return h.status(StatusSuccess, nil)
}

// Failure responds with a status.
func (h *CommandResponseHelper) Failure(status Status) error {
	return h.status(status, nil)
}

// FailureCluster responds with a Failure carrying a cluster-specific code.
func (h *CommandResponseHelper) FailureCluster(code uint8) error {
	return h.status(StatusFailure, &code)
}

func (h *CommandResponseHelper) status(s Status, clusterStatus *uint8) error {
	if h.sent {
		return ErrResponseAlreadySent
	}
	h.sent = true
	h.handler.AddStatus(h.path, s, clusterStatus)
	return nil
}
