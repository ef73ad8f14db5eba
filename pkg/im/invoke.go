package im

import (
	"fmt"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/tlv"
)

// emptyFields is an anonymous empty structure, handed to commands sent
// without arguments.
var emptyFields = []byte{0x15, 0x18}

// invokeBatch is one Invoke Request. Its response goes out once dispatch
// has finished and no command reference is pending. A reference is
// accepted once per batch, even after its command has responded.
type invokeBatch struct {
	engine           *Engine
	ex               Exchange
	subject          acl.SubjectDescriptor
	suppressResponse bool

	tracker     PendingResponseTracker
	seen        map[uint16]struct{}
	handlers    []*commandHandler
	responses   []message.InvokeResponseIB
	dispatching bool
	done        bool
}

// commandHandler receives the outcome of one command of a batch. Commands
// without a reference are tracked under zero; only single-command batches
// may omit it.
type commandHandler struct {
	batch     *invokeBatch
	path      datamodel.ConcreteCommandPath
	ref       *uint16
	key       uint16
	responded bool
	deferred  bool
}

var _ datamodel.CommandHandler = (*commandHandler)(nil)

func (h *commandHandler) AddResponse(path datamodel.ConcreteCommandPath, responseID datamodel.CommandID, enc datamodel.ResponseEncoder) error {
	if h.responded {
		return datamodel.ErrResponseAlreadySent
	}
	if h.batch.done {
		h.batch.engine.log.Debugf("dropping response for %s: interaction ended", path)
		return ErrInteractionAborted
	}
	w := tlv.NewWriter()
	if err := enc(w, tlv.Anonymous()); err != nil {
		return err
	}
	h.finish(message.InvokeResponseIB{Command: &message.CommandDataIB{
		Path:   message.CommandPathFor(datamodel.ConcreteCommandPath{Endpoint: path.Endpoint, Cluster: path.Cluster, Command: responseID}),
		Fields: w.Bytes(),
		Ref:    h.ref,
	}}, nil)
	return nil
}

func (h *commandHandler) AddStatus(path datamodel.ConcreteCommandPath, status datamodel.Status, clusterStatus *uint8) {
	if h.responded {
		h.batch.engine.log.Errorf("second response for %s ignored", path)
		return
	}
	if h.batch.done {
		h.batch.engine.log.Debugf("dropping status for %s: interaction ended", path)
		return
	}
	var err error
	if clusterStatus != nil {
		err = &datamodel.StatusError{Status: status, ClusterStatus: clusterStatus}
	} else {
		err = datamodel.NewStatusError(status)
	}
	h.respondStatus(message.CommandPathFor(path), err)
}

func (h *commandHandler) Defer(datamodel.ConcreteCommandPath) {
	if h.deferred || h.responded {
		return
	}
	h.deferred = true
	h.batch.engine.metrics.addPendingInvokes(1)
}

func (h *commandHandler) respondStatus(path message.CommandPathIB, err error) {
	h.finish(message.InvokeResponseIB{Status: &message.CommandStatusIB{
		Path:   path,
		Status: message.StatusIBFromError(err),
		Ref:    h.ref,
	}}, err)
}

func (h *commandHandler) finish(resp message.InvokeResponseIB, err error) {
	b := h.batch
	h.responded = true
	if h.deferred {
		b.engine.metrics.addPendingInvokes(-1)
	}
	b.engine.metrics.status("invoke", err)
	b.responses = append(b.responses, resp)
	if err := b.tracker.Remove(h.key); err != nil {
		b.engine.log.Errorf("completing command ref %d: %v", h.key, err)
	}
	b.maybeSend()
}

func (b *invokeBatch) maybeSend() {
	if b.dispatching || b.done || b.tracker.Count() > 0 {
		return
	}
	b.done = true
	delete(b.engine.batches, b)
	if b.suppressResponse {
		return
	}
	_ = b.engine.send(b.ex, message.OpcodeInvokeResponse, &message.InvokeResponseMessage{InvokeResponses: b.responses})
}

// abort ends the batch without a response.
func (b *invokeBatch) abort() {
	if b.done {
		return
	}
	b.done = true
	delete(b.engine.batches, b)
	for _, h := range b.handlers {
		if h.responded {
			continue
		}
		b.engine.log.Warnf("command %s abandoned before it responded: %v", h.path, ErrInteractionAborted)
		if h.deferred {
			b.engine.metrics.addPendingInvokes(-1)
		}
	}
}

// resolveCommand validates a command path and runs the checks that precede
// dispatch.
func (e *Engine) resolveCommand(p datamodel.Provider, subject acl.SubjectDescriptor, path message.CommandPathIB, timed bool) (datamodel.ConcreteCommandPath, error) {
	var group *datamodel.GroupID
	if subject.AuthMode == acl.AuthModeGroup {
		g := datamodel.GroupID(subject.Subject)
		group = &g
	}
	params := path.Params(group)
	if err := params.Validate(); err != nil {
		return datamodel.ConcreteCommandPath{}, fmt.Errorf("%w: %v", datamodel.ErrInvalidAction, err)
	}
	if params.IsGroupPath() {
		return datamodel.ConcreteCommandPath{}, fmt.Errorf("%w: group commands are not served", datamodel.ErrInvalidAction)
	}
	concrete := params.ConcretePath()
	if _, err := e.resolveCluster(p, subject, concrete.ClusterPath()); err != nil {
		return concrete, err
	}
	entry := datamodel.CommandEntryFor(p, concrete)
	if !entry.IsValid() {
		return concrete, datamodel.ErrUnsupportedCommand
	}
	if err := e.checkAccess(subject, concrete.ClusterPath(), entry.InvokePrivilege); err != nil {
		return concrete, err
	}
	if entry.IsFabricScoped() && subject.FabricIndex == 0 {
		return concrete, fmt.Errorf("%w: fabric-scoped command without a fabric", datamodel.ErrUnsupportedAccess)
	}
	if entry.RequiresTimed() && !timed {
		return concrete, datamodel.ErrNeedsTimedInteraction
	}
	return concrete, nil
}

func (b *invokeBatch) dispatch(p datamodel.Provider, data *message.CommandDataIB, timed bool) {
	e := b.engine
	var key uint16
	if data.Ref != nil {
		key = *data.Ref
	}
	err := ErrInvalidArgument
	if _, repeated := b.seen[key]; !repeated {
		b.seen[key] = struct{}{}
		err = b.tracker.Add(key)
	}
	if err != nil {
		e.log.Warnf("command ref %d repeated in one invoke: %v", key, err)
		e.metrics.status("invoke", datamodel.ErrFailure)
		b.responses = append(b.responses, message.InvokeResponseIB{Status: &message.CommandStatusIB{
			Path:   data.Path,
			Status: message.StatusIBFromError(datamodel.ErrFailure),
			Ref:    data.Ref,
		}})
		return
	}

	h := &commandHandler{batch: b, ref: data.Ref, key: key}
	b.handlers = append(b.handlers, h)
	path, err := e.resolveCommand(p, b.subject, data.Path, timed)
	h.path = path
	if err != nil {
		e.log.Debugf("invoke %s: %v", path, err)
		h.respondStatus(data.Path, err)
		return
	}

	raw := data.Fields
	if raw == nil {
		raw = emptyFields
	}
	fields, err := tlv.ReadElement(raw)
	if err != nil {
		h.respondStatus(data.Path, fmt.Errorf("%w: %v", datamodel.ErrInvalidCommand, err))
		return
	}

	req := &datamodel.InvokeRequest{Path: path, Subject: b.subject, Timed: timed, CommandRef: data.Ref}
	err = p.InvokeCommand(req, fields, h)
	switch {
	case h.responded:
		if err != nil {
			e.log.Debugf("handler for %s returned %v after responding", path, err)
		}
	case err != nil:
		h.respondStatus(data.Path, err)
	case !h.deferred:
		e.log.Errorf("handler for %s returned without responding", path)
		h.respondStatus(data.Path, datamodel.ErrFailure)
	}
}

func (e *Engine) handleInvoke(ex Exchange, payload []byte) error {
	var req message.InvokeRequestMessage
	if err := req.Decode(payload); err != nil {
		return malformed(err)
	}
	if err := e.checkTimed(ex, req.TimedRequest); err != nil {
		return err
	}
	if len(req.InvokeRequests) == 0 {
		return fmt.Errorf("%w: empty invoke request", datamodel.ErrInvalidAction)
	}
	if len(req.InvokeRequests) > 1 {
		for i := range req.InvokeRequests {
			if req.InvokeRequests[i].Ref == nil {
				return fmt.Errorf("%w: batched command without a ref", datamodel.ErrInvalidAction)
			}
		}
	}

	p := e.model()
	if p == nil {
		return datamodel.ErrFailure
	}
	b := &invokeBatch{
		engine:           e,
		ex:               ex,
		subject:          ex.Subject(),
		suppressResponse: req.SuppressResponse,
		seen:             make(map[uint16]struct{}, len(req.InvokeRequests)),
		dispatching:      true,
	}
	e.batches[b] = struct{}{}
	for i := range req.InvokeRequests {
		b.dispatch(p, &req.InvokeRequests[i], req.TimedRequest)
	}
	b.dispatching = false
	b.maybeSend()
	return nil
}
