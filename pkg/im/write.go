package im

import (
	"fmt"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/tlv"
)

// checkWrite resolves a concrete write up to the point where the value is
// handed to an override or the provider.
func (e *Engine) checkWrite(p datamodel.Provider, req *datamodel.WriteAttributeRequest) error {
	path := req.Path
	cluster, err := e.resolveCluster(p, req.Subject, path.ClusterPath())
	if err != nil {
		return err
	}
	entry := datamodel.AttributeEntryFor(p, path)
	if !entry.IsValid() {
		return datamodel.ErrUnsupportedAttribute
	}
	if !entry.Writable() {
		return datamodel.ErrUnsupportedWrite
	}
	if err := e.checkAccess(req.Subject, path.ClusterPath(), *entry.WritePrivilege); err != nil {
		return err
	}
	if entry.RequiresTimedWrite() && !req.Timed {
		return datamodel.ErrNeedsTimedInteraction
	}
	if req.DataVersion != nil && *req.DataVersion != cluster.DataVersion {
		return datamodel.ErrDataVersionMismatch
	}
	return nil
}

// writeAttribute runs one write through the pipeline and the post-write
// side effects.
func (e *Engine) writeAttribute(p datamodel.Provider, req *datamodel.WriteAttributeRequest, raw []byte) error {
	if err := e.checkWrite(p, req); err != nil {
		return err
	}
	dec := datamodel.NewAttributeValueDecoder(raw, req.Subject)
	handled := false
	if aai := e.aai.Lookup(req.Path.ClusterPath()); aai != nil {
		if err := aai.Write(req, dec); err != nil {
			return err
		}
		handled = dec.TriedDecode()
	}
	if !handled {
		if err := p.WriteAttribute(req, dec); err != nil {
			return err
		}
	}
	e.afterWrite(req.Path, raw)
	return nil
}

// afterWrite persists the value if the attribute is persisted, tells the
// change callback and marks subscriptions dirty.
func (e *Engine) afterWrite(path datamodel.ConcreteAttributePath, raw []byte) {
	value, elemType, err := anonymousElement(raw)
	if err != nil {
		e.log.Warnf("post-write handling of %s: %v", path, err)
		e.MarkDirty(path)
		return
	}
	if _, ok := e.persisted[path]; ok && e.persistence != nil {
		if err := e.persistence.SafeWriteValue(path, value); err != nil {
			e.log.Warnf("persisting %s: %v", path, err)
			e.metrics.persistenceFailure()
		}
	}
	if e.changed != nil {
		e.changed(path, elemType, len(value), value)
	}
	e.MarkDirty(path)
}

// anonymousElement re-tags a written value as anonymous.
func anonymousElement(raw []byte) ([]byte, tlv.ElementType, error) {
	r, err := tlv.ReadElement(raw)
	if err != nil {
		return nil, 0, err
	}
	w := tlv.NewWriter()
	if err := w.PutRaw(tlv.Anonymous(), raw); err != nil {
		return nil, 0, err
	}
	return w.Bytes(), r.Type(), nil
}

func (e *Engine) handleWrite(ex Exchange, payload []byte) error {
	var req message.WriteRequestMessage
	if err := req.Decode(payload); err != nil {
		return malformed(err)
	}
	if err := e.checkTimed(ex, req.TimedRequest); err != nil {
		return err
	}
	if req.MoreChunkedMessages {
		return fmt.Errorf("%w: chunked writes are not supported", datamodel.ErrInvalidAction)
	}

	p := e.model()
	if p == nil {
		return datamodel.ErrFailure
	}
	subject := ex.Subject()
	resp := message.WriteResponseMessage{WriteResponses: make([]message.AttributeStatusIB, 0, len(req.WriteRequests))}
	for i := range req.WriteRequests {
		data := &req.WriteRequests[i]
		err := e.writeOne(p, subject, req.TimedRequest, data)
		e.metrics.status("write", err)
		if err != nil {
			e.log.Debugf("write %v: %v", data.Path, err)
		}
		resp.WriteResponses = append(resp.WriteResponses, message.AttributeStatusIB{
			Path:   data.Path,
			Status: message.StatusIBFromError(err),
		})
	}
	if req.SuppressResponse {
		return nil
	}
	_ = e.send(ex, message.OpcodeWriteResponse, &resp)
	return nil
}

func (e *Engine) writeOne(p datamodel.Provider, subject acl.SubjectDescriptor, timed bool, data *message.AttributeDataIB) error {
	path, ok := data.Path.Concrete()
	if !ok || data.Path.HasListIndex() {
		return fmt.Errorf("%w: write path must be concrete", datamodel.ErrInvalidAction)
	}
	req := &datamodel.WriteAttributeRequest{
		Path:        path,
		Subject:     subject,
		Timed:       timed,
		DataVersion: data.DataVersion,
	}
	return e.writeAttribute(p, req, data.Data)
}

// WriteAttribute writes raw, one TLV element, to path on behalf of subject
// with the same checks and side effects as a Write Request.
func (e *Engine) WriteAttribute(subject acl.SubjectDescriptor, path datamodel.ConcreteAttributePath, raw []byte, timed bool) error {
	p := e.model()
	if p == nil {
		return datamodel.ErrFailure
	}
	err := e.writeAttribute(p, &datamodel.WriteAttributeRequest{Path: path, Subject: subject, Timed: timed}, raw)
	e.metrics.status("write", err)
	return err
}

// RestorePersistedAttributes writes every persisted attribute value found
// in storage back into the provider. Attributes without a stored value are
// left alone.
func (e *Engine) RestorePersistedAttributes() error {
	if e.persistence == nil {
		return nil
	}
	p := e.model()
	if p == nil {
		return datamodel.ErrFailure
	}
	restorer := acl.SubjectDescriptor{AuthMode: acl.AuthModePASE, IsCommissioning: true}
	buf := make([]byte, maxPersistedValue)
	for path := range e.persisted {
		n, err := e.persistence.SafeReadValue(path, buf)
		if err != nil {
			e.log.Debugf("no stored value for %s: %v", path, err)
			continue
		}
		value := append([]byte(nil), buf[:n]...)
		req := &datamodel.WriteAttributeRequest{Path: path, Subject: restorer}
		if err := p.WriteAttribute(req, datamodel.NewAttributeValueDecoder(value, restorer)); err != nil {
			e.log.Warnf("restoring %s: %v", path, err)
			continue
		}
		e.log.Debugf("restored %s", path)
	}
	return nil
}

// maxPersistedValue bounds a single persisted attribute value.
const maxPersistedValue = 1024
