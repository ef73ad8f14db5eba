package im

import (
	"errors"
	"fmt"

	"github.com/backkem/imengine/pkg/acl"
	"github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/im/message"
	"github.com/backkem/imengine/pkg/tlv"
)

// reportPath is one concrete attribute queued for a report. Paths that came
// out of a wildcard expansion are dropped silently when they fail.
type reportPath struct {
	path     datamodel.ConcreteAttributePath
	wildcard bool
}

// readTransaction is a read or subscription report being sent, possibly
// over several chunks. The provider is captured when the report starts.
type readTransaction struct {
	ex             Exchange
	model          datamodel.Provider
	subject        acl.SubjectDescriptor
	fabricFiltered bool
	paths          []reportPath
	versions       map[datamodel.ConcreteClusterPath]datamodel.DataVersion

	// sub is nil for plain reads.
	sub *Subscription
}

func versionFilters(filters []message.DataVersionFilterIB) map[datamodel.ConcreteClusterPath]datamodel.DataVersion {
	if len(filters) == 0 {
		return nil
	}
	m := make(map[datamodel.ConcreteClusterPath]datamodel.DataVersion, len(filters))
	for i := range filters {
		if path, ok := filters[i].Concrete(); ok {
			m[path] = filters[i].DataVersion
		}
	}
	return m
}

// expandPaths turns request paths into the concrete paths to report, in
// request order. Wildcards expand over endpoints, then clusters, then
// attributes, each ascending by id.
func expandPaths(p datamodel.Provider, requests []message.AttributePathIB) ([]reportPath, error) {
	var out []reportPath
	for i := range requests {
		req := &requests[i]
		if req.HasListIndex() {
			return nil, fmt.Errorf("%w: list index in read path", datamodel.ErrInvalidAction)
		}
		if path, ok := req.Concrete(); ok {
			out = append(out, reportPath{path: path})
			continue
		}
		if req.Cluster == nil && req.Attribute != nil && !datamodel.IsGlobalAttribute(*req.Attribute) {
			return nil, fmt.Errorf("%w: wildcard cluster with attribute 0x%04X", datamodel.ErrInvalidAction, *req.Attribute)
		}
		filter := req.Filter()
		for _, ep := range p.Endpoints() {
			if filter.Endpoint != nil && *filter.Endpoint != ep.ID {
				continue
			}
			for _, c := range p.Clusters(ep.ID) {
				if filter.Cluster != nil && *filter.Cluster != c.Path.Cluster {
					continue
				}
				for _, a := range p.Attributes(c.Path) {
					path := datamodel.ConcreteAttributePath{Endpoint: ep.ID, Cluster: c.Path.Cluster, Attribute: a.ID}
					if filter.Matches(path) {
						out = append(out, reportPath{path: path, wildcard: true})
					}
				}
			}
		}
	}
	return out, nil
}

// checkRead resolves a concrete read and returns the cluster it lives in.
func (e *Engine) checkRead(p datamodel.Provider, subject acl.SubjectDescriptor, path datamodel.ConcreteAttributePath) (datamodel.ClusterEntry, error) {
	cluster, err := e.resolveCluster(p, subject, path.ClusterPath())
	if err != nil {
		return cluster, err
	}
	entry := datamodel.AttributeEntryFor(p, path)
	if !entry.IsValid() {
		return cluster, datamodel.ErrUnsupportedAttribute
	}
	if !entry.Readable() {
		return cluster, datamodel.ErrUnsupportedRead
	}
	if err := e.checkAccess(subject, path.ClusterPath(), *entry.ReadPrivilege); err != nil {
		return cluster, err
	}
	return cluster, nil
}

// readValue encodes the value of an already checked path, through the
// registered override if it handles the path.
func (e *Engine) readValue(p datamodel.Provider, req *datamodel.ReadAttributeRequest, enc *datamodel.AttributeValueEncoder) error {
	if aai := e.aai.Lookup(req.Path.ClusterPath()); aai != nil {
		if err := aai.Read(req, enc); err != nil || enc.TriedEncode() {
			return err
		}
	}
	if err := p.ReadAttribute(req, enc); err != nil {
		return err
	}
	if !enc.TriedEncode() {
		return fmt.Errorf("%w: no value for %s", datamodel.ErrFailure, req.Path)
	}
	return nil
}

func encodeStatusReport(w *tlv.Writer, path datamodel.ConcreteAttributePath, err error) error {
	cp := w.Checkpoint()
	report := message.AttributeReportIB{AttributeStatus: &message.AttributeStatusIB{
		Path:   message.AttributePathFor(path),
		Status: message.StatusIBFromError(err),
	}}
	if err := report.EncodeWithTag(w, tlv.Anonymous()); err != nil {
		w.Rollback(cp)
		return err
	}
	return nil
}

// encodeReport writes the report for one path. tlv.ErrBufferFull means the
// chunk has no room left and nothing was written.
func (e *Engine) encodeReport(w *tlv.Writer, t *readTransaction, rp reportPath) error {
	cluster, err := e.checkRead(t.model, t.subject, rp.path)
	if err == nil {
		if v, ok := t.versions[rp.path.ClusterPath()]; ok && v == cluster.DataVersion {
			return nil
		}
		err = e.encodeData(w, t, cluster.DataVersion, rp.path)
		if errors.Is(err, tlv.ErrBufferFull) {
			return err
		}
	}
	e.metrics.status("read", err)
	if err == nil || rp.wildcard {
		return nil
	}
	return encodeStatusReport(w, rp.path, err)
}

func (e *Engine) encodeData(w *tlv.Writer, t *readTransaction, version datamodel.DataVersion, path datamodel.ConcreteAttributePath) error {
	cp := w.Checkpoint()
	err := message.BeginAttributeDataReport(w, version, path)
	if err == nil {
		req := &datamodel.ReadAttributeRequest{Path: path, Subject: t.subject, FabricFiltered: t.fabricFiltered}
		enc := datamodel.NewAttributeValueEncoder(w, message.AttributeDataTag, t.subject, t.fabricFiltered)
		err = e.readValue(t.model, req, enc)
	}
	if err == nil {
		err = message.EndAttributeDataReport(w)
	}
	if err != nil {
		w.Rollback(cp)
	}
	return err
}

// sendNextChunk sends as many of the transaction's remaining paths as fit
// in one ReportData. A transaction that is not finished, or that belongs
// to a subscription, waits for the peer's StatusResponse.
func (e *Engine) sendNextChunk(t *readTransaction) error {
	var subID *uint32
	if t.sub != nil {
		subID = &t.sub.id
	}
	rw, err := message.NewReportDataWriter(e.maxPayload, subID)
	if err != nil {
		return err
	}
	w := rw.Writer()
	start := w.Len()
	for len(t.paths) > 0 {
		rp := t.paths[0]
		err := e.encodeReport(w, t, rp)
		if errors.Is(err, tlv.ErrBufferFull) {
			if w.Len() > start {
				break
			}
			e.log.Warnf("attribute %s does not fit in a report", rp.path)
			if !rp.wildcard {
				if err := encodeStatusReport(w, rp.path, datamodel.ErrResourceExhausted); err != nil {
					return err
				}
			}
		} else if err != nil {
			return err
		}
		t.paths = t.paths[1:]
	}

	more := len(t.paths) > 0
	payload, err := rw.Finish(more, !more && t.sub == nil)
	if err != nil {
		return err
	}

	key := keyOf(t.ex)
	if more || t.sub != nil {
		e.reports[key] = t
	} else {
		delete(e.reports, key)
	}
	if err := t.ex.Send(message.OpcodeReportData, payload); err != nil {
		e.log.Warnf("sending report on session %d: %v", t.ex.SessionID(), err)
		delete(e.reports, key)
		if t.sub != nil {
			e.destroySubscription(t.sub)
		}
	}
	return nil
}

func (e *Engine) handleRead(ex Exchange, payload []byte) error {
	var req message.ReadRequestMessage
	if err := req.Decode(payload); err != nil {
		return malformed(err)
	}
	if len(req.AttributeRequests) == 0 && !req.HasEventRequests {
		return fmt.Errorf("%w: empty read request", datamodel.ErrInvalidAction)
	}
	if req.HasEventRequests {
		e.log.Debugf("ignoring event paths in read on session %d", ex.SessionID())
	}

	p := e.model()
	if p == nil {
		return datamodel.ErrFailure
	}
	paths, err := expandPaths(p, req.AttributeRequests)
	if err != nil {
		return err
	}
	t := &readTransaction{
		ex:             ex,
		model:          p,
		subject:        ex.Subject(),
		fabricFiltered: req.FabricFiltered,
		paths:          paths,
		versions:       versionFilters(req.DataVersionFilters),
	}
	if err := e.sendNextChunk(t); err != nil {
		delete(e.reports, keyOf(ex))
		return fmt.Errorf("%w: %v", datamodel.ErrFailure, err)
	}
	return nil
}

// handleStatusResponse continues a chunked report or acknowledges a
// subscription report.
func (e *Engine) handleStatusResponse(ex Exchange, payload []byte) error {
	var msg message.StatusResponseMessage
	if err := msg.Decode(payload); err != nil {
		return malformed(err)
	}
	key := keyOf(ex)
	t, ok := e.reports[key]
	if !ok {
		e.log.Debugf("unsolicited status response %s on session %d", msg.Status, ex.SessionID())
		return nil
	}
	if msg.Status != datamodel.StatusSuccess {
		e.log.Debugf("peer ended report on session %d: %s", ex.SessionID(), msg.Status)
		delete(e.reports, key)
		if t.sub != nil {
			e.destroySubscription(t.sub)
		}
		return nil
	}
	if len(t.paths) > 0 {
		if err := e.sendNextChunk(t); err != nil {
			delete(e.reports, key)
			if t.sub != nil {
				e.destroySubscription(t.sub)
			}
			return fmt.Errorf("%w: %v", datamodel.ErrFailure, err)
		}
		return nil
	}
	delete(e.reports, key)
	if t.sub != nil {
		e.onReportAcknowledged(t.sub)
	}
	return nil
}

// ReadAttribute reads one concrete attribute on behalf of subject and
// returns its value as an anonymous TLV element. It applies the same
// checks as a Read Request.
func (e *Engine) ReadAttribute(subject acl.SubjectDescriptor, path datamodel.ConcreteAttributePath) ([]byte, error) {
	p := e.model()
	if p == nil {
		return nil, datamodel.ErrFailure
	}
	if _, err := e.checkRead(p, subject, path); err != nil {
		e.metrics.status("read", err)
		return nil, err
	}
	w := tlv.NewWriter()
	req := &datamodel.ReadAttributeRequest{Path: path, Subject: subject, FabricFiltered: true}
	enc := datamodel.NewAttributeValueEncoder(w, tlv.Anonymous(), subject, true)
	err := e.readValue(p, req, enc)
	e.metrics.status("read", err)
	if err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}
