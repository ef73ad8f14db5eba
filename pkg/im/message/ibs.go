package message

import (
	dm "github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/tlv"
)

const (
	statusIBTagStatus        = 0
	statusIBTagClusterStatus = 1
)

// StatusIB carries an IM status and an optional cluster-specific status.
type StatusIB struct {
	Status        dm.Status
	ClusterStatus *uint8
}

// StatusIBFromError maps a data path error to its wire status.
func StatusIBFromError(err error) StatusIB {
	return StatusIB{Status: dm.StatusOf(err), ClusterStatus: dm.ClusterStatusOf(err)}
}

// Err returns the status as an error; nil for Success.
func (s StatusIB) Err() error {
	if s.ClusterStatus != nil {
		return &dm.StatusError{Status: s.Status, ClusterStatus: s.ClusterStatus}
	}
	return dm.NewStatusError(s.Status)
}

func (s *StatusIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(statusIBTagStatus), uint64(s.Status)); err != nil {
		return err
	}
	if err := putUintPtr(w, statusIBTagClusterStatus, s.ClusterStatus); err != nil {
		return err
	}
	return w.EndContainer()
}

func (s *StatusIB) Decode(r *tlv.Reader) error {
	*s = StatusIB{}
	hasStatus := false
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case statusIBTagStatus:
			hasStatus = true
			s.Status, err = readUint[dm.Status](r)
		case statusIBTagClusterStatus:
			s.ClusterStatus, err = readUintPtr[uint8](r)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasStatus {
		return ErrMissingField
	}
	return nil
}

const (
	attrDataTagDataVersion = 0
	attrDataTagPath        = 1
	attrDataTagData        = 2
)

// AttributeDataTag is the tag a value is written under inside an
// AttributeDataIB.
var AttributeDataTag = tlv.ContextTag(attrDataTagData)

// AttributeDataIB carries one attribute value. Data is the complete TLV
// element of the value; its own tag is replaced on encode.
type AttributeDataIB struct {
	DataVersion *dm.DataVersion
	Path        AttributePathIB
	Data        []byte
}

func (d *AttributeDataIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := putUintPtr(w, attrDataTagDataVersion, d.DataVersion); err != nil {
		return err
	}
	if err := d.Path.EncodeWithTag(w, tlv.ContextTag(attrDataTagPath)); err != nil {
		return err
	}
	if err := w.PutRaw(AttributeDataTag, d.Data); err != nil {
		return err
	}
	return w.EndContainer()
}

func (d *AttributeDataIB) Decode(r *tlv.Reader) error {
	*d = AttributeDataIB{}
	hasPath := false
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case attrDataTagDataVersion:
			d.DataVersion, err = readUintPtr[dm.DataVersion](r)
		case attrDataTagPath:
			hasPath = true
			err = d.Path.Decode(r)
		case attrDataTagData:
			d.Data, err = r.RawElement()
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasPath || d.Data == nil {
		return ErrMissingField
	}
	return nil
}

const (
	attrStatusTagPath   = 0
	attrStatusTagStatus = 1
)

// AttributeStatusIB reports the outcome for one attribute path.
type AttributeStatusIB struct {
	Path   AttributePathIB
	Status StatusIB
}

func (s *AttributeStatusIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := s.Path.EncodeWithTag(w, tlv.ContextTag(attrStatusTagPath)); err != nil {
		return err
	}
	if err := s.Status.EncodeWithTag(w, tlv.ContextTag(attrStatusTagStatus)); err != nil {
		return err
	}
	return w.EndContainer()
}

func (s *AttributeStatusIB) Decode(r *tlv.Reader) error {
	*s = AttributeStatusIB{}
	var hasPath, hasStatus bool
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		switch tag {
		case attrStatusTagPath:
			hasPath = true
			return s.Path.Decode(r)
		case attrStatusTagStatus:
			hasStatus = true
			return s.Status.Decode(r)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if !hasPath || !hasStatus {
		return ErrMissingField
	}
	return nil
}

const (
	attrReportTagStatus = 0
	attrReportTagData   = 1
)

// AttributeReportIB holds exactly one of a status or a value.
type AttributeReportIB struct {
	AttributeStatus *AttributeStatusIB
	AttributeData   *AttributeDataIB
}

func (a *AttributeReportIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	switch {
	case a.AttributeStatus != nil:
		if err := a.AttributeStatus.EncodeWithTag(w, tlv.ContextTag(attrReportTagStatus)); err != nil {
			return err
		}
	case a.AttributeData != nil:
		if err := a.AttributeData.EncodeWithTag(w, tlv.ContextTag(attrReportTagData)); err != nil {
			return err
		}
	default:
		return ErrMissingField
	}
	return w.EndContainer()
}

func (a *AttributeReportIB) Decode(r *tlv.Reader) error {
	*a = AttributeReportIB{}
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		switch tag {
		case attrReportTagStatus:
			a.AttributeStatus = &AttributeStatusIB{}
			return a.AttributeStatus.Decode(r)
		case attrReportTagData:
			a.AttributeData = &AttributeDataIB{}
			return a.AttributeData.Decode(r)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if (a.AttributeStatus == nil) == (a.AttributeData == nil) {
		return ErrMissingField
	}
	return nil
}

// BeginAttributeDataReport opens an AttributeReportIB holding an
// AttributeDataIB and writes its version and path. The caller writes the
// value under AttributeDataTag and closes both containers with
// EndAttributeDataReport.
func BeginAttributeDataReport(w *tlv.Writer, version dm.DataVersion, path dm.ConcreteAttributePath) error {
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return err
	}
	if err := w.StartStructure(tlv.ContextTag(attrReportTagData)); err != nil {
		return err
	}
	if err := w.PutUint(tlv.ContextTag(attrDataTagDataVersion), uint64(version)); err != nil {
		return err
	}
	p := AttributePathFor(path)
	return p.EncodeWithTag(w, tlv.ContextTag(attrDataTagPath))
}

// EndAttributeDataReport closes what BeginAttributeDataReport opened.
func EndAttributeDataReport(w *tlv.Writer) error {
	if err := w.EndContainer(); err != nil {
		return err
	}
	return w.EndContainer()
}

const (
	cmdDataTagPath   = 0
	cmdDataTagFields = 1
	cmdDataTagRef    = 2
)

// CommandDataTag is the tag command fields are written under inside a
// CommandDataIB.
var CommandDataTag = tlv.ContextTag(cmdDataTagFields)

// CommandDataIB is one command request or response. Fields is the complete
// TLV element of the arguments, or nil when there are none.
type CommandDataIB struct {
	Path   CommandPathIB
	Fields []byte
	Ref    *uint16
}

func (c *CommandDataIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := c.Path.EncodeWithTag(w, tlv.ContextTag(cmdDataTagPath)); err != nil {
		return err
	}
	if c.Fields != nil {
		if err := w.PutRaw(CommandDataTag, c.Fields); err != nil {
			return err
		}
	}
	if err := putUintPtr(w, cmdDataTagRef, c.Ref); err != nil {
		return err
	}
	return w.EndContainer()
}

func (c *CommandDataIB) Decode(r *tlv.Reader) error {
	*c = CommandDataIB{}
	hasPath := false
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case cmdDataTagPath:
			hasPath = true
			err = c.Path.Decode(r)
		case cmdDataTagFields:
			c.Fields, err = r.RawElement()
		case cmdDataTagRef:
			c.Ref, err = readUintPtr[uint16](r)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasPath {
		return ErrMissingField
	}
	return nil
}

const (
	cmdStatusTagPath   = 0
	cmdStatusTagStatus = 1
	cmdStatusTagRef    = 2
)

// CommandStatusIB reports a status for one command.
type CommandStatusIB struct {
	Path   CommandPathIB
	Status StatusIB
	Ref    *uint16
}

func (c *CommandStatusIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	if err := c.Path.EncodeWithTag(w, tlv.ContextTag(cmdStatusTagPath)); err != nil {
		return err
	}
	if err := c.Status.EncodeWithTag(w, tlv.ContextTag(cmdStatusTagStatus)); err != nil {
		return err
	}
	if err := putUintPtr(w, cmdStatusTagRef, c.Ref); err != nil {
		return err
	}
	return w.EndContainer()
}

func (c *CommandStatusIB) Decode(r *tlv.Reader) error {
	*c = CommandStatusIB{}
	var hasPath, hasStatus bool
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case cmdStatusTagPath:
			hasPath = true
			err = c.Path.Decode(r)
		case cmdStatusTagStatus:
			hasStatus = true
			err = c.Status.Decode(r)
		case cmdStatusTagRef:
			c.Ref, err = readUintPtr[uint16](r)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasPath || !hasStatus {
		return ErrMissingField
	}
	return nil
}

const (
	invokeRespIBTagCommand = 0
	invokeRespIBTagStatus  = 1
)

// InvokeResponseIB holds exactly one of a command response or a status.
type InvokeResponseIB struct {
	Command *CommandDataIB
	Status  *CommandStatusIB
}

// Ref returns the command reference of whichever member is set.
func (i *InvokeResponseIB) Ref() *uint16 {
	switch {
	case i.Command != nil:
		return i.Command.Ref
	case i.Status != nil:
		return i.Status.Ref
	}
	return nil
}

func (i *InvokeResponseIB) EncodeWithTag(w *tlv.Writer, tag tlv.Tag) error {
	if err := w.StartStructure(tag); err != nil {
		return err
	}
	switch {
	case i.Command != nil:
		if err := i.Command.EncodeWithTag(w, tlv.ContextTag(invokeRespIBTagCommand)); err != nil {
			return err
		}
	case i.Status != nil:
		if err := i.Status.EncodeWithTag(w, tlv.ContextTag(invokeRespIBTagStatus)); err != nil {
			return err
		}
	default:
		return ErrMissingField
	}
	return w.EndContainer()
}

func (i *InvokeResponseIB) Decode(r *tlv.Reader) error {
	*i = InvokeResponseIB{}
	err := readFields(r, tlv.ElementTypeStruct, func(tag uint32, r *tlv.Reader) error {
		switch tag {
		case invokeRespIBTagCommand:
			i.Command = &CommandDataIB{}
			return i.Command.Decode(r)
		case invokeRespIBTagStatus:
			i.Status = &CommandStatusIB{}
			return i.Status.Decode(r)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if (i.Command == nil) == (i.Status == nil) {
		return ErrMissingField
	}
	return nil
}
