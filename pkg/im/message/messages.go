package message

import (
	dm "github.com/backkem/imengine/pkg/datamodel"
	"github.com/backkem/imengine/pkg/tlv"
)

const statusRespTagStatus = 0

// StatusResponseMessage acknowledges a report chunk or ends an interaction
// with an error.
type StatusResponseMessage struct {
	Status dm.Status
}

func (m *StatusResponseMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		return w.PutUint(tlv.ContextTag(statusRespTagStatus), uint64(m.Status))
	})
}

func (m *StatusResponseMessage) Decode(data []byte) error {
	*m = StatusResponseMessage{}
	has := false
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		if tag != statusRespTagStatus {
			return nil
		}
		has = true
		var err error
		m.Status, err = readUint[dm.Status](r)
		return err
	})
	if err != nil {
		return err
	}
	if !has {
		return ErrMissingField
	}
	return nil
}

const (
	readReqTagAttributeRequests  = 0
	readReqTagEventRequests      = 1
	readReqTagEventFilters       = 2
	readReqTagFabricFiltered     = 3
	readReqTagDataVersionFilters = 4
)

// ReadRequestMessage asks for attribute values. Event paths are recorded
// only so the server can tell the client asked for them.
type ReadRequestMessage struct {
	AttributeRequests  []AttributePathIB
	HasEventRequests   bool
	FabricFiltered     bool
	DataVersionFilters []DataVersionFilterIB
}

func (m *ReadRequestMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		if m.AttributeRequests != nil {
			if err := writeArray(w, readReqTagAttributeRequests, m.AttributeRequests, (*AttributePathIB).EncodeWithTag); err != nil {
				return err
			}
		}
		if err := w.PutBool(tlv.ContextTag(readReqTagFabricFiltered), m.FabricFiltered); err != nil {
			return err
		}
		if m.DataVersionFilters != nil {
			return writeArray(w, readReqTagDataVersionFilters, m.DataVersionFilters, (*DataVersionFilterIB).EncodeWithTag)
		}
		return nil
	})
}

func (m *ReadRequestMessage) Decode(data []byte) error {
	*m = ReadRequestMessage{}
	hasFabricFiltered := false
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case readReqTagAttributeRequests:
			m.AttributeRequests, err = readArray(r, (*AttributePathIB).Decode)
		case readReqTagEventRequests, readReqTagEventFilters:
			m.HasEventRequests = true
		case readReqTagFabricFiltered:
			hasFabricFiltered = true
			m.FabricFiltered, err = r.Bool()
		case readReqTagDataVersionFilters:
			m.DataVersionFilters, err = readArray(r, (*DataVersionFilterIB).Decode)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasFabricFiltered {
		return ErrMissingField
	}
	return nil
}

const (
	subReqTagKeepSubscriptions  = 0
	subReqTagMinIntervalFloor   = 1
	subReqTagMaxIntervalCeiling = 2
	subReqTagAttributeRequests  = 3
	subReqTagEventRequests      = 4
	subReqTagEventFilters       = 5
	subReqTagFabricFiltered     = 7
	subReqTagDataVersionFilters = 8
)

// SubscribeRequestMessage opens a subscription. Intervals are in seconds.
type SubscribeRequestMessage struct {
	KeepSubscriptions  bool
	MinIntervalFloor   uint16
	MaxIntervalCeiling uint16
	AttributeRequests  []AttributePathIB
	HasEventRequests   bool
	FabricFiltered     bool
	DataVersionFilters []DataVersionFilterIB
}

func (m *SubscribeRequestMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		if err := w.PutBool(tlv.ContextTag(subReqTagKeepSubscriptions), m.KeepSubscriptions); err != nil {
			return err
		}
		if err := w.PutUint(tlv.ContextTag(subReqTagMinIntervalFloor), uint64(m.MinIntervalFloor)); err != nil {
			return err
		}
		if err := w.PutUint(tlv.ContextTag(subReqTagMaxIntervalCeiling), uint64(m.MaxIntervalCeiling)); err != nil {
			return err
		}
		if m.AttributeRequests != nil {
			if err := writeArray(w, subReqTagAttributeRequests, m.AttributeRequests, (*AttributePathIB).EncodeWithTag); err != nil {
				return err
			}
		}
		if err := w.PutBool(tlv.ContextTag(subReqTagFabricFiltered), m.FabricFiltered); err != nil {
			return err
		}
		if m.DataVersionFilters != nil {
			return writeArray(w, subReqTagDataVersionFilters, m.DataVersionFilters, (*DataVersionFilterIB).EncodeWithTag)
		}
		return nil
	})
}

func (m *SubscribeRequestMessage) Decode(data []byte) error {
	*m = SubscribeRequestMessage{}
	var seen [subReqTagDataVersionFilters + 1]bool
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		var err error
		if int(tag) < len(seen) {
			seen[tag] = true
		}
		switch tag {
		case subReqTagKeepSubscriptions:
			m.KeepSubscriptions, err = r.Bool()
		case subReqTagMinIntervalFloor:
			m.MinIntervalFloor, err = readUint[uint16](r)
		case subReqTagMaxIntervalCeiling:
			m.MaxIntervalCeiling, err = readUint[uint16](r)
		case subReqTagAttributeRequests:
			m.AttributeRequests, err = readArray(r, (*AttributePathIB).Decode)
		case subReqTagEventRequests, subReqTagEventFilters:
			m.HasEventRequests = true
		case subReqTagFabricFiltered:
			m.FabricFiltered, err = r.Bool()
		case subReqTagDataVersionFilters:
			m.DataVersionFilters, err = readArray(r, (*DataVersionFilterIB).Decode)
		}
		return err
	})
	if err != nil {
		return err
	}
	for _, tag := range []int{subReqTagKeepSubscriptions, subReqTagMinIntervalFloor, subReqTagMaxIntervalCeiling, subReqTagFabricFiltered} {
		if !seen[tag] {
			return ErrMissingField
		}
	}
	return nil
}

const (
	subRespTagSubscriptionID = 0
	subRespTagMaxInterval    = 2
)

// SubscribeResponseMessage confirms a subscription after its priming
// report was acknowledged.
type SubscribeResponseMessage struct {
	SubscriptionID uint32
	MaxInterval    uint16
}

func (m *SubscribeResponseMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		if err := w.PutUint(tlv.ContextTag(subRespTagSubscriptionID), uint64(m.SubscriptionID)); err != nil {
			return err
		}
		return w.PutUint(tlv.ContextTag(subRespTagMaxInterval), uint64(m.MaxInterval))
	})
}

func (m *SubscribeResponseMessage) Decode(data []byte) error {
	*m = SubscribeResponseMessage{}
	var hasID, hasMax bool
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case subRespTagSubscriptionID:
			hasID = true
			m.SubscriptionID, err = readUint[uint32](r)
		case subRespTagMaxInterval:
			hasMax = true
			m.MaxInterval, err = readUint[uint16](r)
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasID || !hasMax {
		return ErrMissingField
	}
	return nil
}

const (
	reportTagSubscriptionID   = 0
	reportTagAttributeReports = 1
	reportTagEventReports     = 2
	reportTagMoreChunked      = 3
	reportTagSuppressResponse = 4
)

// ReportDataMessage carries attribute reports for a read or subscription.
type ReportDataMessage struct {
	SubscriptionID      *uint32
	AttributeReports    []AttributeReportIB
	MoreChunkedMessages bool
	SuppressResponse    bool
}

func (m *ReportDataMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		if err := putUintPtr(w, reportTagSubscriptionID, m.SubscriptionID); err != nil {
			return err
		}
		if m.AttributeReports != nil {
			if err := writeArray(w, reportTagAttributeReports, m.AttributeReports, (*AttributeReportIB).EncodeWithTag); err != nil {
				return err
			}
		}
		if err := putFlag(w, reportTagMoreChunked, m.MoreChunkedMessages); err != nil {
			return err
		}
		return putFlag(w, reportTagSuppressResponse, m.SuppressResponse)
	})
}

func (m *ReportDataMessage) Decode(data []byte) error {
	*m = ReportDataMessage{}
	return decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case reportTagSubscriptionID:
			m.SubscriptionID, err = readUintPtr[uint32](r)
		case reportTagAttributeReports:
			m.AttributeReports, err = readArray(r, (*AttributeReportIB).Decode)
		case reportTagMoreChunked:
			m.MoreChunkedMessages, err = r.Bool()
		case reportTagSuppressResponse:
			m.SuppressResponse, err = r.Bool()
		}
		return err
	})
}

// ReportDataWriter streams a ReportData message into a size-limited
// writer, so the engine can stop adding reports when a chunk is full.
type ReportDataWriter struct {
	w *tlv.Writer
}

// reportTrailerSize is room kept for MoreChunked, SuppressResponse and the
// revision. End markers are reserved by the writer itself.
const reportTrailerSize = 2 + 2 + 3

// NewReportDataWriter starts a ReportData message of at most limit bytes.
func NewReportDataWriter(limit int, subscriptionID *uint32) (*ReportDataWriter, error) {
	w := tlv.NewLimitedWriter(limit - reportTrailerSize)
	if err := w.StartStructure(tlv.Anonymous()); err != nil {
		return nil, err
	}
	if err := putUintPtr(w, reportTagSubscriptionID, subscriptionID); err != nil {
		return nil, err
	}
	if err := w.StartArray(tlv.ContextTag(reportTagAttributeReports)); err != nil {
		return nil, err
	}
	return &ReportDataWriter{w: w}, nil
}

// Writer returns the writer positioned inside the AttributeReports array.
func (b *ReportDataWriter) Writer() *tlv.Writer { return b.w }

// Finish closes the message into the room reserved for the trailer.
func (b *ReportDataWriter) Finish(moreChunked, suppressResponse bool) ([]byte, error) {
	w := b.w
	w.SetLimit(0)
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	if err := putFlag(w, reportTagMoreChunked, moreChunked); err != nil {
		return nil, err
	}
	if err := putFlag(w, reportTagSuppressResponse, suppressResponse); err != nil {
		return nil, err
	}
	if err := w.PutUint(tlv.ContextTag(tagIMRevision), InteractionModelRevision); err != nil {
		return nil, err
	}
	if err := w.EndContainer(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

const (
	writeReqTagSuppressResponse = 0
	writeReqTagTimedRequest     = 1
	writeReqTagWriteRequests    = 2
	writeReqTagMoreChunked      = 3
)

// WriteRequestMessage writes attribute values.
type WriteRequestMessage struct {
	SuppressResponse    bool
	TimedRequest        bool
	WriteRequests       []AttributeDataIB
	MoreChunkedMessages bool
}

func (m *WriteRequestMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		if err := putFlag(w, writeReqTagSuppressResponse, m.SuppressResponse); err != nil {
			return err
		}
		if err := w.PutBool(tlv.ContextTag(writeReqTagTimedRequest), m.TimedRequest); err != nil {
			return err
		}
		if err := writeArray(w, writeReqTagWriteRequests, m.WriteRequests, (*AttributeDataIB).EncodeWithTag); err != nil {
			return err
		}
		return putFlag(w, writeReqTagMoreChunked, m.MoreChunkedMessages)
	})
}

func (m *WriteRequestMessage) Decode(data []byte) error {
	*m = WriteRequestMessage{}
	var hasTimed, hasRequests bool
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case writeReqTagSuppressResponse:
			m.SuppressResponse, err = r.Bool()
		case writeReqTagTimedRequest:
			hasTimed = true
			m.TimedRequest, err = r.Bool()
		case writeReqTagWriteRequests:
			hasRequests = true
			m.WriteRequests, err = readArray(r, (*AttributeDataIB).Decode)
		case writeReqTagMoreChunked:
			m.MoreChunkedMessages, err = r.Bool()
		}
		return err
	})
	if err != nil {
		return err
	}
	if !hasTimed || !hasRequests {
		return ErrMissingField
	}
	return nil
}

const writeRespTagWriteResponses = 0

// WriteResponseMessage reports one status per written path.
type WriteResponseMessage struct {
	WriteResponses []AttributeStatusIB
}

func (m *WriteResponseMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		return writeArray(w, writeRespTagWriteResponses, m.WriteResponses, (*AttributeStatusIB).EncodeWithTag)
	})
}

func (m *WriteResponseMessage) Decode(data []byte) error {
	*m = WriteResponseMessage{}
	has := false
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		if tag != writeRespTagWriteResponses {
			return nil
		}
		has = true
		var err error
		m.WriteResponses, err = readArray(r, (*AttributeStatusIB).Decode)
		return err
	})
	if err != nil {
		return err
	}
	if !has {
		return ErrMissingField
	}
	return nil
}

const (
	invokeReqTagSuppressResponse = 0
	invokeReqTagTimedRequest     = 1
	invokeReqTagInvokeRequests   = 2
)

// InvokeRequestMessage invokes one or more commands.
type InvokeRequestMessage struct {
	SuppressResponse bool
	TimedRequest     bool
	InvokeRequests   []CommandDataIB
}

func (m *InvokeRequestMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		if err := w.PutBool(tlv.ContextTag(invokeReqTagSuppressResponse), m.SuppressResponse); err != nil {
			return err
		}
		if err := w.PutBool(tlv.ContextTag(invokeReqTagTimedRequest), m.TimedRequest); err != nil {
			return err
		}
		return writeArray(w, invokeReqTagInvokeRequests, m.InvokeRequests, (*CommandDataIB).EncodeWithTag)
	})
}

func (m *InvokeRequestMessage) Decode(data []byte) error {
	*m = InvokeRequestMessage{}
	var seen [invokeReqTagInvokeRequests + 1]bool
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		var err error
		if int(tag) < len(seen) {
			seen[tag] = true
		}
		switch tag {
		case invokeReqTagSuppressResponse:
			m.SuppressResponse, err = r.Bool()
		case invokeReqTagTimedRequest:
			m.TimedRequest, err = r.Bool()
		case invokeReqTagInvokeRequests:
			m.InvokeRequests, err = readArray(r, (*CommandDataIB).Decode)
		}
		return err
	})
	if err != nil {
		return err
	}
	for _, ok := range seen {
		if !ok {
			return ErrMissingField
		}
	}
	return nil
}

const (
	invokeRespTagSuppressResponse = 0
	invokeRespTagInvokeResponses  = 1
	invokeRespTagMoreChunked      = 2
)

// InvokeResponseMessage carries the responses of an invoke batch.
type InvokeResponseMessage struct {
	SuppressResponse    bool
	InvokeResponses     []InvokeResponseIB
	MoreChunkedMessages bool
}

func (m *InvokeResponseMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		if err := w.PutBool(tlv.ContextTag(invokeRespTagSuppressResponse), m.SuppressResponse); err != nil {
			return err
		}
		if err := writeArray(w, invokeRespTagInvokeResponses, m.InvokeResponses, (*InvokeResponseIB).EncodeWithTag); err != nil {
			return err
		}
		return putFlag(w, invokeRespTagMoreChunked, m.MoreChunkedMessages)
	})
}

func (m *InvokeResponseMessage) Decode(data []byte) error {
	*m = InvokeResponseMessage{}
	return decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		var err error
		switch tag {
		case invokeRespTagSuppressResponse:
			m.SuppressResponse, err = r.Bool()
		case invokeRespTagInvokeResponses:
			m.InvokeResponses, err = readArray(r, (*InvokeResponseIB).Decode)
		case invokeRespTagMoreChunked:
			m.MoreChunkedMessages, err = r.Bool()
		}
		return err
	})
}

const timedReqTagTimeout = 0

// TimedRequestMessage opens a timed interaction window, in milliseconds.
type TimedRequestMessage struct {
	Timeout uint16
}

func (m *TimedRequestMessage) Encode() ([]byte, error) {
	return encodeMessage(func(w *tlv.Writer) error {
		return w.PutUint(tlv.ContextTag(timedReqTagTimeout), uint64(m.Timeout))
	})
}

func (m *TimedRequestMessage) Decode(data []byte) error {
	*m = TimedRequestMessage{}
	has := false
	err := decodeMessage(data, func(tag uint32, r *tlv.Reader) error {
		if tag != timedReqTagTimeout {
			return nil
		}
		has = true
		var err error
		m.Timeout, err = readUint[uint16](r)
		return err
	})
	if err != nil {
		return err
	}
	if !has {
		return ErrMissingField
	}
	return nil
}
