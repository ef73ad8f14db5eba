// Package message encodes and decodes Interaction Model messages and the
// information blocks (IBs) they carry.
//
// Top-level messages expose Encode() ([]byte, error) and Decode([]byte).
// Information blocks expose EncodeWithTag, which writes the block under a
// given tag into a tlv.Writer, and Decode, which reads the block the
// tlv.Reader is positioned on.
package message

import "fmt"

// ProtocolID is the Interaction Model protocol identifier.
const ProtocolID uint16 = 0x0001

// InteractionModelRevision is written into every message.
const InteractionModelRevision = 11

// tagIMRevision is the context tag carrying InteractionModelRevision.
const tagIMRevision = 0xFF

// Opcode is an Interaction Model message type.
type Opcode uint8

const (
	OpcodeStatusResponse    Opcode = 0x01
	OpcodeReadRequest       Opcode = 0x02
	OpcodeSubscribeRequest  Opcode = 0x03
	OpcodeSubscribeResponse Opcode = 0x04
	OpcodeReportData        Opcode = 0x05
	OpcodeWriteRequest      Opcode = 0x06
	OpcodeWriteResponse     Opcode = 0x07
	OpcodeInvokeRequest     Opcode = 0x08
	OpcodeInvokeResponse    Opcode = 0x09
	OpcodeTimedRequest      Opcode = 0x0a
)

var opcodeNames = [...]string{
	OpcodeStatusResponse:    "StatusResponse",
	OpcodeReadRequest:       "ReadRequest",
	OpcodeSubscribeRequest:  "SubscribeRequest",
	OpcodeSubscribeResponse: "SubscribeResponse",
	OpcodeReportData:        "ReportData",
	OpcodeWriteRequest:      "WriteRequest",
	OpcodeWriteResponse:     "WriteResponse",
	OpcodeInvokeRequest:     "InvokeRequest",
	OpcodeInvokeResponse:    "InvokeResponse",
	OpcodeTimedRequest:      "TimedRequest",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) && opcodeNames[o] != "" {
		return opcodeNames[o]
	}
	return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
}

// IsValid reports whether o is a known opcode.
func (o Opcode) IsValid() bool {
	return o >= OpcodeStatusResponse && o <= OpcodeTimedRequest
}
