// Copyright (C) 2025 The lunagraph authors. All rights reserved.

package lunagraph

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Packet is the parsed format of a lunagraph v0 datagram.
//
// Each datagram begins with the two magic bytes "LG" followed by a protocol
// version and a packet type. The remainder of the datagram is the payload.
// Datagrams are self-delimiting, so no length word is included.
type Packet struct {
	Protocol byte
	Type     PacketType
	Payload  []byte
}

// headerLen is the length in bytes of the fixed packet header.
const headerLen = 4

// Encode encodes p in binary format, suitable for sending as one datagram.
func (p *Packet) Encode() []byte {
	buf := make([]byte, headerLen+len(p.Payload))
	buf[0], buf[1], buf[2], buf[3] = 'L', 'G', p.Protocol, byte(p.Type)
	copy(buf[headerLen:], p.Payload)
	return buf
}

// Decode decodes data as a lunagraph v0 packet into p.
func (p *Packet) Decode(data []byte) error {
	if len(data) < headerLen {
		return fmt.Errorf("short packet header (%d bytes)", len(data))
	}
	if v := string(data[:3]); v != "LG\x00" {
		return fmt.Errorf("invalid protocol version %q", v)
	}
	p.Protocol = data[2]
	p.Type = PacketType(data[3])
	if len(data) > headerLen {
		p.Payload = data[headerLen:]
	} else {
		p.Payload = nil
	}
	return nil
}

// String returns a human-friendly rendering of the packet.
func (p *Packet) String() string {
	var pay string
	switch p.Type {
	case PacketRequest:
		var req Request
		if err := req.UnmarshalBinary(p.Payload); err == nil {
			pay = req.String()
		}
	case PacketResponse:
		var rsp Response
		if err := rsp.UnmarshalBinary(p.Payload); err == nil {
			pay = rsp.String()
		}
	}
	if pay == "" {
		pay = fmt.Sprint(p.Payload)
	}
	return fmt.Sprintf("Packet(LG%v, %v, %s)", p.Protocol, p.Type, pay)
}

// PacketType describes the structure type of a lunagraph v0 packet.
type PacketType byte

const (
	PacketRequest  PacketType = 2 // A graph operation request
	PacketResponse PacketType = 4 // The response to a request
)

func (p PacketType) String() string {
	switch p {
	case PacketRequest:
		return "REQUEST"
	case PacketResponse:
		return "RESPONSE"
	default:
		return fmt.Sprintf("TYPE:%d", byte(p))
	}
}

// Request is the payload format for a lunagraph v0 request packet. The Data
// field carries one encoded graph operation; this package does not interpret
// its contents.
type Request struct {
	RequestID uint32
	Data      []byte
}

// Encode encodes the request data in binary format.
func (r Request) Encode() []byte {
	buf := make([]byte, 4+len(r.Data))
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	copy(buf[4:], r.Data)
	return buf
}

// UnmarshalBinary decodes data into a lunagraph v0 request payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("short request payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	if len(data[4:]) > 0 {
		r.Data = data[4:]
	} else {
		r.Data = nil
	}
	return nil
}

// String returns a human-friendly rendering of the request.
func (r Request) String() string {
	return fmt.Sprintf("Request(ID=%v, Data=%+v)", r.RequestID, r.Data)
}

// Response is the payload format for a lunagraph v0 response packet.
type Response struct {
	RequestID uint32
	Code      ResultCode
	Data      []byte
}

// Encode encodes the response data in binary format.
func (r Response) Encode() []byte {
	buf := make([]byte, 5+len(r.Data)) // 4 request ID, 1 code
	binary.BigEndian.PutUint32(buf[0:], r.RequestID)
	buf[4] = byte(r.Code)
	copy(buf[5:], r.Data)
	return buf
}

// UnmarshalBinary decodes data into a lunagraph v0 response payload.
// It implements encoding.BinaryUnmarshaler.
func (r *Response) UnmarshalBinary(data []byte) error {
	if len(data) < 5 { // 4 request ID, 1 code
		return fmt.Errorf("short response payload (%d bytes)", len(data))
	}
	r.RequestID = binary.BigEndian.Uint32(data[0:])
	r.Code = ResultCode(data[4])
	if r.Code > CodeError {
		return fmt.Errorf("invalid result code %d", r.Code)
	}
	if len(data[5:]) > 0 {
		r.Data = data[5:]
	} else {
		r.Data = nil
	}
	return nil
}

// NodeID decodes the response data as a node identifier. It reports an error
// if the response does not carry exactly one identifier.
func (r *Response) NodeID() (uint32, error) {
	if len(r.Data) != 4 {
		return 0, fmt.Errorf("invalid node ID payload (%d bytes)", len(r.Data))
	}
	return binary.BigEndian.Uint32(r.Data), nil
}

// String returns a human-friendly rendering of the response.
func (r Response) String() string {
	var data string
	if r.Code == CodeError {
		var ed ErrorData
		if ed.UnmarshalBinary(r.Data) == nil {
			data = fmt.Sprintf("ErrorData(Code=%d, %q)", ed.Code, ed.Message)
		}
	}
	if data == "" {
		data = fmt.Sprintf("Data=%+v", r.Data)
	}
	return fmt.Sprintf("Response(ID=%v, Code=%v, %s)", r.RequestID, r.Code, data)
}

// ResultCode describes the result status of a completed graph operation.
type ResultCode byte

const (
	CodeOK        ResultCode = 0 // Operation completed successfully
	CodeUnknownOp ResultCode = 1 // Requested an unknown operation
	CodeError     ResultCode = 2 // Operation failed on the remote graph
)

func (c ResultCode) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeUnknownOp:
		return "UNKNOWN_OP"
	case CodeError:
		return "ERROR"
	default:
		return fmt.Sprintf("result code %d", byte(c))
	}
}

// ErrorData is the response data format for a failed operation.
type ErrorData struct {
	Code    uint16
	Message string
}

// Error implements the error interface, allowing an ErrorData value to be
// used as an error. The remote engine uses it to report why an operation
// could not be applied to the graph.
func (e ErrorData) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("[code %d] %s", e.Code, e.Message)
	}
	return e.Message
}

// Encode encodes the error data in binary format.
func (e ErrorData) Encode() []byte {
	msg := truncate(e.Message, math.MaxUint16)
	buf := make([]byte, 4+len(msg)) // 2 code, 2 length
	binary.BigEndian.PutUint16(buf[0:], e.Code)
	binary.BigEndian.PutUint16(buf[2:], uint16(len(msg)))
	copy(buf[4:], msg)
	return buf
}

// truncate returns a prefix of a UTF-8 string s, having length no greater
// than n bytes. If s exceeds this length, it is truncated at a point ≤ n so
// that the result does not end in a partial UTF-8 encoding.
func truncate(s string, n int) string {
	if n >= len(s) {
		return s
	}
	for n > 0 && s[n-1]&0xc0 == 0x80 { // continuation byte
		n--
	}
	if n > 0 && s[n-1]&0xc0 == 0xc0 { // start of a multibyte encoding
		n--
	}
	return s[:n]
}

// UnmarshalBinary decodes data into a lunagraph v0 error data payload.
// It implements encoding.BinaryUnmarshaler.
func (e *ErrorData) UnmarshalBinary(data []byte) error {
	// Special case: An empty payload is accepted as encoding empty details.
	if len(data) == 0 {
		*e = ErrorData{}
		return nil
	} else if len(data) < 4 {
		return fmt.Errorf("invalid error data (%d bytes)", len(data))
	}
	mlen := int(binary.BigEndian.Uint16(data[2:]))
	if 4+mlen > len(data) {
		return fmt.Errorf("error message truncated (%d > %d bytes)", 4+mlen, len(data))
	}
	e.Code = binary.BigEndian.Uint16(data[0:])
	e.Message = string(data[4 : 4+mlen])
	return nil
}
