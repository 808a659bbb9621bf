// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import "time"

// Frame is one decoded flashlink frame
type Frame struct {
	length      uint16
	tag         uint16
	cborPayload []byte // Raw CBOR bytes: [msg_type, payload_map]
	crc         uint16
	timestamp   time.Time

	// Cached parsed values (lazy parsing)
	msgType    uint8
	payloadMap map[int]interface{}
	parsed     bool
	parseErr   error
}

// NewFrame creates a frame from its message type and payload map.
// The CBOR encoding and CRC are computed when the frame is encoded.
func NewFrame(tag uint16, msgType uint8, payload map[int]interface{}) *Frame {
	return &Frame{
		tag:        tag,
		msgType:    msgType,
		payloadMap: payload,
		parsed:     true,
		timestamp:  time.Now(),
	}
}

// ensureParsed parses the CBOR payload if not already done
func (f *Frame) ensureParsed() {
	if f.parsed {
		return
	}
	f.parsed = true
	if len(f.cborPayload) == 0 {
		return
	}
	f.msgType, f.payloadMap, f.parseErr = ParseCBORMessage(f.cborPayload)
}

// Length returns the CBOR payload length
func (f *Frame) Length() uint16 {
	return f.length
}

// Tag returns the request tag echoed by the bridge
func (f *Frame) Tag() uint16 {
	return f.tag
}

// Type returns the message type (parsed from CBOR)
func (f *Frame) Type() uint8 {
	f.ensureParsed()
	return f.msgType
}

// Payload returns the raw CBOR payload bytes
func (f *Frame) Payload() []byte {
	return f.cborPayload
}

// PayloadMap returns the decoded payload map (nil for empty payloads)
func (f *Frame) PayloadMap() map[int]interface{} {
	f.ensureParsed()
	return f.payloadMap
}

// ParseError returns any error from parsing the CBOR payload
func (f *Frame) ParseError() error {
	f.ensureParsed()
	return f.parseErr
}

// CRC returns the frame CRC
func (f *Frame) CRC() uint16 {
	return f.crc
}

// Timestamp returns when the frame was decoded or built
func (f *Frame) Timestamp() time.Time {
	return f.timestamp
}

// IsResponse reports whether the frame travels from bridge to host
func (f *Frame) IsResponse() bool {
	t := f.Type()
	return (t >= 0x30 && t <= 0x3F) || t == MsgError
}
