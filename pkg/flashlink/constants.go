// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flashlink implements the framed link to an X4 flash bridge.
//
// A flash bridge is a companion MCU or network relay that owns the ROM
// bootloader session of the reader and exposes plain read and write requests
// over a serial port or WebSocket. Frames are byte-stuffed, CRC protected and
// carry a CBOR message: [msg_type, {key: value}].
package flashlink

import "github.com/juju/errors"

// Protocol framing bytes
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Frame size limits
const (
	HeaderSize     = 4 // length u16 + tag u16
	MaxPayloadSize = 4608
	MaxFrameSize   = HeaderSize + MaxPayloadSize + 2
)

// Transfer chunking
const (
	DefaultChunkSize = 0x1000
	MaxChunkSize     = 0x1000
)

// CRC-16-CCITT configuration
const (
	crcPolynomial = 0x1021
	crcInitial    = 0xFFFF
)

// Message types - Requests (Host → Bridge) 0x10-0x1F
const (
	MsgReadRequest  = 0x10
	MsgWriteRequest = 0x11
	MsgWriteFinish  = 0x12
	MsgPingRequest  = 0x1F
)

// Message types - Responses (Bridge → Host) 0x30-0x3F
const (
	MsgReadData     = 0x30
	MsgWriteAck     = 0x31
	MsgWriteDone    = 0x32
	MsgPingResponse = 0x3F
)

// Message types - Errors (Bridge → Host) 0xE0-0xEF
const (
	MsgError = 0xE0
)

// ErrorCode is carried in an ERROR frame
type ErrorCode uint64

// Error code values
const (
	ErrorNone         ErrorCode = 0x00
	ErrorBadRequest   ErrorCode = 0x01
	ErrorOutOfRange   ErrorCode = 0x02
	ErrorFlashFailure ErrorCode = 0x03
	ErrorBusy         ErrorCode = 0x04
	ErrorUnsupported  ErrorCode = 0x05
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "NONE"
	case ErrorBadRequest:
		return "BAD_REQUEST"
	case ErrorOutOfRange:
		return "OUT_OF_RANGE"
	case ErrorFlashFailure:
		return "FLASH_FAILURE"
	case ErrorBusy:
		return "BUSY"
	case ErrorUnsupported:
		return "UNSUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// Decoder states (internal)
const (
	stateIdle = iota
	stateLength
	stateTag
	statePayload
	stateCRC1
	stateCRC2
	stateEnd
)

const (
	// ErrCRCMismatch is returned by the decoder for frames with a bad checksum
	ErrCRCMismatch = errors.ConstError("CRC mismatch")

	// ErrFrameTooLarge is returned for frames above MaxPayloadSize
	ErrFrameTooLarge = errors.ConstError("frame too large")
)
