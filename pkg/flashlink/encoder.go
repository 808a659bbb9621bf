// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Encode encodes a Frame to wire format
func (f *Frame) Encode() ([]byte, error) {
	return EncodeFrame(f.Tag(), f.Type(), f.PayloadMap())
}

// EncodeFrame creates a complete wire-formatted frame.
// The result includes framing and byte stuffing and is ready for transmission.
func EncodeFrame(tag uint16, msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	cborPayload, err := encodeCBORPayload(msgType, payloadMap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR payload: %w", err)
	}
	if len(cborPayload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: CBOR payload %d bytes (max %d)", ErrFrameTooLarge, len(cborPayload), MaxPayloadSize)
	}

	// Header and payload are CRC'd and byte-stuffed together
	data := make([]byte, HeaderSize+len(cborPayload), HeaderSize+len(cborPayload)+2)
	binary.LittleEndian.PutUint16(data[0:2], uint16(len(cborPayload)))
	binary.LittleEndian.PutUint16(data[2:4], tag)
	copy(data[HeaderSize:], cborPayload)

	crc := CalculateCRC(data)
	data = append(data, byte(crc>>8), byte(crc&0xFF))

	stuffed := stuffBytes(data)
	frame := make([]byte, 0, len(stuffed)+2)
	frame = append(frame, StartByte)
	frame = append(frame, stuffed...)
	frame = append(frame, EndByte)
	return frame, nil
}

// encodeCBORPayload creates the CBOR-encoded payload for a message
func encodeCBORPayload(msgType uint8, payloadMap map[int]interface{}) ([]byte, error) {
	var msg interface{}
	if len(payloadMap) == 0 {
		msg = []interface{}{uint64(msgType), nil}
	} else {
		msg = []interface{}{uint64(msgType), payloadMap}
	}
	return cbor.Marshal(msg)
}

// stuffBytes escapes START, END and ESC bytes
func stuffBytes(data []byte) []byte {
	result := make([]byte, 0, len(data)+len(data)/8)
	for _, b := range data {
		if b == StartByte || b == EndByte || b == EscByte {
			result = append(result, EscByte, b^EscXor)
		} else {
			result = append(result, b)
		}
	}
	return result
}

// UnstuffBytes removes byte stuffing from escaped data
func UnstuffBytes(data []byte) ([]byte, error) {
	result := make([]byte, 0, len(data))
	escapeNext := false

	for _, b := range data {
		if escapeNext {
			result = append(result, b^EscXor)
			escapeNext = false
		} else if b == EscByte {
			escapeNext = true
		} else {
			result = append(result, b)
		}
	}

	if escapeNext {
		return nil, fmt.Errorf("incomplete escape sequence at end of data")
	}
	return result, nil
}
