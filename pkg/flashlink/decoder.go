// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"fmt"
	"time"
)

// Decoder implements the flashlink frame decoder state machine
type Decoder struct {
	state       int
	buffer      []byte
	bufferIndex int
	escapeNext  bool
	fieldBytes  int // Counter for multi-byte header fields
	frame       *Frame
	rawBuffer   []byte // Accumulate raw bytes including framing
}

// NewDecoder creates a new frame decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:     stateIdle,
		buffer:    make([]byte, MaxFrameSize),
		rawBuffer: make([]byte, 0, MaxFrameSize*2),
	}
}

// Reset resets the decoder state to idle
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.bufferIndex = 0
	d.fieldBytes = 0
	d.escapeNext = false
	d.frame = nil
	d.rawBuffer = d.rawBuffer[:0]
}

// GetRawBytes returns the accumulated raw bytes since the last frame
func (d *Decoder) GetRawBytes() []byte {
	return d.rawBuffer
}

// store appends an unstuffed byte to the CRC buffer
func (d *Decoder) store(b byte) error {
	if d.bufferIndex >= len(d.buffer) {
		d.Reset()
		return fmt.Errorf("%w: buffer overflow", ErrFrameTooLarge)
	}
	d.buffer[d.bufferIndex] = b
	d.bufferIndex++
	return nil
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed frame, or nil if the frame is incomplete.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	d.rawBuffer = append(d.rawBuffer, b)

	// Handle byte stuffing
	if b == EscByte && !d.escapeNext && d.state != stateIdle {
		d.escapeNext = true
		return nil, nil
	}

	escaped := d.escapeNext
	if escaped {
		b ^= EscXor
		d.escapeNext = false
	}

	// Handle framing bytes
	if !escaped && b == StartByte {
		d.Reset()
		d.rawBuffer = append(d.rawBuffer[:0], b)
		d.frame = &Frame{}
		d.state = stateLength
		return nil, nil
	}

	if !escaped && b == EndByte {
		if d.state == stateEnd {
			frame := d.frame
			calculated := CalculateCRC(d.buffer[:d.bufferIndex])
			if frame.crc != calculated {
				err := fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCRCMismatch, calculated, frame.crc)
				d.Reset()
				return nil, err
			}
			frame.cborPayload = append([]byte(nil), d.buffer[HeaderSize:d.bufferIndex]...)
			frame.timestamp = time.Now()
			d.Reset()
			return frame, nil
		}
		state := d.state
		d.Reset()
		if state == stateIdle {
			return nil, nil
		}
		return nil, fmt.Errorf("unexpected END byte in state %d", state)
	}

	switch d.state {
	case stateIdle:
		// Waiting for START byte
		return nil, nil

	case stateLength:
		if err := d.store(b); err != nil {
			return nil, err
		}
		d.frame.length |= uint16(b) << (d.fieldBytes * 8)
		d.fieldBytes++
		if d.fieldBytes == 2 {
			if d.frame.length > MaxPayloadSize {
				length := d.frame.length
				d.Reset()
				return nil, fmt.Errorf("%w: length %d (max %d)", ErrFrameTooLarge, length, MaxPayloadSize)
			}
			d.fieldBytes = 0
			d.state = stateTag
		}
		return nil, nil

	case stateTag:
		if err := d.store(b); err != nil {
			return nil, err
		}
		d.frame.tag |= uint16(b) << (d.fieldBytes * 8)
		d.fieldBytes++
		if d.fieldBytes == 2 {
			if d.frame.length == 0 {
				d.state = stateCRC1
			} else {
				d.state = statePayload
			}
		}
		return nil, nil

	case statePayload:
		if err := d.store(b); err != nil {
			return nil, err
		}
		if d.bufferIndex-HeaderSize >= int(d.frame.length) {
			d.state = stateCRC1
		}
		return nil, nil

	case stateCRC1:
		d.frame.crc = uint16(b) << 8
		d.state = stateCRC2
		return nil, nil

	case stateCRC2:
		d.frame.crc |= uint16(b)
		d.state = stateEnd
		return nil, nil

	default:
		d.Reset()
		return nil, fmt.Errorf("expected END byte, got 0x%02X", b)
	}
}

// Decode feeds a buffer through the decoder and returns every complete frame.
// Decode errors are collected and decoding continues with the next frame.
func (d *Decoder) Decode(data []byte) ([]*Frame, []error) {
	var frames []*Frame
	var errs []error
	for _, b := range data {
		frame, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames, errs
}
