// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

// Message builder functions create Frames ready for encoding.
// Keys follow the flashlink payload maps; responses echo the request tag.

// NewReadRequest creates a READ_REQUEST frame (0x10).
// The bridge answers with READ_DATA holding size bytes from offset.
func NewReadRequest(tag uint16, offset, size uint32) *Frame {
	return NewFrame(tag, MsgReadRequest, map[int]interface{}{
		0: uint64(offset),
		1: uint64(size),
	})
}

// NewWriteRequest creates a WRITE_REQUEST frame (0x11)
func NewWriteRequest(tag uint16, address uint32, data []byte) *Frame {
	return NewFrame(tag, MsgWriteRequest, map[int]interface{}{
		0: uint64(address),
		1: data,
	})
}

// NewWriteFinish creates a WRITE_FINISH frame (0x12).
// The bridge re-reads the region and compares it against digest.
func NewWriteFinish(tag uint16, address, size uint32, digest []byte) *Frame {
	return NewFrame(tag, MsgWriteFinish, map[int]interface{}{
		0: uint64(address),
		1: uint64(size),
		2: digest,
	})
}

// NewPingRequest creates a PING_REQUEST frame (0x1F)
func NewPingRequest(tag uint16) *Frame {
	return NewFrame(tag, MsgPingRequest, nil)
}

// NewReadData creates a READ_DATA frame (0x30)
func NewReadData(tag uint16, offset uint32, data []byte) *Frame {
	return NewFrame(tag, MsgReadData, map[int]interface{}{
		0: uint64(offset),
		1: data,
	})
}

// NewWriteAck creates a WRITE_ACK frame (0x31)
func NewWriteAck(tag uint16, address uint32, length int) *Frame {
	return NewFrame(tag, MsgWriteAck, map[int]interface{}{
		0: uint64(address),
		1: uint64(length),
	})
}

// NewWriteDone creates a WRITE_DONE frame (0x32)
func NewWriteDone(tag uint16, verified bool) *Frame {
	return NewFrame(tag, MsgWriteDone, map[int]interface{}{
		0: verified,
	})
}

// NewPingResponse creates a PING_RESPONSE frame (0x3F)
func NewPingResponse(tag uint16, info BridgeInfo) *Frame {
	return NewFrame(tag, MsgPingResponse, map[int]interface{}{
		0: info.UptimeMs,
		1: info.Chip,
		2: uint64(info.FlashSize),
	})
}

// NewErrorFrame creates an ERROR frame (0xE0)
func NewErrorFrame(tag uint16, code ErrorCode, message string) *Frame {
	return NewFrame(tag, MsgError, map[int]interface{}{
		0: uint64(code),
		1: message,
	})
}

// BridgeInfo describes a bridge and the chip behind it
type BridgeInfo struct {
	UptimeMs  uint64
	Chip      string
	FlashSize uint32
}

// ParsePingResponse extracts BridgeInfo from a PING_RESPONSE frame
func ParsePingResponse(f *Frame) (BridgeInfo, bool) {
	m := f.PayloadMap()
	uptime, ok1 := GetMapUint(m, 0)
	chip, ok2 := GetMapString(m, 1)
	size, ok3 := GetMapUint32(m, 2)
	return BridgeInfo{UptimeMs: uptime, Chip: chip, FlashSize: size}, ok1 && ok2 && ok3
}
