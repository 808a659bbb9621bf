// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
)

// FormatFrame formats a frame into a human-readable string
func FormatFrame(f *Frame) string {
	timestamp := f.timestamp.Format("15:04:05.000")
	msgType := FormatMessageType(f.Type())

	result := fmt.Sprintf("[%s] %s (0x%02X) tag=%d len=%d\n", timestamp, msgType, f.Type(), f.tag, f.length)
	if err := f.ParseError(); err != nil {
		return result + fmt.Sprintf("  (undecodable payload: %v)\n", err)
	}
	return result + FormatPayloadMap(f.Type(), f.PayloadMap())
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType uint8) string {
	switch msgType {
	// Requests (0x10-0x1F)
	case MsgReadRequest:
		return "READ_REQUEST"
	case MsgWriteRequest:
		return "WRITE_REQUEST"
	case MsgWriteFinish:
		return "WRITE_FINISH"
	case MsgPingRequest:
		return "PING_REQUEST"

	// Responses (0x30-0x3F)
	case MsgReadData:
		return "READ_DATA"
	case MsgWriteAck:
		return "WRITE_ACK"
	case MsgWriteDone:
		return "WRITE_DONE"
	case MsgPingResponse:
		return "PING_RESPONSE"

	// Errors (0xE0-0xEF)
	case MsgError:
		return "ERROR"

	default:
		return "UNKNOWN"
	}
}

// FormatPayloadMap formats the CBOR payload map based on message type
func FormatPayloadMap(msgType uint8, m map[int]interface{}) string {
	switch msgType {
	case MsgPingRequest:
		return "  (no payload)\n"

	case MsgReadRequest:
		// 0 => offset, 1 => size
		offset, _ := GetMapUint(m, 0)
		size, _ := GetMapUint(m, 1)
		return fmt.Sprintf("  Offset: 0x%06X, Size: %s\n", offset, humanize.IBytes(size))

	case MsgWriteRequest, MsgReadData:
		// 0 => address/offset, 1 => data
		address, _ := GetMapUint(m, 0)
		data, _ := GetMapBytes(m, 1)
		return fmt.Sprintf("  Address: 0x%06X, Data: %s\n", address, humanize.IBytes(uint64(len(data))))

	case MsgWriteFinish:
		// 0 => address, 1 => size, 2 => md5
		address, _ := GetMapUint(m, 0)
		size, _ := GetMapUint(m, 1)
		digest, _ := GetMapBytes(m, 2)
		return fmt.Sprintf("  Address: 0x%06X, Size: %s, MD5: %x\n", address, humanize.IBytes(size), digest)

	case MsgWriteAck:
		// 0 => address, 1 => length
		address, _ := GetMapUint(m, 0)
		length, _ := GetMapUint(m, 1)
		return fmt.Sprintf("  Address: 0x%06X, Length: %d\n", address, length)

	case MsgWriteDone:
		// 0 => verified
		verified, _ := GetMapBool(m, 0)
		return fmt.Sprintf("  Verified: %t\n", verified)

	case MsgPingResponse:
		// 0 => uptime-ms, 1 => chip, 2 => flash-size
		uptime, _ := GetMapUint(m, 0)
		chip, _ := GetMapString(m, 1)
		size, _ := GetMapUint(m, 2)
		return fmt.Sprintf("  Uptime: %s, Chip: %s, Flash: %s\n", formatUptime(uptime), chip, humanize.IBytes(size))

	case MsgError:
		// 0 => code, 1 => message
		code, _ := GetMapUint(m, 0)
		message, _ := GetMapString(m, 1)
		return fmt.Sprintf("  Code: %s (%d), Message: %s\n", ErrorCode(code), code, message)

	default:
		return fmt.Sprintf("  Payload: %v\n", m)
	}
}

// formatUptime converts milliseconds to a rounded duration
func formatUptime(ms uint64) string {
	d := time.Duration(ms) * time.Millisecond
	if d < time.Second {
		return d.String()
	}
	return d.Round(time.Second).String()
}
