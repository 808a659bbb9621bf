// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import "fmt"

// AnomalyType represents different types of frame anomalies
type AnomalyType int

const (
	AnomalyMissingField AnomalyType = iota
	AnomalyLengthMismatch
	AnomalyInvalidValue
	AnomalyCRCError
	AnomalyDecodeError
)

// ValidationError represents a frame validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateFrame checks a decoded frame against its message layout.
// Returns a slice of validation errors (empty if the frame is valid).
func ValidateFrame(f *Frame) []ValidationError {
	if err := f.ParseError(); err != nil {
		return []ValidationError{{
			Type:    AnomalyDecodeError,
			Message: fmt.Sprintf("CBOR decode failed: %v", err),
		}}
	}

	m := f.PayloadMap()
	switch f.Type() {
	case MsgReadRequest:
		return requireFields(f, m, map[int]string{0: "offset", 1: "size"})
	case MsgWriteRequest:
		return validateWriteRequest(f, m)
	case MsgWriteFinish:
		return validateWriteFinish(f, m)
	case MsgReadData:
		return validateReadData(f, m)
	case MsgWriteAck:
		return requireFields(f, m, map[int]string{0: "address", 1: "length"})
	case MsgWriteDone:
		if _, ok := GetMapBool(m, 0); !ok {
			return []ValidationError{missing(f, "verified")}
		}
	case MsgPingResponse:
		return validatePingResponse(f)
	case MsgError:
		return requireFields(f, m, map[int]string{0: "code"})
	}
	return nil
}

func missing(f *Frame, field string) ValidationError {
	return ValidationError{
		Type:    AnomalyMissingField,
		Message: fmt.Sprintf("%s missing %s", FormatMessageType(f.Type()), field),
		Details: map[string]interface{}{"field": field},
	}
}

// requireFields checks that each key holds an unsigned integer
func requireFields(f *Frame, m map[int]interface{}, fields map[int]string) []ValidationError {
	var errors []ValidationError
	for key := 0; key < len(fields); key++ {
		if _, ok := GetMapUint32(m, key); !ok {
			errors = append(errors, missing(f, fields[key]))
		}
	}
	return errors
}

func checkChunk(f *Frame, data []byte) []ValidationError {
	if len(data) == 0 || len(data) > MaxChunkSize {
		return []ValidationError{{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("%s data length %d (valid 1-%d)", FormatMessageType(f.Type()), len(data), MaxChunkSize),
			Details: map[string]interface{}{"length": len(data), "max": MaxChunkSize},
		}}
	}
	return nil
}

// validateWriteRequest validates WRITE_REQUEST frame
func validateWriteRequest(f *Frame, m map[int]interface{}) []ValidationError {
	errors := requireFields(f, m, map[int]string{0: "address"})
	data, ok := GetMapBytes(m, 1)
	if !ok {
		return append(errors, missing(f, "data"))
	}
	return append(errors, checkChunk(f, data)...)
}

// validateReadData validates READ_DATA frame
func validateReadData(f *Frame, m map[int]interface{}) []ValidationError {
	errors := requireFields(f, m, map[int]string{0: "offset"})
	data, ok := GetMapBytes(m, 1)
	if !ok {
		return append(errors, missing(f, "data"))
	}
	return append(errors, checkChunk(f, data)...)
}

// validateWriteFinish validates WRITE_FINISH frame
func validateWriteFinish(f *Frame, m map[int]interface{}) []ValidationError {
	errors := requireFields(f, m, map[int]string{0: "address", 1: "size"})
	digest, ok := GetMapBytes(m, 2)
	if !ok {
		return append(errors, missing(f, "md5"))
	}
	if len(digest) != 16 {
		errors = append(errors, ValidationError{
			Type:    AnomalyLengthMismatch,
			Message: fmt.Sprintf("WRITE_FINISH md5 length %d (expected 16)", len(digest)),
			Details: map[string]interface{}{"length": len(digest), "expected": 16},
		})
	}
	return errors
}

// validatePingResponse validates PING_RESPONSE frame
func validatePingResponse(f *Frame) []ValidationError {
	info, ok := ParsePingResponse(f)
	if !ok {
		return []ValidationError{missing(f, "uptime, chip or flash_size")}
	}
	if info.FlashSize == 0 || info.FlashSize&(info.FlashSize-1) != 0 {
		return []ValidationError{{
			Type:    AnomalyInvalidValue,
			Message: fmt.Sprintf("Invalid flash_size=0x%X (must be a power of two)", info.FlashSize),
			Details: map[string]interface{}{"flash_size": info.FlashSize},
		}}
	}
	return nil
}
