// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"fmt"
	"strings"
	"testing"
)

// wire round-trips a frame so validation sees decoded CBOR values
func wire(t *testing.T, f *Frame) *Frame {
	t.Helper()
	encoded, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return decodeOne(t, encoded)
}

func TestValidateFrame_Valid(t *testing.T) {
	digest := make([]byte, 16)
	frames := []*Frame{
		NewReadRequest(1, 0x8000, 0x1000),
		NewWriteRequest(2, 0x10000, []byte{0xE9}),
		NewWriteFinish(3, 0x10000, 1, digest),
		NewPingRequest(4),
		NewReadData(5, 0x8000, make([]byte, MaxChunkSize)),
		NewWriteAck(6, 0x10000, 1),
		NewWriteDone(7, true),
		NewPingResponse(8, BridgeInfo{UptimeMs: 1500, Chip: "ESP32-C3", FlashSize: 0x1000000}),
		NewErrorFrame(9, ErrorBusy, "busy"),
	}
	for _, f := range frames {
		t.Run(FormatMessageType(f.Type()), func(t *testing.T) {
			if errs := ValidateFrame(wire(t, f)); len(errs) != 0 {
				t.Errorf("unexpected validation errors: %v", errs)
			}
		})
	}
}

func TestValidateFrame_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
		want  AnomalyType
	}{
		{
			name:  "read request without size",
			frame: NewFrame(1, MsgReadRequest, map[int]interface{}{0: uint64(0)}),
			want:  AnomalyMissingField,
		},
		{
			name:  "write request without data",
			frame: NewFrame(1, MsgWriteRequest, map[int]interface{}{0: uint64(0)}),
			want:  AnomalyMissingField,
		},
		{
			name:  "write request with empty data",
			frame: NewWriteRequest(1, 0, []byte{}),
			want:  AnomalyLengthMismatch,
		},
		{
			name:  "read data above chunk size",
			frame: NewReadData(1, 0, make([]byte, MaxChunkSize+1)),
			want:  AnomalyLengthMismatch,
		},
		{
			name:  "short md5",
			frame: NewWriteFinish(1, 0, 16, make([]byte, 8)),
			want:  AnomalyLengthMismatch,
		},
		{
			name:  "write done without verdict",
			frame: NewFrame(1, MsgWriteDone, map[int]interface{}{0: uint64(1)}),
			want:  AnomalyMissingField,
		},
		{
			name:  "flash size not a power of two",
			frame: NewPingResponse(1, BridgeInfo{Chip: "ESP32-C3", FlashSize: 0x1000001}),
			want:  AnomalyInvalidValue,
		},
		{
			name:  "ping response without chip",
			frame: NewFrame(1, MsgPingResponse, map[int]interface{}{0: uint64(1), 2: uint64(0x1000000)}),
			want:  AnomalyMissingField,
		},
		{
			name:  "error without code",
			frame: NewFrame(1, MsgError, map[int]interface{}{1: "oops"}),
			want:  AnomalyMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateFrame(wire(t, tt.frame))
			if len(errs) == 0 {
				t.Fatal("expected validation errors, got none")
			}
			if errs[0].Type != tt.want {
				t.Errorf("anomaly type %d, want %d (%s)", errs[0].Type, tt.want, errs[0].Message)
			}
		})
	}
}

func TestValidateFrame_DecodeError(t *testing.T) {
	f := &Frame{cborPayload: []byte{0xFF}}
	errs := ValidateFrame(f)
	if len(errs) != 1 || errs[0].Type != AnomalyDecodeError {
		t.Errorf("expected one decode anomaly, got %v", errs)
	}
}

func TestValidationError_Error(t *testing.T) {
	v := &ValidationError{Type: AnomalyInvalidValue, Message: "bad value"}
	if v.Error() != "bad value" {
		t.Errorf("Error() = %q", v.Error())
	}
}

func TestFormatMessageType(t *testing.T) {
	tests := map[uint8]string{
		MsgReadRequest:  "READ_REQUEST",
		MsgWriteRequest: "WRITE_REQUEST",
		MsgWriteFinish:  "WRITE_FINISH",
		MsgPingRequest:  "PING_REQUEST",
		MsgReadData:     "READ_DATA",
		MsgWriteAck:     "WRITE_ACK",
		MsgWriteDone:    "WRITE_DONE",
		MsgPingResponse: "PING_RESPONSE",
		MsgError:        "ERROR",
		0x99:            "UNKNOWN",
	}
	for msgType, want := range tests {
		t.Run(fmt.Sprintf("0x%02X", msgType), func(t *testing.T) {
			if got := FormatMessageType(msgType); got != want {
				t.Errorf("FormatMessageType(0x%02X) = %q, want %q", msgType, got, want)
			}
		})
	}
}

func TestFormatPayloadMap(t *testing.T) {
	tests := []struct {
		name     string
		frame    *Frame
		contains []string
	}{
		{"ping", NewPingRequest(1), []string{"no payload"}},
		{"read request", NewReadRequest(1, 0x8000, 0x1000), []string{"0x008000", "4.0 KiB"}},
		{"write finish", NewWriteFinish(1, 0x650000, 0x100000, make([]byte, 16)), []string{"0x650000", "1.0 MiB", "MD5: 0000"}},
		{"write done", NewWriteDone(1, false), []string{"Verified: false"}},
		{"ping response", NewPingResponse(1, BridgeInfo{UptimeMs: 61500, Chip: "ESP32-C3", FlashSize: 0x1000000}), []string{"ESP32-C3", "16 MiB", "1m2s"}},
		{"error", NewErrorFrame(1, ErrorOutOfRange, "too far"), []string{"OUT_OF_RANGE", "too far"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FormatPayloadMap(tt.frame.Type(), tt.frame.PayloadMap())
			for _, s := range tt.contains {
				if !strings.Contains(out, s) {
					t.Errorf("output %q missing %q", out, s)
				}
			}
		})
	}
}

func TestFormatFrame(t *testing.T) {
	out := FormatFrame(wire(t, NewWriteAck(12, 0x10000, 0x1000)))
	for _, s := range []string{"WRITE_ACK", "0x31", "tag=12", "Length: 4096"} {
		if !strings.Contains(out, s) {
			t.Errorf("FormatFrame output %q missing %q", out, s)
		}
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()

	s.Update(wire(t, NewReadData(1, 0, make([]byte, 100))), nil, nil)
	s.Update(wire(t, NewWriteAck(2, 0, 200)), nil, nil)
	s.Update(wire(t, NewErrorFrame(3, ErrorBusy, "")), nil, nil)
	s.Update(nil, fmt.Errorf("frame: %w", ErrCRCMismatch), nil)
	s.Update(nil, fmt.Errorf("unexpected END byte"), nil)
	s.Update(NewPingRequest(4), nil, []ValidationError{{Type: AnomalyMissingField}})
	s.RecordSent(30)
	s.RecordBytes(500)

	checks := []struct {
		name string
		got  uint64
		want uint64
	}{
		{"FramesReceived", s.FramesReceived, 6},
		{"ValidFrames", s.ValidFrames, 3},
		{"CRCErrors", s.CRCErrors, 1},
		{"DecodeErrors", s.DecodeErrors, 1},
		{"MalformedFrames", s.MalformedFrames, 1},
		{"RemoteErrors", s.RemoteErrors, 1},
		{"FlashBytesRead", s.FlashBytesRead, 100},
		{"FlashBytesWritten", s.FlashBytesWritten, 200},
		{"FramesSent", s.FramesSent, 1},
		{"BytesSent", s.BytesSent, 30},
		{"BytesReceived", s.BytesReceived, 500},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %d, want %d", c.name, c.got, c.want)
		}
	}

	snap := s.Snapshot()
	if snap.ValidFrames != 3 || snap.Errors() != 4 || snap.FlashBytesRead != 100 {
		t.Errorf("Snapshot() = %+v, want 3 valid, 4 errors, 100 bytes read", snap)
	}
	if snap.FrameRate <= 0 || snap.ErrorRate <= 0 {
		t.Errorf("Snapshot() rates = %.2f/%.2f, want both positive", snap.FrameRate, snap.ErrorRate)
	}

	out := s.String()
	for _, want := range []string{"Link Statistics", "CRC Errors", "Bridge Errors", "Flash Written"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q", want)
		}
	}

	s.Reset()
	if s.FramesReceived != 0 || s.CRCErrors != 0 || s.FlashBytesRead != 0 {
		t.Error("Reset should zero every counter")
	}
}
