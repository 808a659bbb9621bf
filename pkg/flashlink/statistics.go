// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics tracks frame statistics and error rates for a link
type Statistics struct {
	mu sync.Mutex

	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	FramesSent        uint64
	FramesReceived    uint64
	ValidFrames       uint64
	CRCErrors         uint64
	DecodeErrors      uint64
	MalformedFrames   uint64
	RemoteErrors      uint64
	BytesSent         uint64
	BytesReceived     uint64
	FlashBytesRead    uint64
	FlashBytesWritten uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// RecordSent counts an encoded frame written to the link
func (s *Statistics) RecordSent(wireBytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FramesSent++
	s.BytesSent += uint64(wireBytes)
	s.LastUpdateTime = time.Now()
}

// RecordBytes counts raw bytes read from the link
func (s *Statistics) RecordBytes(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.BytesReceived += uint64(n)
}

// Update updates statistics based on a received frame and its errors
func (s *Statistics) Update(frame *Frame, decodeErr error, validationErrors []ValidationError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FramesReceived++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		if errors.Is(decodeErr, ErrCRCMismatch) {
			s.CRCErrors++
		} else {
			s.DecodeErrors++
		}
		return
	}

	if len(validationErrors) > 0 {
		s.MalformedFrames++
		return
	}
	s.ValidFrames++

	switch frame.Type() {
	case MsgError:
		s.RemoteErrors++
	case MsgReadData:
		data, _ := GetMapBytes(frame.PayloadMap(), 1)
		s.FlashBytesRead += uint64(len(data))
	case MsgWriteAck:
		n, _ := GetMapUint(frame.PayloadMap(), 1)
		s.FlashBytesWritten += n
	}
}

// calculateRates must be called with s.mu held
func (s *Statistics) calculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.FramesReceived) / elapsed
		errorCount := s.CRCErrors + s.DecodeErrors + s.MalformedFrames + s.RemoteErrors
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

// Counters is a point-in-time copy of the statistics
type Counters struct {
	Elapsed           time.Duration
	FramesSent        uint64
	FramesReceived    uint64
	ValidFrames       uint64
	CRCErrors         uint64
	DecodeErrors      uint64
	MalformedFrames   uint64
	RemoteErrors      uint64
	FlashBytesRead    uint64
	FlashBytesWritten uint64
	FrameRate         float64
	ErrorRate         float64
}

// Errors is the number of received frames that were not usable
func (c Counters) Errors() uint64 {
	return c.CRCErrors + c.DecodeErrors + c.MalformedFrames + c.RemoteErrors
}

// Snapshot returns the current counters with freshly calculated rates
func (s *Statistics) Snapshot() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()
	return Counters{
		Elapsed:           time.Since(s.StartTime),
		FramesSent:        s.FramesSent,
		FramesReceived:    s.FramesReceived,
		ValidFrames:       s.ValidFrames,
		CRCErrors:         s.CRCErrors,
		DecodeErrors:      s.DecodeErrors,
		MalformedFrames:   s.MalformedFrames,
		RemoteErrors:      s.RemoteErrors,
		FlashBytesRead:    s.FlashBytesRead,
		FlashBytesWritten: s.FlashBytesWritten,
		FrameRate:         s.FrameRate,
		ErrorRate:         s.ErrorRate,
	}
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calculateRates()

	var validPercent float64
	if s.FramesReceived > 0 {
		validPercent = float64(s.ValidFrames) * 100.0 / float64(s.FramesReceived)
	}
	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Link Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Frames Sent:     %8d (%s)\n", s.FramesSent, humanize.IBytes(s.BytesSent))
	result += fmt.Sprintf("Frames Received: %8d (%s)\n", s.FramesReceived, humanize.IBytes(s.BytesReceived))
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, validPercent)

	if s.CRCErrors > 0 {
		result += fmt.Sprintf("CRC Errors:      %8d\n", s.CRCErrors)
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d\n", s.DecodeErrors)
	}
	if s.MalformedFrames > 0 {
		result += fmt.Sprintf("Malformed:       %8d\n", s.MalformedFrames)
	}
	if s.RemoteErrors > 0 {
		result += fmt.Sprintf("Bridge Errors:   %8d\n", s.RemoteErrors)
	}

	result += fmt.Sprintf("Flash Read:      %8s\n", humanize.IBytes(s.FlashBytesRead))
	result += fmt.Sprintf("Flash Written:   %8s\n", humanize.IBytes(s.FlashBytesWritten))
	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "=====================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	s.StartTime = now
	s.LastUpdateTime = now
	s.FramesSent = 0
	s.FramesReceived = 0
	s.ValidFrames = 0
	s.CRCErrors = 0
	s.DecodeErrors = 0
	s.MalformedFrames = 0
	s.RemoteErrors = 0
	s.BytesSent = 0
	s.BytesReceived = 0
	s.FlashBytesRead = 0
	s.FlashBytesWritten = 0
	s.FrameRate = 0
	s.ErrorRate = 0
}
