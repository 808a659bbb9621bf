// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"bytes"
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"time"

	"github.com/juju/errors"

	"github.com/Thermoquad/xtflash/pkg/flasher"
)

// Server answers flashlink requests from any flasher.Transport.
// It backs the bridge emulator and lets a client be exercised
// end to end against a flash image.
type Server struct {
	transport flasher.Transport
	chip      string
	flashSize uint32
	started   time.Time
	stats     *Statistics
}

// NewServer creates a bridge serving t
func NewServer(t flasher.Transport, chip string, flashSize uint32) *Server {
	return &Server{
		transport: t,
		chip:      chip,
		flashSize: flashSize,
		started:   time.Now(),
		stats:     NewStatistics(),
	}
}

// Statistics returns the statistics of every connection served so far
func (s *Server) Statistics() *Statistics {
	return s.stats
}

// Serve handles requests arriving on conn until it reaches EOF or ctx
// is done. Closing conn is left to the caller.
func (s *Server) Serve(ctx context.Context, conn io.ReadWriter) error {
	decoder := NewDecoder()
	buf := make([]byte, 4096)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			s.stats.RecordBytes(n)
		}
		for _, b := range buf[:n] {
			frame, decodeErr := decoder.DecodeByte(b)
			if decodeErr != nil {
				logger.Debugf("bridge dropped frame: %v", decodeErr)
				s.stats.Update(nil, decodeErr, nil)
				continue
			}
			if frame == nil {
				continue
			}

			problems := ValidateFrame(frame)
			s.stats.Update(frame, nil, problems)

			var resp *Frame
			if len(problems) > 0 {
				resp = NewErrorFrame(frame.Tag(), ErrorBadRequest, problems[0].Message)
			} else {
				resp = s.handle(ctx, frame)
			}

			wire, encErr := resp.Encode()
			if encErr != nil {
				return errors.Annotatef(encErr, "encoding %s", FormatMessageType(resp.Type()))
			}
			if _, werr := conn.Write(wire); werr != nil {
				return errors.Annotatef(werr, "sending %s", FormatMessageType(resp.Type()))
			}
			s.stats.RecordSent(len(wire))
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
}

func (s *Server) handle(ctx context.Context, f *Frame) *Frame {
	m := f.PayloadMap()
	tag := f.Tag()

	switch f.Type() {
	case MsgPingRequest:
		return NewPingResponse(tag, BridgeInfo{
			UptimeMs:  uint64(time.Since(s.started).Milliseconds()),
			Chip:      s.chip,
			FlashSize: s.flashSize,
		})

	case MsgReadRequest:
		offset, _ := GetMapUint32(m, 0)
		size, _ := GetMapUint32(m, 1)
		if size == 0 || size > MaxChunkSize {
			return NewErrorFrame(tag, ErrorBadRequest, fmt.Sprintf("read size %d (valid 1-%d)", size, MaxChunkSize))
		}
		if resp := s.checkRange(tag, offset, size); resp != nil {
			return resp
		}
		data, err := s.transport.ReadFlash(ctx, offset, size, nil)
		if err != nil {
			return NewErrorFrame(tag, ErrorFlashFailure, err.Error())
		}
		return NewReadData(tag, offset, data)

	case MsgWriteRequest:
		address, _ := GetMapUint32(m, 0)
		data, _ := GetMapBytes(m, 1)
		if resp := s.checkRange(tag, address, uint32(len(data))); resp != nil {
			return resp
		}
		region := []flasher.Region{{Data: data, Address: address}}
		if err := s.transport.WriteFlash(ctx, region, flasher.WriteOptions{}, nil); err != nil {
			return NewErrorFrame(tag, ErrorFlashFailure, err.Error())
		}
		return NewWriteAck(tag, address, len(data))

	case MsgWriteFinish:
		address, _ := GetMapUint32(m, 0)
		size, _ := GetMapUint32(m, 1)
		digest, _ := GetMapBytes(m, 2)
		if resp := s.checkRange(tag, address, size); resp != nil {
			return resp
		}
		data, err := s.transport.ReadFlash(ctx, address, size, nil)
		if err != nil {
			return NewErrorFrame(tag, ErrorFlashFailure, err.Error())
		}
		sum := md5.Sum(data)
		verified := bytes.Equal(sum[:], digest)
		if !verified {
			logger.Warningf("bridge verify mismatch for 0x%X bytes at 0x%06X", size, address)
		}
		return NewWriteDone(tag, verified)

	default:
		return NewErrorFrame(tag, ErrorUnsupported, fmt.Sprintf("unsupported request %s (0x%02X)", FormatMessageType(f.Type()), f.Type()))
	}
}

func (s *Server) checkRange(tag uint16, offset, size uint32) *Frame {
	if uint64(offset)+uint64(size) > uint64(s.flashSize) {
		return NewErrorFrame(tag, ErrorOutOfRange, fmt.Sprintf("0x%X bytes at 0x%06X exceed flash size 0x%X", size, offset, s.flashSize))
	}
	return nil
}
