// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"context"
	"crypto/md5"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"github.com/Thermoquad/xtflash/pkg/flasher"
)

var logger = loggo.GetLogger("xtflash.flashlink")

// DefaultTimeout bounds the wait for each response frame
const DefaultTimeout = 5 * time.Second

// RemoteError is an ERROR frame reported by the bridge
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("bridge error %s: %s", e.Code, e.Message)
}

// Unwrap lets callers match bridge failures against flasher.ErrTransport
func (e *RemoteError) Unwrap() error {
	return flasher.ErrTransport
}

// TraceFunc observes every frame sent or received
type TraceFunc func(outgoing bool, f *Frame)

// Client talks to a flash bridge and implements flasher.Transport
type Client struct {
	conn      io.ReadWriteCloser
	mu        sync.Mutex
	tag       uint16
	timeout   time.Duration
	chunkSize uint32
	stats     *Statistics
	trace     TraceFunc

	frames    chan *Frame
	done      chan struct{}
	readErr   error
	failOnce  sync.Once
	closeOnce sync.Once
}

var _ flasher.Transport = (*Client)(nil)

// ClientOption configures a Client
type ClientOption func(*Client)

// WithTimeout sets the per-frame response timeout
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithChunkSize sets the data size of each read or write request
func WithChunkSize(n uint32) ClientOption {
	return func(c *Client) {
		if n > 0 && n <= MaxChunkSize {
			c.chunkSize = n
		}
	}
}

// WithTrace installs a frame observer
func WithTrace(fn TraceFunc) ClientOption {
	return func(c *Client) {
		c.trace = fn
	}
}

// WithStatistics records link statistics into s
func WithStatistics(s *Statistics) ClientOption {
	return func(c *Client) {
		c.stats = s
	}
}

// NewClient starts reading frames from conn. The client owns conn and
// closes it on Close.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		conn:      conn,
		timeout:   DefaultTimeout,
		chunkSize: DefaultChunkSize,
		stats:     NewStatistics(),
		frames:    make(chan *Frame, 16),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readLoop()
	return c
}

// Statistics returns the link statistics
func (c *Client) Statistics() *Statistics {
	return c.stats
}

// Close closes the underlying connection
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	c.fail(io.ErrClosedPipe)
	return err
}

func (c *Client) fail(err error) {
	c.failOnce.Do(func() {
		c.readErr = err
		close(c.done)
	})
}

func (c *Client) readLoop() {
	decoder := NewDecoder()
	buf := make([]byte, 4096)

	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.stats.RecordBytes(n)
		}
		for _, b := range buf[:n] {
			frame, decodeErr := decoder.DecodeByte(b)
			if decodeErr != nil {
				logger.Debugf("dropping frame: %v", decodeErr)
				c.stats.Update(nil, decodeErr, nil)
				continue
			}
			if frame == nil {
				continue
			}
			c.stats.Update(frame, nil, ValidateFrame(frame))
			if c.trace != nil {
				c.trace(false, frame)
			}
			select {
			case c.frames <- frame:
			case <-c.done:
				return
			}
		}
		if err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Client) nextTag() uint16 {
	c.tag++
	return c.tag
}

func (c *Client) send(req *Frame) error {
	wire, err := req.Encode()
	if err != nil {
		return errors.Trace(err)
	}
	if c.trace != nil {
		c.trace(true, req)
	}
	if _, err := c.conn.Write(wire); err != nil {
		return errors.Annotatef(flasher.ErrTransport, "write: %v", err)
	}
	c.stats.RecordSent(len(wire))
	return nil
}

// roundTrip sends req and waits for the response carrying its tag.
// Must be called with c.mu held.
func (c *Client) roundTrip(ctx context.Context, req *Frame, want uint8) (*Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, flasher.CancelError(err)
	}
	if err := c.send(req); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, flasher.CancelError(ctx.Err())
		case <-timer.C:
			return nil, errors.Annotatef(flasher.ErrTransport, "timeout waiting for %s", FormatMessageType(want))
		case <-c.done:
			return nil, errors.Annotatef(flasher.ErrTransport, "link closed: %v", c.readErr)
		case f := <-c.frames:
			if f.Tag() != req.Tag() {
				logger.Debugf("dropping stale %s (tag %d, want %d)", FormatMessageType(f.Type()), f.Tag(), req.Tag())
				continue
			}
			if f.Type() == MsgError {
				code, _ := GetMapUint(f.PayloadMap(), 0)
				message, _ := GetMapString(f.PayloadMap(), 1)
				return nil, &RemoteError{Code: ErrorCode(code), Message: message}
			}
			if f.Type() != want {
				return nil, errors.Annotatef(flasher.ErrTransport, "expected %s, got %s", FormatMessageType(want), FormatMessageType(f.Type()))
			}
			if problems := ValidateFrame(f); len(problems) > 0 {
				return nil, errors.Annotatef(flasher.ErrTransport, "malformed response: %s", problems[0].Message)
			}
			return f, nil
		}
	}
}

// Ping asks the bridge for its chip and flash size
func (c *Client) Ping(ctx context.Context) (BridgeInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, err := c.roundTrip(ctx, NewPingRequest(c.nextTag()), MsgPingResponse)
	if err != nil {
		return BridgeInfo{}, errors.Trace(err)
	}
	info, _ := ParsePingResponse(f)
	return info, nil
}

// ReadFlash reads size bytes at offset in chunk-sized requests
func (c *Client) ReadFlash(ctx context.Context, offset, size uint32, onPacket flasher.ReadProgressFunc) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data := make([]byte, 0, size)
	for uint32(len(data)) < size {
		addr := offset + uint32(len(data))
		n := min(c.chunkSize, size-uint32(len(data)))

		f, err := c.roundTrip(ctx, NewReadRequest(c.nextTag(), addr, n), MsgReadData)
		if err != nil {
			return nil, errors.Annotatef(err, "read at 0x%06X", addr)
		}
		got, _ := GetMapUint32(f.PayloadMap(), 0)
		chunk, _ := GetMapBytes(f.PayloadMap(), 1)
		if got != addr || uint32(len(chunk)) != n {
			return nil, errors.Annotatef(flasher.ErrTransport, "bridge returned 0x%X bytes at 0x%06X, requested 0x%X at 0x%06X", len(chunk), got, n, addr)
		}

		data = append(data, chunk...)
		if onPacket != nil {
			onPacket(chunk, len(data), int(size))
		}
	}
	return data, nil
}

// WriteFlash programs each region in chunk-sized requests. With
// opts.Verify the bridge compares an MD5 of every region afterwards.
func (c *Client) WriteFlash(ctx context.Context, regions []flasher.Region, opts flasher.WriteOptions, onProgress flasher.WriteProgressFunc) error {
	if opts.EraseAll {
		return errors.NotSupportedf("chip erase over a flash bridge")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	total := 0
	for _, r := range regions {
		total += len(r.Data)
	}

	written := 0
	for i, r := range regions {
		for done := 0; done < len(r.Data); {
			addr := r.Address + uint32(done)
			n := min(int(c.chunkSize), len(r.Data)-done)

			f, err := c.roundTrip(ctx, NewWriteRequest(c.nextTag(), addr, r.Data[done:done+n]), MsgWriteAck)
			if err != nil {
				return errors.Annotatef(err, "write at 0x%06X", addr)
			}
			acked, _ := GetMapUint32(f.PayloadMap(), 0)
			length, _ := GetMapUint32(f.PayloadMap(), 1)
			if acked != addr || int(length) != n {
				return errors.Annotatef(flasher.ErrTransport, "bridge acknowledged 0x%X bytes at 0x%06X, sent 0x%X at 0x%06X", length, acked, n, addr)
			}

			done += n
			written += n
			if onProgress != nil {
				onProgress(i, written, total)
			}
		}

		if opts.Verify {
			if err := c.verify(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Client) verify(ctx context.Context, r flasher.Region) error {
	digest := md5.Sum(r.Data)
	f, err := c.roundTrip(ctx, NewWriteFinish(c.nextTag(), r.Address, uint32(len(r.Data)), digest[:]), MsgWriteDone)
	if err != nil {
		return errors.Annotatef(err, "verify at 0x%06X", r.Address)
	}
	if verified, _ := GetMapBool(f.PayloadMap(), 0); !verified {
		return errors.Annotatef(flasher.ErrTransport, "verification failed for 0x%X bytes at 0x%06X", len(r.Data), r.Address)
	}
	logger.Debugf("verified 0x%X bytes at 0x%06X", len(r.Data), r.Address)
	return nil
}
