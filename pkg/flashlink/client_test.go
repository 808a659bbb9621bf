// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flashlink

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"github.com/Thermoquad/xtflash/pkg/firmware"
	"github.com/Thermoquad/xtflash/pkg/flasher"
	"github.com/Thermoquad/xtflash/pkg/otadata"
)

// ============================================================
// Test Helpers
// ============================================================

// memFlash is an in-memory flash chip behind the bridge
type memFlash struct {
	mem     []byte
	corrupt bool // flip the first byte of every write
}

func newMemFlash() *memFlash {
	mem := make([]byte, flasher.FlashSize)
	for i := range mem {
		mem[i] = byte(i * 7)
	}
	return &memFlash{mem: mem}
}

func (m *memFlash) ReadFlash(ctx context.Context, offset, size uint32, onPacket flasher.ReadProgressFunc) ([]byte, error) {
	return append([]byte(nil), m.mem[offset:offset+size]...), nil
}

func (m *memFlash) WriteFlash(ctx context.Context, regions []flasher.Region, opts flasher.WriteOptions, onProgress flasher.WriteProgressFunc) error {
	for _, r := range regions {
		copy(m.mem[r.Address:], r.Data)
		if m.corrupt {
			m.mem[r.Address] ^= 0xFF
		}
	}
	return nil
}

// newLink connects a client to a bridge serving flash
func newLink(c *qt.C, flash flasher.Transport, opts ...ClientOption) *Client {
	host, bridge := net.Pipe()
	srv := NewServer(flash, "ESP32-C3", flasher.FlashSize)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, bridge) }()

	client := NewClient(host, opts...)
	c.Cleanup(func() {
		cancel()
		client.Close()
		bridge.Close()
		<-done
	})
	return client
}

// scriptedBridge answers each request with whatever respond returns.
// A nil response leaves the request unanswered.
func scriptedBridge(c *qt.C, respond func(req *Frame) []*Frame, opts ...ClientOption) *Client {
	host, bridge := net.Pipe()

	go func() {
		decoder := NewDecoder()
		buf := make([]byte, 4096)
		for {
			n, err := bridge.Read(buf)
			for _, b := range buf[:n] {
				req, _ := decoder.DecodeByte(b)
				if req == nil {
					continue
				}
				for _, resp := range respond(req) {
					wire, _ := resp.Encode()
					if _, err := bridge.Write(wire); err != nil {
						return
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	client := NewClient(host, opts...)
	c.Cleanup(func() {
		client.Close()
		bridge.Close()
	})
	return client
}

// ============================================================
// Client Tests
// ============================================================

func TestClient_Ping(t *testing.T) {
	c := qt.New(t)
	client := newLink(c, newMemFlash())

	info, err := client.Ping(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(info.Chip, qt.Equals, "ESP32-C3")
	c.Assert(info.FlashSize, qt.Equals, uint32(flasher.FlashSize))
}

func TestClient_ReadFlash_Chunks(t *testing.T) {
	c := qt.New(t)
	flash := newMemFlash()
	client := newLink(c, flash)

	var chunks []int
	var last int
	data, err := client.ReadFlash(context.Background(), 0x8000, 0x2800, func(chunk []byte, readSoFar, total int) {
		chunks = append(chunks, len(chunk))
		last = readSoFar
		c.Check(total, qt.Equals, 0x2800)
	})
	c.Assert(err, qt.IsNil)
	c.Assert(data, qt.DeepEquals, flash.mem[0x8000:0xA800])
	c.Assert(chunks, qt.DeepEquals, []int{0x1000, 0x1000, 0x800})
	c.Assert(last, qt.Equals, 0x2800)
}

func TestClient_ReadFlash_ChunkSizeOption(t *testing.T) {
	c := qt.New(t)
	client := newLink(c, newMemFlash(), WithChunkSize(0x400))

	calls := 0
	_, err := client.ReadFlash(context.Background(), 0, 0x1000, func([]byte, int, int) { calls++ })
	c.Assert(err, qt.IsNil)
	c.Assert(calls, qt.Equals, 4)
}

func TestClient_WriteFlash_Verified(t *testing.T) {
	c := qt.New(t)
	flash := newMemFlash()
	client := newLink(c, flash)

	app := bytes.Repeat([]byte{0xE9, StartByte, EndByte, EscByte}, 0x600) // 0x1800 bytes
	ota := bytes.Repeat([]byte{0x01}, 0x20)
	regions := []flasher.Region{
		{Data: app, Address: 0x10000},
		{Data: ota, Address: 0xE000},
	}

	var lastWritten, lastTotal int
	err := client.WriteFlash(context.Background(), regions, flasher.DefaultWriteOptions(), func(_, written, total int) {
		lastWritten, lastTotal = written, total
	})
	c.Assert(err, qt.IsNil)
	c.Assert(flash.mem[0x10000:0x11800], qt.DeepEquals, app)
	c.Assert(flash.mem[0xE000:0xE020], qt.DeepEquals, ota)
	c.Assert(lastWritten, qt.Equals, 0x1820)
	c.Assert(lastTotal, qt.Equals, 0x1820)

	// Two chunks and a finish for the app, one chunk and a finish for otadata
	stats := client.Statistics()
	c.Assert(stats.FramesSent, qt.Equals, uint64(5))
	c.Assert(stats.FlashBytesWritten, qt.Equals, uint64(0x1820))
}

func TestClient_WriteFlash_VerifyMismatch(t *testing.T) {
	c := qt.New(t)
	flash := newMemFlash()
	flash.corrupt = true
	client := newLink(c, flash)

	err := client.WriteFlash(context.Background(), []flasher.Region{{Data: []byte{1, 2, 3}, Address: 0x1000}}, flasher.DefaultWriteOptions(), nil)
	c.Assert(errors.Is(err, flasher.ErrTransport), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, `.*verification failed.*`)
}

func TestClient_WriteFlash_NoVerify(t *testing.T) {
	c := qt.New(t)
	flash := newMemFlash()
	flash.corrupt = true
	client := newLink(c, flash)

	err := client.WriteFlash(context.Background(), []flasher.Region{{Data: []byte{1, 2, 3}, Address: 0x1000}}, flasher.WriteOptions{}, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(client.Statistics().FramesSent, qt.Equals, uint64(1))
}

func TestClient_WriteFlash_EraseAllUnsupported(t *testing.T) {
	c := qt.New(t)
	client := newLink(c, newMemFlash())

	err := client.WriteFlash(context.Background(), nil, flasher.WriteOptions{EraseAll: true}, nil)
	c.Assert(errors.Is(err, errors.NotSupported), qt.IsTrue)
}

func TestClient_RemoteError(t *testing.T) {
	c := qt.New(t)
	client := newLink(c, newMemFlash())

	_, err := client.ReadFlash(context.Background(), flasher.FlashSize-0x10, 0x20, nil)
	c.Assert(errors.Is(err, flasher.ErrTransport), qt.IsTrue)

	var remote *RemoteError
	c.Assert(errors.As(err, &remote), qt.IsTrue)
	c.Assert(remote.Code, qt.Equals, ErrorOutOfRange)
}

func TestClient_Timeout(t *testing.T) {
	c := qt.New(t)
	client := scriptedBridge(c, func(*Frame) []*Frame { return nil }, WithTimeout(50*time.Millisecond))

	_, err := client.ReadFlash(context.Background(), 0, 0x10, nil)
	c.Assert(errors.Is(err, flasher.ErrTransport), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, `.*timeout waiting for READ_DATA.*`)
}

func TestClient_Cancelled(t *testing.T) {
	c := qt.New(t)
	client := scriptedBridge(c, func(*Frame) []*Frame { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.ReadFlash(ctx, 0, 0x10, nil)
	c.Assert(errors.Is(err, flasher.ErrCancelled), qt.IsTrue)
}

func TestClient_CancelledBeforeSend(t *testing.T) {
	c := qt.New(t)
	client := scriptedBridge(c, func(*Frame) []*Frame { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := client.WriteFlash(ctx, []flasher.Region{{Data: []byte{1}, Address: 0}}, flasher.WriteOptions{}, nil)
	c.Assert(errors.Is(err, flasher.ErrCancelled), qt.IsTrue)
	c.Assert(client.Statistics().FramesSent, qt.Equals, uint64(0))
}

func TestClient_DropsStaleResponses(t *testing.T) {
	c := qt.New(t)
	client := scriptedBridge(c, func(req *Frame) []*Frame {
		return []*Frame{
			NewWriteDone(req.Tag()-1, true),
			NewPingResponse(req.Tag(), BridgeInfo{Chip: "ESP32-C3", FlashSize: 0x400000}),
		}
	})

	info, err := client.Ping(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(info.FlashSize, qt.Equals, uint32(0x400000))
}

func TestClient_UnexpectedResponseType(t *testing.T) {
	c := qt.New(t)
	client := scriptedBridge(c, func(req *Frame) []*Frame {
		return []*Frame{NewWriteDone(req.Tag(), true)}
	})

	_, err := client.ReadFlash(context.Background(), 0, 0x10, nil)
	c.Assert(errors.Is(err, flasher.ErrTransport), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, `.*expected READ_DATA, got WRITE_DONE.*`)
}

func TestClient_ReadDataWrongOffset(t *testing.T) {
	c := qt.New(t)
	client := scriptedBridge(c, func(req *Frame) []*Frame {
		size, _ := GetMapUint32(req.PayloadMap(), 1)
		return []*Frame{NewReadData(req.Tag(), 0x4000, make([]byte, size))}
	})

	_, err := client.ReadFlash(context.Background(), 0x8000, 0x100, nil)
	c.Assert(errors.Is(err, flasher.ErrTransport), qt.IsTrue)
}

func TestClient_LinkClosed(t *testing.T) {
	c := qt.New(t)
	host, bridge := net.Pipe()
	client := NewClient(host)
	defer client.Close()

	go func() {
		// Swallow the request, then hang up
		io.ReadFull(bridge, make([]byte, 1))
		bridge.Close()
	}()

	_, err := client.Ping(context.Background())
	c.Assert(errors.Is(err, flasher.ErrTransport), qt.IsTrue)
}

func TestClient_Trace(t *testing.T) {
	c := qt.New(t)
	var sent, received []uint8
	client := newLink(c, newMemFlash(), WithTrace(func(outgoing bool, f *Frame) {
		if outgoing {
			sent = append(sent, f.Type())
		} else {
			received = append(received, f.Type())
		}
	}))

	_, err := client.Ping(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(sent, qt.DeepEquals, []uint8{MsgPingRequest})
	c.Assert(received, qt.DeepEquals, []uint8{MsgPingResponse})
}

// ============================================================
// End-to-end through the orchestrator
// ============================================================

func TestClient_OrchestratorOverLink(t *testing.T) {
	c := qt.New(t)
	image, err := flasher.CreateImage(c.TempDir() + "/flash.bin")
	c.Assert(err, qt.IsNil)
	defer image.Close()

	o := flasher.New(newLink(c, image))
	ctx := context.Background()

	table, err := o.BuildPartitionTableBinary(flasher.StandardTable())
	c.Assert(err, qt.IsNil)
	c.Assert(o.WritePartitionTable(ctx, table, nil), qt.IsNil)

	region, err := otadata.NewRegion(otadata.SlotApp0)
	c.Assert(err, qt.IsNil)
	c.Assert(o.WriteOtaData(ctx, region, nil), qt.IsNil)

	app := make([]byte, flasher.MinAppImageSize)
	app[0] = 0xE9
	copy(app[0x100:], "CrossPoint-ESP32-0.9.1\x00")

	slot, err := o.FlashFirmware(ctx, app, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(slot, qt.Equals, otadata.SlotApp1)

	report, err := o.IdentifyAll(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(report.BootSlot, qt.Equals, otadata.SlotUndetermined)
	c.Assert(report.RequestedSlot, qt.Equals, otadata.SlotApp1)
	c.Assert(report.App1.Type, qt.Equals, firmware.KindCrossPoint)
	c.Assert(report.App1.Version, qt.Equals, "0.9.1")
	c.Assert(report.App0.Known(), qt.IsFalse)
}
