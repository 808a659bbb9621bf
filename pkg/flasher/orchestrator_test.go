// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"bytes"
	"context"
	"errors"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/Thermoquad/xtflash/pkg/firmware"
	"github.com/Thermoquad/xtflash/pkg/otadata"
	"github.com/Thermoquad/xtflash/pkg/partition"
)

// ============================================================
// Test Helpers
// ============================================================

type readCall struct {
	Offset, Size uint32
}

// fakeTransport is an in-memory flash chip that records every call
type fakeTransport struct {
	mem      []byte
	reads    []readCall
	writes   [][]Region
	opts     []WriteOptions
	readErr  error
	writeErr error
	shortBy  int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{mem: bytes.Repeat([]byte{0xFF}, FlashSize)}
}

func (f *fakeTransport) ReadFlash(ctx context.Context, offset, size uint32, onPacket ReadProgressFunc) ([]byte, error) {
	f.reads = append(f.reads, readCall{offset, size})
	if err := ctx.Err(); err != nil {
		return nil, CancelError(err)
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	data := append([]byte(nil), f.mem[offset:offset+size]...)
	data = data[:len(data)-f.shortBy]
	if onPacket != nil {
		onPacket(data, len(data), int(size))
	}
	return data, nil
}

func (f *fakeTransport) WriteFlash(ctx context.Context, regions []Region, opts WriteOptions, onProgress WriteProgressFunc) error {
	f.writes = append(f.writes, regions)
	f.opts = append(f.opts, opts)
	if err := ctx.Err(); err != nil {
		return CancelError(err)
	}
	if f.writeErr != nil {
		return f.writeErr
	}
	for i, r := range regions {
		copy(f.mem[r.Address:], r.Data)
		if onProgress != nil {
			onProgress(i, len(r.Data), len(r.Data))
		}
	}
	return nil
}

func (f *fakeTransport) seedTable(c *qt.C, table partition.Table) {
	data, err := partition.Encode(table)
	c.Assert(err, qt.IsNil)
	copy(f.mem[PartitionTableOffset:], data)
}

func (f *fakeTransport) seedOtaData(c *qt.C, slot otadata.AppSlot) {
	region, err := otadata.NewRegion(slot)
	c.Assert(err, qt.IsNil)
	copy(f.mem[otadata.RegionOffset:], region.Bytes())
}

func image(size int) []byte {
	return bytes.Repeat([]byte{0x5A}, size)
}

// ============================================================
// App Partition Tests
// ============================================================

func TestWriteAppPartition_Bounds(t *testing.T) {
	c := qt.New(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{name: "below sanity floor", size: MinAppImageSize - 1, wantErr: ErrSuspiciouslySmall},
		{name: "one byte too large", size: 0x640001, wantErr: ErrTooLarge},
		{name: "empty", size: 0, wantErr: ErrSuspiciouslySmall},
	}
	for _, tt := range tests {
		c.Run(tt.name, func(c *qt.C) {
			ft := newFakeTransport()
			o := New(ft)
			err := o.WriteAppPartition(ctx, otadata.SlotApp0, image(tt.size), nil)
			c.Assert(err, qt.ErrorIs, tt.wantErr)
			c.Assert(ft.writes, qt.HasLen, 0)
		})
	}
}

func TestWriteAppPartition_ExactSlotSize(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	o := New(ft)

	data := image(0x640000)
	err := o.WriteAppPartition(context.Background(), otadata.SlotApp0, data, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(ft.writes, qt.HasLen, 1)
	c.Assert(ft.writes[0], qt.HasLen, 1)
	c.Assert(ft.writes[0][0].Address, qt.Equals, uint32(0x10000))
	c.Assert(len(ft.writes[0][0].Data), qt.Equals, 0x640000)
	c.Assert(ft.opts[0], qt.Equals, DefaultWriteOptions())
}

func TestWriteAppPartition_CJKLayout(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	o := New(ft, WithLayout(CJK), WithWriteOptions(WriteOptions{}))

	err := o.WriteAppPartition(context.Background(), otadata.SlotApp1, image(0x680000), nil)
	c.Assert(err, qt.IsNil)
	c.Assert(ft.writes[0][0].Address, qt.Equals, uint32(0x690000))
	c.Assert(ft.opts[0].Verify, qt.IsFalse)

	err = o.WriteAppPartition(context.Background(), otadata.SlotApp1, image(0x680001), nil)
	c.Assert(err, qt.ErrorIs, ErrTooLarge)
}

func TestWriteAppPartition_UndeterminedSlot(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	err := New(ft).WriteAppPartition(context.Background(), otadata.SlotUndetermined, image(MinAppImageSize), nil)
	c.Assert(err, qt.Not(qt.IsNil))
	c.Assert(ft.writes, qt.HasLen, 0)
}

func TestReadAppPartition(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	data, err := New(ft).ReadAppPartition(context.Background(), otadata.SlotApp1, nil)
	c.Assert(err, qt.IsNil)
	c.Assert(len(data), qt.Equals, 0x640000)
	c.Assert(ft.reads, qt.DeepEquals, []readCall{{0x650000, 0x640000}})
}

// ============================================================
// Full Flash Tests
// ============================================================

func TestWriteFullFlash_SizeMismatch(t *testing.T) {
	c := qt.New(t)
	for _, size := range []int{0, FlashSize - 1, FlashSize + 1} {
		ft := newFakeTransport()
		err := New(ft).WriteFullFlash(context.Background(), make([]byte, size), nil)
		c.Assert(err, qt.ErrorIs, ErrSizeMismatch, qt.Commentf("size 0x%X", size))
		c.Assert(ft.writes, qt.HasLen, 0)
	}
}

func TestFullFlash_RoundTrip(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	o := New(ft)

	data := make([]byte, FlashSize)
	data[0], data[FlashSize-1] = 0xE9, 0x42
	c.Assert(o.WriteFullFlash(context.Background(), data, nil), qt.IsNil)
	c.Assert(ft.writes[0][0].Address, qt.Equals, uint32(0))

	var calls int
	back, err := o.ReadFullFlash(context.Background(), func(chunk []byte, readSoFar, total int) {
		calls++
		c.Check(total, qt.Equals, FlashSize)
	})
	c.Assert(err, qt.IsNil)
	c.Assert(calls, qt.Equals, 1)
	c.Assert(bytes.Equal(back, data), qt.IsTrue)
}

// ============================================================
// Partition Table Tests
// ============================================================

func TestReadPartitionTable(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedTable(c, StandardTable())

	table, err := New(ft).ReadPartitionTable(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(table, qt.DeepEquals, StandardTable())
	c.Assert(ft.reads, qt.DeepEquals, []readCall{{0x8000, 0x2000}})
}

func TestReadPartitionTable_Corrupt(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedTable(c, StandardTable())
	ft.mem[PartitionTableOffset+5] ^= 0xFF

	_, err := New(ft).ReadPartitionTable(context.Background())
	c.Assert(err, qt.ErrorIs, partition.ErrChecksumMismatch)
}

func TestDetectLayout(t *testing.T) {
	c := qt.New(t)

	for _, l := range Layouts {
		c.Run(l.Name, func(c *qt.C) {
			ft := newFakeTransport()
			ft.seedTable(c, l.Table())
			got, err := New(ft).DetectLayout(context.Background())
			c.Assert(err, qt.IsNil)
			c.Assert(got, qt.Equals, l)
		})
	}

	c.Run("custom table", func(c *qt.C) {
		table := StandardTable()
		table[3].Size = 0x300000
		ft := newFakeTransport()
		ft.seedTable(c, table)
		_, err := New(ft).DetectLayout(context.Background())
		c.Assert(err, qt.ErrorIs, ErrLayoutMismatch)
	})
}

func TestLayoutTables(t *testing.T) {
	c := qt.New(t)

	spiffs, ok := StandardTable().Find("spiffs")
	c.Assert(ok, qt.IsTrue)
	c.Assert(spiffs.Offset, qt.Equals, uint32(0xC90000))
	c.Assert(spiffs.Size, qt.Equals, uint32(0x360000))

	spiffs, ok = CJKTable().Find("spiffs")
	c.Assert(ok, qt.IsTrue)
	c.Assert(spiffs.Offset, qt.Equals, uint32(0xD10000))
	c.Assert(spiffs.Size, qt.Equals, uint32(0x2E0000))

	coredump, _ := CJKTable().Find("coredump")
	c.Assert(coredump.End(), qt.Equals, uint32(FlashSize))

	l, err := LayoutByName("CJK")
	c.Assert(err, qt.IsNil)
	c.Assert(l, qt.Equals, CJK)
	_, err = LayoutByName("huge")
	c.Assert(err, qt.ErrorMatches, `unknown layout "huge".*`)
}

func TestWritePartitionTable(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	o := New(ft)

	data, err := o.BuildPartitionTableBinary(CJKTable())
	c.Assert(err, qt.IsNil)
	c.Assert(o.WritePartitionTable(context.Background(), data, nil), qt.IsNil)
	c.Assert(ft.writes[0][0].Address, qt.Equals, uint32(0x8000))

	l, err := o.DetectLayout(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(l, qt.Equals, CJK)

	err = o.WritePartitionTable(context.Background(), make([]byte, partition.TableSize+1), nil)
	c.Assert(err, qt.ErrorIs, ErrTooLarge)
}

// ============================================================
// OTA Data Tests
// ============================================================

func TestSwapBootPartition(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedOtaData(c, otadata.SlotApp0)

	swapped, err := New(ft).SwapBootPartition(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(swapped.CurrentBootSlot(), qt.Equals, otadata.SlotUndetermined)
	c.Assert(swapped.RequestedBootSlot(), qt.Equals, otadata.SlotApp1)

	c.Assert(ft.reads, qt.HasLen, 1)
	c.Assert(ft.writes, qt.HasLen, 1)
	c.Assert(ft.writes[0][0].Address, qt.Equals, uint32(0xE000))
	c.Assert(len(ft.writes[0][0].Data), qt.Equals, 0x2000)

	onDevice, err := otadata.Decode(ft.mem[otadata.RegionOffset : otadata.RegionOffset+otadata.RegionSize])
	c.Assert(err, qt.IsNil)
	c.Assert(onDevice.CurrentBootSlot(), qt.Equals, otadata.SlotUndetermined)
	c.Assert(onDevice.RequestedBootSlot(), qt.Equals, otadata.SlotApp1)
	c.Assert(onDevice.PendingVerify(), qt.IsTrue)
}

func TestSwapBootPartition_RefusedUntilConfirmed(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedOtaData(c, otadata.SlotApp0)
	o := New(ft)

	_, err := o.SwapBootPartition(context.Background())
	c.Assert(err, qt.IsNil)

	_, err = o.SwapBootPartition(context.Background())
	c.Assert(err, qt.ErrorIs, otadata.ErrPendingVerify)
	c.Assert(ft.writes, qt.HasLen, 1)
}

func TestSwapBootPartition_NoValidSlot(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport() // erased otadata

	_, err := New(ft).SwapBootPartition(context.Background())
	c.Assert(err, qt.ErrorIs, otadata.ErrNoValidBootSlot)
	c.Assert(ft.writes, qt.HasLen, 0)
}

func TestWriteOtaData(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	region, err := otadata.NewRegion(otadata.SlotApp1)
	c.Assert(err, qt.IsNil)

	o := New(ft)
	c.Assert(o.WriteOtaData(context.Background(), region, nil), qt.IsNil)

	back, err := o.ReadOtaData(context.Background(), nil)
	c.Assert(err, qt.IsNil)
	c.Assert(back.CurrentBootSlot(), qt.Equals, otadata.SlotApp1)
}

func TestWriteOtaData_NilRegion(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()

	err := New(ft).WriteOtaData(context.Background(), nil, nil)
	c.Assert(err, qt.ErrorMatches, "nil otadata region not valid")
	c.Assert(ft.writes, qt.HasLen, 0)
}

// ============================================================
// Identification Tests
// ============================================================

func TestIdentifyFirmware_GrowsWindow(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	copy(ft.mem[0x10000+DefaultIdentifyChunkSize+0x100:], "CrossPoint-ESP32-1.4.0\x00")

	info, err := New(ft).IdentifyFirmware(context.Background(), otadata.SlotApp0)
	c.Assert(err, qt.IsNil)
	c.Assert(info, qt.Equals, firmware.Info{Type: firmware.KindCrossPoint, Version: "1.4.0"})
	c.Assert(ft.reads, qt.DeepEquals, []readCall{
		{0x10000, DefaultIdentifyChunkSize},
		{0x10000 + DefaultIdentifyChunkSize, DefaultIdentifyChunkSize},
	})
}

func TestIdentifyFirmware_BannerEndsAtChunkBoundary(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	at := 0x10000 + DefaultIdentifyChunkSize - len(firmware.SignatureCrossPoint)
	copy(ft.mem[at:], "CrossPoint-ESP32-1.4.0\x00")

	info, err := New(ft).IdentifyFirmware(context.Background(), otadata.SlotApp0)
	c.Assert(err, qt.IsNil)
	c.Assert(info, qt.Equals, firmware.Info{Type: firmware.KindCrossPoint, Version: "1.4.0"})
	c.Assert(ft.reads, qt.HasLen, 2)
}

func TestIdentifyFirmware_SignatureAcrossChunks(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	copy(ft.mem[0x650000+0x1000-5:], "CrossPoint-ESP32-2.0\x00")

	info, err := New(ft, WithIdentifyChunkSize(0x1000)).IdentifyFirmware(context.Background(), otadata.SlotApp1)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Version, qt.Equals, "2.0")
	c.Assert(ft.reads, qt.HasLen, 2)
}

func TestIdentifyFirmware_ExhaustsPartition(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	small := Layout{Name: "tiny", App0Offset: 0x10000, App0Size: 0x10000, App1Offset: 0x20000, App1Size: 0x10000}

	info, err := New(ft, WithLayout(small)).IdentifyFirmware(context.Background(), otadata.SlotApp0)
	c.Assert(err, qt.IsNil)
	c.Assert(info.Known(), qt.IsFalse)
	c.Assert(ft.reads, qt.DeepEquals, []readCall{
		{0x10000, 0x6400},
		{0x16400, 0x6400},
		{0x1C800, 0x3800},
	})
}

func TestIdentifyAll(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedOtaData(c, otadata.SlotApp1)
	copy(ft.mem[0x650000+0x40:], "CrossPoint-ESP32-0.5.0\x00")

	report, err := New(ft).IdentifyAll(context.Background())
	c.Assert(err, qt.IsNil)
	c.Assert(report.BootSlot, qt.Equals, otadata.SlotApp1)
	c.Assert(report.RequestedSlot, qt.Equals, otadata.SlotApp1)
	c.Assert(report.Slot(otadata.SlotApp1).Type, qt.Equals, firmware.KindCrossPoint)
	c.Assert(report.App0.Known(), qt.IsFalse)
}

// ============================================================
// Install Tests
// ============================================================

func TestFlashFirmware_WritesInactiveSlot(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedOtaData(c, otadata.SlotApp0)

	slot, err := New(ft).FlashFirmware(context.Background(), image(MinAppImageSize), nil)
	c.Assert(err, qt.IsNil)
	c.Assert(slot, qt.Equals, otadata.SlotApp1)

	c.Assert(ft.writes, qt.HasLen, 2)
	c.Assert(ft.writes[0][0].Address, qt.Equals, uint32(0x650000))
	c.Assert(ft.writes[1][0].Address, qt.Equals, uint32(0xE000))

	region, err := otadata.Decode(ft.mem[otadata.RegionOffset : otadata.RegionOffset+otadata.RegionSize])
	c.Assert(err, qt.IsNil)
	c.Assert(region.CurrentBootSlot(), qt.Equals, otadata.SlotUndetermined)
	c.Assert(region.RequestedBootSlot(), qt.Equals, otadata.SlotApp1)
}

func TestFlashFirmware_RefusesWhilePending(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedOtaData(c, otadata.SlotApp0)
	o := New(ft)

	_, err := o.FlashFirmware(context.Background(), image(MinAppImageSize), nil)
	c.Assert(err, qt.IsNil)

	_, err = o.FlashFirmware(context.Background(), image(MinAppImageSize), nil)
	c.Assert(err, qt.ErrorIs, otadata.ErrPendingVerify)
	c.Assert(ft.writes, qt.HasLen, 2)
}

func TestFlashFirmware_RefusesWithoutBootSlot(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()

	_, err := New(ft).FlashFirmware(context.Background(), image(MinAppImageSize), nil)
	c.Assert(err, qt.ErrorIs, otadata.ErrNoValidBootSlot)
	c.Assert(ft.writes, qt.HasLen, 0)
}

func TestFlashFirmware_ValidatesBeforeWriting(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedOtaData(c, otadata.SlotApp0)

	_, err := New(ft).FlashFirmware(context.Background(), image(0x1000), nil)
	c.Assert(err, qt.ErrorIs, ErrSuspiciouslySmall)
	c.Assert(ft.writes, qt.HasLen, 0)
}

func TestFlashFirmware_KeepsBootSlotOnWriteFailure(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.seedOtaData(c, otadata.SlotApp0)
	ft.writeErr = errors.New("link dropped")

	_, err := New(ft).FlashFirmware(context.Background(), image(MinAppImageSize), nil)
	c.Assert(err, qt.ErrorMatches, `.*link dropped`)
	c.Assert(ft.writes, qt.HasLen, 1)
}

// ============================================================
// Transport Error Tests
// ============================================================

func TestTransportErrorsPropagate(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.readErr = errors.Join(ErrTransport, errors.New("timeout"))

	_, err := New(ft).ReadPartitionTable(context.Background())
	c.Assert(err, qt.ErrorIs, ErrTransport)
	c.Assert(ft.reads, qt.HasLen, 1)
}

func TestShortReadIsTransportError(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ft.shortBy = 1

	_, err := New(ft).ReadOtaData(context.Background(), nil)
	c.Assert(err, qt.ErrorIs, ErrTransport)
}

func TestCancelledContext(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := New(ft).WriteAppPartition(ctx, otadata.SlotApp0, image(MinAppImageSize), nil)
	c.Assert(err, qt.ErrorIs, ErrCancelled)
	c.Assert(CancelError(errors.New("other")), qt.Not(qt.ErrorIs), ErrCancelled)
}

func TestProgressPanicIsRecovered(t *testing.T) {
	c := qt.New(t)
	ft := newFakeTransport()
	o := New(ft)

	err := o.WriteAppPartition(context.Background(), otadata.SlotApp0, image(MinAppImageSize), func(int, int, int) {
		panic("boom")
	})
	c.Assert(err, qt.IsNil)

	_, err = o.ReadOtaData(context.Background(), func([]byte, int, int) {
		panic("boom")
	})
	c.Assert(err, qt.IsNil)
}
