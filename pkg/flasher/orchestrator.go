// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/Thermoquad/xtflash/pkg/firmware"
	"github.com/Thermoquad/xtflash/pkg/otadata"
	"github.com/Thermoquad/xtflash/pkg/partition"
)

// Orchestrator runs high level flash operations over a Transport
type Orchestrator struct {
	mu        sync.Mutex
	transport Transport
	layout    Layout
	chunkSize uint32
	writeOpts WriteOptions
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithLayout selects the app partition layout (default Standard)
func WithLayout(l Layout) Option {
	return func(o *Orchestrator) {
		o.layout = l
	}
}

// WithIdentifyChunkSize sets the window growth step used by IdentifyFirmware
func WithIdentifyChunkSize(n uint32) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithWriteOptions overrides the options passed to every WriteFlash call
func WithWriteOptions(opts WriteOptions) Option {
	return func(o *Orchestrator) {
		o.writeOpts = opts
	}
}

// New creates an Orchestrator that exclusively owns t
func New(t Transport, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transport: t,
		layout:    Standard,
		chunkSize: DefaultIdentifyChunkSize,
		writeOpts: DefaultWriteOptions(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Layout returns the active app partition layout
func (o *Orchestrator) Layout() Layout {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.layout
}

// SetLayout switches the app partition layout, e.g. after DetectLayout
func (o *Orchestrator) SetLayout(l Layout) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.layout = l
}

// ============================================================
// Transport Helpers
// ============================================================

// read must be called with o.mu held
func (o *Orchestrator) read(ctx context.Context, offset, size uint32, onProgress ReadProgressFunc) ([]byte, error) {
	logger.Debugf("reading 0x%X bytes at 0x%06X", size, offset)
	data, err := o.transport.ReadFlash(ctx, offset, size, guardRead(onProgress))
	if err != nil {
		return nil, errors.Annotatef(err, "reading 0x%X bytes at 0x%06X", size, offset)
	}
	if uint32(len(data)) != size {
		return nil, errors.Annotatef(ErrTransport, "short read at 0x%06X: got 0x%X of 0x%X bytes", offset, len(data), size)
	}
	return data, nil
}

// write must be called with o.mu held
func (o *Orchestrator) write(ctx context.Context, address uint32, data []byte, onProgress WriteProgressFunc) error {
	logger.Debugf("writing 0x%X bytes at 0x%06X", len(data), address)
	regions := []Region{{Data: data, Address: address}}
	if err := o.transport.WriteFlash(ctx, regions, o.writeOpts, guardWrite(onProgress)); err != nil {
		return errors.Annotatef(err, "writing 0x%X bytes at 0x%06X", len(data), address)
	}
	return nil
}

// guardRead wraps a progress callback so a panic inside it is logged and dropped
func guardRead(fn ReadProgressFunc) ReadProgressFunc {
	if fn == nil {
		return nil
	}
	return func(chunk []byte, readSoFar, total int) {
		defer recoverProgress()
		fn(chunk, readSoFar, total)
	}
}

func guardWrite(fn WriteProgressFunc) WriteProgressFunc {
	if fn == nil {
		return nil
	}
	return func(chunkIndex, written, total int) {
		defer recoverProgress()
		fn(chunkIndex, written, total)
	}
}

func recoverProgress() {
	if r := recover(); r != nil {
		logger.Warningf("progress callback panicked: %v", r)
	}
}

// ============================================================
// Partition Table
// ============================================================

// ReadPartitionTable reads and decodes the partition table
func (o *Orchestrator) ReadPartitionTable(ctx context.Context) (partition.Table, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readPartitionTable(ctx)
}

func (o *Orchestrator) readPartitionTable(ctx context.Context) (partition.Table, error) {
	data, err := o.read(ctx, PartitionTableOffset, PartitionTableReadSize, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	table, err := partition.Decode(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return table, nil
}

// DetectLayout reads the partition table and returns the shipped layout it matches
func (o *Orchestrator) DetectLayout(ctx context.Context) (Layout, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	table, err := o.readPartitionTable(ctx)
	if err != nil {
		return Layout{}, errors.Trace(err)
	}
	l, err := DetectLayoutFromTable(table)
	if err != nil {
		return Layout{}, errors.Trace(err)
	}
	logger.Infof("device uses the %s layout", l.Name)
	return l, nil
}

// BuildPartitionTableBinary encodes entries into a table image
func (o *Orchestrator) BuildPartitionTableBinary(entries []partition.Entry) ([]byte, error) {
	return partition.Encode(entries)
}

// WritePartitionTable writes a table image at the partition table offset
func (o *Orchestrator) WritePartitionTable(ctx context.Context, data []byte, onProgress WriteProgressFunc) error {
	if len(data) > partition.TableSize {
		return errors.Annotatef(ErrTooLarge, "partition table is 0x%X bytes, limit 0x%X", len(data), partition.TableSize)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return errors.Trace(o.write(ctx, PartitionTableOffset, data, onProgress))
}

// ============================================================
// Full Flash
// ============================================================

// ReadFullFlash reads the whole chip
func (o *Orchestrator) ReadFullFlash(ctx context.Context, onProgress ReadProgressFunc) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.read(ctx, 0, FlashSize, onProgress)
}

// WriteFullFlash writes a whole chip image. The image must be exactly FlashSize bytes.
func (o *Orchestrator) WriteFullFlash(ctx context.Context, data []byte, onProgress WriteProgressFunc) error {
	if len(data) != FlashSize {
		return errors.Annotatef(ErrSizeMismatch, "got 0x%X bytes, want 0x%X", len(data), FlashSize)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return errors.Trace(o.write(ctx, 0, data, onProgress))
}

// ============================================================
// OTA Data
// ============================================================

// ReadOtaData reads and decodes the OTA selector region
func (o *Orchestrator) ReadOtaData(ctx context.Context, onProgress ReadProgressFunc) (*otadata.Region, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.readOtaData(ctx, onProgress)
}

func (o *Orchestrator) readOtaData(ctx context.Context, onProgress ReadProgressFunc) (*otadata.Region, error) {
	data, err := o.read(ctx, otadata.RegionOffset, otadata.RegionSize, onProgress)
	if err != nil {
		return nil, errors.Trace(err)
	}
	region, err := otadata.Decode(data)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return region, nil
}

// WriteOtaData writes region back to the device
func (o *Orchestrator) WriteOtaData(ctx context.Context, region *otadata.Region, onProgress WriteProgressFunc) error {
	if region == nil {
		return errors.NotValidf("nil otadata region")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeOtaData(ctx, region, onProgress)
}

func (o *Orchestrator) writeOtaData(ctx context.Context, region *otadata.Region, onProgress WriteProgressFunc) error {
	data := region.Bytes()
	if len(data) != otadata.RegionSize {
		return errors.Annotatef(ErrSizeMismatch, "otadata is 0x%X bytes, want 0x%X", len(data), otadata.RegionSize)
	}
	return errors.Trace(o.write(ctx, otadata.RegionOffset, data, onProgress))
}

// SwapBootPartition makes the bootloader start the other app slot on next boot.
// It performs exactly one read and one write of the OTA region.
func (o *Orchestrator) SwapBootPartition(ctx context.Context) (*otadata.Region, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	region, err := o.readOtaData(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return o.swap(ctx, region)
}

func (o *Orchestrator) swap(ctx context.Context, region *otadata.Region) (*otadata.Region, error) {
	swapped, err := region.SwapBoot()
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := o.writeOtaData(ctx, swapped, nil); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Infof("boot slot change from %s to %s requested, awaiting confirmation by the firmware",
		region.CurrentBootSlot(), swapped.RequestedBootSlot())
	return swapped, nil
}

// ============================================================
// App Partitions
// ============================================================

// ReadAppPartition reads a whole app slot
func (o *Orchestrator) ReadAppPartition(ctx context.Context, slot otadata.AppSlot, onProgress ReadProgressFunc) ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	offset, size, err := o.layout.Slot(slot)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return o.read(ctx, offset, size, onProgress)
}

// checkAppImage validates an image against a slot before anything is written
func (o *Orchestrator) checkAppImage(slot otadata.AppSlot, data []byte) (uint32, error) {
	offset, size, err := o.layout.Slot(slot)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(data) > int(size) {
		return 0, errors.Annotatef(ErrTooLarge, "0x%X bytes do not fit %s (0x%X bytes)", len(data), slot, size)
	}
	if len(data) < MinAppImageSize {
		return 0, errors.Annotatef(ErrSuspiciouslySmall, "0x%X bytes, expected at least 0x%X", len(data), MinAppImageSize)
	}
	return offset, nil
}

// WriteAppPartition writes an app image into slot with a single transport call
func (o *Orchestrator) WriteAppPartition(ctx context.Context, slot otadata.AppSlot, data []byte, onProgress WriteProgressFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	offset, err := o.checkAppImage(slot, data)
	if err != nil {
		return err
	}
	return errors.Trace(o.write(ctx, offset, data, onProgress))
}

// FlashFirmware installs data into the slot that is not currently booted and
// then points the bootloader at it. The running firmware stays intact as the
// fallback. It returns the slot that was written.
func (o *Orchestrator) FlashFirmware(ctx context.Context, data []byte, onProgress WriteProgressFunc) (otadata.AppSlot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	region, err := o.readOtaData(ctx, nil)
	if err != nil {
		return otadata.SlotUndetermined, errors.Trace(err)
	}
	if region.PendingVerify() {
		return otadata.SlotUndetermined, errors.Annotatef(otadata.ErrPendingVerify,
			"%s has not been confirmed yet", region.RequestedBootSlot())
	}
	current := region.CurrentBootSlot()
	if current == otadata.SlotUndetermined {
		return otadata.SlotUndetermined, errors.Annotatef(otadata.ErrNoValidBootSlot, "cannot pick a target slot")
	}
	target := current.Other()

	offset, err := o.checkAppImage(target, data)
	if err != nil {
		return otadata.SlotUndetermined, err
	}

	logger.Infof("installing 0x%X bytes into %s (currently booting %s)", len(data), target, current)
	if err := o.write(ctx, offset, data, onProgress); err != nil {
		return otadata.SlotUndetermined, errors.Trace(err)
	}
	if _, err := o.swap(ctx, region); err != nil {
		return otadata.SlotUndetermined, errors.Annotatef(err, "image written to %s but boot slot unchanged", target)
	}
	return target, nil
}

// ============================================================
// Identification
// ============================================================

// IdentifyFirmware identifies the image in slot. It reads the slot in
// chunks, growing the window until a build is recognised or the slot has
// been read completely.
func (o *Orchestrator) IdentifyFirmware(ctx context.Context, slot otadata.AppSlot) (firmware.Info, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.identify(ctx, slot)
}

func (o *Orchestrator) identify(ctx context.Context, slot otadata.AppSlot) (firmware.Info, error) {
	offset, size, err := o.layout.Slot(slot)
	if err != nil {
		return firmware.Info{}, errors.Trace(err)
	}

	var window []byte
	for read := uint32(0); read < size; {
		n := min(o.chunkSize, size-read)
		chunk, err := o.read(ctx, offset+read, n, nil)
		if err != nil {
			return firmware.Info{}, errors.Trace(err)
		}
		window = append(window, chunk...)
		read += n

		if info := firmware.Identify(window); info.Known() {
			logger.Debugf("%s identified as %s after 0x%X bytes", slot, info, read)
			return info, nil
		}
	}
	return firmware.IdentifyImage(window), nil
}

// Report summarises the firmware on both slots. BootSlot is the confirmed
// boot slot; RequestedSlot is what the bootloader will try next, which
// differs while a slot change awaits confirmation.
type Report struct {
	BootSlot      otadata.AppSlot
	RequestedSlot otadata.AppSlot
	App0          firmware.Info
	App1          firmware.Info
}

// Pending reports whether a boot slot change awaits confirmation
func (r Report) Pending() bool {
	return r.BootSlot == otadata.SlotUndetermined && r.RequestedSlot != otadata.SlotUndetermined
}

// Slot returns the firmware info for slot
func (r Report) Slot(slot otadata.AppSlot) firmware.Info {
	if slot == otadata.SlotApp1 {
		return r.App1
	}
	return r.App0
}

// IdentifyAll identifies both slots and the slot the bootloader will start
func (o *Orchestrator) IdentifyAll(ctx context.Context) (Report, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	region, err := o.readOtaData(ctx, nil)
	if err != nil {
		return Report{}, errors.Trace(err)
	}
	report := Report{
		BootSlot:      region.CurrentBootSlot(),
		RequestedSlot: region.RequestedBootSlot(),
	}
	if report.App0, err = o.identify(ctx, otadata.SlotApp0); err != nil {
		return Report{}, errors.Trace(err)
	}
	if report.App1, err = o.identify(ctx, otadata.SlotApp1); err != nil {
		return Report{}, errors.Trace(err)
	}
	return report, nil
}
