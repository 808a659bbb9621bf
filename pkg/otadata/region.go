// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package otadata

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/juju/errors"
)

// Record is one OTA selector record (esp_ota_select_entry_t)
type Record struct {
	Sequence uint32
	Label    [LabelSize]byte
	State    State
	CRC      uint32
}

// SequenceCRC computes the checksum stored alongside a sequence number
func SequenceCRC(seq uint32) uint32 {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], seq)
	return crc32.Update(0xFFFFFFFF, crc32.IEEETable, buf[:])
}

// CRCValid reports whether the stored CRC matches the sequence number
func (r Record) CRCValid() bool {
	return r.CRC == SequenceCRC(r.Sequence)
}

// Usable reports whether the bootloader would consider this record
func (r Record) Usable() bool {
	return r.CRCValid() && slotForSequence(r.Sequence) != SlotUndetermined && r.State.bootable()
}

func decodeRecord(b []byte) Record {
	r := Record{
		Sequence: binary.LittleEndian.Uint32(b[0:4]),
		State:    State(binary.LittleEndian.Uint32(b[24:28])),
		CRC:      binary.LittleEndian.Uint32(b[28:32]),
	}
	copy(r.Label[:], b[4:24])
	return r
}

func encodeRecord(b []byte, r Record) {
	binary.LittleEndian.PutUint32(b[0:4], r.Sequence)
	copy(b[4:24], r.Label[:])
	binary.LittleEndian.PutUint32(b[24:28], uint32(r.State))
	binary.LittleEndian.PutUint32(b[28:32], r.CRC)
}

// Region is an immutable snapshot of the OTA data region
type Region struct {
	raw     []byte
	records [2]Record
}

// Decode parses both selector records from a region.
// A record with a bad CRC is kept and reported through CRCValid.
func Decode(data []byte) (*Region, error) {
	need := recordOffsets[1] + RecordSize
	if len(data) < need {
		return nil, fmt.Errorf("%w: %d bytes (need at least %d)", ErrRegionTooShort, len(data), need)
	}

	r := &Region{raw: append([]byte(nil), data...)}
	for i, off := range recordOffsets {
		r.records[i] = decodeRecord(data[off : off+RecordSize])
	}
	return r, nil
}

// Bytes returns a copy of the raw region
func (r *Region) Bytes() []byte {
	return append([]byte(nil), r.raw...)
}

// Record returns selector record 0 or 1
func (r *Region) Record(i int) Record {
	return r.records[i]
}

// active returns the index of the record the bootloader would select
func (r *Region) active() (int, bool) {
	best := -1
	for i, rec := range r.records {
		if !rec.Usable() {
			continue
		}
		if best < 0 || rec.Sequence > r.records[best].Sequence {
			best = i
		}
	}
	return best, best >= 0
}

// RequestedBootSlot returns the app slot the bootloader will try next,
// including a slot change the firmware has not confirmed yet.
func (r *Region) RequestedBootSlot() AppSlot {
	i, ok := r.active()
	if !ok {
		return SlotUndetermined
	}
	return slotForSequence(r.records[i].Sequence)
}

// CurrentBootSlot returns the confirmed boot slot. It is SlotUndetermined
// when no record is usable or when the selected record is still NEW or
// PENDING_VERIFY, since the bootloader may roll back to the other slot.
func (r *Region) CurrentBootSlot() AppSlot {
	if r.PendingVerify() {
		return SlotUndetermined
	}
	return r.RequestedBootSlot()
}

// PendingVerify reports whether the selected record still awaits
// confirmation by the firmware after a boot slot change.
func (r *Region) PendingVerify() bool {
	i, ok := r.active()
	if !ok {
		return false
	}
	s := r.records[i].State
	return s == StateNew || s == StatePendingVerify
}

// SwapBoot returns a new region that selects the other app slot.
// The inactive record takes the next sequence number in state NEW; the
// active record is left as the fallback. A region whose last change is
// still pending is refused with ErrPendingVerify.
func (r *Region) SwapBoot() (*Region, error) {
	i, ok := r.active()
	if !ok {
		return nil, ErrNoValidBootSlot
	}
	if r.PendingVerify() {
		return nil, errors.Annotatef(ErrPendingVerify, "%s not confirmed", r.RequestedBootSlot())
	}
	inactive := 1 - i

	rec := r.records[inactive]
	rec.Sequence = r.records[i].Sequence + 1
	rec.State = StateNew
	rec.CRC = SequenceCRC(rec.Sequence)

	next := &Region{raw: r.Bytes(), records: r.records}
	next.records[inactive] = rec
	off := recordOffsets[inactive]
	encodeRecord(next.raw[off:off+RecordSize], rec)
	return next, nil
}

// SlotDetails is a display projection of one selector record
type SlotDetails struct {
	Index          int
	PartitionLabel string
	Sequence       uint32
	State          State
	CRCBytes       [4]byte
	CRCValid       bool
}

// Slots returns the details of both selector records
func (r *Region) Slots() []SlotDetails {
	details := make([]SlotDetails, 0, len(r.records))
	for i, rec := range r.records {
		d := SlotDetails{
			Index:          i,
			PartitionLabel: slotForSequence(rec.Sequence).String(),
			Sequence:       rec.Sequence,
			State:          rec.State,
			CRCValid:       rec.CRCValid(),
		}
		binary.LittleEndian.PutUint32(d.CRCBytes[:], rec.CRC)
		details = append(details, d)
	}
	return details
}

// NewRegion builds an erased region whose first record selects slot.
// Used when restoring a device whose otadata sector was wiped.
func NewRegion(slot AppSlot) (*Region, error) {
	if slot != SlotApp0 && slot != SlotApp1 {
		return nil, fmt.Errorf("cannot select slot %s", slot)
	}
	raw := make([]byte, RegionSize)
	for i := range raw {
		raw[i] = 0xFF
	}
	seq := uint32(slot) + 1
	rec := Record{Sequence: seq, State: StateValid, CRC: SequenceCRC(seq)}
	for i := range rec.Label {
		rec.Label[i] = 0xFF
	}
	encodeRecord(raw[recordOffsets[0]:recordOffsets[0]+RecordSize], rec)
	return Decode(raw)
}
