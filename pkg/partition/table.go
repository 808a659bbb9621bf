// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

// Entry is a single partition table record
type Entry struct {
	Kind   Kind
	Offset uint32
	Size   uint32
	Label  string
	Flags  uint32
}

// End returns the first flash offset past the partition
func (e Entry) End() uint32 {
	return e.Offset + e.Size
}

// Table is the ordered list of entries as they appear on flash
type Table []Entry

// Find returns the entry with the given label
func (t Table) Find(label string) (Entry, bool) {
	for _, e := range t {
		if e.Label == label {
			return e, true
		}
	}
	return Entry{}, false
}

// OfKind returns the first entry of the given kind
func (t Table) OfKind(kind Kind) (Entry, bool) {
	for _, e := range t {
		if e.Kind == kind {
			return e, true
		}
	}
	return Entry{}, false
}

// Decode parses a partition table region.
// The region may be longer than TableSize; scanning stops at the checksum
// record or the first erased record.
func Decode(data []byte) (Table, error) {
	var table Table
	digest := md5.New()

	for offset := 0; ; offset += RecordSize {
		if len(data)-offset < RecordSize {
			return nil, fmt.Errorf("%w: truncated at offset 0x%X", ErrMalformedTable, offset)
		}
		record := data[offset : offset+RecordSize]

		if isErased(record) {
			return table, nil
		}

		if record[0] == checksumMagic[0] && record[1] == checksumMagic[1] {
			sum := digest.Sum(nil)
			if !bytes.Equal(record[16:], sum) {
				return nil, fmt.Errorf("%w: stored %X, computed %X", ErrChecksumMismatch, record[16:], sum)
			}
			return table, nil
		}

		if record[0] != entryMagic[0] || record[1] != entryMagic[1] {
			return nil, fmt.Errorf("%w: bad magic 0x%02X%02X at offset 0x%X",
				ErrMalformedTable, record[0], record[1], offset)
		}

		digest.Write(record)
		table = append(table, decodeEntry(record))
	}
}

func decodeEntry(record []byte) Entry {
	label := record[12 : 12+LabelSize]
	if n := bytes.IndexByte(label, 0); n >= 0 {
		label = label[:n]
	}
	return Entry{
		Kind:   kindOf(record[2], record[3]),
		Offset: binary.LittleEndian.Uint32(record[4:8]),
		Size:   binary.LittleEndian.Uint32(record[8:12]),
		Label:  string(label),
		Flags:  binary.LittleEndian.Uint32(record[28:32]),
	}
}

// Encode builds a TableSize region holding the entries followed by their
// checksum record. Unused bytes are left erased.
func Encode(entries []Entry) ([]byte, error) {
	if len(entries) > MaxEntries {
		return nil, fmt.Errorf("%w: %d entries (max %d)", ErrTooManyEntries, len(entries), MaxEntries)
	}

	out := bytes.Repeat([]byte{0xFF}, TableSize)
	digest := md5.New()

	offset := 0
	for i, e := range entries {
		record := out[offset : offset+RecordSize]
		if err := encodeEntry(record, e); err != nil {
			return nil, fmt.Errorf("entry %d (%q): %w", i, e.Label, err)
		}
		digest.Write(record)
		offset += RecordSize
	}

	record := out[offset : offset+RecordSize]
	record[0], record[1] = checksumMagic[0], checksumMagic[1]
	copy(record[16:], digest.Sum(nil))

	return out, nil
}

func encodeEntry(record []byte, e Entry) error {
	typ, subtype, ok := e.Kind.Code()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownPartitionKind, e.Kind)
	}
	if len(e.Label) > LabelSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrLabelTooLong, len(e.Label), LabelSize)
	}

	record[0], record[1] = entryMagic[0], entryMagic[1]
	record[2] = typ
	record[3] = subtype
	binary.LittleEndian.PutUint32(record[4:8], e.Offset)
	binary.LittleEndian.PutUint32(record[8:12], e.Size)

	label := record[12 : 12+LabelSize]
	for i := range label {
		label[i] = 0
	}
	copy(label, e.Label)

	binary.LittleEndian.PutUint32(record[28:32], e.Flags)
	return nil
}

func isErased(record []byte) bool {
	for _, b := range record {
		if b != 0xFF {
			return false
		}
	}
	return true
}
