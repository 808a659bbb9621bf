// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package partition encodes and decodes the ESP32 on-flash partition table.
//
// The table lives in a 4 KiB region at flash offset 0x8000. It is a run of
// 32-byte entry records terminated by an MD5 checksum record, with the rest of
// the region left erased (0xFF).
package partition

import "github.com/juju/errors"

// Flash placement
const (
	TableOffset = 0x8000
	TableSize   = 0x1000
	RecordSize  = 32
	LabelSize   = 16
)

// Record magic bytes
var (
	entryMagic    = [2]byte{0xAA, 0x50}
	checksumMagic = [2]byte{0xEB, 0xEB}
)

// MaxEntries is the number of entries that fit alongside the checksum record.
const MaxEntries = TableSize/RecordSize - 1

// Entry flag bits
const (
	FlagEncrypted uint32 = 1 << 0
	FlagReadOnly  uint32 = 1 << 1
)

const (
	// ErrMalformedTable is returned when a record is neither an entry, a
	// checksum record nor erased, or when the table is truncated.
	ErrMalformedTable = errors.ConstError("malformed partition table")

	// ErrChecksumMismatch is returned when the MD5 record does not match the
	// entries that precede it.
	ErrChecksumMismatch = errors.ConstError("partition table checksum mismatch")

	// ErrUnknownPartitionKind is returned when encoding an entry whose kind has
	// no type/subtype pair.
	ErrUnknownPartitionKind = errors.ConstError("unknown partition kind")

	// ErrLabelTooLong is returned when a label does not fit the 16 byte field.
	ErrLabelTooLong = errors.ConstError("partition label too long")

	// ErrTooManyEntries is returned when the entries and the MD5 record do
	// not fit in the table sector.
	ErrTooManyEntries = errors.ConstError("too many partition entries")
)
