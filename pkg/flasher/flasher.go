// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package flasher drives whole-region reads and writes against an X4's flash.
//
// The Orchestrator owns a Transport for one device session. Every operation
// validates its input before the first byte reaches the device and holds the
// session lock until the transport has finished, so transfers never
// interleave on the half-duplex link.
package flasher

import (
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("xtflash.flasher")

// Flash geometry
const (
	FlashSize = 0x1000000

	PartitionTableOffset   = 0x8000
	PartitionTableReadSize = 0x2000

	coreDumpOffset = 0xFF0000
	coreDumpSize   = 0x10000
)

// MinAppImageSize is the smallest image accepted for an app slot.
// Real builds are several megabytes; anything smaller is most likely the wrong file.
const MinAppImageSize = 0xF0000

// DefaultIdentifyChunkSize is the first window read when identifying firmware
const DefaultIdentifyChunkSize = 0x6400

const (
	// ErrSizeMismatch is returned when a full flash image is not exactly FlashSize bytes
	ErrSizeMismatch = errors.ConstError("image size does not match flash size")

	// ErrTooLarge is returned when an image does not fit its partition
	ErrTooLarge = errors.ConstError("image larger than partition")

	// ErrSuspiciouslySmall is returned for app images below MinAppImageSize
	ErrSuspiciouslySmall = errors.ConstError("image suspiciously small")

	// ErrLayoutMismatch is returned when the device table matches no shipped layout
	ErrLayoutMismatch = errors.ConstError("partition table matches no known layout")
)
