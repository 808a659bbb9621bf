// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"context"

	"github.com/juju/errors"
)

const (
	// ErrTransport wraps every failure reported by the link to the device
	ErrTransport = errors.ConstError("transport error")

	// ErrCancelled is returned when a transfer was stopped through its context
	ErrCancelled = errors.ConstError("operation cancelled")
)

// ReadProgressFunc receives each chunk as it arrives
type ReadProgressFunc func(chunk []byte, readSoFar, total int)

// WriteProgressFunc reports write progress across all regions
type WriteProgressFunc func(chunkIndex, written, total int)

// Region is one contiguous block to program
type Region struct {
	Data    []byte
	Address uint32
}

// WriteOptions tunes how a transport programs flash.
// Flash mode, frequency and size are always left as configured on the chip.
type WriteOptions struct {
	// EraseAll erases the whole chip before writing
	EraseAll bool
	// Verify asks the transport to compare an MD5 of each region after writing
	Verify bool
}

// DefaultWriteOptions verifies every region and never erases the chip
func DefaultWriteOptions() WriteOptions {
	return WriteOptions{Verify: true}
}

// Transport moves bytes between the host and the device flash.
//
// ReadFlash returns exactly size bytes starting at offset. Both methods wrap
// link failures in ErrTransport and context cancellation in ErrCancelled.
// Implementations are not required to be safe for concurrent use.
type Transport interface {
	ReadFlash(ctx context.Context, offset, size uint32, onPacket ReadProgressFunc) ([]byte, error)
	WriteFlash(ctx context.Context, regions []Region, opts WriteOptions, onProgress WriteProgressFunc) error
}

// CancelError converts a context error into ErrCancelled.
// Other errors are returned unchanged.
func CancelError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errors.Annotatef(ErrCancelled, "%v", err)
	}
	return err
}
