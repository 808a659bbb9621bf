// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package otadata decodes and rewrites the ESP32 OTA selector region.
//
// The region holds two redundant selector records, one per flash sector. The
// record with the highest usable sequence number decides which of the two OTA
// app partitions the bootloader starts.
package otadata

import (
	"fmt"

	"github.com/juju/errors"
)

// Flash placement
const (
	RegionOffset = 0xE000
	RegionSize   = 0x2000
	RecordSize   = 32
	LabelSize    = 20
)

// recordOffsets holds the position of each selector record inside the region
var recordOffsets = [2]int{0x0000, 0x1000}

// erasedSequence marks a record that has never been written
const erasedSequence = 0xFFFFFFFF

const (
	// ErrNoValidBootSlot is returned by SwapBoot when neither record is usable
	ErrNoValidBootSlot = errors.ConstError("no valid boot slot")

	// ErrPendingVerify is returned by SwapBoot while the last slot change
	// has not been confirmed by the firmware
	ErrPendingVerify = errors.ConstError("boot slot change awaiting confirmation")

	// ErrRegionTooShort is returned when the region cannot hold both records
	ErrRegionTooShort = errors.ConstError("otadata region too short")
)

// State is the OTA image state stored in a selector record
type State uint32

// OTA image states
const (
	StateNew           State = 0
	StatePendingVerify State = 1
	StateValid         State = 2
	StateInvalid       State = 3
	StateAborted       State = 4
	StateUndefined     State = 0xFFFFFFFF
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StatePendingVerify:
		return "PENDING_VERIFY"
	case StateValid:
		return "VALID"
	case StateInvalid:
		return "INVALID"
	case StateAborted:
		return "ABORTED"
	case StateUndefined:
		return "UNDEFINED"
	default:
		return fmt.Sprintf("UNKNOWN(0x%08X)", uint32(s))
	}
}

// bootable reports whether the bootloader may select a record in this state
func (s State) bootable() bool {
	return s != StateInvalid && s != StateAborted
}

// AppSlot identifies one of the two OTA app partitions
type AppSlot int

// App slots
const (
	SlotUndetermined AppSlot = iota - 1
	SlotApp0
	SlotApp1
)

func (s AppSlot) String() string {
	switch s {
	case SlotApp0:
		return "app0"
	case SlotApp1:
		return "app1"
	default:
		return "undetermined"
	}
}

// Other returns the opposite app slot
func (s AppSlot) Other() AppSlot {
	switch s {
	case SlotApp0:
		return SlotApp1
	case SlotApp1:
		return SlotApp0
	default:
		return SlotUndetermined
	}
}

// ParseAppSlot parses "app0" or "app1"
func ParseAppSlot(name string) (AppSlot, error) {
	switch name {
	case "app0", "0":
		return SlotApp0, nil
	case "app1", "1":
		return SlotApp1, nil
	}
	return SlotUndetermined, fmt.Errorf("unknown app slot %q (use app0 or app1)", name)
}

// slotForSequence maps a sequence number onto an app slot.
// Sequence 1 boots ota_0, sequence 2 boots ota_1, and so on modulo two.
func slotForSequence(seq uint32) AppSlot {
	if seq == 0 || seq == erasedSequence {
		return SlotUndetermined
	}
	return AppSlot((seq - 1) % 2)
}
