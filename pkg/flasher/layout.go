// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/xtflash/pkg/otadata"
	"github.com/Thermoquad/xtflash/pkg/partition"
)

// Layout places the two OTA app partitions on flash
type Layout struct {
	Name       string
	App0Offset uint32
	App0Size   uint32
	App1Offset uint32
	App1Size   uint32
}

// Shipped layouts
var (
	// Standard is the factory layout of the X4
	Standard = Layout{
		Name:       "standard",
		App0Offset: 0x10000,
		App0Size:   0x640000,
		App1Offset: 0x650000,
		App1Size:   0x640000,
	}

	// CJK enlarges both app slots for firmware carrying CJK fonts
	CJK = Layout{
		Name:       "cjk",
		App0Offset: 0x10000,
		App0Size:   0x680000,
		App1Offset: 0x690000,
		App1Size:   0x680000,
	}
)

// Layouts lists every shipped layout
var Layouts = []Layout{Standard, CJK}

// LayoutByName looks up a shipped layout
func LayoutByName(name string) (Layout, error) {
	for _, l := range Layouts {
		if strings.EqualFold(l.Name, name) {
			return l, nil
		}
	}
	return Layout{}, fmt.Errorf("unknown layout %q (use standard or cjk)", name)
}

// Slot returns the offset and size of an app slot
func (l Layout) Slot(slot otadata.AppSlot) (offset, size uint32, err error) {
	switch slot {
	case otadata.SlotApp0:
		return l.App0Offset, l.App0Size, nil
	case otadata.SlotApp1:
		return l.App1Offset, l.App1Size, nil
	}
	return 0, 0, fmt.Errorf("layout %s has no slot %s", l.Name, slot)
}

// Matches reports whether the table places its OTA apps where l expects them
func (l Layout) Matches(table partition.Table) bool {
	app0, ok0 := table.OfKind(partition.KindAppOTA0)
	app1, ok1 := table.OfKind(partition.KindAppOTA1)
	return ok0 && ok1 &&
		app0.Offset == l.App0Offset && app0.Size == l.App0Size &&
		app1.Offset == l.App1Offset && app1.Size == l.App1Size
}

// Table builds the full partition table for l. The data partitions fill the
// space between app1 and the core dump partition.
func (l Layout) Table() partition.Table {
	spiffsOffset := l.App1Offset + l.App1Size
	return partition.Table{
		{Kind: partition.KindDataNVS, Offset: 0x9000, Size: 0x5000, Label: "nvs"},
		{Kind: partition.KindDataOTA, Offset: otadata.RegionOffset, Size: otadata.RegionSize, Label: "otadata"},
		{Kind: partition.KindAppOTA0, Offset: l.App0Offset, Size: l.App0Size, Label: "app0"},
		{Kind: partition.KindAppOTA1, Offset: l.App1Offset, Size: l.App1Size, Label: "app1"},
		{Kind: partition.KindDataSPIFFS, Offset: spiffsOffset, Size: coreDumpOffset - spiffsOffset, Label: "spiffs"},
		{Kind: partition.KindDataCoreDump, Offset: coreDumpOffset, Size: coreDumpSize, Label: "coredump"},
	}
}

// StandardTable returns the partition table of the standard layout
func StandardTable() partition.Table {
	return Standard.Table()
}

// CJKTable returns the partition table of the CJK layout
func CJKTable() partition.Table {
	return CJK.Table()
}

// DetectLayoutFromTable returns the shipped layout matching table
func DetectLayoutFromTable(table partition.Table) (Layout, error) {
	for _, l := range Layouts {
		if l.Matches(table) {
			return l, nil
		}
	}
	return Layout{}, ErrLayoutMismatch
}
