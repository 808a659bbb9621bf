// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"bytes"
	"encoding/binary"
)

// ESP-IDF application image constants
const (
	ImageMagic          = 0xE9
	AppDescriptorOffset = 0x20
	AppDescriptorMagic  = 0xABCD5432
)

// Field offsets inside esp_app_desc_t
const (
	descVersionOffset = 0x10
	descProjectOffset = 0x30
	descTimeOffset    = 0x50
	descDateOffset    = 0x60
	descIDFOffset     = 0x70
	descSHAOffset     = 0x90
	descSize          = 0xB0
)

// AppDescriptor is the esp_app_desc_t block every ESP-IDF image carries
// right after its first segment header.
type AppDescriptor struct {
	SecureVersion uint32
	Version       string
	ProjectName   string
	Time          string
	Date          string
	IDFVersion    string
	ELFSHA256     [32]byte
}

// ParseAppDescriptor reads the application descriptor from the start of an
// app partition. It returns false when the window is too short or does not
// hold an ESP-IDF image.
func ParseAppDescriptor(window []byte) (AppDescriptor, bool) {
	if len(window) < AppDescriptorOffset+descSize || window[0] != ImageMagic {
		return AppDescriptor{}, false
	}
	d := window[AppDescriptorOffset : AppDescriptorOffset+descSize]
	if binary.LittleEndian.Uint32(d[0:4]) != AppDescriptorMagic {
		return AppDescriptor{}, false
	}

	desc := AppDescriptor{
		SecureVersion: binary.LittleEndian.Uint32(d[4:8]),
		Version:       cString(d[descVersionOffset:descProjectOffset]),
		ProjectName:   cString(d[descProjectOffset:descTimeOffset]),
		Time:          cString(d[descTimeOffset:descDateOffset]),
		Date:          cString(d[descDateOffset:descIDFOffset]),
		IDFVersion:    cString(d[descIDFOffset:descSHAOffset]),
	}
	copy(desc.ELFSHA256[:], d[descSHAOffset:descSize])
	return desc, true
}

// cString returns the bytes up to the first NUL
func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// printable reports whether s is non-empty printable ASCII
func printable(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return false
		}
	}
	return true
}
