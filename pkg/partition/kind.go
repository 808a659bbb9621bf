// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package partition

import "strings"

// Kind names a partition type/subtype pair
type Kind string

// App partitions (type 0x00)
const (
	KindAppFactory Kind = "app-factory"
	KindAppOTA0    Kind = "app-ota_0"
	KindAppOTA1    Kind = "app-ota_1"
	KindAppOTA2    Kind = "app-ota_2"
	KindAppOTA3    Kind = "app-ota_3"
	KindAppTest    Kind = "app-test"
)

// Data partitions (type 0x01)
const (
	KindDataOTA       Kind = "data-ota"
	KindDataPHY       Kind = "data-phy"
	KindDataNVS       Kind = "data-nvs"
	KindDataCoreDump  Kind = "data-coredump"
	KindDataNVSKeys   Kind = "data-nvs_keys"
	KindDataEfuse     Kind = "data-efuse"
	KindDataUndefined Kind = "data-undefined"
	KindDataESPHTTPD  Kind = "data-esphttpd"
	KindDataFAT       Kind = "data-fat"
	KindDataSPIFFS    Kind = "data-spiffs"
	KindDataLittleFS  Kind = "data-littlefs"
)

// Bootloader (type 0x02) and partition table (type 0x03) partitions
const (
	KindBootloaderPrimary     Kind = "bootloader-primary"
	KindBootloaderOTA         Kind = "bootloader-ota"
	KindPartitionTablePrimary Kind = "partitiontable-primary"
	KindPartitionTableOTA     Kind = "partitiontable-ota"
)

// KindUnknown is decoded for type/subtype pairs missing from the lookup table
const KindUnknown Kind = "unknown"

type typeCode struct {
	typ     byte
	subtype byte
}

var kindsByCode = map[typeCode]Kind{
	{0x00, 0x00}: KindAppFactory,
	{0x00, 0x10}: KindAppOTA0,
	{0x00, 0x11}: KindAppOTA1,
	{0x00, 0x12}: KindAppOTA2,
	{0x00, 0x13}: KindAppOTA3,
	{0x00, 0x20}: KindAppTest,

	{0x01, 0x00}: KindDataOTA,
	{0x01, 0x01}: KindDataPHY,
	{0x01, 0x02}: KindDataNVS,
	{0x01, 0x03}: KindDataCoreDump,
	{0x01, 0x04}: KindDataNVSKeys,
	{0x01, 0x05}: KindDataEfuse,
	{0x01, 0x06}: KindDataUndefined,
	{0x01, 0x80}: KindDataESPHTTPD,
	{0x01, 0x81}: KindDataFAT,
	{0x01, 0x82}: KindDataSPIFFS,
	{0x01, 0x83}: KindDataLittleFS,

	{0x02, 0x00}: KindBootloaderPrimary,
	{0x02, 0x01}: KindBootloaderOTA,

	{0x03, 0x00}: KindPartitionTablePrimary,
	{0x03, 0x01}: KindPartitionTableOTA,
}

var codesByKind = func() map[Kind]typeCode {
	m := make(map[Kind]typeCode, len(kindsByCode))
	for code, kind := range kindsByCode {
		m[kind] = code
	}
	return m
}()

func kindOf(typ, subtype byte) Kind {
	if kind, ok := kindsByCode[typeCode{typ, subtype}]; ok {
		return kind
	}
	return KindUnknown
}

// Code returns the on-flash type and subtype bytes for the kind
func (k Kind) Code() (typ, subtype byte, ok bool) {
	code, ok := codesByKind[k]
	return code.typ, code.subtype, ok
}

// IsApp reports whether the kind is an application partition
func (k Kind) IsApp() bool {
	return strings.HasPrefix(string(k), "app-")
}

func (k Kind) String() string {
	return string(k)
}
