// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware classifies the image stored in an app partition.
//
// Identification only looks at a byte window handed in by the caller. The
// flasher grows that window chunk by chunk until a build is recognised.
package firmware

import "bytes"

// Kind names a known firmware family
type Kind string

// Firmware kinds
const (
	KindOfficialEnglish Kind = "official-english"
	KindOfficialChinese Kind = "official-chinese"
	KindCrossPoint      Kind = "crosspoint"
	KindUnknown         Kind = "unknown"
)

// UnknownVersion is reported when a build is recognised but its version is not
const UnknownVersion = "unknown"

// Signatures embedded in each firmware family
var (
	SignatureOfficialEnglish = []byte("X4_EN_FW_V")
	SignatureOfficialChinese = []byte("X4_CN_FW_V")
	SignatureCrossPoint      = []byte("CrossPoint-ESP32-")
)

// maxVersionLength bounds delimiter scans after a signature
const maxVersionLength = 32

// Info is the result of identifying a window
type Info struct {
	Type    Kind
	Version string
}

// Known reports whether the window matched any firmware family
func (i Info) Known() bool {
	return i.Type != KindUnknown
}

func (i Info) String() string {
	if i.Type == KindUnknown {
		return string(KindUnknown)
	}
	return string(i.Type) + " " + i.Version
}

// matcher recognises one firmware family
type matcher struct {
	kind      Kind
	signature []byte
	version   func(window []byte, at int, complete bool) (string, versionResult)
}

// versionResult says how a version lookup behind a signature went
type versionResult int

const (
	versionFound versionResult = iota
	versionMissing
	// versionTruncated means the window ends before the version could end
	versionTruncated
)

// matchers in priority order
var matchers = []matcher{
	{kind: KindOfficialEnglish, signature: SignatureOfficialEnglish, version: descriptorVersion},
	{kind: KindOfficialChinese, signature: SignatureOfficialChinese, version: descriptorVersion},
	{kind: KindCrossPoint, signature: SignatureCrossPoint, version: bannerVersion},
}

// Identify classifies window, a prefix of an app image that may be grown
// later. The first matching family wins. A match whose version runs past
// the end of window is not accepted, so the caller reads more.
func Identify(window []byte) Info {
	return identify(window, false)
}

// IdentifyImage classifies a complete image. Unlike Identify, a version cut
// off by the end of the data is reported as UnknownVersion.
func IdentifyImage(image []byte) Info {
	return identify(image, true)
}

func identify(window []byte, complete bool) Info {
	for _, m := range matchers {
		at := bytes.Index(window, m.signature)
		if at < 0 {
			continue
		}
		version, res := m.version(window, at, complete)
		switch res {
		case versionTruncated:
			return Info{Type: KindUnknown, Version: UnknownVersion}
		case versionMissing:
			version = UnknownVersion
		}
		return Info{Type: m.kind, Version: version}
	}
	return Info{Type: KindUnknown, Version: UnknownVersion}
}

// descriptorVersion reads the version field of the app descriptor.
// Official builds keep it at a fixed offset from the image start.
func descriptorVersion(window []byte, _ int, _ bool) (string, versionResult) {
	desc, ok := ParseAppDescriptor(window)
	if !ok || !printable(desc.Version) {
		return "", versionMissing
	}
	return desc.Version, versionFound
}

// bannerVersion reads the NUL-terminated version after the CrossPoint banner
func bannerVersion(window []byte, at int, complete bool) (string, versionResult) {
	rest := window[at+len(SignatureCrossPoint):]
	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		if !complete && len(rest) <= maxVersionLength {
			return "", versionTruncated
		}
		return "", versionMissing
	}
	if end > maxVersionLength {
		return "", versionMissing
	}
	v := string(rest[:end])
	if !printable(v) {
		return "", versionMissing
	}
	return v, versionFound
}
