// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package flasher

import (
	"bytes"
	"context"
	"crypto/md5"
	"io"
	"os"

	"github.com/juju/errors"
)

// imageChunkSize is the progress granularity of ImageTransport
const imageChunkSize = 0x10000

// ImageTransport is a Transport backed by a flash dump file.
// It lets every operation run against a saved image instead of a device.
type ImageTransport struct {
	f    *os.File
	size int64
}

// OpenImage opens a flash dump for reading and writing
func OpenImage(path string) (*ImageTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Annotatef(err, "opening flash image")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Annotatef(err, "reading flash image size")
	}
	if info.Size() != FlashSize {
		logger.Warningf("%s is 0x%X bytes, a full dump is 0x%X", path, info.Size(), FlashSize)
	}
	return &ImageTransport{f: f, size: info.Size()}, nil
}

// CreateImage creates an erased flash image of FlashSize bytes
func CreateImage(path string) (*ImageTransport, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Annotatef(err, "creating flash image")
	}
	t := &ImageTransport{f: f, size: FlashSize}
	if err := t.erase(); err != nil {
		f.Close()
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Close closes the image file
func (t *ImageTransport) Close() error {
	return t.f.Close()
}

// Size returns the image size in bytes
func (t *ImageTransport) Size() int64 {
	return t.size
}

func (t *ImageTransport) bounds(offset uint32, size int) error {
	if int64(offset)+int64(size) > t.size {
		return errors.Annotatef(ErrTransport, "0x%X bytes at 0x%06X exceed image size 0x%X", size, offset, t.size)
	}
	return nil
}

// ReadFlash reads size bytes at offset from the image
func (t *ImageTransport) ReadFlash(ctx context.Context, offset, size uint32, onPacket ReadProgressFunc) ([]byte, error) {
	if err := t.bounds(offset, int(size)); err != nil {
		return nil, err
	}

	data := make([]byte, size)
	for done := 0; done < len(data); {
		if err := ctx.Err(); err != nil {
			return nil, CancelError(err)
		}
		n := min(imageChunkSize, len(data)-done)
		chunk := data[done : done+n]
		if _, err := t.f.ReadAt(chunk, int64(offset)+int64(done)); err != nil && err != io.EOF {
			return nil, errors.Annotatef(ErrTransport, "read: %v", err)
		}
		done += n
		if onPacket != nil {
			onPacket(chunk, done, len(data))
		}
	}
	return data, nil
}

// WriteFlash writes each region into the image
func (t *ImageTransport) WriteFlash(ctx context.Context, regions []Region, opts WriteOptions, onProgress WriteProgressFunc) error {
	total := 0
	for _, r := range regions {
		if err := t.bounds(r.Address, len(r.Data)); err != nil {
			return err
		}
		total += len(r.Data)
	}

	if opts.EraseAll {
		if err := t.erase(); err != nil {
			return errors.Trace(err)
		}
	}

	written := 0
	for i, r := range regions {
		for done := 0; done < len(r.Data); {
			if err := ctx.Err(); err != nil {
				return CancelError(err)
			}
			n := min(imageChunkSize, len(r.Data)-done)
			if _, err := t.f.WriteAt(r.Data[done:done+n], int64(r.Address)+int64(done)); err != nil {
				return errors.Annotatef(ErrTransport, "write: %v", err)
			}
			done += n
			written += n
			if onProgress != nil {
				onProgress(i, written, total)
			}
		}
		if opts.Verify {
			if err := t.verify(r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *ImageTransport) verify(r Region) error {
	back := make([]byte, len(r.Data))
	if _, err := t.f.ReadAt(back, int64(r.Address)); err != nil && err != io.EOF {
		return errors.Annotatef(ErrTransport, "verify read: %v", err)
	}
	want, got := md5.Sum(r.Data), md5.Sum(back)
	if !bytes.Equal(want[:], got[:]) {
		return errors.Annotatef(ErrTransport, "verify failed at 0x%06X: md5 %x, want %x", r.Address, got, want)
	}
	return nil
}

func (t *ImageTransport) erase() error {
	erased := bytes.Repeat([]byte{0xFF}, imageChunkSize)
	for off := int64(0); off < t.size; off += imageChunkSize {
		n := min(int64(imageChunkSize), t.size-off)
		if _, err := t.f.WriteAt(erased[:n], off); err != nil {
			return errors.Annotatef(ErrTransport, "erase: %v", err)
		}
	}
	return nil
}
