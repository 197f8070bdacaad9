// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package blockio provides byte addressed access to block storage through
// a device which allows a single open file at any time.
package blockio

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"
)

// batchSize is the number of blocks written per underlying operation, to
// limit DMA requirements.
const batchSize = 2048

// Area selects the hardware partition of an eMMC device.
type Area int

const (
	// UserArea is the eMMC user data area.
	UserArea Area = iota
	// BootArea is the eMMC boot partition holding the first stage loader.
	BootArea
)

func (a Area) String() string {
	switch a {
	case UserArea:
		return "user"
	case BootArea:
		return "boot"
	}
	return fmt.Sprintf("area(%d)", int(a))
}

var (
	ErrBusy            = errors.New("a block device is already active, close first")
	ErrUnsupportedSeek = errors.New("unsupported seek mode")
	ErrOutOfRange      = errors.New("access outside of image bounds")
	ErrClosed          = errors.New("file already closed")
	ErrNotInitialized  = errors.New("block device not initialized")
)

// Ops is implemented by block storage drivers.
type Ops interface {
	// Init prepares the underlying storage.
	Init() error
	// BlockSize returns the size in bytes of a single block.
	BlockSize() int
	// ReadBlocks reads len(b) bytes into b from contiguous blocks of area
	// starting at lba. len(b) is a multiple of the block size.
	ReadBlocks(area Area, lba int64, b []byte) error
	// WriteBlocks writes b to contiguous blocks of area starting at lba.
	// len(b) is a multiple of the block size.
	WriteBlocks(area Area, lba int64, b []byte) error
}

// Spec is the byte window of the underlying storage exposed by an open
// file. A zero Length leaves the window unbounded.
type Spec struct {
	Offset int64
	Length int64
}

// Device multiplexes a block driver over a single file slot.
type Device struct {
	sync.Mutex

	ops         Ops
	area        Area
	initialized bool
	file        *File
}

// New returns a device backed by the given driver.
func New(ops Ops) *Device {
	return &Device{ops: ops}
}

// Init initializes the driver on first use and selects the area used by
// subsequently opened files.
func (d *Device) Init(area Area) (err error) {
	d.Lock()
	defer d.Unlock()

	if !d.initialized {
		if err = d.ops.Init(); err != nil {
			return fmt.Errorf("block device init: %w", err)
		}
		d.initialized = true
	}

	d.area = area

	return
}

// Open returns a file exposing spec, only one file can be open at a time.
func (d *Device) Open(spec Spec) (*File, error) {
	d.Lock()
	defer d.Unlock()

	if !d.initialized {
		return nil, ErrNotInitialized
	}

	if d.file != nil {
		klog.Warning("A block device is already active. Close first.")
		return nil, ErrBusy
	}

	d.file = &File{
		dev:  d,
		area: d.area,
		spec: spec,
	}

	return d.file, nil
}

func (d *Device) release(f *File) {
	d.Lock()
	defer d.Unlock()

	if d.file == f {
		d.file = nil
	}
}

func (d *Device) read(area Area, off int64, p []byte) (err error) {
	bs := int64(d.ops.BlockSize())
	head := off % bs
	n := head + int64(len(p))

	if rem := n % bs; rem > 0 {
		n += bs - rem
	}

	if head == 0 && n == int64(len(p)) {
		return d.ops.ReadBlocks(area, off/bs, p)
	}

	buf := make([]byte, n)

	if err = d.ops.ReadBlocks(area, off/bs, buf); err != nil {
		return
	}

	copy(p, buf[head:])

	return
}

func (d *Device) write(area Area, off int64, p []byte) (err error) {
	bs := int64(d.ops.BlockSize())
	lba := off / bs
	head := off % bs
	n := head + int64(len(p))

	if rem := n % bs; rem > 0 {
		n += bs - rem
	}

	if head == 0 && n == int64(len(p)) {
		return d.writeBlocks(area, lba, p)
	}

	// partial blocks are merged with the existing content
	buf := make([]byte, n)

	if head > 0 {
		if err = d.ops.ReadBlocks(area, lba, buf[:bs]); err != nil {
			return
		}
	}

	if tail := head + int64(len(p)); tail%bs != 0 && (head == 0 || n > bs) {
		if err = d.ops.ReadBlocks(area, lba+n/bs-1, buf[n-bs:]); err != nil {
			return
		}
	}

	copy(buf[head:], p)

	return d.writeBlocks(area, lba, buf)
}

func (d *Device) writeBlocks(area Area, lba int64, buf []byte) (err error) {
	bs := d.ops.BlockSize()
	blocks := len(buf) / bs
	batch := batchSize

	for i := 0; i < blocks; i += batch {
		if i+batch > blocks {
			batch = blocks - i
		}

		start := i * bs
		end := start + bs*batch

		if err = d.ops.WriteBlocks(area, lba+int64(i), buf[start:end]); err != nil {
			return
		}

		if blocks > batchSize {
			klog.V(2).Infof("flashed %d/%d blocks", i+batch, blocks)
		}
	}

	return
}

// File is a seekable byte window over a block device.
type File struct {
	dev    *Device
	area   Area
	spec   Spec
	pos    int64
	closed bool
}

// Size returns the length of the file window, zero if unbounded.
func (f *File) Size() int64 {
	return f.spec.Length
}

func (f *File) check(off int64, n int) error {
	if f.closed {
		return ErrClosed
	}

	if off < 0 || (f.spec.Length > 0 && off+int64(n) > f.spec.Length) {
		return fmt.Errorf("%w: %d bytes at %d, length %d", ErrOutOfRange, n, off, f.spec.Length)
	}

	return nil
}

// Seek sets the file cursor, only io.SeekStart is supported.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if whence != io.SeekStart {
		return f.pos, ErrUnsupportedSeek
	}

	if err := f.check(offset, 0); err != nil {
		return f.pos, err
	}

	f.pos = offset

	return f.pos, nil
}

// Read reads len(p) bytes at the cursor and advances it.
func (f *File) Read(p []byte) (n int, err error) {
	if n, err = f.ReadAt(p, f.pos); err != nil {
		return
	}

	f.pos += int64(n)

	return
}

// Write writes p at the cursor and advances it.
func (f *File) Write(p []byte) (n int, err error) {
	if n, err = f.WriteAt(p, f.pos); err != nil {
		return
	}

	f.pos += int64(n)

	return
}

// ReadAt reads len(p) bytes at offset off of the file window, without
// moving the cursor.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if err := f.check(off, len(p)); err != nil {
		return 0, err
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := f.dev.read(f.area, f.spec.Offset+off, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// WriteAt writes p at offset off of the file window, without moving the
// cursor.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if err := f.check(off, len(p)); err != nil {
		return 0, err
	}

	if len(p) == 0 {
		return 0, nil
	}

	if err := f.dev.write(f.area, f.spec.Offset+off, p); err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close releases the device file slot.
func (f *File) Close() error {
	if f.closed {
		return ErrClosed
	}

	f.closed = true
	f.dev.release(f)

	return nil
}
