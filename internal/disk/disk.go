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

// Package disk emulates an eMMC card on a memory mapped image file, the
// user area followed by the boot area.
package disk

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/blockio"
)

// BlockSize is the emulated card block size.
const BlockSize = 512

var ErrGeometry = errors.New("area sizes must be positive multiples of the block size")

// Disk is a file backed blockio.Ops implementation.
type Disk struct {
	f *os.File
	m mmap.MMap

	userSize int64
	bootSize int64
}

// Open maps the image at path, creating or growing it to fit both areas.
func Open(path string, userSize int64, bootSize int64) (d *Disk, err error) {
	if userSize <= 0 || bootSize <= 0 || userSize%BlockSize != 0 || bootSize%BlockSize != 0 {
		return nil, ErrGeometry
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)

	if err != nil {
		return
	}

	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	fi, err := f.Stat()

	if err != nil {
		return
	}

	if size := userSize + bootSize; fi.Size() < size {
		klog.Infof("disk: resizing %s to %d bytes", path, size)

		if err = f.Truncate(size); err != nil {
			return
		}
	}

	m, err := mmap.Map(f, mmap.RDWR, 0)

	if err != nil {
		return nil, fmt.Errorf("could not map %s, %v", path, err)
	}

	return &Disk{
		f:        f,
		m:        m,
		userSize: userSize,
		bootSize: bootSize,
	}, nil
}

// Init implements blockio.Ops.
func (d *Disk) Init() error {
	if d.m == nil {
		return os.ErrClosed
	}

	return nil
}

// BlockSize implements blockio.Ops.
func (d *Disk) BlockSize() int {
	return BlockSize
}

func (d *Disk) area(area blockio.Area, lba int64, n int) ([]byte, error) {
	if d.m == nil {
		return nil, os.ErrClosed
	}

	base, size := int64(0), d.userSize

	if area == blockio.BootArea {
		base, size = d.userSize, d.bootSize
	}

	off := lba * BlockSize

	if n%BlockSize != 0 {
		return nil, fmt.Errorf("transfer size %d is not block aligned", n)
	}

	if lba < 0 || off+int64(n) > size {
		return nil, fmt.Errorf("%w: %s lba %d", blockio.ErrOutOfRange, area, lba)
	}

	return d.m[base+off : base+off+int64(n)], nil
}

// ReadBlocks implements blockio.Ops.
func (d *Disk) ReadBlocks(area blockio.Area, lba int64, b []byte) error {
	buf, err := d.area(area, lba, len(b))

	if err != nil {
		return err
	}

	copy(b, buf)

	return nil
}

// WriteBlocks implements blockio.Ops.
func (d *Disk) WriteBlocks(area blockio.Area, lba int64, b []byte) error {
	buf, err := d.area(area, lba, len(b))

	if err != nil {
		return err
	}

	copy(buf, b)

	return nil
}

// Size returns the byte size of an area.
func (d *Disk) Size(area blockio.Area) int64 {
	if area == blockio.BootArea {
		return d.bootSize
	}

	return d.userSize
}

// Flush commits mapped changes to the image file.
func (d *Disk) Flush() error {
	if d.m == nil {
		return os.ErrClosed
	}

	return d.m.Flush()
}

// Close flushes and unmaps the image.
func (d *Disk) Close() (err error) {
	if d.m == nil {
		return os.ErrClosed
	}

	if err = d.m.Flush(); err != nil {
		return
	}

	if err = d.m.Unmap(); err != nil {
		return
	}

	d.m = nil

	return d.f.Close()
}
