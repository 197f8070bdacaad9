// Copyright 2022 The Armored Witness Applet authors. All Rights Reserved.
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

// Package testonly provides support for storage tests.
package testonly

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/transparency-dev/hikey-fastboot/blockio"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory eMMC with user and boot areas.
type MemDev struct {
	User [][MemBlockSize]byte
	Boot [][MemBlockSize]byte

	// Inits counts calls to Init.
	Inits int
	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(area blockio.Area, lba int64)
}

func (md *MemDev) storage(area blockio.Area) [][MemBlockSize]byte {
	if area == blockio.BootArea {
		return md.Boot
	}
	return md.User
}

// Init implements blockio.Ops.
func (md *MemDev) Init() error {
	md.Inits++
	return nil
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() int {
	return MemBlockSize
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) ReadBlocks(area blockio.Area, lba int64, b []byte) error {
	s := md.storage(area)
	bl := int64(len(b) / MemBlockSize)
	if lba < 0 || lba+bl > int64(len(s)) {
		return fmt.Errorf("%v lba (%d+%d) > device blocks (%d)", area, lba, bl, len(s))
	}
	for i := int64(0); i < bl; i++ {
		copy(b[i*MemBlockSize:], s[lba+i][:])
	}
	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address.
// b must be an integer multiple of the device's block size.
func (md *MemDev) WriteBlocks(area blockio.Area, lba int64, b []byte) error {
	if r := len(b) % MemBlockSize; r != 0 {
		return fmt.Errorf("write of %d bytes is not block aligned", len(b))
	}
	s := md.storage(area)
	bl := int64(len(b) / MemBlockSize)
	if lba < 0 || lba+bl > int64(len(s)) {
		return fmt.Errorf("%v lba (%d+%d) > device blocks (%d)", area, lba, bl, len(s))
	}
	for i := int64(0); i < bl; i++ {
		copy(s[lba+i][:], b[i*MemBlockSize:])
		if md.OnBlockWritten != nil {
			md.OnBlockWritten(area, lba+i)
		}
	}
	return nil
}

// Bytes returns a copy of n bytes of area starting at byte offset off.
func (md *MemDev) Bytes(area blockio.Area, off int64, n int) []byte {
	var buf bytes.Buffer
	s := md.storage(area)
	for lba := off / MemBlockSize; buf.Len() < int(off%MemBlockSize)+n && lba < int64(len(s)); lba++ {
		buf.Write(s[lba][:])
	}
	b := buf.Bytes()[off%MemBlockSize:]
	if len(b) > n {
		b = b[:n]
	}
	return b
}

// Set copies b into area at byte offset off.
func (md *MemDev) Set(area blockio.Area, off int64, b []byte) {
	s := md.storage(area)
	for len(b) > 0 {
		lba, o := off/MemBlockSize, off%MemBlockSize
		n := copy(s[lba][o:], b)
		b = b[n:]
		off += int64(n)
	}
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(t *testing.T, userBlocks, bootBlocks int) *MemDev {
	t.Helper()
	return &MemDev{
		User: make([][MemBlockSize]byte, userBlocks),
		Boot: make([][MemBlockSize]byte, bootBlocks),
	}
}
