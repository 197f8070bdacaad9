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

//go:build tamago && arm

package main

import (
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/transparency-dev/hikey-fastboot/blockio"
)

const (
	expectedBlockSize = 512

	// fakeCardNumBlocks defines the claimed size of the emulated storage.
	fakeCardNumBlocks = int64(4<<30) / expectedBlockSize
)

var errBootArea = errors.New("boot area not accessible")

// Card mostly mirrors the public API of the usdhc.Card struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
	// Info returns information about the underlying storage.
	Info() usdhc.CardInfo
	// Detect identifies the card and reads its geometry.
	Detect() error
}

// storage returns MMC backed storage if running on real hardware, or a fake
// in-memory storage device otherwise.
func storage() Card {
	if imx6ul.Native {
		return Storage
	}

	return newFakeCard(fakeCardNumBlocks)
}

// mmc exposes the user area of a Card as block I/O operations.
type mmc struct {
	card Card
}

func (m *mmc) Init() error {
	if bs := m.card.Info().BlockSize; bs != expectedBlockSize {
		return fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, bs)
	}

	return nil
}

func (m *mmc) BlockSize() int {
	return expectedBlockSize
}

func (m *mmc) ReadBlocks(area blockio.Area, lba int64, b []byte) error {
	if area != blockio.UserArea {
		return errBootArea
	}

	buf, err := m.card.Read(lba*expectedBlockSize, int64(len(b)))

	if err != nil {
		return err
	}

	copy(b, buf)

	return nil
}

func (m *mmc) WriteBlocks(area blockio.Area, lba int64, b []byte) error {
	if area != blockio.UserArea {
		return errBootArea
	}

	return m.card.WriteBlocks(int(lba), b)
}

// fakeCard is an in-memory storage device.
//
// Rather than allocating a slab of RAM to emulate the entire device, it
// associates written sectors with their number, leaving unwritten blocks
// unallocated.
type fakeCard struct {
	info usdhc.CardInfo
	mem  map[int64][]byte
}

func newFakeCard(numBlocks int64) *fakeCard {
	return &fakeCard{
		mem: make(map[int64][]byte),
		info: usdhc.CardInfo{
			BlockSize: expectedBlockSize,
			Blocks:    int(numBlocks),
		},
	}
}

func (fc *fakeCard) Read(offset int64, size int64) ([]byte, error) {
	end := int64(fc.info.Blocks) * expectedBlockSize

	if offset%expectedBlockSize != 0 || offset < 0 || offset+size > end {
		return nil, fmt.Errorf("invalid read of %d bytes at %d", size, offset)
	}

	buf := make([]byte, size)
	base := offset / expectedBlockSize

	for i := int64(0); i*expectedBlockSize < size; i++ {
		copy(buf[i*expectedBlockSize:], fc.mem[base+i])
	}

	return buf, nil
}

func (fc *fakeCard) WriteBlocks(lba int, b []byte) error {
	blocks := (int64(len(b)) + expectedBlockSize - 1) / expectedBlockSize

	if lba < 0 || int64(lba)+blocks > int64(fc.info.Blocks) {
		return fmt.Errorf("write of %d blocks at lba %d exceeds device", blocks, lba)
	}

	for i := int64(0); i < blocks; i++ {
		sector := make([]byte, expectedBlockSize)
		copy(sector, b[i*expectedBlockSize:])
		fc.mem[int64(lba)+i] = sector
	}

	return nil
}

func (fc *fakeCard) Info() usdhc.CardInfo {
	return fc.info
}

func (fc *fakeCard) Detect() error {
	log.Println("SM using fake MMC storage")
	return nil
}
