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

package ptable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"unicode/utf16"

	"github.com/google/uuid"
)

// LinuxFilesystem is the partition type GUID used for new entries when
// none is given.
var LinuxFilesystem = uuid.MustParse("0fc63daf-8483-4772-8e79-3d69d8477de4")

// Marshal encodes the table entries, excluding the TableName pseudo
// partition, as a primary GPT (protective MBR, header and entry array)
// for a device of diskBlocks blocks.
func (t *Table) Marshal(diskBlocks int64) ([]byte, error) {
	if diskBlocks <= TableBlocks*2 {
		return nil, fmt.Errorf("device of %d blocks is too small", diskBlocks)
	}

	buf := make([]byte, TableBlocks*BlockSize)

	// protective MBR, a single 0xee partition covering the device
	mbr := buf[:BlockSize]
	mbr[446+4] = 0xee
	binary.LittleEndian.PutUint32(mbr[446+8:], 1)
	binary.LittleEndian.PutUint32(mbr[446+12:], uint32(min(diskBlocks-1, 0xffffffff)))
	binary.LittleEndian.PutUint32(mbr[BlockSize-4:], mbrSignature)

	entries := buf[entriesLBA*BlockSize:]
	ew := bytes.NewBuffer(entries[:0])
	n := 0

	for _, e := range t.Entries {
		if e.Name == TableName {
			continue
		}

		if n == maxEntries {
			return nil, fmt.Errorf("too many partitions")
		}

		if e.Start%BlockSize != 0 || e.Length%BlockSize != 0 || e.Length == 0 {
			return nil, fmt.Errorf("partition %q is not block aligned", e.Name)
		}

		u := utf16.Encode([]rune(e.Name))

		if len(u) == 0 || len(u) > NameLength {
			return nil, fmt.Errorf("%w: %q", ErrBadName, e.Name)
		}

		raw := rawEntry{
			Type:       swapGUID([16]byte(e.Type)),
			Unique:     swapGUID([16]byte(e.Unique)),
			FirstLBA:   uint64(e.Start / BlockSize),
			LastLBA:    uint64((e.Start+e.Length)/BlockSize - 1),
			Attributes: e.Attributes,
		}

		if e.Type == uuid.Nil {
			raw.Type = swapGUID([16]byte(LinuxFilesystem))
		}

		if e.Unique == uuid.Nil {
			raw.Unique = swapGUID([16]byte(uuid.New()))
		}

		copy(raw.Name[:], u)

		if err := binary.Write(ew, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}

		n++
	}

	h := t.Header
	copy(h.Signature[:], signature)
	h.Revision = revision
	h.HeaderSize = headerSize
	h.HeaderCRC32 = 0
	h.CurrentLBA = 1
	h.BackupLBA = uint64(diskBlocks - 1)
	h.FirstUsableLBA = TableBlocks
	h.LastUsableLBA = uint64(diskBlocks - TableBlocks)
	h.EntriesLBA = entriesLBA
	h.NumEntries = maxEntries
	h.EntrySize = EntrySize
	h.EntriesCRC32 = crc32.ChecksumIEEE(entries[:maxEntries*EntrySize])

	if h.DiskGUID == [16]byte{} {
		h.DiskGUID = swapGUID([16]byte(uuid.New()))
	}

	hw := bytes.NewBuffer(buf[BlockSize:BlockSize])

	if err := binary.Write(hw, binary.LittleEndian, &h); err != nil {
		return nil, err
	}

	binary.LittleEndian.PutUint32(buf[BlockSize+16:], crc32.ChecksumIEEE(buf[BlockSize:BlockSize+headerSize]))

	return buf, nil
}
