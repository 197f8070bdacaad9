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

// Package ptable reads the GUID partition table of the eMMC user area.
package ptable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/google/uuid"
	"k8s.io/klog/v2"
)

const (
	// BlockSize is the logical block size assumed by the table.
	BlockSize = 512
	// EntrySize is the size of a single partition entry.
	EntrySize = 128
	// NameLength is the number of UTF-16 code units in an entry name.
	NameLength = 36
	// TableBlocks is the number of blocks covered by the primary table
	// (protective MBR, header and 128 entries).
	TableBlocks = 34
	// TableName is the pseudo partition standing for the table itself.
	TableName = "ptable"

	headerSize   = 92
	mbrSignature = 0xaa550000
	signature    = "EFI PART"
	revision     = 0x00010000
	entriesLBA   = 2
	maxEntries   = 128
)

var (
	ErrNoMBR   = errors.New("protective MBR signature not found")
	ErrNoGPT   = errors.New("GPT header signature not found")
	ErrBadName = errors.New("invalid partition name")
	ErrCRC     = errors.New("GPT checksum mismatch")
	ErrHeader  = errors.New("invalid GPT header")
)

// Header mirrors the on-disk GPT header.
type Header struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCRC32    uint32
	Reserved       uint32
	CurrentLBA     uint64
	BackupLBA      uint64
	FirstUsableLBA uint64
	LastUsableLBA  uint64
	DiskGUID       [16]byte
	EntriesLBA     uint64
	NumEntries     uint32
	EntrySize      uint32
	EntriesCRC32   uint32
}

type rawEntry struct {
	Type       [16]byte
	Unique     [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	Name       [NameLength]uint16
}

// Entry is a named byte range of the user area.
type Entry struct {
	Name       string
	Start      int64
	Length     int64
	Type       uuid.UUID
	Unique     uuid.UUID
	Attributes uint64
}

// Table is the list of partitions found on a device, the first entry is
// always the TableName pseudo partition.
type Table struct {
	Header  Header
	Entries []Entry
}

// Find returns the first entry named name.
func (t *Table) Find(name string) (*Entry, bool) {
	if t == nil {
		return nil, false
	}

	for i := range t.Entries {
		if t.Entries[i].Name == name {
			return &t.Entries[i], true
		}
	}

	return nil, false
}

// Dump logs the partition table at verbose level.
func (t *Table) Dump() {
	for _, e := range t.Entries {
		if e.Length == 0 {
			klog.V(1).Infof("%s: 0x%x", e.Name, e.Start)
			continue
		}
		klog.V(1).Infof("%s: 0x%x-0x%x", e.Name, e.Start, e.Start+e.Length-4)
	}
}

// GUIDs are stored with their first three fields little endian.
func swapGUID(b [16]byte) (g [16]byte) {
	g = b
	g[0], g[1], g[2], g[3] = b[3], b[2], b[1], b[0]
	g[4], g[5] = b[5], b[4]
	g[6], g[7] = b[7], b[6]
	return
}

func decodeName(n [NameLength]uint16) (string, error) {
	var name []byte

	for _, c := range n {
		if c == 0 {
			break
		}

		if c > 0xff {
			return "", fmt.Errorf("%w: non ASCII character 0x%04x", ErrBadName, c)
		}

		name = append(name, byte(c))
	}

	if len(name) == 0 {
		return "", fmt.Errorf("%w: empty name", ErrBadName)
	}

	return string(name), nil
}

func readBlocks(r io.ReaderAt, lba int64, n int) ([]byte, error) {
	buf := make([]byte, n)

	if _, err := r.ReadAt(buf, lba*BlockSize); err != nil {
		return nil, fmt.Errorf("read at lba %d: %w", lba, err)
	}

	return buf, nil
}

// Read parses the primary GPT from r, checksum mismatches are logged.
func Read(r io.ReaderAt) (*Table, error) {
	return read(r, false)
}

// ReadStrict parses the primary GPT from r, rejecting checksum mismatches.
func ReadStrict(r io.ReaderAt) (*Table, error) {
	return read(r, true)
}

func read(r io.ReaderAt, strict bool) (t *Table, err error) {
	t = &Table{
		Entries: []Entry{{Name: TableName}},
	}

	mbr, err := readBlocks(r, 0, BlockSize)

	if err != nil {
		return nil, err
	}

	if binary.LittleEndian.Uint32(mbr[BlockSize-4:]) != mbrSignature {
		return nil, ErrNoMBR
	}

	buf, err := readBlocks(r, 1, BlockSize)

	if err != nil {
		return nil, err
	}

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &t.Header); err != nil {
		return nil, err
	}

	h := &t.Header

	if string(h.Signature[:]) != signature {
		return nil, ErrNoGPT
	}

	if h.HeaderSize < headerSize || h.HeaderSize > BlockSize {
		return nil, fmt.Errorf("%w: header size %d", ErrHeader, h.HeaderSize)
	}

	if h.EntrySize != EntrySize {
		return nil, fmt.Errorf("%w: entry size %d", ErrHeader, h.EntrySize)
	}

	if h.NumEntries > maxEntries {
		return nil, fmt.Errorf("%w: %d entries", ErrHeader, h.NumEntries)
	}

	hdr := append([]byte{}, buf[:h.HeaderSize]...)
	binary.LittleEndian.PutUint32(hdr[16:], 0)

	if err = verify("header", crc32.ChecksumIEEE(hdr), h.HeaderCRC32, strict); err != nil {
		return nil, err
	}

	lba := int64(h.EntriesLBA)

	if lba == 0 {
		lba = entriesLBA
	}

	entries, err := readBlocks(r, lba, int(h.NumEntries)*EntrySize)

	if err != nil {
		return nil, err
	}

	if err = verify("entries", crc32.ChecksumIEEE(entries), h.EntriesCRC32, strict); err != nil {
		return nil, err
	}

	er := bytes.NewReader(entries)

	for i := 0; i < int(h.NumEntries); i++ {
		var raw rawEntry

		if err = binary.Read(er, binary.LittleEndian, &raw); err != nil {
			return nil, err
		}

		if raw.FirstLBA == 0 && raw.LastLBA == 0 {
			break
		}

		name, err := decodeName(raw.Name)

		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}

		if raw.LastLBA < raw.FirstLBA {
			return nil, fmt.Errorf("%w: entry %q ends before it starts", ErrHeader, name)
		}

		t.Entries = append(t.Entries, Entry{
			Name:       name,
			Start:      int64(raw.FirstLBA) * BlockSize,
			Length:     int64(raw.LastLBA-raw.FirstLBA+1) * BlockSize,
			Type:       uuid.UUID(swapGUID(raw.Type)),
			Unique:     uuid.UUID(swapGUID(raw.Unique)),
			Attributes: raw.Attributes,
		})
	}

	return t, nil
}

func verify(what string, got uint32, want uint32, strict bool) error {
	if got == want {
		return nil
	}

	if strict {
		return fmt.Errorf("%w: %s crc32 %08x, expected %08x", ErrCRC, what, got, want)
	}

	klog.Warningf("GPT %s crc32 %08x does not match %08x", what, got, want)

	return nil
}
