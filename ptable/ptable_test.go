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
	"errors"
	"hash/crc32"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
)

var hikeyLayout = []Entry{
	{Name: "vrl", Start: 0x20000, Length: 0x40000},
	{Name: "fastboot", Start: 0x400000, Length: 0x800000},
	{Name: "nvme", Start: 0xc00000, Length: 0x40000},
	{Name: "boot", Start: 0x1000000, Length: 0x4000000},
	{Name: "system", Start: 0x5000000, Length: 0x20000000},
}

const diskBlocks = 0x80000000 / BlockSize

func mustMarshal(t *testing.T, entries []Entry) []byte {
	t.Helper()
	tbl := &Table{Entries: entries}
	buf, err := tbl.Marshal(diskBlocks)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return buf
}

// fixCRC recomputes both GPT checksums after a test has tampered with buf.
func fixCRC(buf []byte) {
	entries := buf[2*BlockSize : 2*BlockSize+maxEntries*EntrySize]
	binary.LittleEndian.PutUint32(buf[BlockSize+88:], crc32.ChecksumIEEE(entries))
	binary.LittleEndian.PutUint32(buf[BlockSize+16:], 0)
	binary.LittleEndian.PutUint32(buf[BlockSize+16:], crc32.ChecksumIEEE(buf[BlockSize:BlockSize+headerSize]))
}

func TestReadRoundTrip(t *testing.T) {
	typ := uuid.MustParse("ebd0a0a2-b9e5-4433-87c0-68b6b72699c7")
	unique := uuid.MustParse("5a5c8d0e-4c3a-4b0e-9f2a-2d4e6f708192")

	entries := append([]Entry{{Name: "loader", Start: 0x1000, Length: 0x1000, Type: typ, Unique: unique, Attributes: 4}}, hikeyLayout...)
	tbl, err := ReadStrict(bytes.NewReader(mustMarshal(t, entries)))
	if err != nil {
		t.Fatalf("ReadStrict: %v", err)
	}

	want := append([]Entry{{Name: TableName}}, entries...)
	if d := cmp.Diff(want, tbl.Entries, cmpopts.IgnoreFields(Entry{}, "Type", "Unique")); d != "" {
		t.Fatalf("Got diff: %s", d)
	}

	if got := tbl.Entries[1]; got.Type != typ || got.Unique != unique {
		t.Fatalf("Got GUIDs %v %v, want %v %v", got.Type, got.Unique, typ, unique)
	}
	if got := tbl.Entries[2].Type; got != LinuxFilesystem {
		t.Fatalf("Got default type %v, want %v", got, LinuxFilesystem)
	}
}

func TestFind(t *testing.T) {
	tbl, err := Read(bytes.NewReader(mustMarshal(t, hikeyLayout)))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}

	for _, test := range []struct {
		name      string
		wantOK    bool
		wantStart int64
	}{
		{name: "ptable", wantOK: true, wantStart: 0},
		{name: "fastboot", wantOK: true, wantStart: 0x400000},
		{name: "system", wantOK: true, wantStart: 0x5000000},
		{name: "fast", wantOK: false},
		{name: "userdata", wantOK: false},
	} {
		t.Run(test.name, func(t *testing.T) {
			e, ok := tbl.Find(test.name)
			if ok != test.wantOK {
				t.Fatalf("Got ok %t, want %t", ok, test.wantOK)
			}
			if ok && e.Start != test.wantStart {
				t.Fatalf("Got start 0x%x, want 0x%x", e.Start, test.wantStart)
			}
		})
	}

	var nilTable *Table
	if _, ok := nilTable.Find("boot"); ok {
		t.Fatal("nil table found an entry")
	}
}

func TestReadErrors(t *testing.T) {
	for _, test := range []struct {
		name    string
		tamper  func(buf []byte)
		strict  bool
		wantErr error
	}{
		{
			name:    "no MBR signature",
			tamper:  func(buf []byte) { buf[510] = 0 },
			wantErr: ErrNoMBR,
		}, {
			name:    "no GPT signature",
			tamper:  func(buf []byte) { copy(buf[BlockSize:], "NOT PART") },
			wantErr: ErrNoGPT,
		}, {
			name: "non ASCII name",
			tamper: func(buf []byte) {
				// second unit of the first entry name
				binary.LittleEndian.PutUint16(buf[2*BlockSize+56+2:], 0x4e2d)
				fixCRC(buf)
			},
			strict:  true,
			wantErr: ErrBadName,
		}, {
			name: "empty name",
			tamper: func(buf []byte) {
				copy(buf[2*BlockSize+56:2*BlockSize+128], make([]byte, 72))
				fixCRC(buf)
			},
			wantErr: ErrBadName,
		}, {
			name: "entries CRC",
			tamper: func(buf []byte) {
				buf[2*BlockSize+56] = 'V'
			},
			strict:  true,
			wantErr: ErrCRC,
		}, {
			name: "bad entry size",
			tamper: func(buf []byte) {
				binary.LittleEndian.PutUint32(buf[BlockSize+84:], 64)
				fixCRC(buf)
			},
			wantErr: ErrHeader,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			buf := mustMarshal(t, hikeyLayout)
			test.tamper(buf)
			read := Read
			if test.strict {
				read = ReadStrict
			}
			if _, err := read(bytes.NewReader(buf)); !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestReadLenientCRC(t *testing.T) {
	buf := mustMarshal(t, hikeyLayout)
	buf[2*BlockSize+56] = 'V'

	tbl, err := Read(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if _, ok := tbl.Find("Vrl"); !ok {
		t.Fatal("tampered entry not found")
	}
}

func TestReadStopsAtEmptyEntry(t *testing.T) {
	buf := mustMarshal(t, hikeyLayout)
	// clear the third entry, the following ones must be ignored
	copy(buf[2*BlockSize+2*EntrySize:2*BlockSize+3*EntrySize], make([]byte, EntrySize))
	fixCRC(buf)

	tbl, err := ReadStrict(bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("ReadStrict: %v", err)
	}
	var names []string
	for _, e := range tbl.Entries {
		names = append(names, e.Name)
	}
	if d := cmp.Diff([]string{"ptable", "vrl", "fastboot"}, names); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
}

func TestMarshalErrors(t *testing.T) {
	for _, test := range []struct {
		name    string
		entries []Entry
		blocks  int64
	}{
		{name: "unaligned", entries: []Entry{{Name: "a", Start: 100, Length: 512}}, blocks: diskBlocks},
		{name: "empty", entries: []Entry{{Name: "a", Start: 512}}, blocks: diskBlocks},
		{name: "long name", entries: []Entry{{Name: string(bytes.Repeat([]byte("n"), 37)), Start: 512, Length: 512}}, blocks: diskBlocks},
		{name: "tiny disk", blocks: 10},
	} {
		t.Run(test.name, func(t *testing.T) {
			tbl := &Table{Entries: test.entries}
			if _, err := tbl.Marshal(test.blocks); err == nil {
				t.Fatal("Marshal succeeded")
			}
		})
	}
}

func TestEntryHeaders(t *testing.T) {
	want := []EntryHeader{
		{Start: 0, Count: 34, Flag: 0},
		{Start: 0x3ffffdf, Count: 33, Flag: 0},
	}
	copy(want[0].Name[:], "primary")
	copy(want[1].Name[:], "second")

	buf := MarshalEntryHeaders(want)
	if len(buf) != 2*EntryHeaderSize {
		t.Fatalf("Got %d bytes, want %d", len(buf), 2*EntryHeaderSize)
	}

	got, err := ParseEntryHeaders(buf, UserMaxEntries)
	if err != nil {
		t.Fatalf("ParseEntryHeaders: %v", err)
	}
	for i := range want {
		copy(want[i].Magic[:], EntryHeaderMagic)
	}
	if d := cmp.Diff(want, got); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
	if got[1].PartName() != "second" {
		t.Fatalf("Got name %q", got[1].PartName())
	}

	if _, err := ParseEntryHeaders([]byte("ANDROID!"), 2); !errors.Is(err, ErrNotEntryHeader) {
		t.Fatalf("Got %v, want ErrNotEntryHeader", err)
	}
	if _, err := ParseEntryHeaders(buf[:40], 2); !errors.Is(err, ErrTruncated) {
		t.Fatalf("Got %v, want ErrTruncated", err)
	}
}
