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
	"fmt"
)

const (
	// EntryHeaderMagic prefixes every record of a multi image file.
	EntryHeaderMagic = "ENTRYHDR"
	// EntryHeaderSize is the encoded size of an EntryHeader.
	EntryHeaderSize = 28

	// UserMaxEntries is the number of records of a partition table image.
	UserMaxEntries = 2
	// LoaderMaxEntries is the number of records of a loader image.
	LoaderMaxEntries = 2
	// LoaderHeaderOffset is the offset of the records within a loader
	// image.
	LoaderHeaderOffset = 28
)

var (
	ErrNotEntryHeader = errors.New("not a multi image file")
	ErrTruncated      = errors.New("truncated image")
)

// EntryHeader describes one payload of a multi image file, such as the
// partition table or the first stage loader images.
type EntryHeader struct {
	Magic [8]byte
	Name  [8]byte
	// Start is the destination block address.
	Start uint32
	// Count is the payload size in blocks.
	Count uint32
	// Flag selects the destination area (0 user, 1 boot).
	Flag uint32
}

// PartName returns the entry name without padding.
func (h EntryHeader) PartName() string {
	return string(bytes.TrimRight(h.Name[:], "\x00"))
}

// ParseEntryHeaders decodes n consecutive records at the start of buf.
// ErrNotEntryHeader is returned if buf does not start with the record
// magic.
func ParseEntryHeaders(buf []byte, n int) ([]EntryHeader, error) {
	if len(buf) < len(EntryHeaderMagic) || string(buf[:len(EntryHeaderMagic)]) != EntryHeaderMagic {
		return nil, ErrNotEntryHeader
	}

	if len(buf) < n*EntryHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes for %d entry headers", ErrTruncated, len(buf), n)
	}

	hdrs := make([]EntryHeader, n)

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, hdrs); err != nil {
		return nil, err
	}

	return hdrs, nil
}

// MarshalEntryHeaders encodes records in their on-disk format.
func MarshalEntryHeaders(hdrs []EntryHeader) []byte {
	buf := new(bytes.Buffer)

	for _, h := range hdrs {
		copy(h.Magic[:], EntryHeaderMagic)
		binary.Write(buf, binary.LittleEndian, h)
	}

	return buf.Bytes()
}
