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

// Package sparse implements the Android sparse image format.
package sparse

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	Magic        = 0xed26ff3a
	MajorVersion = 1
	MinorVersion = 0

	// FileHeaderSize is the size of the v1.0 file header.
	FileHeaderSize = 28
	// ChunkHeaderSize is the size of the v1.0 chunk header.
	ChunkHeaderSize = 12
)

// Chunk types
const (
	ChunkRaw      = 0xcac1
	ChunkFill     = 0xcac2
	ChunkDontCare = 0xcac3
	ChunkCRC32    = 0xcac4
)

var (
	ErrNotSparse     = errors.New("not a sparse image")
	ErrVersion       = errors.New("unsupported sparse image version")
	ErrBadHeader     = errors.New("invalid sparse image header")
	ErrBadChunk      = errors.New("invalid sparse chunk")
	ErrUnknownChunk  = errors.New("unknown sparse chunk type")
	ErrTruncated     = errors.New("truncated sparse image")
	ErrTooLarge      = errors.New("sparse image too large for target")
	ErrChecksum      = errors.New("sparse image checksum mismatch")
	ErrBadBlockSize  = errors.New("invalid block size")
	ErrLimitTooSmall = errors.New("size limit too small")
)

// Header is the sparse image file header.
type Header struct {
	Magic           uint32
	MajorVersion    uint16
	MinorVersion    uint16
	FileHeaderSize  uint16
	ChunkHeaderSize uint16
	// BlockSize is the output block size in bytes, a multiple of 4.
	BlockSize uint32
	// TotalBlocks is the number of output blocks.
	TotalBlocks uint32
	// TotalChunks is the number of chunks in the image.
	TotalChunks uint32
	// ImageChecksum is the CRC32 of the output, unused when zero.
	ImageChecksum uint32
}

// Size returns the size of the expanded image in bytes, headers accepted by
// ParseHeader never overflow it.
func (h Header) Size() int64 {
	return int64(h.TotalBlocks) * int64(h.BlockSize)
}

// ChunkHeader precedes every chunk of the image.
type ChunkHeader struct {
	Type     uint16
	Reserved uint16
	// ChunkSize is the chunk output size in blocks.
	ChunkSize uint32
	// TotalSize is the chunk input size in bytes, header included.
	TotalSize uint32
}

func (c ChunkHeader) String() string {
	var t string

	switch c.Type {
	case ChunkRaw:
		t = "raw"
	case ChunkFill:
		t = "fill"
	case ChunkDontCare:
		t = "dont care"
	case ChunkCRC32:
		t = "crc32"
	default:
		t = fmt.Sprintf("0x%04x", c.Type)
	}

	return fmt.Sprintf("%s chunk of %d blocks (%d bytes)", t, c.ChunkSize, c.TotalSize)
}

// IsSparse returns whether buf starts with the sparse image magic.
func IsSparse(buf []byte) bool {
	return len(buf) >= 4 && binary.LittleEndian.Uint32(buf) == Magic
}

// ParseHeader decodes and validates the file header at the start of buf.
func ParseHeader(buf []byte) (h Header, err error) {
	if len(buf) < FileHeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrTruncated, len(buf))
	}

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &h); err != nil {
		return
	}

	switch {
	case h.Magic != Magic:
		return h, ErrNotSparse
	case h.MajorVersion != MajorVersion:
		return h, fmt.Errorf("%w: %d.%d", ErrVersion, h.MajorVersion, h.MinorVersion)
	case h.FileHeaderSize < FileHeaderSize:
		return h, fmt.Errorf("%w: file header size %d", ErrBadHeader, h.FileHeaderSize)
	case h.ChunkHeaderSize < ChunkHeaderSize:
		return h, fmt.Errorf("%w: chunk header size %d", ErrBadHeader, h.ChunkHeaderSize)
	case h.BlockSize == 0 || h.BlockSize%4 != 0:
		return h, fmt.Errorf("%w: block size %d", ErrBadHeader, h.BlockSize)
	case uint64(h.TotalBlocks)*uint64(h.BlockSize) > math.MaxInt64:
		return h, fmt.Errorf("%w: %d blocks of %d bytes", ErrTooLarge, h.TotalBlocks, h.BlockSize)
	}

	return
}

func parseChunk(buf []byte) (c ChunkHeader, err error) {
	if len(buf) < ChunkHeaderSize {
		return c, fmt.Errorf("%w: chunk header", ErrTruncated)
	}

	err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &c)

	return
}
