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

package sparse

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DefaultBlockSize is the block size used for host side encoding.
const DefaultBlockSize = 4096

// run is a sequence of output blocks sharing a chunk type.
type run struct {
	typ    uint16
	block  uint32
	blocks uint32
	// raw payload or fill pattern
	data []byte
}

func (r run) size(bs uint32) int64 {
	switch r.typ {
	case ChunkRaw:
		return ChunkHeaderSize + int64(r.blocks)*int64(bs)
	case ChunkFill:
		return ChunkHeaderSize + 4
	}
	return ChunkHeaderSize
}

func classify(block []byte, skipZero bool) (uint16, []byte) {
	p := block[:4]

	for i := 4; i < len(block); i += 4 {
		if !bytes.Equal(block[i:i+4], p) {
			return ChunkRaw, nil
		}
	}

	if skipZero && binary.LittleEndian.Uint32(p) == 0 {
		return ChunkDontCare, nil
	}

	return ChunkFill, p
}

// runs splits raw in chunk runs, the last block is zero padded. Zero
// blocks are skipped when skipZero is set and filled otherwise.
func runs(raw []byte, bs uint32, skipZero bool) (rs []run, total uint32, err error) {
	if bs == 0 || bs%4 != 0 {
		return nil, 0, fmt.Errorf("%w: %d", ErrBadBlockSize, bs)
	}

	if rem := len(raw) % int(bs); rem > 0 {
		raw = append(raw[:len(raw):len(raw)], make([]byte, int(bs)-rem)...)
	}

	total = uint32(len(raw) / int(bs))

	for i := uint32(0); i < total; i++ {
		block := raw[int64(i)*int64(bs) : int64(i+1)*int64(bs)]
		typ, p := classify(block, skipZero)

		if n := len(rs); n > 0 {
			last := &rs[n-1]

			switch {
			case typ == ChunkRaw && last.typ == ChunkRaw:
				last.data = raw[int64(last.block)*int64(bs) : int64(i+1)*int64(bs)]
				last.blocks++
				continue
			case typ == last.typ && typ != ChunkRaw && bytes.Equal(p, last.data):
				last.blocks++
				continue
			}
		}

		r := run{typ: typ, block: i, blocks: 1, data: p}

		if typ == ChunkRaw {
			r.data = block
		}

		rs = append(rs, r)
	}

	return
}

func write(buf *bytes.Buffer, bs uint32, total uint32, rs []run) {
	h := Header{
		Magic:           Magic,
		MajorVersion:    MajorVersion,
		MinorVersion:    MinorVersion,
		FileHeaderSize:  FileHeaderSize,
		ChunkHeaderSize: ChunkHeaderSize,
		BlockSize:       bs,
		TotalBlocks:     total,
		TotalChunks:     uint32(len(rs)),
	}

	binary.Write(buf, binary.LittleEndian, &h)

	for _, r := range rs {
		c := ChunkHeader{
			Type:      r.typ,
			ChunkSize: r.blocks,
			TotalSize: uint32(r.size(bs)),
		}

		binary.Write(buf, binary.LittleEndian, &c)
		buf.Write(r.data)
	}
}

// Encode converts raw in a sparse image, zero blocks are encoded as don't
// care chunks and uniform blocks as fill chunks.
func Encode(raw []byte, blockSize uint32) ([]byte, error) {
	rs, total, err := runs(raw, blockSize, true)

	if err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	write(buf, blockSize, total, rs)

	return buf.Bytes(), nil
}

// Split converts raw in a sequence of sparse images, each one at most limit
// bytes long. Every image spans the whole output and skips the blocks
// carried by the others, so that replaying all of them in order at the
// same offset produces raw. Zero blocks are written as fills, leaving
// nothing of the previous content.
func Split(raw []byte, blockSize uint32, limit int64) ([][]byte, error) {
	rs, total, err := runs(raw, blockSize, false)

	if err != nil {
		return nil, err
	}

	return split(rs, total, blockSize, limit)
}

// Resparse splits the sparse image img in a sequence of sparse images, each
// one at most limit bytes long, keeping its don't care areas. CRC chunks are
// dropped.
func Resparse(img []byte, limit int64) ([][]byte, error) {
	h, chunks, _, err := scan(img)

	if err != nil {
		return nil, err
	}

	bs := h.BlockSize
	var rs []run

	for _, c := range chunks {
		r := run{
			typ:    c.Type,
			block:  uint32(c.out / int64(bs)),
			blocks: c.ChunkSize,
		}

		switch c.Type {
		case ChunkRaw:
			r.data = img[c.off : int64(c.off)+int64(c.ChunkSize)*int64(bs)]
		case ChunkFill:
			r.data = img[c.off : c.off+4]
		default:
			continue
		}

		rs = append(rs, r)
	}

	return split(rs, h.TotalBlocks, bs, limit)
}

func split(rs []run, total uint32, blockSize uint32, limit int64) ([][]byte, error) {
	// header, leading and trailing skips
	overhead := int64(FileHeaderSize + 2*ChunkHeaderSize)
	budget := limit - overhead
	maxRaw := (budget - ChunkHeaderSize) / int64(blockSize)

	if maxRaw < 1 {
		return nil, fmt.Errorf("%w: %d bytes for %d byte blocks", ErrLimitTooSmall, limit, blockSize)
	}

	// break raw runs so that any of them fits an empty image
	var pieces []run

	for _, r := range rs {
		if r.typ == ChunkDontCare {
			continue
		}

		for r.typ == ChunkRaw && int64(r.blocks) > maxRaw {
			n := uint32(maxRaw)
			pieces = append(pieces, run{typ: ChunkRaw, block: r.block, blocks: n, data: r.data[:int64(n)*int64(blockSize)]})
			r.block += n
			r.blocks -= n
			r.data = r.data[int64(n)*int64(blockSize):]
		}

		pieces = append(pieces, r)
	}

	var (
		imgs  [][]byte
		group []run
		used  int64
	)

	flush := func() {
		if len(group) == 0 {
			return
		}

		var out []run
		next := uint32(0)

		for _, r := range group {
			if r.block > next {
				out = append(out, run{typ: ChunkDontCare, block: next, blocks: r.block - next})
			}
			out = append(out, r)
			next = r.block + r.blocks
		}

		if next < total {
			out = append(out, run{typ: ChunkDontCare, block: next, blocks: total - next})
		}

		buf := new(bytes.Buffer)
		write(buf, blockSize, total, out)
		imgs = append(imgs, buf.Bytes())

		group = nil
		used = 0
	}

	for _, r := range pieces {
		// every additional run may need a skip before it
		sz := r.size(blockSize) + ChunkHeaderSize

		if used+sz > budget+ChunkHeaderSize {
			flush()
		}

		group = append(group, r)
		used += sz
	}

	flush()

	if len(imgs) == 0 {
		// nothing but skipped areas
		buf := new(bytes.Buffer)
		write(buf, blockSize, total, []run{{typ: ChunkDontCare, blocks: total}})
		imgs = append(imgs, buf.Bytes())
	}

	return imgs, nil
}
