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
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"k8s.io/klog/v2"
)

// DefaultFillBufferSize is the largest single write issued for fill
// chunks.
const DefaultFillBufferSize = 128 * 1024 * 1024

const zeroBufferSize = 1024 * 1024

type options struct {
	progress       func(done, total uint32)
	fillBufferSize int
}

// Option configures Replay.
type Option func(*options)

// WithProgress sets a function periodically invoked with the number of
// processed chunks.
func WithProgress(f func(done, total uint32)) Option {
	return func(o *options) {
		o.progress = f
	}
}

// WithFillBufferSize bounds the size of writes issued for fill chunks.
func WithFillBufferSize(n int) Option {
	return func(o *options) {
		if n >= 4 {
			o.fillBufferSize = n &^ 3
		}
	}
}

type chunk struct {
	ChunkHeader
	// payload offset within the image
	off int
	// output offset
	out int64
}

// Scan validates the image structure and returns its header, nothing is
// written.
func Scan(img []byte) (Header, error) {
	h, _, _, err := scan(img)
	return h, err
}

func scan(img []byte) (h Header, chunks []chunk, crc bool, err error) {
	if h, err = ParseHeader(img); err != nil {
		return
	}

	off := int(h.FileHeaderSize)
	bs := int64(h.BlockSize)
	blocks := int64(0)

	for i := uint32(0); i < h.TotalChunks; i++ {
		if off > len(img) {
			return h, nil, false, fmt.Errorf("%w: chunk %d", ErrTruncated, i)
		}

		var c ChunkHeader

		if c, err = parseChunk(img[off:]); err != nil {
			return h, nil, false, fmt.Errorf("chunk %d: %w", i, err)
		}

		// bounds size by the header declared image size
		if uint64(blocks)+uint64(c.ChunkSize) > uint64(h.TotalBlocks) {
			return h, nil, false, fmt.Errorf("%w: chunk %d, %v exceeds %d blocks", ErrBadChunk, i, c, h.TotalBlocks)
		}

		payload := int64(c.TotalSize) - int64(h.ChunkHeaderSize)
		size := int64(c.ChunkSize) * bs

		switch c.Type {
		case ChunkRaw:
			if payload != size {
				return h, nil, false, fmt.Errorf("%w: chunk %d, %v", ErrBadChunk, i, c)
			}
		case ChunkFill:
			if payload != 4 {
				return h, nil, false, fmt.Errorf("%w: chunk %d, %v", ErrBadChunk, i, c)
			}
		case ChunkDontCare:
			if payload != 0 {
				return h, nil, false, fmt.Errorf("%w: chunk %d, %v", ErrBadChunk, i, c)
			}
		case ChunkCRC32:
			if payload != 4 || c.ChunkSize != 0 {
				return h, nil, false, fmt.Errorf("%w: chunk %d, %v", ErrBadChunk, i, c)
			}
			crc = true
		default:
			return h, nil, false, fmt.Errorf("%w: chunk %d, %v", ErrUnknownChunk, i, c)
		}

		if int64(off)+int64(c.TotalSize) > int64(len(img)) {
			return h, nil, false, fmt.Errorf("%w: chunk %d, %v", ErrTruncated, i, c)
		}

		chunks = append(chunks, chunk{
			ChunkHeader: c,
			off:         off + int(h.ChunkHeaderSize),
			out:         blocks * bs,
		})

		blocks += int64(c.ChunkSize)
		off += int(c.TotalSize)
	}

	if blocks != int64(h.TotalBlocks) {
		return h, nil, false, fmt.Errorf("%w: chunks cover %d blocks, header declares %d", ErrBadChunk, blocks, h.TotalBlocks)
	}

	return
}

// printDensity returns the chunk interval between progress reports.
func printDensity(total uint32) uint32 {
	if total > 1600 {
		return total / 200
	}
	return 32
}

// Replay expands img onto w, output offset zero maps to offset zero of w.
// The expanded size must not exceed limit, unless limit is zero.
//
// The image structure is validated before anything is written.
func Replay(img []byte, w io.WriterAt, limit int64, opts ...Option) (err error) {
	o := &options{
		fillBufferSize: DefaultFillBufferSize,
	}

	for _, opt := range opts {
		opt(o)
	}

	h, chunks, hasCRC, err := scan(img)

	if err != nil {
		return
	}

	if limit > 0 && h.Size() > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, h.Size(), limit)
	}

	klog.V(1).Infof("sparse: %d blocks of %d bytes in %d chunks", h.TotalBlocks, h.BlockSize, h.TotalChunks)

	var crc uint32

	density := printDensity(h.TotalChunks)
	bs := int64(h.BlockSize)

	for i, c := range chunks {
		size := int64(c.ChunkSize) * bs

		switch c.Type {
		case ChunkRaw:
			data := img[c.off : int64(c.off)+size]

			if _, err = w.WriteAt(data, c.out); err != nil {
				return fmt.Errorf("sparse: raw chunk %d: %w", i, err)
			}

			if hasCRC {
				crc = crc32.Update(crc, crc32.IEEETable, data)
			}
		case ChunkFill:
			pattern := img[c.off : c.off+4]

			if binary.LittleEndian.Uint32(pattern) != 0 {
				klog.V(2).Infof("sparse: fill chunk %d with value 0x%x", i, binary.LittleEndian.Uint32(pattern))
			}

			if crc, err = fill(w, pattern, c.out, size, o.fillBufferSize, crc, hasCRC); err != nil {
				return fmt.Errorf("sparse: fill chunk %d: %w", i, err)
			}
		case ChunkDontCare:
			if hasCRC {
				crc = zeroCRC(crc, size)
			}
		case ChunkCRC32:
			if want := binary.LittleEndian.Uint32(img[c.off:]); crc != want {
				return fmt.Errorf("%w: %08x, expected %08x", ErrChecksum, crc, want)
			}
		}

		if done := uint32(i + 1); done%density == 0 || done == h.TotalChunks {
			klog.V(1).Infof("sparse: %d/%d chunks", done, h.TotalChunks)

			if o.progress != nil {
				o.progress(done, h.TotalChunks)
			}
		}
	}

	return
}

func fill(w io.WriterAt, pattern []byte, off int64, size int64, bufSize int, crc uint32, hasCRC bool) (uint32, error) {
	buf := make([]byte, min(size, int64(bufSize)))

	for i := 0; i < len(buf); i += 4 {
		copy(buf[i:], pattern)
	}

	for size > 0 {
		n := min(size, int64(len(buf)))

		if _, err := w.WriteAt(buf[:n], off); err != nil {
			return crc, err
		}

		if hasCRC {
			crc = crc32.Update(crc, crc32.IEEETable, buf[:n])
		}

		off += n
		size -= n
	}

	return crc, nil
}

func zeroCRC(crc uint32, size int64) uint32 {
	zero := make([]byte, min(size, zeroBufferSize))

	for size > 0 {
		n := min(size, int64(len(zero)))
		crc = crc32.Update(crc, crc32.IEEETable, zero[:n])
		size -= n
	}

	return crc
}

// buffer is a growable in-memory io.WriterAt.
type buffer []byte

func (b *buffer) WriteAt(p []byte, off int64) (int, error) {
	if end := int(off) + len(p); end > len(*b) {
		*b = append(*b, make([]byte, end-len(*b))...)
	}

	return copy((*b)[off:], p), nil
}

// Expand returns the expanded content of img, don't care chunks are
// expanded to zeros. The expanded size must not exceed limit.
func Expand(img []byte, limit int64) ([]byte, error) {
	h, err := ParseHeader(img)

	if err != nil {
		return nil, err
	}

	if h.Size() > limit {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, h.Size(), limit)
	}

	out := make(buffer, h.Size())

	if err = Replay(img, &out, limit); err != nil {
		return nil, err
	}

	return out, nil
}
