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

// Package flash writes downloaded images to the eMMC partitions of the
// board.
package flash

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/blockio"
	"github.com/transparency-dev/hikey-fastboot/ptable"
	"github.com/transparency-dev/hikey-fastboot/sparse"
)

// Image names resolved through the policy table.
const (
	LoaderMem  = "loader_mem"
	BootEMMC   = "l-loader.bin"
	NormalEMMC = "normal emmc"
	FIPImage   = "fip.bin"
)

const (
	expectedBlockSize = 512

	// MMCBase is the user area offset of the partitioned space.
	MMCBase = 0
	// MMCSize is the default size of the user area.
	MMCSize = 0x80000000
	// LoaderBase is the boot area offset of the first stage loader.
	LoaderBase = 0
	// BootAreaSize is the default size of the eMMC boot partition.
	BootAreaSize = 4 * 1024 * 1024

	// EraseChunkSize is the largest single write issued by Erase.
	EraseChunkSize = 32 * 1024 * 1024
)

var (
	ErrNoPartition = errors.New("invalid partition")
	ErrNotPtable   = errors.New("it's not for ptable")
	ErrBadFlag     = errors.New("invalid flag in entry")
	ErrBadEntry    = errors.New("invalid entry position")
	ErrTooLarge    = errors.New("image too large for partition")
	ErrNoLoader    = errors.New("no loader image")
)

// Config parameterizes a Flasher.
type Config struct {
	// UserAreaSize defaults to MMCSize.
	UserAreaSize int64
	// BootAreaSize defaults to BootAreaSize.
	BootAreaSize int64
	// Loader is the first stage loader image held in RAM, if any.
	Loader []byte
	// FillBufferSize bounds writes issued for sparse fill chunks.
	FillBufferSize int
	// Rand is the entropy source for serial numbers, crypto/rand if nil.
	Rand io.Reader
	// StrictTable rejects partition tables failing their checksums.
	StrictTable bool
}

// Flasher resolves partition names and writes images to them.
type Flasher struct {
	sync.Mutex

	emmc   *blockio.Device
	loader *blockio.Device

	policies   blockio.Policies
	loaderSpec blockio.Spec
	bootSpec   blockio.Spec
	userSpec   blockio.Spec
	fipSpec    blockio.Spec

	table *ptable.Table
	conf  Config
}

// New returns a Flasher over the eMMC driver ops, the partition table is
// not read until LoadPartitions is invoked.
func New(ops blockio.Ops, conf Config) (*Flasher, error) {
	if bs := ops.BlockSize(); bs != expectedBlockSize {
		return nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, bs)
	}

	if conf.UserAreaSize == 0 {
		conf.UserAreaSize = MMCSize
	}

	if conf.BootAreaSize == 0 {
		conf.BootAreaSize = BootAreaSize
	}

	if conf.FillBufferSize == 0 {
		conf.FillBufferSize = sparse.DefaultFillBufferSize
	}

	if conf.Rand == nil {
		conf.Rand = rand.Reader
	}

	f := &Flasher{
		emmc:     blockio.New(ops),
		conf:     conf,
		bootSpec: blockio.Spec{Offset: LoaderBase, Length: conf.BootAreaSize - LoaderBase},
		userSpec: blockio.Spec{Offset: MMCBase, Length: conf.UserAreaSize},
	}

	if len(conf.Loader) > 0 {
		f.loader = blockio.NewMemory(conf.Loader)
		f.loaderSpec = blockio.Spec{Length: int64(len(conf.Loader))}

		f.policies = append(f.policies, blockio.Policy{
			Name:   LoaderMem,
			Device: f.loader,
			Spec:   &f.loaderSpec,
			Check:  blockio.CheckArea(f.loader, blockio.UserArea),
		})
	}

	f.policies = append(f.policies,
		blockio.Policy{
			Name:   BootEMMC,
			Device: f.emmc,
			Spec:   &f.bootSpec,
			Check:  blockio.CheckArea(f.emmc, blockio.BootArea),
		},
		blockio.Policy{
			Name:   NormalEMMC,
			Device: f.emmc,
			Spec:   &f.userSpec,
			Check:  blockio.CheckArea(f.emmc, blockio.UserArea),
		},
		blockio.Policy{
			Name:   FIPImage,
			Device: f.emmc,
			Spec:   &f.fipSpec,
			Check:  f.checkFIP,
		},
	)

	return f, nil
}

func (f *Flasher) checkFIP(spec blockio.Spec) error {
	if spec.Length == 0 {
		return errors.New("fip location unknown")
	}

	return blockio.CheckArea(f.emmc, blockio.UserArea)(spec)
}

// Open opens the named image through the policy table, the returned file
// must be closed before any other image can be accessed.
func (f *Flasher) Open(name string) (*blockio.File, error) {
	dev, spec, err := f.policies.ImageSource(name)

	if err != nil {
		return nil, err
	}

	return dev.Open(spec)
}

func (f *Flasher) write(name string, off int64, buf []byte) (err error) {
	file, err := f.Open(name)

	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}

	defer file.Close()

	if _, err = file.Seek(off, io.SeekStart); err != nil {
		return
	}

	_, err = file.Write(buf)

	return
}

func (f *Flasher) read(name string, off int64, size int) (buf []byte, err error) {
	file, err := f.Open(name)

	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	defer file.Close()

	buf = make([]byte, size)
	_, err = file.ReadAt(buf, off)

	return
}

// LoadPartitions (re)reads the partition table from the user area.
func (f *Flasher) LoadPartitions() error {
	f.Lock()
	defer f.Unlock()

	return f.loadPartitions()
}

func (f *Flasher) loadPartitions() (err error) {
	file, err := f.Open(NormalEMMC)

	if err != nil {
		return
	}

	read := ptable.Read

	if f.conf.StrictTable {
		read = ptable.ReadStrict
	}

	tbl, err := read(file)
	file.Close()

	if err != nil {
		return fmt.Errorf("failed to read partition table: %w", err)
	}

	f.table = tbl
	tbl.Dump()

	klog.Infof("found %d partitions", len(tbl.Entries)-1)

	if err = f.updateFIPSpec(); err != nil {
		klog.Warningf("%v", err)
	}

	return nil
}

// UpdateFIPSpec points the fip.bin image to the fastboot partition, or
// to the bios partition in its absence.
func (f *Flasher) UpdateFIPSpec() error {
	f.Lock()
	defer f.Unlock()

	return f.updateFIPSpec()
}

func (f *Flasher) updateFIPSpec() error {
	ptn, ok := f.table.Find("fastboot")

	if !ok {
		if ptn, ok = f.table.Find("bios"); !ok {
			return fmt.Errorf("%w: can't find partition for fip", ErrNoPartition)
		}
	}

	klog.V(1).Infof("fip: %s, start:0x%x, length:0x%x", ptn.Name, ptn.Start, ptn.Length)

	f.fipSpec = blockio.Spec{Offset: ptn.Start, Length: ptn.Length}

	return nil
}

// Partitions returns the partition table entries, including the table
// pseudo partition.
func (f *Flasher) Partitions() []ptable.Entry {
	f.Lock()
	defer f.Unlock()

	if f.table == nil {
		return nil
	}

	return append([]ptable.Entry{}, f.table.Entries...)
}

func (f *Flasher) find(name string) (start int64, length int64, err error) {
	if name == ptable.TableName {
		return 0, ptable.TableBlocks * ptable.BlockSize, nil
	}

	ptn, ok := f.table.Find(name)

	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", ErrNoPartition, name)
	}

	return ptn.Start, ptn.Length, nil
}

// PartitionSize returns the size in bytes of the named partition.
func (f *Flasher) PartitionSize(name string) (int64, error) {
	f.Lock()
	defer f.Unlock()

	_, length, err := f.find(name)

	return length, err
}

// PartitionType returns the file system type expected by the named
// partition.
func (f *Flasher) PartitionType(name string) (string, error) {
	f.Lock()
	defer f.Unlock()

	if _, _, err := f.find(name); err != nil {
		return "", err
	}

	switch name {
	case "system", "userdata", "cache":
		return "ext4", nil
	}

	return "raw", nil
}

// Flash writes img to the named partition.
//
// Images starting with entry headers can only target the partition table
// and carry its primary and secondary copies. Sparse images are expanded
// onto the partition, any other image is written as is.
func (f *Flasher) Flash(name string, img []byte) (err error) {
	f.Lock()
	defer f.Unlock()

	hdrs, err := ptable.ParseEntryHeaders(img, ptable.UserMaxEntries)

	switch {
	case errors.Is(err, ptable.ErrNotEntryHeader):
		return f.flashImage(name, img)
	case err != nil:
		return fmt.Errorf("failed to parse entries in user image: %w", err)
	}

	if name != ptable.TableName {
		return fmt.Errorf("%w: %s", ErrNotPtable, name)
	}

	// the first block is for entry headers
	fp := int64(ptable.BlockSize)

	for i, h := range hdrs {
		if h.Flag != 0 {
			return fmt.Errorf("%w: 0x%x", ErrBadFlag, h.Flag)
		}

		if h.Count == 0 {
			continue
		}

		length := int64(h.Count) * ptable.BlockSize
		off := MMCBase + int64(h.Start)*ptable.BlockSize

		if fp+length > int64(len(img)) {
			return fmt.Errorf("entry %d (%s): %w", i, h.PartName(), ptable.ErrTruncated)
		}

		klog.V(1).Infof("i:%d, %s start:%x, count:%x", i, h.PartName(), h.Start, h.Count)

		if err = f.write(NormalEMMC, off, img[fp:fp+length]); err != nil {
			return
		}

		fp += length
	}

	return f.loadPartitions()
}

func (f *Flasher) flashImage(name string, img []byte) (err error) {
	if name == "fastboot" || name == "bios" {
		if err = f.updateFIPSpec(); err != nil {
			klog.Warningf("%v", err)
		}
	}

	start, length, err := f.find(name)

	if err != nil {
		return
	}

	if sparse.IsSparse(img) {
		return f.unsparse(start, length, img)
	}

	if rem := len(img) % expectedBlockSize; rem > 0 {
		img = append(img[:len(img):len(img)], make([]byte, expectedBlockSize-rem)...)
	}

	if int64(len(img)) > length {
		return fmt.Errorf("%w: %d bytes, %s is %d bytes", ErrTooLarge, len(img), name, length)
	}

	klog.Infof("flashing %s (%d bytes) @ 0x%x", name, len(img), start)

	return f.write(NormalEMMC, start, img)
}

// unsparse replays img through a file window covering only the target
// partition.
func (f *Flasher) unsparse(start int64, length int64, img []byte) (err error) {
	dev, spec, err := f.policies.ImageSource(NormalEMMC)

	if err != nil {
		return
	}

	if length <= 0 {
		return fmt.Errorf("%w: empty partition at 0x%x", ErrTooLarge, start)
	}

	file, err := dev.Open(blockio.Spec{
		Offset: spec.Offset + start,
		Length: length,
	})

	if err != nil {
		return
	}

	defer file.Close()

	klog.Infof("flashing sparse image (%d bytes) @ 0x%x", len(img), start)

	return sparse.Replay(img, file, length,
		sparse.WithFillBufferSize(f.conf.FillBufferSize),
		sparse.WithProgress(func(done, total uint32) {
			klog.Infof("sparse: %d/%d chunks", done, total)
		}),
	)
}

// Erase fills the named partition with 0xff.
func (f *Flasher) Erase(name string) (err error) {
	f.Lock()
	defer f.Unlock()

	start, length, err := f.find(name)

	if err != nil {
		return
	}

	file, err := f.Open(NormalEMMC)

	if err != nil {
		return
	}

	defer file.Close()

	if _, err = file.Seek(start, io.SeekStart); err != nil {
		return
	}

	buf := bytes.Repeat([]byte{0xff}, int(min(length, EraseChunkSize)))

	klog.Infof("erasing %s (%d bytes) @ 0x%x", name, length, start)

	for length > 0 {
		n := min(length, int64(len(buf)))

		if _, err = file.Write(buf[:n]); err != nil {
			return
		}

		length -= n
	}

	if name == ptable.TableName {
		f.table = nil
	}

	return
}
