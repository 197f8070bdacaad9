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

package client_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/hikey-fastboot/api"
	"github.com/transparency-dev/hikey-fastboot/blockio"
	"github.com/transparency-dev/hikey-fastboot/client"
	"github.com/transparency-dev/hikey-fastboot/fastboot"
	"github.com/transparency-dev/hikey-fastboot/flash"
	"github.com/transparency-dev/hikey-fastboot/internal/testonly"
	"github.com/transparency-dev/hikey-fastboot/ptable"
	"github.com/transparency-dev/hikey-fastboot/sparse"
)

const (
	userBlocks      = 8192
	bootBlocks      = 64
	maxDownloadSize = 0x4000
)

var testLayout = []ptable.Entry{
	{Name: "fastboot", Start: 0x100000, Length: 0x40000},
	{Name: "boot", Start: 0x140000, Length: 0x80000},
	{Name: "system", Start: 0x1c0000, Length: 0x100000},
}

type platform struct {
	reboots []bool
	leds    map[int]bool
}

func (p *platform) Reboot(bootloader bool) error {
	p.reboots = append(p.reboots, bootloader)
	return nil
}

func (p *platform) SetLED(n int, on bool) error {
	p.leds[n] = on
	return nil
}

func (p *platform) Continue() error {
	return nil
}

// loopback hands host packets to a session and queues its responses.
type loopback struct {
	s       *fastboot.Session
	pending [][]byte
	writes  int
}

func (l *loopback) Write(_ context.Context, pkt []byte) (int, error) {
	l.writes++
	res, after := l.s.Handle(append([]byte{}, pkt...))
	l.pending = append(l.pending, res...)
	if after != nil {
		if err := after(); err != nil {
			return 0, err
		}
	}
	return len(pkt), nil
}

func (l *loopback) Read(_ context.Context, buf []byte) (int, error) {
	if len(l.pending) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, l.pending[0])
	l.pending = l.pending[1:]
	return n, nil
}

func newClient(t *testing.T) (*client.Client, *loopback, *platform, *testonly.MemDev) {
	t.Helper()

	md := testonly.NewMemDev(t, userBlocks, bootBlocks)
	tbl := &ptable.Table{Entries: testLayout}
	buf, err := tbl.Marshal(userBlocks)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	md.Set(blockio.UserArea, 0, buf)

	f, err := flash.New(md, flash.Config{
		UserAreaSize: userBlocks * testonly.MemBlockSize,
		BootAreaSize: bootBlocks * testonly.MemBlockSize,
		Rand:         bytes.NewReader(bytes.Repeat([]byte{0x01}, 8)),
	})
	if err != nil {
		t.Fatalf("flash.New: %v", err)
	}
	if err := f.LoadPartitions(); err != nil {
		t.Fatalf("LoadPartitions: %v", err)
	}
	if _, err := f.EnsureSerial(); err != nil {
		t.Fatalf("EnsureSerial: %v", err)
	}

	p := &platform{leds: make(map[int]bool)}
	s, err := fastboot.NewSession(f, p, fastboot.Config{
		Product:         "hikey",
		Version:         "2.0.0",
		MaxDownloadSize: maxDownloadSize,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	l := &loopback{s: s}

	return client.New(l), l, p, md
}

func TestGetVar(t *testing.T) {
	c, _, _, _ := newClient(t)
	ctx := context.Background()

	if got, err := c.GetVar(ctx, "product"); err != nil || got != "hikey" {
		t.Fatalf("Got %q, %v, want hikey", got, err)
	}

	if got, err := c.MaxDownloadSize(ctx); err != nil || got != maxDownloadSize {
		t.Fatalf("Got %d, %v, want %d", got, err, maxDownloadSize)
	}

	_, err := c.GetVar(ctx, "nope")
	var re *client.RemoteError
	if !errors.As(err, &re) {
		t.Fatalf("Got %v, want RemoteError", err)
	}
	if d := cmp.Diff(&client.RemoteError{Command: "getvar:nope", Reason: "unknown var"}, re); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
}

func TestDeviceInfo(t *testing.T) {
	c, _, _, _ := newClient(t)

	var lines []string
	c.Info = func(msg string) { lines = append(lines, msg) }

	info, err := c.DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("DeviceInfo: %v", err)
	}

	want := &api.DeviceInfo{
		Serial:          "0101010101010101",
		Product:         "hikey",
		Version:         "0.4",
		Bootloader:      "2.0.0",
		MaxDownloadSize: maxDownloadSize,
		Partitions: []api.PartitionInfo{
			{Name: "boot", Type: "raw", Size: 0x80000},
			{Name: "fastboot", Type: "raw", Size: 0x40000},
			{Name: "ptable", Type: "raw", Size: ptable.TableBlocks * ptable.BlockSize},
			{Name: "system", Type: "ext4", Size: 0x100000},
		},
	}
	if d := cmp.Diff(want, info); d != "" {
		t.Fatalf("Got diff: %s", d)
	}

	// INFO lines are consumed, the regular handler is restored
	if lines != nil {
		t.Fatalf("Got INFO lines %q", lines)
	}
	if _, err := c.GetVar(context.Background(), "all"); err != nil {
		t.Fatalf("GetVar: %v", err)
	}
	if len(lines) == 0 {
		t.Fatal("Info handler not restored")
	}
}

func TestFlash(t *testing.T) {
	c, l, _, md := newClient(t)

	var progress []int64
	c.Progress = func(sent, total int64) { progress = append(progress, sent) }

	img := bytes.Repeat([]byte("hikey960"), 512)
	if err := c.Flash(context.Background(), "boot", img); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if !bytes.Equal(md.Bytes(blockio.UserArea, 0x140000, len(img)), img) {
		t.Fatal("Flashed content mismatch")
	}
	if d := cmp.Diff([]int64{int64(len(img))}, progress); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
	if len(l.pending) != 0 {
		t.Fatalf("Got %d unread responses", len(l.pending))
	}
}

func TestFlashSplit(t *testing.T) {
	c, _, _, md := newClient(t)

	// stale content must be replaced, zeros included
	md.Set(blockio.UserArea, 0x1c0000, bytes.Repeat([]byte{0xee}, 0x10000))

	img := make([]byte, 0x10000)
	for i := range img[:0x8000] {
		img[i] = byte(i * 13)
	}

	if err := c.Flash(context.Background(), "system", img); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	if !bytes.Equal(md.Bytes(blockio.UserArea, 0x1c0000, len(img)), img) {
		t.Fatal("Flashed content mismatch")
	}
}

func TestFlashResparse(t *testing.T) {
	c, _, _, md := newClient(t)

	md.Set(blockio.UserArea, 0x1c0000, bytes.Repeat([]byte{0xee}, 0x10000))

	raw := make([]byte, 0x10000)
	for i := range raw[0x8000:] {
		raw[0x8000+i] = byte(i * 7)
	}
	img, err := sparse.Encode(raw, sparse.DefaultBlockSize)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(img) <= maxDownloadSize {
		t.Fatalf("Sparse image of %d bytes fits a single download", len(img))
	}

	if err := c.Flash(context.Background(), "system", img); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	// the zero half is a don't care area and keeps its content
	want := append(bytes.Repeat([]byte{0xee}, 0x8000), raw[0x8000:]...)
	if !bytes.Equal(md.Bytes(blockio.UserArea, 0x1c0000, len(want)), want) {
		t.Fatal("Flashed content mismatch")
	}
}

func TestFlashErrors(t *testing.T) {
	c, _, _, _ := newClient(t)

	err := c.Flash(context.Background(), "nope", []byte("data"))
	var re *client.RemoteError
	if !errors.As(err, &re) || re.Command != "flash:nope" {
		t.Fatalf("Got %v, want flash:nope RemoteError", err)
	}
}

func TestEraseRebootOem(t *testing.T) {
	c, _, p, md := newClient(t)
	ctx := context.Background()

	if err := c.Erase(ctx, "fastboot"); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if !bytes.Equal(md.Bytes(blockio.UserArea, 0x100000, 0x40000), bytes.Repeat([]byte{0xff}, 0x40000)) {
		t.Fatal("Partition not erased")
	}

	if _, err := c.Oem(ctx, "led3", "on"); err != nil {
		t.Fatalf("Oem: %v", err)
	}
	if d := cmp.Diff(map[int]bool{3: true}, p.leds); d != "" {
		t.Fatalf("Got diff: %s", d)
	}

	if _, err := c.Oem(ctx, "serialno", "set", "00000000CAFEF00D"); err != nil {
		t.Fatalf("Oem: %v", err)
	}
	if got, err := c.GetVar(ctx, "serialno"); err != nil || got != "00000000CAFEF00D" {
		t.Fatalf("Got %q, %v, want 00000000CAFEF00D", got, err)
	}

	if err := c.Reboot(ctx, true); err != nil {
		t.Fatalf("Reboot: %v", err)
	}
	if d := cmp.Diff([]bool{true}, p.reboots); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
}

func TestDownloadTooLarge(t *testing.T) {
	c, _, _, _ := newClient(t)

	err := c.Download(context.Background(), make([]byte, maxDownloadSize+1))
	var re *client.RemoteError
	if !errors.As(err, &re) || re.Reason != "file is too large" {
		t.Fatalf("Got %v, want file is too large", err)
	}
}
