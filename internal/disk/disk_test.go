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

package disk

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/hikey-fastboot/blockio"
)

func TestOpenGeometry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emmc.img")

	for _, test := range []struct {
		name    string
		user    int64
		boot    int64
		wantErr error
	}{
		{name: "unaligned user", user: 1000, boot: 512, wantErr: ErrGeometry},
		{name: "no boot", user: 512, boot: 0, wantErr: ErrGeometry},
		{name: "ok", user: 4096, boot: 1024},
	} {
		t.Run(test.name, func(t *testing.T) {
			d, err := Open(path, test.user, test.boot)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if err == nil {
				d.Close()
			}
		})
	}
}

func TestAreas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emmc.img")

	d, err := Open(path, 8*BlockSize, 2*BlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	user := bytes.Repeat([]byte{0x11}, 2*BlockSize)
	boot := bytes.Repeat([]byte{0x22}, BlockSize)

	if err := d.WriteBlocks(blockio.UserArea, 6, user); err != nil {
		t.Fatalf("WriteBlocks(user): %v", err)
	}
	if err := d.WriteBlocks(blockio.BootArea, 1, boot); err != nil {
		t.Fatalf("WriteBlocks(boot): %v", err)
	}

	got := make([]byte, BlockSize)
	if err := d.ReadBlocks(blockio.BootArea, 1, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if d := cmp.Diff(boot, got); d != "" {
		t.Fatalf("Got diff: %s", d)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// the boot area follows the user area in the file
	img, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got, want := len(img), 10*BlockSize; got != want {
		t.Fatalf("Got image size %d, want %d", got, want)
	}
	if d := cmp.Diff(user, img[6*BlockSize:8*BlockSize]); d != "" {
		t.Fatalf("Got user diff: %s", d)
	}
	if d := cmp.Diff(boot, img[9*BlockSize:]); d != "" {
		t.Fatalf("Got boot diff: %s", d)
	}

	// content persists across mappings
	d, err = Open(path, 8*BlockSize, 2*BlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	got = make([]byte, 2*BlockSize)
	if err := d.ReadBlocks(blockio.UserArea, 6, got); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if d := cmp.Diff(user, got); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
}

func TestBounds(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "emmc.img"), 4*BlockSize, BlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	buf := make([]byte, 2*BlockSize)

	if err := d.ReadBlocks(blockio.UserArea, 3, buf); !errors.Is(err, blockio.ErrOutOfRange) {
		t.Errorf("user: got %v, want %v", err, blockio.ErrOutOfRange)
	}
	if err := d.WriteBlocks(blockio.BootArea, 0, buf); !errors.Is(err, blockio.ErrOutOfRange) {
		t.Errorf("boot: got %v, want %v", err, blockio.ErrOutOfRange)
	}
	if err := d.ReadBlocks(blockio.UserArea, 0, buf[:100]); err == nil {
		t.Error("Expected error for unaligned transfer")
	}
}

func TestClosed(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "emmc.img"), BlockSize, BlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := d.Init(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Init: got %v, want %v", err, os.ErrClosed)
	}
	if err := d.Close(); !errors.Is(err, os.ErrClosed) {
		t.Errorf("Close: got %v, want %v", err, os.ErrClosed)
	}
}

func TestBlockDevice(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "emmc.img"), 16*BlockSize, BlockSize)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	dev := blockio.New(d)
	if err := dev.Init(blockio.UserArea); err != nil {
		t.Fatalf("Init: %v", err)
	}

	f, err := dev.Open(blockio.Spec{Offset: 100})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("hikey")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 5)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if string(got) != "hikey" {
		t.Fatalf("Got %q, want hikey", got)
	}
}
