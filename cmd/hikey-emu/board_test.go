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

package main

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/hikey-fastboot/flash"
	"github.com/transparency-dev/hikey-fastboot/internal/disk"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		return path
	}

	want := defaultConfig()
	want.Disk = "/tmp/emmc.img"
	want.UserSize = 64 * 1024 * 1024
	want.Product = "hikey960"

	for _, test := range []struct {
		name    string
		path    string
		want    *BoardConfig
		wantErr bool
	}{
		{
			name: "defaults",
			want: defaultConfig(),
		}, {
			name: "override",
			path: write("ok.yaml", "disk: /tmp/emmc.img\nuser_size: 67108864\nproduct: hikey960\n"),
			want: want,
		}, {
			name:    "unaligned",
			path:    write("unaligned.yaml", "user_size: 1000\n"),
			wantErr: true,
		}, {
			name:    "download too large",
			path:    write("large.yaml", "max_download_size: 4294967295\n"),
			wantErr: true,
		}, {
			name:    "layout overlaps table",
			path:    write("overlap.yaml", "layout:\n  - name: boot\n    start: 0\n    length: 524288\n"),
			wantErr: true,
		}, {
			name:    "layout unaligned",
			path:    write("layout.yaml", "layout:\n  - name: boot\n    start: 1048576\n    length: 1000\n"),
			wantErr: true,
		}, {
			name:    "layout past end",
			path:    write("end.yaml", "user_size: 2097152\nlayout:\n  - name: boot\n    start: 1048576\n    length: 1048576\n"),
			wantErr: true,
		}, {
			name:    "malformed",
			path:    write("bad.yaml", "user_size: [\n"),
			wantErr: true,
		}, {
			name:    "missing",
			path:    filepath.Join(dir, "none.yaml"),
			wantErr: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := loadConfig(test.path)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("Got %v, want error %v", err, test.wantErr)
			}
			if err != nil {
				return
			}
			if d := cmp.Diff(test.want, got); d != "" {
				t.Fatalf("Got diff: %s", d)
			}
		})
	}
}

// script is a connection replaying host commands.
type script struct {
	in     []string
	out    []string
	closed bool
}

func (s *script) Read(_ context.Context, buf []byte) (int, error) {
	if len(s.in) == 0 {
		return 0, io.EOF
	}
	n := copy(buf, s.in[0])
	s.in = s.in[1:]
	return n, nil
}

func (s *script) Write(_ context.Context, pkt []byte) (int, error) {
	s.out = append(s.out, string(pkt))
	return len(pkt), nil
}

func (s *script) Close() error {
	s.closed = true
	return nil
}

type scriptListener struct {
	conns []*script
}

func (l *scriptListener) Accept(ctx context.Context) (fastbootConn, error) {
	if len(l.conns) == 0 {
		return nil, context.Canceled
	}
	c := l.conns[0]
	l.conns = l.conns[1:]
	return c, nil
}

func newBoard(t *testing.T) *board {
	t.Helper()

	conf := defaultConfig()
	conf.Disk = filepath.Join(t.TempDir(), "emmc.img")
	conf.UserSize = 2 * 1024 * 1024
	conf.BootSize = 64 * 1024

	d, err := disk.Open(conf.Disk, conf.UserSize, conf.BootSize)
	if err != nil {
		t.Fatalf("disk.Open: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	f, err := flash.New(d, flash.Config{
		UserAreaSize: conf.UserSize,
		BootAreaSize: conf.BootSize,
	})
	if err != nil {
		t.Fatalf("flash.New: %v", err)
	}

	return &board{flasher: f, disk: d, conf: conf}
}

func TestBoot(t *testing.T) {
	b := newBoard(t)

	// blank disks have no partition table, a serial is generated anyway
	if err := b.boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if len(b.serial) != flash.SerialLength {
		t.Fatalf("Got serial %q", b.serial)
	}

	first := b.serial
	if err := b.boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if b.serial != first {
		t.Fatalf("Got serial %q after reboot, want %q", b.serial, first)
	}
}

func TestBootFormat(t *testing.T) {
	b := newBoard(t)
	b.conf.Layout = []Partition{
		{Name: "fastboot", Start: 0x100000, Length: 0x40000},
		{Name: "boot", Start: 0x140000, Length: 0x80000},
	}

	if err := b.boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}

	got := make(map[string]int64)
	for _, p := range b.conf.Layout {
		size, err := b.flasher.PartitionSize(p.Name)
		if err != nil {
			t.Fatalf("PartitionSize(%s): %v", p.Name, err)
		}
		got[p.Name] = size
	}
	if d := cmp.Diff(map[string]int64{"fastboot": 0x40000, "boot": 0x80000}, got); d != "" {
		t.Fatalf("Got diff: %s", d)
	}

	// an existing table is kept
	b.conf.Layout = []Partition{{Name: "system", Start: 0x100000, Length: 0x40000}}
	if err := b.boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if _, err := b.flasher.PartitionSize("system"); err == nil {
		t.Fatal("Existing partition table was overwritten")
	}
}

func TestDownload(t *testing.T) {
	b := newBoard(t)
	if err := b.boot(); err != nil {
		t.Fatalf("boot: %v", err)
	}

	first := &script{in: []string{"getvar:product", "oem led2 on"}}
	second := &script{in: []string{"getvar:serialno", "reboot-bootloader", "getvar:product"}}
	l := &scriptListener{conns: []*script{first, second}}

	if err := b.download(context.Background(), l); err != nil {
		t.Fatalf("download: %v", err)
	}

	if d := cmp.Diff([]string{"OKAYhikey", "OKAY"}, first.out); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
	if d := cmp.Diff([]string{"OKAY" + b.serial, "OKAY"}, second.out); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
	if !first.closed || !second.closed {
		t.Fatal("Connections not closed")
	}
	if !b.reboot || b.resumed {
		t.Fatalf("Got reboot %v resumed %v", b.reboot, b.resumed)
	}
	if d := cmp.Diff([4]bool{false, true, false, false}, b.leds); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
}

func TestDownloadCancel(t *testing.T) {
	b := newBoard(t)

	if err := b.download(context.Background(), &scriptListener{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Got %v, want %v", err, context.Canceled)
	}
}

func TestSetLED(t *testing.T) {
	b := &board{}

	if err := b.SetLED(5, true); err == nil {
		t.Fatal("Expected error for LED5")
	}
	if err := b.SetLED(0, true); err == nil {
		t.Fatal("Expected error for LED0")
	}
}
