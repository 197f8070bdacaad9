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
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/blockio"
	"github.com/transparency-dev/hikey-fastboot/fastboot"
	"github.com/transparency-dev/hikey-fastboot/flash"
	"github.com/transparency-dev/hikey-fastboot/internal/disk"
	"github.com/transparency-dev/hikey-fastboot/ptable"
)

type listener interface {
	Accept(ctx context.Context) (fastbootConn, error)
}

type fastbootConn interface {
	fastboot.Transport
	Close() error
}

// board is the emulated platform, driven by fastboot commands.
type board struct {
	flasher *flash.Flasher
	disk    *disk.Disk
	conf    *BoardConfig

	leds    [4]bool
	serial  string
	reboot  bool
	resumed bool
}

// boot runs the download mode setup sequence of the first stage
// bootloader.
func (b *board) boot() (err error) {
	b.reboot = false

	if err = b.flasher.LoadPartitions(); err != nil {
		klog.Warningf("no valid partition table, %v", err)

		if len(b.conf.Layout) > 0 {
			if err = b.format(); err != nil {
				return fmt.Errorf("could not format disk, %v", err)
			}
		}
	}

	if len(b.conf.Loader) > 0 {
		if err = b.flasher.FlushLoader(); err != nil {
			klog.Errorf("could not flush loader, %v", err)
		}
	}

	if b.serial, err = b.flasher.EnsureSerial(); err != nil {
		return fmt.Errorf("serial number error, %v", err)
	}

	klog.Infof("serial number %s", b.serial)

	return
}

// format writes the configured layout as a fresh partition table.
func (b *board) format() (err error) {
	buf, err := b.conf.table().Marshal(b.conf.UserSize / ptable.BlockSize)

	if err != nil {
		return
	}

	if err = b.disk.WriteBlocks(blockio.UserArea, 0, buf); err != nil {
		return
	}

	if err = b.disk.Flush(); err != nil {
		return
	}

	klog.Infof("formatted user area with %d partitions", len(b.conf.Layout))

	return b.flasher.LoadPartitions()
}

// download serves fastboot sessions until one of them reboots or resumes
// the board.
func (b *board) download(ctx context.Context, l listener) error {
	for {
		c, err := l.Accept(ctx)

		if err != nil {
			return err
		}

		s, err := fastboot.NewSession(b.flasher, b, fastboot.Config{
			Product:         b.conf.Product,
			Version:         Version,
			MaxDownloadSize: b.conf.MaxDownloadSize,
		})

		if err != nil {
			c.Close()
			return err
		}

		err = fastboot.Serve(ctx, c, s)
		c.Close()

		if ferr := b.disk.Flush(); ferr != nil {
			klog.Errorf("disk flush error, %v", ferr)
		}

		if err != nil {
			klog.Errorf("session error, %v", err)

			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		if b.reboot || b.resumed {
			return nil
		}
	}
}

// Reboot implements fastboot.Platform.
func (b *board) Reboot(bootloader bool) error {
	klog.Infof("reboot (download mode: %v)", bootloader)
	b.reboot = true
	return nil
}

// SetLED implements fastboot.Platform.
func (b *board) SetLED(n int, on bool) error {
	if n < 1 || n > len(b.leds) {
		return fmt.Errorf("invalid LED %d", n)
	}

	b.leds[n-1] = on
	klog.Infof("LED%d %v", n, on)

	return nil
}

// Continue implements fastboot.Platform.
func (b *board) Continue() error {
	b.resumed = true
	return nil
}
