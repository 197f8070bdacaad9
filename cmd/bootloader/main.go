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

//go:build tamago && arm

// bootloader is the HiKey download mode firmware, it exposes the eMMC
// partitions to a host through the USB fastboot protocol.
package main

import (
	"fmt"
	"log"
	"os"
	"runtime"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/hikey-fastboot/fastboot"
	"github.com/transparency-dev/hikey-fastboot/flash"
)

// initialized at compile time
var (
	Build    string
	Revision string
	Version  string
)

var (
	Storage = usbarmory.MMC
	Control = usbarmory.USB1
)

const (
	product         = "hikey"
	maxDownloadSize = 64 * 1024 * 1024
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(os.Stdout)

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
	}

	log.Printf("%s/%s (%s) • fastboot download mode • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	card := storage()

	if err := card.Detect(); err != nil {
		log.Fatalf("SM failed to detect storage, %v", err)
	}

	info := card.Info()

	f, err := flash.New(&mmc{card: card}, flash.Config{
		UserAreaSize: int64(info.Blocks) * int64(info.BlockSize),
	})

	if err != nil {
		log.Fatalf("SM storage error, %v", err)
	}

	serial := boot(f)

	s, err := fastboot.NewSession(f, &platform{}, fastboot.Config{
		Product:         product,
		Version:         Version,
		MaxDownloadSize: maxDownloadSize,
	})

	if err != nil {
		log.Fatalf("SM fastboot error, %v", err)
	}

	log.Printf("SM entering download mode (serial %s)", serial)
	usbarmory.LED("blue", true)

	// never returns
	start(serial, fastboot.NewEndpoints(s))
}

// boot runs the setup sequence preceding download mode and returns the
// board serial number.
func boot(f *flash.Flasher) string {
	if err := f.LoadPartitions(); err != nil {
		log.Printf("SM no valid partition table, %v", err)
	}

	// the first stage loader is not held in RAM on this board
	if err := f.FlushLoader(); err != nil {
		log.Printf("SM skipping loader flush, %v", err)
	}

	serial, err := f.EnsureSerial()

	if err != nil {
		serial = fmt.Sprintf("%X", imx6ul.UniqueID())
		log.Printf("SM serial number error, using %s, %v", serial, err)
	}

	return serial
}
