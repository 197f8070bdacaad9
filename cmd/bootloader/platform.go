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

package main

import (
	"fmt"
	"log"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
)

// platform implements the board actions requested by fastboot commands.
type platform struct{}

// Reboot resets the SoC, the boot ROM selects download mode again when
// bootloader is set and the boot selection pins are strapped accordingly.
func (p *platform) Reboot(bootloader bool) error {
	log.Printf("SM rebooting (bootloader %v)", bootloader)
	usbarmory.Reset()
	return nil
}

func (p *platform) SetLED(n int, on bool) error {
	var name string

	switch n {
	case 1:
		name = "white"
	case 2:
		name = "blue"
	default:
		return fmt.Errorf("LED%d not available", n)
	}

	return usbarmory.LED(name, on)
}

func (p *platform) Continue() error {
	log.Printf("SM leaving download mode")
	usbarmory.Reset()
	return nil
}
