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

//go:build !tamago
// +build !tamago

package main

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/transparency-dev/hikey-fastboot/flash"
	"github.com/transparency-dev/hikey-fastboot/sparse"
)

// expandImage writes the raw content of the sparse image at src to dst,
// images larger than the eMMC are rejected.
func expandImage(src string, dst string) error {
	if len(src) == 0 {
		return errors.New("missing sparse image (-i)")
	}

	img, err := os.ReadFile(src)

	if err != nil {
		return err
	}

	if !sparse.IsSparse(img) {
		return fmt.Errorf("%s is not a sparse image", src)
	}

	raw, err := sparse.Expand(img, flash.MMCSize)

	if err != nil {
		return fmt.Errorf("could not expand %s, %w", src, err)
	}

	if err = os.WriteFile(dst, raw, 0600); err != nil {
		return err
	}

	log.Printf("expanded %s (%d bytes) to %s (%d bytes)", src, len(img), dst, len(raw))

	return nil
}
