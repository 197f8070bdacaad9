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

package flash

import (
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/ptable"
)

// FlushLoader copies the first stage loader held in RAM to the eMMC boot
// area, as described by its entry headers.
func (f *Flasher) FlushLoader() (err error) {
	f.Lock()
	defer f.Unlock()

	if f.loader == nil {
		return ErrNoLoader
	}

	img, err := f.read(LoaderMem, 0, int(f.loaderSpec.Length))

	if err != nil {
		return fmt.Errorf("failed to load %s: %w", LoaderMem, err)
	}

	if len(img) < ptable.LoaderHeaderOffset {
		return fmt.Errorf("%s: %w", LoaderMem, ptable.ErrTruncated)
	}

	hdrs, err := ptable.ParseEntryHeaders(img[ptable.LoaderHeaderOffset:], ptable.LoaderMaxEntries)

	if err != nil {
		return fmt.Errorf("failed to parse entries in loader image: %w", err)
	}

	for i, h := range hdrs {
		if h.Flag != 1 {
			return fmt.Errorf("%w: 0x%x", ErrBadFlag, h.Flag)
		}

		var fp int64

		if i > 0 {
			if h.Start < hdrs[0].Start {
				return fmt.Errorf("%w: loader entry %d (%s) starts before entry 0", ErrBadEntry, i, h.PartName())
			}

			fp = int64(h.Start-hdrs[0].Start) * ptable.BlockSize
		}

		length := int64(h.Count) * ptable.BlockSize

		if fp+length > int64(len(img)) {
			return fmt.Errorf("loader entry %d (%s): %w", i, h.PartName(), ptable.ErrTruncated)
		}

		klog.V(1).Infof("loader %s: start:%x, count:%x", h.PartName(), h.Start, h.Count)

		if err = f.write(BootEMMC, int64(h.Start)*ptable.BlockSize, img[fp:fp+length]); err != nil {
			return
		}
	}

	klog.Infof("flushed loader image to boot area")

	return
}
