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

package blockio

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

var ErrNoPolicy = errors.New("no image source")

// Policy binds an image name to the device and window holding it.
type Policy struct {
	Name   string
	Device *Device
	// Spec points to the image window, it may be updated at runtime.
	Spec *Spec
	// Check verifies the image can be accessed through Device.
	Check func(Spec) error
}

// Policies is an ordered image lookup table.
type Policies []Policy

// ImageSource returns the device and window of the first policy matching
// name whose check succeeds.
func (p Policies) ImageSource(name string) (*Device, Spec, error) {
	for _, policy := range p {
		if policy.Name != name {
			continue
		}

		spec := *policy.Spec

		if policy.Check != nil {
			if err := policy.Check(spec); err != nil {
				klog.V(1).Infof("image source %q check failed: %v", name, err)
				continue
			}
		}

		return policy.Device, spec, nil
	}

	return nil, Spec{}, fmt.Errorf("%w for %q", ErrNoPolicy, name)
}

// CheckArea returns a policy check which selects area on d and verifies
// that a file can be opened on it.
func CheckArea(d *Device, area Area) func(Spec) error {
	return func(spec Spec) (err error) {
		if err = d.Init(area); err != nil {
			return
		}

		f, err := d.Open(spec)

		if err != nil {
			return
		}

		return f.Close()
	}
}

// Memory is a RAM backed driver, exposing buf as a single area device.
type Memory struct {
	buf []byte
}

// NewMemory returns a device backed by buf, padded to a whole number of
// blocks.
func NewMemory(buf []byte) *Device {
	if rem := len(buf) % memBlockSize; rem > 0 {
		buf = append(buf, make([]byte, memBlockSize-rem)...)
	}

	return New(&Memory{buf: buf})
}

const memBlockSize = 512

func (m *Memory) Init() error {
	return nil
}

func (m *Memory) BlockSize() int {
	return memBlockSize
}

func (m *Memory) bounds(lba int64, n int) (int64, error) {
	off := lba * memBlockSize

	if off < 0 || off+int64(n) > int64(len(m.buf)) {
		return 0, fmt.Errorf("%w: %d bytes at lba %d", ErrOutOfRange, n, lba)
	}

	return off, nil
}

func (m *Memory) ReadBlocks(_ Area, lba int64, b []byte) error {
	off, err := m.bounds(lba, len(b))

	if err != nil {
		return err
	}

	copy(b, m.buf[off:])

	return nil
}

func (m *Memory) WriteBlocks(_ Area, lba int64, b []byte) error {
	off, err := m.bounds(lba, len(b))

	if err != nil {
		return err
	}

	copy(m.buf[off:], b)

	return nil
}
