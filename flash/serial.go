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
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"k8s.io/klog/v2"
)

const (
	// SerialOffset is the user area offset of the serial number record,
	// only a few blocks before it are used by the partition table.
	SerialOffset = 1024 * 512
	// SerialLength is the number of hexadecimal digits of a serial number.
	SerialLength = 16

	serialMagic = 0x9a4dbeaf
)

var (
	ErrNoSerial  = errors.New("serial number not found")
	ErrBadSerial = errors.New("invalid serial number")
)

type serialRecord struct {
	Magic  uint64
	Data   uint64
	Serial [32]byte
}

// LoadSerial returns the serial number stored on the user area.
func (f *Flasher) LoadSerial() (string, error) {
	f.Lock()
	defer f.Unlock()

	return f.loadSerial()
}

func (f *Flasher) loadSerial() (string, error) {
	buf, err := f.read(NormalEMMC, SerialOffset, expectedBlockSize)

	if err != nil {
		return "", err
	}

	var rec serialRecord

	if err = binary.Read(bytes.NewReader(buf), binary.LittleEndian, &rec); err != nil {
		return "", err
	}

	if rec.Magic != serialMagic {
		return "", ErrNoSerial
	}

	serial, _, _ := bytes.Cut(rec.Serial[:], []byte{0})

	return string(serial), nil
}

func (f *Flasher) storeSerial(data uint64, serial string) error {
	rec := serialRecord{
		Magic: serialMagic,
		Data:  data,
	}

	copy(rec.Serial[:], serial)

	buf := bytes.NewBuffer(make([]byte, 0, expectedBlockSize))
	binary.Write(buf, binary.LittleEndian, &rec)
	buf.Write(make([]byte, expectedBlockSize-buf.Len()))

	return f.write(NormalEMMC, SerialOffset, buf.Bytes())
}

// GenerateSerial stores a new random serial number and returns it.
func (f *Flasher) GenerateSerial() (string, error) {
	f.Lock()
	defer f.Unlock()

	return f.generateSerial()
}

func (f *Flasher) generateSerial() (serial string, err error) {
	var r [8]byte

	if _, err = io.ReadFull(f.conf.Rand, r[:]); err != nil {
		return
	}

	data := binary.BigEndian.Uint64(r[:])
	serial = fmt.Sprintf("%0*X", SerialLength, data)

	if err = f.storeSerial(data, serial); err != nil {
		return "", err
	}

	klog.Infof("generated serial number %s", serial)

	return
}

// AssignSerial stores the given serial number, which must consist of
// exactly 16 hexadecimal digits after any leading spaces.
func (f *Flasher) AssignSerial(s string) error {
	serial := strings.TrimRight(strings.TrimLeft(s, " "), " \r\n\x00")

	if len(serial) != SerialLength {
		return fmt.Errorf("%w: %q", ErrBadSerial, s)
	}

	data, err := hex.DecodeString(serial)

	if err != nil {
		return fmt.Errorf("%w: %q", ErrBadSerial, s)
	}

	f.Lock()
	defer f.Unlock()

	return f.storeSerial(binary.BigEndian.Uint64(data), serial)
}

// EnsureSerial returns the stored serial number, generating one if the
// user area does not hold it yet.
func (f *Flasher) EnsureSerial() (string, error) {
	f.Lock()
	defer f.Unlock()

	serial, err := f.loadSerial()

	if errors.Is(err, ErrNoSerial) {
		return f.generateSerial()
	}

	return serial, err
}
