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

package fastboot

import (
	"fmt"
	"strings"

	"github.com/transparency-dev/hikey-fastboot/api"
)

// Variable names served by getvar.
const (
	VarMaxDownloadSize   = "max-download-size"
	VarPartitionType     = "partition-type"
	VarPartitionSize     = "partition-size"
	VarSerial            = "serialno"
	VarProduct           = "product"
	VarVersion           = "version"
	VarVersionBootloader = "version-bootloader"
	VarAll               = "all"
)

func (s *Session) getvar(name string) [][]byte {
	if name == VarAll {
		return s.all()
	}

	v, err := s.variable(name)

	if err != nil {
		return one(api.Fail(err.Error()))
	}

	return one(api.Okay(v))
}

func (s *Session) variable(name string) (string, error) {
	key, arg, _ := strings.Cut(name, ":")

	switch key {
	case VarMaxDownloadSize:
		return fmt.Sprintf("0x%08x", s.conf.MaxDownloadSize), nil
	case VarPartitionType:
		t, err := s.storage.PartitionType(arg)

		if err != nil {
			s.target = ""
			return "", fmt.Errorf("invalid partition")
		}

		s.target = arg

		return t, nil
	case VarPartitionSize:
		size, err := s.storage.PartitionSize(arg)

		if err != nil {
			return "", fmt.Errorf("invalid partition")
		}

		return fmt.Sprintf("0x%016x", size), nil
	case VarSerial:
		serial, err := s.storage.LoadSerial()

		if err != nil {
			return "", err
		}

		return serial, nil
	case VarProduct:
		return s.conf.Product, nil
	case VarVersion:
		return "0.4", nil
	case VarVersionBootloader:
		if s.version == nil {
			return "", nil
		}

		return s.version.String(), nil
	}

	return "", fmt.Errorf("unknown var")
}

// all reports every variable as INFO lines, followed by an empty OKAY.
func (s *Session) all() (res [][]byte) {
	info := func(name string) {
		if v, err := s.variable(name); err == nil {
			res = append(res, api.Info(fmt.Sprintf("%s:%s", name, v)))
		}
	}

	for _, name := range []string{VarVersion, VarVersionBootloader, VarProduct, VarSerial, VarMaxDownloadSize} {
		info(name)
	}

	for _, ptn := range s.storage.Partitions() {
		if size, err := s.storage.PartitionSize(ptn.Name); err == nil {
			res = append(res, api.Info(fmt.Sprintf("%s:%s:0x%016x", VarPartitionSize, ptn.Name, size)))
		}

		if t, err := s.storage.PartitionType(ptn.Name); err == nil {
			res = append(res, api.Info(fmt.Sprintf("%s:%s:%s", VarPartitionType, ptn.Name, t)))
		}
	}

	return append(res, api.Okay(""))
}
