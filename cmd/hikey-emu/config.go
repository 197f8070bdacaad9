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
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/hikey-fastboot/api"
	"github.com/transparency-dev/hikey-fastboot/flash"
	"github.com/transparency-dev/hikey-fastboot/ptable"
	"github.com/transparency-dev/hikey-fastboot/sparse"
	"github.com/transparency-dev/hikey-fastboot/transport/tcp"
)

// BoardConfig describes the emulated board.
type BoardConfig struct {
	// Disk is the eMMC image file, created when missing.
	Disk string `yaml:"disk"`
	// UserSize and BootSize are the eMMC area sizes in bytes.
	UserSize int64 `yaml:"user_size"`
	BootSize int64 `yaml:"boot_size"`

	// Loader is an optional l-loader image copied to the boot area at
	// every boot.
	Loader string `yaml:"loader"`

	Listen          string `yaml:"listen"`
	Product         string `yaml:"product"`
	MaxDownloadSize uint32 `yaml:"max_download_size"`
	FillBufferSize  int    `yaml:"fill_buffer_size"`

	// StrictPtable rejects partition tables failing their checksums.
	StrictPtable bool `yaml:"strict_ptable"`
	// Layout is written as a fresh partition table when the disk has
	// none.
	Layout []Partition `yaml:"layout"`
}

// Partition is a user area partition, offsets in bytes.
type Partition struct {
	Name   string `yaml:"name"`
	Start  int64  `yaml:"start"`
	Length int64  `yaml:"length"`
}

func defaultConfig() *BoardConfig {
	return &BoardConfig{
		Disk:            "hikey-emmc.img",
		UserSize:        512 * 1024 * 1024,
		BootSize:        flash.BootAreaSize,
		Listen:          "127.0.0.1:" + tcp.DefaultPort,
		Product:         "hikey",
		MaxDownloadSize: 64 * 1024 * 1024,
		FillBufferSize:  16 * 1024 * 1024,
	}
}

func (c *BoardConfig) validate() error {
	switch {
	case len(c.Disk) == 0:
		return errors.New("disk path is required")
	case c.UserSize <= 0 || c.UserSize%512 != 0 || c.UserSize > flash.MMCSize:
		return fmt.Errorf("invalid user area size %d", c.UserSize)
	case c.BootSize <= 0 || c.BootSize%512 != 0:
		return fmt.Errorf("invalid boot area size %d", c.BootSize)
	case c.MaxDownloadSize == 0 || c.MaxDownloadSize > api.MaxDownloadSize:
		return fmt.Errorf("invalid max download size %d", c.MaxDownloadSize)
	case c.FillBufferSize < 512 || c.FillBufferSize > sparse.DefaultFillBufferSize:
		return fmt.Errorf("invalid fill buffer size %d", c.FillBufferSize)
	}

	// the table itself and its backup occupy both ends of the user area
	first := int64(ptable.TableBlocks * ptable.BlockSize)
	last := c.UserSize - first

	for _, p := range c.Layout {
		switch {
		case len(p.Name) == 0:
			return errors.New("partition name is required")
		case p.Start%ptable.BlockSize != 0 || p.Length <= 0 || p.Length%ptable.BlockSize != 0:
			return fmt.Errorf("partition %s is not block aligned", p.Name)
		case p.Start < first || p.Start+p.Length > last:
			return fmt.Errorf("partition %s exceeds the usable area", p.Name)
		}
	}

	return nil
}

// table returns the partition table describing the configured layout.
func (c *BoardConfig) table() *ptable.Table {
	tbl := &ptable.Table{}

	for _, p := range c.Layout {
		tbl.Entries = append(tbl.Entries, ptable.Entry{
			Name:   p.Name,
			Start:  p.Start,
			Length: p.Length,
		})
	}

	return tbl
}

// loadConfig parses the YAML board configuration at path, fields left out
// keep their default value.
func loadConfig(path string) (*BoardConfig, error) {
	conf := defaultConfig()

	if len(path) == 0 {
		return conf, conf.validate()
	}

	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	if err = yaml.Unmarshal(buf, conf); err != nil {
		return nil, fmt.Errorf("invalid configuration %s, %v", path, err)
	}

	if err = conf.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s, %v", path, err)
	}

	return conf, nil
}
