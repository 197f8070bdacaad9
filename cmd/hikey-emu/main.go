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

// hikey-emu emulates a HiKey board in download mode, serving fastboot over
// TCP on top of an eMMC image file.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/flash"
	"github.com/transparency-dev/hikey-fastboot/internal/disk"
	"github.com/transparency-dev/hikey-fastboot/transport/tcp"
)

// initialized at compile time
var (
	Build    string
	Revision string
	Version  string
)

var configPath = flag.String("config", "", "board configuration file (YAML)")

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	conf, err := loadConfig(*configPath)

	if err != nil {
		klog.Exitf("%v", err)
	}

	klog.Infof("hikey-emu %s (%s) built %s", Version, Revision, Build)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err = run(ctx, conf); err != nil && !errors.Is(err, context.Canceled) {
		klog.Exitf("%v", err)
	}
}

func run(ctx context.Context, conf *BoardConfig) (err error) {
	d, err := disk.Open(conf.Disk, conf.UserSize, conf.BootSize)

	if err != nil {
		return
	}

	defer d.Close()

	var loader []byte

	if len(conf.Loader) > 0 {
		if loader, err = os.ReadFile(conf.Loader); err != nil {
			return
		}
	}

	f, err := flash.New(d, flash.Config{
		UserAreaSize:   conf.UserSize,
		BootAreaSize:   conf.BootSize,
		Loader:         loader,
		FillBufferSize: conf.FillBufferSize,
		StrictTable:    conf.StrictPtable,
	})

	if err != nil {
		return
	}

	l, err := tcp.Listen(conf.Listen)

	if err != nil {
		return
	}

	defer l.Close()

	b := &board{
		flasher: f,
		disk:    d,
		conf:    conf,
	}

	for {
		if err = b.boot(); err != nil {
			return
		}

		klog.Infof("fastboot listening on %s", l.Addr())

		if err = b.download(ctx, tcpListener{l}); err != nil {
			return
		}

		if b.resumed {
			klog.Infof("leaving download mode")
			return
		}
	}
}

type tcpListener struct {
	*tcp.Listener
}

func (l tcpListener) Accept(ctx context.Context) (fastbootConn, error) {
	c, err := l.Listener.Accept(ctx)

	if err != nil {
		return nil, err
	}

	return c, nil
}
