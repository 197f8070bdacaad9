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
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/coreos/go-semver/semver"
	"golang.org/x/term"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/client"
	"github.com/transparency-dev/hikey-fastboot/transport/tcp"
	"github.com/transparency-dev/hikey-fastboot/transport/usb"
)

type transport interface {
	client.Transport
	Close() error
}

type Device struct {
	t      transport
	serial string
}

func dialTCP(ctx context.Context, addr string) (*Device, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, tcp.DefaultPort)
	}

	c, err := tcp.Dial(ctx, addr)

	if err != nil {
		return nil, err
	}

	klog.V(1).Infof("connected to %s", addr)

	return &Device{t: c}, nil
}

func openUSB(serial string) (*Device, error) {
	c, err := usb.Open(serial)

	if err != nil {
		return nil, err
	}

	return &Device{t: c, serial: c.Serial()}, nil
}

// Serial returns the serial number reported by the transport, if any.
func (d *Device) Serial() string {
	return d.serial
}

func (d *Device) Close() error {
	return d.t.Close()
}

// Client returns a fastboot client, with a progress bar on interactive
// terminals.
func (d *Device) Client() *client.Client {
	c := client.New(d.t)

	c.Info = func(msg string) {
		fmt.Printf("(device) %s\n", msg)
	}

	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return c
	}

	var bar *pb.ProgressBar

	c.Progress = func(sent int64, total int64) {
		if bar == nil {
			bar = pb.Full.Start64(total)
			bar.Set(pb.Bytes, true)
		}

		bar.SetCurrent(sent)

		if sent >= total {
			bar.Finish()
			bar = nil
		}
	}

	return c
}

func checkVersion(ctx context.Context, c *client.Client, minimum string) error {
	want, err := semver.NewVersion(minimum)

	if err != nil {
		return fmt.Errorf("invalid minimum version %q: %v", minimum, err)
	}

	v, err := c.GetVar(ctx, "version-bootloader")

	if err != nil {
		return err
	}

	got, err := semver.NewVersion(v)

	if err != nil {
		return fmt.Errorf("device reported invalid bootloader version %q: %v", v, err)
	}

	if got.LessThan(*want) {
		return fmt.Errorf("bootloader version %s is older than %s", got, want)
	}

	return nil
}

func flashImage(ctx context.Context, c *client.Client, partition string, path string) (err error) {
	if len(path) == 0 {
		return fmt.Errorf("missing image file (-i)")
	}

	if len(conf.minVersion) > 0 {
		if err = checkVersion(ctx, c, conf.minVersion); err != nil {
			return
		}
	}

	img, err := os.ReadFile(path)

	if err != nil {
		return
	}

	start := time.Now()

	if err = c.Flash(ctx, partition, img); err != nil {
		return
	}

	klog.Infof("flashed %s (%d bytes) in %v", partition, len(img), time.Since(start).Round(time.Millisecond))

	return
}
