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

// Package usb implements the host side fastboot USB transport over
// libusb.
package usb

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/api"
)

var (
	ErrNotFound  = errors.New("no fastboot device found")
	ErrAmbiguous = errors.New("more than one fastboot device found, select one by serial number")
)

// Error records the operation that failed on a fastboot USB device.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Error() string {
	return "fastboot usb: " + e.Op + ": " + e.Err.Error()
}

func wrapErr(op string, err *error) {
	if *err != nil {
		*err = &Error{op, *err}
	}
}

// Conn is a claimed fastboot interface.
type Conn struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint
	serial string
}

type location struct {
	cfg, intf, alt int
}

// fastbootInterface returns the location of the fastboot interface within
// desc.
func fastbootInterface(desc *gousb.DeviceDesc) (loc location, ok bool) {
	for _, cfg := range desc.Configs {
		for _, id := range cfg.Interfaces {
			for _, is := range id.AltSettings {
				if is.Class == api.InterfaceClass &&
					is.SubClass == api.InterfaceSubClass &&
					is.Protocol == api.InterfaceProtocol {
					return location{cfg.Number, id.Number, is.Alternate}, true
				}
			}
		}
	}

	return
}

// Open claims the fastboot interface of the attached device with the given
// serial number, or of the only attached fastboot device when serial is
// empty.
func Open(serial string) (conn *Conn, err error) {
	defer wrapErr("Open", &err)

	ctx := gousb.NewContext()

	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		_, ok := fastbootInterface(desc)
		return ok
	})

	defer func() {
		for _, d := range devs {
			if conn == nil || d != conn.dev {
				d.Close()
			}
		}

		if conn == nil {
			ctx.Close()
		}
	}()

	if err != nil && len(devs) == 0 {
		return
	}

	var matches []*gousb.Device

	for _, d := range devs {
		s, err := d.SerialNumber()

		if err != nil {
			klog.Warningf("could not read serial number of %s: %v", d, err)
			continue
		}

		if len(serial) == 0 || s == serial {
			matches = append(matches, d)
		}
	}

	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
	default:
		return nil, ErrAmbiguous
	}

	return claim(ctx, matches[0])
}

func claim(ctx *gousb.Context, dev *gousb.Device) (conn *Conn, err error) {
	loc, _ := fastbootInterface(dev.Desc)

	dev.SetAutoDetach(true)

	cfg, err := dev.Config(loc.cfg)

	if err != nil {
		return
	}

	intf, err := cfg.Interface(loc.intf, loc.alt)

	if err != nil {
		cfg.Close()
		return
	}

	c := &Conn{ctx: ctx, dev: dev, cfg: cfg, intf: intf}

	for _, ep := range intf.Setting.Endpoints {
		if ep.TransferType != gousb.TransferTypeBulk {
			continue
		}

		if ep.Direction == gousb.EndpointDirectionIn && c.in == nil {
			c.in, err = intf.InEndpoint(ep.Number)
		} else if ep.Direction == gousb.EndpointDirectionOut && c.out == nil {
			c.out, err = intf.OutEndpoint(ep.Number)
		}

		if err != nil {
			break
		}
	}

	if err == nil && (c.in == nil || c.out == nil) {
		err = fmt.Errorf("interface %d lacks bulk endpoints", loc.intf)
	}

	if err != nil {
		intf.Close()
		cfg.Close()
		return nil, err
	}

	c.serial, _ = dev.SerialNumber()

	klog.V(1).Infof("usb: claimed %s (serial %s)", dev, c.serial)

	return c, nil
}

// Serial returns the USB serial number of the device.
func (c *Conn) Serial() string {
	return c.serial
}

// Read receives a device response.
func (c *Conn) Read(ctx context.Context, buf []byte) (n int, err error) {
	defer wrapErr("Read", &err)
	return c.in.ReadContext(ctx, buf)
}

// Write sends a command or download data.
func (c *Conn) Write(ctx context.Context, pkt []byte) (n int, err error) {
	defer wrapErr("Write", &err)
	return c.out.WriteContext(ctx, pkt)
}

// Close releases the interface and the device.
func (c *Conn) Close() (err error) {
	defer wrapErr("Close", &err)

	c.intf.Close()

	if err = c.cfg.Close(); err != nil {
		klog.Warningf("%v", err)
	}

	if err = c.dev.Close(); err != nil {
		return
	}

	return c.ctx.Close()
}
