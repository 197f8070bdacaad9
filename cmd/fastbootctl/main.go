// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build !tamago
// +build !tamago

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/client"
)

var (
	Build    string
	Revision string
	Version  string
)

type Config struct {
	dev *Device

	addr    string
	serial  string
	timeout time.Duration

	serialno string
	getvar   string
	image    string
	expand   string
	flash    string
	erase    string
	oem      string
	reboot   bool
	loader   bool
	resume   bool
	yes      bool
	version  bool

	minVersion string
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	klog.InitFlags(nil)

	conf = &Config{}

	flag.StringVar(&conf.addr, "t", "", "fastboot TCP address (host[:port]), USB when empty")
	flag.StringVar(&conf.serial, "S", "", "USB device serial number")
	flag.DurationVar(&conf.timeout, "T", 10*time.Minute, "operation timeout")
	flag.StringVar(&conf.serialno, "s", "", "set device serial number (16 hex digits)")
	flag.StringVar(&conf.getvar, "g", "", "get device variable")
	flag.StringVar(&conf.flash, "f", "", "partition to flash")
	flag.StringVar(&conf.image, "i", "", "image file to flash")
	flag.StringVar(&conf.expand, "u", "", "write the raw content of sparse image -i to this path")
	flag.StringVar(&conf.erase, "e", "", "partition to erase")
	flag.StringVar(&conf.oem, "o", "", "OEM command (e.g. \"led1 on\")")
	flag.BoolVar(&conf.reboot, "r", false, "reboot device")
	flag.BoolVar(&conf.loader, "b", false, "reboot device in download mode")
	flag.BoolVar(&conf.resume, "c", false, "continue boot")
	flag.BoolVar(&conf.yes, "y", false, "do not ask for confirmation")
	flag.StringVar(&conf.minVersion, "V", "", "minimum bootloader version required to flash")
	flag.BoolVar(&conf.version, "version", false, "show version")
}

func confirm(msg string) bool {
	if conf.yes {
		return true
	}

	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}

func detect(ctx context.Context) (err error) {
	if conf.dev != nil {
		return
	}

	if len(conf.addr) > 0 {
		conf.dev, err = dialTCP(ctx, conf.addr)
	} else {
		conf.dev, err = openUSB(conf.serial)
	}

	if err != nil {
		return
	}

	if conf.dev == nil {
		return errors.New("no device found")
	}

	return
}

func main() {
	var err error

	defer func() {
		if conf.dev != nil {
			conf.dev.Close()
		}

		if err != nil {
			klog.Exitf("fatal error, %v", err)
		}
	}()

	flag.Parse()

	if conf.version {
		log.Printf("fastbootctl %s (%s) built %s", Version, Revision, Build)
		return
	}

	if len(conf.expand) > 0 {
		err = expandImage(conf.image, conf.expand)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), conf.timeout)
	defer cancel()

	if err = detect(ctx); err != nil {
		return
	}

	err = run(ctx, conf.dev.Client())
}

// run performs the action selected on the command line, device information
// is printed when none is.
func run(ctx context.Context, c *client.Client) (err error) {
	switch {
	case len(conf.serialno) > 0:
		if !confirm(fmt.Sprintf("set serial number to %s?", conf.serialno)) {
			return
		}

		_, err = c.Oem(ctx, "serialno", "set", conf.serialno)
	case len(conf.getvar) > 0:
		var v string

		if v, err = c.GetVar(ctx, conf.getvar); err == nil {
			log.Printf("%s: %s", conf.getvar, v)
		}
	case len(conf.flash) > 0:
		err = flashImage(ctx, c, conf.flash, conf.image)
	case len(conf.erase) > 0:
		if !confirm(fmt.Sprintf("erase partition %s?", conf.erase)) {
			return
		}

		err = c.Erase(ctx, conf.erase)
	case len(conf.oem) > 0:
		var res string

		if res, err = c.Oem(ctx, strings.Fields(conf.oem)...); err == nil && len(res) > 0 {
			log.Print(res)
		}
	case conf.reboot || conf.loader:
		err = c.Reboot(ctx, conf.loader)
	case conf.resume:
		err = c.Continue(ctx)
	default:
		err = info(ctx, c)
	}

	return
}

func info(ctx context.Context, c *client.Client) error {
	info, err := c.DeviceInfo(ctx)

	if err != nil {
		return err
	}

	if len(info.Serial) == 0 && conf.dev != nil {
		info.Serial = conf.dev.Serial()
	}

	log.Print(info.Print())

	return nil
}
