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

//go:build tamago && arm

package main

import (
	"log"

	"github.com/usbarmory/tamago/soc/nxp/usb"

	"github.com/transparency-dev/hikey-fastboot/api"
	"github.com/transparency-dev/hikey-fastboot/fastboot"
)

func configureDevice(device *usb.Device, serial string) (err error) {
	// Supported Language Code Zero: English
	device.SetLanguageCodes([]uint16{0x0409})

	// device descriptor
	device.Descriptor = &usb.DeviceDescriptor{}
	device.Descriptor.SetDefaults()

	device.Descriptor.VendorId = api.VendorID
	device.Descriptor.ProductId = api.ProductID

	device.Descriptor.Device = 0x0100

	iManufacturer, _ := device.AddString(`96Boards`)
	device.Descriptor.Manufacturer = iManufacturer

	iProduct, _ := device.AddString(`HiKey`)
	device.Descriptor.Product = iProduct

	iSerial, _ := device.AddString(serial)
	device.Descriptor.SerialNumber = iSerial

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	if err = device.AddConfiguration(conf); err != nil {
		return
	}

	// device qualifier
	device.Qualifier = &usb.DeviceQualifierDescriptor{}
	device.Qualifier.SetDefaults()
	device.Qualifier.NumConfigurations = uint8(len(device.Configurations))

	return
}

func addFastbootInterface(device *usb.Device, ep *fastboot.Endpoints) {
	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()

	iface.NumEndpoints = 2
	iface.InterfaceClass = api.InterfaceClass
	iface.InterfaceSubClass = api.InterfaceSubClass
	iface.InterfaceProtocol = api.InterfaceProtocol

	iInterface, _ := device.AddString(`Android Fastboot`)
	iface.Interface = iInterface

	ep1IN := &usb.EndpointDescriptor{}
	ep1IN.SetDefaults()
	ep1IN.EndpointAddress = 0x81
	ep1IN.Attributes = 2
	ep1IN.MaxPacketSize = api.MaxPacketSize
	ep1IN.Function = ep.Tx

	iface.Endpoints = append(iface.Endpoints, ep1IN)

	ep1OUT := &usb.EndpointDescriptor{}
	ep1OUT.SetDefaults()
	ep1OUT.EndpointAddress = 0x01
	ep1OUT.Attributes = 2
	ep1OUT.MaxPacketSize = api.MaxPacketSize
	ep1OUT.Function = ep.Rx

	iface.Endpoints = append(iface.Endpoints, ep1OUT)

	device.Configurations[0].AddInterface(iface)
}

// start configures the USB device controller and serves fastboot requests,
// it never returns.
func start(serial string, ep *fastboot.Endpoints) {
	device := &usb.Device{}

	if err := configureDevice(device, serial); err != nil {
		log.Fatal(err)
	}

	addFastbootInterface(device, ep)

	Control.Init()
	Control.DeviceMode()
	Control.Reset()

	Control.Start(device)
}
