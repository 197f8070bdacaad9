// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package api defines the fastboot wire format shared by the device command
// loop and the host client.
package api

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// Google fastboot identifiers
	VendorID  = 0x18d1
	ProductID = 0xd00d

	InterfaceClass    = 0xff
	InterfaceSubClass = 0x42
	InterfaceProtocol = 0x03

	// Bulk endpoint packet size (USB 2.0 high speed).
	MaxPacketSize = 512

	// MaxCommandLength is the length past which commands are truncated.
	MaxCommandLength = 4095
	// MaxResponseSize is the maximum length of a response packet,
	// including its 4 byte status prefix.
	MaxResponseSize = 64

	// MaxDownloadSize is the largest image accepted by a single download.
	MaxDownloadSize = 256 * 1024 * 1024
)

// Response status prefixes.
const (
	StatusOkay = "OKAY"
	StatusFail = "FAIL"
	StatusData = "DATA"
	StatusInfo = "INFO"
)

var ErrMalformed = errors.New("malformed response")

// Response is a single decoded device reply.
type Response struct {
	Status  string
	Payload string
}

func encode(status string, msg string) (res []byte) {
	res = append([]byte(status), msg...)

	if len(res) > MaxResponseSize {
		res = res[:MaxResponseSize]
	}

	return
}

// Okay encodes a successful command completion.
func Okay(msg string) []byte {
	return encode(StatusOkay, msg)
}

// Fail encodes a failed command completion.
func Fail(msg string) []byte {
	return encode(StatusFail, msg)
}

// Info encodes an informational line preceding the command completion.
func Info(msg string) []byte {
	return encode(StatusInfo, msg)
}

// Data encodes the acknowledgement of a download request, announcing the
// number of bytes the device expects.
func Data(size uint32) []byte {
	return encode(StatusData, fmt.Sprintf("%08x", size))
}

// ErrorResponse converts an error in a failure response.
func ErrorResponse(err error) []byte {
	return Fail(err.Error())
}

// ParseResponse decodes a device reply.
func ParseResponse(buf []byte) (r Response, err error) {
	if len(buf) < 4 {
		return r, fmt.Errorf("%w: %q", ErrMalformed, buf)
	}

	r.Status = string(buf[:4])
	r.Payload = strings.TrimRight(string(buf[4:]), "\x00")

	switch r.Status {
	case StatusOkay, StatusFail, StatusInfo:
	case StatusData:
		if _, err = r.Size(); err != nil {
			return
		}
	default:
		return r, fmt.Errorf("%w: unknown status %q", ErrMalformed, r.Status)
	}

	return
}

// Size returns the byte count announced by a DATA response.
func (r Response) Size() (uint32, error) {
	n, err := strconv.ParseUint(r.Payload, 16, 32)

	if err != nil || len(r.Payload) != 8 {
		return 0, fmt.Errorf("%w: invalid data size %q", ErrMalformed, r.Payload)
	}

	return uint32(n), nil
}

// DeviceInfo collects the identification variables exposed by a device.
type DeviceInfo struct {
	Serial          string
	Product         string
	Version         string
	Bootloader      string
	MaxDownloadSize int64
	Partitions      []PartitionInfo
}

// PartitionInfo describes a device partition as reported through getvar.
type PartitionInfo struct {
	Name string
	Type string
	Size int64
}

// Print returns the device information in textual format.
func (p *DeviceInfo) Print() string {
	var status bytes.Buffer

	status.WriteString("------------------------------------------------------------ Fastboot ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %s\n", p.Serial))
	status.WriteString(fmt.Sprintf("Product ................: %s\n", p.Product))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Bootloader .............: %s\n", p.Bootloader))
	status.WriteString(fmt.Sprintf("Max download size ......: %d", p.MaxDownloadSize))

	for _, ptn := range p.Partitions {
		status.WriteString(fmt.Sprintf("\n  %-20s %-6s 0x%x", ptn.Name, ptn.Type, ptn.Size))
	}

	return status.String()
}
