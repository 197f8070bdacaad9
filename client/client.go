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

// Package client implements the host side of the fastboot protocol.
package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/api"
	"github.com/transparency-dev/hikey-fastboot/sparse"
)

// ChunkSize is the largest write issued while sending download data.
const ChunkSize = 1024 * 1024

var ErrUnexpected = errors.New("unexpected response")

// Transport is a packet oriented connection to a fastboot device.
type Transport interface {
	Read(ctx context.Context, buf []byte) (int, error)
	Write(ctx context.Context, pkt []byte) (int, error)
}

// RemoteError is a FAIL response to a command.
type RemoteError struct {
	Command string
	Reason  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Command, e.Reason)
}

// Client issues fastboot commands to a single device.
type Client struct {
	t Transport

	// Info is invoked for every INFO line sent by the device.
	Info func(msg string)
	// Progress is invoked while sending download data, with the byte
	// count sent so far.
	Progress func(sent int64, total int64)
}

// New returns a client for the device at the other end of t.
func New(t Transport) *Client {
	return &Client{
		t: t,
		Info: func(msg string) {
			klog.Infof("(device) %s", msg)
		},
	}
}

// transact sends cmd and waits for its completion, relaying INFO lines.
func (c *Client) transact(ctx context.Context, cmd string) (res api.Response, err error) {
	if len(cmd) > api.MaxCommandLength {
		return res, fmt.Errorf("command too long (%d bytes)", len(cmd))
	}

	klog.V(1).Infof("> %s", cmd)

	if _, err = c.t.Write(ctx, []byte(cmd)); err != nil {
		return
	}

	return c.wait(ctx, cmd)
}

func (c *Client) wait(ctx context.Context, cmd string) (res api.Response, err error) {
	buf := make([]byte, api.MaxResponseSize)

	for {
		n, err := c.t.Read(ctx, buf)

		if err != nil {
			return res, err
		}

		if res, err = api.ParseResponse(buf[:n]); err != nil {
			return res, err
		}

		klog.V(1).Infof("< %s%s", res.Status, res.Payload)

		switch res.Status {
		case api.StatusInfo:
			if c.Info != nil {
				c.Info(res.Payload)
			}
		case api.StatusFail:
			return res, &RemoteError{Command: cmd, Reason: res.Payload}
		default:
			return res, nil
		}
	}
}

// Command sends cmd and returns the payload of its OKAY response.
func (c *Client) Command(ctx context.Context, cmd string) (string, error) {
	res, err := c.transact(ctx, cmd)

	if err != nil {
		return "", err
	}

	if res.Status != api.StatusOkay {
		return "", fmt.Errorf("%w to %s: %s", ErrUnexpected, cmd, res.Status)
	}

	return res.Payload, nil
}

// GetVar returns the value of a device variable.
func (c *Client) GetVar(ctx context.Context, name string) (string, error) {
	return c.Command(ctx, "getvar:"+name)
}

// GetVarAll returns every variable reported by getvar:all.
func (c *Client) GetVarAll(ctx context.Context) (vars map[string]string, err error) {
	vars = make(map[string]string)
	info := c.Info

	c.Info = func(msg string) {
		if i := strings.LastIndex(msg, ":"); i > 0 {
			vars[strings.TrimSpace(msg[:i])] = strings.TrimSpace(msg[i+1:])
		}
	}
	defer func() { c.Info = info }()

	if _, err = c.GetVar(ctx, "all"); err != nil {
		return nil, err
	}

	return
}

// DeviceInfo collects the device identification variables.
func (c *Client) DeviceInfo(ctx context.Context) (*api.DeviceInfo, error) {
	vars, err := c.GetVarAll(ctx)

	if err != nil {
		return nil, err
	}

	info := &api.DeviceInfo{
		Serial:     vars["serialno"],
		Product:    vars["product"],
		Version:    vars["version"],
		Bootloader: vars["version-bootloader"],
	}

	info.MaxDownloadSize, _ = strconv.ParseInt(vars["max-download-size"], 0, 64)

	for k, v := range vars {
		name, ok := strings.CutPrefix(k, "partition-size:")

		if !ok {
			continue
		}

		size, _ := strconv.ParseInt(v, 0, 64)

		info.Partitions = append(info.Partitions, api.PartitionInfo{
			Name: name,
			Type: vars["partition-type:"+name],
			Size: size,
		})
	}

	sort.Slice(info.Partitions, func(i, j int) bool {
		return info.Partitions[i].Name < info.Partitions[j].Name
	})

	return info, nil
}

// MaxDownloadSize returns the largest image the device accepts in a single
// download.
func (c *Client) MaxDownloadSize(ctx context.Context) (int64, error) {
	v, err := c.GetVar(ctx, "max-download-size")

	if err != nil {
		return 0, err
	}

	size, err := strconv.ParseInt(v, 0, 64)

	if err != nil || size <= 0 {
		return 0, fmt.Errorf("invalid max-download-size %q", v)
	}

	return size, nil
}

// Download sends data to the device download buffer.
func (c *Client) Download(ctx context.Context, data []byte) (err error) {
	cmd := fmt.Sprintf("download:%08x", len(data))

	res, err := c.transact(ctx, cmd)

	if err != nil {
		return
	}

	if res.Status != api.StatusData {
		return fmt.Errorf("%w to %s: %s", ErrUnexpected, cmd, res.Status)
	}

	if size, _ := res.Size(); int(size) != len(data) {
		return fmt.Errorf("%w: device expects %d bytes, sending %d", ErrUnexpected, size, len(data))
	}

	total := int64(len(data))

	for sent := int64(0); sent < total; {
		n := min(total-sent, ChunkSize)

		if _, err = c.t.Write(ctx, data[sent:sent+n]); err != nil {
			return
		}

		sent += n

		if c.Progress != nil {
			c.Progress(sent, total)
		}
	}

	res, err = c.wait(ctx, cmd)

	if err != nil {
		return
	}

	if res.Status != api.StatusOkay {
		return fmt.Errorf("%w after download: %s", ErrUnexpected, res.Status)
	}

	return
}

// Flash writes img to the named partition, images larger than the device
// download buffer are sent as a sequence of sparse images.
func (c *Client) Flash(ctx context.Context, partition string, img []byte) (err error) {
	if t, err := c.GetVar(ctx, "partition-type:"+partition); err != nil {
		klog.V(1).Infof("could not read %s partition type: %v", partition, err)
	} else {
		klog.V(1).Infof("%s partition type: %s", partition, t)
	}

	limit, err := c.MaxDownloadSize(ctx)

	if err != nil {
		return
	}

	parts := [][]byte{img}

	if int64(len(img)) > limit {
		if parts, err = resparse(img, limit); err != nil {
			return
		}

		klog.Infof("sending %s in %d sparse images", partition, len(parts))
	}

	for i, part := range parts {
		klog.Infof("sending %s (%d bytes, %d/%d)", partition, len(part), i+1, len(parts))

		if err = c.Download(ctx, part); err != nil {
			return
		}

		klog.Infof("writing %s", partition)

		if _, err = c.Command(ctx, "flash:"+partition); err != nil {
			return
		}
	}

	return
}

func resparse(img []byte, limit int64) ([][]byte, error) {
	if sparse.IsSparse(img) {
		return sparse.Resparse(img, limit)
	}

	return sparse.Split(img, sparse.DefaultBlockSize, limit)
}

// Erase clears the named partition.
func (c *Client) Erase(ctx context.Context, partition string) error {
	_, err := c.Command(ctx, "erase:"+partition)
	return err
}

// Reboot restarts the device, in download mode if bootloader is set.
func (c *Client) Reboot(ctx context.Context, bootloader bool) error {
	cmd := "reboot"

	if bootloader {
		cmd = "reboot-bootloader"
	}

	_, err := c.Command(ctx, cmd)

	return err
}

// Continue resumes the device boot flow.
func (c *Client) Continue(ctx context.Context) error {
	_, err := c.Command(ctx, "continue")
	return err
}

// Oem sends a vendor specific command.
func (c *Client) Oem(ctx context.Context, args ...string) (string, error) {
	return c.Command(ctx, "oem "+strings.Join(args, " "))
}
