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

// Package fastboot implements the device side of the Android fastboot
// protocol.
package fastboot

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/hikey-fastboot/api"
	"github.com/transparency-dev/hikey-fastboot/ptable"
)

// Storage is the flashing backend of a session.
type Storage interface {
	Flash(name string, img []byte) error
	Erase(name string) error
	Partitions() []ptable.Entry
	PartitionSize(name string) (int64, error)
	PartitionType(name string) (string, error)
	LoadSerial() (string, error)
	GenerateSerial() (string, error)
	AssignSerial(serial string) error
}

// Platform gives access to the board functions driven by commands.
type Platform interface {
	// Reboot resets the board, into download mode if bootloader is set.
	Reboot(bootloader bool) error
	// SetLED drives user LED n (1 to 4).
	SetLED(n int, on bool) error
	// Continue resumes the normal boot flow.
	Continue() error
}

// State is the command loop state.
type State int

const (
	// WaitCommand expects a command packet.
	WaitCommand State = iota
	// Download expects image data packets.
	Download
	// Finished follows an acknowledged reboot or continue.
	Finished
)

func (s State) String() string {
	switch s {
	case WaitCommand:
		return "command"
	case Download:
		return "download"
	case Finished:
		return "finished"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config holds the identification variables of a session.
type Config struct {
	Product string
	// Version is the bootloader semantic version.
	Version string
	// MaxDownloadSize defaults to api.MaxDownloadSize.
	MaxDownloadSize uint32
}

// Session is the command state machine of a single fastboot connection.
//
// Handle is fed with every packet received on the bulk OUT endpoint and
// returns the packets to transmit on bulk IN.
type Session struct {
	sync.Mutex

	storage  Storage
	platform Platform
	conf     Config
	version  *semver.Version

	state State
	// partition selected with getvar:partition-type
	target string
	// download buffer and bytes still expected
	buf       []byte
	remaining uint32
	loaded    bool
}

// NewSession returns a session in the WaitCommand state.
func NewSession(storage Storage, platform Platform, conf Config) (*Session, error) {
	if conf.MaxDownloadSize == 0 {
		conf.MaxDownloadSize = api.MaxDownloadSize
	}

	s := &Session{
		storage:  storage,
		platform: platform,
		conf:     conf,
	}

	if len(conf.Version) > 0 {
		v, err := semver.NewVersion(strings.TrimPrefix(conf.Version, "v"))

		if err != nil {
			return nil, fmt.Errorf("invalid version %q: %v", conf.Version, err)
		}

		s.version = v
	}

	return s, nil
}

// State returns the current command loop state.
func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()

	return s.state
}

// Handle processes a packet, returning the response packets and, for
// commands acting after their acknowledgement, a function to invoke once
// the responses have been transmitted.
func (s *Session) Handle(pkt []byte) (res [][]byte, after func() error) {
	s.Lock()
	defer s.Unlock()

	switch s.state {
	case Download:
		return s.receive(pkt), nil
	case Finished:
		return nil, nil
	}

	if len(pkt) > api.MaxCommandLength {
		pkt = pkt[:api.MaxCommandLength]
	}

	cmd := strings.TrimRight(string(pkt), "\x00")

	klog.Infof("cmd: %s", cmd)

	return s.dispatch(cmd)
}

func (s *Session) receive(pkt []byte) [][]byte {
	if uint32(len(pkt)) > s.remaining {
		klog.Warningf("discarding %d bytes past download end", uint32(len(pkt))-s.remaining)
		pkt = pkt[:s.remaining]
	}

	s.buf = append(s.buf, pkt...)
	s.remaining -= uint32(len(pkt))

	if s.remaining > 0 {
		return nil
	}

	klog.Infof("received %d bytes", len(s.buf))

	s.state = WaitCommand
	s.loaded = true

	return [][]byte{api.Okay("")}
}

func one(pkt []byte) [][]byte {
	return [][]byte{pkt}
}

func (s *Session) dispatch(cmd string) (res [][]byte, after func() error) {
	switch {
	case cmd == "reboot":
		return s.finish(func() error { return s.platform.Reboot(false) })
	case cmd == "reboot-bootloader":
		return s.finish(func() error { return s.platform.Reboot(true) })
	case cmd == "continue":
		return s.finish(s.platform.Continue)
	case strings.HasPrefix(cmd, "getvar:"):
		return s.getvar(strings.TrimPrefix(cmd, "getvar:")), nil
	case strings.HasPrefix(cmd, "download:"):
		return one(s.download(strings.TrimPrefix(cmd, "download:"))), nil
	case strings.HasPrefix(cmd, "flash:"):
		return one(s.flash(strings.TrimPrefix(cmd, "flash:"))), nil
	case strings.HasPrefix(cmd, "erase:"):
		return one(s.erase(strings.TrimPrefix(cmd, "erase:"))), nil
	case strings.HasPrefix(cmd, "boot"):
		return one(api.Fail("boot not supported")), nil
	case strings.HasPrefix(cmd, "oem "):
		return one(s.oem(strings.TrimPrefix(cmd, "oem "))), nil
	}

	return one(api.Fail("invalid command")), nil
}

func (s *Session) finish(action func() error) ([][]byte, func() error) {
	s.state = Finished
	return one(api.Okay("")), action
}

func (s *Session) download(arg string) []byte {
	size, err := strconv.ParseUint(arg, 16, 32)

	if err != nil || size == 0 {
		return api.Fail("invalid size")
	}

	if size > uint64(s.conf.MaxDownloadSize) {
		return api.Fail("file is too large")
	}

	s.buf = make([]byte, 0, size)
	s.remaining = uint32(size)
	s.loaded = false
	s.state = Download

	return api.Data(uint32(size))
}

func (s *Session) flash(name string) (res []byte) {
	var err error

	defer func() {
		if err != nil {
			klog.Errorf("flash %s error, %v", name, err)
			res = api.ErrorResponse(err)
		} else {
			res = api.Okay("")
		}
	}()

	if len(name) == 0 {
		name = s.target
	}

	switch {
	case !s.loaded:
		err = errors.New("no image downloaded")
	case len(name) == 0:
		err = errors.New("no partition")
	default:
		err = s.storage.Flash(name, s.buf)
	}

	return
}

func (s *Session) erase(name string) []byte {
	if err := s.storage.Erase(name); err != nil {
		klog.Errorf("erase %s error, %v", name, err)
		return api.ErrorResponse(err)
	}

	return api.Okay("")
}

func (s *Session) oem(arg string) []byte {
	switch {
	case arg == "serialno":
		if _, err := s.storage.GenerateSerial(); err != nil {
			return api.ErrorResponse(err)
		}
		return api.Okay("")
	case strings.HasPrefix(arg, "serialno set"):
		if err := s.storage.AssignSerial(strings.TrimPrefix(arg, "serialno set")); err != nil {
			return api.ErrorResponse(err)
		}
		return api.Okay("")
	case strings.HasPrefix(arg, "led"):
		return s.led(strings.TrimPrefix(arg, "led"))
	}

	return api.Fail("invalid command")
}

func (s *Session) led(arg string) []byte {
	n, state, ok := strings.Cut(arg, " ")

	if !ok || len(n) != 1 || n[0] < '1' || n[0] > '4' {
		return api.Fail("invalid command")
	}

	var on bool

	switch state {
	case "on":
		on = true
	case "off":
	default:
		return api.Fail("invalid command")
	}

	if err := s.platform.SetLED(int(n[0]-'0'), on); err != nil {
		return api.ErrorResponse(err)
	}

	return api.Okay("")
}
