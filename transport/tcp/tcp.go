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

// Package tcp implements the fastboot TCP transport, where each fastboot
// packet travels as a message prefixed by its 8 byte big-endian length.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"k8s.io/klog/v2"
)

const (
	// DefaultPort is the fastboot TCP port.
	DefaultPort = "5554"

	handshake  = "FB01"
	headerSize = 8
	// MaxMessageSize bounds the length accepted in a message header.
	MaxMessageSize = 1 << 30
)

var (
	ErrHandshake = errors.New("invalid handshake")
	ErrTooLarge  = errors.New("message too large")
)

// Conn is a handshaked fastboot TCP connection.
type Conn struct {
	conn net.Conn
	r    *bufio.Reader

	rmu sync.Mutex
	// bytes left in the message being read
	remaining uint64

	wmu sync.Mutex
}

// Dial connects to a fastboot TCP device.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer

	nc, err := d.DialContext(ctx, "tcp", addr)

	if err != nil {
		return nil, err
	}

	c, err := newConn(ctx, nc, false)

	if err != nil {
		nc.Close()
		return nil, err
	}

	return c, nil
}

func newConn(ctx context.Context, nc net.Conn, server bool) (c *Conn, err error) {
	c = &Conn{
		conn: nc,
		r:    bufio.NewReader(nc),
	}

	defer c.watch(ctx)()

	buf := make([]byte, len(handshake))

	send := func() (err error) {
		_, err = nc.Write([]byte(handshake))
		return
	}

	recv := func() (err error) {
		if _, err = io.ReadFull(c.r, buf); err != nil {
			return
		}

		if string(buf[:2]) != handshake[:2] {
			return fmt.Errorf("%w: %q", ErrHandshake, buf)
		}

		if v, err := strconv.Atoi(string(buf[2:])); err != nil || v < 1 {
			return fmt.Errorf("%w: unsupported version %q", ErrHandshake, buf[2:])
		}

		return
	}

	if server {
		if err = recv(); err == nil {
			err = send()
		}
	} else {
		if err = send(); err == nil {
			err = recv()
		}
	}

	if err != nil {
		return nil, fmt.Errorf("handshake failed, %w", err)
	}

	return
}

// watch interrupts pending I/O on the connection when ctx is done, the
// returned function stops watching.
func (c *Conn) watch(ctx context.Context) func() {
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})

	return func() {
		if !stop() {
			c.conn.SetDeadline(time.Time{})
		}
	}
}

func (c *Conn) ctxErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return ctxErr
	}

	return err
}

// Read reads the next part of the current message, it never returns data
// belonging to two different messages. It returns once buf is full or the
// message is complete, however the message was segmented in transit.
func (c *Conn) Read(ctx context.Context, buf []byte) (n int, err error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	defer c.watch(ctx)()

	// empty messages carry nothing to return
	for c.remaining == 0 {
		var hdr [headerSize]byte

		if _, err = io.ReadFull(c.r, hdr[:]); err != nil {
			return 0, c.ctxErr(ctx, err)
		}

		c.remaining = binary.BigEndian.Uint64(hdr[:])

		if c.remaining > MaxMessageSize {
			return 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, c.remaining)
		}

		klog.V(3).Infof("tcp: message of %d bytes", c.remaining)
	}

	if uint64(len(buf)) > c.remaining {
		buf = buf[:c.remaining]
	}

	n, err = io.ReadFull(c.r, buf)
	c.remaining -= uint64(n)

	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}

	return n, c.ctxErr(ctx, err)
}

// Write sends pkt as a single message.
func (c *Conn) Write(ctx context.Context, pkt []byte) (n int, err error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	defer c.watch(ctx)()

	msg := make([]byte, headerSize+len(pkt))
	binary.BigEndian.PutUint64(msg, uint64(len(pkt)))
	copy(msg[headerSize:], pkt)

	if _, err = c.conn.Write(msg); err != nil {
		return 0, c.ctxErr(ctx, err)
	}

	return len(pkt), nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Listener accepts fastboot TCP connections.
type Listener struct {
	l net.Listener
}

// Listen announces a fastboot TCP endpoint on addr.
func Listen(addr string) (*Listener, error) {
	l, err := net.Listen("tcp", addr)

	if err != nil {
		return nil, err
	}

	return &Listener{l: l}, nil
}

// Accept waits for the next host and performs the handshake, cancelling
// ctx closes the listener.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	stop := context.AfterFunc(ctx, func() {
		l.l.Close()
	})
	defer stop()

	nc, err := l.l.Accept()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	c, err := newConn(ctx, nc, true)

	if err != nil {
		nc.Close()
		return nil, err
	}

	klog.Infof("tcp: connection from %s", nc.RemoteAddr())

	return c, nil
}

// Addr returns the listening address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops listening.
func (l *Listener) Close() error {
	return l.l.Close()
}

// Serve wraps nc, an accepted connection, performing the device side
// handshake.
func Serve(ctx context.Context, nc net.Conn) (*Conn, error) {
	return newConn(ctx, nc, true)
}

// Client wraps nc, an established connection, performing the host side
// handshake.
func Client(ctx context.Context, nc net.Conn) (*Conn, error) {
	return newConn(ctx, nc, false)
}
