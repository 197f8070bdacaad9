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

package fastboot_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/hikey-fastboot/fastboot"
)

// scripted replays host packets and records device responses.
type scripted struct {
	in      [][]byte
	out     []string
	readErr error
}

func (s *scripted) Read(_ context.Context, buf []byte) (int, error) {
	if len(s.in) == 0 {
		if s.readErr != nil {
			return 0, s.readErr
		}
		return 0, io.EOF
	}
	n := copy(buf, s.in[0])
	s.in = s.in[1:]
	return n, nil
}

func (s *scripted) Write(_ context.Context, pkt []byte) (int, error) {
	s.out = append(s.out, string(pkt))
	return len(pkt), nil
}

func TestServe(t *testing.T) {
	s, p, _ := newSession(t)

	tr := &scripted{in: [][]byte{
		[]byte("getvar:product"),
		[]byte("download:00000004"),
		[]byte("ab"),
		[]byte("cd"),
		[]byte("reboot"),
		// never read
		[]byte("getvar:product"),
	}}

	if err := fastboot.Serve(context.Background(), tr, s); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := []string{"OKAYhikey", "DATA00000004", "OKAY", "OKAY"}
	if d := cmp.Diff(want, tr.out); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
	if d := cmp.Diff([]bool{false}, p.reboots); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
	if len(tr.in) != 1 {
		t.Fatalf("Got %d unread packets, want 1", len(tr.in))
	}
}

func TestServeDisconnect(t *testing.T) {
	s, _, _ := newSession(t)

	tr := &scripted{in: [][]byte{[]byte("getvar:product")}}

	if err := fastboot.Serve(context.Background(), tr, s); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if d := cmp.Diff([]string{"OKAYhikey"}, tr.out); d != "" {
		t.Fatalf("Got diff: %s", d)
	}
}

func TestServeReadError(t *testing.T) {
	s, _, _ := newSession(t)

	tr := &scripted{readErr: context.DeadlineExceeded}

	if err := fastboot.Serve(context.Background(), tr, s); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Got %v, want %v", err, context.DeadlineExceeded)
	}
}
