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

package fastboot

import (
	"context"
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"
)

// readSize is the receive buffer size used by Serve, download data is
// consumed in chunks of at most this size.
const readSize = 64 * 1024

// Transport is a packet oriented connection to a fastboot host, each Read
// returns at most one host packet and never part of a packet that fits in
// buf.
type Transport interface {
	Read(ctx context.Context, buf []byte) (int, error)
	Write(ctx context.Context, pkt []byte) (int, error)
}

// Serve runs the command loop of session s over t until the host
// disconnects, the context is cancelled or a reboot or continue command is
// acknowledged.
func Serve(ctx context.Context, t Transport, s *Session) error {
	buf := make([]byte, readSize)

	for {
		n, err := t.Read(ctx, buf)

		switch {
		case errors.Is(err, io.EOF):
			klog.Infof("host disconnected")
			return nil
		case err != nil:
			return fmt.Errorf("read error, %w", err)
		}

		res, after := s.Handle(buf[:n])

		for _, pkt := range res {
			if _, err = t.Write(ctx, pkt); err != nil {
				return fmt.Errorf("write error, %w", err)
			}
		}

		if after != nil {
			return after()
		}

		if s.State() == Finished {
			return nil
		}
	}
}
