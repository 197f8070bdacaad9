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
	"sync"
	"time"

	"k8s.io/klog/v2"
)

// ActionDelay separates the transmission of the last response from the
// execution of a reboot or continue, giving the host time to collect it.
const ActionDelay = 500 * time.Millisecond

// Endpoints adapts a Session to USB device controller bulk endpoint
// handlers, invoked with each received packet (Rx) and whenever the host
// polls for data (Tx).
type Endpoints struct {
	sync.Mutex

	s *Session

	queue [][]byte
	after func() error

	// Delay defaults to ActionDelay.
	Delay time.Duration
}

// NewEndpoints returns bulk endpoint handlers for session s.
func NewEndpoints(s *Session) *Endpoints {
	return &Endpoints{
		s:     s,
		Delay: ActionDelay,
	}
}

// Rx handles a bulk OUT packet.
func (e *Endpoints) Rx(out []byte, lastErr error) (_ []byte, err error) {
	if lastErr != nil {
		klog.Warningf("bulk OUT error, %v", lastErr)
	}

	if len(out) == 0 {
		return
	}

	res, after := e.s.Handle(out)

	e.Lock()
	defer e.Unlock()

	e.queue = append(e.queue, res...)

	if after != nil {
		e.after = after
	}

	return
}

// Tx returns the next bulk IN packet, if any.
func (e *Endpoints) Tx(_ []byte, lastErr error) (in []byte, err error) {
	if lastErr != nil {
		klog.Warningf("bulk IN error, %v", lastErr)
	}

	e.Lock()
	defer e.Unlock()

	if len(e.queue) == 0 {
		return
	}

	in = e.queue[0]
	e.queue = e.queue[1:]

	if len(e.queue) == 0 && e.after != nil {
		go func(after func() error) {
			time.Sleep(e.Delay)

			if err := after(); err != nil {
				klog.Errorf("post command action error, %v", err)
			}
		}(e.after)

		e.after = nil
	}

	return
}
