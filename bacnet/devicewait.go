// Copyright 2025 Edgeo SCADA
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

package bacnet

import "sync"

// deviceWait is a T2 record: one caller waiting for an I-Am carrying a
// specific device instance. Its done channel is closed at most once, by
// the I-Am handler (resolve) or by the table's drain at Close; a waiter
// whose deadline expires stops waiting without closing it.
type deviceWait struct {
	deviceID uint32

	mu       sync.Mutex
	addr     Address
	resolved bool
	done     chan struct{}
	doneGate sync.Once
}

func newDeviceWait(deviceID uint32) *deviceWait {
	return &deviceWait{
		deviceID: deviceID,
		done:     make(chan struct{}),
	}
}

// resolve records the I-Am's source address and wakes the waiter. Only
// the first call has any effect, and a record already closed by drain
// is left unresolved.
func (w *deviceWait) resolve(addr Address) {
	w.doneGate.Do(func() {
		w.mu.Lock()
		w.addr = addr
		w.resolved = true
		w.mu.Unlock()
		close(w.done)
	})
}

// deviceWaitTable is T2: device-id -> *deviceWait, consulted by
// find-and-bind while a Who-Is directed at a specific device is
// outstanding.
type deviceWaitTable struct {
	mu      sync.Mutex
	entries map[uint32]*deviceWait
}

func newDeviceWaitTable() *deviceWaitTable {
	return &deviceWaitTable{entries: make(map[uint32]*deviceWait)}
}

func (t *deviceWaitTable) set(deviceID uint32) *deviceWait {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.entries[deviceID]; ok {
		return existing
	}
	w := newDeviceWait(deviceID)
	t.entries[deviceID] = w
	return w
}

func (t *deviceWaitTable) get(deviceID uint32) (*deviceWait, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.entries[deviceID]
	return w, ok
}

func (t *deviceWaitTable) remove(deviceID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, deviceID)
}

// drain wakes every outstanding waiter with its address left unresolved,
// used by Close so find-and-bind callers don't block past shutdown.
func (t *deviceWaitTable) drain() {
	t.mu.Lock()
	waits := make([]*deviceWait, 0, len(t.entries))
	for _, w := range t.entries {
		waits = append(waits, w)
	}
	t.entries = make(map[uint32]*deviceWait)
	t.mu.Unlock()

	for _, w := range waits {
		w.doneGate.Do(func() {
			close(w.done)
		})
	}
}
