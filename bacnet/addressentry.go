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

// addressEntry is a T3 record: a device's bound datalink address and
// negotiated max-APDU, populated by every I-Am received.
type addressEntry struct {
	deviceID uint32
	address  Address
	maxAPDU  uint16
}

// addressMatches mirrors original_source/src/c/address_entry.c's
// bacnet_address_matches: two addresses are equal iff the network
// number and the raw address bytes are identical.
func addressMatches(a, b Address) bool {
	if a.Net != b.Net {
		return false
	}
	if len(a.Addr) != len(b.Addr) {
		return false
	}
	for i := range a.Addr {
		if a.Addr[i] != b.Addr[i] {
			return false
		}
	}
	return true
}

// addressEntryTable is T3: device-id -> addressEntry, with idempotent
// insert (a duplicate is any entry whose address matches OR whose
// device-id matches an existing entry) and pop-from-most-recent
// draining, following address_entry.c exactly: address_entry_set
// returns nil on either kind of match, and address_entry_pop always
// pops list->first (the most recently inserted entry).
type addressEntryTable struct {
	mu      sync.Mutex
	byID    map[uint32]*addressEntry
	order   []*addressEntry // most-recently-inserted last
}

func newAddressEntryTable() *addressEntryTable {
	return &addressEntryTable{byID: make(map[uint32]*addressEntry)}
}

// set inserts a new entry unless an existing one matches by address or
// by device-id, matching address_entry_set's duplicate check. Returns
// the inserted entry, or nil if it was a duplicate.
func (t *addressEntryTable) set(deviceID uint32, addr Address, maxAPDU uint16) *addressEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, e := range t.byID {
		if addressMatches(e.address, addr) || e.deviceID == deviceID {
			return nil
		}
	}

	e := &addressEntry{deviceID: deviceID, address: addr, maxAPDU: maxAPDU}
	t.byID[deviceID] = e
	t.order = append(t.order, e)
	return e
}

func (t *addressEntryTable) get(deviceID uint32) (*addressEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[deviceID]
	return e, ok
}

func (t *addressEntryTable) remove(deviceID uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[deviceID]
	if !ok {
		return
	}
	delete(t.byID, deviceID)
	t.removeFromOrder(e)
}

// pop removes and returns the most recently inserted entry (mirrors
// address_entry_pop, which always pops list->first and list->first is
// the head the last insert pointed at).
func (t *addressEntryTable) pop() (*addressEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.order) == 0 {
		return nil, false
	}
	e := t.order[len(t.order)-1]
	t.order = t.order[:len(t.order)-1]
	delete(t.byID, e.deviceID)
	return e, true
}

func (t *addressEntryTable) removeFromOrder(e *addressEntry) {
	for i, cur := range t.order {
		if cur == e {
			t.order = append(t.order[:i], t.order[i+1:]...)
			return
		}
	}
}
