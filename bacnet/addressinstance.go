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

// addressInstanceMap is T4: a memoization cache from a caller-supplied
// IP string to the device instance discovered behind it, grounded on
// original_source/src/c/address_instance_map.c. Populated by
// ResolveInstanceForAddress so repeated operations against the same IP
// skip a fresh Who-Is/T2 round trip.
type addressInstanceMap struct {
	mu      sync.Mutex
	byAddr  map[string]uint32
}

func newAddressInstanceMap() *addressInstanceMap {
	return &addressInstanceMap{byAddr: make(map[string]uint32)}
}

func (m *addressInstanceMap) get(addr string) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	instance, ok := m.byAddr[addr]
	return instance, ok
}

func (m *addressInstanceMap) set(addr string, instance uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byAddr[addr] = instance
}

func (m *addressInstanceMap) remove(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byAddr[addr]; !ok {
		return false
	}
	delete(m.byAddr, addr)
	return true
}
