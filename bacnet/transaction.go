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

import (
	"net"
	"sync"
)

// NoInvokeID marks a pending request that was never assigned a
// confirmed-service invoke-id, such as a broadcast Who-Is that is only
// retained to receive a timeout signal.
const NoInvokeID uint8 = 0xFF

// requestState is the per-request lifecycle state.
type requestState int32

const (
	requestCreated requestState = iota
	requestBound
	requestSent
	requestResponded
	requestErrored
	requestTimedOut
)

// pendingRequest is a T1 transaction-table record. One is created per
// confirmed request (and, with InvokeID == NoInvokeID, per broadcast
// Who-Is that a caller wants to wait on).
type pendingRequest struct {
	invokeID uint8
	target   *net.UDPAddr

	mu      sync.Mutex
	state   requestState
	result  *APDU
	err     error
	done    chan struct{}
	doneGate sync.Once
}

func newPendingRequest(invokeID uint8, target *net.UDPAddr) *pendingRequest {
	return &pendingRequest{
		invokeID: invokeID,
		target:   target,
		state:    requestCreated,
		done:     make(chan struct{}),
	}
}

// complete transitions the record out of "sent" exactly once. Later
// calls (a duplicate ack, or Close's drain reaching a record a handler
// already completed) are no-ops, giving first-wins semantics. A waiter
// whose deadline expires stops waiting without calling complete.
func (p *pendingRequest) complete(state requestState, result *APDU, err error) {
	p.doneGate.Do(func() {
		p.mu.Lock()
		p.state = state
		p.result = result
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *pendingRequest) snapshot() (requestState, *APDU, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.result, p.err
}

// matchesSource mirrors original_source/src/c/driver.c's address_match
// gate in My_Read_Property_Ack_Handler/MyErrorHandler/MyAbortHandler/
// MyRejectHandler: a reply is only authoritative for this record if it
// came from the same datalink address the request was sent to. A
// record with no target (never address-bound, e.g. a test fixture)
// matches anything.
func (p *pendingRequest) matchesSource(addr *net.UDPAddr) bool {
	if p.target == nil {
		return true
	}
	if addr == nil {
		return false
	}
	return p.target.IP.Equal(addr.IP) && p.target.Port == addr.Port
}

// transactionTable is T1: invoke-id -> pendingRequest, with bounded
// admission so an unbounded flood of outstanding requests fails with a
// RESOURCE-class error instead of growing the table without limit.
//
// Confirmed requests are addressed by their real invoke-id. Broadcast
// Who-Is waits (InvokeID == NoInvokeID) are never looked up by the
// receiver path — I-Am is unconfirmed and correlates through T2/T3
// instead — so any number of them can coexist; they live in a separate
// slice keyed by nothing but their own identity.
type transactionTable struct {
	mu        sync.Mutex
	entries   map[uint8]*pendingRequest
	broadcast []*pendingRequest
	max       int
}

func newTransactionTable(max int) *transactionTable {
	return &transactionTable{
		entries: make(map[uint8]*pendingRequest),
		max:     max,
	}
}

// insert adds a new pending request. Returns a *ResourceError if the
// confirmed-request table is full; broadcast waiters are exempt from
// the bound since they carry no invoke-id and are always removed by
// their own caller's defer.
func (t *transactionTable) insert(req *pendingRequest) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req.invokeID == NoInvokeID {
		t.broadcast = append(t.broadcast, req)
		return nil
	}

	if t.max > 0 && len(t.entries) >= t.max {
		return &ResourceError{Resource: "transaction-table", Limit: t.max}
	}

	t.entries[req.invokeID] = req
	return nil
}

func (t *transactionTable) lookup(invokeID uint8) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[invokeID]
	return req, ok
}

func (t *transactionTable) remove(req *pendingRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if req.invokeID == NoInvokeID {
		for i, r := range t.broadcast {
			if r == req {
				t.broadcast = append(t.broadcast[:i], t.broadcast[i+1:]...)
				break
			}
		}
		return
	}

	delete(t.entries, req.invokeID)
}

func (t *transactionTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries) + len(t.broadcast)
}

// drain wakes every still-pending request with err, used by Close so no
// goroutine blocks forever on a record that will never receive a reply.
func (t *transactionTable) drain(err error) {
	t.mu.Lock()
	entries := make([]*pendingRequest, 0, len(t.entries)+len(t.broadcast))
	for _, req := range t.entries {
		entries = append(entries, req)
	}
	entries = append(entries, t.broadcast...)
	t.entries = make(map[uint8]*pendingRequest)
	t.broadcast = nil
	t.mu.Unlock()

	for _, req := range entries {
		req.complete(requestErrored, nil, err)
	}
}
