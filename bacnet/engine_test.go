package bacnet

import (
	"net"
	"testing"
	"time"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient()
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func buildIAm(deviceID uint32, maxAPDU uint32, segmentation Segmentation, vendorID uint32) []byte {
	data := EncodeObjectIdentifierTag(NewObjectIdentifier(ObjectTypeDevice, deviceID))
	data = append(data, EncodeUnsignedTag(maxAPDU)...)
	data = append(data, EncodeEnumeratedTag(uint32(segmentation))...)
	data = append(data, EncodeUnsignedTag(vendorID)...)
	return data
}

// S-style scenario: an I-Am for a device nobody is waiting on populates
// T3 (address-entry table) and the public device cache, but touches no
// T2 record.
func TestHandleIAm_PopulatesAddressEntryTable(t *testing.T) {
	c := testClient(t)

	addr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 10), Port: DefaultPort}
	npdu := &NPDU{Control: 0}

	c.handleIAm(buildIAm(1001, 1476, SegmentationNone, 260), addr, npdu)

	entry, ok := c.addrEntries.get(1001)
	if !ok {
		t.Fatal("device 1001 not present in address-entry table after I-Am")
	}
	if !addressMatches(entry.address, Address{Net: 0, Addr: addr.IP.To4()}) {
		t.Fatalf("address-entry address = %v, want %v", entry.address, addr.IP.To4())
	}

	dev, ok := c.GetDevice(1001)
	if !ok || dev.VendorID != 260 {
		t.Fatalf("GetDevice(1001) = %v, %v; want vendor 260", dev, ok)
	}
}

// A waiter registered in T2 for a device-id is woken by a later I-Am for
// that same device.
func TestHandleIAm_WakesDeviceWait(t *testing.T) {
	c := testClient(t)

	wait := c.deviceWaits.set(2002)

	addr := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 20), Port: DefaultPort}
	c.handleIAm(buildIAm(2002, 1476, SegmentationNone, 1), addr, &NPDU{})

	select {
	case <-wait.done:
	case <-time.After(time.Second):
		t.Fatal("device-wait was not woken by matching I-Am")
	}

	wait.mu.Lock()
	resolved := wait.resolved
	addrOut := wait.addr
	wait.mu.Unlock()

	if !resolved || !addressMatches(addrOut, Address{Net: 0, Addr: addr.IP.To4()}) {
		t.Fatalf("device-wait resolved with %v, %v", resolved, addrOut)
	}
}

// A duplicate I-Am (same device-id already bound) must not disturb the
// existing address-entry table record.
func TestHandleIAm_DuplicateIsNoOp(t *testing.T) {
	c := testClient(t)

	first := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 30), Port: DefaultPort}
	second := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 31), Port: DefaultPort}

	c.handleIAm(buildIAm(3003, 1476, SegmentationNone, 1), first, &NPDU{})
	c.handleIAm(buildIAm(3003, 1476, SegmentationNone, 1), second, &NPDU{})

	entry, ok := c.addrEntries.get(3003)
	if !ok {
		t.Fatal("device 3003 missing after second I-Am")
	}
	if !addressMatches(entry.address, Address{Net: 0, Addr: first.IP.To4()}) {
		t.Fatalf("address-entry was overwritten by duplicate I-Am: got %v", entry.address)
	}
}

// handleAck delivers the APDU to the waiting T1 record exactly once; a
// duplicate ack for the same invoke-id is a no-op (first-wins).
func TestHandleAck_DeliversOnceToTransactionTable(t *testing.T) {
	c := testClient(t)

	target := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 40), Port: DefaultPort}
	req := newPendingRequest(5, target)
	if err := c.txTable.insert(req); err != nil {
		t.Fatalf("insert: %v", err)
	}

	first := &APDU{Type: PDUTypeComplexAck, InvokeID: 5, Data: []byte{0x01}}
	second := &APDU{Type: PDUTypeComplexAck, InvokeID: 5, Data: []byte{0x02}}

	c.handleAck(first, target)
	c.handleAck(second, target)

	_, result, err := req.snapshot()
	if err != nil || result != first {
		t.Fatalf("snapshot() = %v, %v; want %v, nil", result, err, first)
	}
}

// An ack whose source address doesn't match the request's target must
// not be treated as authoritative, even though the invoke-id matches:
// it still wakes the waiter, but the result stays nil rather than
// being handed to the caller as if it came from the right device.
func TestHandleAck_SourceMismatchLeavesResultUntouched(t *testing.T) {
	c := testClient(t)

	target := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 40), Port: DefaultPort}
	impostor := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 99), Port: DefaultPort}

	req := newPendingRequest(5, target)
	if err := c.txTable.insert(req); err != nil {
		t.Fatalf("insert: %v", err)
	}

	c.handleAck(&APDU{Type: PDUTypeComplexAck, InvokeID: 5, Data: []byte{0x01}}, impostor)

	select {
	case <-req.done:
	default:
		t.Fatal("mismatched-source ack did not wake the waiter")
	}

	_, result, err := req.snapshot()
	if result != nil || err != nil {
		t.Fatalf("snapshot() = %v, %v; want nil, nil after a source mismatch", result, err)
	}
}

// handleFault for an invoke-id with no pending record is dropped silently.
func TestHandleFault_UnknownInvokeIDIsDropped(t *testing.T) {
	c := testClient(t)

	// Must not panic even though no record exists for invoke-id 9.
	c.handleFault(&APDU{InvokeID: 9}, nil, ErrTimeout)
}

// A fault (error/reject/abort) whose source doesn't match the
// request's target still wakes the waiter but leaves err nil, so a
// different device's fault can't be attributed to this request.
func TestHandleFault_SourceMismatchLeavesErrUntouched(t *testing.T) {
	c := testClient(t)

	target := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 40), Port: DefaultPort}
	impostor := &net.UDPAddr{IP: net.IPv4(192, 0, 2, 99), Port: DefaultPort}

	req := newPendingRequest(6, target)
	if err := c.txTable.insert(req); err != nil {
		t.Fatalf("insert: %v", err)
	}

	c.handleFault(&APDU{InvokeID: 6}, impostor, ErrTimeout)

	select {
	case <-req.done:
	default:
		t.Fatal("mismatched-source fault did not wake the waiter")
	}

	_, result, err := req.snapshot()
	if result != nil || err != nil {
		t.Fatalf("snapshot() = %v, %v; want nil, nil after a source mismatch", result, err)
	}
}
