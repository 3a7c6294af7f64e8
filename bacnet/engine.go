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
	"encoding/binary"
	"log/slog"
	"net"
	"time"
)

// receiver is the single task (R) that repeatedly pulls frames off the
// datalink and dispatches them to service handlers. One goroutine per
// Client, started by Connect and stopped by Close; this is the only
// goroutine that ever reads from the transport.
func (c *Client) receiver() {
	defer close(c.receiverDone)

	for {
		select {
		case <-c.receiverCtx.Done():
			return
		default:
		}

		data, addr, err := c.transport.ReceiveWithTimeout(100 * time.Millisecond)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if c.transport.IsClosed() {
				return
			}
			c.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		c.metrics.BytesReceived.Add(int64(len(data)))
		c.metrics.RecordActivity()

		c.handlePacket(data, addr)
	}
}

// handlePacket decodes BVLC/NPDU/APDU and dispatches by PDU type. Kept
// single-threaded (no per-packet goroutine) so handler ordering for a
// given invoke-id is deterministic relative to the receive order.
func (c *Client) handlePacket(data []byte, addr *net.UDPAddr) {
	bvlc, err := DecodeBVLC(data)
	if err != nil {
		c.logger.Debug("invalid BVLC", slog.String("error", err.Error()))
		return
	}

	npduData := data[4:]
	if bvlc.Function == BVLCForwardedNPDU {
		if len(npduData) < 6 {
			return
		}
		npduData = npduData[6:]
	}

	npdu, offset, err := DecodeNPDU(npduData)
	if err != nil {
		c.logger.Debug("invalid NPDU", slog.String("error", err.Error()))
		return
	}

	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		return
	}

	apduData := npduData[offset:]
	apdu, err := DecodeAPDU(apduData)
	if err != nil {
		c.logger.Debug("invalid APDU", slog.String("error", err.Error()))
		return
	}

	c.metrics.ResponsesReceived.Inc()

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		c.handleUnconfirmedRequest(apdu, addr, npdu)

	case PDUTypeSimpleAck, PDUTypeComplexAck:
		c.handleAck(apdu, addr)

	case PDUTypeError:
		c.metrics.ErrorsReceived.Inc()
		c.handleFault(apdu, addr, c.decodeError(apdu.Data))

	case PDUTypeReject:
		c.metrics.RejectsReceived.Inc()
		c.handleFault(apdu, addr, &RejectError{InvokeID: apdu.InvokeID, Reason: RejectReason(apdu.Service)})

	case PDUTypeAbort:
		c.metrics.AbortsReceived.Inc()
		c.handleFault(apdu, addr, &AbortError{InvokeID: apdu.InvokeID, Reason: AbortReason(apdu.Service)})
	}
}

func (c *Client) handleUnconfirmedRequest(apdu *APDU, addr *net.UDPAddr, npdu *NPDU) {
	switch UnconfirmedServiceChoice(apdu.Service) {
	case ServiceIAm:
		c.handleIAm(apdu.Data, addr, npdu)

	case ServiceUnconfirmedCOVNotification:
		c.handleCOVNotification(apdu.Data)
	}
}

// handleIAm is the I-Am service handler (H): it decodes the responding
// device's identity, inserts it into the address-entry table (T3), and
// — if a caller is waiting on this specific device-id in the
// device-wait table (T2) — wakes it. Grounded on
// original_source/src/c/driver.c's I_Am_Handler, which performs the
// same address_entry_set-then-device_condition_map wake sequence.
func (c *Client) handleIAm(data []byte, addr *net.UDPAddr, npdu *NPDU) {
	c.metrics.IAmReceived.Inc()

	if len(data) < 4 {
		return
	}

	tagNum, _, length, headerLen, err := DecodeTagNumber(data)
	if err != nil || tagNum != uint8(TagObjectID) || length != 4 {
		return
	}

	oidValue := binary.BigEndian.Uint32(data[headerLen:])
	oid := DecodeObjectIdentifier(oidValue)
	if oid.Type != ObjectTypeDevice {
		return
	}

	offset := headerLen + 4
	if len(data) < offset+1 {
		return
	}
	tagNum, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil {
		return
	}
	maxAPDU := uint16(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	if len(data) < offset+1 {
		return
	}
	tagNum, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil {
		return
	}
	segmentation := Segmentation(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))
	offset += headerLen + length

	if len(data) < offset+1 {
		return
	}
	tagNum, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil {
		return
	}
	vendorID := uint16(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))

	// Grounded on the teacher's handleIAm: when the NPDU carries no
	// source specifier the I-Am came from the local network segment, so
	// the responder's address is represented with network number 0 and
	// the UDP source IP as the MAC — a placeholder that is fragile if a
	// router ever forwards such a frame unmodified, but matches
	// BACnet/IP's local-broadcast convention (documented, not "fixed",
	// per SPEC_FULL.md's resolution of this Open Question).
	var deviceAddr Address
	if npdu.Control&NPDUControlSourceSpecifier != 0 {
		deviceAddr = Address{Net: npdu.SrcNet, Addr: npdu.SrcAddr}
	} else {
		deviceAddr = Address{Net: 0, Addr: addr.IP.To4()}
	}

	entry := c.addrEntries.set(oid.Instance, deviceAddr, maxAPDU)
	newDevice := entry != nil

	c.devicesMu.Lock()
	_, existed := c.devices[oid.Instance]
	c.devices[oid.Instance] = &DeviceInfo{
		ObjectID:      oid,
		Address:       deviceAddr,
		MaxAPDULength: maxAPDU,
		Segmentation:  segmentation,
		VendorID:      vendorID,
	}
	c.devicesMu.Unlock()

	if !existed {
		c.metrics.DevicesDiscovered.Inc()
	}

	if wait, ok := c.deviceWaits.get(oid.Instance); ok {
		wait.resolve(deviceAddr)
	}

	c.logger.Debug("device discovered",
		slog.Uint64("device_id", uint64(oid.Instance)),
		slog.String("address", addr.String()),
		slog.Uint64("vendor_id", uint64(vendorID)),
		slog.Bool("new_address_entry", newDevice),
	)
}

func (c *Client) handleCOVNotification(data []byte) {
	c.metrics.COVNotifications.Inc()
}

// handleAck looks up the transaction table (T1) by invoke-id and
// signals the waiter with the decoded APDU. First ack for a given
// invoke-id wins; a duplicate is a no-op,
// matching SPEC_FULL.md §5's first-wins resolution. Per driver.c's
// My_Read_Property_Ack_Handler, the ack is only authoritative if addr
// matches the record's target: a colliding invoke-id from a different
// device still wakes the waiter, but the result is left nil rather
// than handed to the caller as real data.
func (c *Client) handleAck(apdu *APDU, addr *net.UDPAddr) {
	req, ok := c.txTable.lookup(apdu.InvokeID)
	if !ok {
		return
	}
	if !req.matchesSource(addr) {
		req.complete(requestErrored, nil, nil)
		return
	}
	req.complete(requestResponded, apdu, nil)
}

// handleFault is the shared Error/Reject/Abort handler: it looks up T1
// by invoke-id and sets the error-flag, waking the waiter exactly once.
// Spurious faults for an invoke-id with no pending record (already
// removed, or never ours) are dropped silently. A fault whose source
// doesn't match the record's target still wakes the waiter (matching
// MyErrorHandler/MyAbortHandler/MyRejectHandler's unconditional
// pthread_cond_signal) but never attaches err, so a reply from the
// wrong device can't be mistaken for this request's own fault.
func (c *Client) handleFault(apdu *APDU, addr *net.UDPAddr, err error) {
	req, ok := c.txTable.lookup(apdu.InvokeID)
	if !ok {
		return
	}
	if !req.matchesSource(addr) {
		req.complete(requestErrored, nil, nil)
		return
	}
	req.complete(requestErrored, nil, err)
}
