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
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// sendConfirmedRequest is the shared machinery behind every confirmed
// operation (O): allocate an invoke-id, insert the T1 record, emit the
// APDU, wait on the record's done channel with a deadline, and remove
// the record on every exit path. Grounded on
// original_source/src/c/driver.c's bacnetReadProperty/bacnetWriteProperty
// (bind -> allocate -> insert T1 -> send -> wait -> decode/error ->
// remove T1), with the Go version guaranteeing removal via defer so no
// call site can leak a T1 record (see SPEC_FULL.md §11, TSM-leak note).
func (c *Client) sendConfirmedRequest(ctx context.Context, addr *net.UDPAddr, service ConfirmedServiceChoice, data []byte) (*APDU, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	invokeID := c.nextInvokeID()
	req := newPendingRequest(invokeID, addr)
	if err := c.txTable.insert(req); err != nil {
		return nil, err
	}
	defer c.txTable.remove(req)

	apdu := EncodeConfirmedRequest(invokeID, service, data, 0, 5)
	npdu := EncodeNPDU(true, NPDUControlPriorityNormal)
	bvlc := EncodeBVLC(BVLCOriginalUnicastNPDU, len(npdu)+len(apdu))

	packet := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	packet = append(packet, bvlc...)
	packet = append(packet, npdu...)
	packet = append(packet, apdu...)

	start := time.Now()
	c.metrics.RequestsSent.Inc()
	c.metrics.ActiveRequests.Inc()
	defer c.metrics.ActiveRequests.Dec()

	if err := c.transport.Send(ctx, addr, packet); err != nil {
		c.metrics.RequestsFailed.Inc()
		return nil, fmt.Errorf("send request: %w", err)
	}
	c.metrics.BytesSent.Add(int64(len(packet)))

	deadline := c.opts.timeout * time.Duration(c.opts.retries+1)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		c.metrics.RequestsTimedOut.Inc()
		return nil, ErrTimeout

	case <-timer.C:
		c.metrics.RequestsTimedOut.Inc()
		return nil, ErrTimeout

	case <-req.done:
		elapsed := time.Since(start)
		c.metrics.RequestLatency.Record(elapsed)
		if c.promMetrics != nil {
			c.promMetrics.RequestLatency.Observe(elapsed.Seconds())
		}

		_, result, err := req.snapshot()
		if err != nil {
			c.metrics.RequestsFailed.Inc()
			return nil, err
		}
		if result == nil {
			return nil, ErrConnectionClosed
		}

		switch result.Type {
		case PDUTypeSimpleAck, PDUTypeComplexAck:
			c.metrics.RequestsSucceeded.Inc()
			return result, nil
		default:
			c.metrics.RequestsFailed.Inc()
			return nil, fmt.Errorf("%w: unexpected PDU type %02x", ErrInvalidResponse, result.Type)
		}
	}
}

func (c *Client) decodeError(data []byte) error {
	if len(data) < 2 {
		return ErrInvalidResponse
	}

	_, _, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return ErrInvalidResponse
	}
	errorClass := ErrorClass(DecodeUnsigned(data[headerLen : headerLen+length]))

	offset := headerLen + length
	_, _, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil {
		return ErrInvalidResponse
	}
	errorCode := ErrorCode(DecodeUnsigned(data[offset+headerLen : offset+headerLen+length]))

	return NewBACnetError(errorClass, errorCode)
}

// sendUnconfirmedRequest emits an unconfirmed APDU, optionally as a
// BACnet/IP broadcast (used by Who-Is).
func (c *Client) sendUnconfirmedRequest(ctx context.Context, addr *net.UDPAddr, broadcast bool, service UnconfirmedServiceChoice, data []byte) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}

	apdu := EncodeUnconfirmedRequest(service, data)
	npdu := EncodeNPDU(false, NPDUControlPriorityNormal)

	var bvlcFunc BVLCFunction
	if broadcast {
		bvlcFunc = BVLCOriginalBroadcastNPDU
	} else {
		bvlcFunc = BVLCOriginalUnicastNPDU
	}
	bvlc := EncodeBVLC(bvlcFunc, len(npdu)+len(apdu))

	packet := make([]byte, 0, len(bvlc)+len(npdu)+len(apdu))
	packet = append(packet, bvlc...)
	packet = append(packet, npdu...)
	packet = append(packet, apdu...)

	c.metrics.RequestsSent.Inc()

	var err error
	if broadcast {
		err = c.transport.Broadcast(ctx, DefaultPort, packet)
	} else {
		err = c.transport.Send(ctx, addr, packet)
	}
	if err != nil {
		c.metrics.RequestsFailed.Inc()
		return fmt.Errorf("send unconfirmed request: %w", err)
	}

	c.metrics.BytesSent.Add(int64(len(packet)))
	c.metrics.RequestsSucceeded.Inc()
	return nil
}

// WhoIs broadcasts a Who-Is request, waits out the discovery window on a
// broadcast T1 record (InvokeID == NoInvokeID), and then returns every
// device in the client's device cache, including devices found by
// earlier scans (O: who-is).
func (c *Client) WhoIs(ctx context.Context, opts ...DiscoverOption) ([]*DeviceInfo, error) {
	options := defaultDiscoverOptions()
	for _, opt := range opts {
		opt(options)
	}

	req := newPendingRequest(NoInvokeID, nil)
	if err := c.txTable.insert(req); err != nil {
		return nil, err
	}
	defer c.txTable.remove(req)

	var data []byte
	if options.LowLimit != nil && options.HighLimit != nil {
		data = append(data, EncodeContextUnsigned(0, *options.LowLimit)...)
		data = append(data, EncodeContextUnsigned(1, *options.HighLimit)...)
	}

	if err := c.sendUnconfirmedRequest(ctx, nil, true, ServiceWhoIs, data); err != nil {
		return nil, err
	}
	c.metrics.WhoIsSent.Inc()

	select {
	case <-time.After(options.Timeout):
	case <-req.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.devicesMu.RLock()
	devices := make([]*DeviceInfo, 0, len(c.devices))
	for _, dev := range c.devices {
		devices = append(devices, dev)
	}
	c.devicesMu.RUnlock()

	return devices, nil
}

// ReadProperty reads a single property from a BACnet object (O:
// read-property). Composes find-and-bind with sendConfirmedRequest
// exactly per SPEC_FULL.md §2's data flow.
func (c *Client) ReadProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, opts ...ReadOption) (interface{}, error) {
	options := &ReadOptions{}
	for _, opt := range opts {
		opt(options)
	}

	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 16)
	data = append(data, EncodeContextObjectIdentifier(0, objectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(propertyID))...)
	if options.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *options.ArrayIndex)...)
	}

	resp, err := c.sendConfirmedRequest(ctx, addr, ServiceReadProperty, data)
	if err != nil {
		return nil, err
	}

	return c.decodeReadPropertyResponse(resp.Data)
}

func (c *Client) decodeReadPropertyResponse(data []byte) (interface{}, error) {
	if len(data) < 8 {
		return nil, ErrInvalidResponse
	}

	offset := 0

	tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 0 || class != TagClassContext {
		return nil, ErrInvalidResponse
	}
	offset += headerLen + length

	tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 1 || class != TagClassContext {
		return nil, ErrInvalidResponse
	}
	offset += headerLen + length

	if len(data) > offset {
		tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
		if err == nil && tagNum == 2 && class == TagClassContext {
			offset += headerLen + length
		}
	}

	if len(data) <= offset {
		return nil, ErrInvalidResponse
	}
	tagNum, class, length, _, err = DecodeTagNumber(data[offset:])
	if err != nil || tagNum != 3 || class != TagClassContext || length != -1 {
		return nil, ErrInvalidResponse
	}
	offset++

	return c.decodePropertyValue(data[offset:])
}

func (c *Client) decodePropertyValue(data []byte) (interface{}, error) {
	if len(data) < 1 {
		return nil, ErrInvalidResponse
	}

	tagNum, class, length, headerLen, err := DecodeTagNumber(data)
	if err != nil {
		return nil, err
	}

	if length == -2 {
		return nil, nil
	}

	if class == TagClassApplication {
		// An application-tagged boolean carries its value in the tag's
		// length field and has no content bytes to slice.
		if ApplicationTag(tagNum) == TagBoolean {
			return length == 1, nil
		}
		valueData := data[headerLen : headerLen+length]

		switch ApplicationTag(tagNum) {
		case TagNull:
			return nil, nil
		case TagUnsignedInt:
			return DecodeUnsigned(valueData), nil
		case TagSignedInt:
			return DecodeSigned(valueData), nil
		case TagReal:
			return DecodeReal(valueData), nil
		case TagDouble:
			return DecodeDouble(valueData), nil
		case TagOctetString:
			return valueData, nil
		case TagCharacterString:
			return DecodeCharacterString(valueData), nil
		case TagEnumerated:
			return DecodeUnsigned(valueData), nil
		case TagObjectID:
			oidValue := binary.BigEndian.Uint32(valueData)
			return DecodeObjectIdentifier(oidValue), nil
		default:
			return valueData, nil
		}
	}

	return data[headerLen : headerLen+length], nil
}

// WriteProperty writes a property on a BACnet object (O: write-property).
func (c *Client) WriteProperty(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, propertyID PropertyIdentifier, value interface{}, opts ...WriteOption) error {
	options := &WriteOptions{}
	for _, opt := range opts {
		opt(options)
	}

	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	data := make([]byte, 0, 32)
	data = append(data, EncodeContextObjectIdentifier(0, objectID)...)
	data = append(data, EncodeContextEnumerated(1, uint32(propertyID))...)

	if options.ArrayIndex != nil {
		data = append(data, EncodeContextUnsigned(2, *options.ArrayIndex)...)
	}

	data = append(data, EncodeOpeningTag(3)...)
	encodedValue, err := c.encodePropertyValue(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	data = append(data, encodedValue...)
	data = append(data, EncodeClosingTag(3)...)

	if options.Priority != nil {
		data = append(data, EncodeContextUnsigned(4, uint32(*options.Priority))...)
	}

	_, err = c.sendConfirmedRequest(ctx, addr, ServiceWriteProperty, data)
	return err
}

func (c *Client) encodePropertyValue(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case nil:
		return []byte{0x00}, nil
	case bool:
		return EncodeBooleanTag(v), nil
	case int:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		data := EncodeSigned(int32(v))
		tag := EncodeTag(uint8(TagSignedInt), TagClassApplication, len(data))
		return append(tag, data...), nil
	case int32:
		if v >= 0 {
			return EncodeUnsignedTag(uint32(v)), nil
		}
		data := EncodeSigned(v)
		tag := EncodeTag(uint8(TagSignedInt), TagClassApplication, len(data))
		return append(tag, data...), nil
	case uint32:
		return EncodeUnsignedTag(v), nil
	case float32:
		return EncodeRealTag(v), nil
	case float64:
		data := EncodeDouble(v)
		tag := EncodeTag(uint8(TagDouble), TagClassApplication, len(data))
		return append(tag, data...), nil
	case string:
		return EncodeCharacterStringTag(v), nil
	case ObjectIdentifier:
		return EncodeObjectIdentifierTag(v), nil
	default:
		return nil, fmt.Errorf("unsupported value type: %T", value)
	}
}
