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
	"log/slog"
	"net"
	"strconv"
	"time"
)

// findAndBind resolves a device instance to a datalink address,
// following original_source/src/c/driver.c's find_and_bind: look the
// device up in the address-entry table (T3) first; on a miss, broadcast
// a directed Who-Is and wait on the device-wait table (T2) until the
// resulting I-Am populates T3, or the deadline expires.
func (c *Client) findAndBind(ctx context.Context, deviceID uint32) (Address, error) {
	if entry, ok := c.addrEntries.get(deviceID); ok {
		return entry.address, nil
	}

	wait := c.deviceWaits.set(deviceID)
	defer c.deviceWaits.remove(deviceID)

	low, high := deviceID, deviceID
	data := append(EncodeContextUnsigned(0, low), EncodeContextUnsigned(1, high)...)
	if err := c.sendUnconfirmedRequest(ctx, nil, true, ServiceWhoIs, data); err != nil {
		return Address{}, err
	}
	c.metrics.WhoIsSent.Inc()

	deadline := c.opts.timeout * time.Duration(c.opts.retries+1)
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case <-wait.done:
		if entry, ok := c.addrEntries.get(deviceID); ok {
			return entry.address, nil
		}
		return Address{}, &BindError{DeviceID: deviceID}

	case <-timer.C:
		c.logger.Debug("find-and-bind timed out", slog.Uint64("device_id", uint64(deviceID)))
		return Address{}, &BindError{DeviceID: deviceID}

	case <-ctx.Done():
		return Address{}, ctx.Err()
	}
}

// ResolveInstanceForAddress resolves (and memoizes in T4) the device
// instance backing a caller-supplied IP address, mirroring
// original_source/src/c/driver.c's ip_to_instance: a gateway operator
// often knows a device only by its IP, so this issues a directed Who-Is
// at that address and waits for the matching I-Am.
func (c *Client) ResolveInstanceForAddress(ctx context.Context, ip string) (uint32, error) {
	if instance, ok := c.addrInstances.get(ip); ok {
		return instance, nil
	}

	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(ip, strconv.Itoa(DefaultPort)))
	if err != nil {
		return 0, err
	}

	if err := c.sendUnconfirmedRequest(ctx, addr, false, ServiceWhoIs, nil); err != nil {
		return 0, err
	}
	c.metrics.WhoIsSent.Inc()

	deadline := c.opts.discoverTimeout
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.devicesMu.RLock()
			for instance, dev := range c.devices {
				if addressMatches(dev.Address, Address{Addr: addr.IP.To4()}) {
					c.devicesMu.RUnlock()
					c.addrInstances.set(ip, instance)
					return instance, nil
				}
			}
			c.devicesMu.RUnlock()

		case <-timer.C:
			return 0, &BindError{DeviceID: 0}

		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// KnownAddresses returns a snapshot of the address-entry table (T3):
// every device instance bound to a datalink address so far.
func (c *Client) KnownAddresses() map[uint32]Address {
	c.addrEntries.mu.Lock()
	defer c.addrEntries.mu.Unlock()

	out := make(map[uint32]Address, len(c.addrEntries.byID))
	for id, e := range c.addrEntries.byID {
		out[id] = e.address
	}
	return out
}

// CachedInstances returns a snapshot of the address-instance map (T4):
// every IP address that has been resolved to a device instance via
// ResolveInstanceForAddress.
func (c *Client) CachedInstances() map[string]uint32 {
	c.addrInstances.mu.Lock()
	defer c.addrInstances.mu.Unlock()

	out := make(map[string]uint32, len(c.addrInstances.byAddr))
	for addr, instance := range c.addrInstances.byAddr {
		out[addr] = instance
	}
	return out
}

