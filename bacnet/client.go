package bacnet

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edgeo/drivers/bacnet/bacnet/internal/transport"
)

// ConnectionState represents the client connection state
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Client is a BACnet/IP client. Beyond the transport and options it
// carries the four correlation tables that drive every confirmed and
// unconfirmed exchange: txTable (T1, pending confirmed requests),
// deviceWaits (T2, callers blocked on a device-id's I-Am), addrEntries
// (T3, known device addresses) and addrInstances (T4, IP-to-instance
// memoization). See DESIGN.md for how each is grounded.
type Client struct {
	opts      *clientOptions
	transport *transport.UDPTransport

	state    atomic.Int32
	invokeID atomic.Uint32

	txTable       *transactionTable
	deviceWaits   *deviceWaitTable
	addrEntries   *addressEntryTable
	addrInstances *addressInstanceMap

	// Discovered devices (public cache backing GetDevice/WhoIs)
	devicesMu sync.RWMutex
	devices   map[uint32]*DeviceInfo

	// COV subscriptions
	covMu   sync.RWMutex
	covSubs map[uint32]COVHandler

	metrics     *Metrics
	promMetrics *PromMetrics
	logger      *slog.Logger

	receiverCtx    context.Context
	receiverCancel context.CancelFunc
	receiverDone   chan struct{}
}

// COVHandler is the callback type that SubscribeCOV registers. The
// receiver does not decode COV notifications: an incoming notification
// only increments Metrics.COVNotifications, and no registered handler
// is called.
type COVHandler func(deviceID uint32, objectID ObjectIdentifier, values []PropertyValue)

// NewClient creates a new BACnet client
func NewClient(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		opts:          options,
		txTable:       newTransactionTable(options.maxPendingRequests),
		deviceWaits:   newDeviceWaitTable(),
		addrEntries:   newAddressEntryTable(),
		addrInstances: newAddressInstanceMap(),
		devices:       make(map[uint32]*DeviceInfo),
		covSubs:       make(map[uint32]COVHandler),
		metrics:       NewMetrics(),
		logger:        options.logger,
	}

	c.transport = transport.NewUDPTransport(options.localAddress)
	c.transport.SetReadTimeout(options.timeout)
	c.transport.SetWriteTimeout(options.timeout)

	return c, nil
}

// Connect opens the BACnet client connection
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	c.metrics.ConnectAttempts.Inc()

	if err := c.transport.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		c.metrics.ConnectFailures.Inc()
		return fmt.Errorf("open transport: %w", err)
	}

	c.receiverCtx, c.receiverCancel = context.WithCancel(context.Background())
	c.receiverDone = make(chan struct{})
	go c.receiver()

	c.state.Store(int32(StateConnected))
	c.metrics.ConnectSuccesses.Inc()

	c.logger.Info("connected",
		slog.String("local_addr", c.transport.LocalAddr().String()),
	)

	if c.opts.bbmdAddress != "" {
		if err := c.registerForeignDevice(ctx); err != nil {
			c.logger.Warn("failed to register as foreign device",
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

// Close closes the BACnet client connection
func (c *Client) Close() error {
	if c.state.Load() == int32(StateDisconnected) {
		return nil
	}

	c.state.Store(int32(StateDisconnected))
	c.metrics.Disconnects.Inc()

	if c.receiverCancel != nil {
		c.receiverCancel()
		<-c.receiverDone
	}

	c.txTable.drain(ErrConnectionClosed)
	c.deviceWaits.drain()

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}

	c.logger.Info("disconnected")
	return nil
}

// State returns the current connection state
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// EnablePrometheusMetrics registers a Prometheus collector for every
// field of the client's internal Metrics under reg (nil uses
// prometheus.DefaultRegisterer) and returns it so the caller can mount
// promhttp.Handler against whichever registry was used. Safe to call at
// most once per Client; a second call panics via reg.MustRegister on
// the duplicate collector names, matching promauto's own behavior.
func (c *Client) EnablePrometheusMetrics(reg prometheus.Registerer) *PromMetrics {
	c.promMetrics = NewPromMetrics(reg, c.metrics)
	return c.promMetrics
}

// nextInvokeID returns the next invoke ID, skipping NoInvokeID, which is
// reserved for broadcast T1 records
func (c *Client) nextInvokeID() uint8 {
	for {
		id := uint8(c.invokeID.Add(1) & 0xFF)
		if id != NoInvokeID {
			return id
		}
	}
}

// registerForeignDevice registers as a foreign device with the BBMD
func (c *Client) registerForeignDevice(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", c.opts.bbmdAddress, c.opts.bbmdPort))
	if err != nil {
		return fmt.Errorf("resolve BBMD address: %w", err)
	}

	ttl := uint16(c.opts.foreignDeviceTTL.Seconds())

	data := make([]byte, 6)
	data[0] = byte(BVLCTypeBACnetIP)
	data[1] = byte(BVLCRegisterForeignDevice)
	binary.BigEndian.PutUint16(data[2:], 6)
	binary.BigEndian.PutUint16(data[4:], ttl)

	if err := c.transport.Send(ctx, addr, data); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	c.logger.Info("registered as foreign device",
		slog.String("bbmd", addr.String()),
		slog.Duration("ttl", c.opts.foreignDeviceTTL),
	)

	return nil
}

// GetDevice returns information about a discovered device
func (c *Client) GetDevice(deviceID uint32) (*DeviceInfo, bool) {
	c.devicesMu.RLock()
	defer c.devicesMu.RUnlock()
	dev, ok := c.devices[deviceID]
	return dev, ok
}

// resolveDevice resolves a device ID to its datalink address, going
// through find-and-bind (F) so every caller shares the same address
// cache (T3), and concurrent lookups of one device share one T2 wait
// record. Each call that misses T3 still broadcasts its own Who-Is.
func (c *Client) resolveDevice(ctx context.Context, deviceID uint32) (*net.UDPAddr, error) {
	addr, err := c.findAndBind(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	if len(addr.Addr) == 4 {
		return &net.UDPAddr{
			IP:   net.IP(addr.Addr),
			Port: DefaultPort,
		}, nil
	} else if len(addr.Addr) == 6 {
		return &net.UDPAddr{
			IP:   net.IP(addr.Addr[:4]),
			Port: int(binary.BigEndian.Uint16(addr.Addr[4:])),
		}, nil
	}

	return nil, fmt.Errorf("invalid device address format")
}

// ReadPropertyMultiple reads multiple properties from one or more objects
func (c *Client) ReadPropertyMultiple(ctx context.Context, deviceID uint32, requests []ReadPropertyRequest) ([]PropertyValue, error) {
	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, 64)

	objectRequests := make(map[ObjectIdentifier][]ReadPropertyRequest)
	for _, req := range requests {
		objectRequests[req.ObjectID] = append(objectRequests[req.ObjectID], req)
	}

	for oid, reqs := range objectRequests {
		data = append(data, EncodeContextObjectIdentifier(0, oid)...)
		data = append(data, EncodeOpeningTag(1)...)
		for _, req := range reqs {
			data = append(data, EncodeContextEnumerated(0, uint32(req.PropertyID))...)
			if req.ArrayIndex != nil {
				data = append(data, EncodeContextUnsigned(1, *req.ArrayIndex)...)
			}
		}
		data = append(data, EncodeClosingTag(1)...)
	}

	resp, err := c.sendConfirmedRequest(ctx, addr, ServiceReadPropertyMultiple, data)
	if err != nil {
		return nil, err
	}

	return c.decodeReadPropertyMultipleResponse(resp.Data)
}

// decodeReadPropertyMultipleResponse decodes a ReadPropertyMultiple response
func (c *Client) decodeReadPropertyMultipleResponse(data []byte) ([]PropertyValue, error) {
	var results []PropertyValue
	offset := 0

	for offset < len(data) {
		tagNum, class, length, headerLen, err := DecodeTagNumber(data[offset:])
		if err != nil {
			break
		}
		if tagNum != 0 || class != TagClassContext {
			break
		}

		oidValue := binary.BigEndian.Uint32(data[offset+headerLen:])
		oid := DecodeObjectIdentifier(oidValue)
		offset += headerLen + length

		tagNum, class, length, _, err = DecodeTagNumber(data[offset:])
		if err != nil || tagNum != 1 || class != TagClassContext || length != -1 {
			break
		}
		offset++

		for offset < len(data) {
			tagNum, class, length, _, err = DecodeTagNumber(data[offset:])
			if err != nil {
				break
			}

			if length == -2 && tagNum == 1 {
				offset++
				break
			}

			if tagNum != 2 || class != TagClassContext {
				offset++
				continue
			}
			offset += headerLen
			propID := PropertyIdentifier(DecodeUnsigned(data[offset : offset+length]))
			offset += length

			var arrayIndex *uint32
			tagNum, class, length, headerLen, err = DecodeTagNumber(data[offset:])
			if err == nil && tagNum == 3 && class == TagClassContext {
				idx := DecodeUnsigned(data[offset+headerLen : offset+headerLen+length])
				arrayIndex = &idx
				offset += headerLen + length
			}

			tagNum, class, length, _, err = DecodeTagNumber(data[offset:])
			if err != nil {
				break
			}

			if tagNum == 4 && class == TagClassContext && length == -1 {
				offset++
				value, _ := c.decodePropertyValue(data[offset:])

				for offset < len(data) {
					_, _, l, h, _ := DecodeTagNumber(data[offset:])
					offset += h
					if l == -2 {
						break
					}
					if l > 0 {
						offset += l
					}
				}

				results = append(results, PropertyValue{
					ObjectID:   oid,
					PropertyID: propID,
					ArrayIndex: arrayIndex,
					Value:      value,
				})
			} else if tagNum == 5 && class == TagClassContext && length == -1 {
				offset++
				for offset < len(data) {
					_, _, l, h, _ := DecodeTagNumber(data[offset:])
					offset += h
					if l == -2 {
						break
					}
					if l > 0 {
						offset += l
					}
				}
			}
		}
	}

	return results, nil
}

// SubscribeCOV subscribes to COV (Change of Value) notifications
func (c *Client) SubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, handler COVHandler, opts ...SubscribeOption) (uint32, error) {
	options := &SubscribeOptions{
		Confirmed: false,
	}
	for _, opt := range opts {
		opt(options)
	}

	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return 0, err
	}

	subID := uint32(c.nextInvokeID())

	data := make([]byte, 0, 32)
	data = append(data, EncodeContextUnsigned(0, subID)...)
	data = append(data, EncodeContextObjectIdentifier(1, objectID)...)

	if options.Confirmed {
		data = append(data, EncodeContextBoolean(2, true)...)
	}

	if options.Lifetime != nil {
		data = append(data, EncodeContextUnsigned(3, *options.Lifetime)...)
	}

	_, err = c.sendConfirmedRequest(ctx, addr, ServiceSubscribeCOV, data)
	if err != nil {
		return 0, err
	}

	c.covMu.Lock()
	c.covSubs[subID] = handler
	c.covMu.Unlock()

	c.metrics.COVSubscriptions.Inc()
	c.metrics.ActiveSubscriptions.Inc()

	return subID, nil
}

// UnsubscribeCOV unsubscribes from COV notifications
func (c *Client) UnsubscribeCOV(ctx context.Context, deviceID uint32, objectID ObjectIdentifier, subID uint32) error {
	addr, err := c.resolveDevice(ctx, deviceID)
	if err != nil {
		return err
	}

	data := make([]byte, 0, 16)
	data = append(data, EncodeContextUnsigned(0, subID)...)
	data = append(data, EncodeContextObjectIdentifier(1, objectID)...)

	_, err = c.sendConfirmedRequest(ctx, addr, ServiceSubscribeCOV, data)
	if err != nil {
		return err
	}

	c.covMu.Lock()
	delete(c.covSubs, subID)
	c.covMu.Unlock()

	c.metrics.ActiveSubscriptions.Dec()

	return nil
}

// GetObjectList retrieves the list of objects from a device
func (c *Client) GetObjectList(ctx context.Context, deviceID uint32) ([]ObjectIdentifier, error) {
	lengthVal, err := c.ReadProperty(ctx, deviceID,
		NewObjectIdentifier(ObjectTypeDevice, deviceID),
		PropertyObjectList,
		WithArrayIndex(0),
	)
	if err != nil {
		return nil, err
	}

	length, ok := lengthVal.(uint32)
	if !ok {
		return nil, fmt.Errorf("unexpected object-list length type: %T", lengthVal)
	}

	objects := make([]ObjectIdentifier, 0, length)
	for i := uint32(1); i <= length; i++ {
		val, err := c.ReadProperty(ctx, deviceID,
			NewObjectIdentifier(ObjectTypeDevice, deviceID),
			PropertyObjectList,
			WithArrayIndex(i),
		)
		if err != nil {
			continue
		}

		if oid, ok := val.(ObjectIdentifier); ok {
			objects = append(objects, oid)
		}
	}

	return objects, nil
}
