package gsusb

import (
	"context"
	"sync"
	"time"

	"github.com/google/gousb"
	"github.com/m20pro/m20kit/pkg/can"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// USB-direct CAN bus for adapters running gs_usb compatible firmware.
// Talks to the device with libusb, no kernel driver involved.

func init() {
	can.RegisterInterface(can.InterfaceGsUsb, NewGsUsbBus)
}

const (
	endpointIn     = 1 // 0x81
	endpointOut    = 2 // 0x02
	controlTimeout = time.Second
)

// Vendor / product IDs of known gs_usb adapters
var KnownDevices = []struct{ Vendor, Product gousb.ID }{
	{0x1d50, 0x606f}, // candleLight, Geschwister Schneider
	{0x1209, 0x2323}, // candleLight, pid.codes
	{0x1cd2, 0x606f}, // CES CANext FD
	{0x16d0, 0x10b8}, // ABE CANdebugger FD
}

var ErrDeviceNotFound = errors.New("no matching gs_usb device")

// IsKnown reports whether the IDs belong to a known gs_usb adapter
func IsKnown(vendorID uint16, productID uint16) bool {
	for _, known := range KnownDevices {
		if gousb.ID(vendorID) == known.Vendor && gousb.ID(productID) == known.Product {
			return true
		}
	}
	return false
}

func isKnown(desc *gousb.DeviceDesc) bool {
	return IsKnown(uint16(desc.Vendor), uint16(desc.Product))
}

// controller is the part of a USB device used to configure a channel
type controller interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// frameReader is the bulk IN endpoint
type frameReader interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

type Bus struct {
	logger     log.FieldLogger
	mu         sync.Mutex
	cfg        can.Config
	channel    uint8
	usbCtx     *gousb.Context
	dev        *gousb.Device
	intf       *gousb.Interface
	release    func()
	in         *gousb.InEndpoint
	out        *gousb.OutEndpoint
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	group      *errgroup.Group
	btConst    BtConst
	timing     BitTiming
}

// Open the index-th gs_usb device whose product string matches the channel.
// An empty channel matches any product.
func NewGsUsbBus(cfg can.Config) (can.Bus, error) {
	usbCtx := gousb.NewContext()
	devices, err := usbCtx.OpenDevices(isKnown)
	if err != nil && len(devices) == 0 {
		usbCtx.Close()
		return nil, errors.Wrap(err, "listing usb devices")
	}
	var selected *gousb.Device
	matches := 0
	for _, dev := range devices {
		if selected != nil {
			dev.Close()
			continue
		}
		product, _ := dev.Product()
		if cfg.Channel != "" && product != cfg.Channel {
			dev.Close()
			continue
		}
		if matches == cfg.Index {
			selected = dev
			continue
		}
		matches++
		dev.Close()
	}
	if selected == nil {
		usbCtx.Close()
		return nil, errors.Wrapf(ErrDeviceNotFound, "channel %q index %v", cfg.Channel, cfg.Index)
	}
	selected.ControlTimeout = controlTimeout
	log.Infof("[GSUSB] opened %v (bus %v, address %v)", selected.Desc.Vendor.String()+":"+selected.Desc.Product.String(), selected.Desc.Bus, selected.Desc.Address)
	return &Bus{
		logger: log.WithField("bus", "gs_usb"),
		cfg:    cfg,
		usbCtx: usbCtx,
		dev:    selected,
	}, nil
}

// "Connect" implementation of Bus interface
// An optional uint32 argument gives the mode flags (listen only, loopback, ...)
func (b *Bus) Connect(args ...any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return nil
	}
	if b.dev == nil {
		return errors.New("gs_usb device closed")
	}
	flags := FlagNormal
	if len(args) > 0 {
		if f, ok := args[0].(uint32); ok {
			flags = f
		}
	}
	if err := b.dev.SetAutoDetach(true); err != nil {
		b.logger.Debugf("[GSUSB] auto detach not supported : %v", err)
	}
	intf, release, err := b.dev.DefaultInterface()
	if err != nil {
		return errors.Wrap(err, "claiming interface")
	}
	bitrate := b.cfg.Bitrate
	if bitrate == 0 {
		bitrate = can.DefaultBitrate
	}
	btConst, timing, err := configure(b.dev, b.channel, uint16(intf.Setting.Number), bitrate, flags)
	if err != nil {
		release()
		return err
	}
	in, err := intf.InEndpoint(endpointIn)
	if err != nil {
		release()
		return errors.Wrap(err, "opening IN endpoint")
	}
	out, err := intf.OutEndpoint(endpointOut)
	if err != nil {
		release()
		return errors.Wrap(err, "opening OUT endpoint")
	}
	b.intf, b.release, b.in, b.out = intf, release, in, out
	b.btConst, b.timing = btConst, timing
	b.logger.Infof("[GSUSB] channel %v started at %v bit/s (clock %v, brp %v)", b.channel, timing.Bitrate(btConst.FclkCan), btConst.FclkCan, timing.Brp)

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	b.cancel = cancel
	b.group = group
	group.Go(func() error {
		return readLoop(ctx, in, in.Desc.MaxPacketSize, b.handle, b.logger)
	})
	return nil
}

// Set up the device : host byte order, bit timing and start the channel
func configure(dev controller, channel uint8, intfNum uint16, bitrate int, flags uint32) (BtConst, BitTiming, error) {
	const out = uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface)
	const in = uint8(gousb.ControlIn | gousb.ControlVendor | gousb.ControlInterface)

	if _, err := dev.Control(out, breqHostFormat, 1, intfNum, hostFormatPayload()); err != nil {
		return BtConst{}, BitTiming{}, errors.Wrap(err, "setting host format")
	}
	raw := make([]byte, deviceConfigSize)
	n, err := dev.Control(in, breqDeviceConfig, 1, intfNum, raw)
	if err != nil {
		return BtConst{}, BitTiming{}, errors.Wrap(err, "reading device config")
	}
	devCfg, err := parseDeviceConfig(raw[:n])
	if err != nil {
		return BtConst{}, BitTiming{}, err
	}
	if channel >= devCfg.ChannelCount {
		return BtConst{}, BitTiming{}, errors.Errorf("channel %v out of range, device has %v", channel, devCfg.ChannelCount)
	}
	raw = make([]byte, btConstSize)
	n, err = dev.Control(in, breqBtConst, uint16(channel), intfNum, raw)
	if err != nil {
		return BtConst{}, BitTiming{}, errors.Wrap(err, "reading bit timing constants")
	}
	btConst, err := parseBtConst(raw[:n])
	if err != nil {
		return BtConst{}, BitTiming{}, err
	}
	timing, err := CalcBitTiming(bitrate, btConst)
	if err != nil {
		return btConst, BitTiming{}, err
	}
	if _, err := dev.Control(out, breqBitTiming, uint16(channel), intfNum, timing.marshal()); err != nil {
		return btConst, timing, errors.Wrap(err, "setting bit timing")
	}
	if _, err := dev.Control(out, breqMode, uint16(channel), intfNum, modePayload(modeStart, flags)); err != nil {
		return btConst, timing, errors.Wrap(err, "starting channel")
	}
	return btConst, timing, nil
}

// Read host frames until context is cancelled
func readLoop(ctx context.Context, in frameReader, packetSize int, handle func(HostFrame), logger log.FieldLogger) error {
	if packetSize < HostFrameSize {
		packetSize = HostFrameSize
	}
	buf := make([]byte, packetSize)
	for {
		n, err := in.ReadContext(ctx, buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			logger.Errorf("[GSUSB] reception stopped : %v", err)
			return err
		}
		for offset := 0; offset+HostFrameSize <= n; offset += HostFrameSize {
			hf, err := UnmarshalHostFrame(buf[offset:n])
			if err != nil {
				break
			}
			handle(hf)
		}
	}
}

func (b *Bus) handle(hf HostFrame) {
	if !hf.IsRx() {
		// Echo of a frame we sent
		return
	}
	if hf.IsError() {
		b.logger.Warnf("[GSUSB] error frame : %x % x", hf.CanID, hf.Data)
	}
	b.mu.Lock()
	callback := b.rxCallback
	b.mu.Unlock()
	if callback != nil {
		callback.Handle(hf.toFrame())
	}
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	cancel, group := b.cancel, b.group
	b.cancel, b.group = nil, nil
	b.mu.Unlock()

	var result error
	if cancel != nil {
		// Reception must stop before taking the lock, handle() needs it
		cancel()
		result = group.Wait()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cancel != nil {
		const out = uint8(gousb.ControlOut | gousb.ControlVendor | gousb.ControlInterface)
		if _, err := b.dev.Control(out, breqMode, uint16(b.channel), uint16(b.intf.Setting.Number), modePayload(modeReset, 0)); err != nil && result == nil {
			result = errors.Wrap(err, "resetting channel")
		}
		b.release()
		b.in, b.out, b.intf = nil, nil, nil
	}
	if b.dev != nil {
		if err := b.dev.Close(); err != nil && result == nil {
			result = err
		}
		b.dev = nil
	}
	if b.usbCtx != nil {
		if err := b.usbCtx.Close(); err != nil && result == nil {
			result = err
		}
		b.usbCtx = nil
	}
	return result
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	out := b.out
	b.mu.Unlock()
	if out == nil {
		return errors.New("gs_usb channel not started")
	}
	_, err := out.Write(fromFrame(frame, b.channel, 0).Marshal())
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

// Timing in use, valid after Connect
func (b *Bus) BitTiming() (BtConst, BitTiming) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.btConst, b.timing
}
