package can

import (
	"fmt"

	log "github.com/sirupsen/logrus"
)

// candleLight / gs_usb compatible adapter
const (
	GsUsbVendorID  uint16 = 0x1d50
	GsUsbProductID uint16 = 0x606f
)

// Bitrate used when a redirected call did not specify one
const DefaultBitrate = 1_000_000

// DeviceInfo describes a connected USB device
type DeviceInfo struct {
	VendorID     uint16
	ProductID    uint16
	Product      string
	Manufacturer string
	Serial       string
	Bus          int
	Address      int
}

func (d DeviceInfo) String() string {
	s := fmt.Sprintf("%04x:%04x", d.VendorID, d.ProductID)
	if d.Product != "" {
		s += fmt.Sprintf(" %q", d.Product)
	}
	return s + fmt.Sprintf(" (bus %03d, address %03d)", d.Bus, d.Address)
}

// Prober looks up a connected USB device.
// It returns nil and no error when no device matches.
type Prober interface {
	Find(vendorID uint16, productID uint16) (*DeviceInfo, error)
}

// Redirector decorates a bus factory. Calls asking for socketcan are
// rewritten into gs_usb calls whenever a gs_usb adapter is plugged in,
// every other call is forwarded untouched.
type Redirector struct {
	next      Factory
	prober    Prober
	logger    log.FieldLogger
	VendorID  uint16
	ProductID uint16
}

func NewRedirector(next Factory, prober Prober) *Redirector {
	return &Redirector{
		next:      next,
		prober:    prober,
		logger:    log.StandardLogger(),
		VendorID:  GsUsbVendorID,
		ProductID: GsUsbProductID,
	}
}

func (r *Redirector) SetLogger(logger log.FieldLogger) {
	r.logger = logger
}

// Factory returns the redirecting factory, to be injected instead of the wrapped one
func (r *Redirector) Factory() Factory {
	return r.NewBus
}

// NewBus has the same contract as the wrapped factory.
// Errors from the wrapped factory are returned as is.
func (r *Redirector) NewBus(args Args) (Bus, error) {
	key, ok := args.selects(InterfaceSocketcan)
	if !ok {
		return r.next(args)
	}
	r.logger.Infof("[CAN] %v requested, looking for gs_usb adapter %04x:%04x", InterfaceSocketcan, r.VendorID, r.ProductID)
	dev, err := r.prober.Find(r.VendorID, r.ProductID)
	if err != nil {
		r.logger.Warnf("[CAN] usb lookup failed, keeping %v : %v", InterfaceSocketcan, err)
		return r.next(args)
	}
	if dev == nil {
		r.logger.Infof("[CAN] no gs_usb adapter found, keeping %v", InterfaceSocketcan)
		return r.next(args)
	}
	rewritten := args.Clone()
	RewriteArgs(rewritten, key, dev)
	r.logger.Infof("[CAN] redirecting to %v channel=%q index=%v bitrate=%v",
		rewritten[key], rewritten[KeyChannel], rewritten[KeyIndex], rewritten[KeyBitrate])
	return r.next(rewritten)
}

// RewriteArgs turns a socketcan call into a gs_usb call for the given device.
// matchedKey is the selector key that carried the socketcan request.
func RewriteArgs(args Args, matchedKey string, dev *DeviceInfo) {
	args[matchedKey] = string(InterfaceGsUsb)
	switch matchedKey {
	case KeyInterface:
		delete(args, KeyBustype)
	case KeyBustype:
		delete(args, KeyInterface)
	}
	args[KeyChannel] = dev.Product
	args[KeyIndex] = 0
	if _, ok := args[KeyBitrate]; !ok {
		args[KeyBitrate] = DefaultBitrate
	}
}
