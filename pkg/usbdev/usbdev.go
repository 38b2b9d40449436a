// Package usbdev looks up USB devices with libusb.
// Probe is the can.Prober used to decide whether a socketcan request
// should be redirected to a gs_usb adapter.
package usbdev

import (
	"github.com/google/gousb"
	"github.com/m20pro/m20kit/pkg/can"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Probe opens a fresh libusb context for every lookup, nothing is cached
type Probe struct {
	// libusb debug level, 0 is silent
	Debug int
}

var _ can.Prober = Probe{}

func (p Probe) context() *gousb.Context {
	ctx := gousb.NewContext()
	if p.Debug > 0 {
		ctx.Debug(p.Debug)
	}
	return ctx
}

// Find returns the first device with the given IDs or nil if none is connected
func (p Probe) Find(vendorID uint16, productID uint16) (*can.DeviceInfo, error) {
	ctx := p.context()
	defer ctx.Close()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vendorID), gousb.ID(productID))
	if dev == nil {
		if err != nil {
			return nil, errors.Wrapf(err, "opening %04x:%04x", vendorID, productID)
		}
		return nil, nil
	}
	defer dev.Close()
	if err != nil {
		// Other devices could not be opened, the one returned is usable
		log.Debugf("[USB] %04x:%04x : %v", vendorID, productID, err)
	}
	return describe(dev), nil
}

// List all connected devices accepted by match, strings are read when
// the device can be opened
func (p Probe) List(match func(vendorID uint16, productID uint16) bool) ([]can.DeviceInfo, error) {
	ctx := p.context()
	defer ctx.Close()
	devices, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return match(uint16(desc.Vendor), uint16(desc.Product))
	})
	infos := make([]can.DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, *describe(dev))
		dev.Close()
	}
	if err != nil && len(devices) == 0 {
		return nil, errors.Wrap(err, "listing usb devices")
	}
	return infos, nil
}

// Reset detaches the kernel driver and resets the USB port of the device so
// that it can be claimed again. Returns nil info when no device is connected.
func (p Probe) Reset(vendorID uint16, productID uint16) (*can.DeviceInfo, error) {
	ctx := p.context()
	defer ctx.Close()
	dev, err := ctx.OpenDeviceWithVIDPID(gousb.ID(vendorID), gousb.ID(productID))
	if dev == nil {
		if err != nil {
			return nil, errors.Wrapf(err, "opening %04x:%04x", vendorID, productID)
		}
		return nil, nil
	}
	defer dev.Close()
	info := describe(dev)
	if err := dev.SetAutoDetach(true); err != nil {
		log.Warnf("[USB] could not enable kernel driver auto detach : %v", err)
	}
	log.Infof("[USB] resetting %v", info)
	if err := dev.Reset(); err != nil {
		return info, errors.Wrapf(err, "resetting %v", info)
	}
	return info, nil
}

func describe(dev *gousb.Device) *can.DeviceInfo {
	info := &can.DeviceInfo{
		VendorID:  uint16(dev.Desc.Vendor),
		ProductID: uint16(dev.Desc.Product),
		Bus:       dev.Desc.Bus,
		Address:   dev.Desc.Address,
	}
	var err error
	if info.Product, err = dev.Product(); err != nil {
		log.Debugf("[USB] no product string for %04x:%04x : %v", info.VendorID, info.ProductID, err)
	}
	info.Manufacturer, _ = dev.Manufacturer()
	info.Serial, _ = dev.SerialNumber()
	return info
}
