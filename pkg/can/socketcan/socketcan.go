package socketcan

import (
	sockcan "github.com/brutella/can"
	"github.com/m20pro/m20kit/pkg/can"
	log "github.com/sirupsen/logrus"
)

// Basic wrapper for socketcan it uses the implementation
// that can be found here : https://github.com/brutella/can
// The bitrate is configured on the link itself e.g.
// ip link set can0 up type can bitrate 1000000

func init() {
	can.RegisterInterface(can.InterfaceSocketcan, NewSocketCanBus)
}

type SocketcanBus struct {
	bus        *sockcan.Bus
	rxCallback can.FrameListener
}

// "Connect" implementation of Bus interface
func (socketcan *SocketcanBus) Connect(...any) error {
	go func() {
		err := socketcan.bus.ConnectAndPublish()
		if err != nil {
			log.Warnf("[SOCKETCAN] reception stopped : %v", err)
		}
	}()
	return nil
}

// "Disconnect" implementation of Bus interface
func (socketcan *SocketcanBus) Disconnect() error {
	return socketcan.bus.Disconnect()
}

// "Send" implementation of Bus interface
func (socketcan *SocketcanBus) Send(frame can.Frame) error {
	return socketcan.bus.Publish(
		sockcan.Frame{
			ID:     frame.ID,
			Length: frame.DLC,
			Flags:  frame.Flags,
			Data:   frame.Data,
		})
}

// "Subscribe" implementation of Bus interface
func (socketcan *SocketcanBus) Subscribe(rxCallback can.FrameListener) error {
	socketcan.rxCallback = rxCallback
	// brutella/can defines a "Handle" interface for handling received CAN frames
	socketcan.bus.Subscribe(socketcan)
	return nil
}

// brutella/can specific "Handle" implementation
func (socketcan *SocketcanBus) Handle(frame sockcan.Frame) {
	if socketcan.rxCallback == nil {
		return
	}
	socketcan.rxCallback.Handle(can.Frame{ID: frame.ID, DLC: frame.Length, Flags: frame.Flags, Data: frame.Data})
}

func NewSocketCanBus(cfg can.Config) (can.Bus, error) {
	bus, err := sockcan.NewBusForInterfaceWithName(cfg.Channel)
	if err != nil {
		return nil, err
	}
	if cfg.Bitrate != 0 {
		log.Debugf("[SOCKETCAN] bitrate %v is set by the link configuration of %v", cfg.Bitrate, cfg.Channel)
	}
	return &SocketcanBus{bus: bus}, nil
}
