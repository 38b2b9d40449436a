package can

import (
	"fmt"
	"sort"
)

const CanEffFlag uint32 = 0x80000000
const CanRtrFlag uint32 = 0x40000000
const CanErrFlag uint32 = 0x20000000
const CanSffMask uint32 = 0x000007FF
const CanEffMask uint32 = 0x1FFFFFFF

// A CAN frame
type Frame struct {
	ID    uint32
	Flags uint8
	DLC   uint8
	Data  [8]byte
}

func NewFrame(id uint32, flags uint8, dlc uint8) Frame {
	return Frame{ID: id, Flags: flags, DLC: dlc}
}

func (f Frame) String() string {
	return fmt.Sprintf("%03X [%d] % X", f.ID&CanEffMask, f.DLC, f.Data[:min(int(f.DLC), 8)])
}

// Interface for handling a received CAN frame
type FrameListener interface {
	Handle(frame Frame)
}

// A CAN Bus interface
type Bus interface {
	Connect(...any) error                   // Connect to the CAN bus
	Disconnect() error                      // Disconnect from CAN bus
	Send(frame Frame) error                 // Send a frame on the bus
	Subscribe(callback FrameListener) error // Subscribe to all received CAN frames
}

// Interface identifies a transport backend
type Interface string

const (
	InterfaceSocketcan Interface = "socketcan"
	InterfaceGsUsb     Interface = "gs_usb"
	InterfaceSlcan     Interface = "slcan"
	InterfaceVirtual   Interface = "virtual"
)

// Config is the resolved set of parameters a backend is created with
type Config struct {
	Interface Interface
	Channel   string
	Index     int
	Bitrate   int
}

type NewInterfaceFunc func(cfg Config) (Bus, error)

var interfaceRegistry = make(map[Interface]NewInterfaceFunc)

// Register a new CAN bus interface type
// This should be called inside an init() function of plugin
func RegisterInterface(interfaceType Interface, newInterface NewInterfaceFunc) {
	interfaceRegistry[interfaceType] = newInterface
}

// Names of all registered interfaces, sorted
func Interfaces() []string {
	names := make([]string, 0, len(interfaceRegistry))
	for name := range interfaceRegistry {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}

// Create a new CAN bus with given interface
func NewBus(canInterface string, channel string, bitrate int) (Bus, error) {
	return NewBusWithConfig(Config{Interface: Interface(canInterface), Channel: channel, Bitrate: bitrate})
}

// Create a new CAN bus from a resolved configuration
func NewBusWithConfig(cfg Config) (Bus, error) {
	createInterface, ok := interfaceRegistry[cfg.Interface]
	if !ok {
		return nil, fmt.Errorf("unsupported interface : %v", cfg.Interface)
	}
	return createInterface(cfg)
}
