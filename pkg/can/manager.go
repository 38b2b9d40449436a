package can

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"
)

var ErrNoBus = errors.New("no bus attached")

// Bus manager is a wrapper around the CAN bus interface
// Used by clients to dispatch frames with specific IDs to their listeners
type BusManager struct {
	mu             sync.Mutex
	bus            Bus // Bus interface that can be adapted
	frameListeners map[uint32][]FrameListener
	anyListeners   []FrameListener
}

// Implements the FrameListener interface
// This handles all received CAN frames from Bus
func (bm *BusManager) Handle(frame Frame) {
	bm.mu.Lock()
	listeners := append([]FrameListener{}, bm.frameListeners[frame.ID]...)
	listeners = append(listeners, bm.anyListeners...)
	bm.mu.Unlock()
	for _, listener := range listeners {
		listener.Handle(frame)
	}
}

// Set bus
func (bm *BusManager) SetBus(bus Bus) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.bus = bus
}

func (bm *BusManager) Bus() Bus {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	return bm.bus
}

// Send a CAN message
// Limited error handling
func (bm *BusManager) Send(frame Frame) error {
	bus := bm.Bus()
	if bus == nil {
		return ErrNoBus
	}
	err := bus.Send(frame)
	if err != nil {
		log.Warnf("[CAN] %v", err)
	}
	return err
}

// Subscribe to a specific CAN ID
func (bm *BusManager) Subscribe(ident uint32, mask uint32, rtr bool, callback FrameListener) error {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	ident = ident & mask
	if rtr {
		ident |= CanRtrFlag
	}
	// Verify that we are not adding the same one twice
	for _, listener := range bm.frameListeners[ident] {
		if listener == callback {
			log.Warnf("[CAN] callback for frame id %x already added", ident)
			return nil
		}
	}
	bm.frameListeners[ident] = append(bm.frameListeners[ident], callback)
	return nil
}

// Subscribe to every received frame
func (bm *BusManager) SubscribeAll(callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	bm.anyListeners = append(bm.anyListeners, callback)
}

// Remove a listener from every ID it was subscribed to
func (bm *BusManager) Unsubscribe(callback FrameListener) {
	bm.mu.Lock()
	defer bm.mu.Unlock()
	for ident, listeners := range bm.frameListeners {
		kept := listeners[:0]
		for _, listener := range listeners {
			if listener != callback {
				kept = append(kept, listener)
			}
		}
		if len(kept) == 0 {
			delete(bm.frameListeners, ident)
		} else {
			bm.frameListeners[ident] = kept
		}
	}
	kept := bm.anyListeners[:0]
	for _, listener := range bm.anyListeners {
		if listener != callback {
			kept = append(kept, listener)
		}
	}
	bm.anyListeners = kept
}

func NewBusManager(bus Bus) *BusManager {
	bm := &BusManager{
		bus:            bus,
		frameListeners: make(map[uint32][]FrameListener),
	}
	return bm
}
