// Package arm drives an AgileX Piper arm over CAN.
// The bus is obtained from an injected can.Factory so that a socketcan
// request transparently ends up on a gs_usb adapter when one is plugged in.
package arm

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/m20pro/m20kit/pkg/can"
	log "github.com/sirupsen/logrus"
)

var (
	ErrNoFeedback   = errors.New("no feedback received from arm")
	ErrNotConnected = errors.New("arm not connected")
)

const (
	jointFrameMask  uint8 = 0b111
	DefaultSpeedPct uint8 = 50
)

var jointFeedbackIds = []uint32{IdJoint12Feedback, IdJoint34Feedback, IdJoint56Feedback}
var jointCtrlIds = []uint32{IdJoint12Ctrl, IdJoint34Ctrl, IdJoint56Ctrl}

// Arm keeps the last feedback received from the arm
type Arm struct {
	*can.BusManager
	factory      can.Factory
	logger       log.FieldLogger
	mu           sync.Mutex
	status       Status
	hasStatus    bool
	joints       [NbJoints]float64
	jointFrames  uint8
	gripper      Gripper
	hasGripper   bool
	feedback     chan struct{}
	feedbackOnce sync.Once
}

func New(factory can.Factory) *Arm {
	return &Arm{
		BusManager: can.NewBusManager(nil),
		factory:    factory,
		logger:     log.WithField("component", "arm"),
		feedback:   make(chan struct{}),
	}
}

// Connect creates the bus from args, subscribes to arm feedback and waits
// until the first feedback frame arrives or ctx is done.
// The bus stays connected when ErrNoFeedback is returned.
func (a *Arm) Connect(ctx context.Context, args can.Args) error {
	bus, err := a.factory(args)
	if err != nil {
		return fmt.Errorf("creating bus : %w", err)
	}
	a.SetBus(bus)
	for _, id := range append([]uint32{IdStatusFeedback, IdGripperFeedback}, jointFeedbackIds...) {
		if err := a.BusManager.Subscribe(id, can.CanSffMask, false, a); err != nil {
			return err
		}
	}
	if err := bus.Subscribe(a.BusManager); err != nil {
		return err
	}
	if err := bus.Connect(); err != nil {
		return fmt.Errorf("connecting bus : %w", err)
	}
	a.logger.Infof("[ARM] bus connected, waiting for feedback")
	select {
	case <-a.feedback:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w : %v", ErrNoFeedback, ctx.Err())
	}
}

func (a *Arm) Disconnect() error {
	bus := a.Bus()
	if bus == nil {
		return nil
	}
	a.Unsubscribe(a)
	a.SetBus(nil)
	return bus.Disconnect()
}

// Handle arm feedback frames
func (a *Arm) Handle(frame can.Frame) {
	a.mu.Lock()
	switch frame.ID {
	case IdStatusFeedback:
		a.status = DecodeStatus(frame)
		a.hasStatus = true
	case IdJoint12Feedback, IdJoint34Feedback, IdJoint56Feedback:
		pair := int(frame.ID - IdJoint12Feedback)
		a.joints[2*pair], a.joints[2*pair+1] = DecodeJointPair(frame)
		a.jointFrames |= 1 << pair
	case IdGripperFeedback:
		a.gripper = DecodeGripper(frame)
		a.hasGripper = true
	default:
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	a.feedbackOnce.Do(func() { close(a.feedback) })
}

// Last status, false if none received yet
func (a *Arm) Status() (Status, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, a.hasStatus
}

// Last joint angles in degrees, false until every joint was reported
func (a *Arm) Joints() ([NbJoints]float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joints, a.jointFrames == jointFrameMask
}

func (a *Arm) Gripper() (Gripper, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gripper, a.hasGripper
}

// MoveJ switches the arm to CAN joint control and sends target angles in degrees
func (a *Arm) MoveJ(angles [NbJoints]float64, speedPercent uint8) error {
	if a.Bus() == nil {
		return ErrNotConnected
	}
	if err := a.Send(EncodeMotionCtrl(MoveModeJoint, speedPercent)); err != nil {
		return err
	}
	for i, id := range jointCtrlIds {
		if err := a.Send(EncodeJointPair(id, angles[2*i], angles[2*i+1])); err != nil {
			return err
		}
	}
	a.logger.Debugf("[ARM] move j %v at %v%%", angles, speedPercent)
	return nil
}
