package arm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/m20pro/m20kit/pkg/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Bus replaying feedback frames on connect
type fakeBus struct {
	mu        sync.Mutex
	listener  can.FrameListener
	feedback  []can.Frame
	sent      []can.Frame
	connected bool
}

func (b *fakeBus) Connect(...any) error {
	b.mu.Lock()
	b.connected = true
	listener := b.listener
	b.mu.Unlock()
	for _, frame := range b.feedback {
		listener.Handle(frame)
	}
	return nil
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

func (b *fakeBus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, frame)
	return nil
}

func (b *fakeBus) Subscribe(listener can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listener = listener
	return nil
}

func frame(id uint32, data ...byte) can.Frame {
	f := can.NewFrame(id, 0, uint8(len(data)))
	copy(f.Data[:], data)
	return f
}

var feedbackFrames = []can.Frame{
	frame(IdStatusFeedback, 0x01, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02),
	frame(IdJoint12Feedback, 0x00, 0x00, 0x3A, 0x98, 0xFF, 0xFF, 0xC5, 0x68),
	frame(IdJoint34Feedback, 0, 0, 0, 0, 0, 0, 0, 0),
	frame(IdJoint56Feedback, 0x00, 0x01, 0x5F, 0x90, 0x00, 0x00, 0x00, 0x01),
	frame(IdGripperFeedback, 0x00, 0x00, 0x27, 0x10, 0x01, 0xF4, 0x40, 0x00),
	// Unrelated traffic
	frame(0x251, 1, 2, 3),
}

func staticFactory(bus can.Bus) can.Factory {
	return func(can.Args) (can.Bus, error) { return bus, nil }
}

func TestConnectFeedback(t *testing.T) {
	bus := &fakeBus{feedback: feedbackFrames}
	a := New(staticFactory(bus))
	_, ok := a.Status()
	assert.False(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.Nil(t, a.Connect(ctx, can.Args{can.KeyInterface: "socketcan", can.KeyChannel: "can0"}))

	status, ok := a.Status()
	assert.True(t, ok)
	assert.Equal(t, CtrlModeCan, status.CtrlMode)
	assert.EqualValues(t, 0x0002, status.ErrCode)
	assert.Equal(t, []int{2}, status.JointErrors())

	joints, ok := a.Joints()
	assert.True(t, ok)
	assert.InDelta(t, 15.0, joints[0], 1e-9)
	assert.InDelta(t, -15.0, joints[1], 1e-9)
	assert.InDelta(t, 90.0, joints[4], 1e-9)
	assert.InDelta(t, 0.001, joints[5], 1e-9)

	gripper, ok := a.Gripper()
	assert.True(t, ok)
	assert.InDelta(t, 10.0, gripper.StrokeMm, 1e-9)
	assert.InDelta(t, 0.5, gripper.EffortNm, 1e-9)
	assert.EqualValues(t, 0x40, gripper.Status)

	assert.Nil(t, a.Disconnect())
	assert.False(t, bus.connected)
	assert.Nil(t, a.Disconnect())
}

func TestJointsIncomplete(t *testing.T) {
	bus := &fakeBus{feedback: feedbackFrames[1:2]}
	a := New(staticFactory(bus))
	require.Nil(t, a.Connect(context.Background(), can.Args{}))
	_, ok := a.Joints()
	assert.False(t, ok)
	_, ok = a.Gripper()
	assert.False(t, ok)
}

func TestConnectNoFeedback(t *testing.T) {
	a := New(staticFactory(&fakeBus{}))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := a.Connect(ctx, can.Args{})
	assert.ErrorIs(t, err, ErrNoFeedback)
}

func TestConnectFactoryError(t *testing.T) {
	factoryErr := errors.New("no such device")
	a := New(func(can.Args) (can.Bus, error) { return nil, factoryErr })
	assert.ErrorIs(t, a.Connect(context.Background(), can.Args{}), factoryErr)
}

func TestMoveJ(t *testing.T) {
	a := New(staticFactory(&fakeBus{}))
	assert.Equal(t, ErrNotConnected, a.MoveJ([NbJoints]float64{}, 10))

	bus := &fakeBus{feedback: feedbackFrames}
	a = New(staticFactory(bus))
	require.Nil(t, a.Connect(context.Background(), can.Args{}))
	assert.Nil(t, a.MoveJ([NbJoints]float64{15, -15, 0, 0, 90, 0.001}, 120))

	require.Len(t, bus.sent, 4)
	assert.Equal(t, frame(IdMotionCtrl, 0x01, 0x01, 100, 0, 0, 0, 0, 0), bus.sent[0])
	assert.Equal(t, frame(IdJoint12Ctrl, 0x00, 0x00, 0x3A, 0x98, 0xFF, 0xFF, 0xC5, 0x68), bus.sent[1])
	assert.Equal(t, frame(IdJoint34Ctrl, 0, 0, 0, 0, 0, 0, 0, 0), bus.sent[2])
	assert.Equal(t, frame(IdJoint56Ctrl, 0x00, 0x01, 0x5F, 0x90, 0x00, 0x00, 0x00, 0x01), bus.sent[3])
}

type fakeProber struct {
	dev *can.DeviceInfo
}

func (p fakeProber) Find(uint16, uint16) (*can.DeviceInfo, error) {
	return p.dev, nil
}

func TestConnectThroughRedirector(t *testing.T) {
	var got can.Args
	bus := &fakeBus{feedback: feedbackFrames}
	next := func(args can.Args) (can.Bus, error) {
		got = args
		return bus, nil
	}
	dev := &can.DeviceInfo{VendorID: can.GsUsbVendorID, ProductID: can.GsUsbProductID, Product: "candleLight USB to CAN adapter"}
	redirector := can.NewRedirector(next, fakeProber{dev: dev})
	a := New(redirector.Factory())
	require.Nil(t, a.Connect(context.Background(), can.Args{can.KeyBustype: "socketcan", can.KeyChannel: "can0"}))
	assert.Equal(t, can.Args{
		can.KeyBustype: "gs_usb",
		can.KeyChannel: "candleLight USB to CAN adapter",
		can.KeyIndex:   0,
		can.KeyBitrate: can.DefaultBitrate,
	}, got)
}

func TestStatusString(t *testing.T) {
	s := Status{CtrlMode: CtrlModeTeach, ArmStatus: 0x07, ErrCode: 0x0101}
	assert.Contains(t, s.String(), "ctrl mode: teach")
	assert.Contains(t, s.String(), "arm status: collision")
	assert.Equal(t, []int{1}, s.JointErrors())
	assert.Contains(t, Status{CtrlMode: 0x42}.String(), "unknown (0x42)")
}
