package gsusb

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/m20pro/m20kit/pkg/can"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

// candleLight firmware values
var candleBtConst = BtConst{
	FclkCan:  48_000_000,
	Tseg1Min: 1, Tseg1Max: 16,
	Tseg2Min: 1, Tseg2Max: 8,
	SjwMax: 4,
	BrpMin: 1, BrpMax: 1024, BrpInc: 1,
}

func TestCalcBitTiming(t *testing.T) {
	timing, err := CalcBitTiming(1_000_000, candleBtConst)
	assert.Nil(t, err)
	assert.Equal(t, BitTiming{PropSeg: 1, PhaseSeg1: 12, PhaseSeg2: 2, Sjw: 1, Brp: 3}, timing)
	assert.Equal(t, 1_000_000, timing.Bitrate(candleBtConst.FclkCan))

	for _, bitrate := range []int{500_000, 250_000, 125_000, 100_000, 50_000, 20_000, 10_000} {
		timing, err := CalcBitTiming(bitrate, candleBtConst)
		assert.Nil(t, err, bitrate)
		assert.Equal(t, bitrate, timing.Bitrate(candleBtConst.FclkCan), bitrate)
	}
	timing, err = CalcBitTiming(500_000, candleBtConst)
	assert.Nil(t, err)
	assert.EqualValues(t, 6, timing.Brp)
}

func TestCalcBitTimingUnreachable(t *testing.T) {
	_, err := CalcBitTiming(0, candleBtConst)
	assert.ErrorIs(t, err, ErrBitrate)
	_, err = CalcBitTiming(333_333, candleBtConst)
	assert.ErrorIs(t, err, ErrBitrate)
	limited := candleBtConst
	limited.BrpMax = 2
	_, err = CalcBitTiming(125_000, limited)
	assert.ErrorIs(t, err, ErrBitrate)
}

func TestHostFrame(t *testing.T) {
	frame := can.Frame{ID: 0x2A5, DLC: 8, Data: [8]byte{1, 2, 3, 4, 5, 6, 7, 8}}
	raw := fromFrame(frame, 0, 0).Marshal()
	assert.Len(t, raw, HostFrameSize)
	assert.Equal(t, []byte{0, 0, 0, 0, 0xA5, 0x02, 0, 0, 8, 0, 0, 0}, raw[:12])
	hf, err := UnmarshalHostFrame(raw)
	assert.Nil(t, err)
	assert.False(t, hf.IsRx())
	assert.Equal(t, frame, hf.toFrame())

	_, err = UnmarshalHostFrame(raw[:10])
	assert.ErrorIs(t, err, ErrShortFrame)

	hf.EchoID = rxEchoID
	hf.CanID |= can.CanErrFlag
	assert.True(t, hf.IsRx())
	assert.True(t, hf.IsError())
}

func TestParseDescriptors(t *testing.T) {
	raw := make([]byte, deviceConfigSize)
	raw[3] = 1
	binary.LittleEndian.PutUint32(raw[4:], 2)
	binary.LittleEndian.PutUint32(raw[8:], 1)
	devCfg, err := parseDeviceConfig(raw)
	assert.Nil(t, err)
	assert.Equal(t, DeviceConfig{ChannelCount: 2, SwVersion: 2, HwVersion: 1}, devCfg)
	_, err = parseDeviceConfig(raw[:4])
	assert.Equal(t, ErrShortDescriptor, err)
	_, err = parseBtConst(raw)
	assert.Equal(t, ErrShortDescriptor, err)
}

type controlCall struct {
	rType   uint8
	request uint8
	val     uint16
	data    []byte
}

// Answers control requests like a single channel candleLight
type fakeDevice struct {
	calls   []controlCall
	failReq int
}

func (d *fakeDevice) Control(rType, request uint8, val, idx uint16, data []byte) (int, error) {
	d.calls = append(d.calls, controlCall{rType: rType, request: request, val: val, data: append([]byte{}, data...)})
	if d.failReq == int(request) {
		return 0, errors.New("pipe error")
	}
	switch request {
	case breqDeviceConfig:
		data[3] = 0
		return deviceConfigSize, nil
	case breqBtConst:
		fields := []uint32{0, 48_000_000, 1, 16, 1, 8, 4, 1, 1024, 1}
		for i, field := range fields {
			binary.LittleEndian.PutUint32(data[i*4:], field)
		}
		return btConstSize, nil
	}
	return len(data), nil
}

func TestConfigure(t *testing.T) {
	dev := &fakeDevice{failReq: -1}
	btConst, timing, err := configure(dev, 0, 0, 500_000, FlagNormal)
	assert.Nil(t, err)
	assert.Equal(t, candleBtConst, btConst)
	assert.EqualValues(t, 6, timing.Brp)

	requests := []uint8{}
	for _, call := range dev.calls {
		requests = append(requests, call.request)
	}
	assert.Equal(t, []uint8{breqHostFormat, breqDeviceConfig, breqBtConst, breqBitTiming, breqMode}, requests)
	assert.Equal(t, hostFormatPayload(), dev.calls[0].data)
	assert.Equal(t, uint8(0x41), dev.calls[0].rType)
	assert.Equal(t, uint8(0xC1), dev.calls[1].rType)
	assert.Equal(t, timing.marshal(), dev.calls[3].data)
	assert.Equal(t, modePayload(modeStart, FlagNormal), dev.calls[4].data)
}

func TestConfigureErrors(t *testing.T) {
	dev := &fakeDevice{failReq: int(breqBitTiming)}
	_, _, err := configure(dev, 0, 0, 1_000_000, FlagNormal)
	assert.ErrorContains(t, err, "setting bit timing")

	dev = &fakeDevice{failReq: -1}
	_, _, err = configure(dev, 1, 0, 1_000_000, FlagNormal)
	assert.ErrorContains(t, err, "out of range")

	dev = &fakeDevice{failReq: -1}
	_, _, err = configure(dev, 0, 0, 333_333, FlagNormal)
	assert.ErrorIs(t, err, ErrBitrate)
}

// Serves queued transfers then blocks until cancelled
type fakeEndpoint struct {
	transfers [][]byte
}

func (e *fakeEndpoint) ReadContext(ctx context.Context, buf []byte) (int, error) {
	if len(e.transfers) == 0 {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	n := copy(buf, e.transfers[0])
	e.transfers = e.transfers[1:]
	return n, nil
}

func TestReadLoop(t *testing.T) {
	rx := HostFrame{EchoID: rxEchoID, CanID: 0x2A1, DLC: 8}
	echo := HostFrame{EchoID: 0, CanID: 0x151, DLC: 8}
	endpoint := &fakeEndpoint{transfers: [][]byte{rx.Marshal(), echo.Marshal(), {1, 2, 3}}}

	bus := &Bus{logger: log.StandardLogger()}
	received := make(chan can.Frame, 4)
	bus.rxCallback = listenerFunc(func(frame can.Frame) { received <- frame })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- readLoop(ctx, endpoint, 64, bus.handle, bus.logger) }()

	select {
	case frame := <-received:
		assert.EqualValues(t, 0x2A1, frame.ID)
	case <-time.After(time.Second):
		t.Fatal("no frame received")
	}
	cancel()
	assert.Nil(t, <-done)
	// Echo is never forwarded
	assert.Len(t, received, 0)
}

func TestReadLoopError(t *testing.T) {
	endpoint := errorEndpoint{}
	err := readLoop(context.Background(), endpoint, 32, func(HostFrame) {}, log.StandardLogger())
	assert.ErrorContains(t, err, "no device")
}

type errorEndpoint struct{}

func (errorEndpoint) ReadContext(ctx context.Context, buf []byte) (int, error) {
	return 0, errors.New("libusb: no device")
}

type listenerFunc func(frame can.Frame)

func (f listenerFunc) Handle(frame can.Frame) { f(frame) }

func TestSendNotStarted(t *testing.T) {
	bus := &Bus{}
	assert.NotNil(t, bus.Send(can.NewFrame(0x155, 0, 8)))
	assert.Nil(t, bus.Disconnect())
}

func TestIsKnown(t *testing.T) {
	assert.True(t, IsKnown(can.GsUsbVendorID, can.GsUsbProductID))
	assert.True(t, IsKnown(0x1209, 0x2323))
	assert.False(t, IsKnown(0x1d50, 0x6070))
}
