package gsusb

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/m20pro/m20kit/pkg/can"
)

// Vendor requests understood by gs_usb firmware (candleLight, CANable, ...)
const (
	breqHostFormat   uint8 = 0
	breqBitTiming    uint8 = 1
	breqMode         uint8 = 2
	breqBerr         uint8 = 3
	breqBtConst      uint8 = 4
	breqDeviceConfig uint8 = 5
)

// Device modes
const (
	modeReset uint32 = 0
	modeStart uint32 = 1
)

// Mode flags
const (
	FlagNormal       uint32 = 0
	FlagListenOnly   uint32 = 1 << 0
	FlagLoopback     uint32 = 1 << 1
	FlagTripleSample uint32 = 1 << 2
	FlagOneShot      uint32 = 1 << 3
	FlagHwTimestamp  uint32 = 1 << 4
)

const (
	hostFormatMagic uint32 = 0x0000beef
	rxEchoID        uint32 = 0xffffffff
)

const (
	HostFrameSize      = 20
	deviceConfigSize   = 12
	btConstSize        = 40
	bitTimingSize      = 20
	defaultSamplePoint = 875 // per mille
)

var (
	ErrShortFrame      = errors.New("host frame too short")
	ErrBitrate         = errors.New("bitrate can not be reached with device clock")
	ErrShortDescriptor = errors.New("device answered with a short structure")
)

// DeviceConfig is the answer to the DEVICE_CONFIG request
type DeviceConfig struct {
	ChannelCount uint8
	SwVersion    uint32
	HwVersion    uint32
}

func parseDeviceConfig(raw []byte) (DeviceConfig, error) {
	if len(raw) < deviceConfigSize {
		return DeviceConfig{}, ErrShortDescriptor
	}
	return DeviceConfig{
		ChannelCount: raw[3] + 1,
		SwVersion:    binary.LittleEndian.Uint32(raw[4:8]),
		HwVersion:    binary.LittleEndian.Uint32(raw[8:12]),
	}, nil
}

// BtConst describes the bit timing capabilities of a channel
type BtConst struct {
	Feature  uint32
	FclkCan  uint32
	Tseg1Min uint32
	Tseg1Max uint32
	Tseg2Min uint32
	Tseg2Max uint32
	SjwMax   uint32
	BrpMin   uint32
	BrpMax   uint32
	BrpInc   uint32
}

func parseBtConst(raw []byte) (BtConst, error) {
	if len(raw) < btConstSize {
		return BtConst{}, ErrShortDescriptor
	}
	fields := make([]uint32, btConstSize/4)
	for i := range fields {
		fields[i] = binary.LittleEndian.Uint32(raw[i*4:])
	}
	return BtConst{
		Feature: fields[0], FclkCan: fields[1],
		Tseg1Min: fields[2], Tseg1Max: fields[3],
		Tseg2Min: fields[4], Tseg2Max: fields[5],
		SjwMax: fields[6],
		BrpMin: fields[7], BrpMax: fields[8], BrpInc: fields[9],
	}, nil
}

// BitTiming is sent with the BITTIMING request
type BitTiming struct {
	PropSeg   uint32
	PhaseSeg1 uint32
	PhaseSeg2 uint32
	Sjw       uint32
	Brp       uint32
}

func (bt BitTiming) marshal() []byte {
	raw := make([]byte, bitTimingSize)
	binary.LittleEndian.PutUint32(raw[0:], bt.PropSeg)
	binary.LittleEndian.PutUint32(raw[4:], bt.PhaseSeg1)
	binary.LittleEndian.PutUint32(raw[8:], bt.PhaseSeg2)
	binary.LittleEndian.PutUint32(raw[12:], bt.Sjw)
	binary.LittleEndian.PutUint32(raw[16:], bt.Brp)
	return raw
}

// Bitrate obtained with this timing for a given clock
func (bt BitTiming) Bitrate(fclk uint32) int {
	tq := 1 + bt.PropSeg + bt.PhaseSeg1 + bt.PhaseSeg2
	if bt.Brp == 0 || tq == 0 {
		return 0
	}
	return int(fclk / (bt.Brp * tq))
}

// CalcBitTiming finds an exact prescaler for the bitrate, preferring the
// largest number of time quanta that the device limits allow.
// Sample point is placed at 87.5%.
func CalcBitTiming(bitrate int, bc BtConst) (BitTiming, error) {
	if bitrate <= 0 {
		return BitTiming{}, fmt.Errorf("%w : %v", ErrBitrate, bitrate)
	}
	rate := uint32(bitrate)
	for tq := uint32(25); tq >= 8; tq-- {
		if bc.FclkCan%(rate*tq) != 0 {
			continue
		}
		brp := bc.FclkCan / (rate * tq)
		if brp < bc.BrpMin || brp > bc.BrpMax {
			continue
		}
		if bc.BrpInc > 1 && brp%bc.BrpInc != 0 {
			continue
		}
		tseg1 := (tq*defaultSamplePoint+500)/1000 - 1
		tseg2 := tq - 1 - tseg1
		if tseg1 < bc.Tseg1Min || tseg1 > bc.Tseg1Max || tseg2 < bc.Tseg2Min || tseg2 > bc.Tseg2Max {
			continue
		}
		return BitTiming{PropSeg: 1, PhaseSeg1: tseg1 - 1, PhaseSeg2: tseg2, Sjw: 1, Brp: brp}, nil
	}
	return BitTiming{}, fmt.Errorf("%w : %v with clock %v", ErrBitrate, bitrate, bc.FclkCan)
}

func modePayload(mode uint32, flags uint32) []byte {
	raw := make([]byte, 8)
	binary.LittleEndian.PutUint32(raw[0:], mode)
	binary.LittleEndian.PutUint32(raw[4:], flags)
	return raw
}

func hostFormatPayload() []byte {
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint32(raw, hostFormatMagic)
	return raw
}

// HostFrame is the frame exchanged on the bulk endpoints
type HostFrame struct {
	EchoID  uint32
	CanID   uint32
	DLC     uint8
	Channel uint8
	Flags   uint8
	Data    [8]byte
}

func (hf HostFrame) Marshal() []byte {
	raw := make([]byte, HostFrameSize)
	binary.LittleEndian.PutUint32(raw[0:], hf.EchoID)
	binary.LittleEndian.PutUint32(raw[4:], hf.CanID)
	raw[8] = hf.DLC
	raw[9] = hf.Channel
	raw[10] = hf.Flags
	copy(raw[12:], hf.Data[:])
	return raw
}

func UnmarshalHostFrame(raw []byte) (HostFrame, error) {
	var hf HostFrame
	if len(raw) < HostFrameSize {
		return hf, fmt.Errorf("%w : %v bytes", ErrShortFrame, len(raw))
	}
	hf.EchoID = binary.LittleEndian.Uint32(raw[0:])
	hf.CanID = binary.LittleEndian.Uint32(raw[4:])
	hf.DLC = raw[8]
	hf.Channel = raw[9]
	hf.Flags = raw[10]
	copy(hf.Data[:], raw[12:20])
	return hf, nil
}

// Frames sent by the device on its own, anything else is an echo of a sent frame
func (hf HostFrame) IsRx() bool {
	return hf.EchoID == rxEchoID
}

func (hf HostFrame) IsError() bool {
	return hf.CanID&can.CanErrFlag != 0
}

func fromFrame(frame can.Frame, channel uint8, echoID uint32) HostFrame {
	return HostFrame{EchoID: echoID, CanID: frame.ID, DLC: frame.DLC, Channel: channel, Flags: frame.Flags, Data: frame.Data}
}

func (hf HostFrame) toFrame() can.Frame {
	return can.Frame{ID: hf.CanID, DLC: hf.DLC, Flags: hf.Flags, Data: hf.Data}
}
