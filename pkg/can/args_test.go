package can

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestArgsConfig(t *testing.T) {
	cfg, err := Args{KeyBustype: "socketcan", KeyChannel: "can0", KeyBitrate: uint32(500_000)}.Config()
	assert.Nil(t, err)
	assert.Equal(t, Config{Interface: InterfaceSocketcan, Channel: "can0", Bitrate: 500_000}, cfg)

	cfg, err = Args{KeyInterface: InterfaceGsUsb, KeyChannel: "candleLight", KeyIndex: "1", KeyBitrate: "1000000"}.Config()
	assert.Nil(t, err)
	assert.Equal(t, Config{Interface: InterfaceGsUsb, Channel: "candleLight", Index: 1, Bitrate: 1_000_000}, cfg)
}

func TestArgsConfigErrors(t *testing.T) {
	_, err := Args{KeyChannel: "can0"}.Config()
	assert.Equal(t, ErrNoInterface, err)
	_, err = Args{KeyInterface: "socketcan", KeyBustype: "socketcan"}.Config()
	assert.Equal(t, ErrAmbiguousInterface, err)
	_, err = Args{KeyInterface: 12}.Config()
	assert.NotNil(t, err)
	_, err = Args{KeyInterface: "slcan", KeyBitrate: "fast"}.Config()
	assert.NotNil(t, err)
	_, err = Args{KeyInterface: "slcan", KeyIndex: 1.5}.Config()
	assert.NotNil(t, err)
}

func TestArgsClone(t *testing.T) {
	args := Args{KeyInterface: "socketcan"}
	clone := args.Clone()
	clone[KeyInterface] = "gs_usb"
	assert.Equal(t, "socketcan", args[KeyInterface])
}

func TestNewBusUnsupported(t *testing.T) {
	_, err := NewBus("does-not-exist", "", 0)
	assert.ErrorContains(t, err, "unsupported interface")
	_, err = NewBusFromArgs(Args{KeyChannel: "can0"})
	assert.Equal(t, ErrNoInterface, err)
}

func TestRegisterInterface(t *testing.T) {
	var got Config
	RegisterInterface("test", func(cfg Config) (Bus, error) {
		got = cfg
		return &nullBus{}, nil
	})
	defer delete(interfaceRegistry, "test")
	bus, err := NewBusFromArgs(Args{KeyBustype: "test", KeyChannel: "x", KeyBitrate: 125_000})
	assert.Nil(t, err)
	assert.NotNil(t, bus)
	assert.Equal(t, Config{Interface: "test", Channel: "x", Bitrate: 125_000}, got)
	assert.Contains(t, Interfaces(), "test")
}

func TestFrameString(t *testing.T) {
	frame := NewFrame(0x2A5, 0, 3)
	frame.Data = [8]byte{1, 2, 0xAB}
	assert.Equal(t, "2A5 [3] 01 02 AB", frame.String())
}
