package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/m20pro/m20kit/pkg/can"
	"github.com/m20pro/m20kit/pkg/climate"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
[log]
level = debug

[can]
bustype = socketcan
channel = can1
bitrate = 500000
redirect = false

[usb]
vendor_id = 0x1209
product_id = 2323

[climate]
base_url = http://127.0.0.1:8080
login = m20
password = secret
`

func TestLoad(t *testing.T) {
	cfg, err := Load([]byte(fullConfig))
	require.Nil(t, err)
	assert.Equal(t, log.DebugLevel, cfg.Log.Level)
	assert.Equal(t, CAN{Selector: can.KeyBustype, Name: "socketcan", Channel: "can1", Bitrate: 500_000, Redirect: false}, cfg.CAN)
	assert.Equal(t, USB{VendorID: 0x1209, ProductID: 0x2323}, cfg.USB)
	assert.Equal(t, Climate{BaseURL: "http://127.0.0.1:8080", Login: "m20", Password: "secret"}, cfg.Climate)
	assert.Equal(t, can.Args{can.KeyBustype: "socketcan", can.KeyChannel: "can1", can.KeyBitrate: 500_000}, cfg.CAN.Args())
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte("[can]\ninterface = slcan\nchannel = /dev/ttyACM0\n"))
	require.Nil(t, err)
	assert.Equal(t, log.InfoLevel, cfg.Log.Level)
	assert.Equal(t, can.KeyInterface, cfg.CAN.Selector)
	assert.Equal(t, "slcan", cfg.CAN.Name)
	assert.Equal(t, can.DefaultBitrate, cfg.CAN.Bitrate)
	assert.True(t, cfg.CAN.Redirect)
	assert.Equal(t, USB{VendorID: can.GsUsbVendorID, ProductID: can.GsUsbProductID}, cfg.USB)
	assert.Equal(t, climate.DefaultBaseURL, cfg.Climate.BaseURL)

	cfg, err = Load([]byte(""))
	require.Nil(t, err)
	assert.Equal(t, Default(), cfg)
	busCfg, err := cfg.CAN.Args().Config()
	assert.Nil(t, err)
	assert.Equal(t, can.Config{Interface: can.InterfaceSocketcan, Channel: "can0", Bitrate: can.DefaultBitrate}, busCfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m20.ini")
	require.Nil(t, os.WriteFile(path, []byte(fullConfig), 0o644))
	cfg, err := Load(path)
	require.Nil(t, err)
	assert.Equal(t, "can1", cfg.CAN.Channel)

	_, err = Load(filepath.Join(t.TempDir(), "missing.ini"))
	assert.NotNil(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load([]byte("[can]\ninterface = socketcan\nbustype = socketcan\n"))
	assert.ErrorIs(t, err, can.ErrAmbiguousInterface)

	for _, content := range []string{
		"[log]\nlevel = loud\n",
		"[can]\nbitrate = fast\n",
		"[can]\nredirect = maybe\n",
		"[usb]\nvendor_id = 0xZZ\n",
		"[usb]\nproduct_id = 0x10000\n",
	} {
		_, err := Load([]byte(content))
		assert.NotNil(t, err, content)
	}
}

func TestParseID(t *testing.T) {
	for input, expected := range map[string]uint16{"0x1d50": 0x1d50, "606F": 0x606f, " 0X1209 ": 0x1209} {
		id, err := ParseID(input)
		assert.Nil(t, err)
		assert.Equal(t, expected, id)
	}
}
