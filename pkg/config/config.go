// Package config loads the m20 ini configuration file.
// Missing sections or keys keep their default value.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/m20pro/m20kit/pkg/can"
	"github.com/m20pro/m20kit/pkg/climate"
	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

type Log struct {
	Level log.Level
}

// CAN holds the bus request exactly as configured.
// Selector is the key used for the interface name, "interface" or "bustype".
type CAN struct {
	Selector string
	Name     string
	Channel  string
	Bitrate  int
	Redirect bool
}

type USB struct {
	VendorID  uint16
	ProductID uint16
}

type Climate struct {
	BaseURL  string
	Login    string
	Password string
}

type Config struct {
	Log     Log
	CAN     CAN
	USB     USB
	Climate Climate
}

func Default() *Config {
	return &Config{
		Log: Log{Level: log.InfoLevel},
		CAN: CAN{
			Selector: can.KeyInterface,
			Name:     string(can.InterfaceSocketcan),
			Channel:  "can0",
			Bitrate:  can.DefaultBitrate,
			Redirect: true,
		},
		USB:     USB{VendorID: can.GsUsbVendorID, ProductID: can.GsUsbProductID},
		Climate: Climate{BaseURL: climate.DefaultBaseURL},
	}
}

// Args builds the keyword arguments handed to a can.Factory
func (c CAN) Args() can.Args {
	args := can.Args{c.Selector: c.Name}
	if c.Channel != "" {
		args[can.KeyChannel] = c.Channel
	}
	if c.Bitrate != 0 {
		args[can.KeyBitrate] = c.Bitrate
	}
	return args
}

// Load a configuration, source can be a file path or []byte
func Load(source any) (*Config, error) {
	file, err := ini.Load(source)
	if err != nil {
		return nil, err
	}
	cfg := Default()

	section := file.Section("log")
	if key, err := section.GetKey("level"); err == nil {
		cfg.Log.Level, err = log.ParseLevel(key.String())
		if err != nil {
			return nil, fmt.Errorf("[log] level : %w", err)
		}
	}

	section = file.Section("can")
	hasInterface, hasBustype := section.HasKey(can.KeyInterface), section.HasKey(can.KeyBustype)
	switch {
	case hasInterface && hasBustype:
		return nil, fmt.Errorf("[can] %w", can.ErrAmbiguousInterface)
	case hasInterface:
		cfg.CAN.Selector, cfg.CAN.Name = can.KeyInterface, section.Key(can.KeyInterface).String()
	case hasBustype:
		cfg.CAN.Selector, cfg.CAN.Name = can.KeyBustype, section.Key(can.KeyBustype).String()
	}
	cfg.CAN.Channel = section.Key(can.KeyChannel).MustString(cfg.CAN.Channel)
	if key, err := section.GetKey(can.KeyBitrate); err == nil {
		if cfg.CAN.Bitrate, err = key.Int(); err != nil {
			return nil, fmt.Errorf("[can] bitrate : %w", err)
		}
	}
	if key, err := section.GetKey("redirect"); err == nil {
		if cfg.CAN.Redirect, err = key.Bool(); err != nil {
			return nil, fmt.Errorf("[can] redirect : %w", err)
		}
	}

	section = file.Section("usb")
	for name, id := range map[string]*uint16{"vendor_id": &cfg.USB.VendorID, "product_id": &cfg.USB.ProductID} {
		key, err := section.GetKey(name)
		if err != nil {
			continue
		}
		if *id, err = ParseID(key.String()); err != nil {
			return nil, fmt.Errorf("[usb] %v : %w", name, err)
		}
	}

	section = file.Section("climate")
	cfg.Climate.BaseURL = section.Key("base_url").MustString(cfg.Climate.BaseURL)
	cfg.Climate.Login = section.Key("login").String()
	cfg.Climate.Password = section.Key("password").String()
	return cfg, nil
}

// ParseID parses a USB vendor / product id, hexadecimal with or without 0x prefix
func ParseID(s string) (uint16, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	id, err := strconv.ParseUint(s, 16, 16)
	return uint16(id), err
}
