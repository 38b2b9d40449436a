package can

import (
	"errors"
	"fmt"
	"strconv"
)

// Keyword parameters accepted by a bus constructor.
// Callers disagree on the name of the backend selector, both "interface"
// and "bustype" are accepted but only one of them may be set.
const (
	KeyInterface = "interface"
	KeyBustype   = "bustype"
	KeyChannel   = "channel"
	KeyIndex     = "index"
	KeyBitrate   = "bitrate"
)

var (
	ErrNoInterface        = errors.New("no interface given, expecting 'interface' or 'bustype'")
	ErrAmbiguousInterface = errors.New("both 'interface' and 'bustype' given, only one is allowed")
)

// Args is the keyword argument set of a bus constructor call
type Args map[string]any

// Factory creates a bus from keyword arguments
type Factory func(args Args) (Bus, error)

// Default factory, resolves args and looks up the registry
func NewBusFromArgs(args Args) (Bus, error) {
	cfg, err := args.Config()
	if err != nil {
		return nil, err
	}
	return NewBusWithConfig(cfg)
}

func (args Args) Clone() Args {
	clone := make(Args, len(args))
	for k, v := range args {
		clone[k] = v
	}
	return clone
}

// Return the selector key that is set to the given interface, if any
func (args Args) selects(iface Interface) (string, bool) {
	for _, key := range []string{KeyInterface, KeyBustype} {
		value, ok := args[key]
		if !ok {
			continue
		}
		if s, err := toString(value); err == nil && Interface(s) == iface {
			return key, true
		}
	}
	return "", false
}

// Config resolves the keyword arguments into a single backend configuration
func (args Args) Config() (Config, error) {
	var cfg Config
	ifaceValue, hasInterface := args[KeyInterface]
	bustypeValue, hasBustype := args[KeyBustype]
	switch {
	case hasInterface && hasBustype:
		return cfg, ErrAmbiguousInterface
	case hasInterface:
	case hasBustype:
		ifaceValue = bustypeValue
	default:
		return cfg, ErrNoInterface
	}
	iface, err := toString(ifaceValue)
	if err != nil {
		return cfg, fmt.Errorf("invalid interface : %w", err)
	}
	cfg.Interface = Interface(iface)

	if value, ok := args[KeyChannel]; ok {
		cfg.Channel, err = toString(value)
		if err != nil {
			return cfg, fmt.Errorf("invalid channel : %w", err)
		}
	}
	if value, ok := args[KeyIndex]; ok {
		cfg.Index, err = toInt(value)
		if err != nil {
			return cfg, fmt.Errorf("invalid index : %w", err)
		}
	}
	if value, ok := args[KeyBitrate]; ok {
		cfg.Bitrate, err = toInt(value)
		if err != nil {
			return cfg, fmt.Errorf("invalid bitrate : %w", err)
		}
	}
	return cfg, nil
}

func toString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case Interface:
		return string(v), nil
	case fmt.Stringer:
		return v.String(), nil
	}
	return "", fmt.Errorf("expecting string got %T", value)
}

func toInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	}
	return 0, fmt.Errorf("expecting integer got %T", value)
}
