package climate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const codeSuccess = 1000

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Token struct {
	Token      string `json:"token"`
	Expiration Text   `json:"expiration"`
}

type Group struct {
	GroupID   Text   `json:"groupId"`
	GroupName string `json:"groupName"`
}

type Register struct {
	RegisterID   Text   `json:"registerId"`
	RegisterName string `json:"registerName"`
	Data         Text   `json:"data"`
	Value        Text   `json:"value"`
	AlarmLevel   Text   `json:"alarmLevel"`
	AlarmColor   string `json:"alarmColor"`
	AlarmInfo    string `json:"alarmInfo"`
	Unit         string `json:"unit"`
}

type Node struct {
	NodeID       Text       `json:"nodeId"`
	RegisterItem []Register `json:"registerItem"`
}

type Device struct {
	DeviceAddr   Text    `json:"deviceAddr"`
	GroupID      Text    `json:"groupId"`
	DeviceName   string  `json:"deviceName"`
	DeviceStatus Text    `json:"deviceStatus"`
	Offline      bool    `json:"offline"`
	Lat          float64 `json:"lat"`
	Lng          float64 `json:"lng"`
	TimeStamp    Text    `json:"timeStamp"`
	DataItem     []Node  `json:"dataItem"`
}

// Registers of every node of the device
func (d Device) Registers() []Register {
	var registers []Register
	for _, node := range d.DataItem {
		registers = append(registers, node.RegisterItem...)
	}
	return registers
}

// Text holds a value the platform sends either as a JSON string or a number
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*t = ""
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = Text(s)
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return fmt.Errorf("expected string or number, got %s", b)
		}
		*t = Text(n)
	}
	return nil
}
