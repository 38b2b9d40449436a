package slcan

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/m20pro/m20kit/pkg/can"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Serial line CAN (Lawicel ASCII protocol) over a USB CDC port,
// e.g. candleLight / CANable boards flashed with slcan firmware.
// Channel is the serial port e.g. /dev/ttyACM0

func init() {
	can.RegisterInterface(can.InterfaceSlcan, NewSlcanBus)
}

const DefaultPortBaudrate = 115200

var (
	ErrUnsupportedBitrate = errors.New("unsupported slcan bitrate")
	ErrMalformedFrame     = errors.New("malformed slcan frame")
)

var bitrateCommands = map[int]string{
	10_000:    "S0",
	20_000:    "S1",
	50_000:    "S2",
	100_000:   "S3",
	125_000:   "S4",
	250_000:   "S5",
	500_000:   "S6",
	800_000:   "S7",
	1_000_000: "S8",
}

// Bitrate setup command
func BitrateCommand(bitrate int) (string, error) {
	cmd, ok := bitrateCommands[bitrate]
	if !ok {
		return "", fmt.Errorf("%w : %v", ErrUnsupportedBitrate, bitrate)
	}
	return cmd, nil
}

type Bus struct {
	logger     log.FieldLogger
	mu         sync.Mutex
	channel    string
	bitrateCmd string
	port       io.ReadWriteCloser
	rxCallback can.FrameListener
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

func NewSlcanBus(cfg can.Config) (can.Bus, error) {
	bitrate := cfg.Bitrate
	if bitrate == 0 {
		bitrate = can.DefaultBitrate
	}
	cmd, err := BitrateCommand(bitrate)
	if err != nil {
		return nil, err
	}
	return &Bus{logger: log.WithField("bus", "slcan"), channel: cfg.Channel, bitrateCmd: cmd}, nil
}

// "Connect" implementation of Bus interface
func (b *Bus) Connect(...any) error {
	mode := &serial.Mode{
		BaudRate: DefaultPortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(b.channel, mode)
	if err != nil {
		return fmt.Errorf("failed to open com port %q : %v", b.channel, err)
	}
	if err := p.SetReadTimeout(10 * time.Millisecond); err != nil {
		p.Close()
		return err
	}
	_ = p.ResetInputBuffer()
	return b.open(p)
}

// Configure the adapter on an already opened port and start reception
func (b *Bus) open(port io.ReadWriteCloser) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cmd := range []string{"C", b.bitrateCmd, "O"} {
		if _, err := port.Write([]byte(cmd + "\r")); err != nil {
			port.Close()
			return fmt.Errorf("failed to write to com port: %w", err)
		}
	}
	b.port = port
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.recvManager(ctx, port)
	}()
	b.logger.Infof("[SLCAN] %v opened (%v)", b.channel, b.bitrateCmd)
	return nil
}

func (b *Bus) recvManager(ctx context.Context, port io.Reader) {
	buf := make([]byte, 0, 1024)
	readBuf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := port.Read(readBuf)
		if err != nil {
			if ctx.Err() == nil {
				b.logger.Errorf("[SLCAN] failed to read com port : %v", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		var lines [][]byte
		lines, buf = splitLines(append(buf, readBuf[:n]...))
		for _, line := range lines {
			b.handleLine(line)
		}
	}
}

func (b *Bus) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	switch line[0] {
	case 't', 'T', 'r', 'R':
	case '\a':
		b.logger.Warnf("[SLCAN] adapter rejected last command")
		return
	default:
		// Acks and status replies
		return
	}
	frame, err := DecodeFrame(line)
	if err != nil {
		b.logger.Warnf("[SLCAN] %v : %q", err, line)
		return
	}
	b.mu.Lock()
	callback := b.rxCallback
	b.mu.Unlock()
	if callback != nil {
		callback.Handle(frame)
	}
}

// "Disconnect" implementation of Bus interface
func (b *Bus) Disconnect() error {
	b.mu.Lock()
	port, cancel := b.port, b.cancel
	b.port, b.cancel = nil, nil
	b.mu.Unlock()
	if port == nil {
		return nil
	}
	cancel()
	_, _ = port.Write([]byte("C\r"))
	err := port.Close()
	b.wg.Wait()
	return err
}

// "Send" implementation of Bus interface
func (b *Bus) Send(frame can.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return errors.New("slcan port not open")
	}
	_, err := b.port.Write(EncodeFrame(frame))
	return err
}

// "Subscribe" implementation of Bus interface
func (b *Bus) Subscribe(rxCallback can.FrameListener) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rxCallback = rxCallback
	return nil
}

// EncodeFrame returns the ASCII command for a frame, terminated by CR
func EncodeFrame(frame can.Frame) []byte {
	dlc := frame.DLC
	if dlc > 8 {
		dlc = 8
	}
	extended := frame.ID&can.CanEffFlag != 0
	rtr := frame.ID&can.CanRtrFlag != 0
	var out []byte
	switch {
	case extended && rtr:
		out = append(out, 'R')
	case extended:
		out = append(out, 'T')
	case rtr:
		out = append(out, 'r')
	default:
		out = append(out, 't')
	}
	if extended {
		out = append(out, fmt.Sprintf("%08X", frame.ID&can.CanEffMask)...)
	} else {
		out = append(out, fmt.Sprintf("%03X", frame.ID&can.CanSffMask)...)
	}
	out = append(out, '0'+dlc)
	if !rtr {
		out = append(out, []byte(fmt.Sprintf("%X", frame.Data[:dlc]))...)
	}
	return append(out, '\r')
}

// DecodeFrame parses a received frame line, without its CR terminator
func DecodeFrame(line []byte) (can.Frame, error) {
	var frame can.Frame
	if len(line) == 0 {
		return frame, ErrMalformedFrame
	}
	idLen := 3
	switch line[0] {
	case 't':
	case 'r':
		frame.ID |= can.CanRtrFlag
	case 'T':
		idLen = 8
		frame.ID |= can.CanEffFlag
	case 'R':
		idLen = 8
		frame.ID |= can.CanEffFlag | can.CanRtrFlag
	default:
		return frame, ErrMalformedFrame
	}
	if len(line) < 1+idLen+1 {
		return frame, ErrMalformedFrame
	}
	id, err := strconv.ParseUint(string(line[1:1+idLen]), 16, 32)
	if err != nil {
		return frame, fmt.Errorf("%w : %v", ErrMalformedFrame, err)
	}
	frame.ID |= uint32(id)
	dlc := line[1+idLen] - '0'
	if dlc > 8 {
		return frame, fmt.Errorf("%w : dlc %v", ErrMalformedFrame, dlc)
	}
	frame.DLC = dlc
	if frame.ID&can.CanRtrFlag != 0 {
		return frame, nil
	}
	data := line[2+idLen:]
	if len(data) < int(dlc)*2 {
		return frame, fmt.Errorf("%w : expected %v data bytes", ErrMalformedFrame, dlc)
	}
	if _, err := hex.Decode(frame.Data[:dlc], data[:dlc*2]); err != nil {
		return frame, fmt.Errorf("%w : %v", ErrMalformedFrame, err)
	}
	return frame, nil
}

// Split received bytes on CR / BEL, returns complete lines and the remainder
func splitLines(buf []byte) ([][]byte, []byte) {
	var lines [][]byte
	start := 0
	for i, c := range buf {
		switch c {
		case '\r':
			lines = append(lines, append([]byte{}, buf[start:i]...))
			start = i + 1
		case '\a':
			lines = append(lines, []byte{'\a'})
			start = i + 1
		}
	}
	rest := append(buf[:0], buf[start:]...)
	return lines, rest
}
