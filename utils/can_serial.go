package utils

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.einride.tech/can"
)

// SLCAN (Lawicel ASCII) bitrate selectors.
var slcanBitrates = map[int]string{
	10000:   "S0",
	20000:   "S1",
	50000:   "S2",
	100000:  "S3",
	125000:  "S4",
	250000:  "S5",
	500000:  "S6",
	800000:  "S7",
	1000000: "S8",
}

var errNotAFrame = errors.New("slcan: not a frame")

// SerialConfig selects a serial-line CAN adapter.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
	Bitrate  int    `yaml:"bitrate"`
}

// SLCANBus is a CAN transport over a serial-line (SLCAN) adapter.
type SLCANBus struct {
	frameQueues

	port serial.Port
	name string
	log  *Logger
	wg   sync.WaitGroup
	once sync.Once
}

func NewSLCANBus(cfg SerialConfig, qcfg QueueConfig, log *Logger) (*SLCANBus, error) {
	open, ok := slcanBitrates[cfg.Bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate %d", cfg.Bitrate)
	}
	port, err := serial.Open(cfg.Port, &serial.Mode{BaudRate: cfg.BaudRate})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(50 * time.Millisecond); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	for _, cmd := range []string{"C", open, "O"} {
		if _, err := port.Write([]byte(cmd + "\r")); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("slcan %s: %w", cmd, err)
		}
	}

	b := &SLCANBus{
		frameQueues: newFrameQueues(qcfg),
		port:        port,
		name:        cfg.Port,
		log:         log,
	}
	b.wg.Add(2)
	go b.transmitLoop()
	go b.receiveLoop()
	return b, nil
}

func (b *SLCANBus) transmitLoop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case f := <-b.txq:
			if _, err := b.port.Write([]byte(FormatSLCAN(f))); err != nil {
				b.txErrors.Add(1)
				b.log.Debug("TX %s id=0x%X failed: %v", b.name, f.ID, err)
			}
		}
	}
}

func (b *SLCANBus) receiveLoop() {
	defer b.wg.Done()
	buf := make([]byte, 128)
	var line []byte
	for {
		select {
		case <-b.done:
			return
		default:
		}
		n, err := b.port.Read(buf)
		if err != nil {
			select {
			case <-b.done:
			default:
				b.log.Error("RX %s: %v", b.name, err)
			}
			return
		}
		for _, c := range buf[:n] {
			if c != '\r' {
				line = append(line, c)
				continue
			}
			f, err := ParseSLCAN(string(line))
			line = line[:0]
			if err != nil {
				if !errors.Is(err, errNotAFrame) {
					b.log.Trace("RX %s: %v", b.name, err)
				}
				continue
			}
			b.deliver(f)
		}
	}
}

func (b *SLCANBus) Close() error {
	var err error
	b.once.Do(func() {
		close(b.done)
		_, _ = b.port.Write([]byte("C\r"))
		err = b.port.Close()
		b.wg.Wait()
	})
	return err
}

// FormatSLCAN renders a data frame as an SLCAN transmit command.
func FormatSLCAN(f can.Frame) string {
	var sb strings.Builder
	if f.IsExtended {
		fmt.Fprintf(&sb, "T%08X%d", f.ID, f.Length)
	} else {
		fmt.Fprintf(&sb, "t%03X%d", f.ID, f.Length)
	}
	for i := 0; i < int(f.Length); i++ {
		fmt.Fprintf(&sb, "%02X", f.Data[i])
	}
	sb.WriteByte('\r')
	return sb.String()
}

// ParseSLCAN decodes one received SLCAN line (without the trailing CR).
// Acknowledgements and status replies return errNotAFrame.
func ParseSLCAN(line string) (can.Frame, error) {
	line = strings.TrimLeft(line, "\a")
	if line == "" {
		return can.Frame{}, errNotAFrame
	}
	var f can.Frame
	var idLen int
	switch line[0] {
	case 'T':
		f.IsExtended = true
		idLen = 8
	case 't':
		idLen = 3
	default:
		return can.Frame{}, errNotAFrame
	}
	if len(line) < 1+idLen+1 {
		return can.Frame{}, fmt.Errorf("slcan: short frame %q", line)
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("slcan: bad id in %q: %w", line, err)
	}
	dlc := line[1+idLen] - '0'
	if dlc > can.MaxDataLength {
		return can.Frame{}, fmt.Errorf("slcan: bad dlc in %q", line)
	}
	data := line[2+idLen:]
	if len(data) < int(dlc)*2 {
		return can.Frame{}, fmt.Errorf("slcan: truncated data in %q", line)
	}
	for i := 0; i < int(dlc); i++ {
		v, err := strconv.ParseUint(data[2*i:2*i+2], 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("slcan: bad data in %q: %w", line, err)
		}
		f.Data[i] = byte(v)
	}
	f.ID = uint32(id)
	f.Length = dlc
	return f, nil
}
