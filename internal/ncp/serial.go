package ncp

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// SerialConfig describes the UART link to the radio.
type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
	// ResetLine selects the line wired to the radio's reset pin:
	// "rts", "dtr" or "" for none (SYS_RESET_REQ is used instead).
	ResetLine string
}

// SerialTransport is a Transport over a serial port.
type SerialTransport struct {
	port      serial.Port
	resetLine string
}

const resetPulse = 10 * time.Millisecond

// OpenSerial opens the port 8N1 with a bounded read timeout.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Millisecond
	}
	switch cfg.ResetLine {
	case "", "rts", "dtr":
	default:
		return nil, fmt.Errorf("zstack serial: unknown reset line %q", cfg.ResetLine)
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("zstack serial: open %s: %w", cfg.Port, err)
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("zstack serial: read timeout: %w", err)
	}
	return &SerialTransport{port: port, resetLine: cfg.ResetLine}, nil
}

// Read returns (0, nil) when the read timeout expires without data.
func (s *SerialTransport) Read(p []byte) (int, error) { return s.port.Read(p) }

func (s *SerialTransport) Write(p []byte) (int, error) { return s.port.Write(p) }

func (s *SerialTransport) Close() error { return s.port.Close() }

// HardwareReset holds the reset line low for 10 ms. It returns
// ErrNoResetLine when no line is configured.
func (s *SerialTransport) HardwareReset() error {
	var set func(bool) error
	switch s.resetLine {
	case "rts":
		set = s.port.SetRTS
	case "dtr":
		set = s.port.SetDTR
	default:
		return ErrNoResetLine
	}
	// The line is inverted by the USB-UART bridge: asserted means low.
	if err := set(true); err != nil {
		return fmt.Errorf("zstack serial: assert reset: %w", err)
	}
	time.Sleep(resetPulse)
	if err := set(false); err != nil {
		return fmt.Errorf("zstack serial: release reset: %w", err)
	}
	return nil
}
