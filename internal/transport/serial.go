package transport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the controllers' factory baud rate.
const DefaultBaudRate = 38400

// SerialConfig holds configuration for opening a serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
}

// Serial implements Transport on a hardware serial port.
type Serial struct {
	port     serial.Port
	portName string
	timeout  time.Duration
}

// OpenSerial opens the port 8N1 and forces RTS low, which keeps
// RS-485 adapters that key the driver off RTS in receive mode.
func OpenSerial(cfg SerialConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial port path is required")
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 100 * time.Millisecond
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Port, err)
	}

	if err := port.SetRTS(false); err != nil {
		port.Close()
		return nil, fmt.Errorf("set RTS on %s: %w", cfg.Port, err)
	}

	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", cfg.Port, err)
	}

	return &Serial{port: port, portName: cfg.Port, timeout: cfg.Timeout}, nil
}

func (s *Serial) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *Serial) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *Serial) Close() error                { return s.port.Close() }

func (s *Serial) SetReadTimeout(timeout time.Duration) error {
	s.timeout = timeout
	if timeout == 0 {
		return s.port.SetReadTimeout(serial.NoTimeout)
	}
	return s.port.SetReadTimeout(timeout)
}

func (s *Serial) Flush() error {
	return s.port.ResetInputBuffer()
}

// PortName returns the device path the port was opened on.
func (s *Serial) PortName() string {
	return s.portName
}

// ListPorts returns the serial ports present on the system.
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
