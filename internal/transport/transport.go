// Package transport implements the framed byte-I/O leg of the Command
// Queue (C3): a COM-port connection via go.bug.st/serial, or a UDP
// "serial-over-IP" endpoint, both behind a single narrow interface so the
// queue worker never knows which one it's talking to.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"go.bug.st/serial"

	"github.com/darkdragonsastro/mountcore/internal/mounterrors"
)

// Transport is the narrow capability the Command Queue worker uses to
// talk to hardware. It is exclusive to C2 — nothing else touches it.
type Transport interface {
	// Open establishes the connection.
	Open() error
	// WriteCommand sends a framed command and returns the framed reply,
	// or a mounterrors.SerialFailed/Timeout error.
	WriteCommand(ctx context.Context, payload []byte) ([]byte, error)
	// Close releases the underlying connection.
	Close() error
}

// SerialConfig describes how to open a COM port, per §6's configuration
// surface (`baud_rate`, `port`, `handshake`, `data_bits`, `read_timeout_ms`,
// `dtr`, `rts`).
type SerialConfig struct {
	Port          string
	BaudRate      int
	DataBits      int
	Handshake     string // "none", "rts_cts", "xon_xoff"
	ReadTimeoutMs int
	DTR           bool
	RTS           bool
	// FrameTerminator ends every command/reply frame; SkyWatcher's ASCII
	// protocol terminates frames with '\r'.
	FrameTerminator byte
}

// SerialPort is a Transport over a physical or USB-virtual COM port.
type SerialPort struct {
	cfg  SerialConfig
	port serial.Port
}

// NewSerialPort returns a Transport for cfg. Open must be called before
// use.
func NewSerialPort(cfg SerialConfig) *SerialPort {
	if cfg.FrameTerminator == 0 {
		cfg.FrameTerminator = '\r'
	}
	return &SerialPort{cfg: cfg}
}

func (s *SerialPort) Open() error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: s.cfg.DataBits,
	}
	switch s.cfg.Handshake {
	case "rts_cts":
		mode.StopBits = serial.OneStopBit
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = 9600
	}

	port, err := serial.Open(s.cfg.Port, mode)
	if err != nil {
		return mounterrors.Wrap(mounterrors.SerialFailed, fmt.Sprintf("open %s", s.cfg.Port), err)
	}

	if err := port.SetDTR(s.cfg.DTR); err != nil {
		port.Close()
		return mounterrors.Wrap(mounterrors.SerialFailed, "set DTR", err)
	}
	if err := port.SetRTS(s.cfg.RTS); err != nil {
		port.Close()
		return mounterrors.Wrap(mounterrors.SerialFailed, "set RTS", err)
	}

	timeout := time.Duration(s.cfg.ReadTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return mounterrors.Wrap(mounterrors.SerialFailed, "set read timeout", err)
	}

	s.port = port
	return nil
}

func (s *SerialPort) WriteCommand(ctx context.Context, payload []byte) ([]byte, error) {
	if s.port == nil {
		return nil, mounterrors.New(mounterrors.SerialFailed, "port not open")
	}

	frame := append(append([]byte{}, payload...), s.cfg.FrameTerminator)
	if _, err := s.port.Write(frame); err != nil {
		return nil, mounterrors.Wrap(mounterrors.SerialFailed, "write", err)
	}

	reply, err := readFrame(bufio.NewReader(s.port), s.cfg.FrameTerminator)
	if err != nil {
		return nil, mounterrors.Wrap(mounterrors.SerialFailed, "read", err)
	}
	return reply, nil
}

func (s *SerialPort) Close() error {
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}

// UDPConfig describes a "serial-over-IP" endpoint, specified as an
// `ip:port` address per §6.
type UDPConfig struct {
	Address         string
	ReadTimeoutMs   int
	FrameTerminator byte
}

// UDPSerial is a Transport over a UDP "serial-over-IP" endpoint, used
// when the configured `port` is an `ip:port` address rather than a COM
// device name.
type UDPSerial struct {
	cfg  UDPConfig
	conn net.Conn
}

func NewUDPSerial(cfg UDPConfig) *UDPSerial {
	if cfg.FrameTerminator == 0 {
		cfg.FrameTerminator = '\r'
	}
	return &UDPSerial{cfg: cfg}
}

func (u *UDPSerial) Open() error {
	conn, err := net.Dial("udp", u.cfg.Address)
	if err != nil {
		return mounterrors.Wrap(mounterrors.SerialFailed, fmt.Sprintf("dial %s", u.cfg.Address), err)
	}
	u.conn = conn
	return nil
}

func (u *UDPSerial) WriteCommand(ctx context.Context, payload []byte) ([]byte, error) {
	if u.conn == nil {
		return nil, mounterrors.New(mounterrors.SerialFailed, "connection not open")
	}

	timeout := time.Duration(u.cfg.ReadTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		u.conn.SetDeadline(deadline)
	} else {
		u.conn.SetDeadline(time.Now().Add(timeout))
	}

	frame := append(append([]byte{}, payload...), u.cfg.FrameTerminator)
	if _, err := u.conn.Write(frame); err != nil {
		return nil, mounterrors.Wrap(mounterrors.SerialFailed, "write", err)
	}

	reply, err := readFrame(bufio.NewReader(u.conn), u.cfg.FrameTerminator)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, mounterrors.Wrap(mounterrors.Timeout, "read deadline exceeded", err)
		}
		return nil, mounterrors.Wrap(mounterrors.SerialFailed, "read", err)
	}
	return reply, nil
}

func (u *UDPSerial) Close() error {
	if u.conn == nil {
		return nil
	}
	return u.conn.Close()
}

func readFrame(r *bufio.Reader, terminator byte) ([]byte, error) {
	line, err := r.ReadBytes(terminator)
	if err != nil {
		return nil, err
	}
	if len(line) > 0 && line[len(line)-1] == terminator {
		line = line[:len(line)-1]
	}
	return line, nil
}

// IsIPAddress reports whether port looks like an `ip:port` endpoint
// rather than a COM device name, per §6's transport-selection rule.
func IsIPAddress(port string) bool {
	_, _, err := net.SplitHostPort(port)
	return err == nil
}
