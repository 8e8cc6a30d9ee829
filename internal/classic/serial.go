package classic

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/jacobsa/go-serial/serial"
)

// SerialDialer opens an RFCOMM TTY that the OS has already bound to the
// accessory (for example /dev/rfcomm0 after `rfcomm bind`, or the
// /dev/cu.* port macOS creates for a paired SPP device). The address and
// channel passed to Dial are only logged; the binding decides the peer.
type SerialDialer struct {
	Port     string
	BaudRate uint
}

func (d SerialDialer) Dial(ctx context.Context, address string, channel int) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Port == "" {
		return nil, fmt.Errorf("classic: serial dialer has no port")
	}
	baud := d.BaudRate
	if baud == 0 {
		baud = 115200
	}
	slog.Debug("[CLASSIC] opening serial port", "port", d.Port, "address", address, "channel", channel)
	port, err := serial.Open(serial.OpenOptions{
		PortName:        d.Port,
		BaudRate:        baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 0,
		// Reads come back empty after 100ms of silence; serialPort retries
		// them until Close.
		InterCharacterTimeout: 100,
	})
	if err != nil {
		return nil, fmt.Errorf("classic: open %s: %w", d.Port, err)
	}
	return newSerialPort(port), nil
}

// serialPort turns the timed-out reads of a raw TTY back into a blocking
// stream. A 0-byte read surfaces from os.File as io.EOF, which would look
// like the accessory hanging up, so only Close ends a read.
type serialPort struct {
	port io.ReadWriteCloser
	done chan struct{}
	once sync.Once
}

func newSerialPort(port io.ReadWriteCloser) *serialPort {
	return &serialPort{port: port, done: make(chan struct{})}
}

func (p *serialPort) Read(b []byte) (int, error) {
	for {
		select {
		case <-p.done:
			return 0, io.EOF
		default:
		}
		n, err := p.port.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && err != io.EOF {
			select {
			case <-p.done:
				return 0, io.EOF
			default:
			}
			return 0, err
		}
		if len(b) == 0 {
			return 0, nil
		}
	}
}

func (p *serialPort) Write(b []byte) (int, error) {
	select {
	case <-p.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return p.port.Write(b)
}

func (p *serialPort) Close() error {
	var err error
	p.once.Do(func() {
		close(p.done)
		err = p.port.Close()
	})
	return err
}
