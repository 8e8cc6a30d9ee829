//go:build linux

package classic

import (
	"context"
	"encoding/hex"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	pollTimeout    = 200 // ms
	unixPollErrors = int16(unix.POLLHUP | unix.POLLNVAL | unix.POLLERR)
)

// SocketDialer connects RFCOMM sockets through the kernel's AF_BLUETOOTH
// family.
type SocketDialer struct{}

// Dial opens a stream socket to channel on address. The connect is
// non-blocking so that ctx can abort it.
func (SocketDialer) Dial(ctx context.Context, address string, channel int) (io.ReadWriteCloser, error) {
	bdaddr, err := parseBDAddr(address)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, errors.Wrap(err, "can't create rfcomm socket")
	}

	sa := &unix.SockaddrRFCOMM{Addr: bdaddr, Channel: uint8(channel)}
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "can't connect to %s channel %d", address, channel)
	}
	if err := waitWritable(ctx, fd); err != nil {
		unix.Close(fd)
		return nil, errors.Wrapf(err, "can't connect to %s channel %d", address, channel)
	}
	if err := unix.SetNonblock(fd, false); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "can't set socket blocking")
	}
	return &socket{fd: fd, done: make(chan struct{})}, nil
}

// waitWritable polls until the pending connect finishes or ctx is done.
func waitWritable(ctx context.Context, fd int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(pfds, pollTimeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

// parseBDAddr converts "AA:BB:CC:DD:EE:FF" into the kernel's byte order,
// which stores the address reversed.
func parseBDAddr(address string) ([6]uint8, error) {
	var out [6]uint8
	raw, err := hex.DecodeString(strings.ReplaceAll(address, ":", ""))
	if err != nil || len(raw) != 6 {
		return out, errors.Errorf("invalid bluetooth address %q", address)
	}
	for i := range out {
		out[i] = raw[5-i]
	}
	return out, nil
}

// socket is an RFCOMM stream. Reads poll so that Close unblocks a reader.
type socket struct {
	fd   int
	rmu  sync.Mutex
	wmu  sync.Mutex
	cmu  sync.Mutex
	done chan struct{}
}

func (s *socket) isOpen() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *socket) Read(p []byte) (int, error) {
	s.rmu.Lock()
	defer s.rmu.Unlock()
	for {
		if !s.isOpen() {
			return 0, io.EOF
		}
		pfds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(pfds, pollTimeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, errors.Wrap(err, "can't poll rfcomm socket")
		}
		if n == 0 {
			continue
		}
		if pfds[0].Revents&unix.POLLIN == 0 && pfds[0].Revents&unixPollErrors != 0 {
			return 0, io.EOF
		}
		n, err = unix.Read(s.fd, p)
		if err != nil {
			return 0, errors.Wrap(err, "can't read rfcomm socket")
		}
		if n == 0 {
			return 0, io.EOF
		}
		return n, nil
	}
}

func (s *socket) Write(p []byte) (int, error) {
	if !s.isOpen() {
		return 0, io.ErrClosedPipe
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	written := 0
	for written < len(p) {
		n, err := unix.Write(s.fd, p[written:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return written, errors.Wrap(err, "can't write rfcomm socket")
		}
		written += n
	}
	return written, nil
}

func (s *socket) Close() error {
	s.cmu.Lock()
	defer s.cmu.Unlock()
	if !s.isOpen() {
		return nil
	}
	close(s.done)
	// Wait for a reader to notice before the fd number can be reused.
	s.rmu.Lock()
	err := unix.Close(s.fd)
	s.rmu.Unlock()
	return errors.Wrap(err, "can't close rfcomm socket")
}
