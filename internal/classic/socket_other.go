//go:build !linux

package classic

import (
	"context"
	"io"
)

// SocketDialer has no RFCOMM socket backend outside Linux. Use SerialDialer
// with a paired serial port instead.
type SocketDialer struct{}

func (SocketDialer) Dial(context.Context, string, int) (io.ReadWriteCloser, error) {
	return nil, ErrNotSupported
}
