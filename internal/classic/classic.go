// Package classic provides the RFCOMM side of the accessory link: bonding,
// socket connect, the blocking stream reader and serialized voice/audio
// writes.
package classic

import (
	"context"
	"errors"
	"io"

	"github.com/chaz8081/wearlink/internal/transport"
)

const (
	// SPPUUID is the Serial Port Profile service class the accessory
	// advertises for its RFCOMM channel.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"
	// DefaultChannel is the RFCOMM channel used when none is configured.
	DefaultChannel = 1
)

var (
	// ErrBondRequired is reported when the accessory is not bonded and the
	// OS pairing flow did not complete.
	ErrBondRequired = errors.New("classic: bond required")
	// ErrNotSupported is returned by dialers that have no backend on this
	// platform.
	ErrNotSupported = errors.New("classic: not supported on this platform")
)

// Dialer opens an RFCOMM stream to a device.
type Dialer interface {
	// Dial connects to channel on address. It must give up when ctx is done.
	Dial(ctx context.Context, address string, channel int) (io.ReadWriteCloser, error)
}

// Bonder checks and creates OS-level bonds.
type Bonder interface {
	// Bonded reports whether the OS holds a bond with address.
	Bonded(ctx context.Context, address string) (bool, error)
	// Pair starts the OS pairing flow and returns once the bond exists.
	Pair(ctx context.Context, address string) error
}

// Discoverer runs Classic inquiry for compatible accessories.
type Discoverer interface {
	Discover(ctx context.Context) ([]transport.DeviceIdentity, error)
}
