package classic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/godbus/dbus/v5"

	"github.com/chaz8081/wearlink/internal/transport"
)

const (
	bluezBusName      = "org.bluez"
	bluezAdapterIface = "org.bluez.Adapter1"
	bluezDeviceIface  = "org.bluez.Device1"
	defaultAdapter    = "hci0"
)

// BlueZ implements Bonder and Discoverer over the BlueZ D-Bus API.
type BlueZ struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// NewBlueZ opens a private system bus connection for adapter ("hci0" when
// empty).
func NewBlueZ(adapter string) (*BlueZ, error) {
	if adapter == "" {
		adapter = defaultAdapter
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("classic: connect system bus: %w", err)
	}
	return &BlueZ{conn: conn, adapter: dbus.ObjectPath("/org/bluez/" + adapter)}, nil
}

// Close releases the bus connection.
func (b *BlueZ) Close() error {
	return b.conn.Close()
}

func (b *BlueZ) devicePath(address string) dbus.ObjectPath {
	return dbus.ObjectPath(string(b.adapter) + "/dev_" + strings.ReplaceAll(strings.ToUpper(address), ":", "_"))
}

func (b *BlueZ) Bonded(ctx context.Context, address string) (bool, error) {
	obj := b.conn.Object(bluezBusName, b.devicePath(address))
	var paired bool
	err := obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Get", 0, bluezDeviceIface, "Paired").Store(&paired)
	if isDBusError(err, "org.freedesktop.DBus.Error.UnknownObject") {
		// BlueZ has never seen the device, so there is no bond.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("classic: read Paired of %s: %w", address, err)
	}
	return paired, nil
}

// Pair asks BlueZ to pair and then trusts the device so later connects do
// not prompt. The registered pairing agent shows any confirmation UI.
func (b *BlueZ) Pair(ctx context.Context, address string) error {
	obj := b.conn.Object(bluezBusName, b.devicePath(address))
	err := obj.CallWithContext(ctx, bluezDeviceIface+".Pair", 0).Err
	if err != nil && !isDBusError(err, "org.bluez.Error.AlreadyExists") {
		return fmt.Errorf("classic: pair %s: %w", address, err)
	}
	err = obj.CallWithContext(ctx, "org.freedesktop.DBus.Properties.Set", 0, bluezDeviceIface, "Trusted", dbus.MakeVariant(true)).Err
	if err != nil {
		slog.Warn("[CLASSIC] could not trust device", "address", address, "error", err)
	}
	return nil
}

// Discover runs BR/EDR inquiry until ctx is done and returns the devices
// that advertise the serial port profile.
func (b *BlueZ) Discover(ctx context.Context) ([]transport.DeviceIdentity, error) {
	adapter := b.conn.Object(bluezBusName, b.adapter)
	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("bredr"),
		"UUIDs":     dbus.MakeVariant([]string{SPPUUID}),
	}
	if err := adapter.Call(bluezAdapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return nil, fmt.Errorf("classic: set discovery filter: %w", err)
	}
	if err := adapter.Call(bluezAdapterIface+".StartDiscovery", 0).Err; err != nil {
		return nil, fmt.Errorf("classic: start discovery: %w", err)
	}
	<-ctx.Done()
	if err := adapter.Call(bluezAdapterIface+".StopDiscovery", 0).Err; err != nil {
		slog.Debug("[CLASSIC] stop discovery", "error", err)
	}

	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	root := b.conn.Object(bluezBusName, "/")
	if err := root.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("classic: list devices: %w", err)
	}

	var ids []transport.DeviceIdentity
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDeviceIface]
		if !ok || !strings.HasPrefix(string(path), string(b.adapter)+"/") {
			continue
		}
		var uuids []string
		if v, ok := props["UUIDs"]; ok {
			v.Store(&uuids)
		}
		if !slices.ContainsFunc(uuids, func(u string) bool { return strings.EqualFold(u, SPPUUID) }) {
			continue
		}
		var id transport.DeviceIdentity
		if v, ok := props["Address"]; ok {
			v.Store(&id.Address)
		}
		if v, ok := props["Alias"]; ok {
			v.Store(&id.Name)
		}
		if id.Address != "" {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b transport.DeviceIdentity) int { return strings.Compare(a.Address, b.Address) })
	return ids, nil
}

func isDBusError(err error, name string) bool {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name == name
	}
	var pderr *dbus.Error
	return errors.As(err, &pderr) && pderr.Name == name
}

var (
	_ Bonder     = (*BlueZ)(nil)
	_ Discoverer = (*BlueZ)(nil)
)
