// Package ble provides the GATT side of the accessory link: connection
// handshake (MTU, discovery, notification subscriptions), text and command
// writes, and reassembly of notifications into events.
package ble

import "context"

// Default GATT layout of the accessory: a Nordic UART style service with one
// write characteristic and one notify characteristic.
const (
	ServiceUUID    = "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
	WriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
	DefaultMTU     = 247
	MinMTU         = 23
	attHeaderLen   = 3
	defaultTextCmd = 0x20
	defaultBacklog = 64
)

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// Write sends data to the characteristic.
	Write(data []byte) error
	// Subscribe enables notifications and registers callback for them.
	Subscribe(callback func(data []byte)) error
}

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	MAC  string
	RSSI int
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// RequestMTU negotiates the ATT MTU and returns the value in effect.
	RequestMTU(ctx context.Context, mtu int) (int, error)
	// DiscoverService finds a service and the listed characteristics in one
	// pass. The result is keyed by characteristic UUID.
	DiscoverService(ctx context.Context, serviceUUID string, charUUIDs ...string) (map[string]Characteristic, error)
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the connection drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Scan discovers BLE peripherals advertising the given service UUID
	// until ctx is done.
	Scan(ctx context.Context, serviceUUID string) ([]Device, error)
	// Connect establishes a connection to the device with the given address.
	Connect(ctx context.Context, mac string) (Connection, error)
}
