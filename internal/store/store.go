// Package store persists the accessories this host has connected to, so the
// next run can reconnect without a scan.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/chaz8081/wearlink/internal/transport"
)

// ErrNotFound is returned by Last when no device has been saved.
var ErrNotFound = errors.New("store: no saved device")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Record is one remembered device.
type Record struct {
	Device      transport.DeviceIdentity `json:"device"`
	ConnectedAt time.Time                `json:"connected_at"`
}

type file struct {
	Last    string            `json:"last"`
	Devices map[string]Record `json:"devices"`
}

// Store is a JSON file of known devices keyed by address.
type Store struct {
	filename string
	lock     sync.RWMutex
	now      func() time.Time
}

// New returns a store backed by filename. The file is created on first Save.
func New(filename string) *Store {
	return &Store{filename: filename, now: time.Now}
}

// Last returns the most recently saved device.
func (s *Store) Last() (transport.DeviceIdentity, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	f, err := s.load()
	if err != nil {
		return transport.DeviceIdentity{}, err
	}
	r, ok := f.Devices[f.Last]
	if !ok {
		return transport.DeviceIdentity{}, ErrNotFound
	}
	return r.Device, nil
}

// Save records id as the last-connected device.
func (s *Store) Save(id transport.DeviceIdentity) error {
	if id.Address == "" {
		return fmt.Errorf("store: save: empty address")
	}
	s.lock.Lock()
	defer s.lock.Unlock()

	f, err := s.load()
	if err != nil {
		return err
	}
	key := strings.ToUpper(id.Address)
	if prev, ok := f.Devices[key]; ok && id.Name == "" {
		id.Name = prev.Device.Name
	}
	f.Devices[key] = Record{Device: id, ConnectedAt: s.now().UTC()}
	f.Last = key
	return s.store(f)
}

// Known returns every remembered device, most recent first.
func (s *Store) Known() ([]Record, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	f, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(f.Devices))
	for _, r := range f.Devices {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int { return b.ConnectedAt.Compare(a.ConnectedAt) })
	return out, nil
}

// Clear forgets every device.
func (s *Store) Clear() error {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := os.Remove(s.filename)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("store: clear: %w", err)
	}
	return nil
}

func (s *Store) load() (*file, error) {
	f := &file{Devices: make(map[string]Record)}
	in, err := os.ReadFile(s.filename)
	if errors.Is(err, os.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", s.filename, err)
	}
	if err := json.Unmarshal(in, f); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", s.filename, err)
	}
	if f.Devices == nil {
		f.Devices = make(map[string]Record)
	}
	return f, nil
}

// store writes through a temp file so a crash never leaves half a file.
func (s *Store) store(f *file) error {
	out, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("store: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.filename), 0o755); err != nil {
		return fmt.Errorf("store: create dir: %w", err)
	}
	tmp := s.filename + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	if err := os.Rename(tmp, s.filename); err != nil {
		return fmt.Errorf("store: write: %w", err)
	}
	return nil
}
