package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Device    DeviceConfig  `yaml:"device"`
	BLE       BLEConfig     `yaml:"ble"`
	Classic   ClassicConfig `yaml:"classic"`
	Link      LinkConfig    `yaml:"link"`
	Audio     AudioConfig   `yaml:"audio"`
	Hotkey    HotkeyConfig  `yaml:"hotkey"`
	Inject    InjectConfig  `yaml:"inject"`
	Bridge    BridgeConfig  `yaml:"bridge"`
	StorePath string        `yaml:"store_path"` // last-connected device
	LogLevel  string        `yaml:"log_level"`
}

// DeviceConfig pins the accessory to connect to. When Address is empty the
// last-connected device from the store is used.
type DeviceConfig struct {
	Address string `yaml:"address"`
	Name    string `yaml:"name"`
}

// BLEConfig holds the GATT layout and BLE link settings.
type BLEConfig struct {
	ServiceUUID string   `yaml:"service_uuid"`
	WriteUUID   string   `yaml:"write_uuid"`
	NotifyUUIDs []string `yaml:"notify_uuids"`
	MTU         int      `yaml:"mtu"`
	TextCommand int      `yaml:"text_command"`
	BacklogSize int      `yaml:"backlog_size"`
}

// ClassicConfig holds the RFCOMM link settings.
type ClassicConfig struct {
	Backend    string `yaml:"backend"` // "socket" or "serial"
	Channel    int    `yaml:"channel"`
	SerialPort string `yaml:"serial_port"`
	BaudRate   uint   `yaml:"baud_rate"`
	Adapter    string `yaml:"adapter"` // BlueZ adapter for bonding, e.g. "hci0"
	Bonding    bool   `yaml:"bonding"`
}

// LinkConfig holds retry and heartbeat timings shared by both links.
type LinkConfig struct {
	MaxRetry          int           `yaml:"max_retry"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaggerGap        time.Duration `yaml:"stagger_gap"`
}

// AudioConfig holds microphone capture and voice blob settings.
type AudioConfig struct {
	SampleRate  uint32 `yaml:"sample_rate"`
	Channels    uint32 `yaml:"channels"`
	ChunkMillis int    `yaml:"chunk_ms"`
	VoiceDir    string `yaml:"voice_dir"` // received voice blobs are saved here as WAV
}

// HotkeyConfig holds the push-to-talk hotkey that records a voice message.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Keys    []string `yaml:"keys"`
	Mode    string   `yaml:"mode"` // "hold" or "toggle"
}

// InjectConfig holds how text received from the accessory is typed into the
// active application.
type InjectConfig struct {
	Enabled bool   `yaml:"enabled"`
	Method  string `yaml:"method"` // "type" or "paste"
}

// BridgeConfig holds the local WebSocket bridge settings.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "wearlink")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "wearlink")

	return &Config{
		BLE: BLEConfig{
			ServiceUUID: "6e400001-b5a3-f393-e0a9-e50e24dcca9e",
			WriteUUID:   "6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			NotifyUUIDs: []string{"6e400003-b5a3-f393-e0a9-e50e24dcca9e"},
			MTU:         247,
			TextCommand: 0x20,
			BacklogSize: 64,
		},
		Classic: ClassicConfig{
			Backend:  "socket",
			Channel:  1,
			BaudRate: 115200,
			Adapter:  "hci0",
			Bonding:  true,
		},
		Link: LinkConfig{
			MaxRetry:          3,
			RetryInterval:     2 * time.Second,
			ConnectTimeout:    30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			StaggerGap:        time.Second,
		},
		Audio: AudioConfig{
			SampleRate:  16000,
			Channels:    1,
			ChunkMillis: 40,
			VoiceDir:    filepath.Join(dataDir, "voice"),
		},
		Hotkey: HotkeyConfig{
			Keys: []string{"ctrl", "shift", "v"},
			Mode: "hold",
		},
		Inject: InjectConfig{
			Method: "type",
		},
		Bridge: BridgeConfig{
			Listen: "127.0.0.1:8765",
		},
		StorePath: filepath.Join(dataDir, "device.json"),
		LogLevel:  "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in paths is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.StorePath = expandTilde(cfg.StorePath)
	cfg.Audio.VoiceDir = expandTilde(cfg.Audio.VoiceDir)
	cfg.Classic.SerialPort = expandTilde(cfg.Classic.SerialPort)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ServiceUUID == "" || c.BLE.WriteUUID == "" {
		return fmt.Errorf("ble.service_uuid and ble.write_uuid must not be empty")
	}
	if len(c.BLE.NotifyUUIDs) == 0 {
		return fmt.Errorf("ble.notify_uuids must not be empty")
	}
	if c.BLE.MTU < 23 || c.BLE.MTU > 517 {
		return fmt.Errorf("ble.mtu must be between 23 and 517, got %d", c.BLE.MTU)
	}
	if c.BLE.TextCommand < 1 || c.BLE.TextCommand > 0xFF {
		return fmt.Errorf("ble.text_command must be between 1 and 255, got %d", c.BLE.TextCommand)
	}
	if c.BLE.BacklogSize < 0 {
		return fmt.Errorf("ble.backlog_size must be >= 0")
	}

	switch c.Classic.Backend {
	case "socket":
	case "serial":
		if c.Classic.SerialPort == "" {
			return fmt.Errorf("classic.serial_port is required when classic.backend is \"serial\"")
		}
	default:
		return fmt.Errorf("classic.backend must be \"socket\" or \"serial\", got %q", c.Classic.Backend)
	}
	if c.Classic.Channel < 1 || c.Classic.Channel > 30 {
		return fmt.Errorf("classic.channel must be between 1 and 30, got %d", c.Classic.Channel)
	}

	if c.Link.MaxRetry < 1 {
		return fmt.Errorf("link.max_retry must be > 0")
	}
	for name, d := range map[string]time.Duration{
		"retry_interval":     c.Link.RetryInterval,
		"connect_timeout":    c.Link.ConnectTimeout,
		"heartbeat_interval": c.Link.HeartbeatInterval,
		"stagger_gap":        c.Link.StaggerGap,
	} {
		if d <= 0 {
			return fmt.Errorf("link.%s must be > 0", name)
		}
	}

	if c.Audio.SampleRate == 0 {
		return fmt.Errorf("audio.sample_rate must be > 0")
	}
	if c.Audio.Channels == 0 || c.Audio.Channels > 2 {
		return fmt.Errorf("audio.channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.ChunkMillis <= 0 {
		return fmt.Errorf("audio.chunk_ms must be > 0")
	}

	if c.Hotkey.Enabled {
		if len(c.Hotkey.Keys) == 0 {
			return fmt.Errorf("hotkey.keys must not be empty when the hotkey is enabled")
		}
		if c.Hotkey.Mode != "hold" && c.Hotkey.Mode != "toggle" {
			return fmt.Errorf("hotkey.mode must be \"hold\" or \"toggle\", got %q", c.Hotkey.Mode)
		}
	}

	switch c.Inject.Method {
	case "type", "paste":
	default:
		return fmt.Errorf("inject.method must be \"type\" or \"paste\", got %q", c.Inject.Method)
	}

	if c.Bridge.Enabled && c.Bridge.Listen == "" {
		return fmt.Errorf("bridge.listen must not be empty when the bridge is enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

const defaultHeader = `# wearlink configuration
# Durations use Go syntax ("2s", "500ms"). Leave device.address empty to
# reconnect to the last device found by "wearlink scan".
`

// WriteDefault writes the default config to DefaultConfigPath and returns
// the path. It returns "" without touching anything when a config already
// exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values map
// to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
