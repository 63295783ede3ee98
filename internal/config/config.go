// Package config holds the relay's file and flag configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/1ureka/edgerelay/internal/dialer"
	"github.com/1ureka/edgerelay/internal/protocol"
	"github.com/1ureka/edgerelay/internal/relay"
	"github.com/1ureka/edgerelay/internal/util"
)

// ErrNoSecret is returned by Validate when no uuid is configured.
var ErrNoSecret = errors.New("no uuid configured")

// Defaults baked into the relay.
const (
	DefaultUUID     = "55d9ec38-1b8a-454b-981a-6acfe8f56d8c"
	DefaultFallback = "sjc.o00o.ooo:443"
)

// Config is the complete relay configuration, as read from a TOML file.
type Config struct {
	Listen        string   `toml:"listen"`
	Path          string   `toml:"path"`
	UUID          string   `toml:"uuid"`
	Fallback      string   `toml:"fallback"` // host:port; empty disables the second attempt
	DialTimeout   Duration `toml:"dial_timeout"`
	ProxyProtocol bool     `toml:"proxy_protocol"`
	MetricsAddr   string   `toml:"metrics_addr"` // empty disables /metrics and /healthz
	Stats         bool     `toml:"stats"`

	Uplink   UplinkConfig   `toml:"uplink"`
	Downlink DownlinkConfig `toml:"downlink"`
	Log      LogConfig      `toml:"log"`
	WebRTC   WebRTCConfig   `toml:"webrtc"`
	Client   ClientConfig   `toml:"client"`
}

type UplinkConfig struct {
	QueueMaxBytes int `toml:"queue_max_bytes"`
	MergeBytes    int `toml:"merge_bytes"`
	LargeChunk    int `toml:"large_chunk"`
}

type DownlinkConfig struct {
	HighWater int `toml:"high_water"`
	LowWater  int `toml:"low_water"`
	BatchHigh int `toml:"batch_high"`
	BatchLow  int `toml:"batch_low"`
	SpinLimit int `toml:"spin_limit"`
}

type LogConfig struct {
	Debug      bool   `toml:"debug"`
	File       string `toml:"file"`
	JSON       bool   `toml:"json"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// WebRTCConfig enables the DataChannel ingress on POST /rtc.
type WebRTCConfig struct {
	Enabled bool     `toml:"enabled"`
	STUN    []string `toml:"stun"`
}

// ClientConfig drives the local forwarder mode.
type ClientConfig struct {
	Listen   string `toml:"listen"`
	RelayURL string `toml:"relay_url"`
	Target   string `toml:"target"` // host:port the relay should dial
}

// Duration is a time.Duration read from a string such as "2s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	up := relay.DefaultUplinkOptions()
	down := relay.DefaultDownlinkOptions()
	return Config{
		Listen:      ":8080",
		Path:        "/",
		UUID:        DefaultUUID,
		Fallback:    DefaultFallback,
		DialTimeout: Duration(dialer.DefaultTimeout),
		Stats:       true,
		Uplink: UplinkConfig{
			QueueMaxBytes: up.MaxQueuedBytes,
			MergeBytes:    up.MergeBytes,
			LargeChunk:    up.LargeChunk,
		},
		Downlink: DownlinkConfig{
			HighWater: down.HighWater,
			LowWater:  down.LowWater,
			BatchHigh: down.BatchHigh,
			BatchLow:  down.BatchLow,
			SpinLimit: down.SpinLimit,
		},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		WebRTC: WebRTCConfig{
			STUN: []string{"stun:stun.l.google.com:19302"},
		},
		Client: ClientConfig{
			Listen: "127.0.0.1:1080",
		},
	}
}

// Load reads a TOML file over the defaults. Unknown keys are logged, not
// rejected. The result is not validated.
func Load(path string) (Config, error) {
	c := Default()
	md, err := toml.DecodeFile(path, &c)
	if err != nil {
		return c, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		util.LogWarning("unknown config key %q in %s", key.String(), path)
	}
	return c, nil
}

// Validate checks the settings the relay cannot run without.
func (c *Config) Validate() error {
	if c.UUID == "" {
		return ErrNoSecret
	}
	if _, err := protocol.ParseSecret(c.UUID); err != nil {
		return err
	}
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("path must start with '/': %q", c.Path)
	}
	if c.Fallback != "" {
		if _, _, err := net.SplitHostPort(c.Fallback); err != nil {
			return fmt.Errorf("invalid fallback %q: %w", c.Fallback, err)
		}
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be positive")
	}
	if c.Uplink.QueueMaxBytes <= 0 || c.Uplink.MergeBytes <= 0 || c.Uplink.LargeChunk <= 0 {
		return fmt.Errorf("uplink sizes must be positive")
	}
	if c.Uplink.MergeBytes > c.Uplink.QueueMaxBytes {
		return fmt.Errorf("uplink merge_bytes (%d) exceeds queue_max_bytes (%d)", c.Uplink.MergeBytes, c.Uplink.QueueMaxBytes)
	}
	if c.Downlink.LowWater <= 0 || c.Downlink.LowWater >= c.Downlink.HighWater {
		return fmt.Errorf("downlink low_water (%d) must be positive and below high_water (%d)", c.Downlink.LowWater, c.Downlink.HighWater)
	}
	if c.Downlink.BatchHigh <= 0 || c.Downlink.BatchLow <= 0 || c.Downlink.SpinLimit < 0 {
		return fmt.Errorf("downlink batch sizes must be positive")
	}
	return nil
}

// ValidateClient checks the settings needed by the local forwarder.
func (c *Config) ValidateClient() error {
	if c.UUID == "" {
		return ErrNoSecret
	}
	if _, err := protocol.ParseSecret(c.UUID); err != nil {
		return err
	}
	if c.Client.RelayURL == "" {
		return fmt.Errorf("client relay_url is required")
	}
	host, port, err := net.SplitHostPort(c.Client.Target)
	if err != nil || host == "" || port == "" {
		return fmt.Errorf("invalid client target %q", c.Client.Target)
	}
	return nil
}

// Secret returns the parsed uuid. Call after Validate.
func (c *Config) Secret() protocol.Secret {
	s, _ := protocol.ParseSecret(c.UUID)
	return s
}

// RelayOptions converts the pump sections into relay tuning.
func (c *Config) RelayOptions() relay.Options {
	up := relay.DefaultUplinkOptions()
	up.MaxQueuedBytes = c.Uplink.QueueMaxBytes
	up.MergeBytes = c.Uplink.MergeBytes
	up.LargeChunk = c.Uplink.LargeChunk

	return relay.Options{
		Uplink: up,
		Downlink: relay.DownlinkOptions{
			HighWater: c.Downlink.HighWater,
			LowWater:  c.Downlink.LowWater,
			BatchHigh: c.Downlink.BatchHigh,
			BatchLow:  c.Downlink.BatchLow,
			SpinLimit: c.Downlink.SpinLimit,
		},
	}
}

// Dialer builds the outbound dialer.
func (c *Config) Dialer() *dialer.Dialer {
	return dialer.New(time.Duration(c.DialTimeout), c.Fallback)
}

// LogFile returns the rotating file sink options; Path is empty when file
// logging is off.
func (c *Config) LogFile() util.LogFileOptions {
	return util.LogFileOptions{
		Path:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
