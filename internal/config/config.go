package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for the canonical wire schema. The split threshold stays well under
// the inbound frame ceiling: fragment slices are re-embedded as JSON strings,
// which costs escaping overhead on top of the envelope itself.
const (
	DefaultSplitThreshold   = 256 * 1024
	DefaultMaxInboundFrame  = 1024 * 1024
	DefaultMaxOutboundFrame = 64 * 1024 * 1024

	DefaultResponseTimeout = 30 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultIdleRecheck     = 5 * time.Second
	DefaultFragmentTTL     = 60 * time.Second
	DefaultJanitorMin      = 10 * time.Second
)

type Transport struct {
	SplitThreshold   int
	MaxInboundFrame  int
	MaxOutboundFrame int
}

type Timeouts struct {
	Response    time.Duration
	Idle        time.Duration
	IdleRecheck time.Duration
	FragmentTTL time.Duration
	JanitorMin  time.Duration
}

type Host struct {
	Name          string
	Command       string
	Args          []string
	AutoReconnect bool
}

type Config struct {
	Transport Transport
	Timeouts  Timeouts
	Host      Host
}

func Default() Config {
	return Config{
		Transport: Transport{
			SplitThreshold:   DefaultSplitThreshold,
			MaxInboundFrame:  DefaultMaxInboundFrame,
			MaxOutboundFrame: DefaultMaxOutboundFrame,
		},
		Timeouts: Timeouts{
			Response:    DefaultResponseTimeout,
			Idle:        DefaultIdleTimeout,
			IdleRecheck: DefaultIdleRecheck,
			FragmentTTL: DefaultFragmentTTL,
			JanitorMin:  DefaultJanitorMin,
		},
		Host: Host{
			Name:          "host",
			AutoReconnect: true,
		},
	}
}

type fileConfig struct {
	Transport struct {
		SplitThreshold   int64 `toml:"split_threshold"`
		MaxInboundFrame  int64 `toml:"max_inbound_frame"`
		MaxOutboundFrame int64 `toml:"max_outbound_frame"`
	} `toml:"transport"`
	Timeouts struct {
		Response    string `toml:"response"`
		Idle        string `toml:"idle"`
		IdleRecheck string `toml:"idle_recheck"`
		FragmentTTL string `toml:"fragment_ttl"`
		JanitorMin  string `toml:"janitor_min"`
	} `toml:"timeouts"`
	Host struct {
		Name          string   `toml:"name"`
		Command       string   `toml:"command"`
		Args          []string `toml:"args"`
		AutoReconnect bool     `toml:"auto_reconnect"`
	} `toml:"host"`
}

// Load reads a toml file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("transport", "split_threshold") {
		cfg.Transport.SplitThreshold = int(raw.Transport.SplitThreshold)
	}
	if meta.IsDefined("transport", "max_inbound_frame") {
		cfg.Transport.MaxInboundFrame = int(raw.Transport.MaxInboundFrame)
	}
	if meta.IsDefined("transport", "max_outbound_frame") {
		cfg.Transport.MaxOutboundFrame = int(raw.Transport.MaxOutboundFrame)
	}

	durations := []struct {
		defined bool
		raw     string
		key     string
		dst     *time.Duration
	}{
		{meta.IsDefined("timeouts", "response"), raw.Timeouts.Response, "response", &cfg.Timeouts.Response},
		{meta.IsDefined("timeouts", "idle"), raw.Timeouts.Idle, "idle", &cfg.Timeouts.Idle},
		{meta.IsDefined("timeouts", "idle_recheck"), raw.Timeouts.IdleRecheck, "idle_recheck", &cfg.Timeouts.IdleRecheck},
		{meta.IsDefined("timeouts", "fragment_ttl"), raw.Timeouts.FragmentTTL, "fragment_ttl", &cfg.Timeouts.FragmentTTL},
		{meta.IsDefined("timeouts", "janitor_min"), raw.Timeouts.JanitorMin, "janitor_min", &cfg.Timeouts.JanitorMin},
	}
	for _, d := range durations {
		if !d.defined {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse timeouts.%s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("host", "name") {
		cfg.Host.Name = strings.TrimSpace(raw.Host.Name)
	}
	if meta.IsDefined("host", "command") {
		cfg.Host.Command = strings.TrimSpace(raw.Host.Command)
	}
	if meta.IsDefined("host", "args") {
		cfg.Host.Args = raw.Host.Args
	}
	if meta.IsDefined("host", "auto_reconnect") {
		cfg.Host.AutoReconnect = raw.Host.AutoReconnect
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Transport.SplitThreshold <= 0 {
		return fmt.Errorf("config: split_threshold must be positive")
	}
	if c.Transport.MaxInboundFrame <= 0 || c.Transport.MaxOutboundFrame <= 0 {
		return fmt.Errorf("config: frame ceilings must be positive")
	}
	if c.Transport.SplitThreshold*2 > c.Transport.MaxInboundFrame {
		return fmt.Errorf("config: split_threshold %d leaves no re-escaping headroom under max_inbound_frame %d",
			c.Transport.SplitThreshold, c.Transport.MaxInboundFrame)
	}
	if c.Timeouts.Response <= 0 || c.Timeouts.Idle <= 0 || c.Timeouts.IdleRecheck <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.Timeouts.FragmentTTL <= 0 || c.Timeouts.JanitorMin <= 0 {
		return fmt.Errorf("config: fragment_ttl and janitor_min must be positive")
	}
	if c.Host.Name == "" {
		return fmt.Errorf("config: host name must not be empty")
	}
	return nil
}
