// Package config holds the call client configuration and its loader.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Role represents which side of the call this process plays.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// ParseRole accepts the canonical role names plus the marketplace aliases
// used by the web client (the patient places calls, the doctor answers).
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "initiator", "caller", "patient":
		return RoleInitiator, nil
	case "responder", "callee", "doctor":
		return RoleResponder, nil
	}
	return "", fmt.Errorf("invalid role %q: must be initiator or responder", s)
}

// Timeouts groups every bounded wait of a call.
type Timeouts struct {
	JoinRoom         time.Duration `mapstructure:"join_room"`
	Reconnect        time.Duration `mapstructure:"reconnect"`
	Request          time.Duration `mapstructure:"request"`
	ICEServers       time.Duration `mapstructure:"ice_servers"`
	P2PConnect       time.Duration `mapstructure:"p2p_connect"`
	ICEFailureGrace  time.Duration `mapstructure:"ice_failure_grace"`
	TransportConfirm time.Duration `mapstructure:"transport_confirm"`
	SinkAttach       time.Duration `mapstructure:"sink_attach"`
}

// Config stores all parameters of one call client process.
type Config struct {
	Role   Role   `mapstructure:"role"`
	CallID string `mapstructure:"call_id"`

	SignalingURL string `mapstructure:"signaling_url"`
	Token        string `mapstructure:"token"`

	// STUNServers is used when the signaling server cannot supply ICE servers.
	STUNServers []string `mapstructure:"stun_servers"`

	// Mic selects the microphone source: "silence", "ogg:<path>" or "device".
	Mic string `mapstructure:"mic"`
	// Output is where decoded remote audio is written as 16-bit PCM ("" discards it).
	Output string `mapstructure:"output"`

	PreferSFU     bool          `mapstructure:"prefer_sfu"`
	Debug         bool          `mapstructure:"debug"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`

	// RelayAddr is the listen address of the development relay.
	RelayAddr string `mapstructure:"relay_addr"`

	Timeouts Timeouts `mapstructure:"timeouts"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	v := newViper()
	var cfg Config
	// Defaults alone always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("MEDCALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("role", "")
	v.SetDefault("call_id", "")
	v.SetDefault("signaling_url", "ws://127.0.0.1:8443/ws")
	v.SetDefault("token", "")
	v.SetDefault("stun_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("mic", "silence")
	v.SetDefault("output", "")
	v.SetDefault("prefer_sfu", false)
	v.SetDefault("debug", false)
	v.SetDefault("stats_interval", "10s")
	v.SetDefault("relay_addr", "127.0.0.1:8443")

	v.SetDefault("timeouts.join_room", "5s")
	v.SetDefault("timeouts.reconnect", "10s")
	v.SetDefault("timeouts.request", "10s")
	v.SetDefault("timeouts.ice_servers", "5s")
	v.SetDefault("timeouts.p2p_connect", "15s")
	v.SetDefault("timeouts.ice_failure_grace", "2s")
	v.SetDefault("timeouts.transport_confirm", "2s")
	v.SetDefault("timeouts.sink_attach", "1s")
	return v
}

// Load reads the configuration file at path (YAML, optional when empty),
// applies MEDCALL_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Role != "" {
		role, err := ParseRole(string(cfg.Role))
		if err != nil {
			return nil, err
		}
		cfg.Role = role
	}
	if err := cfg.Timeouts.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (t Timeouts) validate() error {
	var errs []error
	check := func(name string, d time.Duration) {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("timeouts.%s must be positive, got %s", name, d))
		}
	}
	check("join_room", t.JoinRoom)
	check("reconnect", t.Reconnect)
	check("request", t.Request)
	check("ice_servers", t.ICEServers)
	check("p2p_connect", t.P2PConnect)
	check("ice_failure_grace", t.ICEFailureGrace)
	check("transport_confirm", t.TransportConfirm)
	check("sink_attach", t.SinkAttach)
	return errors.Join(errs...)
}
