// Package config contains structures for parsing forward server and client
// configurations.
package config

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"hop.computer/forward/common"
)

// Duration is a time.Duration written as a string such as "10s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if v < 0 {
		return fmt.Errorf("negative duration %q", text)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ServerConfig represents a parsed server configuration.
type ServerConfig struct {
	HandshakeHost string
	HandshakePort int

	// DataAddress is where per-session data listeners are bound. A zero port
	// picks a fresh port for every session.
	DataAddress string

	Certificate   string
	CACertificate string
	Key           string

	KeyLength int
	MaxRelays int

	HandshakeTimeout Duration
	AcceptTimeout    Duration

	// MetricsAddress enables the Prometheus endpoint when non-empty.
	MetricsAddress string
}

// ClientConfig represents a parsed client configuration.
type ClientConfig struct {
	HandshakeHost string
	HandshakePort int

	TargetHost string
	TargetPort int

	// ProxyHost and ProxyPort are where the client accepts the plaintext
	// connection it carries through the tunnel.
	ProxyHost string
	ProxyPort int

	Certificate   string
	CACertificate string
	Key           string

	HandshakeTimeout Duration
}

// HandshakeAddress returns host:port of the handshake listener.
func (c *ServerConfig) HandshakeAddress() string {
	return net.JoinHostPort(c.HandshakeHost, strconv.Itoa(c.HandshakePort))
}

// HandshakeAddress returns host:port of the server's handshake listener.
func (c *ClientConfig) HandshakeAddress() string {
	return net.JoinHostPort(c.HandshakeHost, strconv.Itoa(c.HandshakePort))
}

// ProxyAddress returns host:port of the local plaintext listener.
func (c *ClientConfig) ProxyAddress() string {
	return net.JoinHostPort(c.ProxyHost, strconv.Itoa(c.ProxyPort))
}

// ApplyDefaults fills every unset field from the common defaults.
func (c *ServerConfig) ApplyDefaults() {
	if c.HandshakeHost == "" {
		c.HandshakeHost = common.DefaultHandshakeHost
	}
	if c.HandshakePort == 0 {
		c.HandshakePort = common.DefaultHandshakePort
	}
	if c.DataAddress == "" {
		c.DataAddress = common.DefaultDataAddress
	}
	if c.KeyLength == 0 {
		c.KeyLength = common.DefaultKeyLength
	}
	if c.MaxRelays == 0 {
		c.MaxRelays = common.DefaultMaxRelays
	}
	if c.HandshakeTimeout.Duration == 0 {
		c.HandshakeTimeout.Duration = common.DefaultHandshakeTimeout
	}
	if c.AcceptTimeout.Duration == 0 {
		c.AcceptTimeout.Duration = common.DefaultAcceptTimeout
	}
}

// ApplyDefaults fills every unset field from the common defaults.
func (c *ClientConfig) ApplyDefaults() {
	if c.HandshakeHost == "" {
		c.HandshakeHost = common.DefaultHandshakeHost
	}
	if c.HandshakePort == 0 {
		c.HandshakePort = common.DefaultHandshakePort
	}
	if c.ProxyHost == "" {
		c.ProxyHost = common.DefaultProxyHost
	}
	if c.HandshakeTimeout.Duration == 0 {
		c.HandshakeTimeout.Duration = common.DefaultHandshakeTimeout
	}
}

// Validate reports the first missing or out of range setting.
func (c *ServerConfig) Validate() error {
	switch {
	case c.Certificate == "":
		return errors.New("server certificate is not set")
	case c.CACertificate == "":
		return errors.New("CA certificate is not set")
	case c.Key == "":
		return errors.New("server key is not set")
	case !validPort(c.HandshakePort):
		return errors.Errorf("invalid handshake port %d", c.HandshakePort)
	case c.MaxRelays < 1:
		return errors.Errorf("MaxRelays must be positive, got %d", c.MaxRelays)
	}
	if _, _, err := net.SplitHostPort(c.DataAddress); err != nil {
		return errors.Wrapf(err, "invalid data address %q", c.DataAddress)
	}
	return nil
}

// Validate reports the first missing or out of range setting.
func (c *ClientConfig) Validate() error {
	switch {
	case c.Certificate == "":
		return errors.New("client certificate is not set")
	case c.CACertificate == "":
		return errors.New("CA certificate is not set")
	case c.Key == "":
		return errors.New("client key is not set")
	case c.TargetHost == "":
		return errors.New("target host is not set")
	case !validPort(c.TargetPort):
		return errors.Errorf("invalid target port %d", c.TargetPort)
	case !validPort(c.HandshakePort):
		return errors.Errorf("invalid handshake port %d", c.HandshakePort)
	case c.ProxyPort < 0 || c.ProxyPort > 65535:
		return errors.Errorf("invalid proxy port %d", c.ProxyPort)
	}
	return nil
}

func validPort(p int) bool {
	return p > 0 && p <= 65535
}

// LoadServerConfigFromFile parses the TOML file at path. Unset fields are left
// zero; see ApplyDefaults.
func LoadServerConfigFromFile(path string) (*ServerConfig, error) {
	var c ServerConfig
	if err := decodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadClientConfigFromFile parses the TOML file at path.
func LoadClientConfigFromFile(path string) (*ClientConfig, error) {
	var c ClientConfig
	if err := decodeFile(path, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func decodeFile(path string, v interface{}) error {
	b, err := readFile(path)
	if err != nil {
		return errors.Wrapf(err, "unable to read config %s", path)
	}
	md, err := toml.NewDecoder(bytes.NewReader(b)).Decode(v)
	if err != nil {
		return errors.Wrapf(err, "unable to parse config %s", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return errors.Errorf("unknown setting %q in config %s", undecoded[0].String(), path)
	}
	return nil
}
