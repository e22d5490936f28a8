package common

import "time"

const (
	// DefaultHandshakeHost is the host the forward server binds its handshake
	// listener to when none is configured.
	DefaultHandshakeHost = "localhost"

	// DefaultHandshakePort is the TCP port of the handshake listener.
	DefaultHandshakePort = 2206

	// DefaultDataAddress is where per-session data listeners are bound. Port 0
	// gives every session its own ephemeral port.
	DefaultDataAddress = "localhost:0"

	// DefaultProxyHost is where the forward client accepts plaintext
	// connections.
	DefaultProxyHost = "localhost"

	// DefaultKeyLength is the session key length in bits.
	DefaultKeyLength = 128

	// DefaultMaxRelays bounds the number of concurrently running tunnels.
	DefaultMaxRelays = 64

	// DefaultConfigPath is where the server looks for a config file when none
	// is passed on the command line.
	DefaultConfigPath = "/etc/forward/config.toml"
)

// Timeouts used when a configuration leaves them unset.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultAcceptTimeout    = 30 * time.Second
	DefaultDialTimeout      = 10 * time.Second
)
