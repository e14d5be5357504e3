// Package constants provides shared constants used across oapx components.
package constants

import "time"

// Shutdown and graceful termination timeouts
const (
	// GracefulShutdownTimeout is the time to wait for the proxy and admin servers to drain
	GracefulShutdownTimeout = 2 * time.Second

	// ReplayTimeout bounds a single replayed request, connection through response body
	ReplayTimeout = 30 * time.Second

	// ReadHeaderTimeout guards the HTTP listeners against slow clients
	ReadHeaderTimeout = 10 * time.Second
)

// Channel buffer sizes
//
// Single-item buffers are used for signals and errors that must never block
// the sender. Subscriber channels of the live capture feed get a medium buffer;
// a subscriber that falls further behind than that loses events.
const (
	// SignalChannelBuffer is the buffer size for OS signal channels
	SignalChannelBuffer = 1

	// ErrorChannelBuffer is the buffer size for server error channels
	ErrorChannelBuffer = 1

	// SubscriberChannelBuffer is the buffer size for live feed subscriber channels
	SubscriberChannelBuffer = 100
)

// Session key derivation and container sealing
const (
	// SessionKeyLabel is the HKDF info label for the directional session keys
	SessionKeyLabel = "OAEP-v1-Session-Keys"

	// SessionKeySize is the size of each directional session key
	SessionKeySize = 32

	// KeyIDBytes is how many transcript hash bytes make up a container key id
	KeyIDBytes = 16

	// ReplaySequence is the sequence number stamped on every forged container.
	// It is deliberately far outside normal traffic so replays are easy to spot.
	ReplaySequence = 999999

	// ReplayMaxPadding is the upper bound of random padding on forged containers
	ReplayMaxPadding = 1024
)

// Body and buffer limits
const (
	// DefaultMaxBodySize is the largest body the proxy buffers for inspection
	DefaultMaxBodySize = 10 * 1024 * 1024

	// MaxStreamBytes caps the bytes buffered for one reassembled TCP direction
	MaxStreamBytes = 16 * 1024 * 1024

	// DefaultLogLimit is how many traffic log entries list operations return by default
	DefaultLogLimit = 100

	// RecentLogCapacity is how many server log records GET /api/events keeps
	RecentLogCapacity = 500
)

// Network defaults
const (
	// DefaultProxyListen is the default address of the intercepting proxy
	DefaultProxyListen = "127.0.0.1:8899"

	// DefaultAdminListen is the default address of the admin API
	DefaultAdminListen = "127.0.0.1:8898"

	// DefaultAdminURL is the admin API base URL used by client commands
	DefaultAdminURL = "http://127.0.0.1:8898"

	// ReplayIDHeader carries the replay id on forged requests
	ReplayIDHeader = "X-Oapx-Replay-Id"
)
