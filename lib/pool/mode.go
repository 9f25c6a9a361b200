package pool

import "strings"

// Mode selects how the pool obtains new connections: a client pool
// dials out through its factory, a server pool accepts from a listener.
type Mode int

const (
	// ModeClient dials new connections through the configured Dialer.
	ModeClient Mode = iota
	// ModeServer accepts new connections from the configured Listener.
	ModeServer
)

// String returns the lowercase name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeServer:
		return "server"
	default:
		return "client"
	}
}

// IsClient reports whether the mode is ModeClient.
func (m Mode) IsClient() bool { return m == ModeClient }

// IsServer reports whether the mode is ModeServer.
func (m Mode) IsServer() bool { return m == ModeServer }

// ParseMode parses a mode name, case-insensitively. Unrecognized
// values fall back to ModeClient.
func ParseMode(s string) Mode {
	if strings.EqualFold(strings.TrimSpace(s), "server") {
		return ModeServer
	}
	return ModeClient
}

// MarshalText implements encoding.TextMarshaler for config files.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for config files.
func (m *Mode) UnmarshalText(text []byte) error {
	*m = ParseMode(string(text))
	return nil
}
