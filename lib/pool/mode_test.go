package pool

import "testing"

func TestModeString(t *testing.T) {
	if got := ModeClient.String(); got != "client" {
		t.Errorf("ModeClient.String() = %q, want %q", got, "client")
	}
	if got := ModeServer.String(); got != "server" {
		t.Errorf("ModeServer.String() = %q, want %q", got, "server")
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want Mode
	}{
		{"server", ModeServer},
		{"SERVER", ModeServer},
		{" server ", ModeServer},
		{"client", ModeClient},
		{"", ModeClient},
		{"anything else", ModeClient},
	}
	for _, tt := range tests {
		if got := ParseMode(tt.in); got != tt.want {
			t.Errorf("ParseMode(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestModeTextRoundTrip(t *testing.T) {
	for _, m := range []Mode{ModeClient, ModeServer} {
		text, err := m.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText(%v): %v", m, err)
		}
		var back Mode
		if err := back.UnmarshalText(text); err != nil {
			t.Fatalf("UnmarshalText(%q): %v", text, err)
		}
		if back != m {
			t.Errorf("round trip %v -> %q -> %v", m, text, back)
		}
	}
}
