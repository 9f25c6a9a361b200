package validation

import "time"

// ---- Endpoint-specific validators ----
// These functions validate dial targets and listen addresses for the pool
// dialers and tooling, and return operator-safe error messages.

// ValidateDialTarget validates a network name and target address pair
// as used by the pool dialers.
func ValidateDialTarget(network, addr string) error {
	if err := Network("network", network); err != nil {
		return err
	}
	if err := MaxLength("addr", addr, MaxEndpointLength); err != nil {
		return err
	}
	return HostPort("addr", addr)
}

// ValidateListenAddr validates a listen address. The host part may be
// empty (":8080" listens on all interfaces).
func ValidateListenAddr(addr string) error {
	return HostPort("listen_addr", addr)
}

// ValidateMetricsAddr validates the metrics endpoint address. Empty
// disables the endpoint.
func ValidateMetricsAddr(addr string) error {
	if addr == "" {
		return nil
	}
	return HostPort("metrics_addr", addr)
}

// ValidateRunDuration validates and parses a benchmark run duration.
func ValidateRunDuration(value string) (time.Duration, error) {
	return DurationRange("duration", value, MinDuration, MaxDuration)
}

// ValidateWorkerCount validates a benchmark worker count.
func ValidateWorkerCount(value int) error {
	return IntRange("workers", value, 1, 10000)
}
