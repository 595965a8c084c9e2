package types

import "log/slog"

const redacted = "***REDACTED***"

// SecretString holds a credential. fmt, encoding/json and slog all see a
// redacted placeholder; Unmask returns the plaintext.
type SecretString string

func (s SecretString) String() string { return redacted }

// MarshalJSON keeps secrets out of config dumps and API responses.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// LogValue implements slog.LogValuer.
func (s SecretString) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Unmask returns the raw value. Call sites should be limited to building
// outbound credentials (HTTP headers, connection strings).
func (s SecretString) Unmask() string {
	return string(s)
}

// IsEmpty reports whether no secret was configured.
func (s SecretString) IsEmpty() bool {
	return s == ""
}
