package config

import "log/slog"

// Secret holds a credential. Formatting and logging it yields a redacted
// placeholder; Reveal is the only way to read the value.
type Secret string

const redacted = "[redacted]"

func (s Secret) String() string {
	if s == "" {
		return "(none)"
	}
	return redacted
}

func (s Secret) GoString() string { return s.String() }

func (s Secret) LogValue() slog.Value { return slog.StringValue(s.String()) }

func (s Secret) Reveal() string { return string(s) }
