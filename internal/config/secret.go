package config

import (
	"strconv"
	"strings"
)

const redacted = "[REDACTED]"

// Secret holds a credential. Printing and encoding always yield a redaction
// marker (or "" when unset); Reveal is the only way to the value.
type Secret string

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string { return s.mask() }

func (s Secret) GoString() string { return strconv.Quote(s.mask()) }

// MarshalText covers encoding/json and any other text encoder
func (s Secret) MarshalText() ([]byte, error) { return []byte(s.mask()), nil }

func (s Secret) MarshalYAML() (interface{}, error) { return s.mask(), nil }

// Reveal returns the credential for the code paths that must send it
func (s Secret) Reveal() string { return string(s) }

// Scrub replaces every occurrence of the credential in text, for error
// messages that embed it (URLs carrying a bot token, DSNs)
func (s Secret) Scrub(text string) string {
	if s == "" {
		return text
	}
	return strings.ReplaceAll(text, string(s), redacted)
}
