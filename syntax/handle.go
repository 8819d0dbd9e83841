package syntax

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	handleRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

	// HandleInvalid is the sentinel handle used when resolution completed but
	// the handle claimed in a DID document did not verify.
	HandleInvalid = Handle("handle.invalid")
)

// Handle is a syntactically valid atproto handle (a domain name).
//
// Syntax specification: https://atproto.com/specs/handle
type Handle string

func ParseHandle(raw string) (Handle, error) {
	if raw == "" {
		return "", errors.New("expected handle, got empty string")
	}
	if len(raw) > 253 {
		return "", errors.New("handle is too long (253 chars max)")
	}
	if !handleRegex.MatchString(raw) {
		return "", fmt.Errorf("handle syntax didn't validate via regex: %s", raw)
	}
	return Handle(raw), nil
}

// Normalize lowercases the handle. Handles are case-insensitive; all
// comparisons in this module are done on normalized handles.
func (h Handle) Normalize() Handle {
	return Handle(strings.ToLower(string(h)))
}

func (h Handle) IsInvalidHandle() bool {
	return h.Normalize() == HandleInvalid
}

// AllowedTLD indicates whether the handle's top-level domain is allowed for
// atproto registration. The '.test' TLD is permitted for local development.
func (h Handle) AllowedTLD() bool {
	switch h.TLD() {
	case "local", "arpa", "invalid", "localhost", "internal", "example", "onion", "alt":
		return false
	}
	return true
}

func (h Handle) TLD() string {
	parts := strings.Split(string(h.Normalize()), ".")
	return parts[len(parts)-1]
}

func (h Handle) AtIdentifier() AtIdentifier {
	return AtIdentifier(h)
}

func (h Handle) String() string {
	return string(h)
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	handle, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = handle
	return nil
}
