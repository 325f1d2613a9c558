// Package validate performs structural and security validation of the
// inputs accepted by the secret store before any storage work happens.
package validate

import (
	"fmt"
	"strings"

	"github.com/org/keyhaven/pkg/models"
)

// Limits enforced on caller-supplied inputs.
const (
	MaxKeyLen      = 255
	MaxValueLen    = 1 << 20 // 1 MiB
	MaxMetaEntries = 20
	MaxMetaKeyLen  = 64
	MaxMetaValLen  = 512
	MaxUsernameLen = 64
)

// Error reports a rejected input. It satisfies errors.As for callers
// that need to distinguish validation failures from other faults.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func fail(field, reason string) error {
	return &Error{Field: field, Reason: reason}
}

// Key checks a secret key for length, charset and traversal attempts.
func Key(key string) error {
	if key == "" {
		return fail("key", "must not be empty")
	}
	if len(key) > MaxKeyLen {
		return fail("key", fmt.Sprintf("must be at most %d bytes", MaxKeyLen))
	}
	if strings.Contains(key, "..") {
		return fail("key", "must not contain path traversal")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fail("key", "must not start or end with a slash")
	}
	for _, c := range key {
		if !keyRune(c) {
			return fail("key", fmt.Sprintf("character %q not allowed", c))
		}
	}
	return nil
}

func keyRune(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_' || c == '.' || c == '/' || c == '-' || c == ' ':
		return true
	}
	return false
}

// Value checks a secret value. Empty values are allowed; nil is not.
func Value(value []byte) error {
	if value == nil {
		return fail("value", "must not be nil")
	}
	if len(value) > MaxValueLen {
		return fail("value", fmt.Sprintf("must be at most %d bytes", MaxValueLen))
	}
	return nil
}

// Metadata checks a metadata map for size and entry limits.
func Metadata(meta map[string]string) error {
	if len(meta) > MaxMetaEntries {
		return fail("metadata", fmt.Sprintf("must have at most %d entries", MaxMetaEntries))
	}
	for k, v := range meta {
		if k == "" {
			return fail("metadata", "keys must not be empty")
		}
		if len(k) > MaxMetaKeyLen {
			return fail("metadata", fmt.Sprintf("key %q exceeds %d bytes", k, MaxMetaKeyLen))
		}
		if len(v) > MaxMetaValLen {
			return fail("metadata", fmt.Sprintf("value for %q exceeds %d bytes", k, MaxMetaValLen))
		}
	}
	return nil
}

// SecretType checks that t is a known secret type.
func SecretType(t string) error {
	if t != models.TypeRoleBased && t != models.TypePersonal {
		return fail("secret_type", fmt.Sprintf("unknown type %q", t))
	}
	return nil
}

// Username checks a username used for share resolution.
func Username(name string) error {
	if name == "" {
		return fail("username", "must not be empty")
	}
	if len(name) > MaxUsernameLen {
		return fail("username", fmt.Sprintf("must be at most %d bytes", MaxUsernameLen))
	}
	for _, c := range name {
		if c < 0x21 || c > 0x7e {
			return fail("username", "must be printable ASCII without spaces")
		}
	}
	return nil
}

// PermissionLevel checks a share permission level.
func PermissionLevel(level string) error {
	if level != models.ShareReadOnly && level != models.ShareEditable {
		return fail("permission_level", fmt.Sprintf("unknown level %q", level))
	}
	return nil
}
