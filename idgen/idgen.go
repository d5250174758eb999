// Package idgen produces the identifiers boardkeeper hands out: boards,
// editing sessions, outbox rows and saved events. All of them are UUIDv7
// (time-sortable) behind a short type prefix, so a log line or a database row
// tells you what kind of object an ID names.
package idgen

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator behind the type-scoped generators.
var Default Generator = UUIDv7()

// Type-scoped generators.
var (
	Board   = Prefixed("brd_", Default)
	Session = Prefixed("ses_", Default)
	Outbox  = Prefixed("obx_", Default)
	Event   = Prefixed("evt_", Default)
)

// Parse validates a bare UUID string.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
