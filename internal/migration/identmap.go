package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/ehr-migrate/internal/platform/blobstore"
)

// Kind names one entity namespace in the identifier maps.
type Kind string

const (
	KindPatient  Kind = "patient"
	KindProvider Kind = "provider"
	KindPayor    Kind = "payor"
)

// ErrNotMapped is returned when a source identifier has no destination
// mapping.
var ErrNotMapped = errors.New("no mapping for identifier")

// IdentifierMaps holds the pre-built source-to-destination identifier
// lookups, one per entity kind. Read-only for the duration of a run.
type IdentifierMaps struct {
	maps map[Kind]map[string]string
}

// NewIdentifierMaps returns an empty map set.
func NewIdentifierMaps() *IdentifierMaps {
	return &IdentifierMaps{maps: make(map[Kind]map[string]string)}
}

// Set installs the lookup table for a kind.
func (m *IdentifierMaps) Set(kind Kind, table map[string]string) {
	m.maps[kind] = table
}

// LoadFromStore reads a JSON identifier map artifact into the given kind.
// A missing artifact leaves the kind unloaded, which switches Passthrough
// into identity mode.
func (m *IdentifierMaps) LoadFromStore(ctx context.Context, store blobstore.Store, kind Kind, name string) error {
	data, err := store.Get(ctx, name)
	if errors.Is(err, blobstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("migration: loading %s map: %w", kind, err)
	}

	table := make(map[string]string)
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("migration: decoding %s map %s: %w", kind, name, err)
	}
	m.maps[kind] = table
	return nil
}

// Has reports whether a lookup table was loaded for the kind.
func (m *IdentifierMaps) Has(kind Kind) bool {
	return m.maps[kind] != nil
}

// Resolve translates a source identifier. A missing entry fails the row,
// never the run: callers catch the error and record the single row.
func (m *IdentifierMaps) Resolve(kind Kind, source string) (string, error) {
	table := m.maps[kind]
	if table == nil {
		return "", fmt.Errorf("migration: %w: no %s map loaded", ErrNotMapped, kind)
	}
	dest, ok := table[source]
	if !ok {
		return "", fmt.Errorf("migration: %w: %s %q", ErrNotMapped, kind, source)
	}
	return dest, nil
}

// Passthrough resolves when a table is loaded and returns the source value
// unchanged when none is. Providers and payors are often already
// destination keys in the template, in which case no map exists and the
// value flows through.
func (m *IdentifierMaps) Passthrough(kind Kind, source string) (string, error) {
	if m.maps[kind] == nil {
		return source, nil
	}
	return m.Resolve(kind, source)
}

// Reverse returns a destination-to-source inversion of the kind's table,
// used when a destination search result must be traced back to a source
// record.
func (m *IdentifierMaps) Reverse(kind Kind) map[string]string {
	table := m.maps[kind]
	reversed := make(map[string]string, len(table))
	for src, dest := range table {
		reversed[dest] = src
	}
	return reversed
}
