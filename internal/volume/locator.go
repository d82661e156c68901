// Package volume discovers the encrypted device-mapper volume to protect.
package volume

import (
	"errors"
	"fmt"
	"strings"
)

// DefaultPrefix is the device-mapper name prefix used for LUKS mappings.
const DefaultPrefix = "luks-"

// ErrNoVolumeFound is returned when no mapping matches the prefix.
var ErrNoVolumeFound = errors.New("no volume found")

// Mapping is an active device-mapper mapping.
type Mapping struct {
	Name  string
	Minor int // dm-<Minor>; -1 when unknown
}

// IsCandidate reports whether the mapping name contains prefix.
func (m Mapping) IsCandidate(prefix string) bool {
	return strings.Contains(m.Name, prefix)
}

func (m Mapping) String() string {
	return m.Name
}

// Lister enumerates active mappings in a stable order.
type Lister interface {
	List() ([]Mapping, error)
}

// Locator selects the mapping to protect from a Lister.
type Locator struct {
	lister Lister
	prefix string
}

// NewLocator creates a Locator. An empty prefix means DefaultPrefix.
func NewLocator(lister Lister, prefix string) *Locator {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Locator{lister: lister, prefix: prefix}
}

// Locate enumerates mappings and returns the selected candidate.
func (l *Locator) Locate() (Mapping, error) {
	mappings, err := l.lister.List()
	if err != nil {
		return Mapping{}, fmt.Errorf("volume: enumerate mappings: %w", err)
	}
	return Select(mappings, l.prefix)
}

// Select returns the last mapping in enumeration order whose name contains
// prefix. Multiple candidates are not an error: the last one wins.
func Select(mappings []Mapping, prefix string) (Mapping, error) {
	var (
		selected Mapping
		found    bool
	)
	for _, m := range mappings {
		if m.IsCandidate(prefix) {
			selected = m
			found = true
		}
	}
	if !found {
		return Mapping{}, fmt.Errorf("%w (prefix %q, %d mappings)", ErrNoVolumeFound, prefix, len(mappings))
	}
	return selected, nil
}

// Named returns a Mapping for an operator-supplied volume name.
func Named(name string) (Mapping, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Mapping{}, fmt.Errorf("volume: empty volume name")
	}
	if strings.ContainsAny(name, "/ \t\n") {
		return Mapping{}, fmt.Errorf("volume: invalid volume name %q", name)
	}
	return Mapping{Name: name, Minor: -1}, nil
}
