package volume

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysBlock is where the kernel exposes block devices.
const DefaultSysBlock = "/sys/block"

// SysfsLister reads device-mapper names from /sys/block/dm-*/dm/name.
// Mappings are returned in ascending minor number order.
type SysfsLister struct {
	Root string
}

// List returns all active device-mapper mappings.
func (l SysfsLister) List() ([]Mapping, error) {
	root := l.Root
	if root == "" {
		root = DefaultSysBlock
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}

	var mappings []Mapping
	for _, e := range entries {
		minor, ok := dmMinor(e.Name())
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "dm", "name"))
		if err != nil {
			// Device may have been removed between ReadDir and ReadFile.
			continue
		}
		name := strings.TrimSpace(string(data))
		if name == "" {
			continue
		}
		mappings = append(mappings, Mapping{Name: name, Minor: minor})
	}

	// ReadDir sorts lexically, which puts dm-10 before dm-2.
	sort.SliceStable(mappings, func(i, j int) bool {
		return mappings[i].Minor < mappings[j].Minor
	})
	return mappings, nil
}

// dmMinor parses "dm-<n>" and returns n.
func dmMinor(name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, "dm-")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
