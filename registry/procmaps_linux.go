//go:build linux

package registry

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-eh/unwind/internal/ehlog"
	"golang.org/x/sys/unix"
)

// mapping is one parsed line of /proc/self/maps.
type mapping struct {
	start, end uint64
	perms      string
	offset     uint64
	path       string
}

// DiscoverSelf reads /proc/self/maps, memory-maps and parses the unwind
// tables of every executable mapping backed by a file path, and registers
// them, per the Itanium ABI: "may auto-discover objects already mapped into
// the current process by reading /proc/self/maps (Linux-only, gated behind a
// build tag)". Within one call, a path+offset pair seen earlier in the maps
// listing is skipped; objects registered before the call are not checked.
func (r *Registry) DiscoverSelf() ([]*MappedObject, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("registry: open /proc/self/maps: %w", err)
	}
	defer f.Close()

	mappings, err := parseMaps(f)
	if err != nil {
		return nil, fmt.Errorf("registry: parse /proc/self/maps: %w", err)
	}

	seen := map[string]bool{}
	var loaded []*MappedObject
	for _, m := range mappings {
		if m.path == "" || strings.HasPrefix(m.path, "[") || !strings.Contains(m.perms, "x") {
			continue
		}
		key := fmt.Sprintf("%s@%#x", m.path, m.offset)
		if seen[key] {
			continue
		}
		seen[key] = true

		loadBias, err := executableLoadBias(m)
		if err != nil {
			ehlog.Registry().Entry().WithField("path", m.path).WithError(err).Debug("skipping mapping, cannot determine load bias")
			continue
		}

		obj, err := r.LoadELF(m.path, loadBias)
		if err != nil {
			ehlog.Registry().Entry().WithField("path", m.path).WithError(err).Debug("skipping mapping, no unwind table")
			continue
		}
		loaded = append(loaded, obj)
	}
	return loaded, nil
}

func parseMaps(f *os.File) ([]mapping, error) {
	var out []mapping
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			continue
		}
		m := mapping{start: start, end: end, perms: fields[1], offset: offset}
		if len(fields) >= 6 {
			m.path = fields[5]
		}
		out = append(out, m)
	}
	return out, sc.Err()
}

// executableLoadBias reports the difference between the addresses an ELF's
// section headers describe and where the first executable segment for that
// file is actually mapped: bias = mapping.start - mapping.offset, valid when
// the mapping's file offset lines up with the segment the linker placed at
// that virtual address (true for the standard PIE/non-PIE layouts). The
// path is stat'ed with golang.org/x/sys/unix only to confirm it still
// exists; its inode is not compared with the mapping's, so a file replaced
// on disk after being mapped is not detected.
func executableLoadBias(m mapping) (uint64, error) {
	var st unix.Stat_t
	if err := unix.Stat(m.path, &st); err != nil {
		return 0, fmt.Errorf("stat %s: %w", m.path, err)
	}
	if m.offset > m.start {
		return 0, fmt.Errorf("mapping offset %#x exceeds start %#x", m.offset, m.start)
	}
	return m.start - m.offset, nil
}
