// Package registry implements the process-wide Object Registry: a sorted
// table mapping code ranges to their unwind information,
// guarded for concurrent lookup during signal-unsafe-adjacent unwinding
// paths. Grounded on the RWMutex-guarded, binary-searched module table
// pattern delve's pkg/proc.BinaryInfo keeps over its loaded images, adapted
// from "describes images in a ptrace'd inferior" to "registers code ranges
// this process itself can unwind".
package registry

import (
	"sort"
	"sync"

	"github.com/go-eh/unwind/internal/dwarfcfi"
	"github.com/go-eh/unwind/internal/ehlog"
	"github.com/sirupsen/logrus"
)

// Object is one registered code range: its [Begin, End) address span and
// the parsed frame table covering it. Begin/End let Find narrow a PC to an
// object before handing off to dwarfcfi.FrameTable.FDEForPC.
type Object struct {
	Begin uint64
	End   uint64
	Table *dwarfcfi.FrameTable

	// TextRelBase/DataRelBase are the bases this object's pointer
	// encodings were resolved against at parse time, surfaced back to
	// personality routines via abi.Frame.GetTextRelBase/GetDataRelBase
	// since a personality may need to re-apply the same
	// encoding to a value embedded in the LSDA.
	TextRelBase uint64
	DataRelBase uint64

	// Name is an optional human-readable label (a module path, a .so
	// name) surfaced in logs and in ehtool's inspect output; never
	// consulted for lookup correctness.
	Name string
}

func (o *Object) contains(pc uint64) bool { return pc >= o.Begin && pc < o.End }

// Registry is the process-wide Object Registry. The zero value is usable.
// Lookups take the read lock ("reader-preferring", since every
// unwind step calls Find but registration is comparatively rare).
type Registry struct {
	mu      sync.RWMutex
	objects []*Object // kept sorted by Begin
}

// Global is the process-wide registry used by __register_frame/
// __deregister_frame. walker.Step and the abi engine use whichever Registry
// their Config carries; they do not fall back to Global.
var Global = New()

// New constructs an empty Registry. Most callers use Global; an explicit
// Registry is mainly useful in tests that register fixture tables without
// disturbing process-wide state.
func New() *Registry {
	return &Registry{}
}

// Register adds obj to the registry, keeping the slice sorted by Begin so
// Find can binary search. Registering an object whose range overlaps an
// existing one replaces the overlapping entries, matching
// __register_frame's "last registration for an address wins" contract.
func (r *Registry) Register(obj *Object) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.objects[:0]
	for _, o := range r.objects {
		if o.Begin < obj.End && obj.Begin < o.End {
			continue
		}
		kept = append(kept, o)
	}
	r.objects = kept

	i := sort.Search(len(r.objects), func(i int) bool { return r.objects[i].Begin >= obj.Begin })
	r.objects = append(r.objects, nil)
	copy(r.objects[i+1:], r.objects[i:])
	r.objects[i] = obj

	if ehlog.Registry().Enabled() {
		ehlog.Registry().Entry().WithFields(logrus.Fields{
			"begin": obj.Begin, "end": obj.End, "name": obj.Name,
		}).Debug("registered object")
	}
}

// Deregister removes the object previously registered with begin as its
// Begin address, the __deregister_frame contract.
func (r *Registry) Deregister(begin uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.objects), func(i int) bool { return r.objects[i].Begin >= begin })
	if i >= len(r.objects) || r.objects[i].Begin != begin {
		return false
	}
	r.objects = append(r.objects[:i], r.objects[i+1:]...)
	return true
}

// Find returns the Object whose range contains pc, or nil if none does.
// O(log N) in the number of registered objects.
func (r *Registry) Find(pc uint64) *Object {
	r.mu.RLock()
	defer r.mu.RUnlock()

	i := sort.Search(len(r.objects), func(i int) bool { return r.objects[i].Begin > pc }) - 1
	if i < 0 || i >= len(r.objects) {
		return nil
	}
	obj := r.objects[i]
	if !obj.contains(pc) {
		return nil
	}
	return obj
}

// Objects returns a snapshot of every currently registered object, sorted
// by Begin. Used by cmd/ehtool inspect to enumerate what LoadELF parsed
// without needing PC-based lookup.
func (r *Registry) Objects() []*Object {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Object, len(r.objects))
	copy(out, r.objects)
	return out
}

// Len reports how many objects are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.objects)
}
