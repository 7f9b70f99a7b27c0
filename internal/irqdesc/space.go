// Package irqdesc owns the process-wide virtual interrupt number space and
// the per-number descriptors. Mutation of the space is serialized by one
// coarse lock; point lookups are lock-free and safe from any context.
package irqdesc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virq/internal/cpumask"
)

// DefaultCeiling is the hard upper bound on the number space when the
// configuration does not override it.
const DefaultCeiling = 65536

const initialBits = 1024

// Diagnostics receives best-effort notifications when descriptors come and
// go, standing in for a sysfs/debugfs registration surface. Implementations
// must not fail; the space ignores them for correctness purposes.
type Diagnostics interface {
	DescriptorAdded(virq int)
	DescriptorRemoved(virq int)
}

type noopDiagnostics struct{}

func (noopDiagnostics) DescriptorAdded(int)   {}
func (noopDiagnostics) DescriptorRemoved(int) {}

// Config configures a Space.
type Config struct {
	// Ceiling is the hard upper bound of the number space. Defaults to
	// DefaultCeiling.
	Ceiling int

	// NumCPUs sizes per-descriptor statistics and the default affinity
	// mask. Defaults to 1.
	NumCPUs int

	// DefaultAffinity is used when a descriptor is created without an
	// explicit mask. It is forced to contain the boot CPU. Defaults to the
	// host mask.
	DefaultAffinity *cpumask.Mask

	// Diagnostics, if set, is notified of descriptor lifecycle events.
	Diagnostics Diagnostics
}

// Space is the virtual interrupt number space: an allocator over a flat
// integer range plus the virq to descriptor index. Virq 0 is permanently
// reserved; allocation starts at 1.
type Space struct {
	mu      sync.Mutex
	words   []uint64
	ceiling int
	ncpus   int
	deflt   *cpumask.Mask
	diag    Diagnostics

	descs sync.Map // virq -> *Desc, lock-free reads
	live  atomic.Int64
}

// NewSpace builds a Space from the configuration.
func NewSpace(cfg Config) *Space {
	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	ncpus := cfg.NumCPUs
	if ncpus <= 0 {
		ncpus = 1
	}
	deflt := cfg.DefaultAffinity
	if deflt == nil || deflt.IsEmpty() {
		deflt = cpumask.Default(ncpus)
	} else {
		deflt = deflt.Copy()
	}
	deflt.Set(cpumask.BootCPU)
	diag := cfg.Diagnostics
	if diag == nil {
		diag = noopDiagnostics{}
	}
	initial := initialBits
	if initial > ceiling {
		initial = ceiling
	}
	return &Space{
		words:   make([]uint64, (initial+63)/64),
		ceiling: ceiling,
		ncpus:   ncpus,
		deflt:   deflt,
		diag:    diag,
	}
}

// Ceiling returns the hard upper bound of the space. It doubles as the
// sentinel returned by FindNextAllocated when enumeration is exhausted.
func (s *Space) Ceiling() int { return s.ceiling }

// NumCPUs returns the per-CPU statistics width.
func (s *Space) NumCPUs() int { return s.ncpus }

// Count returns the number of live descriptors.
func (s *Space) Count() int { return int(s.live.Load()) }

// Allocate reserves count consecutive virq numbers and creates their
// descriptors. With preferred >= 0 it reserves exactly that base and fails
// with ErrExists on collision; otherwise it searches from hint, growing the
// space up to the ceiling and retrying from slot 1 before giving up with
// ErrNoSpace. On any descriptor construction failure the whole batch is
// rolled back.
func (s *Space) Allocate(preferred, hint, count, node int, affinity *cpumask.Mask, owner string) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("irqdesc: allocate count %d: %w", count, ErrInvalidArgument)
	}
	if affinity == nil {
		affinity = s.deflt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var base int
	if preferred >= 0 {
		if preferred == 0 {
			return 0, fmt.Errorf("irqdesc: virq 0 is reserved: %w", ErrInvalidArgument)
		}
		if preferred+count > s.ceiling {
			return 0, fmt.Errorf("irqdesc: virqs %d..%d beyond ceiling %d: %w",
				preferred, preferred+count-1, s.ceiling, ErrNoSpace)
		}
		s.growLocked(preferred + count)
		for v := preferred; v < preferred+count; v++ {
			if s.testLocked(v) {
				return 0, fmt.Errorf("irqdesc: virq %d: %w", v, ErrExists)
			}
		}
		base = preferred
	} else {
		base = s.findRunLocked(hint, count)
		if base < 0 && hint > 1 {
			base = s.findRunLocked(1, count)
		}
		if base < 0 {
			return 0, fmt.Errorf("irqdesc: no run of %d free virqs below ceiling %d: %w",
				count, s.ceiling, ErrNoSpace)
		}
	}

	// Build every descriptor before publishing anything so that a failure
	// partway through leaves no trace in the index or the bitmap.
	created := make([]*Desc, 0, count)
	for v := base; v < base+count; v++ {
		desc, err := newDesc(v, node, s.ncpus, affinity, owner)
		if err != nil {
			return 0, err
		}
		created = append(created, desc)
	}
	for _, d := range created {
		s.setLocked(d.virq)
		s.descs.Store(d.virq, d)
	}
	s.live.Add(int64(count))
	for _, d := range created {
		s.diag.DescriptorAdded(d.virq)
	}
	return base, nil
}

// Destroy tears down the descriptor for virq and releases its number.
// Concurrent holders of the old descriptor keep a valid object until they
// drop it; new lookups observe the removal immediately.
func (s *Space) Destroy(virq int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyLocked(virq)
}

// Release tears down count descriptors starting at base and removes their
// numbers from the space.
func (s *Space) Release(base, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for v := base; v < base+count; v++ {
		s.destroyLocked(v)
	}
}

func (s *Space) destroyLocked(virq int) {
	val, ok := s.descs.LoadAndDelete(virq)
	if !ok {
		return
	}
	desc := val.(*Desc)
	s.diag.DescriptorRemoved(virq)
	desc.markFreed()
	s.clearLocked(virq)
	s.live.Add(-1)
	slog.Debug("destroyed interrupt descriptor", "virq", virq)
}

// Lookup returns the descriptor for virq, or nil if none is allocated. It
// takes no locks and is safe from arbitrary contexts.
func (s *Space) Lookup(virq int) *Desc {
	val, ok := s.descs.Load(virq)
	if !ok {
		return nil
	}
	return val.(*Desc)
}

// FindNextAllocated returns the first allocated virq at or above offset, or
// Ceiling() if none remain. It supports statistics enumeration.
func (s *Space) FindNextAllocated(offset int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if offset < 0 {
		offset = 0
	}
	for v := offset; v < s.capLocked(); v++ {
		if s.testLocked(v) {
			return v
		}
	}
	return s.ceiling
}

// ForEachAllocated calls fn for every allocated virq in ascending order.
func (s *Space) ForEachAllocated(fn func(desc *Desc)) {
	for v := s.FindNextAllocated(0); v < s.ceiling; v = s.FindNextAllocated(v + 1) {
		if desc := s.Lookup(v); desc != nil {
			fn(desc)
		}
	}
}

func (s *Space) capLocked() int {
	n := len(s.words) * 64
	if n > s.ceiling {
		n = s.ceiling
	}
	return n
}

func (s *Space) growLocked(to int) {
	if to > s.ceiling {
		to = s.ceiling
	}
	want := (to + 63) / 64
	if want <= len(s.words) {
		return
	}
	next := len(s.words) * 2
	if next < want {
		next = want
	}
	if next*64 > s.ceiling+63 {
		next = (s.ceiling + 63) / 64
	}
	words := make([]uint64, next)
	copy(words, s.words)
	s.words = words
}

func (s *Space) findRunLocked(from, count int) int {
	if from < 1 {
		from = 1
	}
	for {
		run := 0
		for v := from; v < s.capLocked(); v++ {
			if s.testLocked(v) {
				run = 0
				continue
			}
			run++
			if run == count {
				return v - count + 1
			}
		}
		if s.capLocked() >= s.ceiling {
			return -1
		}
		s.growLocked(s.capLocked() * 2)
	}
}

func (s *Space) testLocked(v int) bool {
	return s.words[v/64]&(1<<(uint(v)%64)) != 0
}

func (s *Space) setLocked(v int) {
	s.words[v/64] |= 1 << (uint(v) % 64)
}

func (s *Space) clearLocked(v int) {
	if v/64 < len(s.words) {
		s.words[v/64] &^= 1 << (uint(v) % 64)
	}
}
