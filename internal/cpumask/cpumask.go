// Package cpumask provides the CPU set type used for interrupt affinity.
package cpumask

import (
	"fmt"
	"math/bits"
	"strings"
)

// BootCPU is the CPU that is always online and always a legal interrupt
// target. The default affinity mask is forced to contain it so that a
// descriptor can never end up with an empty target set.
const BootCPU = 0

// Mask is a fixed-width set of CPU indices.
type Mask struct {
	ncpus int
	words []uint64
}

// New returns an empty mask covering ncpus CPUs.
func New(ncpus int) *Mask {
	if ncpus < 1 {
		ncpus = 1
	}
	return &Mask{
		ncpus: ncpus,
		words: make([]uint64, (ncpus+63)/64),
	}
}

// Full returns a mask with every CPU set.
func Full(ncpus int) *Mask {
	m := New(ncpus)
	for cpu := 0; cpu < m.ncpus; cpu++ {
		m.Set(cpu)
	}
	return m
}

// Default returns the process default affinity mask. On platforms where the
// host scheduler affinity is readable it seeds the mask from that; otherwise
// every CPU is eligible. The result always contains BootCPU.
func Default(ncpus int) *Mask {
	m := hostMask(ncpus)
	if m == nil || m.IsEmpty() {
		m = Full(ncpus)
	}
	m.Set(BootCPU)
	return m
}

// NumCPUs returns the width of the mask.
func (m *Mask) NumCPUs() int { return m.ncpus }

// Set marks cpu as a member of the set.
func (m *Mask) Set(cpu int) {
	if cpu < 0 || cpu >= m.ncpus {
		return
	}
	m.words[cpu/64] |= 1 << (uint(cpu) % 64)
}

// Clear removes cpu from the set.
func (m *Mask) Clear(cpu int) {
	if cpu < 0 || cpu >= m.ncpus {
		return
	}
	m.words[cpu/64] &^= 1 << (uint(cpu) % 64)
}

// Test reports whether cpu is a member of the set.
func (m *Mask) Test(cpu int) bool {
	if cpu < 0 || cpu >= m.ncpus {
		return false
	}
	return m.words[cpu/64]&(1<<(uint(cpu)%64)) != 0
}

// IsEmpty reports whether no CPU is set.
func (m *Mask) IsEmpty() bool {
	for _, w := range m.words {
		if w != 0 {
			return false
		}
	}
	return true
}

// Weight returns the number of CPUs in the set.
func (m *Mask) Weight() int {
	n := 0
	for _, w := range m.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// First returns the lowest CPU in the set, or -1 if the set is empty.
func (m *Mask) First() int {
	for i, w := range m.words {
		if w != 0 {
			return i*64 + bits.TrailingZeros64(w)
		}
	}
	return -1
}

// Copy returns an independent copy of the mask.
func (m *Mask) Copy() *Mask {
	out := New(m.ncpus)
	copy(out.words, m.words)
	return out
}

// CopyFrom overwrites the mask with the contents of other.
func (m *Mask) CopyFrom(other *Mask) {
	for i := range m.words {
		m.words[i] = 0
	}
	for cpu := 0; cpu < other.ncpus && cpu < m.ncpus; cpu++ {
		if other.Test(cpu) {
			m.Set(cpu)
		}
	}
}

// Equal reports whether both masks contain the same CPUs.
func (m *Mask) Equal(other *Mask) bool {
	width := m.ncpus
	if other.ncpus > width {
		width = other.ncpus
	}
	for cpu := 0; cpu < width; cpu++ {
		if m.Test(cpu) != other.Test(cpu) {
			return false
		}
	}
	return true
}

// ForEach calls fn for every CPU in the set, in ascending order.
func (m *Mask) ForEach(fn func(cpu int)) {
	for cpu := 0; cpu < m.ncpus; cpu++ {
		if m.Test(cpu) {
			fn(cpu)
		}
	}
}

// String renders the mask as a comma separated CPU list.
func (m *Mask) String() string {
	var sb strings.Builder
	first := true
	m.ForEach(func(cpu int) {
		if !first {
			sb.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&sb, "%d", cpu)
	})
	if first {
		return "(empty)"
	}
	return sb.String()
}
