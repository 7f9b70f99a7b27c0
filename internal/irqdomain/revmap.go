package irqdomain

import (
	"sync/atomic"

	"github.com/google/btree"
)

// revmap is the hwirq to binding lookup structure of one domain. Reads are
// lock-free and safe from interrupt-equivalent contexts; writers run under
// the hierarchy lock and publish fully-formed bindings only.
type revmap interface {
	get(hwirq uint64) *IRQData
	insert(hwirq uint64, data *IRQData)
	remove(hwirq uint64)
}

type revEntry struct {
	hwirq uint64
	data  *IRQData
}

func revLess(a, b revEntry) bool { return a.hwirq < b.hwirq }

// treeMap is the sparse reverse-map: a copy-on-write B-tree swapped under
// the hierarchy lock. Readers load an immutable snapshot, so a concurrent
// writer never invalidates an in-progress lookup; the superseded tree is
// reclaimed once the last reader drops it.
type treeMap struct {
	tree atomic.Pointer[btree.BTreeG[revEntry]]
}

func newTreeMap() *treeMap {
	m := &treeMap{}
	m.tree.Store(btree.NewG(8, revLess))
	return m
}

func (m *treeMap) get(hwirq uint64) *IRQData {
	entry, ok := m.tree.Load().Get(revEntry{hwirq: hwirq})
	if !ok {
		return nil
	}
	return entry.data
}

func (m *treeMap) insert(hwirq uint64, data *IRQData) {
	next := m.tree.Load().Clone()
	next.ReplaceOrInsert(revEntry{hwirq: hwirq, data: data})
	m.tree.Store(next)
}

func (m *treeMap) remove(hwirq uint64) {
	next := m.tree.Load().Clone()
	next.Delete(revEntry{hwirq: hwirq})
	m.tree.Store(next)
}

// linearMap is the fixed-size reverse-map: an array of atomic slots for
// hwirq below the array size, with a sparse overflow tree above it.
type linearMap struct {
	slots    []atomic.Pointer[IRQData]
	overflow *treeMap
}

func newLinearMap(size int) *linearMap {
	return &linearMap{
		slots:    make([]atomic.Pointer[IRQData], size),
		overflow: newTreeMap(),
	}
}

func (m *linearMap) get(hwirq uint64) *IRQData {
	if hwirq < uint64(len(m.slots)) {
		return m.slots[hwirq].Load()
	}
	return m.overflow.get(hwirq)
}

func (m *linearMap) insert(hwirq uint64, data *IRQData) {
	if hwirq < uint64(len(m.slots)) {
		m.slots[hwirq].Store(data)
		return
	}
	m.overflow.insert(hwirq, data)
}

func (m *linearMap) remove(hwirq uint64) {
	if hwirq < uint64(len(m.slots)) {
		m.slots[hwirq].Store(nil)
		return
	}
	m.overflow.remove(hwirq)
}
