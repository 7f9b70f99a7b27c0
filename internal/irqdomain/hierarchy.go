package irqdomain

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/virq/internal/cpumask"
)

// AllocSpec describes a batch request to the hierarchy allocation engine.
type AllocSpec struct {
	// Count is the number of consecutive virqs to allocate.
	Count int

	// Preferred, when positive, requests exactly that virq base. If the
	// descriptors already exist the request reuses them (the legacy
	// pre-reserved path); otherwise they are reserved here.
	Preferred int

	// Hint starts the dynamic number search.
	Hint int

	// Node is the memory node hint recorded on the descriptors.
	Node int

	// Arg is passed verbatim to every level's Alloc hook.
	Arg any

	// Affinity seeds the descriptors' affinity masks; nil selects the
	// process default.
	Affinity *cpumask.Mask

	// Owner names the owning module on the descriptors.
	Owner string

	// seedHwirq pre-fills the leaf node's hardware number before the
	// hooks run (used by CreateMapping on hierarchical domains).
	seedHwirq uint64
	seedSet   bool
}

// AllocateIRQs drives the two-phase allocation protocol across the domain
// chain rooted under d. Numbers and descriptors are reserved first, then
// every level's Alloc hook runs root-first for each virq, disconnected
// tails are trimmed, and only after the whole batch has succeeded are the
// hwirq bindings published into each level's reverse-map. Any failure fully
// unwinds committed state before returning.
func (m *Manager) AllocateIRQs(d *Domain, spec AllocSpec) (int, error) {
	if d == nil {
		return 0, fmt.Errorf("irqdomain: allocate on nil domain: %w", ErrInvalidArgument)
	}
	if spec.Count <= 0 {
		return 0, fmt.Errorf("irqdomain: allocate count %d: %w", spec.Count, ErrInvalidArgument)
	}
	if !d.hierarchical() {
		return 0, fmt.Errorf("irqdomain: domain %q is not hierarchical: %w", d.name, ErrUnsupported)
	}

	base, ownedDescs, err := m.reserveNumbers(d, spec)
	if err != nil {
		return 0, err
	}

	// Number-space calls stay outside the hierarchy lock; the two locks
	// are never nested.
	d.lock.Lock()

	// fail reverts fully-allocated chains, stashes them for retry reuse
	// and releases the number range once the lock is dropped. Nothing was
	// published yet, so no lookup can observe the torn-down state.
	fail := func(done []*IRQData, err error) (int, error) {
		for _, head := range done {
			if nodes, cerr := chainNodes(head); cerr == nil {
				m.freeLevels(nodes)
			}
			m.partial.Store(head.virq, head)
		}
		d.lock.Unlock()
		if ownedDescs {
			m.space.Release(base, spec.Count)
		}
		return 0, err
	}

	heads := make([]*IRQData, spec.Count)
	for i := 0; i < spec.Count; i++ {
		virq := base + i
		head := m.buildChain(d, virq)
		if spec.seedSet {
			head.hwirq = spec.seedHwirq
		}
		heads[i] = head

		nodes, err := chainNodes(head)
		if err != nil {
			return fail(heads[:i], err)
		}
		if err := m.allocLevels(nodes, spec.Arg); err != nil {
			m.partial.Store(virq, head)
			return fail(heads[:i], err)
		}
	}

	// Trim disconnected tails only after all levels reported success.
	for _, head := range heads {
		if err := trimChain(head); err != nil {
			return fail(heads, err)
		}
	}

	// A duplicate hwirq at any level, whether already published or claimed
	// by a sibling in this batch, would break the one-virq-per-
	// (domain, hwirq) invariant; refuse the whole batch.
	type slot struct {
		domain *Domain
		hwirq  uint64
	}
	claimed := make(map[slot]bool)
	for _, head := range heads {
		nodes, _ := chainNodes(head)
		for _, n := range nodes {
			if n.domain.nomap {
				continue
			}
			key := slot{n.domain, n.hwirq}
			if claimed[key] || n.domain.rev.get(n.hwirq) != nil {
				return fail(heads, fmt.Errorf("irqdomain: hwirq %d already mapped in domain %q: %w",
					n.hwirq, n.domain.name, ErrExists))
			}
			claimed[key] = true
		}
	}

	// Publish the whole batch.
	for _, head := range heads {
		nodes, _ := chainNodes(head)
		for _, n := range nodes {
			if !n.domain.nomap {
				n.domain.rev.insert(n.hwirq, n)
			}
			n.domain.mapCount.Add(1)
		}
		if desc := m.space.Lookup(head.virq); desc != nil && head.Bound() {
			desc.SetChip(head.Chip(), head.ChipData())
		}
		m.chains.Store(head.virq, head)
	}
	d.lock.Unlock()

	slog.Debug("allocated hierarchical interrupts", "domain", d.name, "base", base, "count", spec.Count)
	return base, nil
}

// reserveNumbers obtains the virq range for a batch. It reports whether the
// engine owns the descriptors (and must release them on failure).
func (m *Manager) reserveNumbers(d *Domain, spec AllocSpec) (int, bool, error) {
	if spec.Preferred > 0 {
		existing := 0
		for v := spec.Preferred; v < spec.Preferred+spec.Count; v++ {
			if m.space.Lookup(v) != nil {
				existing++
			}
		}
		if existing == spec.Count {
			// Legacy path: the caller pre-reserved the range.
			return spec.Preferred, false, nil
		}
		if existing != 0 {
			return 0, false, fmt.Errorf("irqdomain: virq range %d..%d partially allocated: %w",
				spec.Preferred, spec.Preferred+spec.Count-1, ErrExists)
		}
	}
	hint := spec.Hint
	if hint < 1 {
		hint = 1
	}
	preferred := spec.Preferred
	if preferred <= 0 {
		preferred = -1
	}
	base, err := m.space.Allocate(preferred, hint, spec.Count, spec.Node, spec.Affinity, spec.Owner)
	if err != nil {
		return 0, false, err
	}
	return base, true, nil
}

// buildChain returns the IRQData chain for virq under leaf domain d,
// reusing nodes stashed by an earlier failed attempt when they match.
func (m *Manager) buildChain(d *Domain, virq int) *IRQData {
	if val, ok := m.partial.LoadAndDelete(virq); ok {
		head := val.(*IRQData)
		if head.domain == d {
			if nodes, err := chainNodes(head); err == nil {
				ok := true
				dom := d
				for _, n := range nodes {
					if dom == nil || n.domain != dom {
						ok = false
						break
					}
					dom = dom.parent
				}
				if ok && dom == nil {
					head.activated = false
					return head
				}
			}
		}
	}

	var head, child *IRQData
	for dom := d; dom != nil; dom = dom.parent {
		n := newIRQData(virq, dom)
		if child == nil {
			head = n
		} else {
			child.parent = n
		}
		child = n
	}
	return head
}

// allocLevels runs the Alloc hooks for one virq, root-first. On failure the
// levels that already succeeded are freed leaf-first.
func (m *Manager) allocLevels(nodes []*IRQData, arg any) error {
	for li := len(nodes) - 1; li >= 0; li-- {
		n := nodes[li]
		op := n.domain.ops.Alloc
		if op == nil {
			err := fmt.Errorf("irqdomain: domain %q has no alloc hook: %w", n.domain.name, ErrUnsupported)
			m.freeLevels(nodes[li+1:])
			return err
		}
		if err := op(n.domain, n, arg); err != nil {
			m.freeLevels(nodes[li+1:])
			return hookError("alloc", n.domain, err)
		}
	}
	return nil
}

// freeLevels runs the Free hooks for the given nodes leaf-first.
func (m *Manager) freeLevels(nodes []*IRQData) {
	for _, n := range nodes {
		if n.domain.ops.Free != nil {
			n.domain.ops.Free(n.domain, n)
		}
	}
}

// FreeIRQs is the inverse of AllocateIRQs: it unpublishes the reverse-map
// entries, quiesces each virq, runs the Free hooks leaf-first toward the
// root, and releases the descriptors and numbers.
func (m *Manager) FreeIRQs(base, count int) error {
	if count <= 0 {
		return fmt.Errorf("irqdomain: free count %d: %w", count, ErrInvalidArgument)
	}
	first := m.ChainHead(base)
	if first == nil {
		return fmt.Errorf("irqdomain: virq %d not allocated: %w", base, ErrNotFound)
	}
	lock := first.domain.lock

	lock.Lock()
	var heads []*IRQData
	for virq := base; virq < base+count; virq++ {
		head := m.ChainHead(virq)
		if head == nil {
			slog.Warn("free of unbound virq in batch", "virq", virq)
			continue
		}
		nodes, err := chainNodes(head)
		if err != nil {
			lock.Unlock()
			return err
		}
		// Unpublish before any teardown so no lookup can return a
		// half-dead binding.
		for _, n := range nodes {
			if !n.domain.nomap {
				n.domain.rev.remove(n.hwirq)
			}
			n.domain.mapCount.Add(-1)
		}
		m.chains.Delete(virq)
		heads = append(heads, head)
	}

	// Quiesce: disable and wait out any in-flight dispatch.
	for virq := base; virq < base+count; virq++ {
		if desc := m.space.Lookup(virq); desc != nil {
			desc.Disable()
			desc.Synchronize()
		}
	}

	for _, head := range heads {
		if head.activated {
			deactivateNodes(head)
			head.activated = false
		}
		nodes, _ := chainNodes(head)
		m.freeLevels(nodes)
	}
	lock.Unlock()

	m.space.Release(base, count)
	slog.Debug("freed hierarchical interrupts", "base", base, "count", count)
	return nil
}

// Activate commits hardware resources for virq across its chain. The root
// domain's hook runs before any domain that depends on it; activation is
// idempotent, tracked on the outermost node. With reserve set, levels only
// reserve resources for lazy binding.
func (m *Manager) Activate(virq int, reserve bool) error {
	head := m.ChainHead(virq)
	if head == nil {
		return fmt.Errorf("irqdomain: activate virq %d: %w", virq, ErrNotFound)
	}
	head.domain.lock.Lock()
	defer head.domain.lock.Unlock()

	if head.activated {
		return nil
	}
	if err := activateNode(head, reserve); err != nil {
		return err
	}
	head.activated = true
	return nil
}

// activateNode recurses parent-first: the rootward portion of the chain is
// armed before this level's hook runs. If this level fails, the already
// activated parents are deactivated again, leaving the chain in its
// pre-activation state.
func activateNode(n *IRQData, reserve bool) error {
	if n == nil {
		return nil
	}
	if err := activateNode(n.parent, reserve); err != nil {
		return err
	}
	if n.domain.ops.Activate == nil {
		return nil
	}
	if err := n.domain.ops.Activate(n.domain, n, reserve); err != nil {
		deactivateNodes(n.parent)
		return hookError("activate", n.domain, err)
	}
	return nil
}

// Deactivate releases hardware resources for virq, child-first (the mirror
// of activation order).
func (m *Manager) Deactivate(virq int) error {
	head := m.ChainHead(virq)
	if head == nil {
		return fmt.Errorf("irqdomain: deactivate virq %d: %w", virq, ErrNotFound)
	}
	head.domain.lock.Lock()
	defer head.domain.lock.Unlock()

	if !head.activated {
		return nil
	}
	deactivateNodes(head)
	head.activated = false
	return nil
}

// deactivateNodes walks from n toward the root invoking Deactivate hooks,
// so children quiesce before the controllers they depend on.
func deactivateNodes(n *IRQData) {
	for ; n != nil; n = n.parent {
		if n.domain.ops.Deactivate != nil {
			n.domain.ops.Deactivate(n.domain, n)
		}
	}
}
