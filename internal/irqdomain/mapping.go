package irqdomain

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/virq/internal/cpumask"
)

// Lookup resolves a hardware number through the given domain, falling back
// to the default domain when d is nil. It is lock-free.
func (m *Manager) Lookup(d *Domain, hwirq uint64) (int, error) {
	d = m.resolve(d)
	if d == nil {
		return 0, fmt.Errorf("irqdomain: no domain and no default set: %w", ErrNotFound)
	}
	return d.Lookup(hwirq)
}

// Associate binds an already-allocated virq to a hardware number in the
// domain. It is the low-level path used by legacy/static controllers; most
// callers want CreateMapping.
func (m *Manager) Associate(d *Domain, virq int, hwirq uint64) error {
	if d == nil || virq <= 0 {
		return fmt.Errorf("irqdomain: associate virq %d: %w", virq, ErrInvalidArgument)
	}
	if hwirq >= d.hwirqMax {
		return fmt.Errorf("irqdomain: hwirq %d outside domain %q bound %d: %w",
			hwirq, d.name, d.hwirqMax, ErrInvalidArgument)
	}
	if m.space.Lookup(virq) == nil {
		return fmt.Errorf("irqdomain: virq %d has no descriptor: %w", virq, ErrNotFound)
	}

	d.lock.Lock()
	defer d.lock.Unlock()
	return m.associateLocked(d, virq, hwirq)
}

// associateLocked publishes a single-level binding. Caller holds the
// hierarchy lock and has validated the descriptor and bounds.
func (m *Manager) associateLocked(d *Domain, virq int, hwirq uint64) error {
	if _, bound := m.chains.Load(virq); bound {
		return fmt.Errorf("irqdomain: virq %d already bound: %w", virq, ErrExists)
	}
	if d.nomap {
		if uint64(virq) != hwirq {
			return fmt.Errorf("irqdomain: no-map domain %q requires hwirq == virq, got %d != %d: %w",
				d.name, hwirq, virq, ErrInvalidArgument)
		}
	} else if d.rev.get(hwirq) != nil {
		return fmt.Errorf("irqdomain: hwirq %d already mapped in domain %q: %w", hwirq, d.name, ErrExists)
	}

	node := newIRQData(virq, d)
	node.hwirq = hwirq

	if d.ops.Map != nil {
		if err := d.ops.Map(d, virq, hwirq); err != nil {
			return hookError("map", d, err)
		}
	}

	// Publish only the fully-formed binding.
	if !d.nomap {
		d.rev.insert(hwirq, node)
	}
	m.chains.Store(virq, node)
	d.mapCount.Add(1)
	return nil
}

// Disassociate removes the binding of virq from the domain. The descriptor
// itself stays allocated. Hierarchically allocated virqs are refused;
// FreeIRQs owns their multi-level teardown.
func (m *Manager) Disassociate(d *Domain, virq int) error {
	if d == nil {
		return fmt.Errorf("irqdomain: disassociate from nil domain: %w", ErrInvalidArgument)
	}
	d.lock.Lock()
	defer d.lock.Unlock()

	val, ok := m.chains.Load(virq)
	if !ok {
		return fmt.Errorf("irqdomain: virq %d not bound: %w", virq, ErrNotFound)
	}
	node := val.(*IRQData)
	if node.parent != nil {
		return fmt.Errorf("irqdomain: virq %d belongs to a hierarchy, free it through FreeIRQs: %w",
			virq, ErrUnsupported)
	}
	if node.domain != d {
		return fmt.Errorf("irqdomain: virq %d not bound in domain %q: %w", virq, d.name, ErrNotFound)
	}

	if d.ops.Unmap != nil {
		d.ops.Unmap(d, virq, node.hwirq)
	}
	if desc := m.space.Lookup(virq); desc != nil {
		desc.SetHandler(nil)
		desc.SetChip(nil, nil)
	}

	if !d.nomap {
		d.rev.remove(node.hwirq)
	}
	m.chains.Delete(virq)
	d.mapCount.Add(-1)
	return nil
}

// CreateMapping resolves or creates the virq for a hardware number in the
// domain (default domain when d is nil). It is idempotent: a repeat call
// without an intervening disposal observes the first call's virq. A fresh
// virq is allocated and bound only on first use; non-hierarchical domains
// get their Map hook invoked, hierarchical ones go through the allocation
// engine.
func (m *Manager) CreateMapping(d *Domain, hwirq uint64, affinity *cpumask.Mask) (int, error) {
	d = m.resolve(d)
	if d == nil {
		return 0, fmt.Errorf("irqdomain: no domain and no default set: %w", ErrInvalidArgument)
	}
	if hwirq >= d.hwirqMax {
		return 0, fmt.Errorf("irqdomain: hwirq %d outside domain %q bound %d: %w",
			hwirq, d.name, d.hwirqMax, ErrInvalidArgument)
	}

	// Fast path: the binding may already exist.
	if virq, err := d.Lookup(hwirq); err == nil {
		if d.nomap {
			// No-map lookups always succeed below the bound; an actual
			// binding exists only once this domain's chain record does. A
			// bare descriptor may belong to an unrelated owner.
			if node := m.ChainHead(virq); node != nil && node.domain == d {
				return virq, nil
			}
		} else {
			return virq, nil
		}
	}

	if d.hierarchical() {
		virq, err := m.AllocateIRQs(d, AllocSpec{
			Count:     1,
			Hint:      int(hwirq),
			Affinity:  affinity,
			Arg:       hwirq,
			seedHwirq: hwirq,
			seedSet:   true,
		})
		if errors.Is(err, ErrExists) {
			// A concurrent caller won the race; observe its result.
			if virq, lerr := d.Lookup(hwirq); lerr == nil {
				return virq, nil
			}
		}
		if err != nil {
			return 0, err
		}
		return virq, nil
	}

	preferred := -1
	if d.nomap {
		preferred = int(hwirq)
	}
	base, err := m.space.Allocate(preferred, int(hwirq), 1, 0, affinity, "")
	if err != nil {
		if d.nomap && errors.Is(err, ErrExists) {
			// A concurrent caller may have claimed the number first; once
			// the lock is ours its binding is published or abandoned.
			d.lock.Lock()
			node := m.ChainHead(int(hwirq))
			d.lock.Unlock()
			if node != nil && node.domain == d {
				return int(hwirq), nil
			}
		}
		return 0, fmt.Errorf("irqdomain: create mapping hwirq %d in domain %q: %w", hwirq, d.name, err)
	}

	d.lock.Lock()

	// Re-check under the lock: a concurrent caller may have created the
	// binding between the fast path and here.
	if !d.nomap {
		if node := d.rev.get(hwirq); node != nil {
			d.lock.Unlock()
			m.space.Release(base, 1)
			return node.virq, nil
		}
	}
	if err := m.associateLocked(d, base, hwirq); err != nil {
		d.lock.Unlock()
		m.space.Release(base, 1)
		return 0, err
	}
	d.lock.Unlock()
	slog.Debug("created interrupt mapping", "domain", d.name, "hwirq", hwirq, "virq", base)
	return base, nil
}

// CreateDirectMapping allocates a fresh virq in a no-map domain, where the
// hardware number is the virq itself.
func (m *Manager) CreateDirectMapping(d *Domain) (int, error) {
	if d == nil || !d.nomap {
		return 0, fmt.Errorf("irqdomain: direct mapping requires a no-map domain: %w", ErrUnsupported)
	}
	virq, err := m.space.Allocate(-1, 1, 1, 0, nil, "")
	if err != nil {
		return 0, err
	}
	if uint64(virq) >= d.hwirqMax {
		m.space.Release(virq, 1)
		return 0, fmt.Errorf("irqdomain: no virq available below no-map bound %d: %w", d.hwirqMax, ErrNoSpace)
	}

	d.lock.Lock()
	if err := m.associateLocked(d, virq, uint64(virq)); err != nil {
		d.lock.Unlock()
		m.space.Release(virq, 1)
		return 0, err
	}
	d.lock.Unlock()
	return virq, nil
}

// CreateFwspecMapping resolves a firmware interrupt specifier to a virq,
// creating the mapping on first use. The owning domain is found by node
// name, falling back to the default domain.
func (m *Manager) CreateFwspecMapping(spec Fwspec) (int, error) {
	d := m.DomainByNode(spec.Node)
	if d == nil {
		d = m.DefaultDomain()
	}
	if d == nil {
		return 0, fmt.Errorf("irqdomain: no domain for node %q: %w", spec.Node, ErrNotFound)
	}

	hwirq, trigger, err := m.translate(d, spec)
	if err != nil {
		return 0, err
	}

	virq, err := m.CreateMapping(d, hwirq, nil)
	if err != nil {
		return 0, err
	}
	if trigger != 0 {
		if desc := m.space.Lookup(virq); desc != nil {
			desc.SetTrigger(trigger)
		}
	}
	return virq, nil
}

// translate applies the domain's Translate hook, or the default one-cell
// convention: cell 0 is the hardware number, the optional cell 1 the
// trigger type.
func (m *Manager) translate(d *Domain, spec Fwspec) (uint64, uint32, error) {
	if d.ops.Translate != nil {
		hwirq, trigger, err := d.ops.Translate(d, spec)
		if err != nil {
			return 0, 0, hookError("translate", d, err)
		}
		return hwirq, trigger, nil
	}
	if len(spec.Params) < 1 {
		return 0, 0, fmt.Errorf("irqdomain: specifier for node %q has no cells: %w", spec.Node, ErrInvalidArgument)
	}
	hwirq := uint64(spec.Params[0])
	var trigger uint32
	if len(spec.Params) >= 2 {
		trigger = spec.Params[1]
	}
	return hwirq, trigger, nil
}

// ChainHead returns the outermost IRQData node of virq's hierarchy chain,
// or nil when the virq is not bound. It is lock-free.
func (m *Manager) ChainHead(virq int) *IRQData {
	val, ok := m.chains.Load(virq)
	if !ok {
		return nil
	}
	return val.(*IRQData)
}

// DomainData returns the IRQData node of virq at the given domain's level,
// or nil.
func (m *Manager) DomainData(d *Domain, virq int) *IRQData {
	head := m.ChainHead(virq)
	if head == nil {
		return nil
	}
	nodes, err := chainNodes(head)
	if err != nil {
		return nil
	}
	for _, n := range nodes {
		if n.domain == d {
			return n
		}
	}
	return nil
}
