package irqdesc

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virq/internal/cpumask"
)

// Chip is the borrowed reference a descriptor keeps to the interrupt
// controller chip currently driving it. Register-level programming lives
// with the controller driver, not here.
type Chip interface {
	Name() string
}

// Handler is invoked for every dispatch of an interrupt. Actual dispatch is
// performed by an external flow handler; the descriptor only stores the
// current handler reference.
type Handler func(desc *Desc)

type descState int32

const (
	stateAllocated descState = iota
	stateConfigured
	stateFreed
)

// Desc is the per-virq descriptor. It is created fully disabled with a stub
// handler and a nested-disable depth of 1.
type Desc struct {
	virq  int
	node  int
	owner string

	mu       sync.Mutex
	depth    int
	chip     Chip
	chipData any
	handler  Handler
	trigger  uint32

	inflight int
	quiesce  *sync.Cond

	state atomic.Int32

	affinityMu sync.Mutex
	affinity   *cpumask.Mask

	stats []atomic.Uint64
}

// allocStats is the per-CPU statistics allocation seam. Tests replace it to
// exercise the rollback path; Go allocation itself does not fail.
var allocStats = func(ncpus int) ([]atomic.Uint64, error) {
	return make([]atomic.Uint64, ncpus), nil
}

func newDesc(virq, node, ncpus int, affinity *cpumask.Mask, owner string) (*Desc, error) {
	stats, err := allocStats(ncpus)
	if err != nil {
		return nil, fmt.Errorf("irqdesc: stats for virq %d: %w", virq, ErrOutOfMemory)
	}
	d := &Desc{
		virq:     virq,
		node:     node,
		owner:    owner,
		depth:    1,
		affinity: affinity.Copy(),
		stats:    stats,
	}
	d.quiesce = sync.NewCond(&d.mu)
	d.handler = handleBad
	return d, nil
}

// handleBad is the stub handler installed on fresh descriptors. A dispatch
// reaching it means the descriptor was never configured.
func handleBad(d *Desc) {
	slog.Warn("unexpected interrupt on unconfigured descriptor", "virq", d.virq)
}

// Virq returns the virtual interrupt number of the descriptor.
func (d *Desc) Virq() int { return d.virq }

// Node returns the memory node hint the descriptor was created with.
func (d *Desc) Node() int { return d.node }

// Owner returns the name of the owning module, if any.
func (d *Desc) Owner() string { return d.owner }

// SetChip attaches the controller chip and its per-chip data, moving the
// descriptor to the configured state.
func (d *Desc) SetChip(chip Chip, data any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chip = chip
	d.chipData = data
	if chip != nil {
		d.state.Store(int32(stateConfigured))
	}
}

// Chip returns the current chip reference, which may be nil.
func (d *Desc) Chip() Chip {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chip
}

// ChipData returns the per-chip data attached by SetChip.
func (d *Desc) ChipData() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.chipData
}

// SetHandler installs the dispatch handler. A nil handler reinstalls the
// stub.
func (d *Desc) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		h = handleBad
	}
	d.handler = h
}

// SetTrigger records the trigger type produced by a firmware translation.
func (d *Desc) SetTrigger(trigger uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trigger = trigger
}

// Trigger returns the recorded trigger type.
func (d *Desc) Trigger() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trigger
}

// Enable decrements the nested-disable depth. The interrupt is enabled once
// the depth reaches zero. An unbalanced enable is logged and ignored.
func (d *Desc) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.depth == 0 {
		slog.Warn("unbalanced enable", "virq", d.virq)
		return
	}
	d.depth--
}

// Disable increments the nested-disable depth.
func (d *Desc) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.depth++
}

// Depth returns the current nested-disable depth.
func (d *Desc) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth
}

// IsEnabled reports whether the nested-disable depth has reached zero.
func (d *Desc) IsEnabled() bool {
	return d.Depth() == 0
}

// SetAffinity replaces the affinity mask. The mask is copied under the
// descriptor's own affinity lock; an empty mask is rejected.
func (d *Desc) SetAffinity(mask *cpumask.Mask) error {
	if mask == nil || mask.IsEmpty() {
		return fmt.Errorf("irqdesc: empty affinity for virq %d: %w", d.virq, ErrInvalidArgument)
	}
	d.affinityMu.Lock()
	defer d.affinityMu.Unlock()
	d.affinity.CopyFrom(mask)
	return nil
}

// Affinity returns a snapshot copy of the affinity mask. The live mask may
// change between calls; no stronger snapshot guarantee is offered.
func (d *Desc) Affinity() *cpumask.Mask {
	d.affinityMu.Lock()
	defer d.affinityMu.Unlock()
	return d.affinity.Copy()
}

// BeginDispatch brackets the start of a dispatch on the given CPU and bumps
// that CPU's statistics counter.
func (d *Desc) BeginDispatch(cpu int) {
	d.mu.Lock()
	d.inflight++
	d.mu.Unlock()
	if cpu >= 0 && cpu < len(d.stats) {
		d.stats[cpu].Add(1)
	}
}

// EndDispatch brackets the end of a dispatch started with BeginDispatch.
func (d *Desc) EndDispatch() {
	d.mu.Lock()
	d.inflight--
	if d.inflight == 0 {
		d.quiesce.Broadcast()
	}
	d.mu.Unlock()
}

// Synchronize blocks until no dispatch is in flight.
func (d *Desc) Synchronize() {
	d.mu.Lock()
	for d.inflight > 0 {
		d.quiesce.Wait()
	}
	d.mu.Unlock()
}

// Stat returns the dispatch count recorded for the given CPU.
func (d *Desc) Stat(cpu int) uint64 {
	if cpu < 0 || cpu >= len(d.stats) {
		return 0
	}
	return d.stats[cpu].Load()
}

// TotalCount returns the dispatch count summed over all CPUs.
func (d *Desc) TotalCount() uint64 {
	var total uint64
	for i := range d.stats {
		total += d.stats[i].Load()
	}
	return total
}

func (d *Desc) markFreed() {
	d.state.Store(int32(stateFreed))
}

// IsFreed reports whether the descriptor has been torn down. A stale holder
// that obtained the descriptor before teardown can still call its methods
// safely; reclamation is deferred to the garbage collector.
func (d *Desc) IsFreed() bool {
	return descState(d.state.Load()) == stateFreed
}
