package irqdomain

import (
	"fmt"

	"github.com/tinyrange/virq/internal/irqdesc"
)

// maxChainDepth bounds hierarchy walks. A chain deeper than this is treated
// as structurally corrupt (a cycle in the parent links) and the offending
// operation is aborted.
const maxChainDepth = 128

// chipRef is the tagged chip binding of one IRQData node: either bound to a
// chip (possibly with per-level data) or explicitly disconnected.
type chipRef struct {
	chip         irqdesc.Chip
	data         any
	disconnected bool
}

// IRQData is the per-level state of one virq inside one domain. The nodes
// for a virq form a chain from the outermost (driver-facing) domain to the
// innermost (physical-line) domain via the parent links.
type IRQData struct {
	virq   int
	hwirq  uint64
	domain *Domain
	parent *IRQData

	chip chipRef

	// activated is tracked on the outermost node only, under the
	// hierarchy lock.
	activated bool
}

func newIRQData(virq int, d *Domain) *IRQData {
	return &IRQData{virq: virq, domain: d}
}

// Virq returns the virtual interrupt number.
func (n *IRQData) Virq() int { return n.virq }

// Hwirq returns the hardware interrupt number at this level.
func (n *IRQData) Hwirq() uint64 { return n.hwirq }

// SetHwirq records the hardware interrupt number at this level. Alloc hooks
// call this before the binding is published.
func (n *IRQData) SetHwirq(hwirq uint64) { n.hwirq = hwirq }

// Domain returns the domain this node belongs to.
func (n *IRQData) Domain() *Domain { return n.domain }

// Parent returns the next node toward the root, or nil at the innermost
// level.
func (n *IRQData) Parent() *IRQData { return n.parent }

// HostData returns the host data of the owning domain.
func (n *IRQData) HostData() any { return n.domain.hostData }

// Bind attaches a chip and per-level chip data to this node.
func (n *IRQData) Bind(chip irqdesc.Chip, data any) {
	n.chip = chipRef{chip: chip, data: data}
}

// Disconnect marks this level as having no chip. Per the chain validity
// rule, every node further toward the root must be disconnected as well.
func (n *IRQData) Disconnect() {
	n.chip = chipRef{disconnected: true}
}

// Bound reports whether this node carries a valid chip binding.
func (n *IRQData) Bound() bool {
	return !n.chip.disconnected && n.chip.chip != nil
}

// Chip returns the chip bound at this level, or nil.
func (n *IRQData) Chip() irqdesc.Chip {
	if n.chip.disconnected {
		return nil
	}
	return n.chip.chip
}

// ChipData returns the per-level chip data, or nil.
func (n *IRQData) ChipData() any {
	if n.chip.disconnected {
		return nil
	}
	return n.chip.data
}

// chainNodes flattens the chain starting at head into a leaf-first slice.
// It fails if the parent links form a cycle.
func chainNodes(head *IRQData) ([]*IRQData, error) {
	var nodes []*IRQData
	for n := head; n != nil; n = n.parent {
		if len(nodes) >= maxChainDepth {
			return nil, fmt.Errorf("irqdomain: cyclic hierarchy chain for virq %d", head.virq)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// trimChain removes a trailing run of disconnected nodes toward the root.
// A bound node appearing rootward of a disconnected one, or a chain with no
// bound level at all, is structural corruption.
func trimChain(head *IRQData) error {
	nodes, err := chainNodes(head)
	if err != nil {
		return err
	}
	firstDisc := -1
	for i, n := range nodes {
		if n.chip.disconnected {
			if firstDisc < 0 {
				firstDisc = i
			}
		} else if firstDisc >= 0 {
			return fmt.Errorf("irqdomain: chip binding after disconnect marker for virq %d in domain %q",
				head.virq, n.domain.name)
		}
	}
	if firstDisc == 0 {
		return fmt.Errorf("irqdomain: virq %d has no connected level", head.virq)
	}
	if firstDisc > 0 {
		nodes[firstDisc-1].parent = nil
	}
	return nil
}
