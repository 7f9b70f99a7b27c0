// irqbench measures allocate/activate/deactivate/free churn through a
// synthetic multi-level domain hierarchy.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/virq"
	"golang.org/x/term"
)

type bench struct {
	cycles int
	count  int
	levels int
}

func main() {
	b := bench{}
	flag.IntVar(&b.cycles, "cycles", 10000, "Number of allocate/free cycles")
	flag.IntVar(&b.count, "count", 8, "Virqs per batch")
	flag.IntVar(&b.levels, "levels", 3, "Hierarchy depth")
	flag.Parse()

	if err := b.run(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to run benchmark: %v\n", err)
		os.Exit(1)
	}
}

func (b *bench) run() error {
	if b.levels < 1 {
		return fmt.Errorf("hierarchy depth must be at least 1")
	}

	mgr := virq.New(virq.SpaceConfig{})
	leaf, err := buildHierarchy(mgr, b.levels)
	if err != nil {
		return err
	}

	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb = progressbar.Default(int64(b.cycles))
	} else {
		pb = progressbar.DefaultSilent(int64(b.cycles))
	}
	defer pb.Close()

	start := time.Now()
	for i := 0; i < b.cycles; i++ {
		base, err := mgr.AllocateIRQs(leaf, virq.AllocSpec{Count: b.count})
		if err != nil {
			return fmt.Errorf("allocate: %w", err)
		}
		for v := base; v < base+b.count; v++ {
			if err := mgr.Activate(v, false); err != nil {
				return fmt.Errorf("activate virq %d: %w", v, err)
			}
		}
		for v := base; v < base+b.count; v++ {
			if err := mgr.Deactivate(v); err != nil {
				return fmt.Errorf("deactivate virq %d: %w", v, err)
			}
		}
		if err := mgr.FreeIRQs(base, b.count); err != nil {
			return fmt.Errorf("free: %w", err)
		}
		pb.Add(1)
	}
	elapsed := time.Since(start)

	ops := b.cycles * b.count
	fmt.Printf("%d virq round trips in %s (%.0f virqs/sec, %d-level hierarchy)\n",
		ops, elapsed.Round(time.Millisecond), float64(ops)/elapsed.Seconds(), b.levels)
	return nil
}

type benchChip struct{ name string }

func (c benchChip) Name() string { return c.name }

// buildHierarchy creates a root-to-leaf chain of tree-map domains with
// no-op hardware hooks and returns the leaf.
func buildHierarchy(mgr *virq.Manager, levels int) (*virq.Domain, error) {
	var hwirqSeq uint64
	ops := virq.DomainOps{
		Alloc: func(d *virq.Domain, data *virq.IRQData, arg any) error {
			hwirqSeq++
			data.SetHwirq(hwirqSeq)
			data.Bind(benchChip{name: d.Name()}, nil)
			return nil
		},
		Free:     func(d *virq.Domain, data *virq.IRQData) {},
		Activate: func(d *virq.Domain, data *virq.IRQData, reserve bool) error { return nil },
	}

	var parent *virq.Domain
	for i := 0; i < levels; i++ {
		d, err := mgr.CreateDomain(virq.DomainConfig{
			Name:   fmt.Sprintf("bench-l%d", i),
			Parent: parent,
			Ops:    ops,
		})
		if err != nil {
			return nil, err
		}
		parent = d
	}
	return parent, nil
}
