package irqdomain

import (
	"errors"
	"sync"
	"testing"

	"github.com/tinyrange/virq/internal/irqdesc"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(irqdesc.NewSpace(irqdesc.Config{Ceiling: 512, NumCPUs: 2}))
}

type testChip struct{ name string }

func (c testChip) Name() string { return c.name }

func TestCreateDomainDuplicate(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 32}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 32}); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate error = %v, want ErrExists", err)
	}
}

func TestCreateDomainValidation(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateDomain(DomainConfig{Size: 32}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("nameless error = %v, want ErrInvalidArgument", err)
	}
	if _, err := m.CreateDomain(DomainConfig{Name: "bad", Size: -1}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("negative size error = %v, want ErrInvalidArgument", err)
	}
}

// The binding lifecycle of a linear domain: associate, look up, refuse
// destruction while bound, disassociate, destroy.
func TestAssociateRoundTrip(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 64})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Space().Allocate(100, 0, 1, 0, nil, ""); err != nil {
		t.Fatalf("reserve virq 100: %v", err)
	}

	if err := m.Associate(d, 100, 5); err != nil {
		t.Fatalf("associate: %v", err)
	}
	virq, err := d.Lookup(5)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if virq != 100 {
		t.Fatalf("lookup(5) = %d, want 100", virq)
	}

	if err := m.DestroyDomain(d); err == nil {
		t.Fatalf("destroy succeeded with a live binding")
	}

	if err := m.Disassociate(d, 100); err != nil {
		t.Fatalf("disassociate: %v", err)
	}
	if _, err := d.Lookup(5); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup after disassociate = %v, want ErrNotFound", err)
	}
	if err := m.DestroyDomain(d); err != nil {
		t.Fatalf("destroy after disassociate: %v", err)
	}
}

func TestAssociateErrors(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 8})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := m.Associate(d, 1, 8); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("out-of-range error = %v, want ErrInvalidArgument", err)
	}
	if err := m.Associate(d, 7, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing descriptor error = %v, want ErrNotFound", err)
	}

	for _, v := range []int{10, 11} {
		if _, err := m.Space().Allocate(v, 0, 1, 0, nil, ""); err != nil {
			t.Fatalf("reserve virq %d: %v", v, err)
		}
	}
	if err := m.Associate(d, 10, 3); err != nil {
		t.Fatalf("associate: %v", err)
	}
	if err := m.Associate(d, 10, 4); !errors.Is(err, ErrExists) {
		t.Fatalf("rebound virq error = %v, want ErrExists", err)
	}
	if err := m.Associate(d, 11, 3); !errors.Is(err, ErrExists) {
		t.Fatalf("duplicate hwirq error = %v, want ErrExists", err)
	}
}

func TestLinearOverflowUsesTree(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 8, HwirqMax: 64})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Space().Allocate(20, 0, 1, 0, nil, ""); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	// hwirq 40 lies above the linear array, on the sparse overflow path.
	if err := m.Associate(d, 20, 40); err != nil {
		t.Fatalf("associate: %v", err)
	}
	virq, err := d.Lookup(40)
	if err != nil || virq != 20 {
		t.Fatalf("lookup(40) = %d, %v, want 20", virq, err)
	}
	if err := m.Disassociate(d, 20); err != nil {
		t.Fatalf("disassociate: %v", err)
	}
	if _, err := d.Lookup(40); !errors.Is(err, ErrNotFound) {
		t.Fatalf("lookup after disassociate = %v, want ErrNotFound", err)
	}
}

func TestNoMapDomain(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "direct", DirectMax: 16})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The hardware number is the virq, bounds-checked.
	for h := uint64(0); h < 16; h++ {
		virq, err := d.Lookup(h)
		if err != nil {
			t.Fatalf("lookup(%d): %v", h, err)
		}
		if uint64(virq) != h {
			t.Fatalf("lookup(%d) = %d, want identity", h, virq)
		}
	}
	if _, err := d.Lookup(16); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("out-of-bounds error = %v, want ErrInvalidArgument", err)
	}

	virq, err := m.CreateDirectMapping(d)
	if err != nil {
		t.Fatalf("direct mapping: %v", err)
	}
	if virq <= 0 || virq >= 16 {
		t.Fatalf("direct virq = %d, want 0 < virq < 16", virq)
	}
	if got := d.MapCount(); got != 1 {
		t.Fatalf("map count = %d, want 1", got)
	}
	if err := m.Disassociate(d, virq); err != nil {
		t.Fatalf("disassociate: %v", err)
	}
	if got := d.MapCount(); got != 0 {
		t.Fatalf("map count after disassociate = %d, want 0", got)
	}
}

// A bare descriptor whose number happens to fall below a no-map domain's
// bound is not a binding in that domain: mapping it must fail rather than
// report success without creating anything.
func TestNoMapMappingRequiresOwnBinding(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "direct", DirectMax: 16})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Virq 5 belongs to an unrelated owner; the domain never bound it.
	if _, err := m.Space().Allocate(5, 0, 1, 0, nil, "other"); err != nil {
		t.Fatalf("reserve virq 5: %v", err)
	}
	if _, err := m.CreateMapping(d, 5, nil); !errors.Is(err, ErrExists) {
		t.Fatalf("foreign virq error = %v, want ErrExists", err)
	}
	if got := d.MapCount(); got != 0 {
		t.Fatalf("map count = %d after refused mapping, want 0", got)
	}
	if m.ChainHead(5) != nil {
		t.Fatalf("refused mapping published a chain record")
	}

	// A real binding is created once and observed idempotently.
	virq, err := m.CreateMapping(d, 6, nil)
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if virq != 6 {
		t.Fatalf("virq = %d, want identity 6", virq)
	}
	if again, err := m.CreateMapping(d, 6, nil); err != nil || again != 6 {
		t.Fatalf("repeat = %d, %v, want 6", again, err)
	}
	if got := d.MapCount(); got != 1 {
		t.Fatalf("map count = %d, want 1", got)
	}
	if err := m.Disassociate(d, 6); err != nil {
		t.Fatalf("disassociate: %v", err)
	}
}

func TestDirectMappingOnRegularDomain(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 8})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateDirectMapping(d); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("error = %v, want ErrUnsupported", err)
	}
}

func TestSparseLargeHwirq(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "msi", HwirqMax: 1<<32 - 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before := m.Space().Count()
	const hwirq = 10_000_000
	virq, err := m.CreateMapping(d, hwirq, nil)
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	again, err := m.CreateMapping(d, hwirq, nil)
	if err != nil {
		t.Fatalf("repeat mapping: %v", err)
	}
	if again != virq {
		t.Fatalf("repeat mapping = %d, want %d", again, virq)
	}
	if got := m.Space().Count() - before; got != 1 {
		t.Fatalf("descriptor count grew by %d, want exactly 1", got)
	}
	if got, err := d.Lookup(hwirq); err != nil || got != virq {
		t.Fatalf("lookup = %d, %v, want %d", got, err, virq)
	}
}

func TestCreateMappingInvokesMapHookOnce(t *testing.T) {
	m := newTestManager(t)
	mapCalls := 0
	d, err := m.CreateDomain(DomainConfig{
		Name: "gic",
		Size: 32,
		Ops: DomainOps{
			Map: func(d *Domain, virq int, hwirq uint64) error {
				mapCalls++
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	virq, err := m.CreateMapping(d, 7, nil)
	if err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	if _, err := m.CreateMapping(d, 7, nil); err != nil {
		t.Fatalf("repeat mapping: %v", err)
	}
	if mapCalls != 1 {
		t.Fatalf("map hook called %d times, want 1", mapCalls)
	}
	if got, err := d.Lookup(7); err != nil || got != virq {
		t.Fatalf("lookup = %d, %v, want %d", got, err, virq)
	}
}

func TestCreateMappingMapHookFailure(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{
		Name: "gic",
		Size: 32,
		Ops: DomainOps{
			Map: func(d *Domain, virq int, hwirq uint64) error {
				return errors.New("controller is wedged")
			},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before := m.Space().Count()
	if _, err := m.CreateMapping(d, 3, nil); !errors.Is(err, ErrControllerRejected) {
		t.Fatalf("error = %v, want ErrControllerRejected", err)
	}
	if got := m.Space().Count(); got != before {
		t.Fatalf("descriptor leaked on hook failure: count %d, want %d", got, before)
	}
	if _, err := d.Lookup(3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("half-published binding visible: %v", err)
	}
}

func TestCreateMappingConcurrent(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 32})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	results := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			virq, err := m.CreateMapping(d, 9, nil)
			if err != nil {
				t.Errorf("create mapping: %v", err)
				return
			}
			results[i] = virq
		}()
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if results[i] != results[0] {
			t.Fatalf("worker %d got virq %d, worker 0 got %d", i, results[i], results[0])
		}
	}
	if got := m.Space().Count(); got != 1 {
		t.Fatalf("descriptor count = %d, want 1", got)
	}
}

func TestDefaultDomain(t *testing.T) {
	m := newTestManager(t)
	d, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 32})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Lookup(nil, 3); !errors.Is(err, ErrNotFound) {
		t.Fatalf("no-default error = %v, want ErrNotFound", err)
	}

	m.SetDefaultDomain(d)
	virq, err := m.CreateMapping(nil, 3, nil)
	if err != nil {
		t.Fatalf("create mapping via default: %v", err)
	}
	if got, err := m.Lookup(nil, 3); err != nil || got != virq {
		t.Fatalf("lookup via default = %d, %v, want %d", got, err, virq)
	}

	// Destroying the default domain clears the pointer.
	if err := m.Disassociate(d, virq); err != nil {
		t.Fatalf("disassociate: %v", err)
	}
	if err := m.DestroyDomain(d); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if m.DefaultDomain() != nil {
		t.Fatalf("default domain pointer survived destruction")
	}
}

func TestFwspecMapping(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CreateDomain(DomainConfig{Name: "gic", Size: 32}); err != nil {
		t.Fatalf("create: %v", err)
	}

	virq, err := m.CreateFwspecMapping(Fwspec{Node: "gic", Params: []uint32{7, 4}})
	if err != nil {
		t.Fatalf("fwspec mapping: %v", err)
	}
	desc := m.Space().Lookup(virq)
	if desc == nil {
		t.Fatalf("no descriptor for virq %d", virq)
	}
	if got := desc.Trigger(); got != 4 {
		t.Fatalf("trigger = %d, want 4", got)
	}

	// Repeat resolution is idempotent.
	if again, err := m.CreateFwspecMapping(Fwspec{Node: "gic", Params: []uint32{7, 4}}); err != nil || again != virq {
		t.Fatalf("repeat = %d, %v, want %d", again, err, virq)
	}

	if _, err := m.CreateFwspecMapping(Fwspec{Node: "nope", Params: []uint32{1}}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown node error = %v, want ErrNotFound", err)
	}
	if _, err := m.CreateFwspecMapping(Fwspec{Node: "gic"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty cells error = %v, want ErrInvalidArgument", err)
	}
}

func TestFwspecTranslateHook(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateDomain(DomainConfig{
		Name: "gic",
		Size: 64,
		Ops: DomainOps{
			Translate: func(d *Domain, spec Fwspec) (uint64, uint32, error) {
				// Two-cell convention with a base offset.
				if len(spec.Params) != 2 {
					return 0, 0, ErrInvalidArgument
				}
				return uint64(spec.Params[0]) + 32, spec.Params[1], nil
			},
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	virq, err := m.CreateFwspecMapping(Fwspec{Node: "gic", Params: []uint32{3, 1}})
	if err != nil {
		t.Fatalf("fwspec mapping: %v", err)
	}
	d := m.DomainByNode("gic")
	if got, err := d.Lookup(35); err != nil || got != virq {
		t.Fatalf("lookup(35) = %d, %v, want %d", got, err, virq)
	}

	if _, err := m.CreateFwspecMapping(Fwspec{Node: "gic", Params: []uint32{9}}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("translate failure = %v, want ErrInvalidArgument", err)
	}
}
