package irqdesc

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/virq/internal/cpumask"
)

func newTestDesc(t *testing.T) *Desc {
	t.Helper()
	s := NewSpace(Config{Ceiling: 64, NumCPUs: 4})
	base, err := s.Allocate(-1, 1, 1, 0, nil, "")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	return s.Lookup(base)
}

func TestFreshDescriptorDisabled(t *testing.T) {
	d := newTestDesc(t)
	if d.IsEnabled() {
		t.Fatalf("fresh descriptor enabled")
	}
	if got, want := d.Depth(), 1; got != want {
		t.Fatalf("depth = %d, want %d", got, want)
	}
	if d.Chip() != nil {
		t.Fatalf("fresh descriptor has a chip")
	}
}

func TestNestedDisableDepth(t *testing.T) {
	d := newTestDesc(t)
	d.Enable()
	if !d.IsEnabled() {
		t.Fatalf("descriptor not enabled after balanced enable")
	}
	// Unbalanced enable is ignored.
	d.Enable()
	if got := d.Depth(); got != 0 {
		t.Fatalf("depth after unbalanced enable = %d, want 0", got)
	}

	d.Disable()
	d.Disable()
	if got := d.Depth(); got != 2 {
		t.Fatalf("depth = %d, want 2", got)
	}
	d.Enable()
	if d.IsEnabled() {
		t.Fatalf("enabled with outstanding disable")
	}
	d.Enable()
	if !d.IsEnabled() {
		t.Fatalf("not enabled after matching enables")
	}
}

type testChip struct{ name string }

func (c testChip) Name() string { return c.name }

func TestSetChip(t *testing.T) {
	d := newTestDesc(t)
	d.SetChip(testChip{name: "gic"}, 42)
	if got := d.Chip().Name(); got != "gic" {
		t.Fatalf("chip name = %q, want gic", got)
	}
	if got := d.ChipData().(int); got != 42 {
		t.Fatalf("chip data = %v, want 42", got)
	}
}

func TestAffinity(t *testing.T) {
	d := newTestDesc(t)
	if !d.Affinity().Test(cpumask.BootCPU) {
		t.Fatalf("default affinity does not contain the boot CPU")
	}

	if err := d.SetAffinity(cpumask.New(4)); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty mask error = %v, want ErrInvalidArgument", err)
	}

	want := cpumask.New(4)
	want.Set(2)
	if err := d.SetAffinity(want); err != nil {
		t.Fatalf("set affinity: %v", err)
	}
	got := d.Affinity()
	if !got.Test(2) || got.Weight() != 1 {
		t.Fatalf("affinity = %s, want 2", got)
	}

	// The returned mask is a snapshot; mutating it must not leak back.
	got.Set(3)
	if d.Affinity().Test(3) {
		t.Fatalf("snapshot mutation leaked into the descriptor")
	}
}

func TestPerCPUStats(t *testing.T) {
	d := newTestDesc(t)
	d.BeginDispatch(0)
	d.EndDispatch()
	d.BeginDispatch(0)
	d.EndDispatch()
	d.BeginDispatch(3)
	d.EndDispatch()

	if got := d.Stat(0); got != 2 {
		t.Fatalf("cpu 0 count = %d, want 2", got)
	}
	if got := d.Stat(3); got != 1 {
		t.Fatalf("cpu 3 count = %d, want 1", got)
	}
	if got := d.TotalCount(); got != 3 {
		t.Fatalf("total = %d, want 3", got)
	}
}

func TestSynchronizeWaitsForDispatch(t *testing.T) {
	d := newTestDesc(t)
	d.BeginDispatch(0)

	var finished atomic.Bool
	go func() {
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
		d.EndDispatch()
	}()

	d.Synchronize()
	if !finished.Load() {
		t.Fatalf("Synchronize returned while dispatch was in flight")
	}
}

func TestSynchronizeNoDispatch(t *testing.T) {
	d := newTestDesc(t)
	done := make(chan struct{})
	go func() {
		d.Synchronize()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Synchronize blocked with no dispatch in flight")
	}
}

func TestHandlerStubReinstalled(t *testing.T) {
	d := newTestDesc(t)
	called := false
	d.SetHandler(func(*Desc) { called = true })
	d.mu.Lock()
	h := d.handler
	d.mu.Unlock()
	h(d)
	if !called {
		t.Fatalf("installed handler not invoked")
	}
	d.SetHandler(nil)
	d.mu.Lock()
	h = d.handler
	d.mu.Unlock()
	if h == nil {
		t.Fatalf("nil handler not replaced with stub")
	}
}

func TestTrigger(t *testing.T) {
	d := newTestDesc(t)
	d.SetTrigger(4)
	if got := d.Trigger(); got != 4 {
		t.Fatalf("trigger = %d, want 4", got)
	}
}
