// Package irqdomain implements interrupt controller domains: named
// translation units that map controller-local hardware interrupt numbers
// onto the process-wide virtual interrupt space, composed into hierarchies
// for controllers that sit behind other controllers.
package irqdomain

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/virq/internal/irqdesc"
)

var (
	// ErrUnsupported reports a hierarchical alloc/free request on a domain
	// that does not implement the hierarchical hooks.
	ErrUnsupported = errors.New("operation unsupported by domain")

	// ErrControllerRejected reports that a driver-supplied hook refused or
	// failed the operation.
	ErrControllerRejected = errors.New("controller hook rejected operation")
)

// Re-exported number-space error kinds so callers can match against one
// package.
var (
	ErrInvalidArgument = irqdesc.ErrInvalidArgument
	ErrExists          = irqdesc.ErrExists
	ErrNotFound        = irqdesc.ErrNotFound
	ErrOutOfMemory     = irqdesc.ErrOutOfMemory
	ErrNoSpace         = irqdesc.ErrNoSpace
)

// Fwspec is a firmware interrupt specifier: an interrupt parent node plus
// controller-specific parameter cells.
type Fwspec struct {
	Node   string
	Params []uint32
}

// DomainOps is the capability set a controller driver supplies when
// creating a domain. All hooks are optional except that hierarchical
// allocation requires Alloc on every level. Hooks are invoked with the
// hierarchy lock held and must not re-acquire it.
type DomainOps struct {
	// Map performs the one-shot bind for non-hierarchical domains.
	Map func(d *Domain, virq int, hwirq uint64) error

	// Unmap undoes Map.
	Unmap func(d *Domain, virq int, hwirq uint64)

	// Alloc sets up this level's state for one virq. The engine drives
	// the hierarchy itself, invoking each level's hook root-first; a hook
	// only fills in its own IRQData node (hardware number, chip binding).
	Alloc func(d *Domain, data *IRQData, arg any) error

	// Free undoes Alloc for this level.
	Free func(d *Domain, data *IRQData)

	// Activate commits hardware resources for this level. With reserve
	// set the level should only reserve resources for lazy binding.
	Activate func(d *Domain, data *IRQData, reserve bool) error

	// Deactivate undoes Activate.
	Deactivate func(d *Domain, data *IRQData)

	// Translate converts a firmware specifier into a hardware number and
	// trigger type. Cell semantics are controller-specific. When absent,
	// the first parameter cell is the hardware number and the optional
	// second cell is the trigger type.
	Translate func(d *Domain, spec Fwspec) (hwirq uint64, trigger uint32, err error)
}

// DomainConfig describes a domain to create.
type DomainConfig struct {
	// Name identifies the domain; it doubles as the firmware node name
	// for specifier resolution. Required and unique per Manager.
	Name string

	// Size selects a fixed linear reverse-map covering hardware numbers
	// below Size. Zero selects the sparse tree map.
	Size int

	// HwirqMax bounds valid hardware numbers. Defaults to Size for linear
	// domains and to the full 64-bit range for sparse ones.
	HwirqMax uint64

	// DirectMax, when non-zero, selects no-map mode: the hardware number
	// is numerically the virq and no reverse-map bookkeeping happens.
	DirectMax uint64

	// Parent places the domain into an existing hierarchy; the new domain
	// shares the hierarchy lock of the parent's root ancestor.
	Parent *Domain

	Ops      DomainOps
	HostData any
}

// Domain is the translation unit for one interrupt controller.
type Domain struct {
	mgr      *Manager
	name     string
	hwirqMax uint64
	ops      DomainOps
	hostData any
	parent   *Domain

	// lock is the hierarchy lock: one mutex per hierarchy, owned by the
	// root ancestor and shared by every descendant.
	lock *sync.Mutex

	nomap bool
	rev   revmap

	mapCount atomic.Int64
}

// Name returns the domain name.
func (d *Domain) Name() string { return d.name }

// HwirqMax returns the exclusive upper bound on hardware numbers.
func (d *Domain) HwirqMax() uint64 { return d.hwirqMax }

// Parent returns the parent domain, or nil for a root domain.
func (d *Domain) Parent() *Domain { return d.parent }

// HostData returns the driver data attached at creation.
func (d *Domain) HostData() any { return d.hostData }

// MapCount returns the number of live bindings in the domain.
func (d *Domain) MapCount() int { return int(d.mapCount.Load()) }

func (d *Domain) hierarchical() bool { return d.ops.Alloc != nil }

// Lookup resolves a hardware number to its virq. It takes no locks. No-map
// domains return the hardware number itself, bounds-checked; otherwise the
// reverse-map is consulted and a miss yields ErrNotFound.
func (d *Domain) Lookup(hwirq uint64) (int, error) {
	if hwirq >= d.hwirqMax {
		return 0, fmt.Errorf("irqdomain: hwirq %d outside domain %q bound %d: %w",
			hwirq, d.name, d.hwirqMax, ErrInvalidArgument)
	}
	if d.nomap {
		return int(hwirq), nil
	}
	node := d.rev.get(hwirq)
	if node == nil {
		return 0, fmt.Errorf("irqdomain: hwirq %d not mapped in domain %q: %w", hwirq, d.name, ErrNotFound)
	}
	return node.virq, nil
}

// Diagnostics receives best-effort notifications of domain lifecycle
// events. Failures there never affect correctness.
type Diagnostics interface {
	DomainAdded(name string)
	DomainRemoved(name string)
}

type noopDiagnostics struct{}

func (noopDiagnostics) DomainAdded(string)   {}
func (noopDiagnostics) DomainRemoved(string) {}

// Manager ties the domain registry, the default-domain pointer and the
// number space together. It is an explicit service object so tests can run
// independent instances.
type Manager struct {
	space *irqdesc.Space

	mu      sync.Mutex
	domains map[string]*Domain
	diag    Diagnostics

	// deflt is the default domain, read lock-free on the lookup path.
	deflt atomic.Pointer[Domain]

	// chains maps virq to the outermost IRQData node of its hierarchy
	// chain. Published under the owning hierarchy lock, read lock-free.
	chains sync.Map

	// partial stashes chains left over from a failed allocation so a
	// retry can reuse the nodes instead of rebuilding them.
	partial sync.Map
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDiagnostics installs a diagnostics sink for domain events.
func WithDiagnostics(diag Diagnostics) ManagerOption {
	return func(m *Manager) {
		if diag != nil {
			m.diag = diag
		}
	}
}

// NewManager builds a Manager over the given number space.
func NewManager(space *irqdesc.Space, opts ...ManagerOption) *Manager {
	m := &Manager{
		space:   space,
		domains: make(map[string]*Domain),
		diag:    noopDiagnostics{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Space returns the number space the manager allocates from.
func (m *Manager) Space() *irqdesc.Space { return m.space }

// CreateDomain creates and registers a domain. The reverse-map
// representation is selected here: Size > 0 yields the fixed linear array,
// Size == 0 the sparse tree, and DirectMax > 0 no-map mode.
func (m *Manager) CreateDomain(cfg DomainConfig) (*Domain, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("irqdomain: domain name required: %w", ErrInvalidArgument)
	}
	if cfg.Size < 0 {
		return nil, fmt.Errorf("irqdomain: negative size for domain %q: %w", cfg.Name, ErrInvalidArgument)
	}

	d := &Domain{
		mgr:      m,
		name:     cfg.Name,
		ops:      cfg.Ops,
		hostData: cfg.HostData,
		parent:   cfg.Parent,
	}

	switch {
	case cfg.DirectMax > 0:
		d.nomap = true
		d.hwirqMax = cfg.DirectMax
	case cfg.Size > 0:
		d.rev = newLinearMap(cfg.Size)
		d.hwirqMax = uint64(cfg.Size)
	default:
		d.rev = newTreeMap()
		d.hwirqMax = math.MaxUint64
	}
	if cfg.HwirqMax > 0 {
		d.hwirqMax = cfg.HwirqMax
	}

	if cfg.Parent != nil {
		d.lock = cfg.Parent.lock
	} else {
		d.lock = &sync.Mutex{}
	}

	m.mu.Lock()
	if _, exists := m.domains[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("irqdomain: domain %q: %w", cfg.Name, ErrExists)
	}
	m.domains[cfg.Name] = d
	m.mu.Unlock()

	m.diag.DomainAdded(cfg.Name)
	slog.Debug("created interrupt domain",
		"domain", cfg.Name, "size", cfg.Size, "hwirq_max", d.hwirqMax, "nomap", d.nomap)
	return d, nil
}

// DestroyDomain unregisters a domain. It fails while live bindings remain;
// a domain must outlive every virq bound into it.
func (m *Manager) DestroyDomain(d *Domain) error {
	if d == nil {
		return fmt.Errorf("irqdomain: destroy nil domain: %w", ErrInvalidArgument)
	}
	if n := d.mapCount.Load(); n != 0 {
		slog.Error("refusing to destroy domain with live bindings", "domain", d.name, "bindings", n)
		return fmt.Errorf("irqdomain: domain %q still has %d live bindings", d.name, n)
	}
	m.mu.Lock()
	delete(m.domains, d.name)
	m.mu.Unlock()
	m.deflt.CompareAndSwap(d, nil)
	m.diag.DomainRemoved(d.name)
	return nil
}

// DomainByNode returns the domain registered under the given firmware node
// name, or nil.
func (m *Manager) DomainByNode(node string) *Domain {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.domains[node]
}

// SetDefaultDomain installs the domain used when operations are invoked
// with a nil domain. Pass nil to clear it.
func (m *Manager) SetDefaultDomain(d *Domain) {
	m.deflt.Store(d)
}

// DefaultDomain returns the current default domain, or nil. It takes no
// locks, keeping nil-domain lookups safe from dispatch contexts.
func (m *Manager) DefaultDomain() *Domain {
	return m.deflt.Load()
}

// resolve substitutes the default domain for nil.
func (m *Manager) resolve(d *Domain) *Domain {
	if d != nil {
		return d
	}
	return m.DefaultDomain()
}

var kindErrors = []error{
	ErrInvalidArgument, ErrExists, ErrNotFound, ErrOutOfMemory,
	ErrNoSpace, ErrUnsupported, ErrControllerRejected,
}

// hookError classifies a driver hook failure. Errors that already carry one
// of the defined kinds keep it; anything else is a controller rejection.
func hookError(op string, d *Domain, err error) error {
	for _, kind := range kindErrors {
		if errors.Is(err, kind) {
			return fmt.Errorf("irqdomain: %s hook for domain %q: %w", op, d.name, err)
		}
	}
	return fmt.Errorf("irqdomain: %s hook for domain %q: %w: %w", op, d.name, ErrControllerRejected, err)
}
