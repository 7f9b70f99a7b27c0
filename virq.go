// Package virq maintains the process-wide space of virtual interrupt
// numbers and the hierarchy of interrupt controller domains that translate
// controller-local hardware interrupt numbers into that shared space. It is
// the integration surface for interrupt controller drivers (domain
// create/destroy, the allocate/activate protocol) and for bus code that
// turns firmware interrupt specifiers into virqs.
package virq

import (
	"github.com/tinyrange/virq/internal/cpumask"
	"github.com/tinyrange/virq/internal/irqdesc"
	"github.com/tinyrange/virq/internal/irqdomain"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Manager owns the domain registry, the default-domain pointer and the
// allocation engine.
type Manager = irqdomain.Manager

// Domain is the translation unit for one interrupt controller.
type Domain = irqdomain.Domain

// DomainConfig describes a domain to create.
type DomainConfig = irqdomain.DomainConfig

// DomainOps is the driver-supplied callback set of a domain.
type DomainOps = irqdomain.DomainOps

// IRQData is the per-level state of one virq inside one domain.
type IRQData = irqdomain.IRQData

// AllocSpec describes a batch request to the allocation engine.
type AllocSpec = irqdomain.AllocSpec

// Fwspec is a firmware interrupt specifier.
type Fwspec = irqdomain.Fwspec

// Desc is the per-virq descriptor.
type Desc = irqdesc.Desc

// Space is the virtual interrupt number space.
type Space = irqdesc.Space

// SpaceConfig configures the number space.
type SpaceConfig = irqdesc.Config

// Chip is the borrowed chip reference kept by descriptors and bindings.
type Chip = irqdesc.Chip

// Mask is a CPU affinity set.
type Mask = cpumask.Mask

// ManagerOption configures a Manager.
type ManagerOption = irqdomain.ManagerOption

// DomainDiagnostics receives best-effort domain lifecycle notifications.
type DomainDiagnostics = irqdomain.Diagnostics

// WithDiagnostics installs a diagnostics sink for domain events.
func WithDiagnostics(diag DomainDiagnostics) ManagerOption {
	return irqdomain.WithDiagnostics(diag)
}

// NewMask returns an empty affinity mask covering ncpus CPUs.
func NewMask(ncpus int) *Mask { return cpumask.New(ncpus) }

// Common sentinel errors. Match with errors.Is.
var (
	ErrInvalidArgument    = irqdesc.ErrInvalidArgument
	ErrExists             = irqdesc.ErrExists
	ErrNotFound           = irqdesc.ErrNotFound
	ErrOutOfMemory        = irqdesc.ErrOutOfMemory
	ErrNoSpace            = irqdesc.ErrNoSpace
	ErrUnsupported        = irqdomain.ErrUnsupported
	ErrControllerRejected = irqdomain.ErrControllerRejected
)

// New builds a Manager over a fresh number space. Every instance is fully
// independent; tests can run several side by side.
func New(cfg SpaceConfig, opts ...ManagerOption) *Manager {
	return irqdomain.NewManager(irqdesc.NewSpace(cfg), opts...)
}
