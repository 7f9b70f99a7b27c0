// Package topology loads a YAML description of an interrupt controller
// tree and materializes it as domains on a Manager. It stands in for the
// firmware description the structure would normally be rebuilt from at
// boot.
package topology

import (
	"fmt"
	"os"
	"sort"

	"github.com/tinyrange/virq/internal/irqdomain"
	"gopkg.in/yaml.v3"
)

// Controller describes one interrupt controller domain.
type Controller struct {
	Name string `yaml:"name"`
	// Kind selects the reverse-map representation: linear, tree or nomap.
	Kind      string `yaml:"kind"`
	Size      int    `yaml:"size,omitempty"`
	HwirqMax  uint64 `yaml:"hwirqMax,omitempty"`
	DirectMax uint64 `yaml:"directMax,omitempty"`
	Parent    string `yaml:"parent,omitempty"`
}

// Device describes a static interrupt consumer: a device wired to one line
// of one controller.
type Device struct {
	Name       string `yaml:"name"`
	Controller string `yaml:"controller"`
	Hwirq      uint64 `yaml:"hwirq"`
}

// Config is the root of a topology file.
type Config struct {
	Controllers []Controller `yaml:"controllers"`
	Devices     []Device     `yaml:"devices,omitempty"`
	// Default names the controller installed as the default domain.
	Default string `yaml:"default,omitempty"`
}

func (c *Config) normalize() {
	for i := range c.Controllers {
		ctl := &c.Controllers[i]
		if ctl.Kind == "" {
			if ctl.Size > 0 {
				ctl.Kind = "linear"
			} else {
				ctl.Kind = "tree"
			}
		}
	}
}

func (c *Config) validate() error {
	names := make(map[string]bool, len(c.Controllers))
	for _, ctl := range c.Controllers {
		if ctl.Name == "" {
			return fmt.Errorf("topology: controller without a name")
		}
		if names[ctl.Name] {
			return fmt.Errorf("topology: duplicate controller %q", ctl.Name)
		}
		names[ctl.Name] = true
		switch ctl.Kind {
		case "linear":
			if ctl.Size <= 0 {
				return fmt.Errorf("topology: linear controller %q needs a size", ctl.Name)
			}
		case "tree":
		case "nomap":
			if ctl.DirectMax == 0 {
				return fmt.Errorf("topology: nomap controller %q needs directMax", ctl.Name)
			}
		default:
			return fmt.Errorf("topology: controller %q has unknown kind %q", ctl.Name, ctl.Kind)
		}
	}
	for _, ctl := range c.Controllers {
		if ctl.Parent != "" && !names[ctl.Parent] {
			return fmt.Errorf("topology: controller %q references unknown parent %q", ctl.Name, ctl.Parent)
		}
	}
	for _, dev := range c.Devices {
		if dev.Name == "" {
			return fmt.Errorf("topology: device without a name")
		}
		if !names[dev.Controller] {
			return fmt.Errorf("topology: device %q references unknown controller %q", dev.Name, dev.Controller)
		}
	}
	if c.Default != "" && !names[c.Default] {
		return fmt.Errorf("topology: default controller %q not declared", c.Default)
	}
	return nil
}

// Parse decodes and validates a topology document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("topology: parse: %w", err)
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a topology file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("topology: read %s: %w", path, err)
	}
	return Parse(data)
}

// chip is the controller chip reference recorded on the bindings built
// here. Register programming belongs to real drivers; this chip only
// carries the name.
type chip struct {
	name string
}

func (c chip) Name() string { return c.name }

// Build creates the declared domains and device mappings on the manager.
// Parents are created before their children; hierarchical controllers get
// passthrough hooks that carry the hardware number up the chain unchanged.
// Returns the virq assigned to each device.
func Build(m *irqdomain.Manager, cfg *Config) (map[string]int, error) {
	order, err := creationOrder(cfg.Controllers)
	if err != nil {
		return nil, err
	}

	domains := make(map[string]*irqdomain.Domain, len(cfg.Controllers))
	for _, ctl := range order {
		dc := irqdomain.DomainConfig{
			Name:     ctl.Name,
			HwirqMax: ctl.HwirqMax,
			HostData: chip{name: ctl.Name},
		}
		switch ctl.Kind {
		case "linear":
			dc.Size = ctl.Size
		case "nomap":
			dc.DirectMax = ctl.DirectMax
		}
		if ctl.Parent != "" {
			dc.Parent = domains[ctl.Parent]
			dc.Ops = passthroughOps()
		} else if hasChildren(cfg.Controllers, ctl.Name) {
			dc.Ops = passthroughOps()
		}
		d, err := m.CreateDomain(dc)
		if err != nil {
			return nil, fmt.Errorf("topology: controller %q: %w", ctl.Name, err)
		}
		domains[ctl.Name] = d
	}

	if cfg.Default != "" {
		m.SetDefaultDomain(domains[cfg.Default])
	}

	virqs := make(map[string]int, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		d := domains[dev.Controller]
		virq, err := m.CreateMapping(d, dev.Hwirq, nil)
		if err != nil {
			return nil, fmt.Errorf("topology: device %q: %w", dev.Name, err)
		}
		if err := m.Activate(virq, false); err != nil {
			return nil, fmt.Errorf("topology: device %q: %w", dev.Name, err)
		}
		virqs[dev.Name] = virq
	}
	return virqs, nil
}

// passthroughOps builds hooks for a controller that forwards the hardware
// number to its parent unchanged and binds its own chip at each level.
func passthroughOps() irqdomain.DomainOps {
	return irqdomain.DomainOps{
		Alloc: func(d *irqdomain.Domain, data *irqdomain.IRQData, arg any) error {
			if hwirq, ok := arg.(uint64); ok {
				data.SetHwirq(hwirq)
			}
			data.Bind(chip{name: d.Name()}, d.HostData())
			return nil
		},
		Free: func(d *irqdomain.Domain, data *irqdomain.IRQData) {},
		Activate: func(d *irqdomain.Domain, data *irqdomain.IRQData, reserve bool) error {
			return nil
		},
	}
}

func hasChildren(controllers []Controller, name string) bool {
	for _, ctl := range controllers {
		if ctl.Parent == name {
			return true
		}
	}
	return false
}

// creationOrder sorts controllers parents-first and rejects parent cycles.
func creationOrder(controllers []Controller) ([]Controller, error) {
	byName := make(map[string]Controller, len(controllers))
	for _, ctl := range controllers {
		byName[ctl.Name] = ctl
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(controllers))
	var order []Controller

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("topology: parent cycle through controller %q", name)
		}
		state[name] = visiting
		ctl := byName[name]
		if ctl.Parent != "" {
			if err := visit(ctl.Parent); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, ctl)
		return nil
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
