package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/tinyrange/virq"
	"github.com/tinyrange/virq/internal/topology"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "irqsim: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Topology YAML file")
	cpus := flag.Int("cpus", 1, "Number of CPUs for statistics and affinity")
	ceiling := flag.Int("ceiling", 0, "Number space ceiling (default 65536)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config <topology.yaml>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Build the interrupt domain hierarchy described by a topology file,\n")
		fmt.Fprintf(os.Stderr, "create the declared device mappings and print the allocation table.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if *configPath == "" {
		flag.Usage()
		return fmt.Errorf("topology file required")
	}

	cfg, err := topology.Load(*configPath)
	if err != nil {
		return err
	}

	mgr := virq.New(virq.SpaceConfig{NumCPUs: *cpus, Ceiling: *ceiling})
	devices, err := topology.Build(mgr, cfg)
	if err != nil {
		return err
	}
	slog.Info("topology built",
		"controllers", len(cfg.Controllers), "devices", len(devices), "virqs", mgr.Space().Count())

	deviceByVirq := make(map[int]string, len(devices))
	for name, v := range devices {
		deviceByVirq[v] = name
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VIRQ\tDOMAIN\tHWIRQ\tCHIP\tDEVICE\tAFFINITY\tCOUNT")
	mgr.Space().ForEachAllocated(func(desc *virq.Desc) {
		v := desc.Virq()
		domain, chip := "-", "-"
		var hwirq uint64
		if head := mgr.ChainHead(v); head != nil {
			domain = head.Domain().Name()
			hwirq = head.Hwirq()
			if c := head.Chip(); c != nil {
				chip = c.Name()
			}
		}
		device := deviceByVirq[v]
		if device == "" {
			device = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%d\n",
			v, domain, hwirq, chip, device, desc.Affinity(), desc.TotalCount())
	})
	return w.Flush()
}
