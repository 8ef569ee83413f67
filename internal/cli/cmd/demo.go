package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/nilarch/kernel/internal/cli"
	"github.com/nilarch/kernel/internal/log"
	"github.com/nilarch/kernel/pkg/addrspace"
	"github.com/nilarch/kernel/pkg/arch"
	"github.com/nilarch/kernel/pkg/handle"
	"github.com/nilarch/kernel/pkg/pmm"
	"github.com/nilarch/kernel/pkg/topology"
)

const (
	demoFrameSize  = 0x1000
	demoFrameCount = 4096
	demoKernelEnd  = 0x10000000
	demoThreadLoc  = 0x40000000
	demoRegionBase = 0x01000000
)

// Demo is a demonstration command.
func Demo() cli.Command {
	return new(demo)
}

type demo struct {
	debug bool
	quiet bool
}

func (demo) Description() string {
	return "bring up a simulated kernel core"
}

func (d demo) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
demo [ -debug | -quiet ]

Boot a simulated physical pool, address space, handle registry, and core
table, then exercise them end to end.`)

	return err
}

func (d *demo) FlagSet() *cli.FlagSet {
	fs := flag.NewFlagSet("demo", flag.ExitOnError)

	fs.BoolVar(&d.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&d.quiet, "quiet", false, "enable quiet output, summary only")

	return fs
}

func (d demo) Run(ctx context.Context, args []string, out io.Writer, _ *log.Logger) int {
	if d.quiet {
		log.LogLevel.Set(log.Error)
	}

	if d.debug {
		log.LogLevel.Set(log.Debug)
	}

	logger := log.DefaultLogger()

	logger.Info("booting kernel core")

	addresses := make([]uintptr, demoFrameCount)
	for i := range addresses {
		addresses[i] = uintptr(0x100000 + i*demoFrameSize)
	}

	pool := pmm.New(demoFrameSize, addresses)
	logger.Info("physical pool ready", "frames", pool.FreeCount())

	mgr, err := addrspace.NewManager(pool, demoFrameSize, 512, demoKernelEnd, demoThreadLoc, demoRegionBase)
	if err != nil {
		logger.Error("address space manager init failed", "err", err)
		return 2
	}

	app, err := mgr.Create(addrspace.Application)
	if err != nil {
		logger.Error("create application space failed", "err", err)
		return 2
	}

	var virt uintptr

	if err := mgr.Map(app, nil, &virt, demoFrameSize, 0, ^uintptr(0)); err != nil {
		logger.Error("map failed", "err", err)
		return 2
	}

	logger.Info("mapped page into application space", "space", app.ID, "virt", fmt.Sprintf("%#x", virt))

	registry := handle.NewRegistry()
	defer registry.Close()

	fileHandle := registry.Create(1, nil, "demo-file")

	setID := registry.CreateSet()
	if err := registry.Control(setID, handle.ADD, fileHandle, 0x1, "demo-file", handle.ElemEdge); err != nil {
		logger.Error("control add failed", "err", err)
		return 2
	}

	if err := registry.Mark(fileHandle, 0x1); err != nil {
		logger.Error("mark failed", "err", err)
		return 2
	}

	events := make([]handle.Event, 1)

	n, err := registry.Wait(setID, events, 1, 0)
	if err != nil {
		logger.Error("wait failed", "err", err)
		return 2
	}

	logger.Info("handle set observed readiness", "events", n)

	machine := topology.NewMachine()
	domain := machine.NewDomain()

	logger.Info("host features", "avx2", machine.Features().AVX2)

	primary, err := machine.RegisterPrimaryCore(0, domain)
	if err != nil {
		logger.Error("register primary core failed", "err", err)
		return 2
	}

	apCount := topology.DefaultCoreCount() - 1
	if apCount < 1 {
		apCount = 1
	}

	for i := 1; i <= apCount; i++ {
		if _, err := machine.RegisterApplicationCore(arch.CoreID(i), domain); err != nil {
			logger.Error("register application core failed", "err", err)
			return 2
		}
	}

	if err := machine.ActivateApplicationCore(primary); err != nil {
		logger.Error("activate primary core failed", "err", err)
		return 2
	}

	logger.Info("core table active", "running", machine.ActiveCoreCount())

	fmt.Fprintln(out, "kernel core demo complete")

	return 0
}
