package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"ryos/kernel/cpu"
	"ryos/kernel/hal"
	"ryos/kernel/kfmt"
	"ryos/kernel/kmain"
	"ryos/kernel/mm"
	"ryos/kernel/mm/pmm"
	"ryos/kernel/proc"
)

type options struct {
	machine string
	harts   int
	cycles  int
}

func loadMachine(path string) (*hal.Machine, error) {
	if path == "" {
		return hal.DefaultMachine(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open machine description: %w", err)
	}
	defer f.Close()

	return hal.LoadMachine(f)
}

// runHart spawns, dispatches and kills cycles processes on a single hart.
// A process whose address space does not fit is counted and skipped.
func runHart(k *kmain.Kernel, hart *cpu.Hart, cycles int, step func(), skipped *atomic.Int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*cpu.HaltError); !ok {
				panic(r)
			}
			err = fmt.Errorf("hart %d halted", hart.ID)
		}
	}()

	entry := uintptr(k.Machine.Layout.Text.Start) + uintptr(hart.ID)*0x40

	for cycle := 0; cycle < cycles; cycle++ {
		p, kerr := k.Procs.Spawn(entry)
		switch {
		case kerr == pmm.ErrOutOfMemory || kerr == proc.ErrProcessTableFull:
			skipped.Add(1)
			step()
			continue
		case kerr != nil:
			return kerr
		}

		if kerr = k.Procs.Dispatch(p.PID, hart); kerr != nil {
			return kerr
		}

		if physAddr, kerr := p.Root.Lookup(p.PC); kerr != nil || physAddr != entry {
			return fmt.Errorf("pid %d: entry 0x%x resolves to 0x%x", p.PID, p.PC, physAddr)
		}

		if kerr = k.Procs.Release(hart, proc.Dead); kerr != nil {
			return kerr
		}

		step()
	}

	return nil
}

func run(opts options, console io.Writer) error {
	m, err := loadMachine(opts.machine)
	if err != nil {
		return err
	}

	if opts.harts > 0 {
		m.Harts = opts.harts
	}

	k, err := kmain.Boot(m, console)
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}
	defer k.Close()

	total := int64(m.Harts) * int64(opts.cycles)
	step := func() {}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		pb := progressbar.Default(total)
		defer pb.Close()
		step = func() { _ = pb.Add(1) }
	}

	var (
		g       errgroup.Group
		skipped atomic.Int64
	)
	for id := 0; id < m.Harts; id++ {
		hart := k.Hart(id)
		g.Go(func() error {
			return runHart(k, hart, opts.cycles, step, &skipped)
		})
	}

	if err = g.Wait(); err != nil {
		return err
	}

	kfmt.Printf("[kmain] %d cycles on %d hart(s), %d skipped, %d KiB heap free\n",
		total, m.Harts, skipped.Load(), mm.Size(k.Frames.FreeCount())*mm.Size(mm.PageSize)/mm.Kb)
	return nil
}

func main() {
	var opts options

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&opts.machine, "machine", "", "machine description file (defaults to qemu virt)")
	fs.IntVar(&opts.harts, "harts", 0, "number of harts to run (defaults to the machine description)")
	fs.IntVar(&opts.cycles, "cycles", 1000, "spawn/exit cycles per hart")
	_ = fs.Parse(os.Args[1:])

	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ryos: %v\n", err)
		os.Exit(1)
	}
}
