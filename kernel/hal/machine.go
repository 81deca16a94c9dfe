package hal

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"ryos/kernel/cpu"
	"ryos/kernel/mm"
)

const (
	// MaxVirtIO is the number of VirtIO MMIO slots on the board.
	MaxVirtIO = 8

	// MaxProcesses is the capacity of the kernel process table.
	MaxProcesses = 64
)

//go:embed virt.yaml
var virtMachine []byte

// Region is a [Start, End) physical address range reported by the linker
// script.
type Region struct {
	Start uint64 `yaml:"start"`
	End   uint64 `yaml:"end"`
}

// Empty returns true if the region contains no bytes.
func (r Region) Empty() bool { return r.End == r.Start }

// Size returns the region length.
func (r Region) Size() mm.Size { return mm.Size(r.End - r.Start) }

// Window is a fixed physical window (RAM or MMIO).
type Window struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// End returns the address just past the window.
func (w Window) End() uint64 { return w.Base + w.Size }

// Layout lists the kernel image sections and the page allocator heap.
type Layout struct {
	Text   Region `yaml:"text"`
	ROData Region `yaml:"rodata"`
	Data   Region `yaml:"data"`
	BSS    Region `yaml:"bss"`
	Stack  Region `yaml:"stack"`
	Heap   Region `yaml:"heap"`
}

// NamedRegion pairs a layout region with its section name.
type NamedRegion struct {
	Name string
	Region
}

// Regions returns the layout regions in address order.
func (l *Layout) Regions() []NamedRegion {
	return []NamedRegion{
		{"text", l.Text},
		{"rodata", l.ROData},
		{"data", l.Data},
		{"bss", l.BSS},
		{"stack", l.Stack},
		{"heap", l.Heap},
	}
}

// Devices is the static device address table.
type Devices struct {
	UART   Window   `yaml:"uart"`
	PLIC   Window   `yaml:"plic"`
	CLINT  Window   `yaml:"clint"`
	VirtIO []Window `yaml:"virtio"`
}

// ProcessLayout fixes where new address spaces place their code and stack.
type ProcessLayout struct {
	CodeBase     uint64 `yaml:"code_base"`
	StackBase    uint64 `yaml:"stack_base"`
	StackPages   int    `yaml:"stack_pages"`
	MaxProcesses int    `yaml:"max_processes"`
}

// StackTop returns the address just past the last stack page.
func (p *ProcessLayout) StackTop() uint64 {
	return p.StackBase + uint64(p.StackPages)*uint64(mm.PageSize)
}

// Machine is the complete board description.
type Machine struct {
	Name    string        `yaml:"name"`
	Harts   int           `yaml:"harts"`
	RAM     Window        `yaml:"ram"`
	Layout  Layout        `yaml:"layout"`
	Devices Devices       `yaml:"devices"`
	Process ProcessLayout `yaml:"process"`
}

// DefaultMachine returns the description of the qemu virt board.
func DefaultMachine() *Machine {
	m, err := LoadMachine(bytes.NewReader(virtMachine))
	if err != nil {
		panic(fmt.Sprintf("embedded machine description: %v", err))
	}
	return m
}

// LoadMachine decodes and validates a YAML machine description.
func LoadMachine(r io.Reader) (*Machine, error) {
	var m Machine

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("decode machine description: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("machine %q: %w", m.Name, err)
	}

	return &m, nil
}

// Validate checks the properties the memory subsystem relies on: sections
// are ordered and inside RAM, the heap is page-aligned and non-empty and the
// device table fits the board.
func (m *Machine) Validate() error {
	if m.Harts < 1 || m.Harts > cpu.MaxHarts {
		return fmt.Errorf("harts must be in [1, %d]; got %d", cpu.MaxHarts, m.Harts)
	}

	if m.RAM.Size == 0 || !pageAligned(m.RAM.Base) || !pageAligned(m.RAM.Size) {
		return fmt.Errorf("ram window [0x%x, +0x%x) must be non-empty and page-aligned", m.RAM.Base, m.RAM.Size)
	}

	prevEnd := m.RAM.Base
	for _, r := range m.Layout.Regions() {
		switch {
		case r.End < r.Start:
			return fmt.Errorf("%s: end 0x%x precedes start 0x%x", r.Name, r.End, r.Start)
		case r.Start < prevEnd:
			return fmt.Errorf("%s: start 0x%x overlaps the previous region", r.Name, r.Start)
		case r.End > m.RAM.End():
			return fmt.Errorf("%s: end 0x%x lies outside ram", r.Name, r.End)
		}
		prevEnd = r.End
	}

	heap := m.Layout.Heap
	if heap.Empty() || !pageAligned(heap.Start) || !pageAligned(heap.End) {
		return fmt.Errorf("heap [0x%x, 0x%x) must be non-empty and page-aligned", heap.Start, heap.End)
	}

	if len(m.Devices.VirtIO) > MaxVirtIO {
		return fmt.Errorf("at most %d virtio windows supported; got %d", MaxVirtIO, len(m.Devices.VirtIO))
	}

	for _, dev := range []struct {
		name string
		w    Window
	}{{"uart", m.Devices.UART}, {"plic", m.Devices.PLIC}, {"clint", m.Devices.CLINT}} {
		if dev.w.Size == 0 {
			return fmt.Errorf("%s window must not be empty", dev.name)
		}
	}

	for i, w := range m.Devices.VirtIO {
		if w.Size == 0 {
			return fmt.Errorf("virtio[%d] window must not be empty", i)
		}
	}

	return m.Process.validate()
}

func (p *ProcessLayout) validate() error {
	switch {
	case p.StackPages < 1:
		return errors.New("process stack must span at least one page")
	case !pageAligned(p.CodeBase) || !pageAligned(p.StackBase):
		return fmt.Errorf("process code base 0x%x and stack base 0x%x must be page-aligned", p.CodeBase, p.StackBase)
	case p.MaxProcesses < 1 || p.MaxProcesses > MaxProcesses:
		return fmt.Errorf("max processes must be in [1, %d]; got %d", MaxProcesses, p.MaxProcesses)
	case p.CodeBase >= p.StackBase && p.CodeBase < p.StackTop():
		return fmt.Errorf("process code base 0x%x lies inside the stack", p.CodeBase)
	}

	return nil
}

func pageAligned(v uint64) bool {
	return mm.PageAligned(uintptr(v))
}
