// Package machine implements the Machine (spec.md §4.5, C5): the
// lifecycle owner that constructs the Memory Manager, vCPUs, I/O
// Thread and Device Manager in order, loads the BIOS, and drives
// Run/Reset/Quit.
package machine

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/killvxk/mvisor/internal/config"
	"github.com/killvxk/mvisor/internal/devbus"
	"github.com/killvxk/mvisor/internal/ioworker"
	"github.com/killvxk/mvisor/internal/kvmapi"
	"github.com/killvxk/mvisor/internal/memory"
	"github.com/killvxk/mvisor/internal/vcpu"
)

// identityMapBase and tssOffset implement the vm86-mode requirement in
// spec.md §4.5 step 5: an EPT identity map and a TSS, both backed by
// guest-physical pages the guest must never see.
const (
	identityMapBase = 0xfeffc000
	tssOffset       = 0x1000
	reservedPages   = 4
)

// Machine is the lifecycle owner of a single VM (spec.md §3 Machine).
type Machine struct {
	RamSize  uint64
	NumVcpus int
	Debug    bool

	kvm     *kvmapi.VM
	Memory  *memory.Manager
	IO      *ioworker.Thread
	Devices *devbus.Manager
	vcpus   []*vcpu.Vcpu

	biosBuf    []byte
	biosBackup []byte
	biosSize   uint64
	biosLow    *memory.Region
	biosHigh   *memory.Region

	objMu       sync.Mutex
	objects     map[string]devbus.Device
	objectClass map[string]string

	valid        atomic.Bool
	resetPending atomic.Bool
}

// dispatcher forwards Vcpu's DeviceManager calls to m.Devices once it
// exists. vCPUs are constructed (spec.md §4.5 step 6) before the
// Device Manager (step 8), so they can't hold *devbus.Manager directly
// yet; this indirection breaks that ordering dependency without
// requiring a second construction pass over the vCPUs.
type dispatcher struct {
	dm *devbus.Manager
}

func (d *dispatcher) HandlePio(addr uint64, size uint32, isWrite bool, value uint64) uint64 {
	if d.dm == nil {
		return ^uint64(0)
	}
	return d.dm.HandlePio(addr, size, isWrite, value)
}

func (d *dispatcher) HandleMmio(addr uint64, size uint32, isWrite bool, value uint64) uint64 {
	if d.dm == nil {
		return ^uint64(0)
	}
	return d.dm.HandleMmio(addr, size, isWrite, value)
}

// Boot loads configPath and constructs the whole Machine in the order
// spec.md §4.5 specifies: config, kvm interface, memory manager, BIOS,
// arch requirements, vCPUs, I/O thread, device manager (which connects
// and resets the device tree).
func Boot(configPath string) (*Machine, error) {
	doc, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		RamSize:     doc.RamSize,
		NumVcpus:    doc.NumVcpus,
		Debug:       doc.Debug,
		objects:     make(map[string]devbus.Device),
		objectClass: make(map[string]string),
	}
	m.valid.Store(true)

	m.kvm, err = kvmapi.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHostIfaceUnavailable, err)
	}

	m.Memory = memory.NewManager(m.kvm)

	if err := m.mapSystemRAM(); err != nil {
		m.kvm.Close()
		return nil, err
	}

	if err := m.loadBios(doc.BiosPath); err != nil {
		m.kvm.Close()
		return nil, err
	}

	if err := m.setupArch(); err != nil {
		m.kvm.Close()
		return nil, err
	}

	disp := &dispatcher{}
	for i := 0; i < m.NumVcpus; i++ {
		cpu, err := vcpu.New(i, m.kvm, disp, m.valid.Load, m.requestReset, m.Debug)
		if err != nil {
			return nil, fmt.Errorf("machine: create vcpu %d: %w", i, err)
		}
		m.vcpus = append(m.vcpus, cpu)
	}

	m.IO, err = ioworker.New()
	if err != nil {
		return nil, fmt.Errorf("machine: create io thread: %w", err)
	}

	m.Devices, err = devbus.New(m.kvm, m.IO, m.Memory)
	if err != nil {
		return nil, fmt.Errorf("machine: create device manager: %w", err)
	}
	disp.dm = m.Devices

	if err := m.buildObjectTree(doc.Root); err != nil {
		return nil, err
	}
	if err := m.Devices.Connect(); err != nil {
		return nil, err
	}
	m.Devices.Reset()

	return m, nil
}

// lowMemTop is the top of the conventional low-memory RAM window
// (spec.md §4.1): above it sits the VGA/BIOS hole that loadBios maps
// its own RAM region into, so system RAM must be carved around it
// rather than mapped as one contiguous block.
const lowMemTop = 0xA0000

// mapSystemRAM installs the guest's RAM as two slots, [0, lowMemTop)
// and [biosLowTop, ram_size), leaving the low-1MiB firmware window
// between them for loadBios to occupy. A single flat [0, ram_size)
// region would overlap that window and loadBios's Map would fail with
// ErrAddressOverlap.
func (m *Machine) mapSystemRAM() error {
	total := alignUp(m.RamSize, memory.PageSize)
	ramBacking := make([]byte, total)

	lowSize := total
	if lowSize > lowMemTop {
		lowSize = lowMemTop
	}
	if _, err := m.Memory.Map(0, lowSize, ramBacking[:lowSize], memory.RAM, "system-ram-low"); err != nil {
		return fmt.Errorf("machine: map low system ram: %w", err)
	}

	if total > biosLowTop {
		highSize := total - biosLowTop
		if _, err := m.Memory.Map(biosLowTop, highSize, ramBacking[biosLowTop:], memory.RAM, "system-ram-high"); err != nil {
			return fmt.Errorf("machine: map high system ram: %w", err)
		}
	}

	return nil
}

// setupArch applies the architecture requirements of spec.md §4.5 step
// 5: identity map / TSS addresses, the reserved pages that shadow
// them, the in-kernel PIC/IOAPIC and PIT.
func (m *Machine) setupArch() error {
	if err := m.kvm.SetIdentityMapAddr(identityMapBase); err != nil {
		return fmt.Errorf("machine: set identity map addr: %w", err)
	}
	if err := m.kvm.SetTSSAddr(identityMapBase + tssOffset); err != nil {
		return fmt.Errorf("machine: set tss addr: %w", err)
	}
	if _, err := m.Memory.Map(identityMapBase, reservedPages*memory.PageSize, nil, memory.Reserved, "ept+tss"); err != nil {
		return fmt.Errorf("machine: reserve ept+tss pages: %w", err)
	}
	if err := m.kvm.CreateIRQChip(); err != nil {
		return fmt.Errorf("machine: create irqchip: %w", err)
	}
	if err := m.kvm.CreatePIT2(); err != nil {
		return fmt.Errorf("machine: create pit: %w", err)
	}
	return nil
}

// Run starts every vCPU thread, then the I/O thread (spec.md §4.5).
func (m *Machine) Run() {
	for _, cpu := range m.vcpus {
		cpu.Start()
	}
	m.IO.Start()
}

// Reset implements the strict barrier the "vCPU 0 hang on reset" open
// question calls for (SPEC_FULL.md §4.5): every vCPU is parked inside
// its own scheduled task, blocked on release, before the BIOS is
// restored and devices are reset, and only released once that work is
// done; on release each vCPU resets its own registers before its task
// returns. Since Schedule's callback runs synchronously on the vCPU's
// thread ahead of the next KVM_RUN, blocking inside it holds the
// thread out of the guest for the whole reset window, so no vCPU ever
// observes a half-reset device.
func (m *Machine) Reset() {
	var barrier sync.WaitGroup
	barrier.Add(len(m.vcpus))
	release := make(chan struct{})
	for _, cpu := range m.vcpus {
		c := cpu
		c.Schedule(func() {
			barrier.Done()
			<-release
			if err := c.Reset(); err != nil {
				log.Printf("machine: vcpu reset: %v", err)
			}
		})
	}
	barrier.Wait()

	m.restoreBios()
	m.Devices.Reset()

	if m.Debug {
		log.Print("machine: resetting vcpus")
	}
	close(release)
}

// requestReset is the callback handed to every vCPU for ExitShutdown
// (spec.md §4.4): a guest triple fault resets the whole machine, not
// just the vCPU that observed it. Reset() itself parks every vCPU,
// including the one calling in here, by scheduling a task on it and
// waiting for that task to run - which can only happen once this
// call returns and the calling vCPU's own loop reaches drainTasks.
// Running Reset() on its own goroutine is what breaks that cycle;
// resetPending collapses near-simultaneous shutdowns from multiple
// vCPUs into a single Reset().
func (m *Machine) requestReset() {
	if !m.resetPending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer m.resetPending.Store(false)
		m.Reset()
	}()
}

// Quit marks the Machine invalid, kicks every vCPU so its loop exits
// at the next safe point, and stops the I/O thread (spec.md §4.5).
func (m *Machine) Quit() {
	if !m.valid.CompareAndSwap(true, false) {
		return
	}
	for _, cpu := range m.vcpus {
		cpu.Kick()
	}
	m.IO.Stop()
}

// Close joins every vCPU thread and releases the kernel VM fd. Call
// only after Quit has returned.
func (m *Machine) Close() error {
	for _, cpu := range m.vcpus {
		cpu.Close()
	}
	return m.kvm.Close()
}
