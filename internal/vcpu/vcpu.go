// Package vcpu implements the vCPU (spec.md §4.4, C4): one OS thread
// per virtual CPU running the KVM enter/exit loop, classifying exits
// and routing PIO/MMIO into the Device Manager.
package vcpu

import (
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/killvxk/mvisor/internal/kvmapi"
)

// DeviceManager is the subset of devbus.Manager a vCPU dispatches
// into. Kept narrow so tests can substitute a fake bus.
type DeviceManager interface {
	HandlePio(addr uint64, size uint32, isWrite bool, value uint64) uint64
	HandleMmio(addr uint64, size uint32, isWrite bool, value uint64) uint64
}

// kvmVcpu is the subset of kvmapi.Vcpu the run loop drives directly.
type kvmVcpu interface {
	Run() error
	ExitReason() uint32
	SetImmediateExit(bool)

	IODirection() uint8
	IOSize() uint8
	IOPort() uint16
	IOCount() uint32
	IOData() []byte

	MMIOAddr() uint64
	MMIOData() []byte
	MMIOLen() uint32
	MMIOIsWrite() bool

	GetRegs() (*kvmapi.Regs, error)
	SetRegs(*kvmapi.Regs) error
	GetSregs() (*kvmapi.Sregs, error)
	SetSregs(*kvmapi.Sregs) error
	SetMPState(uint32) error
	GetLapic() (*kvmapi.LapicState, error)
	SetLapic(*kvmapi.LapicState) error

	Close() error
}

// Vcpu drives one guest logical CPU on its own OS thread (spec.md §3
// Vcpu, §4.4).
type Vcpu struct {
	Index        int
	Debug        bool
	kvm          kvmVcpu
	devices      DeviceManager
	valid        func() bool
	requestReset func()
	resetLapic   *kvmapi.LapicState

	taskMu sync.Mutex
	tasks  []func()

	tidMu sync.Mutex
	tid   int

	running sync.WaitGroup
}

// New constructs the kernel vcpu and its mmap'd run area but does not
// start the thread (spec.md §4.4 "Constructed"). valid is polled once
// per loop iteration so a torn-down Machine can stop every vCPU
// without each one needing a direct reference back to it. requestReset
// is called from the vCPU's own thread when the guest triple-faults
// (ExitShutdown); it must not block waiting on this vCPU, since
// spec.md §4.4 has a shutdown reset the whole machine, not just the
// vCPU that observed it. The vcpu's LAPIC is captured here, right
// after the kernel creates it in its real power-on state, so Reset
// has a baseline to restore later (spec.md §4.4/§6 "LAPIC state").
func New(index int, vm *kvmapi.VM, devices DeviceManager, valid func() bool, requestReset func(), debug bool) (*Vcpu, error) {
	registerKickSignal()

	kvm, err := vm.NewVcpu(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: %w", index, err)
	}

	lapic, err := kvm.GetLapic()
	if err != nil {
		return nil, fmt.Errorf("vcpu %d: get lapic: %w", index, err)
	}

	return &Vcpu{
		Index:        index,
		Debug:        debug,
		kvm:          kvm,
		devices:      devices,
		valid:        valid,
		requestReset: requestReset,
		resetLapic:   lapic,
	}, nil
}

// Start launches the vCPU's OS thread (spec.md §4.4 "Start").
func (v *Vcpu) Start() {
	v.running.Add(1)
	go v.threadMain()
}

func (v *Vcpu) threadMain() {
	defer v.running.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	v.tidMu.Lock()
	v.tid = unix.Gettid()
	v.tidMu.Unlock()

	if err := v.applyResetState(); err != nil {
		log.Printf("vcpu %d: initial reset state: %v", v.Index, err)
		return
	}

	v.loop()
}

// loop is the run loop of spec.md §4.4: drain pending callbacks, check
// validity, enter the guest, classify the exit.
func (v *Vcpu) loop() {
	for {
		v.drainTasks()

		if !v.valid() {
			return
		}

		err := v.kvm.Run()
		v.kvm.SetImmediateExit(false)

		if err != nil {
			if err == unix.EINTR {
				continue
			}
			log.Printf("vcpu %d: KVM_RUN: %v", v.Index, err)
			return
		}

		start := time.Now()
		cont := v.handleExit()
		if v.Debug {
			if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
				log.Printf("vcpu %d: exit handling took %s", v.Index, elapsed)
			}
		}

		if !cont {
			return
		}
	}
}

// handleExit classifies one KVM_RUN return per the table in spec.md
// §4.4 and reports whether the loop should continue.
func (v *Vcpu) handleExit() bool {
	switch reason := v.kvm.ExitReason(); reason {
	case kvmapi.ExitIO:
		v.handleIO()
		return true

	case kvmapi.ExitMMIO:
		addr := v.kvm.MMIOAddr()
		size := v.kvm.MMIOLen()
		isWrite := v.kvm.MMIOIsWrite()
		data := v.kvm.MMIOData()

		if isWrite {
			v.devices.HandleMmio(addr, size, true, littleEndianLoad(data, size))
		} else {
			result := v.devices.HandleMmio(addr, size, false, 0)
			littleEndianStore(data, size, result)
		}
		return true

	case kvmapi.ExitIntr:
		// A signal bounced us out of KVM_RUN; pending callbacks are
		// drained at the top of the next loop() iteration, nothing
		// else to do.
		return true

	case kvmapi.ExitShutdown:
		// A triple fault or other guest-initiated shutdown resets
		// the whole machine (spec.md §4.4), not just this vCPU; the
		// loop keeps running so it reaches Machine.Reset()'s own
		// barrier/latch instead of tearing this thread down.
		log.Printf("vcpu %d: guest requested shutdown, requesting machine reset", v.Index)
		if v.requestReset != nil {
			v.requestReset()
		}
		return true

	case kvmapi.ExitHLT:
		// In-kernel HLT handling means this shouldn't normally arrive;
		// if it does, treat it like INTR and keep going.
		return true

	case kvmapi.ExitFailEntry, kvmapi.ExitInternalError:
		log.Printf("vcpu %d: fatal exit reason %d", v.Index, reason)
		return false

	default:
		log.Printf("vcpu %d: unhandled exit reason %d", v.Index, reason)
		return false
	}
}

// handleIO services an ExitIO, looping IOCount times for the REP-string
// form PIO permits (spec.md §4.3.2 step 5).
func (v *Vcpu) handleIO() {
	size := uint32(v.kvm.IOSize())
	port := uint64(v.kvm.IOPort())
	isWrite := v.kvm.IODirection() == kvmapi.IODirOut
	count := int(v.kvm.IOCount())
	data := v.kvm.IOData()

	for i := 0; i < count; i++ {
		chunk := data[uint32(i)*size : uint32(i+1)*size]
		if isWrite {
			v.devices.HandlePio(port, size, true, littleEndianLoad(chunk, size))
		} else {
			result := v.devices.HandlePio(port, size, false, 0)
			littleEndianStore(chunk, size, result)
		}
	}
}

func littleEndianLoad(b []byte, size uint32) uint64 {
	var v uint64
	for i := uint32(0); i < size && int(i) < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

func littleEndianStore(b []byte, size uint32, v uint64) {
	for i := uint32(0); i < size && int(i) < len(b); i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// Schedule posts cb to run on the vCPU's own thread at the top of the
// next loop iteration, never mid-guest-execution (spec.md §4.4). Safe
// to call from any thread.
func (v *Vcpu) Schedule(cb func()) {
	v.taskMu.Lock()
	v.tasks = append(v.tasks, cb)
	v.taskMu.Unlock()
	v.Kick()
}

func (v *Vcpu) drainTasks() {
	v.taskMu.Lock()
	tasks := v.tasks
	v.tasks = nil
	v.taskMu.Unlock()

	for _, task := range tasks {
		task()
	}
}

// Kick makes a running vCPU return from KVM_RUN promptly by setting
// immediate_exit and, if the thread has already started, delivering
// kickSignal to it (spec.md §4.4, §5). Idempotent and wait-free: it
// never blocks on the target thread actually observing the kick.
func (v *Vcpu) Kick() {
	v.kvm.SetImmediateExit(true)

	v.tidMu.Lock()
	tid := v.tid
	v.tidMu.Unlock()
	if tid != 0 {
		unix.Tgkill(unix.Getpid(), tid, kickSignal)
	}
}

// Reset restores architectural state to the post-power-on values
// (spec.md §4.4). Must run on the vCPU's own thread, so callers always
// go through Schedule.
func (v *Vcpu) Reset() error {
	return v.applyResetState()
}

// applyResetState programs the real-mode reset vector (CS base
// 0xF0000, RIP 0xFFF0, giving the classic linear 0xFFFF0 entry point
// at the top of the BIOS window) and a minimal real-mode Sregs/CR0,
// the same state Start() and Reset() both converge on so a post-reset
// vCPU is indistinguishable from a freshly constructed one (see
// DESIGN.md's note on the vCPU-0-hang-on-reset open question).
func (v *Vcpu) applyResetState() error {
	regs, err := v.kvm.GetRegs()
	if err != nil {
		return fmt.Errorf("get regs: %w", err)
	}
	*regs = kvmapi.Regs{RIP: 0xfff0, RFLAGS: 0x2}
	if err := v.kvm.SetRegs(regs); err != nil {
		return fmt.Errorf("set regs: %w", err)
	}

	sregs, err := v.kvm.GetSregs()
	if err != nil {
		return fmt.Errorf("get sregs: %w", err)
	}
	resetSegment := kvmapi.Segment{Base: 0xffff0000, Limit: 0xffff, Selector: 0xf000, Present: 1, S: 1, Type: 0x3}
	dataSegment := kvmapi.Segment{Base: 0, Limit: 0xffff, Selector: 0, Present: 1, S: 1, Type: 0x3}
	sregs.CS = resetSegment
	sregs.CS.Base = 0xf0000
	sregs.DS = dataSegment
	sregs.ES = dataSegment
	sregs.FS = dataSegment
	sregs.GS = dataSegment
	sregs.SS = dataSegment
	sregs.CR0 = 0x60000010
	sregs.CR4 = 0
	sregs.EFER = 0
	if err := v.kvm.SetSregs(sregs); err != nil {
		return fmt.Errorf("set sregs: %w", err)
	}

	if v.resetLapic != nil {
		if err := v.kvm.SetLapic(v.resetLapic); err != nil {
			return fmt.Errorf("set lapic: %w", err)
		}
	}

	return v.kvm.SetMPState(kvmapi.MPStateRunnable)
}

// Join waits for the vCPU's thread to exit after Kick has made the
// loop observe an invalid Machine.
func (v *Vcpu) Join() {
	v.running.Wait()
}

// Close joins the thread (if it was ever started) and releases the
// kernel vcpu fd (spec.md §4.4 "Destruction").
func (v *Vcpu) Close() error {
	v.running.Wait()
	return v.kvm.Close()
}
