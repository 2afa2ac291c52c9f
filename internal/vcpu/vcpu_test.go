package vcpu

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killvxk/mvisor/internal/kvmapi"
)

type fakeKvmVcpu struct {
	regs          kvmapi.Regs
	sregs         kvmapi.Sregs
	lapic         kvmapi.LapicState
	immediateExit bool
	mpState       uint32
	closeCalled   bool
	exitReason    uint32
}

func (f *fakeKvmVcpu) Run() error { return nil }
func (f *fakeKvmVcpu) ExitReason() uint32 {
	if f.exitReason != 0 {
		return f.exitReason
	}
	return kvmapi.ExitIntr
}
func (f *fakeKvmVcpu) SetImmediateExit(v bool) { f.immediateExit = v }
func (f *fakeKvmVcpu) IODirection() uint8      { return 0 }
func (f *fakeKvmVcpu) IOSize() uint8           { return 0 }
func (f *fakeKvmVcpu) IOPort() uint16          { return 0 }
func (f *fakeKvmVcpu) IOCount() uint32         { return 0 }
func (f *fakeKvmVcpu) IOData() []byte          { return nil }
func (f *fakeKvmVcpu) MMIOAddr() uint64        { return 0 }
func (f *fakeKvmVcpu) MMIOData() []byte        { return nil }
func (f *fakeKvmVcpu) MMIOLen() uint32         { return 0 }
func (f *fakeKvmVcpu) MMIOIsWrite() bool       { return false }

func (f *fakeKvmVcpu) GetRegs() (*kvmapi.Regs, error)   { r := f.regs; return &r, nil }
func (f *fakeKvmVcpu) SetRegs(r *kvmapi.Regs) error     { f.regs = *r; return nil }
func (f *fakeKvmVcpu) GetSregs() (*kvmapi.Sregs, error) { s := f.sregs; return &s, nil }
func (f *fakeKvmVcpu) SetSregs(s *kvmapi.Sregs) error   { f.sregs = *s; return nil }
func (f *fakeKvmVcpu) SetMPState(s uint32) error        { f.mpState = s; return nil }
func (f *fakeKvmVcpu) GetLapic() (*kvmapi.LapicState, error) {
	l := f.lapic
	return &l, nil
}
func (f *fakeKvmVcpu) SetLapic(l *kvmapi.LapicState) error { f.lapic = *l; return nil }
func (f *fakeKvmVcpu) Close() error                        { f.closeCalled = true; return nil }

type fakeDeviceManager struct {
	pioReads  []uint64
	pioWrites []uint64
}

func (f *fakeDeviceManager) HandlePio(addr uint64, size uint32, isWrite bool, value uint64) uint64 {
	if isWrite {
		f.pioWrites = append(f.pioWrites, value)
		return 0
	}
	f.pioReads = append(f.pioReads, addr)
	return 0x42
}

func (f *fakeDeviceManager) HandleMmio(addr uint64, size uint32, isWrite bool, value uint64) uint64 {
	return 0
}

func newTestVcpu(kvm kvmVcpu) *Vcpu {
	return &Vcpu{
		Index:   0,
		kvm:     kvm,
		devices: &fakeDeviceManager{},
		valid:   func() bool { return true },
	}
}

func TestHandleExitOnShutdownRequestsResetAndKeepsRunning(t *testing.T) {
	kvm := &fakeKvmVcpu{exitReason: kvmapi.ExitShutdown}
	v := newTestVcpu(kvm)

	resetRequested := make(chan struct{}, 1)
	v.requestReset = func() { resetRequested <- struct{}{} }

	assert.True(t, v.handleExit())
	select {
	case <-resetRequested:
	default:
		t.Fatal("ExitShutdown did not request a machine reset")
	}
}

func TestHandleExitOnShutdownToleratesNilRequestReset(t *testing.T) {
	kvm := &fakeKvmVcpu{exitReason: kvmapi.ExitShutdown}
	v := newTestVcpu(kvm)

	assert.True(t, v.handleExit())
}

func TestApplyResetStateRestoresCapturedLapicBaseline(t *testing.T) {
	kvm := &fakeKvmVcpu{}
	v := newTestVcpu(kvm)

	baseline := kvmapi.LapicState{}
	baseline.Regs[0] = 0x42
	v.resetLapic = &baseline

	kvm.lapic.Regs[0] = 0xff
	require.NoError(t, v.applyResetState())
	assert.Equal(t, byte(0x42), kvm.lapic.Regs[0])
}

func TestApplyResetStateProgramsRealModeEntryPoint(t *testing.T) {
	kvm := &fakeKvmVcpu{}
	v := newTestVcpu(kvm)

	require.NoError(t, v.applyResetState())

	assert.Equal(t, uint64(0xfff0), kvm.regs.RIP)
	assert.Equal(t, uint64(0xf0000), kvm.sregs.CS.Base)
	assert.Equal(t, uint16(0xf000), kvm.sregs.CS.Selector)
	assert.Equal(t, uint64(0x60000010), kvm.sregs.CR0)
	assert.Equal(t, uint32(kvmapi.MPStateRunnable), kvm.mpState)
}

func TestResetReconvergesToSameStateAsInitialApply(t *testing.T) {
	kvm := &fakeKvmVcpu{}
	v := newTestVcpu(kvm)

	require.NoError(t, v.applyResetState())
	first := kvm.regs
	firstSregs := kvm.sregs

	kvm.regs.RIP = 0xdeadbeef
	kvm.sregs.CR0 = 0

	require.NoError(t, v.Reset())
	assert.Equal(t, first, kvm.regs)
	assert.Equal(t, firstSregs, kvm.sregs)
}

func TestScheduleQueuesAndDrainsInOrder(t *testing.T) {
	kvm := &fakeKvmVcpu{}
	v := newTestVcpu(kvm)

	var order []int
	v.taskMu.Lock()
	v.tasks = nil
	v.taskMu.Unlock()

	v.Schedule(func() { order = append(order, 1) })
	v.Schedule(func() { order = append(order, 2) })

	v.drainTasks()
	assert.Equal(t, []int{1, 2}, order)

	// A second drain with nothing queued is a no-op.
	v.drainTasks()
	assert.Equal(t, []int{1, 2}, order)
}

func TestKickSetsImmediateExit(t *testing.T) {
	kvm := &fakeKvmVcpu{}
	v := newTestVcpu(kvm)

	assert.False(t, kvm.immediateExit)
	v.Kick()
	assert.True(t, kvm.immediateExit)
}

func TestHandleIOSkipsDispatchWhenCountIsZero(t *testing.T) {
	kvm := &fakeKvmVcpu{}
	v := newTestVcpu(kvm)
	dm := v.devices.(*fakeDeviceManager)

	v.handleIO()
	assert.Empty(t, dm.pioReads)
	assert.Empty(t, dm.pioWrites)
}

func TestCloseOnNeverStartedVcpuReturnsImmediately(t *testing.T) {
	kvm := &fakeKvmVcpu{}
	v := newTestVcpu(kvm)

	done := make(chan struct{})
	go func() {
		v.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close on a never-started Vcpu did not return")
	}
	assert.True(t, kvm.closeCalled)
}
