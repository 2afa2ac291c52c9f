package devbus

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/killvxk/mvisor/internal/ioworker"
	"github.com/killvxk/mvisor/internal/kvmapi"
	"github.com/killvxk/mvisor/internal/memory"
)

// testdeviceConsole is a single-port "debug console": writes to its port
// are appended to an in-memory buffer, reads return the number of bytes
// written so far. It has no PCI identity - it attaches as a bare
// legacy-ISA style device, the simplest shape a test needs.
//
// It lives here (rather than in a separate package) because it needs to
// be usable from devbus's own internal tests, and a separate package
// importing devbus would create an import cycle with this test file.
type testdeviceConsole struct {
	BaseDevice

	Port uint64

	mu  sync.Mutex
	buf bytes.Buffer
}

func newTestdeviceConsole(name string, port uint64) *testdeviceConsole {
	return &testdeviceConsole{BaseDevice: NewBaseDevice(name), Port: port}
}

func (c *testdeviceConsole) Resource() *IoResource {
	return &IoResource{
		Kind: ResourcePIO, Base: c.Port, Length: 1,
		Name: c.Name(), Handler: c,
	}
}

func (c *testdeviceConsole) Read(offset uint64, size uint32) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(c.buf.Len())
}

func (c *testdeviceConsole) Write(offset uint64, size uint32, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.WriteByte(byte(value))
}

func (c *testdeviceConsole) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// fakeVM records the kernel calls a real kvmapi.VM would perform,
// letting these tests drive the Device Manager without /dev/kvm.
type fakeVM struct {
	irqLines    []kvmapi.IrqLevel
	msiSignals  []kvmapi.Msi
	gsiRoutings [][]kvmapi.IrqRoutingEntry
	ioEventFDs  []kvmapi.IoEventFd
	irqFDs      []kvmapi.IrqFd
}

func (f *fakeVM) IRQLine(irq uint32, level bool) error {
	l := uint32(0)
	if level {
		l = 1
	}
	f.irqLines = append(f.irqLines, kvmapi.IrqLevel{IRQ: irq, Level: l})
	return nil
}

func (f *fakeVM) SignalMSI(addressLo, addressHi, data uint32) error {
	f.msiSignals = append(f.msiSignals, kvmapi.Msi{AddressLo: addressLo, AddressHi: addressHi, Data: data})
	return nil
}

func (f *fakeVM) SetGSIRouting(entries []kvmapi.IrqRoutingEntry) error {
	cp := append([]kvmapi.IrqRoutingEntry(nil), entries...)
	f.gsiRoutings = append(f.gsiRoutings, cp)
	return nil
}

func (f *fakeVM) IOEventFD(addr, datamatch uint64, length uint32, fd int, flags uint32) error {
	f.ioEventFDs = append(f.ioEventFDs, kvmapi.IoEventFd{Addr: addr, Datamatch: datamatch, Len: length, FD: int32(fd), Flags: flags})
	return nil
}

func (f *fakeVM) IRQFD(fd int, gsi uint32, deassign bool) error {
	flags := uint32(0)
	if deassign {
		flags = kvmapi.IRQFDFlagDeassign
	}
	f.irqFDs = append(f.irqFDs, kvmapi.IrqFd{FD: uint32(fd), GSI: gsi, Flags: flags})
	return nil
}

// fakeMemory records Map/Unmap calls so tests can check the MMIO
// shadow-region bookkeeping without a real memory.Manager.
type fakeMemory struct {
	maps   []memory.Region
	unmaps int
}

func (f *fakeMemory) Map(base, length uint64, backing []byte, kind memory.Kind, name string) (*memory.Region, error) {
	r := &memory.Region{Base: base, Length: length, Kind: kind, Name: name}
	f.maps = append(f.maps, *r)
	return r, nil
}

func (f *fakeMemory) Unmap(region *memory.Region) error {
	f.unmaps++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeVM) {
	t.Helper()
	vm := &fakeVM{}
	io, err := ioworker.New()
	require.NoError(t, err)
	t.Cleanup(func() { io.Stop() })
	io.Start()

	m, err := New(vm, io, &fakeMemory{})
	require.NoError(t, err)
	return m, vm
}

func TestRegisterDeviceRejectsNameConflict(t *testing.T) {
	m, _ := newTestManager(t)

	dev1 := newTestdeviceConsole("console", 0x3f8)
	dev2 := newTestdeviceConsole("console", 0x2f8)

	require.NoError(t, m.RegisterDevice(dev1))
	assert.ErrorIs(t, m.RegisterDevice(dev2), ErrNameConflict)
}

func TestRegisterUnregisterDeviceRoundTrip(t *testing.T) {
	m, _ := newTestManager(t)

	dev := newTestdeviceConsole("console", 0x3f8)
	require.NoError(t, m.RegisterDevice(dev))

	got, ok := m.LookupDevice("console")
	require.True(t, ok)
	assert.Same(t, dev, got)

	require.NoError(t, m.UnregisterDevice("console"))
	_, ok = m.LookupDevice("console")
	assert.False(t, ok)
}

func TestUnregisterUnknownDevice(t *testing.T) {
	m, _ := newTestManager(t)
	assert.ErrorIs(t, m.UnregisterDevice("nope"), ErrDeviceNotFound)
}

func TestConnectAndResetWalkRegistrationOrder(t *testing.T) {
	m, _ := newTestManager(t)

	var order []string
	record := func(name string) *recordingDevice {
		return &recordingDevice{BaseDevice: NewBaseDevice(name), order: &order}
	}

	a, b := record("a"), record("b")
	require.NoError(t, m.RegisterDevice(a))
	require.NoError(t, m.RegisterDevice(b))

	require.NoError(t, m.Connect())
	assert.Equal(t, []string{"a", "b"}, order)

	order = nil
	m.Reset()
	assert.Equal(t, []string{"a", "b"}, order)
}

type recordingDevice struct {
	BaseDevice
	order *[]string
}

func (r *recordingDevice) Connect() error {
	*r.order = append(*r.order, r.Name())
	return nil
}

func (r *recordingDevice) Reset() {
	*r.order = append(*r.order, r.Name())
}

func TestHandlePioDispatchesToRegisteredRange(t *testing.T) {
	m, _ := newTestManager(t)

	dev := newTestdeviceConsole("console", 0x3f8)
	m.RegisterIoHandler(dev.Resource())

	m.HandlePio(0x3f8, 1, true, 'A')
	m.HandlePio(0x3f8, 1, true, 'B')

	n := m.HandlePio(0x3f8, 1, false, 0)
	assert.Equal(t, uint64(2), n)
	assert.Equal(t, "AB", dev.String())
}

func TestHandlePioUnmappedReturnsAllOnes(t *testing.T) {
	m, _ := newTestManager(t)
	assert.Equal(t, ^uint64(0), m.HandlePio(0x80, 1, false, 0))
}

func TestRegisterMmioHandlerMapsMemoryShadow(t *testing.T) {
	m, _ := newTestManager(t)
	mem := m.mem.(*fakeMemory)

	res := &IoResource{Kind: ResourceMMIO, Base: 0xd0000000, Length: memory.PageSize, Name: "mmio-dev", Handler: IoHandlerFuncs{}}
	require.NoError(t, m.RegisterIoHandler(res))

	require.Len(t, mem.maps, 1)
	assert.Equal(t, memory.Device, mem.maps[0].Kind)
	assert.Equal(t, res.Base, mem.maps[0].Base)

	m.UnregisterIoHandler(res)
	assert.Equal(t, 1, mem.unmaps)
}

func TestHandlePioMoveToFrontPromotion(t *testing.T) {
	m, _ := newTestManager(t)

	var resources []*IoResource
	for i := 0; i < 5; i++ {
		r := &IoResource{Kind: ResourcePIO, Base: uint64(0x100 + i), Length: 1, Handler: IoHandlerFuncs{
			ReadFunc: func(uint64, uint32) uint64 { return 0 },
		}}
		resources = append(resources, r)
		m.RegisterIoHandler(r)
	}

	hot := resources[4]
	m.HandlePio(hot.Base, 1, false, 0)

	m.mu.Lock()
	idx := -1
	for i, r := range m.pio {
		if r == hot {
			idx = i
		}
	}
	m.mu.Unlock()
	assert.Equal(t, 0, idx, "handler found at depth >= moveToFrontDepth should be promoted to front")
}

func TestSetIrqForwardsToVM(t *testing.T) {
	m, vm := newTestManager(t)
	require.NoError(t, m.SetIrq(5, true))
	require.Len(t, vm.irqLines, 1)
	assert.Equal(t, uint32(5), vm.irqLines[0].IRQ)
	assert.Equal(t, uint32(1), vm.irqLines[0].Level)
}

func TestGsiTableFixedPrefixFirst24Entries(t *testing.T) {
	m, vm := newTestManager(t)
	require.NotEmpty(t, vm.gsiRoutings)

	initial := vm.gsiRoutings[0]
	for _, e := range initial {
		assert.Less(t, e.GSI, uint32(gsiDynamicBase))
		assert.Equal(t, uint32(kvmapi.IrqRoutingIRQChip), e.Type)
	}

	_, err := m.AddMsiRoute(0xfee00000, 0, 0x41, -1)
	require.NoError(t, err)

	last := vm.gsiRoutings[len(vm.gsiRoutings)-1]
	assert.Equal(t, uint32(gsiDynamicBase), last[len(last)-1].GSI)
}

func TestAddMsiRouteBindsIrqfdWhenFDGiven(t *testing.T) {
	m, vm := newTestManager(t)

	gsi, err := m.AddMsiRoute(0xfee00000, 0, 0x41, 42)
	require.NoError(t, err)
	require.Len(t, vm.irqFDs, 1)
	assert.Equal(t, gsi, vm.irqFDs[0].GSI)
	assert.Equal(t, uint32(42), vm.irqFDs[0].FD)
}

func TestUpdateMsiRouteRemoveDeassignsIrqfd(t *testing.T) {
	m, vm := newTestManager(t)

	gsi, err := m.AddMsiRoute(0xfee00000, 0, 0x41, 42)
	require.NoError(t, err)

	require.NoError(t, m.UpdateMsiRoute(gsi, 0, 0, 0, 42))
	require.Len(t, vm.irqFDs, 2)
	assert.Equal(t, uint32(42), vm.irqFDs[1].FD)
	assert.NotEqual(t, uint32(0), vm.irqFDs[1].Flags&kvmapi.IRQFDFlagDeassign)
}

func TestUpdateMsiRouteRemoveWithoutFDSkipsDeassign(t *testing.T) {
	m, vm := newTestManager(t)

	gsi, err := m.AddMsiRoute(0xfee00000, 0, 0x41, -1)
	require.NoError(t, err)

	require.NoError(t, m.UpdateMsiRoute(gsi, 0, 0, 0, -1))
	assert.Empty(t, vm.irqFDs)
}

func TestRegisterIoEventRoundTrip(t *testing.T) {
	m, vm := newTestManager(t)

	var written uint64
	seen := make(chan struct{}, 1)
	require.NoError(t, m.RegisterIoHandler(&IoResource{
		Kind: ResourcePIO, Base: 0x60, Length: 1, Name: "test",
		Handler: IoHandlerFuncs{WriteFunc: func(offset uint64, size uint32, value uint64) {
			written = value
			seen <- struct{}{}
		}},
	}))

	ev, err := m.RegisterIoEvent(ResourcePIO, 0x60, 1, 0x42, true)
	require.NoError(t, err)
	require.Len(t, vm.ioEventFDs, 1)

	require.NoError(t, ev.fd.Signal(1))
	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("ioeventfd signal never reached the registered handler")
	}
	assert.Equal(t, uint64(0x42), written)

	m.UnregisterIoEvent(ev)
	require.Len(t, vm.ioEventFDs, 2)
	assert.NotEqual(t, uint32(0), vm.ioEventFDs[1].Flags&kvmapi.IOEventFDFlagDeassign)
}

func TestPciDevfnConflict(t *testing.T) {
	m, _ := newTestManager(t)

	a := &pciDevice{BaseDevice: NewBaseDevice("a"), view: PciView{Bus: 0, Devfn: Devfn(1, 0)}}
	b := &pciDevice{BaseDevice: NewBaseDevice("b"), view: PciView{Bus: 0, Devfn: Devfn(1, 0)}}

	require.NoError(t, m.RegisterDevice(a))
	assert.ErrorIs(t, m.RegisterDevice(b), ErrPciDevfnConflict)
}

type pciDevice struct {
	BaseDevice
	view PciView
}

func (p *pciDevice) PCI() *PciView { return &p.view }
