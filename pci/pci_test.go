// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci_test

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/littlekernel/lk/pci"
	"github.com/littlekernel/lk/pci/pcitest"
)

// configSpace is a small builder for synthetic 256-byte configuration
// spaces, used so test data reads as field assignments rather than raw
// byte literals.
type configSpace struct {
	raw [256]byte
}

func newConfigSpace(vendorID, deviceID uint16, headerType uint8, baseClass, subclass, progIF uint8) *configSpace {
	c := &configSpace{}
	c.put16(pci.OffsetVendorID, vendorID)
	c.put16(pci.OffsetDeviceID, deviceID)
	c.raw[pci.OffsetHeaderType] = headerType
	c.raw[pci.OffsetBaseClass] = baseClass
	c.raw[pci.OffsetSubclass] = subclass
	c.raw[pci.OffsetProgIF] = progIF
	return c
}

func (c *configSpace) put8(off int, v uint8)   { c.raw[off] = v }
func (c *configSpace) put16(off int, v uint16) { binary.LittleEndian.PutUint16(c.raw[off:off+2], v) }
func (c *configSpace) put32(off int, v uint32) { binary.LittleEndian.PutUint32(c.raw[off:off+4], v) }

func (c *configSpace) withBAR(i int, raw uint32) *configSpace {
	c.put32(pci.OffsetBAR0+i*4, raw)
	return c
}

func (c *configSpace) withCapabilities(ptr uint8, caps ...[2]uint8) *configSpace {
	c.put16(pci.OffsetStatus, pci.StatusCapabilitiesList)
	c.raw[pci.OffsetCapabilitiesPtr] = ptr
	for i, cap := range caps {
		off := int(ptr) + i*2
		next := uint8(0)
		if i < len(caps)-1 {
			next = ptr + uint8((i+1)*2)
		}
		c.raw[off] = cap[0]
		c.raw[off+1] = next
	}
	return c
}

func (c *configSpace) withInterruptLine(line uint8) *configSpace {
	c.raw[pci.OffsetInterruptLine] = line
	return c
}

func (c *configSpace) array() [256]byte { return c.raw }

func TestProbeDeviceNotFound(t *testing.T) {
	bus := pcitest.NewBus()
	loc := pci.Location{Bus: 0, Device: 5, Function: 0}
	// No function installed: vendor id reads as 0xffff.
	if _, err := pci.ProbeDevice(bus, loc, nil); !errors.Is(err, pci.ErrNotFound) {
		t.Fatalf("probeDevice on empty slot: got %v, want ErrNotFound", err)
	}
}

func TestProbeDeviceRejectsBridgeClass(t *testing.T) {
	bus := pcitest.NewBus()
	loc := pci.Location{Bus: 0, Device: 1, Function: 0}
	cfg := newConfigSpace(0x8086, 0x1234, pci.HeaderTypeBridge, pci.BridgeBaseClass, pci.BridgeSubclass, 0)
	bus.AddFunction(loc, cfg.array(), [6]uint64{})

	if _, err := pci.ProbeDevice(bus, loc, nil); !errors.Is(err, pci.ErrNotSupported) {
		t.Fatalf("probeDevice on a bridge: got %v, want ErrNotSupported", err)
	}
}

func TestProbeDeviceBARsAndCapabilities(t *testing.T) {
	bus := pcitest.NewBus()
	loc := pci.Location{Bus: 0, Device: 2, Function: 0}
	cfg := newConfigSpace(0x1af4, 0x1000, pci.HeaderTypeDevice, 0x02, 0x00, 0x00).
		withBAR(0, 0x1).                // I/O BAR, base address field zeroed
		withBAR(1, 0xF0000000).         // 32-bit MMIO BAR, non-prefetchable
		withCapabilities(0x40, [2]uint8{pci.CapabilityMSI, 0}).
		withInterruptLine(10)
	bus.AddFunction(loc, cfg.array(), [6]uint64{0x10, 0x10000, 0, 0, 0, 0})

	d, err := pci.ProbeDevice(bus, loc, nil)
	if err != nil {
		t.Fatalf("probeDevice: %v", err)
	}

	bars := d.BARs()
	if !bars[0].IO || !bars[0].Valid || bars[0].Size != 0x10 {
		t.Fatalf("bar0 = %+v, want IO size 0x10", bars[0])
	}
	if bars[1].IO || !bars[1].Valid || bars[1].Prefetchable || bars[1].Size != 0x10000 || bars[1].Addr != 0xF0000000 {
		t.Fatalf("bar1 = %+v, want MMIO32 size 0x10000 addr 0xF0000000", bars[1])
	}
	if !d.HasMSI() {
		t.Fatalf("device with an MSI capability reports HasMSI() == false")
	}
	if d.HasMSIX() {
		t.Fatalf("device with no MSI-X capability reports HasMSIX() == true")
	}
}

func TestProbeDevice64BitBAR(t *testing.T) {
	bus := pcitest.NewBus()
	loc := pci.Location{Bus: 0, Device: 3, Function: 0}
	cfg := newConfigSpace(0x10de, 0x2000, pci.HeaderTypeDevice, 0x03, 0x00, 0x00).
		withBAR(0, 0b1100). // 64-bit MMIO, prefetchable
		withBAR(1, 0)
	bus.AddFunction(loc, cfg.array(), [6]uint64{0x4_0000_0000, 0, 0, 0, 0, 0})

	d, err := pci.ProbeDevice(bus, loc, nil)
	if err != nil {
		t.Fatalf("probeDevice: %v", err)
	}

	bars := d.BARs()
	if !bars[0].Size64 || !bars[0].Prefetchable || bars[0].Size != 0x4_0000_0000 {
		t.Fatalf("bar0 = %+v, want a 16 GiB 64-bit prefetchable BAR", bars[0])
	}
	if bars[1].Valid {
		t.Fatalf("bar1 (the upper lane of a 64-bit BAR) should never be independently valid: %+v", bars[1])
	}
}

func TestWalkCapabilitiesBound(t *testing.T) {
	bus := pcitest.NewBus()
	loc := pci.Location{Bus: 0, Device: 4, Function: 0}
	cfg := newConfigSpace(0x1111, 0x2222, pci.HeaderTypeDevice, 0, 0, 0)
	cfg.put16(pci.OffsetStatus, pci.StatusCapabilitiesList)
	cfg.raw[pci.OffsetCapabilitiesPtr] = 0x40
	// A cyclic capability list: 0x40 points to itself.
	cfg.raw[0x40] = 0x09
	cfg.raw[0x41] = 0x40
	bus.AddFunction(loc, cfg.array(), [6]uint64{})

	var cache pci.ConfigCache
	if err := pci.ReadConfigCache(bus, loc, &cache); err != nil {
		t.Fatalf("readConfigCache: %v", err)
	}
	caps, _, _, err := pci.WalkCapabilities(bus, loc, &cache)
	if err != nil {
		t.Fatalf("walkCapabilities: %v", err)
	}
	if len(caps) != pci.MaxCapabilityWalk {
		t.Fatalf("cyclic capability list walked %d entries, want the %d-entry bound", len(caps), pci.MaxCapabilityWalk)
	}
}

// buildTwoBusTopology wires a root bus with one plain device and one
// bridge, whose secondary bus carries one further device with a 64-bit
// MMIO BAR -- enough to exercise bus numbering, nested probing and
// cross-bus resource allocation.
func buildTwoBusTopology(t *testing.T) (*pcitest.Bus, *pci.Manager) {
	t.Helper()
	bus := pcitest.NewBus()

	root0 := pci.Location{Bus: 0, Device: 0, Function: 0}
	bus.AddFunction(root0, newConfigSpace(0x8086, 0xaaaa, pci.HeaderTypeDevice, 0x01, 0x01, 0x00).
		withBAR(0, 0x1).
		array(), [6]uint64{0x8})

	bridgeLoc := pci.Location{Bus: 0, Device: 1, Function: 0}
	bus.AddFunction(bridgeLoc, newConfigSpace(0x8086, 0xbbbb, pci.HeaderTypeBridge, pci.BridgeBaseClass, pci.BridgeSubclass, 0).
		array(), [6]uint64{})

	childLoc := pci.Location{Bus: 1, Device: 0, Function: 0}
	bus.AddFunction(childLoc, newConfigSpace(0x8086, 0xcccc, pci.HeaderTypeDevice, 0x03, 0x00, 0x00).
		withBAR(0, 0b1100).
		withBAR(1, 0).
		array(), [6]uint64{0x2000})

	mgr := pci.NewManager(bus, pcitest.NewPlatform(32), nil)
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return bus, mgr
}

func TestProbeAssignsSecondaryBusNumber(t *testing.T) {
	_, mgr := buildTwoBusTopology(t)

	if got := mgr.Root().Number(); got != 0 {
		t.Fatalf("root bus number = %d, want 0", got)
	}
	if len(mgr.BusList()) != 2 {
		t.Fatalf("busList has %d buses, want 2", len(mgr.BusList()))
	}

	secondary := busByNumber(t, mgr, 1)
	childLoc := pci.Location{Bus: secondary.Number(), Device: 0, Function: 0}
	if mgr.Lookup(childLoc) == nil {
		t.Fatalf("device behind the bridge was not registered at %s", childLoc)
	}
}

func busByNumber(t *testing.T, mgr *pci.Manager, num uint8) *pci.Bus {
	t.Helper()
	for _, b := range mgr.BusList() {
		if b.Number() == num {
			return b
		}
	}
	t.Fatalf("no bus numbered %d in busList", num)
	return nil
}

func TestAssignResourcesRecursesIntoSecondaryBus(t *testing.T) {
	_, mgr := buildTwoBusTopology(t)

	mgr.AddResource(pci.RangeIO, 0x1000, 0x1000)
	mgr.AddResource(pci.RangeMMIO32, 0xE0000000, 0x10000000)
	// The device behind the bridge has a prefetchable 64-bit BAR, and a
	// non-root bus keeps the prefetchable distinction.
	mgr.AddResource(pci.RangeMMIO64Prefetchable, 0x4_0000_0000, 0x1_0000_0000_0000)

	if err := mgr.AssignResources(); err != nil {
		t.Fatalf("AssignResources: %v", err)
	}

	rootDevLoc := pci.Location{Bus: 0, Device: 0, Function: 0}
	bars, err := mgr.ReadBARs(rootDevLoc)
	if err != nil {
		t.Fatalf("ReadBARs(root device): %v", err)
	}
	if bars[0].Addr < 0x1000 {
		t.Fatalf("root device's IO BAR got address %#x, want >= pool base 0x1000", bars[0].Addr)
	}

	secondary := busByNumber(t, mgr, 1)
	childLoc := pci.Location{Bus: secondary.Number(), Device: 0, Function: 0}
	childBARs, err := mgr.ReadBARs(childLoc)
	if err != nil {
		t.Fatalf("ReadBARs(child device): %v", err)
	}
	if childBARs[0].Addr < 0x4_0000_0000 {
		t.Fatalf("device behind the bridge never received a BAR assignment from the recursive pass: %+v", childBARs[0])
	}
}

func TestAllocateMMIOFallsBackTo32Bit(t *testing.T) {
	var ra pci.ResourceAllocator
	ra.SetRange(pci.RangeMMIO64, 0x1_0000_0000, 0x1000) // too small for the request below
	ra.SetRange(pci.RangeMMIO32, 0xE0000000, 0x10000)

	addr, err := ra.AllocateMMIO(true, false, 0x8000, 12)
	if err != nil {
		t.Fatalf("AllocateMMIO: %v", err)
	}
	if addr < 0xE0000000 {
		t.Fatalf("address %#x did not come from the 32-bit fallback pool", addr)
	}
}

func TestAllocateMMIOExhaustionSequence(t *testing.T) {
	var ra pci.ResourceAllocator
	ra.SetRange(pci.RangeMMIO32, 0x8000_0000, 0x1000_0000)
	ra.SetRange(pci.RangeMMIO64, 0x1_0000_0000, 0x2_0000_0000)

	addr, err := ra.AllocateMMIO(true, false, 0x1000_0000, 28)
	if err != nil || addr != 0x1_0000_0000 {
		t.Fatalf("first allocation = %#x, %v; want 0x1_0000_0000 from the 64-bit pool", addr, err)
	}

	// Too large for what remains of the 64-bit pool, and too large for the
	// 32-bit fallback: the whole request fails.
	if _, err := ra.AllocateMMIO(true, false, 0x2_0000_0000, 29); !errors.Is(err, pci.ErrNoResources) {
		t.Fatalf("oversized allocation: got %v, want ErrNoResources", err)
	}

	addr, err = ra.AllocateMMIO(false, false, 0x1000_0000, 28)
	if err != nil || addr != 0x8000_0000 {
		t.Fatalf("32-bit allocation = %#x, %v; want 0x8000_0000", addr, err)
	}
}

func TestAllocateHonorsAlignment(t *testing.T) {
	var ra pci.ResourceAllocator
	ra.SetRange(pci.RangeIO, 0x1001, 0x1000)

	addr, err := ra.AllocateIO(0x10, 4)
	if err != nil {
		t.Fatalf("AllocateIO: %v", err)
	}
	if addr%0x10 != 0 {
		t.Fatalf("address %#x is not aligned to 0x10", addr)
	}
}

func TestAllocateNoResourcesWhenExhausted(t *testing.T) {
	var ra pci.ResourceAllocator
	ra.SetRange(pci.RangeIO, 0x1000, 0x10)

	if _, err := ra.AllocateIO(0x20, 0); !errors.Is(err, pci.ErrNoResources) {
		t.Fatalf("AllocateIO over capacity: got %v, want ErrNoResources", err)
	}
}

func TestFindDeviceWildcardRejected(t *testing.T) {
	_, mgr := buildTwoBusTopology(t)
	if _, err := mgr.FindDevice(0xffff, 0xffff, 0); !errors.Is(err, pci.ErrInvalidArgs) {
		t.Fatalf("FindDevice with both wildcards: got %v, want ErrInvalidArgs", err)
	}
}

func TestFindDeviceByVendor(t *testing.T) {
	_, mgr := buildTwoBusTopology(t)
	loc, err := mgr.FindDevice(0xffff, 0x8086, 0)
	if err != nil {
		t.Fatalf("FindDevice: %v", err)
	}
	if loc.Device != 0 || loc.Bus != 0 {
		t.Fatalf("FindDevice returned %s, want the first Intel-vendor device", loc)
	}

	if _, err := mgr.FindDevice(0xffff, 0x8086, 10); !errors.Is(err, pci.ErrNotFound) {
		t.Fatalf("FindDevice past the last match: got %v, want ErrNotFound", err)
	}
}

func TestFindDeviceByClass(t *testing.T) {
	_, mgr := buildTwoBusTopology(t)

	// Wildcarding both subclass and interface is rejected.
	if _, err := mgr.FindDeviceByClass(0x03, 0xff, 0xff, 0); !errors.Is(err, pci.ErrInvalidArgs) {
		t.Fatalf("FindDeviceByClass with both wildcards: got %v, want ErrInvalidArgs", err)
	}

	loc, err := mgr.FindDeviceByClass(0x03, 0x00, 0xff, 0)
	if err != nil {
		t.Fatalf("FindDeviceByClass: %v", err)
	}
	if loc.Bus != 1 || loc.Device != 0 {
		t.Fatalf("FindDeviceByClass found %s, want the display controller behind the bridge", loc)
	}
}

func TestEnableSetsCommandBits(t *testing.T) {
	bus, mgr := buildTwoBusTopology(t)
	loc := pci.Location{Bus: 0, Device: 0, Function: 0}

	if err := mgr.Enable(loc); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	command, err := bus.Read16(loc, pci.OffsetCommand)
	if err != nil {
		t.Fatalf("Read16: %v", err)
	}
	want := pci.CommandIOEnable | pci.CommandMemEnable | pci.CommandBusMasterEnable
	if command&want != want {
		t.Fatalf("command register = %#x, want bits %#x set", command, want)
	}
}

func TestAllocateIRQNoLine(t *testing.T) {
	_, mgr := buildTwoBusTopology(t)
	loc := pci.Location{Bus: 0, Device: 0, Function: 0}
	// No INTERRUPT_LINE was programmed in the fixture.
	if _, err := mgr.AllocateIRQ(loc); !errors.Is(err, pci.ErrNoResources) {
		t.Fatalf("AllocateIRQ with no line: got %v, want ErrNoResources", err)
	}
}

func TestAllocateMSIProgramsCapability(t *testing.T) {
	bus := pcitest.NewBus()
	loc := pci.Location{Bus: 0, Device: 0, Function: 0}
	bus.AddFunction(loc, newConfigSpace(0x1af4, 0x1041, pci.HeaderTypeDevice, 0x02, 0x00, 0x00).
		withCapabilities(0x40, [2]uint8{pci.CapabilityMSI, 0}).
		array(), [6]uint64{})

	mgr := pci.NewManager(bus, pcitest.NewPlatform(64), nil)
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	vector, err := mgr.AllocateMSI(loc, 1)
	if err != nil {
		t.Fatalf("AllocateMSI: %v", err)
	}
	if vector != 64 {
		t.Fatalf("AllocateMSI returned vector %d, want 64", vector)
	}

	control, err := bus.Read16(loc, 0x40+2)
	if err != nil {
		t.Fatalf("Read16(control): %v", err)
	}
	if control != 1 {
		t.Fatalf("MSI control register = %#x, want enabled with 1 vector (0x1)", control)
	}

	line, err := bus.Read8(loc, pci.OffsetInterruptLine)
	if err != nil {
		t.Fatalf("Read8(INTERRUPT_LINE): %v", err)
	}
	if line != 64 {
		t.Fatalf("INTERRUPT_LINE cache = %d, want the allocated vector 64", line)
	}
}

func TestAllocateMSIRequiresCapability(t *testing.T) {
	bus := pcitest.NewBus()
	loc := pci.Location{Bus: 0, Device: 0, Function: 0}
	bus.AddFunction(loc, newConfigSpace(0x1af4, 0x1041, pci.HeaderTypeDevice, 0x02, 0x00, 0x00).array(), [6]uint64{})

	mgr := pci.NewManager(bus, pcitest.NewPlatform(64), nil)
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if _, err := mgr.AllocateMSI(loc, 1); !errors.Is(err, pci.ErrNotSupported) {
		t.Fatalf("AllocateMSI with no MSI capability: got %v, want ErrNotSupported", err)
	}
}

func TestProbeSkipsMalformedFunction(t *testing.T) {
	bus := pcitest.NewBus()

	// Device 0 advertises a header type the manager does not understand;
	// device 1 is a normal function. Enumeration must skip the first and
	// still find the second.
	bus.AddFunction(pci.Location{Bus: 0, Device: 0, Function: 0},
		newConfigSpace(0x8086, 0x0001, 0x02, 0x01, 0x00, 0x00).array(), [6]uint64{})
	bus.AddFunction(pci.Location{Bus: 0, Device: 1, Function: 0},
		newConfigSpace(0x8086, 0x0002, pci.HeaderTypeDevice, 0x01, 0x00, 0x00).array(), [6]uint64{})

	mgr := pci.NewManager(bus, pcitest.NewPlatform(32), nil)
	if err := mgr.Init(); err != nil {
		t.Fatalf("Init with one malformed function: %v", err)
	}

	var seen []pci.Location
	mgr.VisitDevices(func(loc pci.Location) { seen = append(seen, loc) })
	if len(seen) != 1 || seen[0].Device != 1 {
		t.Fatalf("VisitDevices = %v, want only the well-formed device 1", seen)
	}
}

func TestInitFailsOnBusNumberOverlap(t *testing.T) {
	bus := pcitest.NewBus()

	// Two pre-configured bridges whose secondary bus numbers overlap: the
	// first claims bus 2, so by the time the second is reached the
	// high-water mark is past its claimed bus 1.
	first := newConfigSpace(0x8086, 0xbbb0, pci.HeaderTypeBridge, pci.BridgeBaseClass, pci.BridgeSubclass, 0)
	first.put8(pci.OffsetSecondaryBus, 2)
	first.put8(pci.OffsetSubordinateBus, 2)
	bus.AddFunction(pci.Location{Bus: 0, Device: 0, Function: 0}, first.array(), [6]uint64{})

	second := newConfigSpace(0x8086, 0xbbb1, pci.HeaderTypeBridge, pci.BridgeBaseClass, pci.BridgeSubclass, 0)
	second.put8(pci.OffsetSecondaryBus, 1)
	second.put8(pci.OffsetSubordinateBus, 1)
	bus.AddFunction(pci.Location{Bus: 0, Device: 1, Function: 0}, second.array(), [6]uint64{})

	mgr := pci.NewManager(bus, pcitest.NewPlatform(32), nil)
	if err := mgr.Init(); !errors.Is(err, pci.ErrNoResources) {
		t.Fatalf("Init with overlapping bus numbers: got %v, want ErrNoResources", err)
	}

	// A failed Init leaves nothing visitable behind.
	count := 0
	mgr.VisitDevices(func(pci.Location) { count++ })
	if count != 0 {
		t.Fatalf("VisitDevices after a failed Init saw %d devices, want 0", count)
	}
	if _, err := mgr.FindDevice(0xbbb0, 0xffff, 0); !errors.Is(err, pci.ErrNotFound) {
		t.Fatalf("FindDevice after a failed Init: got %v, want ErrNotFound", err)
	}
}

func TestVisitDevicesCoverage(t *testing.T) {
	_, mgr := buildTwoBusTopology(t)
	var seen []pci.Location
	mgr.VisitDevices(func(loc pci.Location) { seen = append(seen, loc) })

	if len(seen) != 3 {
		t.Fatalf("VisitDevices saw %d devices, want 3 (plain device, bridge, child device)", len(seen))
	}

	want := map[pci.Location]bool{
		{Bus: 0, Device: 0, Function: 0}: true,
		{Bus: 0, Device: 1, Function: 0}: true,
		{Bus: 1, Device: 0, Function: 0}: true,
	}
	for _, loc := range seen {
		if !want[loc] {
			t.Fatalf("VisitDevices reported unexpected location %s", loc)
		}
		delete(want, loc)
	}
	if len(want) != 0 {
		t.Fatalf("VisitDevices missed locations: %v", want)
	}
}
