// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

import (
	"sync"

	"github.com/littlekernel/lk/internal/klog"
	"github.com/littlekernel/lk/pkg/wavl"
)

// Manager holds the bus manager's state: the root bus, the
// discovery-ordered bus list, the last assigned bus number, the resource
// allocator and the location index. There are no package-level globals;
// every Manager is independent. All exported methods serialize on mu.
type Manager struct {
	mu sync.Mutex

	acc      ConfigAccessor
	platform PlatformInterruptService
	log      *klog.Multiplexer

	segment uint16
	root    *Bus
	busList []*Bus
	lastBus uint8

	resources ResourceAllocator
	index     *wavl.Tree[Location, *Device]
}

// NewManager constructs a Manager bound to the given configuration-space
// accessor and platform interrupt service. log may be nil, in which case
// diagnostics are discarded.
func NewManager(acc ConfigAccessor, platform PlatformInterruptService, log *klog.Multiplexer) *Manager {
	if log == nil {
		log = klog.NewMultiplexer()
	}
	return &Manager{
		acc:      acc,
		platform: platform,
		log:      log,
		index:    wavl.New[Location, *Device](locationAccessor{}, compareLocation),
	}
}

func (m *Manager) register(d *Device) {
	// Two functions claiming the same location is a broken topology; keep
	// the first one seen so lookups stay deterministic.
	if _, inserted := m.index.InsertOrFind(d); !inserted {
		m.log.Warn("duplicate device at %s already registered, keeping the first", d.Location())
	}
}

// nextBusNumber hands out the next unused bus number, starting from 1
// (bus 0 is always the root). The same counter doubles as the high-water
// mark bridge probing sanity-checks pre-configured topologies against.
func (m *Manager) nextBusNumber() (uint8, error) {
	if m.lastBus >= 0xff {
		return 0, ErrNoResources
	}
	m.lastBus++
	return m.lastBus, nil
}

// Init probes bus 0 as the root bus, populating the manager's bus and
// device tree. No resources are allocated yet; see AssignResources.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	root, err := probeBus(m, 0, nil)
	if err != nil {
		// A failed probe leaves no usable topology behind: visits and
		// finds over a manager whose Init failed see zero matches. The
		// partially probed bus and bridge records are dropped here.
		m.busList = nil
		m.lastBus = 0
		m.index = wavl.New[Location, *Device](locationAccessor{}, compareLocation)
		return err
	}
	m.root = root
	return nil
}

// AddResource seeds one of the manager's resource pools with an address
// range the platform has set aside for PCI use.
func (m *Manager) AddResource(t RangeType, base, size uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resources.SetRange(t, base, size)
}

// AssignResources sorts and allocates every valid BAR found during Init,
// on every discovered bus, including BARs that already hold an address.
// It is a no-op if Init has not found a root bus.
func (m *Manager) AssignResources() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == nil {
		return nil
	}
	return m.root.allocateResources(m)
}

// VisitDevices calls fn once for every device and bridge found on every
// bus, in discovery order.
func (m *Manager) VisitDevices(fn func(loc Location)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, bus := range m.busList {
		for _, d := range bus.devices {
			fn(d.Location())
		}
	}
}

// lookup returns the device registered at loc, or nil if none exists.
func (m *Manager) lookup(loc Location) *Device {
	d, ok := m.index.Find(loc)
	if !ok {
		return nil
	}
	return d
}

// FindDevice performs a linear scan for the index'th device (0-based)
// whose device id and vendor id match, in discovery order. 0xffff
// wildcards either id; passing it for both is rejected as ErrInvalidArgs.
func (m *Manager) FindDevice(deviceID, vendorID uint16, index int) (Location, error) {
	if deviceID == 0xffff && vendorID == 0xffff {
		return Location{}, ErrInvalidArgs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := index
	for _, bus := range m.busList {
		for _, d := range bus.devices {
			if deviceID != 0xffff && d.DeviceID() != deviceID {
				continue
			}
			if vendorID != 0xffff && d.VendorID() != vendorID {
				continue
			}
			if remaining == 0 {
				return d.Location(), nil
			}
			remaining--
		}
	}
	return Location{}, ErrNotFound
}

// FindDeviceByClass performs a linear scan for the index'th device
// (0-based) whose base class matches exactly and whose subclass and
// programming interface match or are wildcarded with 0xff. Wildcarding
// both is rejected; baseClass has no wildcard.
func (m *Manager) FindDeviceByClass(baseClass, subclass, progIF uint8, index int) (Location, error) {
	if subclass == 0xff && progIF == 0xff {
		return Location{}, ErrInvalidArgs
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := index
	for _, bus := range m.busList {
		for _, d := range bus.devices {
			if d.BaseClass() != baseClass {
				continue
			}
			if subclass != 0xff && d.Subclass() != subclass {
				continue
			}
			if progIF != 0xff && d.ProgIF() != progIF {
				continue
			}
			if remaining == 0 {
				return d.Location(), nil
			}
			remaining--
		}
	}
	return Location{}, ErrNotFound
}

// Enable sets IO_EN, MEM_EN and BUS_MASTER_EN on the device at loc.
func (m *Manager) Enable(loc Location) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.lookup(loc)
	if d == nil {
		return locErr(ErrNotFound, loc, nil)
	}
	return d.enable(m.acc)
}

// ReadBARs returns the cached BAR array for the device at loc.
func (m *Manager) ReadBARs(loc Location) ([6]BAR, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.lookup(loc)
	if d == nil {
		return [6]BAR{}, locErr(ErrNotFound, loc, nil)
	}
	return d.BARs(), nil
}

// AllocateIRQ maps the device at loc's legacy INTx line to a platform
// vector.
func (m *Manager) AllocateIRQ(loc Location) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.lookup(loc)
	if d == nil {
		return 0, locErr(ErrNotFound, loc, nil)
	}
	return d.allocateIRQ(m.acc, m.platform)
}

// AllocateMSI programs one MSI vector on the device at loc. A device
// without an MSI capability reports ErrNotSupported.
func (m *Manager) AllocateMSI(loc Location, count int) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.lookup(loc)
	if d == nil {
		return 0, locErr(ErrNotFound, loc, nil)
	}
	return d.allocateMSI(m.acc, m.platform, count)
}
