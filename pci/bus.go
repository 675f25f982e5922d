// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

import (
	"errors"
	"math/bits"
	"sort"
)

// pageSize is the granularity MMIO BAR requests are rounded up to before
// allocation.
const pageSize = 4096

// Bus is one numbered PCI bus: an ordered, discovery-order list of the
// devices and bridges found on it. parentBridge is the bridge whose
// secondary-bus register names this bus; it is nil for the root bus.
type Bus struct {
	num          uint8
	devices      []*Device
	parentBridge *Bridge
}

// Number returns the bus number this Bus was assigned.
func (b *Bus) Number() uint8 { return b.num }

// Devices returns this bus's direct children in discovery order. Bridges
// appear as their embedded *Device, which does not expose the bridge's
// secondary bus.
func (b *Bus) Devices() []*Device { return append([]*Device(nil), b.devices...) }

func (b *Bus) isRoot() bool { return b.parentBridge == nil }

// probeBus enumerates every device/function slot on bus number num,
// recursing into bridges as they are found, and registers the bus and
// its children with mgr. A probe failure on an individual function is
// absorbed here and enumeration continues with the next slot; the one
// exception is a bus-number overlap, which is fatal for the whole
// enumeration.
func probeBus(mgr *Manager, num uint8, parentBridge *Bridge) (*Bus, error) {
	bus := &Bus{num: num, parentBridge: parentBridge}
	mgr.busList = append(mgr.busList, bus)

	// High-water-mark the bus number so bridge probing can detect an
	// overlapping, pre-configured topology below it.
	if num > mgr.lastBus {
		mgr.lastBus = num
	}

	for dev := uint8(0); dev < 32; dev++ {
		multi := false
		for fn := uint8(0); fn < 8; fn++ {
			if fn > 0 && !multi {
				break
			}

			loc := Location{Segment: mgr.segment, Bus: num, Device: dev, Function: fn}
			vendorID, err := mgr.acc.Read16(loc, OffsetVendorID)
			if err != nil || vendorID == 0xFFFF {
				if fn == 0 {
					break
				}
				continue
			}

			if fn == 0 {
				headerTypeRaw, err := mgr.acc.Read8(loc, OffsetHeaderType)
				if err != nil {
					break
				}
				multi = headerTypeRaw&HeaderTypeMulti != 0
			}

			baseClass, err := mgr.acc.Read8(loc, OffsetBaseClass)
			if err != nil {
				continue
			}
			subclass, err := mgr.acc.Read8(loc, OffsetSubclass)
			if err != nil {
				continue
			}

			if baseClass == BridgeBaseClass && subclass == BridgeSubclass {
				br, err := probeBridge(mgr, loc, bus)
				if err != nil {
					if errors.Is(err, ErrNoResources) {
						// Overlapping bus numbers; the topology cannot be
						// probed safely.
						return nil, err
					}
					mgr.log.Debug("skipping bridge at %s: %v", loc, err)
					continue
				}
				bus.devices = append(bus.devices, &br.Device)
				mgr.register(&br.Device)
			} else {
				d, err := probeDevice(mgr.acc, loc, bus)
				if err != nil {
					mgr.log.Debug("skipping function at %s: %v", loc, err)
					continue
				}
				bus.devices = append(bus.devices, d)
				mgr.register(d)
			}
		}
	}

	return bus, nil
}

// barRequest is one device's request to have a valid BAR given an
// address. A BAR that already holds an address is requested again.
type barRequest struct {
	dev       *Device
	barNum    int
	rangeType RangeType
	prefetch  bool
	size      uint64
	alignLog2 uint
}

func barRequestsFor(d *Device) (io, mmio []barRequest) {
	for i, bar := range d.bars {
		if !bar.Valid || bar.Size == 0 {
			continue
		}
		if bar.IO {
			size := alignUp(bar.Size, 16)
			io = append(io, barRequest{dev: d, barNum: i, rangeType: RangeIO, size: size, alignLog2: 4})
			continue
		}

		size := alignUp(bar.Size, pageSize)
		rt := RangeMMIO32
		if bar.Size64 {
			rt = RangeMMIO64
		}
		mmio = append(mmio, barRequest{
			dev:       d,
			barNum:    i,
			rangeType: rt,
			prefetch:  bar.Prefetchable,
			size:      size,
			alignLog2: uint(bits.TrailingZeros64(size)),
		})
	}
	return io, mmio
}

// allocateResources sorts this bus's direct devices' BAR requests into an
// I/O batch and an MMIO batch, largest first, assigns addresses to each,
// then recurses into every child bridge's secondary bus so devices behind
// bridges are allocated too.
func (b *Bus) allocateResources(mgr *Manager) error {
	var ioReqs, mmioReqs []barRequest
	for _, d := range b.devices {
		io, mmio := barRequestsFor(d)
		ioReqs = append(ioReqs, io...)
		mmioReqs = append(mmioReqs, mmio...)
	}

	sort.SliceStable(ioReqs, func(i, j int) bool { return ioReqs[i].size > ioReqs[j].size })
	sort.SliceStable(mmioReqs, func(i, j int) bool { return mmioReqs[i].size > mmioReqs[j].size })

	for _, r := range ioReqs {
		addr, err := mgr.resources.AllocateIO(r.size, r.alignLog2)
		if err != nil {
			mgr.log.Warn("no I/O resources for %s bar %d (size %#x)", r.dev.Location(), r.barNum, r.size)
			continue
		}
		if err := r.dev.assignResource(mgr.acc, r.barNum, addr); err != nil {
			return err
		}
	}

	for _, r := range mmioReqs {
		canBe64 := r.rangeType == RangeMMIO64
		// The root bus draws from a single upstream pool, so it never
		// treats a request as prefetchable; non-root buses keep the
		// distinction so prefetchable BARs can land in an upstream
		// bridge's prefetchable window.
		prefetch := r.prefetch && !b.isRoot()

		addr, err := mgr.resources.AllocateMMIO(canBe64, prefetch, r.size, r.alignLog2)
		if err != nil {
			panic("pci: failed to allocate resource")
		}
		if err := r.dev.assignResource(mgr.acc, r.barNum, addr); err != nil {
			return err
		}
	}

	for _, d := range b.devices {
		d.assignChildResources()
	}

	for _, d := range b.devices {
		if br, ok := d.asBridge(); ok {
			if err := br.secondary.allocateResources(mgr); err != nil {
				return err
			}
		}
	}

	return nil
}

// assignResource writes an allocated address into BAR i, leaving the
// hardwired low type bits alone, then refreshes the device's cache and
// BAR array to reflect it.
func (d *Device) assignResource(acc ConfigAccessor, i int, addr uint64) error {
	off := OffsetBAR0 + uint16(i)*4
	bar := d.bars[i]

	low := uint32(addr)
	if bar.IO {
		low = low&^0x3 | uint32(d.cache.BAR(i))&0x3
	} else {
		low = low&^0xf | uint32(d.cache.BAR(i))&0xf
	}
	if err := acc.Write32(d.loc, off, low); err != nil {
		return locErr(ErrIO, d.loc, err)
	}
	if bar.Size64 {
		if err := acc.Write32(d.loc, off+4, uint32(addr>>32)); err != nil {
			return locErr(ErrIO, d.loc, err)
		}
	}

	return d.reloadBARs(acc)
}

// assignChildResources would aggregate a bridge's child windows into its
// own memory/IO/prefetchable window registers. The allocator already
// hands out each bus's requests in descending-size order, so the window
// math can be added here without reshaping the allocation pass.
func (d *Device) assignChildResources() {}
