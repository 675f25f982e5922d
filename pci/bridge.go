// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

// Bridge is a PCI-to-PCI bridge function: a Device that also owns a
// secondary Bus. Embedding Device by value lets a *Bridge be used anywhere
// a *Device is expected via &br.Device.
type Bridge struct {
	Device

	secondary *Bus
}

// Secondary returns the bus numbered by this bridge's secondary-bus
// register.
func (br *Bridge) Secondary() *Bus { return br.secondary }

func (br *Bridge) IORange() BusRange          { return br.cache.IORange() }
func (br *Bridge) MemoryRange() BusRange      { return br.cache.MemoryRange() }
func (br *Bridge) PrefetchableRange() BusRange { return br.cache.PrefetchableRange() }

// probeBridge reads a bridge function at loc, assigns it a secondary bus
// number if it has none yet, and recursively probes that secondary bus.
func probeBridge(mgr *Manager, loc Location, parentBus *Bus) (*Bridge, error) {
	vendorID, err := mgr.acc.Read16(loc, OffsetVendorID)
	if err != nil {
		return nil, locErr(ErrIO, loc, err)
	}
	if vendorID == 0xFFFF {
		return nil, locErr(ErrNotFound, loc, nil)
	}

	headerTypeRaw, err := mgr.acc.Read8(loc, OffsetHeaderType)
	if err != nil {
		return nil, locErr(ErrIO, loc, err)
	}
	if headerTypeRaw&HeaderTypeMask != HeaderTypeBridge {
		return nil, locErr(ErrNotFound, loc, nil)
	}

	br := &Bridge{Device: Device{loc: loc, bus: parentBus, msiCap: -1, msixCap: -1}}
	br.selfBridge = br
	if err := br.loadConfig(mgr.acc); err != nil {
		return nil, err
	}
	if err := br.loadBARs(mgr.acc); err != nil {
		return nil, err
	}
	if err := br.loadCapabilities(mgr.acc); err != nil {
		return nil, err
	}

	if br.cache.SecondaryBus() == 0 {
		secondaryNum, err := mgr.nextBusNumber()
		if err != nil {
			return nil, locErr(ErrNoResources, loc, err)
		}
		primaryNum := uint8(0)
		if parentBus != nil {
			primaryNum = parentBus.num
		}
		if err := br.assignBusNumbers(mgr.acc, primaryNum, secondaryNum, secondaryNum); err != nil {
			return nil, err
		}
		if parentBus != nil && parentBus.parentBridge != nil {
			if err := parentBus.parentBridge.extendSubordinateRange(mgr.acc, secondaryNum); err != nil {
				return nil, err
			}
		}
	} else if br.cache.SecondaryBus() < mgr.lastBus {
		// A pre-configured secondary bus number that sits below the
		// high-water mark means this bridge's bus range overlaps one
		// already discovered -- the topology is inconsistent and cannot
		// be probed safely. probeBus advances the high-water mark for
		// pre-configured numbers above it.
		return nil, locErr(ErrNoResources, loc, nil)
	}

	secondary, err := probeBus(mgr, br.cache.SecondaryBus(), br)
	if err != nil {
		return nil, err
	}
	br.secondary = secondary

	return br, nil
}

// assignBusNumbers programs the primary/secondary/subordinate triple into
// the 32-bit word at OffsetBusNumbers, preserving the secondary latency
// timer byte, then refreshes the configuration cache.
func (br *Bridge) assignBusNumbers(acc ConfigAccessor, primary, secondary, subordinate uint8) error {
	word, err := acc.Read32(br.loc, OffsetBusNumbers)
	if err != nil {
		return locErr(ErrIO, br.loc, err)
	}
	word = word&0xff000000 | uint32(subordinate)<<16 | uint32(secondary)<<8 | uint32(primary)
	if err := acc.Write32(br.loc, OffsetBusNumbers, word); err != nil {
		return locErr(ErrIO, br.loc, err)
	}
	return br.loadConfig(acc)
}

// extendSubordinateRange grows this bridge's subordinate-bus number to
// cover a newly discovered descendant bus, and propagates the same
// extension up through any ancestor bridge.
func (br *Bridge) extendSubordinateRange(acc ConfigAccessor, newSecondaryBus uint8) error {
	if newSecondaryBus <= br.cache.SubordinateBus() {
		return nil
	}
	if err := br.assignBusNumbers(acc, br.cache.PrimaryBus(), br.cache.SecondaryBus(), newSecondaryBus); err != nil {
		return err
	}
	if br.bus != nil && br.bus.parentBridge != nil {
		return br.bus.parentBridge.extendSubordinateRange(acc, newSecondaryBus)
	}
	return nil
}
