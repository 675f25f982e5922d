// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

import "github.com/littlekernel/lk/pkg/wavl"

// Device is one responding PCI function: a non-bridge device record. A
// Device is owned by its parent Bus; the back reference to that Bus is
// non-owning.
type Device struct {
	// node links this Device into the bus manager's location-keyed index.
	node wavl.Node[*Device]

	loc Location
	bus *Bus

	cache ConfigCache
	bars  [6]BAR
	caps  []Capability

	// msiCap/msixCap index into caps; -1 if the device has none.
	msiCap, msixCap int

	// selfBridge is set to the owning *Bridge when this Device is in
	// fact a bridge's embedded base, letting a generic []*Device list
	// recover the Bridge without an unsafe cast.
	selfBridge *Bridge
}

// asBridge reports whether d is actually a Bridge's embedded Device, and
// returns that Bridge if so.
func (d *Device) asBridge() (*Bridge, bool) {
	return d.selfBridge, d.selfBridge != nil
}

// locationAccessor projects the intrusive wavl.Node out of a *Device and
// extracts its Location key.
type locationAccessor struct{}

func (locationAccessor) Key(d *Device) Location            { return d.loc }
func (locationAccessor) Node(d *Device) *wavl.Node[*Device] { return &d.node }

func (d *Device) Location() Location { return d.loc }
func (d *Device) Bus() *Bus          { return d.bus }

func (d *Device) VendorID() uint16  { return d.cache.VendorID() }
func (d *Device) DeviceID() uint16  { return d.cache.DeviceID() }
func (d *Device) BaseClass() uint8  { return d.cache.BaseClass() }
func (d *Device) Subclass() uint8   { return d.cache.Subclass() }
func (d *Device) ProgIF() uint8     { return d.cache.ProgIF() }
func (d *Device) HeaderType() uint8 { return d.cache.HeaderType() }

func (d *Device) HasMSI() bool  { return d.msiCap >= 0 }
func (d *Device) HasMSIX() bool { return d.msixCap >= 0 }

// BARs returns a copy of the device's cached BAR array.
func (d *Device) BARs() [6]BAR { return d.bars }

// probeDevice reads a non-bridge function at loc, returning ErrNotFound if
// no function responds or the header type is unrecognized, and
// ErrNotSupported if loc is in fact a bridge (which must be probed via
// probeBridge).
func probeDevice(acc ConfigAccessor, loc Location, bus *Bus) (*Device, error) {
	vendorID, err := acc.Read16(loc, OffsetVendorID)
	if err != nil {
		return nil, locErr(ErrIO, loc, err)
	}
	if vendorID == 0xFFFF {
		return nil, locErr(ErrNotFound, loc, nil)
	}

	baseClass, err := acc.Read8(loc, OffsetBaseClass)
	if err != nil {
		return nil, locErr(ErrIO, loc, err)
	}
	subclass, err := acc.Read8(loc, OffsetSubclass)
	if err != nil {
		return nil, locErr(ErrIO, loc, err)
	}
	if baseClass == BridgeBaseClass && subclass == BridgeSubclass {
		return nil, locErr(ErrNotSupported, loc, nil)
	}

	headerTypeRaw, err := acc.Read8(loc, OffsetHeaderType)
	if err != nil {
		return nil, locErr(ErrIO, loc, err)
	}
	if headerTypeRaw&HeaderTypeMask != HeaderTypeDevice {
		return nil, locErr(ErrNotFound, loc, nil)
	}

	d := &Device{loc: loc, bus: bus, msiCap: -1, msixCap: -1}
	if err := d.loadConfig(acc); err != nil {
		return nil, err
	}
	if err := d.loadBARs(acc); err != nil {
		return nil, err
	}
	if err := d.loadCapabilities(acc); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) loadConfig(acc ConfigAccessor) error {
	return readConfigCache(acc, d.loc, &d.cache)
}

func (d *Device) loadBARs(acc ConfigAccessor) error {
	bars, err := loadBARs(acc, d.loc, &d.cache, d.cache.HeaderType())
	if err != nil {
		return err
	}
	d.bars = bars
	return nil
}

func (d *Device) loadCapabilities(acc ConfigAccessor) error {
	caps, msi, msix, err := walkCapabilities(acc, d.loc, &d.cache)
	if err != nil {
		return err
	}
	d.caps, d.msiCap, d.msixCap = caps, msi, msix
	return nil
}

// reloadBARs refreshes the configuration cache and re-probes the BAR
// array, used after a resource allocation writes a new address into a BAR.
func (d *Device) reloadBARs(acc ConfigAccessor) error {
	if err := d.loadConfig(acc); err != nil {
		return err
	}
	return d.loadBARs(acc)
}

// enable sets IO_EN, MEM_EN and BUS_MASTER_EN in the command register.
func (d *Device) enable(acc ConfigAccessor) error {
	command, err := acc.Read16(d.loc, OffsetCommand)
	if err != nil {
		return locErr(ErrIO, d.loc, err)
	}
	command |= CommandIOEnable | CommandMemEnable | CommandBusMasterEnable
	if err := acc.Write16(d.loc, OffsetCommand, command); err != nil {
		return locErr(ErrIO, d.loc, err)
	}
	return nil
}

// allocateIRQ maps the device's legacy INTERRUPT_LINE byte to a platform
// vector.
func (d *Device) allocateIRQ(acc ConfigAccessor, platform PlatformInterruptService) (uint, error) {
	line, err := acc.Read8(d.loc, OffsetInterruptLine)
	if err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}
	if line == 0 {
		return 0, locErr(ErrNoResources, d.loc, nil)
	}
	vector, err := platform.MapLegacyInterrupt(d.loc, line)
	if err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}
	return vector, nil
}

// allocateMSI programs the device's MSI capability for one vector. Only
// count == 1 is supported.
func (d *Device) allocateMSI(acc ConfigAccessor, platform PlatformInterruptService, count int) (uint, error) {
	if count != 1 {
		return 0, locErr(ErrNotSupported, d.loc, nil)
	}
	if !d.HasMSI() {
		return 0, locErr(ErrNotSupported, d.loc, nil)
	}
	cap := d.caps[d.msiCap]

	vectorBase, err := platform.AllocateVectors(count)
	if err != nil {
		return 0, locErr(ErrNoResources, d.loc, err)
	}
	address, data, err := platform.ComputeMSI(vectorBase)
	if err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}

	control, err := acc.Read16(d.loc, cap.ConfigOffset+2)
	if err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}
	if err := acc.Write16(d.loc, cap.ConfigOffset+2, control&^1); err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}
	if err := acc.Write32(d.loc, cap.ConfigOffset+4, uint32(address)); err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}

	const msi64Capable = 1 << 7
	if control&msi64Capable != 0 {
		if err := acc.Write32(d.loc, cap.ConfigOffset+8, uint32(address>>32)); err != nil {
			return 0, locErr(ErrIO, d.loc, err)
		}
		if err := acc.Write16(d.loc, cap.ConfigOffset+0xC, data); err != nil {
			return 0, locErr(ErrIO, d.loc, err)
		}
	} else {
		if err := acc.Write16(d.loc, cap.ConfigOffset+8, data); err != nil {
			return 0, locErr(ErrIO, d.loc, err)
		}
	}

	// Enabled, one vector, no per-vector masking.
	if err := acc.Write16(d.loc, cap.ConfigOffset+2, 1); err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}
	if err := acc.Write8(d.loc, OffsetInterruptLine, uint8(vectorBase)); err != nil {
		return 0, locErr(ErrIO, d.loc, err)
	}

	return vectorBase, nil
}
