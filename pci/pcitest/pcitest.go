// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

// Package pcitest provides an in-memory pci.ConfigAccessor and
// pci.PlatformInterruptService for exercising the pci package without
// real hardware.
package pcitest

import (
	"encoding/binary"
	"sync"

	"github.com/littlekernel/lk/pci"
)

type function struct {
	raw [256]byte

	// barProbe[i], if non-zero, is the value Read32 returns from BAR
	// slot i immediately after a write of 0xffffffff, modeling the
	// write-ones/read-back sizing protocol real PCI hardware implements.
	// A zero entry makes the BAR probe as absent (size 0), since
	// ^uint32(0)+1 overflows to 0.
	barProbe [6]uint32

	// probing marks which BAR slots are mid-probe: the next Read32 at
	// that offset returns barProbe instead of raw.
	probing [6]bool
}

// Bus is a fake PCI configuration-space fabric: a set of functions
// addressed by pci.Location, each backed by a 256-byte register file.
// Reads of a Location with no configured function return the
// all-ones pattern pci treats as "absent" (vendor id 0xffff).
type Bus struct {
	mu        sync.Mutex
	functions map[pci.Location]*function
}

// NewBus returns an empty fabric; populate it with AddFunction before
// probing.
func NewBus() *Bus {
	return &Bus{functions: make(map[pci.Location]*function)}
}

// AddFunction installs a function's 256-byte configuration space at loc.
// barSizes[i], when non-zero, is the size in bytes that BAR i reports
// through the write-ones/read-back probe. For a 64-bit MMIO BAR (raw's
// low bits pattern 0bx100), barSizes[i] is the full 64-bit size and is
// split across slots i and i+1; barSizes[i+1] is then ignored. A BAR's
// type bits always come from raw, not from barSizes, since real hardware
// ignores writes to the hardwired low bits.
func (b *Bus) AddFunction(loc pci.Location, raw [256]byte, barSizes [6]uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f := &function{raw: raw}
	for i := 0; i < 6; i++ {
		size := barSizes[i]
		if size == 0 {
			continue
		}
		off := pci.OffsetBAR0 + i*4
		lowRaw := binary.LittleEndian.Uint32(raw[off:off+4])

		if lowRaw&0x1 == 0 && lowRaw&0b110 == 0b100 && i < 5 {
			pattern := ^(size - 1)
			f.barProbe[i] = uint32(pattern)&^0xf | lowRaw&0xf
			f.barProbe[i+1] = uint32(pattern >> 32)
			i++
			continue
		}

		mask := uint32(0x3)
		if lowRaw&0x1 == 0 {
			mask = 0xf
		}
		f.barProbe[i] = ^(uint32(size) - 1) &^ mask | lowRaw&mask
	}
	b.functions[loc] = f
}

func (b *Bus) find(loc pci.Location) *function {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.functions[loc]
}

func (b *Bus) Read8(loc pci.Location, offset uint16) (uint8, error) {
	f := b.find(loc)
	if f == nil {
		return 0xff, nil
	}
	return f.raw[offset], nil
}

func (b *Bus) Read16(loc pci.Location, offset uint16) (uint16, error) {
	f := b.find(loc)
	if f == nil {
		return 0xffff, nil
	}
	return binary.LittleEndian.Uint16(f.raw[offset : offset+2]), nil
}

func (b *Bus) Read32(loc pci.Location, offset uint16) (uint32, error) {
	f := b.find(loc)
	if f == nil {
		return 0xffffffff, nil
	}
	if i, ok := barIndex(offset); ok && f.probing[i] {
		f.probing[i] = false
		return f.barProbe[i], nil
	}
	return binary.LittleEndian.Uint32(f.raw[offset : offset+4]), nil
}

func (b *Bus) Write8(loc pci.Location, offset uint16, value uint8) error {
	f := b.find(loc)
	if f == nil {
		return nil
	}
	f.raw[offset] = value
	return nil
}

func (b *Bus) Write16(loc pci.Location, offset uint16, value uint16) error {
	f := b.find(loc)
	if f == nil {
		return nil
	}
	binary.LittleEndian.PutUint16(f.raw[offset:offset+2], value)
	return nil
}

func (b *Bus) Write32(loc pci.Location, offset uint16, value uint32) error {
	f := b.find(loc)
	if f == nil {
		return nil
	}
	if i, ok := barIndex(offset); ok && value == 0xffffffff {
		f.probing[i] = true
		return nil
	}
	if i, ok := barIndex(offset); ok {
		f.probing[i] = false
	}
	binary.LittleEndian.PutUint32(f.raw[offset:offset+4], value)
	return nil
}

func barIndex(offset uint16) (int, bool) {
	if offset < pci.OffsetBAR0 || offset >= pci.OffsetBAR0+6*4 {
		return 0, false
	}
	if (offset-pci.OffsetBAR0)%4 != 0 {
		return 0, false
	}
	return int(offset-pci.OffsetBAR0) / 4, true
}

// Platform is a deterministic pci.PlatformInterruptService: it hands out
// ascending vectors and derives an x86-style MSI address/data pair from
// them, enough to exercise pci's MSI programming without a real platform
// interrupt controller.
type Platform struct {
	mu         sync.Mutex
	nextVector uint
}

// NewPlatform returns a Platform that starts allocating at the given
// first vector.
func NewPlatform(firstVector uint) *Platform {
	return &Platform{nextVector: firstVector}
}

func (p *Platform) AllocateVectors(count int) (uint, error) {
	if count <= 0 {
		return 0, pci.ErrInvalidArgs
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	base := p.nextVector
	p.nextVector += uint(count)
	return base, nil
}

func (p *Platform) ComputeMSI(vector uint) (address uint64, data uint16, err error) {
	const msiAddressBase = 0xFEE00000
	return msiAddressBase | uint64(vector)<<12, uint16(vector), nil
}

func (p *Platform) MapLegacyInterrupt(loc pci.Location, line uint8) (uint, error) {
	return uint(line) + 0x20, nil
}
