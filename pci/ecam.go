// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

import "encoding/binary"

// ecamFunctionShift through ecamBusShift lay out the PCIe enhanced
// configuration access method: one flat MMIO window where each function
// owns a 4 KiB page at (bus << 20) | (device << 15) | (function << 12).
const (
	ecamFunctionShift = 12
	ecamDeviceShift   = 15
	ecamBusShift      = 20

	ecamFunctionSize = 1 << ecamFunctionShift
	ecamBusSize      = 1 << ecamBusShift
)

// ECAM is a ConfigAccessor over a memory-mapped PCIe configuration window
// for one segment. The window covers a contiguous run of buses starting at
// startBus; locations outside it read as absent. Construct one over an
// already-mapped region with NewECAM, or map one from /dev/mem with
// MapECAM on platforms that support it.
type ECAM struct {
	mem      []byte
	segment  uint16
	startBus uint8
	busCount int

	close func() error
}

// NewECAM wraps an existing ECAM-format memory region. len(mem) must be a
// non-zero multiple of the 1 MiB per-bus window size.
func NewECAM(mem []byte, segment uint16, startBus uint8) (*ECAM, error) {
	if len(mem) == 0 || len(mem)%ecamBusSize != 0 {
		return nil, ErrInvalidArgs
	}
	return &ECAM{
		mem:      mem,
		segment:  segment,
		startBus: startBus,
		busCount: len(mem) / ecamBusSize,
	}, nil
}

// Close releases the underlying mapping, if this ECAM owns one.
func (e *ECAM) Close() error {
	if e.close == nil {
		return nil
	}
	return e.close()
}

// index returns the byte index of (loc, offset) within the window.
// A location outside the mapped segment or bus range reads as an absent
// function; a misaligned or out-of-range offset is a caller bug.
func (e *ECAM) index(loc Location, offset uint16, width uint16) (int, error) {
	if loc.Segment != e.segment {
		return 0, locErr(ErrNotFound, loc, nil)
	}
	bus := int(loc.Bus) - int(e.startBus)
	if bus < 0 || bus >= e.busCount {
		return 0, locErr(ErrNotFound, loc, nil)
	}
	if loc.Device >= 32 || loc.Function >= 8 {
		return 0, locErr(ErrInvalidArgs, loc, nil)
	}
	if offset%width != 0 || int(offset)+int(width) > ecamFunctionSize {
		return 0, locErr(ErrInvalidArgs, loc, nil)
	}
	return bus<<ecamBusShift |
		int(loc.Device)<<ecamDeviceShift |
		int(loc.Function)<<ecamFunctionShift |
		int(offset), nil
}

func (e *ECAM) Read8(loc Location, offset uint16) (uint8, error) {
	i, err := e.index(loc, offset, 1)
	if err != nil {
		return 0, err
	}
	return e.mem[i], nil
}

func (e *ECAM) Read16(loc Location, offset uint16) (uint16, error) {
	i, err := e.index(loc, offset, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(e.mem[i : i+2]), nil
}

func (e *ECAM) Read32(loc Location, offset uint16) (uint32, error) {
	i, err := e.index(loc, offset, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(e.mem[i : i+4]), nil
}

func (e *ECAM) Write8(loc Location, offset uint16, value uint8) error {
	i, err := e.index(loc, offset, 1)
	if err != nil {
		return err
	}
	e.mem[i] = value
	return nil
}

func (e *ECAM) Write16(loc Location, offset uint16, value uint16) error {
	i, err := e.index(loc, offset, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(e.mem[i:i+2], value)
	return nil
}

func (e *ECAM) Write32(loc Location, offset uint16, value uint32) error {
	i, err := e.index(loc, offset, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(e.mem[i:i+4], value)
	return nil
}
