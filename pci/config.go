// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

import "encoding/binary"

// Register offsets into the 256-byte configuration space. Values are
// little-endian regardless of host endianness.
const (
	OffsetVendorID    = 0x00
	OffsetDeviceID    = 0x02
	OffsetCommand     = 0x04
	OffsetStatus      = 0x06
	OffsetRevisionID  = 0x08
	OffsetProgIF      = 0x09
	OffsetSubclass    = 0x0A
	OffsetBaseClass   = 0x0B
	OffsetHeaderType  = 0x0E
	OffsetBAR0        = 0x10

	// Type-1 (bridge) header fields. primary/secondary/subordinate/latency
	// share the 32-bit-aligned word at 0x18, so assigning bus numbers can
	// be a single read-modify-write that preserves the latency-timer byte.
	OffsetPrimaryBus             = 0x18
	OffsetSecondaryBus           = 0x19
	OffsetSubordinateBus         = 0x1A
	OffsetLatencyTimer           = 0x1B
	OffsetBusNumbers             = 0x18 // 32-bit word containing the four fields above
	OffsetIOBase                 = 0x1C
	OffsetIOLimit                = 0x1D
	OffsetMemoryBase             = 0x20
	OffsetMemoryLimit            = 0x22
	OffsetPrefetchableMemoryBase  = 0x24
	OffsetPrefetchableMemoryLimit = 0x26
	OffsetPrefetchableBaseUpper   = 0x28
	OffsetPrefetchableLimitUpper  = 0x2C
	OffsetIOBaseUpper             = 0x30
	OffsetIOLimitUpper            = 0x32

	OffsetCapabilitiesPtr = 0x34
	OffsetInterruptLine   = 0x3C
	OffsetInterruptPin    = 0x3D

	// HeaderTypeMask isolates the header-type code from the multifunction
	// flag in bit 7.
	HeaderTypeMask  = 0x7F
	HeaderTypeMulti = 0x80
	HeaderTypeDevice = 0x00
	HeaderTypeBridge = 0x01

	// Command register bits.
	CommandIOEnable     uint16 = 1 << 0
	CommandMemEnable    uint16 = 1 << 1
	CommandBusMasterEnable uint16 = 1 << 2

	// Status register bits.
	StatusCapabilitiesList uint16 = 1 << 4

	configSpaceSize = 256
)

// BridgeBaseClass and BridgeSubclass identify a PCI-to-PCI bridge,
// normal decode.
const (
	BridgeBaseClass = 0x06
	BridgeSubclass  = 0x04
)

// ConfigAccessor is the external config-space contract the bus manager
// consumes: aligned reads and writes of 8/16/32-bit values at a
// Location-relative offset. Implementations report an absent function
// by returning ErrNotFound from a read whose vendor-id byte range would
// read 0xffff, or may simply return the raw 0xffff value and let
// device/bridge probing notice it; either is accepted.
type ConfigAccessor interface {
	Read8(loc Location, offset uint16) (uint8, error)
	Read16(loc Location, offset uint16) (uint16, error)
	Read32(loc Location, offset uint16) (uint32, error)
	Write8(loc Location, offset uint16, value uint8) error
	Write16(loc Location, offset uint16, value uint16) error
	Write32(loc Location, offset uint16, value uint32) error
}

// ConfigCache is a 256-byte mirror of one function's configuration space,
// addressable both as a raw buffer and through typed field accessors for
// type-0 (device) and type-1 (bridge) headers.
type ConfigCache struct {
	raw [configSpaceSize]byte
}

// readConfigCache bulk-reads the first 256 bytes of loc's configuration
// space into cache, composed out of the granular ConfigAccessor contract
// 32 bits at a time, so a minimal accessor implementation needs only the
// six aligned-width methods.
func readConfigCache(acc ConfigAccessor, loc Location, cache *ConfigCache) error {
	for off := uint16(0); off < configSpaceSize; off += 4 {
		v, err := acc.Read32(loc, off)
		if err != nil {
			return locErr(ErrIO, loc, err)
		}
		binary.LittleEndian.PutUint32(cache.raw[off:off+4], v)
	}
	return nil
}

func (c *ConfigCache) u8(off uint16) uint8  { return c.raw[off] }
func (c *ConfigCache) u16(off uint16) uint16 { return binary.LittleEndian.Uint16(c.raw[off : off+2]) }
func (c *ConfigCache) u32(off uint16) uint32 { return binary.LittleEndian.Uint32(c.raw[off : off+4]) }

func (c *ConfigCache) VendorID() uint16 { return c.u16(OffsetVendorID) }
func (c *ConfigCache) DeviceID() uint16 { return c.u16(OffsetDeviceID) }
func (c *ConfigCache) Command() uint16  { return c.u16(OffsetCommand) }
func (c *ConfigCache) Status() uint16   { return c.u16(OffsetStatus) }
func (c *ConfigCache) BaseClass() uint8 { return c.u8(OffsetBaseClass) }
func (c *ConfigCache) Subclass() uint8  { return c.u8(OffsetSubclass) }
func (c *ConfigCache) ProgIF() uint8    { return c.u8(OffsetProgIF) }

// HeaderType returns the header-type code with the multifunction bit
// masked off.
func (c *ConfigCache) HeaderType() uint8 { return c.u8(OffsetHeaderType) & HeaderTypeMask }

// Multifunction reports whether bit 7 of the header-type byte is set.
func (c *ConfigCache) Multifunction() bool {
	return c.u8(OffsetHeaderType)&HeaderTypeMulti != 0
}

func (c *ConfigCache) BAR(i int) uint32 { return c.u32(OffsetBAR0 + uint16(i)*4) }

func (c *ConfigCache) CapabilitiesPtr() uint8  { return c.u8(OffsetCapabilitiesPtr) }
func (c *ConfigCache) InterruptLine() uint8    { return c.u8(OffsetInterruptLine) }

// IsBridge reports whether the cached base/subclass identify a
// PCI-to-PCI bridge, normal decode.
func (c *ConfigCache) IsBridge() bool {
	return c.BaseClass() == BridgeBaseClass && c.Subclass() == BridgeSubclass
}

// Type-1 (bridge) derived fields.

func (c *ConfigCache) PrimaryBus() uint8     { return c.u8(OffsetPrimaryBus) }
func (c *ConfigCache) SecondaryBus() uint8   { return c.u8(OffsetSecondaryBus) }
func (c *ConfigCache) SubordinateBus() uint8 { return c.u8(OffsetSubordinateBus) }

// BusRange is a bridge window: the byte range [Base, Limit] of IO,
// memory, or prefetchable memory forwarded to the secondary side, parsed
// from the type-1 header.
type BusRange struct {
	Base, Limit uint64
}

// Empty reports whether the range is unconfigured. The range accessors
// return the zero BusRange when a window's limit register is below its
// base register; a programmed window always has Limit above Base.
func (r BusRange) Empty() bool { return r.Limit <= r.Base }

func (c *ConfigCache) IORange() BusRange {
	base := uint32(c.u8(OffsetIOBase))
	limit := uint32(c.u8(OffsetIOLimit))
	if limit < base {
		return BusRange{}
	}
	return BusRange{
		Base:  uint64((base >> 4) << 12),
		Limit: uint64(((limit >> 4) << 12) | 0xfff),
	}
}

func (c *ConfigCache) MemoryRange() BusRange {
	base := uint32(c.u16(OffsetMemoryBase))
	limit := uint32(c.u16(OffsetMemoryLimit))
	if limit < base {
		return BusRange{}
	}
	return BusRange{
		Base:  uint64((base >> 4) << 20),
		Limit: uint64(((limit >> 4) << 20) | 0xfffff),
	}
}

func (c *ConfigCache) PrefetchableRange() BusRange {
	base16 := c.u16(OffsetPrefetchableMemoryBase)
	limit16 := c.u16(OffsetPrefetchableMemoryLimit)
	if limit16 < base16 {
		return BusRange{}
	}
	is64 := base16&0xf == 1

	base := uint64(base16>>4) << 20
	limit := uint64(limit16>>4)<<20 | 0xfffff
	if is64 {
		base |= uint64(c.u32(OffsetPrefetchableBaseUpper)) << 32
		limit |= uint64(c.u32(OffsetPrefetchableLimitUpper)) << 32
	}
	return BusRange{Base: base, Limit: limit}
}
