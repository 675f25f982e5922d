// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

// BAR describes one base-address register slot.
type BAR struct {
	Addr         uint64
	Size         uint64
	IO           bool
	Prefetchable bool
	Size64       bool
	Valid        bool
}

// numBARs returns how many BAR slots a header of the given type exposes:
// six for type-0 (device), two for type-1 (bridge).
func numBARs(headerType uint8) int {
	if headerType == HeaderTypeBridge {
		return 2
	}
	return 6
}

// loadBARs reads and classifies every BAR slot for loc, sizing each by the
// write-ones/read-back protocol. IO and MEM decode are disabled around the
// probe and restored before returning, so the function never decodes a
// transient all-ones address.
func loadBARs(acc ConfigAccessor, loc Location, cache *ConfigCache, headerType uint8) ([6]BAR, error) {
	var bars [6]BAR
	n := numBARs(headerType)

	command, err := acc.Read16(loc, OffsetCommand)
	if err != nil {
		return bars, locErr(ErrIO, loc, err)
	}
	if err := acc.Write16(loc, OffsetCommand, command&^(CommandIOEnable|CommandMemEnable)); err != nil {
		return bars, locErr(ErrIO, loc, err)
	}
	// Always attempt to restore, even on a later error.
	defer acc.Write16(loc, OffsetCommand, command)

	for i := 0; i < n; i++ {
		raw := cache.BAR(i)
		off := OffsetBAR0 + uint16(i)*4

		switch {
		case raw&0x1 != 0:
			// I/O BAR.
			addr := uint64(raw &^ 0x3)
			size, err := probeBARSize32(acc, loc, off, uint32(addr), ^uint32(0b11))
			if err != nil {
				return bars, err
			}
			bars[i] = BAR{Addr: addr, Size: uint64(size), IO: true, Valid: size != 0}

		case raw&0b110 == 0b000:
			// 32-bit MMIO.
			addr := uint64(raw &^ 0xf)
			size, err := probeBARSize32(acc, loc, off, uint32(addr), ^uint32(0b1111))
			if err != nil {
				return bars, err
			}
			bars[i] = BAR{
				Addr:         addr,
				Size:         uint64(size),
				Prefetchable: raw&(1<<3) != 0,
				Valid:        size != 0,
			}

		case raw&0b110 == 0b100:
			// 64-bit MMIO occupies this slot and the next.
			if i == n-1 {
				// No upper half available; mark invalid and move on.
				bars[i] = BAR{}
				continue
			}

			lowAddr := uint64(raw &^ 0xf)
			addr := lowAddr | uint64(cache.BAR(i+1))<<32

			size, err := probeBARSize64(acc, loc, off, addr)
			if err != nil {
				return bars, err
			}

			bars[i] = BAR{
				Addr:         addr,
				Size:         size,
				Prefetchable: raw&(1<<3) != 0,
				Size64:       true,
				Valid:        size != 0,
			}
			i++
			bars[i] = BAR{} // upper slot is never independently valid.

		default:
			// Reserved memory-space-indicator pattern; treat as absent.
			bars[i] = BAR{}
		}
	}

	return bars, nil
}

// probeBARSize32 sizes a 32-bit (I/O or MMIO) BAR lane by writing all
// ones, reading back the mask of decoded bits, and restoring the original
// address.
func probeBARSize32(acc ConfigAccessor, loc Location, off uint16, addr uint32, mask uint32) (uint32, error) {
	if err := acc.Write32(loc, off, 0xFFFFFFFF); err != nil {
		return 0, locErr(ErrIO, loc, err)
	}
	readBack, err := acc.Read32(loc, off)
	if err != nil {
		return 0, locErr(ErrIO, loc, err)
	}
	if err := acc.Write32(loc, off, addr); err != nil {
		return 0, locErr(ErrIO, loc, err)
	}
	return ^(readBack & mask) + 1, nil
}

// probeBARSize64 sizes a 64-bit MMIO BAR spanning the lane at off and
// off+4, assembling the two 32-bit write-ones read-backs into one 64-bit
// mask before restoring both lanes to addr.
func probeBARSize64(acc ConfigAccessor, loc Location, off uint16, addr uint64) (uint64, error) {
	if err := acc.Write32(loc, off, 0xFFFFFFFF); err != nil {
		return 0, locErr(ErrIO, loc, err)
	}
	lowReadBack, err := acc.Read32(loc, off)
	if err != nil {
		return 0, locErr(ErrIO, loc, err)
	}

	if err := acc.Write32(loc, off+4, 0xFFFFFFFF); err != nil {
		return 0, locErr(ErrIO, loc, err)
	}
	highReadBack, err := acc.Read32(loc, off+4)
	if err != nil {
		return 0, locErr(ErrIO, loc, err)
	}

	if err := acc.Write32(loc, off, uint32(addr)); err != nil {
		return 0, locErr(ErrIO, loc, err)
	}
	if err := acc.Write32(loc, off+4, uint32(addr>>32)); err != nil {
		return 0, locErr(ErrIO, loc, err)
	}

	readBack := uint64(lowReadBack) | uint64(highReadBack)<<32
	return ^(readBack &^ uint64(0b1111)) + 1, nil
}
