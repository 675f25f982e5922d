// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

// Recognized capability ids.
const (
	CapabilityMSI  = 0x05
	CapabilityMSIX = 0x11
)

// maxCapabilityWalk bounds the capability linked-list walk so a malformed
// or cyclic ring of pointers cannot hang probing.
const maxCapabilityWalk = 48

// Capability is one entry in a function's capability linked list.
type Capability struct {
	ID            uint8
	ConfigOffset  uint16
}

func (c Capability) IsMSI() bool  { return c.ID == CapabilityMSI }
func (c Capability) IsMSIX() bool { return c.ID == CapabilityMSIX }

// walkCapabilities walks loc's capability list starting at the header's
// capabilities pointer, returning every capability found in list order
// along with the index of the first MSI and first MSI-X entry (-1 if
// absent).
func walkCapabilities(acc ConfigAccessor, loc Location, cache *ConfigCache) (caps []Capability, msi, msix int, err error) {
	msi, msix = -1, -1

	if cache.Status()&StatusCapabilitiesList == 0 {
		return nil, msi, msix, nil
	}

	ptr := cache.CapabilitiesPtr()
	for i := 0; ptr != 0 && i < maxCapabilityWalk; i++ {
		id, err := acc.Read8(loc, uint16(ptr))
		if err != nil {
			return caps, msi, msix, locErr(ErrIO, loc, err)
		}
		next, err := acc.Read8(loc, uint16(ptr)+1)
		if err != nil {
			return caps, msi, msix, locErr(ErrIO, loc, err)
		}

		cap := Capability{ID: id, ConfigOffset: uint16(ptr)}
		caps = append(caps, cap)

		switch id {
		case CapabilityMSI:
			if msi < 0 {
				msi = len(caps) - 1
			}
		case CapabilityMSIX:
			if msix < 0 {
				msix = len(caps) - 1
			}
		}

		ptr = next
	}

	return caps, msi, msix, nil
}
