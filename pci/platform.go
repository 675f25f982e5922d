// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

// PlatformInterruptService is the platform-specific half of interrupt
// setup that the bus manager cannot implement itself: allocating
// contiguous interrupt vectors, computing the MSI address/data pair for
// a vector, and mapping a legacy INTx line to a platform vector.
type PlatformInterruptService interface {
	// AllocateVectors reserves count consecutive platform interrupt
	// vectors and returns the base of the range.
	AllocateVectors(count int) (base uint, err error)

	// ComputeMSI returns the address/data pair a device should be
	// programmed with to signal vector via MSI.
	ComputeMSI(vector uint) (address uint64, data uint16, err error)

	// MapLegacyInterrupt maps a PCI INTERRUPT_LINE byte read from loc to
	// a platform interrupt vector.
	MapLegacyInterrupt(loc Location, line uint8) (vector uint, err error)
}
