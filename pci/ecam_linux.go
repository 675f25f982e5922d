// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

//go:build linux

package pci

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MapECAM maps busCount buses' worth of ECAM configuration space starting
// at physical address physBase out of devPath (normally /dev/mem) and
// returns a ConfigAccessor over the mapping. Close the returned ECAM to
// release it.
func MapECAM(devPath string, physBase int64, segment uint16, startBus uint8, busCount int) (*ECAM, error) {
	if busCount <= 0 || int(startBus)+busCount > 256 {
		return nil, ErrInvalidArgs
	}

	f, err := os.OpenFile(devPath, os.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: opening %s: %w", devPath, err)
	}
	defer f.Close()

	mem, err := unix.Mmap(int(f.Fd()), physBase, busCount*ecamBusSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci: mapping ECAM at %#x: %w", physBase, err)
	}

	e, err := NewECAM(mem, segment, startBus)
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	e.close = func() error { return unix.Munmap(mem) }
	return e, nil
}
