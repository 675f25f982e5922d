// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

// Package pci implements a PCI bus manager: enumeration of configuration
// space, construction of the bus/bridge/device tree, capability discovery,
// BAR probing and classification, bus-number assignment, resource
// allocation, and MSI programming. All state lives in a *Manager value
// returned by NewManager, and the parent-child ownership graph (bus owns
// devices, bridge owns its secondary bus) is expressed with plain
// pointers guarded by the manager's mutex.
package pci

import "fmt"

// Location identifies one function of one device on one bus of one
// segment (host bridge). Two locations compare equal component-wise, so
// Location is comparable and usable directly as a map key.
type Location struct {
	Segment  uint16
	Bus      uint8
	Device   uint8
	Function uint8
}

func (l Location) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", l.Segment, l.Bus, l.Device, l.Function)
}

// Less orders locations the way the bus manager's internal map keys them:
// by segment, then bus, then device, then function.
func (l Location) Less(o Location) bool {
	if l.Segment != o.Segment {
		return l.Segment < o.Segment
	}
	if l.Bus != o.Bus {
		return l.Bus < o.Bus
	}
	if l.Device != o.Device {
		return l.Device < o.Device
	}
	return l.Function < o.Function
}

// compareLocation orders two locations for use with pkg/wavl's Cmp.
func compareLocation(a, b Location) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	default:
		return 0
	}
}
