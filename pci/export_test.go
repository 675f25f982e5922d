// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package pci

// Test-only exported aliases for unexported identifiers, so that
// pci_test (an external test package, needed to avoid an import cycle
// through pcitest) can still exercise pci's internals.

var ProbeDevice = probeDevice
var ReadConfigCache = readConfigCache
var WalkCapabilities = walkCapabilities

const MaxCapabilityWalk = maxCapabilityWalk

func (m *Manager) Lookup(loc Location) *Device { return m.lookup(loc) }
func (m *Manager) Root() *Bus                  { return m.root }
func (m *Manager) BusList() []*Bus             { return m.busList }
