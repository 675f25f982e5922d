// Copyright 2016 The LK Authors. All rights reserved.
// Use of this source code is governed by an MIT-style license.

package klog

import (
	"container/ring"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Ring is a bounded, timestamped diagnostic sink: the last `size` lines
// written survive a Dump, older ones are overwritten. It stands in for the
// "diagnostic output" sink a kernel would wire to a UART or a crash dump
// region; a freestanding target can swap it for one that writes to real
// hardware without the bus manager code changing.
type Ring struct {
	size int

	mu sync.Mutex
	r  *ring.Ring
}

// NewRing allocates a ring sink holding the last size lines.
func NewRing(size int) *Ring {
	return &Ring{r: ring.New(size), size: size}
}

// Println appends one timestamped line built from v, in the style of
// log.Logger.Output.
func (l *Ring) Println(v ...interface{}) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	var buf []byte
	year, month, day := now.Date()
	buf = strconv.AppendInt(buf, int64(year), 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(month), 10)
	buf = append(buf, '/')
	buf = strconv.AppendInt(buf, int64(day), 10)
	buf = append(buf, ' ')

	hour, min, sec := now.Clock()
	buf = strconv.AppendInt(buf, int64(hour), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(min), 10)
	buf = append(buf, ':')
	buf = strconv.AppendInt(buf, int64(sec), 10)
	buf = append(buf, ' ')

	buf = append(buf, fmt.Sprintln(v...)...)

	l.r = l.r.Next()
	l.r.Value = string(buf)
}

// Dump returns the retained lines, oldest first.
func (l *Ring) Dump() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	res := make([]string, 0, l.size)
	l.r.Next().Do(func(v interface{}) {
		if v == nil {
			return
		}
		res = append(res, v.(string))
	})
	return res
}
