// Copyright (c) 2016 The OpenAFD Authors. All rights reserved.
// SPDX-License-Identifier: MIT

package queue

import (
	"fmt"
	"io"
	"time"

	log "github.com/golang/glog"
)

// Event classes and actions published on the receive-log FIFO for the
// monitor processes.
const (
	ClassExt = "ET_EXT"

	ActionErrorStart = "EA_ERROR_START"
	ActionErrorEnd   = "EA_ERROR_END"
	ActionOfflineOn  = "EA_OFFLINE"
	ActionOfflineOff = "EA_ONLINE"
)

// publishEvent writes one event line. A missing or broken event FIFO only
// costs the monitors a notification, never the queue.
func (m *Manager) publishEvent(class, action, alias string) {
	if m.eventFifo == nil {
		return
	}
	line := fmt.Sprintf("%d %s %s %s\n", time.Now().Unix(), class, action, alias)
	if _, err := io.WriteString(m.eventFifo, line); err != nil {
		log.Warningf("Failed to publish %s event for %s: %v", action, alias, err)
	}
}
