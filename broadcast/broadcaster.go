// Copyright 2022 The linecast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broadcast

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/alwitt/linecast/common"
	"github.com/alwitt/linecast/registry"
	"github.com/apex/log"
)

// lineTerminator is appended to every broadcast payload line
const lineTerminator = "\r\n"

// logLineSample bounds how much of a payload line appears in log messages
const logLineSample = 50

// LineSender delivers one payload line to a subscriber endpoint as a single
// datagram. Delivery is fire-and-forget; an error only reflects a local
// send failure.
type LineSender func(line string, endpoint registry.Endpoint) error

// DefineUDPLineSender create a LineSender writing datagrams on the shared socket
func DefineUDPLineSender(conn *net.UDPConn) LineSender {
	return func(line string, endpoint registry.Endpoint) error {
		_, err := conn.WriteToUDPAddrPort([]byte(line+lineTerminator), endpoint)
		return err
	}
}

// ========================================================================================

// LineBroadcaster cycles through the payload source and fans each line out
// to every active subscriber, one line per broadcast tick.
//
// Stale subscriber reaping shares the tick cadence: one expire pass runs
// before each transmission, so reap latency is bounded by the broadcast
// interval.
type LineBroadcaster interface {
	StartBroadcasting() error
	StopOperation() error
}

// lineBroadcasterImpl implements LineBroadcaster
type lineBroadcasterImpl struct {
	common.Component
	source           PayloadSource
	clients          registry.ClientRegistry
	send             LineSender
	interval         time.Duration
	heartbeatTimeout time.Duration
	timer            common.IntervalTimer
	operationContext context.Context
	contextCancel    context.CancelFunc
	// lines and cursor are only touched from the timer loop goroutine
	lines  []string
	cursor int
}

// DefineLineBroadcaster create new line broadcaster
func DefineLineBroadcaster(
	source PayloadSource,
	clients registry.ClientRegistry,
	send LineSender,
	interval time.Duration,
	heartbeatTimeout time.Duration,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (LineBroadcaster, error) {
	logTags := log.Fields{
		"module": "broadcast", "component": "line-broadcaster",
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	timer, err := GetBroadcastTimer(ctxt, wg)
	if err != nil {
		cancel()
		return nil, err
	}
	instance := lineBroadcasterImpl{
		Component:        common.Component{LogTags: logTags},
		source:           source,
		clients:          clients,
		send:             send,
		interval:         interval,
		heartbeatTimeout: heartbeatTimeout,
		timer:            timer,
		operationContext: ctxt,
		contextCancel:    cancel,
		lines:            nil,
		cursor:           0,
	}
	return &instance, nil
}

// GetBroadcastTimer create the interval timer pacing the broadcast ticks
func GetBroadcastTimer(ctxt context.Context, wg *sync.WaitGroup) (common.IntervalTimer, error) {
	return common.GetIntervalTimerInstance("line-broadcast", ctxt, wg)
}

// StartBroadcasting start the paced broadcast tick loop
func (b *lineBroadcasterImpl) StartBroadcasting() error {
	log.WithFields(b.LogTags).Infof(
		"Starting broadcast loop with interval %s, heartbeat timeout %s",
		b.interval,
		b.heartbeatTimeout,
	)
	return b.timer.Start(b.interval, b.ProcessBroadcastTick, false)
}

// StopOperation request the broadcast loop to exit
func (b *lineBroadcasterImpl) StopOperation() error {
	b.contextCancel()
	return b.timer.Stop()
}

// ProcessBroadcastTick run one broadcast tick.
//
// A tick either (re)loads the payload when the previous traversal completed,
// or sends the next line to every active subscriber. Reload happens once per
// full traversal and never mid-cycle, so a live-edited source file takes
// effect on the next cycle.
func (b *lineBroadcasterImpl) ProcessBroadcastTick() error {
	if b.cursor >= len(b.lines) {
		if err := b.reloadPayload(); err != nil {
			return err
		}
		// An empty source waits one interval before the next load attempt
		if len(b.lines) == 0 {
			return nil
		}
	}

	line := b.lines[b.cursor]
	b.cursor++

	// Reap subscribers whose heartbeat aged out. The returned endpoints are
	// dropped without further notification.
	if _, err := b.clients.Expire(
		time.Now(), b.heartbeatTimeout, b.operationContext,
	); err != nil {
		if b.operationContext.Err() != nil {
			return nil
		}
		return err
	}

	active, err := b.clients.Snapshot(b.operationContext)
	if err != nil {
		if b.operationContext.Err() != nil {
			return nil
		}
		return err
	}
	if len(active) == 0 {
		log.WithFields(b.LogTags).Debug("No subscribers. Skipping transmission")
		return nil
	}

	sample := line
	if len(sample) > logLineSample {
		sample = sample[:logLineSample]
	}
	log.WithFields(b.LogTags).Debugf(
		"Broadcasting to %d subscriber(s): %s", len(active), sample,
	)

	// A failing endpoint is evicted; it must not affect other endpoints
	for _, endpoint := range active {
		if err := b.send(line, endpoint); err != nil {
			log.WithError(err).WithFields(b.LogTags).Warnf(
				"Failed to send to %s. Evicting", endpoint.String(),
			)
			if err := b.clients.Remove(endpoint, b.operationContext); err != nil {
				log.WithError(err).WithFields(b.LogTags).Errorf(
					"Failed to evict %s", endpoint.String(),
				)
			}
		}
	}
	return nil
}

// reloadPayload re-read the payload source to start a new traversal.
//
// An unreadable or empty source is not fatal; the broadcaster retries on
// the next tick.
func (b *lineBroadcasterImpl) reloadPayload() error {
	lines, err := b.source.Load(b.operationContext)
	if err != nil {
		b.lines = nil
		b.cursor = 0
		log.WithError(err).WithFields(b.LogTags).Error(
			"Failed to load payload source. Will retry next tick",
		)
		return err
	}
	b.lines = lines
	b.cursor = 0
	if len(lines) == 0 {
		log.WithFields(b.LogTags).Warn("No lines to broadcast. Will retry next tick")
		return nil
	}
	log.WithFields(b.LogTags).Infof("Starting new traversal of %d lines", len(lines))
	return nil
}
