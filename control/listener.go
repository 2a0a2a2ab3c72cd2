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

package control

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"sync"
	"time"

	"github.com/alwitt/linecast/common"
	"github.com/alwitt/linecast/registry"
	"github.com/apex/log"
)

// ========================================================================================

// ControlListener processes subscriber control datagrams and mutates the
// client registry accordingly.
//
// The receive loop handles one datagram per iteration. Each receive blocks
// at most for the configured read timeout, so a shutdown request is observed
// within that bound.
type ControlListener interface {
	StartListening() error
	StopOperation() error
}

// controlListenerImpl implements ControlListener
type controlListenerImpl struct {
	common.Component
	conn             *net.UDPConn
	clients          registry.ClientRegistry
	readTimeout      time.Duration
	bufferSize       int
	operationContext context.Context
	contextCancel    context.CancelFunc
	wg               *sync.WaitGroup
}

// DefineControlListener create new control listener against an already bound socket
func DefineControlListener(
	conn *net.UDPConn,
	clients registry.ClientRegistry,
	readTimeout time.Duration,
	bufferSize int,
	rootCtxt context.Context,
	wg *sync.WaitGroup,
) (ControlListener, error) {
	logTags := log.Fields{
		"module":    "control",
		"component": "control-listener",
		"socket":    conn.LocalAddr().String(),
	}
	ctxt, cancel := context.WithCancel(rootCtxt)
	instance := controlListenerImpl{
		Component:        common.Component{LogTags: logTags},
		conn:             conn,
		clients:          clients,
		readTimeout:      readTimeout,
		bufferSize:       bufferSize,
		operationContext: ctxt,
		contextCancel:    cancel,
		wg:               wg,
	}
	return &instance, nil
}

// StartListening start the receive loop
func (l *controlListenerImpl) StartListening() error {
	log.WithFields(l.LogTags).Info("Starting control receive loop")
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer log.WithFields(l.LogTags).Info("Control receive loop exiting")
		buffer := make([]byte, l.bufferSize)
		for {
			select {
			case <-l.operationContext.Done():
				return
			default:
			}
			if err := l.receiveOneDatagram(buffer); err != nil {
				log.WithError(err).WithFields(l.LogTags).Error(
					"Failed to receive control message",
				)
			}
		}
	}()
	return nil
}

// StopOperation request the receive loop to exit
func (l *controlListenerImpl) StopOperation() error {
	l.contextCancel()
	return nil
}

// receiveOneDatagram block for at most the read timeout waiting for one
// control datagram, then process it
func (l *controlListenerImpl) receiveOneDatagram(buffer []byte) error {
	if err := l.conn.SetReadDeadline(time.Now().Add(l.readTimeout)); err != nil {
		return err
	}
	msgLen, sender, err := l.conn.ReadFromUDPAddrPort(buffer)
	if err != nil {
		// Deadline expiry is the expected idle path
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return nil
		}
		// Reads failing because the socket closed during shutdown are expected
		if l.operationContext.Err() != nil {
			return nil
		}
		return err
	}
	l.processDatagram(buffer[:msgLen], sender)
	return nil
}

// processDatagram handle one received control datagram
func (l *controlListenerImpl) processDatagram(payload []byte, sender netip.AddrPort) {
	// Normalize IPv4-mapped addresses so an endpoint has one registry identity
	endpoint := netip.AddrPortFrom(sender.Addr().Unmap(), sender.Port())

	msgType, err := ParseMessage(payload)
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Warnf(
			"Discarding datagram from %s", endpoint.String(),
		)
		return
	}

	switch msgType {
	case Connect, Heartbeat:
		if _, err := l.clients.Register(endpoint, time.Now(), l.operationContext); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Failed to register %s", endpoint.String(),
			)
			return
		}
		if _, err := l.conn.WriteToUDPAddrPort([]byte(MsgACK), sender); err != nil {
			log.WithError(err).WithFields(l.LogTags).Warnf(
				"Failed to send ACK to %s", endpoint.String(),
			)
		}
	case Disconnect:
		if err := l.clients.Remove(endpoint, l.operationContext); err != nil {
			log.WithError(err).WithFields(l.LogTags).Errorf(
				"Failed to remove %s", endpoint.String(),
			)
		}
	}
}
