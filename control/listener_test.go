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
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/linecast/common"
	"github.com/alwitt/linecast/registry"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

// testControlHarness holds a running listener with loopback sockets
type testControlHarness struct {
	serverConn *net.UDPConn
	clientConn *net.UDPConn
	clients    registry.ClientRegistry
	tp         common.TaskProcessor
	uut        ControlListener
}

func (h *testControlHarness) clientEndpoint() registry.Endpoint {
	addrPort := h.clientConn.LocalAddr().(*net.UDPAddr).AddrPort()
	return netip.AddrPortFrom(addrPort.Addr().Unmap(), addrPort.Port())
}

func (h *testControlHarness) send(t *testing.T, payload string) {
	assert := assert.New(t)
	_, err := h.clientConn.WriteTo([]byte(payload), h.serverConn.LocalAddr())
	assert.Nil(err)
}

func (h *testControlHarness) expectACK(t *testing.T) {
	assert := assert.New(t)
	buffer := make([]byte, 64)
	assert.Nil(h.clientConn.SetReadDeadline(time.Now().Add(time.Second * 2)))
	msgLen, err := h.clientConn.Read(buffer)
	assert.Nil(err)
	assert.Equal(MsgACK, string(buffer[:msgLen]))
}

func defineTestControlHarness(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) *testControlHarness {
	assert := assert.New(t)

	loopback := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0}
	serverConn, err := net.ListenUDP("udp", loopback)
	assert.Nil(err)
	clientConn, err := net.ListenUDP("udp", loopback)
	assert.Nil(err)

	tp, err := common.GetNewTaskProcessorInstance("ut-control", 16, ctxt)
	assert.Nil(err)
	clients, err := registry.DefineClientRegistry(tp, "ut-control")
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))

	uut, err := DefineControlListener(
		serverConn, clients, time.Millisecond*50, 1024, ctxt, wg,
	)
	assert.Nil(err)
	assert.Nil(uut.StartListening())

	return &testControlHarness{
		serverConn: serverConn,
		clientConn: clientConn,
		clients:    clients,
		tp:         tp,
		uut:        uut,
	}
}

func (h *testControlHarness) teardown(t *testing.T) {
	assert := assert.New(t)
	assert.Nil(h.uut.StopOperation())
	assert.Nil(h.tp.StopEventLoop())
	assert.Nil(h.serverConn.Close())
	assert.Nil(h.clientConn.Close())
}

func TestControlListenerSubscriberLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	harness := defineTestControlHarness(t, utCtxt, &wg)
	defer harness.teardown(t)

	// Case 0: CONNECT is ACKed and the sender enters the registry
	{
		harness.send(t, MsgConnect)
		harness.expectACK(t)
		active, err := harness.clients.Snapshot(utCtxt)
		assert.Nil(err)
		assert.Len(active, 1)
		assert.Equal(harness.clientEndpoint(), active[0])
	}

	// Case 1: HEARTBEAT is ACKed and refreshes the existing record
	{
		records, err := harness.clients.Records(utCtxt)
		assert.Nil(err)
		assert.Len(records, 1)
		sessionID := records[0].SessionID
		seenBefore := records[0].LastSeen

		harness.send(t, MsgHeartbeat)
		harness.expectACK(t)

		records, err = harness.clients.Records(utCtxt)
		assert.Nil(err)
		assert.Len(records, 1)
		assert.Equal(sessionID, records[0].SessionID)
		assert.False(records[0].LastSeen.Before(seenBefore))
	}

	// Case 2: DISCONNECT removes the sender without a reply
	{
		harness.send(t, MsgDisconnect)
		// DISCONNECT carries no ACK; poll until the removal was processed
		assert.Eventually(func() bool {
			active, err := harness.clients.Snapshot(utCtxt)
			return err == nil && len(active) == 0
		}, time.Second*2, time.Millisecond*10)
	}

	// Case 3: HEARTBEAT from an unknown sender implicitly subscribes
	{
		harness.send(t, MsgHeartbeat)
		harness.expectACK(t)
		active, err := harness.clients.Snapshot(utCtxt)
		assert.Nil(err)
		assert.Len(active, 1)
	}
}

func TestControlListenerDiscardsJunk(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	harness := defineTestControlHarness(t, utCtxt, &wg)
	defer harness.teardown(t)

	// Junk datagrams mutate nothing and get no reply
	harness.send(t, "SUBSCRIBE")
	harness.send(t, "connect")
	harness.send(t, string([]byte{0xff, 0xfe}))

	// A valid CONNECT afterwards still works, proving the loop survived
	harness.send(t, MsgConnect)
	harness.expectACK(t)

	active, err := harness.clients.Snapshot(utCtxt)
	assert.Nil(err)
	assert.Len(active, 1)
	assert.Equal(harness.clientEndpoint(), active[0])
}

func TestControlListenerShutdown(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	harness := defineTestControlHarness(t, utCtxt, &wg)

	harness.send(t, MsgConnect)
	harness.expectACK(t)

	// Stop request must be observed within the read timeout bound
	assert.Nil(harness.uut.StopOperation())
	assert.Nil(harness.tp.StopEventLoop())
	stopped := make(chan struct{})
	go func() {
		wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second * 2):
		assert.Fail("receive loop did not observe shutdown in time")
	}

	assert.Nil(harness.serverConn.Close())
	assert.Nil(harness.clientConn.Close())
}
