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

package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linecast/common"
	"github.com/alwitt/linecast/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
)

const testHeartbeatTimeout = time.Second * 30

func defineTestMonitorHandler(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup,
) (APIRestBroadcastMonitorHandler, registry.ClientRegistry, common.TaskProcessor) {
	assert := assert.New(t)

	tp, err := common.GetNewTaskProcessorInstance("ut-monitor", 16, ctxt)
	assert.Nil(err)
	clients, err := registry.DefineClientRegistry(tp, "ut-monitor")
	assert.Nil(err)
	assert.Nil(tp.StartEventLoop(wg))

	httpCfg := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{RequestIDHeader: "Linecast-Request-ID"},
	}
	uut, err := GetAPIRestBroadcastMonitorHandler(clients, &httpCfg, testHeartbeatTimeout)
	assert.Nil(err)

	return uut, clients, tp
}

func TestMonitorHealthEndpoints(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, _, tp := defineTestMonitorHandler(t, utCtxt, &wg)
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	// Case 0: alive check
	{
		req, err := http.NewRequest("GET", "/alive", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.AliveHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 1: ready while the registry event loop is running
	{
		req, err := http.NewRequest("GET", "/ready", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.ReadyHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}

	// Case 2: the handler accepts access log entries from request logging
	// middleware
	{
		var logSink io.Writer = uut
		entry := []byte("127.0.0.1 - - GET /alive HTTP/1.1 200")
		written, err := logSink.Write(entry)
		assert.Nil(err)
		assert.Equal(len(entry), written)
	}
}

func TestMonitorGetSubscribers(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, clients, tp := defineTestMonitorHandler(t, utCtxt, &wg)
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	// Case 0: no subscribers
	{
		req, err := http.NewRequest("GET", "/v1/subscriber", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.GetSubscribersHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespActiveSubscribers
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Empty(resp.Subscribers)
	}

	endpoint1 := netip.MustParseAddrPort("10.0.0.2:52001")
	endpoint2 := netip.MustParseAddrPort("10.0.0.1:52002")
	registerTime := time.Now()
	{
		created, err := clients.Register(endpoint1, registerTime, utCtxt)
		assert.Nil(err)
		assert.True(created)
		created, err = clients.Register(endpoint2, registerTime, utCtxt)
		assert.Nil(err)
		assert.True(created)
	}

	// Case 1: listing reflects the registry, sorted by endpoint
	{
		req, err := http.NewRequest("GET", "/v1/subscriber", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		uut.GetSubscribersHandler().ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		var resp APIRestRespActiveSubscribers
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.True(resp.Success)
		assert.Len(resp.Subscribers, 2)
		assert.Equal(endpoint2.String(), resp.Subscribers[0].Endpoint)
		assert.Equal(endpoint1.String(), resp.Subscribers[1].Endpoint)
		for _, subscriber := range resp.Subscribers {
			assert.NotEmpty(subscriber.SessionID)
			assert.Greater(subscriber.SecondsToReap, float64(0))
			assert.LessOrEqual(subscriber.SecondsToReap, testHeartbeatTimeout.Seconds())
		}
	}
}

func TestMonitorDeleteSubscriber(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	uut, clients, tp := defineTestMonitorHandler(t, utCtxt, &wg)
	defer func() {
		assert.Nil(tp.StopEventLoop())
	}()

	// Route through mux so the path var is populated as in deployment
	router := mux.NewRouter()
	router.Methods("delete").Path("/v1/subscriber/{subscriberEndpoint}").HandlerFunc(
		uut.DeleteSubscriberHandler(),
	)

	endpoint := netip.MustParseAddrPort("10.0.0.3:52003")
	{
		created, err := clients.Register(endpoint, time.Now(), utCtxt)
		assert.Nil(err)
		assert.True(created)
	}

	// Case 0: malformed endpoint is rejected
	{
		req, err := http.NewRequest("DELETE", "/v1/subscriber/not-an-endpoint", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusBadRequest, respRecorder.Code)
		var resp goutils.RestAPIBaseResponse
		assert.Nil(json.Unmarshal(respRecorder.Body.Bytes(), &resp))
		assert.False(resp.Success)
	}

	// Case 1: eviction removes the subscriber
	{
		req, err := http.NewRequest(
			"DELETE", fmt.Sprintf("/v1/subscriber/%s", endpoint.String()), nil,
		)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
		active, err := clients.Snapshot(utCtxt)
		assert.Nil(err)
		assert.Empty(active)
	}

	// Case 2: evicting an unknown subscriber is a no-op success
	{
		req, err := http.NewRequest("DELETE", "/v1/subscriber/10.0.0.9:52009", nil)
		assert.Nil(err)
		respRecorder := httptest.NewRecorder()
		router.ServeHTTP(respRecorder, req)
		assert.Equal(http.StatusOK, respRecorder.Code)
	}
}
