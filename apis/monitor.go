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
	"fmt"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"github.com/alwitt/goutils"
	"github.com/alwitt/linecast/common"
	"github.com/alwitt/linecast/registry"
	"github.com/apex/log"
	"github.com/gorilla/mux"
)

// APIRestBroadcastMonitorHandler REST handler for inspecting the broadcast server
type APIRestBroadcastMonitorHandler struct {
	goutils.RestAPIHandler
	clients          registry.ClientRegistry
	heartbeatTimeout time.Duration
}

// GetAPIRestBroadcastMonitorHandler define APIRestBroadcastMonitorHandler
func GetAPIRestBroadcastMonitorHandler(
	clients registry.ClientRegistry,
	httpConfig *common.HTTPConfig,
	heartbeatTimeout time.Duration,
) (APIRestBroadcastMonitorHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "broadcast-monitor",
	}
	return APIRestBroadcastMonitorHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		}, clients: clients, heartbeatTimeout: heartbeatTimeout,
	}, nil
}

// Write logging support. Lets the handler receive access log entries from
// request logging middleware.
func (h APIRestBroadcastMonitorHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// =======================================================================

// APIRestRespSubscriberInfo liveness details of one active subscriber
type APIRestRespSubscriberInfo struct {
	// SessionID is the subscription session ID, minted at first CONNECT
	SessionID string `json:"session_id" validate:"required"`
	// Endpoint is the subscriber's address and port
	Endpoint string `json:"endpoint" validate:"required"`
	// FirstSeen is when this subscription session started
	FirstSeen time.Time `json:"first_seen" validate:"required"`
	// LastSeen is when the subscriber last sent CONNECT or HEARTBEAT
	LastSeen time.Time `json:"last_seen" validate:"required"`
	// SecondsToReap is the time remaining before the subscriber is reaped
	// unless it heartbeats again
	SecondsToReap float64 `json:"seconds_to_reap"`
}

// APIRestRespActiveSubscribers response for listing active subscribers
type APIRestRespActiveSubscribers struct {
	goutils.RestAPIBaseResponse
	// Subscribers the set of active subscriber details
	Subscribers []APIRestRespSubscriberInfo `json:"subscribers"`
}

// GetSubscribers godoc
// @Summary List active subscribers
// @Description Query for the liveness details of all active subscribers
// @tags Monitor
// @Produce json
// @Param Linecast-Request-ID header string false "User provided request ID to match against logs"
// @Success 200 {object} APIRestRespActiveSubscribers "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscriber [get]
func (h APIRestBroadcastMonitorHandler) GetSubscribers(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())

	records, err := h.clients.Records(r.Context())
	if err != nil {
		msg := "failed to read client registry"
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error()),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	now := time.Now()
	subscribers := make([]APIRestRespSubscriberInfo, 0, len(records))
	for _, record := range records {
		subscribers = append(subscribers, APIRestRespSubscriberInfo{
			SessionID:     record.SessionID,
			Endpoint:      record.Endpoint.String(),
			FirstSeen:     record.FirstSeen,
			LastSeen:      record.LastSeen,
			SecondsToReap: (h.heartbeatTimeout - now.Sub(record.LastSeen)).Seconds(),
		})
	}
	sort.Slice(subscribers, func(i, j int) bool {
		return subscribers[i].Endpoint < subscribers[j].Endpoint
	})

	resp := APIRestRespActiveSubscribers{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		}, Subscribers: subscribers,
	}

	if err := h.WriteRESTResponse(w, http.StatusOK, resp, nil); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// GetSubscribersHandler Wrapper around GetSubscribers
func (h APIRestBroadcastMonitorHandler) GetSubscribersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSubscribers(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteSubscriber godoc
// @Summary Evict one subscriber
// @Description Administratively remove a subscriber from the registry. The
// subscriber re-registers on its next CONNECT or HEARTBEAT.
// @tags Monitor
// @Produce json
// @Param Linecast-Request-ID header string false "User provided request ID to match against logs"
// @Param subscriberEndpoint path string true "Subscriber endpoint as address:port"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/subscriber/{subscriberEndpoint} [delete]
func (h APIRestBroadcastMonitorHandler) DeleteSubscriber(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	endpointName, ok := vars["subscriberEndpoint"]
	if !ok {
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusBadRequest, "no subscriber endpoint given", "",
		)
		return
	}

	endpoint, err := netip.ParseAddrPort(endpointName)
	if err != nil {
		msg := fmt.Sprintf("unable to parse subscriber endpoint '%s'", endpointName)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, err.Error())
		return
	}

	if err := h.clients.Remove(endpoint, r.Context()); err != nil {
		msg := fmt.Sprintf("failed to evict subscriber %s", endpoint.String())
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, err.Error())
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteSubscriberHandler Wrapper around DeleteSubscriber
func (h APIRestBroadcastMonitorHandler) DeleteSubscriberHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteSubscriber(w, r)
	}
}

// =======================================================================

// Alive godoc
// @Summary For monitor REST API liveness check
// @Description Will return success to indicate monitor REST API module is live
// @tags Monitor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /alive [get]
func (h APIRestBroadcastMonitorHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestBroadcastMonitorHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For monitor REST API readiness check
// @Description Will return success if the client registry is ready for use
// @tags Monitor
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {string} string "error"
// @Failure 404 {string} string "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /ready [get]
func (h APIRestBroadcastMonitorHandler) Ready(w http.ResponseWriter, r *http.Request) {
	msg := "not ready"
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if ready, err := h.clients.Ready(); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, msg, err.Error(),
		)
	} else if !ready {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg)
	} else {
		respCode = http.StatusOK
		respBody = h.GetStdRESTSuccessMsg(r.Context())
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestBroadcastMonitorHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}
