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

package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/linecast/apis"
	"github.com/alwitt/linecast/broadcast"
	"github.com/alwitt/linecast/common"
	"github.com/alwitt/linecast/control"
	"github.com/alwitt/linecast/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// registryTaskBuffer is the pending request depth of the registry event loop.
// Submitters are the control listener, the broadcaster, and monitor API calls.
const registryTaskBuffer = 64

// RunBroadcastServer run the UDP broadcast server
func RunBroadcastServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "server",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid server config")
		return err
	}

	// -------------------------------------------------------------------
	// Fatal startup checks: payload source and socket bind

	payloadSource, err := broadcast.DefineLineFileSource(config.Broadcast.SourceFile)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to use payload source %s", config.Broadcast.SourceFile,
		)
		return err
	}

	bindIP := net.ParseIP(config.UDP.ListenOn)
	if bindIP == nil {
		err := fmt.Errorf("unable to parse bind address '%s'", config.UDP.ListenOn)
		log.WithError(err).WithFields(logTags).Error("Unable to bind UDP socket")
		return err
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: bindIP, Port: int(config.UDP.Port)})
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to bind UDP socket %s:%d", config.UDP.ListenOn, config.UDP.Port,
		)
		return err
	}
	log.WithFields(logTags).Infof("Serving on udp://%s", conn.LocalAddr().String())

	// -------------------------------------------------------------------
	// Client registry behind its owning event loop

	registryTP, err := common.GetNewTaskProcessorInstance(
		"client-registry", registryTaskBuffer, runTimeContext,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry task processor")
		return err
	}

	clients, err := registry.DefineClientRegistry(registryTP, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define client registry")
		return err
	}

	if err := registryTP.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start registry event loop")
		return err
	}

	// -------------------------------------------------------------------
	// Control listener and line broadcaster against the shared socket

	listener, err := control.DefineControlListener(
		conn,
		clients,
		time.Second*time.Duration(config.UDP.ReadTimeout),
		config.UDP.MaxDatagramSize,
		runTimeContext,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define control listener")
		return err
	}

	heartbeatTimeout := time.Second * time.Duration(config.Broadcast.HeartbeatTimeout)
	broadcaster, err := broadcast.DefineLineBroadcaster(
		payloadSource,
		clients,
		broadcast.DefineUDPLineSender(conn),
		time.Duration(config.Broadcast.Interval*float64(time.Second)),
		heartbeatTimeout,
		runTimeContext,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define line broadcaster")
		return err
	}

	if err := listener.StartListening(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start control listener")
		return err
	}
	if err := broadcaster.StartBroadcasting(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start line broadcaster")
		return err
	}

	// -------------------------------------------------------------------
	// Optionally start the monitor API HTTP server

	var monitorSrv *http.Server
	if config.Monitor != nil {
		httpHandler, err := apis.GetAPIRestBroadcastMonitorHandler(
			clients, &config.Monitor.HTTPSetting, heartbeatTimeout,
		)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
			return err
		}

		router := mux.NewRouter()
		mainRouter := apis.RegisterPathPrefix(
			router, config.Monitor.Endpoints.PathPrefix, nil,
		)

		// Subscriber inspection
		subscriberAPIRouter := apis.RegisterPathPrefix(
			mainRouter, "/v1/subscriber", map[string]http.HandlerFunc{
				"get": httpHandler.GetSubscribersHandler(),
			},
		)
		_ = apis.RegisterPathPrefix(
			subscriberAPIRouter, "/{subscriberEndpoint}", map[string]http.HandlerFunc{
				"delete": httpHandler.DeleteSubscriberHandler(),
			},
		)

		// Health check
		_ = apis.RegisterPathPrefix(mainRouter, "/alive", map[string]http.HandlerFunc{
			"get": httpHandler.AliveHandler(),
		})
		_ = apis.RegisterPathPrefix(mainRouter, "/ready", map[string]http.HandlerFunc{
			"get": httpHandler.ReadyHandler(),
		})

		// Add logging
		router.Use(func(next http.Handler) http.Handler {
			return handlers.CombinedLoggingHandler(httpHandler, next)
		})

		serverCfg := config.Monitor.HTTPSetting.Server
		monitorSrv = &http.Server{
			Addr:         fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port),
			ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
			WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
			IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
			Handler:      h2c.NewHandler(router, &http2.Server{}),
		}

		go func() {
			if err := monitorSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("HTTP Server Failure")
			}
		}()

		log.WithFields(logTags).Infof("Started monitor API on http://%s", monitorSrv.Addr)
	}

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the broadcast loop and control listener
	if err := broadcaster.StopOperation(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping line broadcaster")
	}
	if err := listener.StopOperation(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping control listener")
	}
	if err := registryTP.StopEventLoop(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure stopping registry event loop")
	}

	// Release the socket
	if err := conn.Close(); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failure during UDP socket close")
	}

	// Stop the HTTP server
	if monitorSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := monitorSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("Failure during HTTP shutdown")
		}
	}

	log.WithFields(logTags).Info("Broadcast server stopped")
	return nil
}
