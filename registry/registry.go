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

package registry

import (
	"context"
	"fmt"
	"net/netip"
	"reflect"
	"time"

	"github.com/alwitt/linecast/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// Endpoint is the network identity (address + port) of a subscriber.
//
// Immutable once observed; equality is structural.
type Endpoint = netip.AddrPort

// LivenessRecord tracks when a subscriber endpoint was last heard from
type LivenessRecord struct {
	// SessionID is a unique ID minted when the endpoint first registers.
	// It is only used for log and monitor API correlation.
	SessionID string `json:"session_id"`
	// Endpoint is the subscriber's network identity
	Endpoint Endpoint `json:"endpoint"`
	// FirstSeen is when this record was created
	FirstSeen time.Time `json:"first_seen"`
	// LastSeen is when the endpoint last sent CONNECT or HEARTBEAT
	LastSeen time.Time `json:"last_seen"`
}

// ========================================================================================

// ClientRegistry is the authoritative set of currently subscribed endpoints.
//
// All operations are serialized through a single owning task processor, so
// no caller ever observes a partially updated registry. None of the
// operations perform network I/O.
type ClientRegistry interface {
	// Register idempotently adds the endpoint if absent and (re)sets its
	// last-seen timestamp. Reports whether a new record was created.
	Register(endpoint Endpoint, now time.Time, ctxt context.Context) (bool, error)
	// Remove deletes the endpoint's record if present; no-op otherwise
	Remove(endpoint Endpoint, ctxt context.Context) error
	// Expire atomically removes and returns every endpoint whose last-seen
	// timestamp has aged past the timeout. An endpoint exactly at the
	// timeout survives one more pass.
	Expire(now time.Time, timeout time.Duration, ctxt context.Context) ([]Endpoint, error)
	// Snapshot returns a copy of the currently active endpoints for safe
	// iteration without blocking registry updates during send I/O
	Snapshot(ctxt context.Context) ([]Endpoint, error)
	// Records returns a copy of all liveness records
	Records(ctxt context.Context) ([]LivenessRecord, error)
	// Ready checks whether the registry's owning event loop is responding
	Ready() (bool, error)
}

// clientRegistryImpl implements ClientRegistry
type clientRegistryImpl struct {
	common.Component
	tp       common.TaskProcessor
	liveness map[Endpoint]*LivenessRecord
}

// DefineClientRegistry create new client registry served by the task processor
func DefineClientRegistry(
	tp common.TaskProcessor, instance string,
) (ClientRegistry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "client-registry", "instance": instance,
	}
	registry := clientRegistryImpl{
		Component: common.Component{LogTags: logTags},
		tp:        tp,
		liveness:  make(map[Endpoint]*LivenessRecord),
	}
	// Add handlers
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRegisterReq{}), registry.processRegisterRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRemoveReq{}), registry.processRemoveRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryExpireReq{}), registry.processExpireRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registrySnapshotReq{}), registry.processSnapshotRequest,
	); err != nil {
		return nil, err
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(registryRecordsReq{}), registry.processRecordsRequest,
	); err != nil {
		return nil, err
	}
	return &registry, nil
}

// ----------------------------------------------------------------------------------------

type registryRegisterReq struct {
	endpoint  Endpoint
	timestamp time.Time
	resultCB  func(created bool, err error)
}

// Register idempotently adds the endpoint and refreshes its last-seen timestamp
func (r *clientRegistryImpl) Register(
	endpoint Endpoint, now time.Time, ctxt context.Context,
) (bool, error) {
	complete := make(chan bool, 1)
	var created bool
	var processError error
	handler := func(newRecord bool, err error) {
		created = newRecord
		processError = err
		complete <- true
	}

	request := registryRegisterReq{endpoint: endpoint, timestamp: now, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit register request for %s", endpoint.String(),
		)
		return false, err
	}

	// Wait for completion
	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return false, ctxt.Err()
	}

	return created, processError
}

func (r *clientRegistryImpl) processRegisterRequest(param interface{}) error {
	request, ok := param.(registryRegisterReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for register request", reflect.TypeOf(param),
		)
	}
	created := r.ProcessRegister(request.endpoint, request.timestamp)
	request.resultCB(created, nil)
	return nil
}

// ProcessRegister upsert the liveness record of an endpoint
func (r *clientRegistryImpl) ProcessRegister(endpoint Endpoint, now time.Time) bool {
	if record, ok := r.liveness[endpoint]; ok {
		record.LastSeen = now
		return false
	}
	record := &LivenessRecord{
		SessionID: uuid.New().String(),
		Endpoint:  endpoint,
		FirstSeen: now,
		LastSeen:  now,
	}
	r.liveness[endpoint] = record
	log.WithFields(r.LogTags).Infof(
		"New subscriber %s with session %s", endpoint.String(), record.SessionID,
	)
	return true
}

// ----------------------------------------------------------------------------------------

type registryRemoveReq struct {
	endpoint Endpoint
	resultCB func(error)
}

// Remove deletes the endpoint's record if present
func (r *clientRegistryImpl) Remove(endpoint Endpoint, ctxt context.Context) error {
	complete := make(chan bool, 1)
	var processError error
	handler := func(err error) {
		processError = err
		complete <- true
	}

	request := registryRemoveReq{endpoint: endpoint, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Errorf(
			"Failed to submit remove request for %s", endpoint.String(),
		)
		return err
	}

	// Wait for completion
	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return ctxt.Err()
	}

	return processError
}

func (r *clientRegistryImpl) processRemoveRequest(param interface{}) error {
	request, ok := param.(registryRemoveReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for remove request", reflect.TypeOf(param),
		)
	}
	r.ProcessRemove(request.endpoint)
	request.resultCB(nil)
	return nil
}

// ProcessRemove drop the liveness record of an endpoint
func (r *clientRegistryImpl) ProcessRemove(endpoint Endpoint) {
	if record, ok := r.liveness[endpoint]; ok {
		delete(r.liveness, endpoint)
		log.WithFields(r.LogTags).Infof(
			"Subscriber %s with session %s removed", endpoint.String(), record.SessionID,
		)
	}
}

// ----------------------------------------------------------------------------------------

type registryExpireReq struct {
	timestamp time.Time
	timeout   time.Duration
	resultCB  func([]Endpoint, error)
}

// Expire atomically removes and returns all endpoints which aged past the timeout
func (r *clientRegistryImpl) Expire(
	now time.Time, timeout time.Duration, ctxt context.Context,
) ([]Endpoint, error) {
	complete := make(chan bool, 1)
	var removed []Endpoint
	var processError error
	handler := func(stale []Endpoint, err error) {
		removed = stale
		processError = err
		complete <- true
	}

	request := registryExpireReq{timestamp: now, timeout: timeout, resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit expire request")
		return nil, err
	}

	// Wait for completion
	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}

	return removed, processError
}

func (r *clientRegistryImpl) processExpireRequest(param interface{}) error {
	request, ok := param.(registryExpireReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for expire request", reflect.TypeOf(param),
		)
	}
	stale := r.ProcessExpire(request.timestamp, request.timeout)
	request.resultCB(stale, nil)
	return nil
}

// ProcessExpire drop all records whose last-seen aged past the timeout.
//
// Strict inequality: a record exactly at the timeout is kept.
func (r *clientRegistryImpl) ProcessExpire(now time.Time, timeout time.Duration) []Endpoint {
	stale := make([]Endpoint, 0)
	for endpoint, record := range r.liveness {
		if now.Sub(record.LastSeen) > timeout {
			stale = append(stale, endpoint)
		}
	}
	for _, endpoint := range stale {
		record := r.liveness[endpoint]
		delete(r.liveness, endpoint)
		log.WithFields(r.LogTags).Infof(
			"Removed stale subscriber %s with session %s. Last seen %s",
			endpoint.String(),
			record.SessionID,
			record.LastSeen.Format(time.RFC3339),
		)
	}
	return stale
}

// ----------------------------------------------------------------------------------------

type registrySnapshotReq struct {
	resultCB func([]Endpoint, error)
}

// Snapshot returns a copy of the active endpoint set
func (r *clientRegistryImpl) Snapshot(ctxt context.Context) ([]Endpoint, error) {
	complete := make(chan bool, 1)
	var endpoints []Endpoint
	var processError error
	handler := func(active []Endpoint, err error) {
		endpoints = active
		processError = err
		complete <- true
	}

	request := registrySnapshotReq{resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit snapshot request")
		return nil, err
	}

	// Wait for completion
	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}

	return endpoints, processError
}

func (r *clientRegistryImpl) processSnapshotRequest(param interface{}) error {
	request, ok := param.(registrySnapshotReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for snapshot request", reflect.TypeOf(param),
		)
	}
	endpoints := make([]Endpoint, 0, len(r.liveness))
	for endpoint := range r.liveness {
		endpoints = append(endpoints, endpoint)
	}
	request.resultCB(endpoints, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

type registryRecordsReq struct {
	resultCB func([]LivenessRecord, error)
}

// Records returns a copy of all liveness records
func (r *clientRegistryImpl) Records(ctxt context.Context) ([]LivenessRecord, error) {
	complete := make(chan bool, 1)
	var records []LivenessRecord
	var processError error
	handler := func(current []LivenessRecord, err error) {
		records = current
		processError = err
		complete <- true
	}

	request := registryRecordsReq{resultCB: handler}

	if err := r.tp.Submit(request, ctxt); err != nil {
		log.WithError(err).WithFields(r.LogTags).Error("Failed to submit records request")
		return nil, err
	}

	// Wait for completion
	select {
	case <-complete:
		break
	case <-ctxt.Done():
		return nil, ctxt.Err()
	}

	return records, processError
}

func (r *clientRegistryImpl) processRecordsRequest(param interface{}) error {
	request, ok := param.(registryRecordsReq)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for records request", reflect.TypeOf(param),
		)
	}
	records := make([]LivenessRecord, 0, len(r.liveness))
	for _, record := range r.liveness {
		records = append(records, *record)
	}
	request.resultCB(records, nil)
	return nil
}

// ----------------------------------------------------------------------------------------

// Ready checks whether the registry's owning event loop is responding
func (r *clientRegistryImpl) Ready() (bool, error) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.Snapshot(ctxt); err != nil {
		return false, err
	}
	return true, nil
}
