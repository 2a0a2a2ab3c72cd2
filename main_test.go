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

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalReceiverReleasesOnShutdown(t *testing.T) {
	assert := assert.New(t)

	// A fatal startup failure cancels the runtime context without any signal
	// ever arriving. The signal receiver must release the WaitGroup then, or
	// the process would hang instead of exiting nonzero.
	wg, runTimeContext, rtCancel := defineControlVars()
	signalRecvSetup(runTimeContext, wg, rtCancel)

	rtCancel()

	released := make(chan struct{})
	go func() {
		wg.Wait()
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second * 3):
		assert.Fail("signal receiver did not release on context cancel")
	}
}
