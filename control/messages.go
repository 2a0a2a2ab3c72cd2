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
	"bytes"
	"fmt"
	"unicode/utf8"
)

// Control message wire literals. Each is carried as the exact byte content
// of one datagram with no framing.
const (
	// MsgConnect is sent by a subscriber to start receiving the broadcast
	MsgConnect = "CONNECT"
	// MsgHeartbeat is sent by a subscriber to refresh its liveness
	MsgHeartbeat = "HEARTBEAT"
	// MsgDisconnect is sent by a subscriber to stop receiving the broadcast
	MsgDisconnect = "DISCONNECT"
	// MsgACK is the server reply to MsgConnect and MsgHeartbeat
	MsgACK = "ACK"
)

// MessageType enumerates the recognized subscriber control messages
type MessageType int

// The recognized subscriber control messages
const (
	Connect MessageType = iota
	Heartbeat
	Disconnect
)

// maxUnknownSample bounds how much of an unrecognized payload is quoted in errors
const maxUnknownSample = 32

// ParseMessage interprets a received datagram payload as a control message.
//
// Surrounding whitespace is ignored. Payloads which are not valid UTF-8 or
// match no known literal produce an error; the caller logs and discards.
func ParseMessage(payload []byte) (MessageType, error) {
	if !utf8.Valid(payload) {
		return 0, fmt.Errorf("payload of %dB is not valid UTF-8", len(payload))
	}
	message := string(bytes.TrimSpace(payload))
	switch message {
	case MsgConnect:
		return Connect, nil
	case MsgHeartbeat:
		return Heartbeat, nil
	case MsgDisconnect:
		return Disconnect, nil
	}
	if len(message) > maxUnknownSample {
		message = message[:maxUnknownSample]
	}
	return 0, fmt.Errorf("unknown control message '%s'", message)
}
