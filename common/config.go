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

package common

import "github.com/spf13/viper"

// ===============================================================================
// UDP Transport Related Config

// UDPServerConfig defines the datagram socket parameters
type UDPServerConfig struct {
	// ListenOn is the interface the UDP socket will bind to
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the UDP socket will bind to.
	//
	// The same socket receives subscriber control messages and carries
	// both the ACK replies and the broadcast data messages.
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the max duration in seconds the control listener will
	// block on a receive before re-checking for shutdown. A shorter timeout
	// lowers shutdown latency at the cost of more wake-ups.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=1"`
	// MaxDatagramSize is the receive buffer size in bytes. Control messages
	// are only a few bytes; the extra headroom tolerates chatty senders.
	MaxDatagramSize int `mapstructure:"max_datagram_bytes" json:"max_datagram_bytes" validate:"gte=64"`
}

// ===============================================================================
// Broadcast Related Config

// BroadcastConfig defines the payload distribution parameters
type BroadcastConfig struct {
	// SourceFile is the path of the line file being distributed. The file is
	// re-read once per full traversal, so it can be edited while the server
	// is running.
	SourceFile string `mapstructure:"source_file" json:"source_file" validate:"required"`
	// Interval is the pause between broadcast ticks in seconds. One line is
	// sent to every active subscriber per tick.
	Interval float64 `mapstructure:"interval_sec" json:"interval_sec" validate:"gt=0"`
	// HeartbeatTimeout is the subscriber liveness window in seconds. A
	// subscriber which has not sent CONNECT or HEARTBEAT within this window
	// is reaped on the next broadcast tick.
	HeartbeatTimeout int `mapstructure:"heartbeat_timeout_sec" json:"heartbeat_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Monitor Server Related Config

// MonitorEndpointConfig defines monitor API endpoint config
type MonitorEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the monitor APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// MonitorServerConfig defines configuration for the monitor API server
type MonitorServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the monitor API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the monitor API server
	Endpoints MonitorEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the broadcast server
type SystemConfig struct {
	// UDP are the datagram socket config parameters
	UDP UDPServerConfig `mapstructure:"udp" json:"udp" validate:"required,dive"`
	// Broadcast are the payload distribution config parameters
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
	// Monitor are the monitor API server configs. The monitor server is
	// only started when this section is present.
	Monitor *MonitorServerConfig `mapstructure:"monitor,omitempty" json:"monitor,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default UDP settings
	viper.SetDefault("udp.listen_on", "0.0.0.0")
	viper.SetDefault("udp.listen_port", 2947)
	viper.SetDefault("udp.read_timeout_sec", 1)
	viper.SetDefault("udp.max_datagram_bytes", 4096)

	// Default broadcast settings
	viper.SetDefault("broadcast.source_file", "payload.txt")
	viper.SetDefault("broadcast.interval_sec", 1.0)
	viper.SetDefault("broadcast.heartbeat_timeout_sec", 30)
}
