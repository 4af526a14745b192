/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package sslocal

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
)

const (
	// DEFAULT_TIMEOUT_SECONDS is the per-connection timeout applied when
	// no timeout is configured.
	DEFAULT_TIMEOUT_SECONDS = 10

	// DEFAULT_LOCAL_ADDRESS is the local bind address applied when no
	// address is configured.
	DEFAULT_LOCAL_ADDRESS = "0.0.0.0"

	// DEFAULT_METHOD is the cipher method applied when no method is
	// configured.
	DEFAULT_METHOD = "chacha20-ietf-poly1305"
)

// ServerAddress is one configured upstream relay server.
type ServerAddress struct {
	Host string
	Port int
}

// Config specifies one local SOCKS proxy listener. All fields must be set
// before calling Commit; the committed Config is read-only and shared by
// every Session the Listener creates.
type Config struct {

	// Servers is the upstream relay list. One entry is selected uniformly
	// at random for each Session.
	Servers []ServerAddress

	// LocalAddress and LocalPort specify the SOCKS5 listen address.
	// LocalAddress defaults to "0.0.0.0". LocalPort 0 selects an
	// ephemeral port; hosts requiring a fixed port must validate their
	// own inputs.
	LocalAddress string
	LocalPort    int

	// Password and Method configure the stream cipher shared with the
	// upstream relays. Method defaults to "chacha20-ietf-poly1305".
	Password string
	Method   string

	// Timeout is the upstream connect timeout in seconds, and, multiplied
	// by 60, the upstream idle timeout. Defaults to 10.
	Timeout int

	// Interface optionally binds upstream sockets to the named network
	// device. Supported on Linux only.
	Interface string

	// FastOpen enables sending the first upstream segment in the TCP
	// connect handshake. Automatically disabled process-wide when the
	// kernel reports no support.
	FastOpen bool

	// UDPRelay enables accepting SOCKS5 UDP_ASSOCIATE requests. The UDP
	// data plane itself is run by a registered UDPRelay implementation.
	UDPRelay bool

	// Verbose records whether debug level logging is wanted. Run does not
	// read it; the log level is set by log.Init.
	Verbose bool

	// ACLPath optionally names an access control list file. Matched
	// destinations are contacted directly, bypassing the relay.
	ACLPath string

	// Nameserver optionally specifies an explicit DNS server
	// ("host:port") used for upstream address resolution in place of the
	// system resolver.
	Nameserver string

	// MaxSessions optionally caps concurrent Sessions. Zero means no
	// cap.
	MaxSessions int

	// NoFile optionally raises the file descriptor soft limit at startup.
	NoFile uint64

	committed bool

	// idleTimeoutOverride shortens the idle timeout in tests.
	idleTimeoutOverride time.Duration
}

// Commit validates the configuration, applies defaults, and freezes the
// Config. Commit must be called before the Config is used to run a
// Listener.
func (config *Config) Commit() error {

	if len(config.Servers) == 0 {
		return errors.TraceNew("no upstream server configured")
	}
	for _, server := range config.Servers {
		if server.Host == "" {
			return errors.TraceNew("missing upstream server host")
		}
		if server.Port <= 0 || server.Port > 65535 {
			return errors.Tracef(
				"invalid upstream server port: %d", server.Port)
		}
	}

	if config.LocalPort < 0 || config.LocalPort > 65535 {
		return errors.Tracef("invalid local port: %d", config.LocalPort)
	}

	if config.Password == "" {
		return errors.TraceNew("missing password")
	}

	if config.LocalAddress == "" {
		config.LocalAddress = DEFAULT_LOCAL_ADDRESS
	}

	if config.Method == "" {
		config.Method = DEFAULT_METHOD
	}

	if config.Timeout <= 0 {
		config.Timeout = DEFAULT_TIMEOUT_SECONDS
	}

	config.committed = true

	return nil
}

// FileConfig mirrors the shadowsocks JSON configuration file. Values
// present in the file fill in Config fields not already set by flags.
type FileConfig struct {
	Server       ServerList `json:"server"`
	ServerPort   int        `json:"server_port"`
	LocalAddress string     `json:"local_address"`
	LocalPort    int        `json:"local_port"`
	Password     string     `json:"password"`
	Method       string     `json:"method"`
	Timeout      int        `json:"timeout"`
	FastOpen     bool       `json:"fast_open"`
	Nameserver   string     `json:"nameserver"`
	NoFile       uint64     `json:"nofile"`
}

// ServerList unmarshals either a single host string or a list of host
// strings. Each entry may carry an explicit port as "host:port";
// otherwise the shared server_port applies.
type ServerList []string

func (s *ServerList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = strings.Split(single, ",")
		return nil
	}
	var multiple []string
	if err := json.Unmarshal(data, &multiple); err != nil {
		return errors.Trace(err)
	}
	*s = multiple
	return nil
}

// LoadFileConfig parses the contents of a shadowsocks JSON configuration
// file.
func LoadFileConfig(contents []byte) (*FileConfig, error) {
	var fileConfig FileConfig
	err := json.Unmarshal(contents, &fileConfig)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &fileConfig, nil
}

// ServerAddresses expands the file config server list into
// ServerAddress values, applying the shared server_port to entries
// without an explicit port.
func (fileConfig *FileConfig) ServerAddresses() ([]ServerAddress, error) {
	servers := make([]ServerAddress, 0, len(fileConfig.Server))
	for _, entry := range fileConfig.Server {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		host := entry
		port := fileConfig.ServerPort
		if i := strings.LastIndex(entry, ":"); i != -1 && net.ParseIP(entry) == nil {
			p, err := strconv.Atoi(entry[i+1:])
			if err != nil {
				return nil, errors.Tracef("invalid server entry: %s", entry)
			}
			host = entry[:i]
			port = p
		}
		servers = append(servers, ServerAddress{Host: host, Port: port})
	}
	return servers, nil
}
