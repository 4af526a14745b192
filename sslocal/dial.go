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
	std_errors "errors"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
)

// tcpFastOpenDisabled is flipped when the kernel reports that TCP Fast
// Open is unsupported; subsequent Sessions use a plain connect.
var tcpFastOpenDisabled atomic.Bool

// errFastOpenUnsupported is the connect-with-data outcome indicating the
// kernel does not support TCP Fast Open.
var errFastOpenUnsupported = std_errors.New("tcp fast open not supported")

func (config *Config) connectTimeout() time.Duration {
	return time.Duration(config.Timeout) * time.Second
}

// idleTimeout is the upstream inactivity window: the configured timeout
// in one-minute multiples.
func (config *Config) idleTimeout() time.Duration {
	if config.idleTimeoutOverride != 0 {
		return config.idleTimeoutOverride
	}
	return time.Duration(config.Timeout) * 60 * time.Second
}

// pickServer selects one upstream relay uniformly at random. The draw
// happens once per Session and the selection never changes afterwards.
func (listener *Listener) pickServer() ServerAddress {
	servers := listener.config.Servers
	if len(servers) == 1 {
		return servers[0]
	}
	return servers[listener.prng.Intn(len(servers))]
}

// dialUpstream resolves host and opens an outbound TCP connection to it,
// bound to the configured network device when one is set. The connect
// timer is the configured timeout.
func (listener *Listener) dialUpstream(
	host string, port int) (transport.StreamConn, error) {

	ip, err := listener.resolver.ResolveIP(host)
	if err != nil {
		return nil, errors.Trace(err)
	}

	dialer := &net.Dialer{
		Timeout: listener.config.connectTimeout(),
		Control: dialControl(listener.config.Interface),
	}

	address := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	return conn.(*net.TCPConn), nil
}
