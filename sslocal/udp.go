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
	"context"
)

// UDPRelay is the separate UDP data plane facility. The TCP proxy only
// accepts SOCKS5 UDP_ASSOCIATE requests as a stub; when a UDPRelay
// implementation is registered and the UDPRelay config flag is set, Run
// starts it alongside the TCP Listener.
type UDPRelay interface {

	// Run relays UDP packets until ctx is done.
	Run(ctx context.Context) error
}

// UDPRelayFactory constructs a UDPRelay for the given configuration.
type UDPRelayFactory func(config *Config) (UDPRelay, error)

var udpRelayFactory UDPRelayFactory

// RegisterUDPRelay installs the UDP data plane constructor. Must be
// called before Run, typically from the host program's initialization.
func RegisterUDPRelay(factory UDPRelayFactory) {
	udpRelayFactory = factory
}
