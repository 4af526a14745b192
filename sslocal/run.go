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
	"os"
	"os/signal"
	"syscall"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/log"
	"golang.org/x/sync/errgroup"
)

// Run runs a Listener, and the registered UDP relay when enabled, until
// ctx is done. Run returns after every Session has been torn down.
func Run(ctx context.Context, config *Config) error {

	listener, err := NewListener(config)
	if err != nil {
		return errors.Trace(err)
	}

	log.WithContextFields(
		log.Fields{"address": listener.Addr().String()}).Info(
		"server listening")

	var relay UDPRelay
	if config.UDPRelay && udpRelayFactory != nil {
		log.WithContext().Info("udprelay enabled")
		relay, err = udpRelayFactory(config)
		if err != nil {
			listener.netListener.Close()
			return errors.Trace(err)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return listener.Run(groupCtx)
	})

	if relay != nil {
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}

	return errors.Trace(group.Wait())
}

// Profile configures a single-upstream Listener for embedding in a host
// program.
type Profile struct {
	RemoteHost   string
	RemotePort   int
	LocalAddress string
	LocalPort    int
	Password     string
	Method       string
	Timeout      int
	UDPRelay     bool
	FastOpen     bool
	Verbose      bool
	ACL          string
	Log          string
}

// RunForever runs a single-upstream Listener to completion. It returns
// when the run loop exits, on SIGINT or SIGTERM.
func RunForever(profile *Profile) error {

	logOutput := os.Stderr
	if profile.Log != "" {
		logFile, err := os.OpenFile(
			profile.Log, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return errors.Trace(err)
		}
		defer logFile.Close()
		logOutput = logFile
	}
	log.Init(logOutput, profile.Verbose)

	config := &Config{
		Servers: []ServerAddress{
			{Host: profile.RemoteHost, Port: profile.RemotePort},
		},
		LocalAddress: profile.LocalAddress,
		LocalPort:    profile.LocalPort,
		Password:     profile.Password,
		Method:       profile.Method,
		Timeout:      profile.Timeout,
		UDPRelay:     profile.UDPRelay,
		FastOpen:     profile.FastOpen,
		Verbose:      profile.Verbose,
		ACLPath:      profile.ACL,
	}
	err := config.Commit()
	if err != nil {
		return errors.Trace(err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return errors.Trace(Run(ctx, config))
}
