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
	"net"
	"strconv"
	"sync"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/log"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/prng"
	"github.com/marusama/semaphore"
)

// Listener owns the bound SOCKS5 listening socket and constructs a
// Session for each accepted client. The Listener holds the configuration
// snapshot, cipher key, ACL, resolver, and the registry of live Sessions
// used for orderly shutdown.
type Listener struct {
	config           *Config
	crypter          *Crypter
	acl              *ACL
	resolver         *Resolver
	prng             *prng.PRNG
	netListener      net.Listener
	registry         *sessionRegistry
	sessionSemaphore semaphore.Semaphore
	waitGroup        *sync.WaitGroup
}

// NewListener initializes a new Listener from a committed Config, binds
// the local SOCKS5 port, and prepares the cipher key and ACL. Bind and
// listen failures are fatal startup errors.
func NewListener(config *Config) (*Listener, error) {

	if !config.committed {
		return nil, errors.TraceNew("uncommitted config")
	}

	crypter, err := NewCrypter(config.Method, config.Password)
	if err != nil {
		return nil, errors.Trace(err)
	}

	var acl *ACL
	if config.ACLPath != "" {
		acl, err = LoadACL(config.ACLPath)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	p, err := prng.NewPRNG()
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.FastOpen && !fastOpenSupported {
		log.WithContext().Error(
			"tcp fast open is not supported by this environment")
	}

	address := net.JoinHostPort(
		config.LocalAddress, strconv.Itoa(config.LocalPort))
	netListener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, errors.Trace(err)
	}

	listener := &Listener{
		config:      config,
		crypter:     crypter,
		acl:         acl,
		resolver:    NewResolver(config.Nameserver, config.connectTimeout()),
		prng:        p,
		netListener: netListener,
		registry:    newSessionRegistry(),
		waitGroup:   new(sync.WaitGroup),
	}

	if config.MaxSessions > 0 {
		listener.sessionSemaphore = semaphore.New(config.MaxSessions)
	}

	return listener, nil
}

// Addr returns the bound local address.
func (listener *Listener) Addr() net.Addr {
	return listener.netListener.Addr()
}

// Run accepts and serves client connections until ctx is done, then
// closes every live Session and waits for their handlers to complete.
// Per-connection errors are logged and swallowed; the Listener never
// stops on them.
func (listener *Listener) Run(ctx context.Context) error {

	listenerStopped := make(chan struct{})
	defer close(listenerStopped)

	go func() {
		select {
		case <-ctx.Done():
		case <-listenerStopped:
		}
		listener.netListener.Close()
	}()

	for {
		clientConn, err := listener.netListener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if netErr, ok := err.(net.Error); ok && netErr.Temporary() {
				log.WithContext().Errorf("accept failed: %s", err)
				continue
			}
			if isClosedError(err) {
				break
			}
			log.WithContext().Errorf("accept failed: %s", err)
			continue
		}

		if listener.sessionSemaphore != nil &&
			!listener.sessionSemaphore.TryAcquire(1) {

			log.WithContext().Error("too many sessions")
			clientConn.Close()
			continue
		}

		session := newSession(listener, clientConn)

		if !listener.registry.add(session) {
			// Shutdown underway.
			clientConn.Close()
			listener.releaseSessionSlot()
			break
		}

		listener.waitGroup.Add(1)
		go func() {
			defer listener.waitGroup.Done()
			session.handle()
		}()
	}

	listener.registry.closeAll()
	listener.waitGroup.Wait()

	return nil
}

// sessionClosed is called exactly once per Session at teardown.
func (listener *Listener) sessionClosed(session *Session) {
	listener.registry.remove(session)
	listener.releaseSessionSlot()
}

func (listener *Listener) releaseSessionSlot() {
	if listener.sessionSemaphore != nil {
		listener.sessionSemaphore.Release(1)
	}
}

// sessionRegistry is a synchronized set of live Sessions, used to
// coordinate closing every Session at shutdown. Once closed, no more
// Sessions may be added.
type sessionRegistry struct {
	mutex    sync.Mutex
	isClosed bool
	sessions map[*Session]bool
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[*Session]bool),
	}
}

func (registry *sessionRegistry) add(session *Session) bool {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	if registry.isClosed {
		return false
	}
	registry.sessions[session] = true
	return true
}

func (registry *sessionRegistry) remove(session *Session) {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	delete(registry.sessions, session)
}

func (registry *sessionRegistry) closeAll() {
	registry.mutex.Lock()
	registry.isClosed = true
	sessions := make([]*Session, 0, len(registry.sessions))
	for session := range registry.sessions {
		sessions = append(sessions, session)
	}
	registry.mutex.Unlock()

	// Session.close removes the registry entry itself.
	for _, session := range sessions {
		session.close()
	}
}

func (registry *sessionRegistry) len() int {
	registry.mutex.Lock()
	defer registry.mutex.Unlock()
	return len(registry.sessions)
}
