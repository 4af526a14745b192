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
	"bufio"
	std_errors "errors"
	"net"
	"strconv"
	"sync"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/log"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

type sessionStage int

const (
	stageMethodSelect sessionStage = iota
	stageRequest
	stageStreaming
	stageClosed
)

// Session pairs one accepted SOCKS5 client connection with at most one
// upstream connection. The Session is destroyed, tearing down both
// halves, when either half sees EOF, a non-retriable I/O error, a
// protocol violation, the idle timeout, or global shutdown.
type Session struct {
	listener     *Listener
	clientConn   net.Conn
	clientReader *bufio.Reader

	mutex    sync.Mutex
	stage    sessionStage
	upstream transport.StreamConn
	direct   bool

	closeOnce sync.Once
}

func newSession(listener *Listener, clientConn net.Conn) *Session {
	return &Session{
		listener:     listener,
		clientConn:   clientConn,
		clientReader: bufio.NewReaderSize(clientConn, streamBufferSize),
		stage:        stageMethodSelect,
	}
}

// handle runs the Session to completion: SOCKS5 negotiation, the bypass
// decision, upstream connect, and streaming.
func (session *Session) handle() {

	defer session.close()

	request, err := session.negotiate()
	if err != nil {
		if err != errUDPAssociateDone && !isClosedError(err) {
			log.WithContext().Errorf("negotiate failed: %s", err)
		}
		return
	}

	session.decideBypass(request)

	// The fake success reply is sent before the upstream outcome is
	// known; upstream failures manifest as an abruptly closed client
	// connection.
	err = session.sendSocksReply(nil)
	if err != nil {
		log.WithContext().Errorf("%s", err)
		return
	}

	session.setStage(stageStreaming)

	err = session.connectUpstream(request)
	if err != nil {
		if std_errors.Is(err, errFastOpenUnsupported) {
			// Disabled process-wide; subsequent Sessions use a plain
			// connect.
			tcpFastOpenDisabled.Store(true)
			log.WithContext().Error(
				"fast open is not supported on this platform")
		} else if !isClosedError(err) {
			log.WithContext().Errorf("connect failed: %s", err)
		}
		return
	}

	session.relay()
}

// decideBypass marks the Session direct when the ACL matches the
// request's literal destination. IPv6 destinations are not looked up.
func (session *Session) decideBypass(request *socksRequest) {

	acl := session.listener.acl
	if acl == nil {
		return
	}

	host, isDomain := targetHost(request.target)

	direct := false
	if isDomain {
		direct = acl.ContainsDomain(host)
	} else if request.target[0] == socks.AtypIPv4 {
		direct = acl.ContainsIP(host)
	}

	if direct {
		// The direct flag is set before any upstream socket is opened or
		// any byte is sent.
		session.mutex.Lock()
		session.direct = true
		session.mutex.Unlock()

		if log.IsDebugLevel() {
			log.WithContextFields(
				log.Fields{"target": request.target.String()}).Debug("bypass")
		}
	}
}

// connectUpstream opens the outbound connection: to the selected relay,
// with the shadowsocks address header and any coalesced payload queued
// for the first encrypted segment; or, for a direct Session, to the
// literal destination in plaintext with no header.
func (session *Session) connectUpstream(request *socksRequest) error {

	listener := session.listener
	config := listener.config

	if session.direct {

		host, _ := targetHost(request.target)
		port, err := targetPort(request.target)
		if err != nil {
			return errors.Trace(err)
		}

		conn, err := listener.dialUpstream(host, port)
		if err != nil {
			return errors.Trace(err)
		}
		if !session.setUpstream(conn) {
			return errors.TraceNew("session closed")
		}

		if len(request.payload) > 0 {
			_, err = conn.Write(request.payload)
			if err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	}

	server := listener.pickServer()

	if log.IsDebugLevel() {
		log.WithContextFields(log.Fields{
			"server": server.Host,
			"target": request.target.String()}).Debug("connect to server")
	}

	useFastOpen := config.FastOpen &&
		fastOpenSupported &&
		!tcpFastOpenDisabled.Load()

	var conn transport.StreamConn
	var err error
	if useFastOpen {
		var ip net.IP
		ip, err = listener.resolver.ResolveIP(server.Host)
		if err != nil {
			return errors.Trace(err)
		}
		conn, err = dialFastOpen(
			&net.TCPAddr{IP: ip, Port: server.Port},
			config.Interface,
			config.connectTimeout())
	} else {
		conn, err = listener.dialUpstream(server.Host, server.Port)
	}
	if err != nil {
		return errors.Trace(err)
	}

	wrappedConn, ssw := listener.crypter.WrapConn(conn)
	if !session.setUpstream(wrappedConn) {
		return errors.TraceNew("session closed")
	}

	// The address header and coalesced payload are queued and flushed
	// together, so they travel in the first sealed segment; with fast
	// open, that segment is the connect-with-data payload.
	_, err = ssw.LazyWrite(request.target)
	if err == nil && len(request.payload) > 0 {
		_, err = ssw.LazyWrite(request.payload)
	}
	if err == nil {
		err = ssw.Flush()
	}
	if err != nil {
		return errors.Trace(err)
	}

	return nil
}

// setStage advances the negotiation stage, unless the Session was
// already torn down.
func (session *Session) setStage(stage sessionStage) {
	session.mutex.Lock()
	if session.stage != stageClosed {
		session.stage = stage
	}
	session.mutex.Unlock()
}

// setUpstream installs the upstream half, unless the Session was already
// torn down, in which case the conn is closed and ownership is not
// taken.
func (session *Session) setUpstream(conn transport.StreamConn) bool {
	session.mutex.Lock()
	if session.stage == stageClosed {
		session.mutex.Unlock()
		conn.Close()
		return false
	}
	session.upstream = conn
	session.mutex.Unlock()
	return true
}

// close tears down both halves exactly once and removes the Session from
// the registry. close may be called from any goroutine, including the
// registry's shutdown walk.
func (session *Session) close() {
	session.closeOnce.Do(func() {

		session.mutex.Lock()
		session.stage = stageClosed
		upstream := session.upstream
		session.mutex.Unlock()

		session.clientConn.Close()
		if upstream != nil {
			upstream.Close()
		}

		session.listener.sessionClosed(session)
	})
}

func targetPort(target socks.Addr) (int, error) {
	_, portStr, err := net.SplitHostPort(target.String())
	if err != nil {
		return 0, errors.Trace(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return port, nil
}
