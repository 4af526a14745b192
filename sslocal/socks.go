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
	"encoding/binary"
	std_errors "errors"
	"io"
	"net"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"github.com/shadowsocks/go-shadowsocks2/socks"
)

const (
	socksVersion = 5

	socksReplySucceeded           = 0
	socksReplyCommandNotSupported = 7
)

// socksRequest is the outcome of a completed SOCKS5 negotiation.
type socksRequest struct {

	// target holds the request destination encoded as
	// [ATYP][ADDR][PORT], which is byte-identical to the shadowsocks
	// address header sent as the first bytes of the upstream stream.
	target socks.Addr

	// payload holds any application bytes the client coalesced with the
	// SOCKS5 request. They are appended to the upstream send stream
	// immediately after the address header.
	payload []byte
}

// errUDPAssociateDone indicates a UDP_ASSOCIATE request was accepted as a
// stub and replied to; the session carries no TCP stream and is closed.
var errUDPAssociateDone = std_errors.New("udp associate stub complete")

// negotiate runs the SOCKS5 method select and request stages on the
// client connection.
//
// Only the "no authentication" method is offered back, regardless of the
// methods the client offers; the negotiation is a local trust boundary.
// Only CONNECT is genuinely supported. UDP_ASSOCIATE, when the UDP relay
// is enabled, is accepted as a stub: the reply reports the bound local
// address of the client socket and negotiate returns
// errUDPAssociateDone. Any other command is refused with a
// CMD_NOT_SUPPORTED reply.
func (session *Session) negotiate() (*socksRequest, error) {

	// Stage: method select.

	var methodSelect [2]byte
	_, err := io.ReadFull(session.clientReader, methodSelect[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	methodCount := int(methodSelect[1])
	if methodCount > 0 {
		_, err = session.clientReader.Discard(methodCount)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	_, err = session.clientConn.Write([]byte{socksVersion, 0})
	if err != nil {
		return nil, errors.Trace(err)
	}

	session.setStage(stageRequest)

	// Stage: request.

	var requestHeader [3]byte
	_, err = io.ReadFull(session.clientReader, requestHeader[:])
	if err != nil {
		return nil, errors.Trace(err)
	}

	cmd := requestHeader[1]

	udpAssociate :=
		cmd == socks.CmdUDPAssociate && session.listener.config.UDPRelay

	if cmd != socks.CmdConnect && !udpAssociate {

		// Best-effort error reply; the session closes regardless.
		_, _ = session.clientConn.Write(
			[]byte{socksVersion, socksReplyCommandNotSupported, 0, socks.AtypIPv4})
		return nil, errors.Tracef("unsupported cmd: %d", cmd)
	}

	target, err := socks.ReadAddr(session.clientReader)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if udpAssociate {
		err = session.sendSocksReply(session.clientConn.LocalAddr())
		if err != nil {
			return nil, errors.Trace(err)
		}
		return nil, errUDPAssociateDone
	}

	// Any bytes the client sent after the request are carried over so
	// that they travel in the first upstream segment.
	var payload []byte
	if buffered := session.clientReader.Buffered(); buffered > 0 {
		payload = make([]byte, buffered)
		_, err = io.ReadFull(session.clientReader, payload)
		if err != nil {
			return nil, errors.Trace(err)
		}
	}

	return &socksRequest{
		target:  target,
		payload: payload,
	}, nil
}

// sendSocksReply sends a SOCKS5 success reply. The bound address is
// reported as IPv4; a nil addr is reported as all zeros, which is the
// reply sent for CONNECT before any upstream outcome is known. A
// non-IPv4 addr is reported with a zero address and its own port.
func (session *Session) sendSocksReply(addr net.Addr) error {

	reply := make([]byte, 10)
	reply[0] = socksVersion
	reply[1] = socksReplySucceeded
	reply[3] = socks.AtypIPv4

	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		if ip4 := tcpAddr.IP.To4(); ip4 != nil {
			copy(reply[4:8], ip4)
		}
		binary.BigEndian.PutUint16(reply[8:10], uint16(tcpAddr.Port))
	}

	n, err := session.clientConn.Write(reply)
	if err == nil && n < len(reply) {
		err = io.ErrShortWrite
	}
	if err != nil {
		return errors.TraceMsg(err, "failed to send reply")
	}
	return nil
}

// targetHost splits a request target into its host and whether the
// target is a domain name or an IP literal.
func targetHost(target socks.Addr) (host string, isDomain bool) {
	host, _, err := net.SplitHostPort(target.String())
	if err != nil {
		return "", false
	}
	return host, target[0] == socks.AtypDomainName
}
