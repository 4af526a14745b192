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
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/log"
)

// streamBufferSize is the per-direction relay buffer size. A partial
// write blocks its relay direction until drained, so in-flight data is
// bounded by two buffers per Session.
const streamBufferSize = 2048

// relay runs the full-duplex streaming stage. Bytes read from the client
// are written to the upstream half, where the cipher binding (when
// present) encrypts them; bytes read from the upstream half arrive
// decrypted and are written to the client. EOF or an I/O error on either
// side tears down the whole Session; half-close is not propagated.
func (session *Session) relay() {

	waitGroup := new(sync.WaitGroup)
	waitGroup.Add(1)
	go func() {
		defer waitGroup.Done()
		err := session.copyClientToUpstream()
		session.logRelayError("client", err)
		session.close()
	}()

	err := session.copyUpstreamToClient()
	session.logRelayError("upstream", err)
	session.close()

	waitGroup.Wait()
}

func (session *Session) copyClientToUpstream() error {

	buffer := make([]byte, streamBufferSize)
	for {
		n, err := session.clientReader.Read(buffer)
		if n > 0 {
			_, writeErr := session.upstream.Write(buffer[:n])
			if writeErr != nil {
				return writeErr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (session *Session) copyUpstreamToClient() error {

	idleTimeout := session.listener.config.idleTimeout()

	buffer := make([]byte, streamBufferSize)
	for {
		// Each received byte resets the idle window.
		err := session.upstream.SetReadDeadline(time.Now().Add(idleTimeout))
		if err != nil {
			return err
		}

		n, err := session.upstream.Read(buffer)
		if n > 0 {
			_, writeErr := session.clientConn.Write(buffer[:n])
			if writeErr != nil {
				return writeErr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (session *Session) logRelayError(direction string, err error) {
	if err == nil || isClosedError(err) {
		return
	}
	if isTimeoutError(err) {
		log.WithContext().Debug("session timeout")
		return
	}
	if isCipherError(err) {
		log.WithContext().Error("invalid password or cipher")
		return
	}
	log.WithContextFields(
		log.Fields{"direction": direction}).Errorf("relay error: %s", err)
}

// isClosedError indicates a clean EOF or an error caused by this
// Session's own teardown closing the conn under a blocked I/O call.
func isClosedError(err error) bool {
	if err == nil {
		return false
	}
	if std_errors.Is(err, io.EOF) ||
		std_errors.Is(err, io.ErrUnexpectedEOF) ||
		std_errors.Is(err, net.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

func isTimeoutError(err error) bool {
	if std_errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return std_errors.As(err, &netErr) && netErr.Timeout()
}

// isCipherError indicates a decrypt failure on the upstream receive
// path, which is what a wrong password or mismatched cipher method looks
// like.
func isCipherError(err error) bool {
	message := err.Error()
	return strings.Contains(message, "failed to decrypt") ||
		strings.Contains(message, "message authentication failed")
}
