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
	"net"
	"os"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"golang.org/x/sys/unix"
)

const fastOpenSupported = true

// dialFastOpen prepares an outbound TCP connection whose handshake is
// deferred until the first Write, which issues the connect atomically
// with the first data segment (TCP Fast Open). The first Write returns
// errFastOpenUnsupported when the kernel reports no TFO support.
func dialFastOpen(
	raddr *net.TCPAddr,
	device string,
	connectTimeout time.Duration) (transport.StreamConn, error) {

	family := unix.AF_INET6
	var sockaddr unix.Sockaddr
	if ip4 := raddr.IP.To4(); ip4 != nil {
		family = unix.AF_INET
		sa := &unix.SockaddrInet4{Port: raddr.Port}
		copy(sa.Addr[:], ip4)
		sockaddr = sa
	} else {
		sa := &unix.SockaddrInet6{Port: raddr.Port}
		copy(sa.Addr[:], raddr.IP.To16())
		sockaddr = sa
	}

	fd, err := unix.Socket(
		family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if device != "" {
		err = unix.BindToDevice(fd, device)
		if err != nil {
			unix.Close(fd)
			return nil, errors.Trace(err)
		}
	}

	// The socket is blocking, so the connect timer is expressed as a
	// send timeout on the connect-with-data call.
	timeval := unix.NsecToTimeval(connectTimeout.Nanoseconds())
	err = unix.SetsockoptTimeval(
		fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &timeval)
	if err != nil {
		unix.Close(fd)
		return nil, errors.Trace(err)
	}

	return &fastOpenConn{
		raddr:          raddr,
		sockaddr:       sockaddr,
		connectTimeout: connectTimeout,
		fd:             fd,
		established:    make(chan struct{}),
		closed:         make(chan struct{}),
	}, nil
}

// fastOpenConn is a transport.StreamConn which is not connected until
// its first Write, which sends its data in the TCP Fast Open handshake.
// Reads block until the connection is established.
type fastOpenConn struct {
	raddr          *net.TCPAddr
	sockaddr       unix.Sockaddr
	connectTimeout time.Duration

	mutex         sync.Mutex
	fd            int
	conn          net.Conn
	readDeadline  time.Time
	writeDeadline time.Time

	established chan struct{}
	closed      chan struct{}
	closeOnce   sync.Once
}

func (conn *fastOpenConn) Write(b []byte) (int, error) {

	conn.mutex.Lock()

	if conn.conn != nil {
		established := conn.conn
		conn.mutex.Unlock()
		return established.Write(b)
	}

	select {
	case <-conn.closed:
		conn.mutex.Unlock()
		return 0, net.ErrClosed
	default:
	}

	n, err := unix.SendmsgN(conn.fd, b, nil, conn.sockaddr, unix.MSG_FASTOPEN)

	if err == unix.EINPROGRESS {
		// No fast open cookie for this peer: the SYN carried no data
		// and the connect proceeds in the background. Wait until
		// writable, then send everything normally.
		n = 0
		err = conn.waitWritableLocked()
	}

	if err != nil {
		conn.mutex.Unlock()
		if err == unix.ENOTCONN || err == unix.EOPNOTSUPP {
			return 0, errFastOpenUnsupported
		}
		return 0, errors.Trace(err)
	}

	err = conn.establishLocked()
	established := conn.conn
	conn.mutex.Unlock()
	if err != nil {
		return n, errors.Trace(err)
	}

	for n < len(b) {
		written, err := established.Write(b[n:])
		n += written
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// waitWritableLocked waits for an in-progress connect to complete and
// reports its outcome.
func (conn *fastOpenConn) waitWritableLocked() error {

	pollFds := []unix.PollFd{{Fd: int32(conn.fd), Events: unix.POLLOUT}}
	ready, err := unix.Poll(pollFds, int(conn.connectTimeout/time.Millisecond))
	if err != nil {
		return errors.Trace(err)
	}
	if ready == 0 {
		return errors.Trace(os.ErrDeadlineExceeded)
	}

	socketErr, err := unix.GetsockoptInt(
		conn.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Trace(err)
	}
	if socketErr != 0 {
		return errors.Trace(unix.Errno(socketErr))
	}
	return nil
}

// establishLocked converts the connected socket into a net.Conn and
// unblocks pending reads.
func (conn *fastOpenConn) establishLocked() error {

	file := os.NewFile(uintptr(conn.fd), "")
	netConn, err := net.FileConn(file)
	// file.Close() closes the original descriptor; net.FileConn
	// duplicated it.
	file.Close()
	conn.fd = -1
	if err != nil {
		return errors.Trace(err)
	}

	conn.conn = netConn
	if !conn.readDeadline.IsZero() {
		netConn.SetReadDeadline(conn.readDeadline)
	}
	if !conn.writeDeadline.IsZero() {
		netConn.SetWriteDeadline(conn.writeDeadline)
	}
	close(conn.established)
	return nil
}

func (conn *fastOpenConn) Read(b []byte) (int, error) {

	conn.mutex.Lock()
	established := conn.conn
	deadline := conn.readDeadline
	conn.mutex.Unlock()

	if established != nil {
		return established.Read(b)
	}

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-conn.established:
		conn.mutex.Lock()
		established = conn.conn
		conn.mutex.Unlock()
		return established.Read(b)
	case <-conn.closed:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, os.ErrDeadlineExceeded
	}
}

func (conn *fastOpenConn) Close() error {
	conn.closeOnce.Do(func() {
		close(conn.closed)
		conn.mutex.Lock()
		if conn.conn != nil {
			conn.conn.Close()
		} else if conn.fd >= 0 {
			unix.Close(conn.fd)
			conn.fd = -1
		}
		conn.mutex.Unlock()
	})
	return nil
}

func (conn *fastOpenConn) CloseRead() error {
	if tcpConn, ok := conn.establishedTCPConn(); ok {
		return tcpConn.CloseRead()
	}
	return errors.TraceNew("not connected")
}

func (conn *fastOpenConn) CloseWrite() error {
	if tcpConn, ok := conn.establishedTCPConn(); ok {
		return tcpConn.CloseWrite()
	}
	return errors.TraceNew("not connected")
}

func (conn *fastOpenConn) establishedTCPConn() (*net.TCPConn, bool) {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	tcpConn, ok := conn.conn.(*net.TCPConn)
	return tcpConn, ok
}

func (conn *fastOpenConn) LocalAddr() net.Addr {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	if conn.conn != nil {
		return conn.conn.LocalAddr()
	}
	return nil
}

func (conn *fastOpenConn) RemoteAddr() net.Addr {
	return conn.raddr
}

func (conn *fastOpenConn) SetDeadline(t time.Time) error {
	err := conn.SetReadDeadline(t)
	if err == nil {
		err = conn.SetWriteDeadline(t)
	}
	return err
}

func (conn *fastOpenConn) SetReadDeadline(t time.Time) error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.readDeadline = t
	if conn.conn != nil {
		return conn.conn.SetReadDeadline(t)
	}
	return nil
}

func (conn *fastOpenConn) SetWriteDeadline(t time.Time) error {
	conn.mutex.Lock()
	defer conn.mutex.Unlock()
	conn.writeDeadline = t
	if conn.conn != nil {
		return conn.conn.SetWriteDeadline(t)
	}
	return nil
}
