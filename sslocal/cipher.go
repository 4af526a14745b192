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
	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/transport/shadowsocks"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
)

// Crypter holds the encryption key derived once at startup from the
// configured password and cipher method. Per-Session encrypt and decrypt
// stream contexts are created from this key by WrapConn.
type Crypter struct {
	key *shadowsocks.EncryptionKey
}

// NewCrypter derives the shared encryption key. The method name may be
// either the shadowsocks alias ("chacha20-ietf-poly1305", "aes-256-gcm",
// ...) or the IETF AEAD name.
func NewCrypter(method, password string) (*Crypter, error) {
	key, err := shadowsocks.NewEncryptionKey(method, password)
	if err != nil {
		return nil, errors.TraceMsg(err, "shadowsocks.NewEncryptionKey failed")
	}
	return &Crypter{key: key}, nil
}

// WrapConn wraps an upstream conn with new encrypt and decrypt stream
// contexts for one Session. The returned writer encrypts and frames
// everything written to the conn; its LazyWrite queues the shadowsocks
// address header and any coalesced payload so that they travel in the
// first sealed segment. The returned conn decrypts everything read.
func (crypter *Crypter) WrapConn(
	conn transport.StreamConn) (transport.StreamConn, *shadowsocks.Writer) {

	ssw := shadowsocks.NewWriter(conn, crypter.key)
	ssr := shadowsocks.NewReader(conn, crypter.key)
	return transport.WrapConn(conn, ssr, ssw), ssw
}
