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

//go:build unix

package sslocal

import (
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"golang.org/x/sys/unix"
)

// SetNoFile raises the file descriptor limit. Each Session consumes two
// descriptors.
func SetNoFile(limit uint64) error {
	rlimit := &unix.Rlimit{Cur: limit, Max: limit}
	err := unix.Setrlimit(unix.RLIMIT_NOFILE, rlimit)
	if err != nil {
		return errors.Trace(err)
	}
	return nil
}
