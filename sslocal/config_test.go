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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileConfig(t *testing.T) {

	contents := []byte(`{
		"server": "relay1.example.com,relay2.example.com:9000",
		"server_port": 8388,
		"local_address": "127.0.0.1",
		"local_port": 1080,
		"password": "secret",
		"method": "aes-256-gcm",
		"timeout": 60,
		"fast_open": true,
		"nofile": 4096
	}`)

	fileConfig, err := LoadFileConfig(contents)
	require.NoError(t, err)

	servers, err := fileConfig.ServerAddresses()
	require.NoError(t, err)
	require.Equal(t,
		[]ServerAddress{
			{Host: "relay1.example.com", Port: 8388},
			{Host: "relay2.example.com", Port: 9000},
		},
		servers)

	require.Equal(t, "127.0.0.1", fileConfig.LocalAddress)
	require.Equal(t, 1080, fileConfig.LocalPort)
	require.Equal(t, "secret", fileConfig.Password)
	require.Equal(t, "aes-256-gcm", fileConfig.Method)
	require.Equal(t, 60, fileConfig.Timeout)
	require.True(t, fileConfig.FastOpen)
	require.Equal(t, uint64(4096), fileConfig.NoFile)
}

func TestLoadFileConfigServerList(t *testing.T) {

	contents := []byte(`{
		"server": ["a.example.com", "b.example.com"],
		"server_port": 8388
	}`)

	fileConfig, err := LoadFileConfig(contents)
	require.NoError(t, err)

	servers, err := fileConfig.ServerAddresses()
	require.NoError(t, err)
	require.Len(t, servers, 2)
	require.Equal(t, ServerAddress{Host: "a.example.com", Port: 8388}, servers[0])
}

func TestCommitDefaults(t *testing.T) {

	config := &Config{
		Servers:   []ServerAddress{{Host: "relay.example.com", Port: 8388}},
		LocalPort: 1080,
		Password:  "secret",
	}
	err := config.Commit()
	require.NoError(t, err)

	require.Equal(t, DEFAULT_LOCAL_ADDRESS, config.LocalAddress)
	require.Equal(t, DEFAULT_METHOD, config.Method)
	require.Equal(t, DEFAULT_TIMEOUT_SECONDS, config.Timeout)
}

func TestCommitValidation(t *testing.T) {

	valid := func() *Config {
		return &Config{
			Servers:   []ServerAddress{{Host: "relay.example.com", Port: 8388}},
			LocalPort: 1080,
			Password:  "secret",
		}
	}

	config := valid()
	config.Servers = nil
	require.Error(t, config.Commit())

	config = valid()
	config.Servers[0].Port = 0
	require.Error(t, config.Commit())

	config = valid()
	config.Servers[0].Host = ""
	require.Error(t, config.Commit())

	config = valid()
	config.LocalPort = -1
	require.Error(t, config.Commit())

	config = valid()
	config.LocalPort = 70000
	require.Error(t, config.Commit())

	config = valid()
	config.Password = ""
	require.Error(t, config.Commit())
}

func TestUncommittedConfig(t *testing.T) {

	config := &Config{
		Servers:   []ServerAddress{{Host: "relay.example.com", Port: 8388}},
		LocalPort: 1080,
		Password:  "secret",
	}

	_, err := NewListener(config)
	require.Error(t, err)
}
