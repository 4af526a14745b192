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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal"
	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/log"
)

// serverList collects repeatable -s flags.
type serverList []string

func (s *serverList) String() string {
	return fmt.Sprint(*s)
}

func (s *serverList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {

	// Define command-line parameters

	var serverHosts serverList
	flag.Var(&serverHosts, "s", "upstream server host (repeatable)")

	var serverPort int
	flag.IntVar(&serverPort, "p", 0, "upstream server port")

	var localAddress string
	flag.StringVar(&localAddress, "b", "", "local bind address")

	var localPort int
	flag.IntVar(&localPort, "l", 0, "local bind port")

	var password string
	flag.StringVar(&password, "k", "", "password")

	var method string
	flag.StringVar(&method, "m", "", "cipher method")

	var timeout int
	flag.IntVar(&timeout, "t", 0, "per-connection timeout in seconds")

	var pidFilename string
	flag.StringVar(&pidFilename, "f", "", "PID file")

	var interfaceName string
	flag.StringVar(&interfaceName, "i", "", "bind upstream sockets to specified interface")

	var user string
	flag.StringVar(&user, "a", "", "run as user (accepted for compatibility; not supported)")

	var udpRelay bool
	flag.BoolVar(&udpRelay, "u", false, "enable UDP relay")

	var verbose bool
	flag.BoolVar(&verbose, "v", false, "verbose logging")

	var configFilename string
	flag.StringVar(&configFilename, "c", "", "configuration input file")

	var fastOpen bool
	flag.BoolVar(&fastOpen, "fast-open", false, "enable TCP fast open")

	var aclFilename string
	flag.StringVar(&aclFilename, "acl", "", "access control list file")

	var nameserver string
	flag.StringVar(&nameserver, "nameserver", "", "DNS server for upstream resolution")

	flag.Parse()

	log.Init(os.Stderr, verbose)

	config := &sslocal.Config{
		LocalAddress: localAddress,
		LocalPort:    localPort,
		Password:     password,
		Method:       method,
		Timeout:      timeout,
		Interface:    interfaceName,
		FastOpen:     fastOpen,
		UDPRelay:     udpRelay,
		Verbose:      verbose,
		ACLPath:      aclFilename,
		Nameserver:   nameserver,
	}

	for _, host := range serverHosts {
		config.Servers = append(
			config.Servers,
			sslocal.ServerAddress{Host: host, Port: serverPort})
	}

	// Handle optional config file parameter; flag values take precedence
	// over config file values.

	var noFile uint64

	if configFilename != "" {

		contents, err := os.ReadFile(configFilename)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading configuration file: %s\n", err)
			os.Exit(1)
		}
		fileConfig, err := sslocal.LoadFileConfig(contents)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error processing configuration file: %s\n", err)
			os.Exit(1)
		}

		if len(config.Servers) == 0 {
			servers, err := fileConfig.ServerAddresses()
			if err != nil {
				fmt.Fprintf(os.Stderr, "error processing configuration file: %s\n", err)
				os.Exit(1)
			}
			config.Servers = servers
		}
		if config.LocalAddress == "" {
			config.LocalAddress = fileConfig.LocalAddress
		}
		if config.LocalPort == 0 {
			config.LocalPort = fileConfig.LocalPort
		}
		if config.Password == "" {
			config.Password = fileConfig.Password
		}
		if config.Method == "" {
			config.Method = fileConfig.Method
		}
		if config.Timeout == 0 {
			config.Timeout = fileConfig.Timeout
		}
		if !config.FastOpen {
			config.FastOpen = fileConfig.FastOpen
		}
		if config.Nameserver == "" {
			config.Nameserver = fileConfig.Nameserver
		}
		noFile = fileConfig.NoFile
	}

	if config.LocalPort == 0 {
		fmt.Fprintln(os.Stderr, "invalid configuration: missing local port")
		flag.Usage()
		os.Exit(1)
	}

	err := config.Commit()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err)
		flag.Usage()
		os.Exit(1)
	}

	if noFile > 0 {
		err = sslocal.SetNoFile(noFile)
		if err != nil {
			log.WithContext().Errorf("setting NOFILE failed: %s", err)
		} else {
			log.WithContext().Debugf("set NOFILE to %d", noFile)
		}
	}

	if pidFilename != "" {
		err = os.WriteFile(
			pidFilename, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error writing PID file: %s\n", err)
			os.Exit(1)
		}
		defer os.Remove(pidFilename)
	}

	if user != "" {
		log.WithContext().Warning(
			"running as another user is not supported; ignoring")
	}

	// Run until a system stop signal

	ctx, stop := signal.NotifyContext(
		context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sslocal.Run(ctx, config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %s\n", err)
		os.Exit(1)
	}
}
