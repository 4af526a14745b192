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
	"time"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	lrucache "github.com/cognusion/go-cache-lru"
	"github.com/miekg/dns"
)

const (
	resolverCacheTTL        = 1 * time.Minute
	resolverCacheMaxEntries = 1024
)

// Resolver performs the synchronous connect-time address resolution for
// upstream and direct destinations. Resolutions are cached with a short
// TTL.
//
// When an explicit nameserver is configured, queries are sent to it
// directly; otherwise the system resolver is used.
type Resolver struct {
	nameserver string
	timeout    time.Duration
	cache      *lrucache.Cache
}

// NewResolver initializes a new Resolver. nameserver may be "", or a
// DNS server address with an optional port (53 assumed).
func NewResolver(nameserver string, timeout time.Duration) *Resolver {
	if nameserver != "" {
		if _, _, err := net.SplitHostPort(nameserver); err != nil {
			nameserver = net.JoinHostPort(nameserver, "53")
		}
	}
	return &Resolver{
		nameserver: nameserver,
		timeout:    timeout,
		cache: lrucache.NewWithLRU(
			resolverCacheTTL,
			1*time.Minute,
			resolverCacheMaxEntries),
	}
}

// ResolveIP resolves a hostname to one IP address. IP address literals
// are returned directly.
func (resolver *Resolver) ResolveIP(host string) (net.IP, error) {

	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}

	if cached, ok := resolver.cache.Get(host); ok {
		return cached.(net.IP), nil
	}

	var ip net.IP
	var err error
	if resolver.nameserver != "" {
		ip, err = resolver.queryNameserver(host)
	} else {
		ip, err = resolver.querySystem(host)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}

	resolver.cache.Set(host, ip, 0)

	return ip, nil
}

func (resolver *Resolver) querySystem(host string) (net.IP, error) {

	ctx, cancel := context.WithTimeout(context.Background(), resolver.timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(addrs) < 1 {
		return nil, errors.Tracef("no IP address for %s", host)
	}
	return addrs[0].IP, nil
}

func (resolver *Resolver) queryNameserver(host string) (net.IP, error) {

	client := &dns.Client{Timeout: resolver.timeout}

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {

		request := new(dns.Msg)
		request.SetQuestion(dns.Fqdn(host), qtype)
		request.RecursionDesired = true

		response, _, err := client.Exchange(request, resolver.nameserver)
		if err != nil {
			return nil, errors.Trace(err)
		}

		for _, answer := range response.Answer {
			switch record := answer.(type) {
			case *dns.A:
				return record.A, nil
			case *dns.AAAA:
				return record.AAAA, nil
			}
		}
	}

	return nil, errors.Tracef("no IP address for %s", host)
}
