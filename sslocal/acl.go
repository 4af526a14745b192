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
	"net"
	"os"
	"sort"
	"strings"

	"github.com/Psiphon-Labs/shadowsocks-local/sslocal/common/errors"
	"github.com/gobwas/glob"
)

// ACL is the access control list deciding which request destinations are
// contacted directly, bypassing the relay. The list is loaded once at
// startup and read-only thereafter.
//
// Each line of the list file is one rule: an IPv4 address, a CIDR
// subnet, a domain suffix, or a domain pattern containing the wildcards
// '*' or '?'. Blank lines and lines starting with '#' are ignored.
type ACL struct {
	ips     map[string]bool
	subnets subnetLookup
	domains map[string]bool
	globs   []glob.Glob
}

// LoadACL reads and parses an ACL file.
func LoadACL(path string) (*ACL, error) {

	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer file.Close()

	acl := &ACL{
		ips:     make(map[string]bool),
		domains: make(map[string]bool),
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if _, network, err := net.ParseCIDR(line); err == nil {
			acl.subnets = append(acl.subnets, *network)
			continue
		}

		if ip := net.ParseIP(line); ip != nil {
			acl.ips[ip.String()] = true
			continue
		}

		if strings.ContainsAny(line, "*?") {
			g, err := glob.Compile(strings.ToLower(line), '.')
			if err != nil {
				return nil, errors.Tracef("invalid rule: %s", line)
			}
			acl.globs = append(acl.globs, g)
			continue
		}

		acl.domains[strings.ToLower(line)] = true
	}
	err = scanner.Err()
	if err != nil {
		return nil, errors.Trace(err)
	}

	sort.Sort(acl.subnets)

	return acl, nil
}

// ContainsIP indicates whether the given IP address literal matches an
// address or subnet rule.
func (acl *ACL) ContainsIP(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if acl.ips[ip.String()] {
		return true
	}
	return acl.subnets.contains(ip)
}

// ContainsDomain indicates whether the given domain name matches a
// domain rule. A suffix rule matches the name itself and any subdomain
// of it.
func (acl *ACL) ContainsDomain(name string) bool {

	name = strings.ToLower(strings.TrimSuffix(name, "."))

	// Walk the name label by label so that "example.com" matches
	// "www.example.com".
	suffix := name
	for {
		if acl.domains[suffix] {
			return true
		}
		i := strings.Index(suffix, ".")
		if i == -1 {
			break
		}
		suffix = suffix[i+1:]
	}

	for _, g := range acl.globs {
		if g.Match(name) {
			return true
		}
	}

	return false
}

// subnetLookup provides lookup for IP addresses within a list of
// subnets, sorted for binary search.
type subnetLookup []net.IPNet

func (lookup subnetLookup) Len() int { return len(lookup) }

func (lookup subnetLookup) Swap(i, j int) {
	lookup[i], lookup[j] = lookup[j], lookup[i]
}

func (lookup subnetLookup) Less(i, j int) bool {
	return lessIP(lookup[i].IP, lookup[j].IP)
}

func lessIP(a, b net.IP) bool {
	a16, b16 := a.To16(), b.To16()
	for i := range a16 {
		if a16[i] != b16[i] {
			return a16[i] < b16[i]
		}
	}
	return false
}

func (lookup subnetLookup) contains(ip net.IP) bool {

	// For an ascending list of non-overlapping subnets, the candidate
	// subnet is the one with the largest base address not above ip.

	index := sort.Search(len(lookup), func(i int) bool {
		return lessIP(ip, lookup[i].IP)
	})
	return index > 0 && lookup[index-1].Contains(ip)
}
