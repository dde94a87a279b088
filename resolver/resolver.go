// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package resolver

import (
	"context"
	"errors"
	"net"
)

// AddressFamilyAffinity is an option that allows control over the preference
// for which addresses to consider when resolving, based on their address
// family.
type AddressFamilyAffinity int

const (
	// AllFamilies will result in all addresses being used, regardless of
	// their address family.
	AllFamilies AddressFamilyAffinity = iota

	// PreferIPv4 will result in only IPv4 addresses being used, if any
	// IPv4 addresses are present. If no IPv4 addresses are resolved, then
	// all addresses will be used.
	PreferIPv4

	// PreferIPv6 will result in only IPv6 addresses being used, if any
	// IPv6 addresses are present. If no IPv6 addresses are resolved, then
	// all addresses will be used.
	PreferIPv6
)

var errNoAddresses = errors.New("resolver returned no addresses")

// Resolver resolves a "host:port" destination into one or more
// "ip:port" addresses.
type Resolver interface {
	// ResolveOnce resolves the host portion of hostPort, returning the
	// resolved addresses joined with the original port. A failed lookup is
	// reported as a *net.DNSError.
	ResolveOnce(ctx context.Context, hostPort string) ([]string, error)
}

// NewDNSResolver creates a resolver that looks names up with the given
// net.Resolver. The network must be one of "ip", "ip4" or "ip6". The
// affinity value can be used to prefer either IPv4 or IPv6 addresses only,
// in cases where there are both A and AAAA records.
func NewDNSResolver(
	resolver *net.Resolver,
	network string,
	affinity AddressFamilyAffinity,
) Resolver {
	return &dnsResolver{
		resolver: resolver,
		network:  network,
		affinity: affinity,
	}
}

type dnsResolver struct {
	resolver *net.Resolver
	network  string
	affinity AddressFamilyAffinity
}

func (r *dnsResolver) ResolveOnce(ctx context.Context, hostPort string) ([]string, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, err
	}
	addresses, err := r.resolver.LookupNetIP(ctx, r.network, host)
	if err != nil {
		return nil, err
	}
	switch r.affinity {
	case AllFamilies:
		break
	case PreferIPv4:
		ip4Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is4() || address.Is4In6() {
				ip4Addresses = append(ip4Addresses, address)
			}
		}
		if len(ip4Addresses) > 0 {
			addresses = ip4Addresses
		}
	case PreferIPv6:
		ip6Addresses := addresses[:0]
		for _, address := range addresses {
			if address.Is6() && !address.Is4In6() {
				ip6Addresses = append(ip6Addresses, address)
			}
		}
		if len(ip6Addresses) > 0 {
			addresses = ip6Addresses
		}
	}
	if len(addresses) == 0 {
		return nil, &net.DNSError{Err: errNoAddresses.Error(), Name: host, IsNotFound: true}
	}
	result := make([]string, len(addresses))
	for i, address := range addresses {
		result[i] = net.JoinHostPort(address.Unmap().String(), port)
	}
	return result, nil
}
