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

package httpmount

import (
	"crypto/tls"
	"net/url"
)

const (
	LocalhostCert = localhostCert
	LocalhostKey  = localhostKey
)

var (
	WithClock         = withClock
	Classify          = classify
	ParseMountPattern = parseMountPattern
)

type OriginPool = originPool

func (k Kind) Drains() bool {
	return k.drains()
}

// TransportFor returns the transport mounted for rawURL.
func (c *Client) TransportFor(rawURL string) Transport {
	dest, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	transport, _ := c.table.resolve(dest)
	return transport
}

func exchangerOf(transport Transport) *exchanger {
	switch transport := transport.(type) {
	case *directTransport:
		return transport.exchanger
	case *socksTransport:
		return transport.exchanger
	default:
		return nil
	}
}

// TLSConfigOf returns the TLS configuration of transport, or nil for a
// transport that never connects.
func TLSConfigOf(transport Transport) *tls.Config {
	if ex := exchangerOf(transport); ex != nil {
		return ex.tlsConfig
	}
	return nil
}

// PoolOf returns the connection pool of transport.
func PoolOf(transport Transport) *OriginPool {
	if ex := exchangerOf(transport); ex != nil {
		return ex.pool
	}
	return nil
}

func (p *originPool) Len() int {
	return p.len()
}

// Dialed returns the number of connections opened for origin by its
// current leaf, or zero if it has none.
func (p *originPool) Dialed(origin Origin) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.leaves[origin]; ok {
		return existing.dialed.Load()
	}
	return 0
}

// OpenConns returns the number of open connections of origin's current
// leaf.
func (p *originPool) OpenConns(origin Origin) int {
	p.mu.Lock()
	existing, ok := p.leaves[origin]
	p.mu.Unlock()
	if !ok {
		return 0
	}
	return existing.openConns()
}

func (m mountPattern) Matches(rawURL string) bool {
	dest, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return m.matches(dest)
}
