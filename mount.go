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
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// schemeAll is the pattern scheme that matches any URL scheme.
const schemeAll = "all"

// mountPattern is a parsed mount pattern of the form
// "scheme://[host][:port]". The scheme "all" matches every scheme. A host
// of "*.example.com" matches strict subdomains of example.com only, while
// "*example.com" matches example.com and all of its subdomains.
type mountPattern struct {
	raw    string
	scheme string // empty matches any scheme
	host   string // empty matches any host
	port   int    // zero matches any port
}

func parseMountPattern(raw string) (mountPattern, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok || scheme == "" {
		return mountPattern{}, fmt.Errorf("invalid mount pattern %q: expecting scheme://[host][:port]", raw)
	}
	pattern := mountPattern{raw: raw, scheme: strings.ToLower(scheme)}
	if pattern.scheme == schemeAll {
		pattern.scheme = ""
	}
	rest = strings.TrimSuffix(rest, "/")
	if strings.Contains(rest, "/") {
		return mountPattern{}, fmt.Errorf("invalid mount pattern %q: paths are not supported", raw)
	}
	host := rest
	if idx := strings.LastIndexByte(rest, ':'); idx >= 0 && !strings.HasSuffix(rest, "]") {
		port, err := strconv.Atoi(rest[idx+1:])
		if err != nil || port <= 0 || port > 65535 {
			return mountPattern{}, fmt.Errorf("invalid mount pattern %q: bad port", raw)
		}
		host, pattern.port = rest[:idx], port
	}
	pattern.host = strings.ToLower(strings.Trim(host, "[]"))
	return pattern, nil
}

func (p mountPattern) matches(dest *url.URL) bool {
	origin := OriginFromURL(dest)
	if p.scheme != "" && p.scheme != origin.Scheme {
		return false
	}
	switch {
	case p.host == "":
	case strings.HasPrefix(p.host, "*."):
		if !strings.HasSuffix(origin.Host, p.host[1:]) {
			return false
		}
	case strings.HasPrefix(p.host, "*"):
		domain := p.host[1:]
		if origin.Host != domain && !strings.HasSuffix(origin.Host, "."+domain) {
			return false
		}
	default:
		if origin.Host != p.host {
			return false
		}
	}
	return p.port == 0 || p.port == origin.Port
}

// moreSpecific orders patterns: a pattern with a port wins, then the one
// with the longer host, then the one with a scheme.
func (p mountPattern) moreSpecific(other mountPattern) bool {
	if (p.port != 0) != (other.port != 0) {
		return p.port != 0
	}
	if len(p.host) != len(other.host) {
		return len(p.host) > len(other.host)
	}
	if len(p.scheme) != len(other.scheme) {
		return len(p.scheme) > len(other.scheme)
	}
	return p.raw < other.raw
}

type mount struct {
	pattern   mountPattern
	transport Transport
}

// mountTable maps URLs to transports. It is read-only once built.
type mountTable struct {
	mounts   []mount
	fallback Transport
	// blocked, when set, is consulted before any mount regardless of how
	// specific the other patterns are.
	blocked *mount
}

func newMountTable(mounts []mount, fallback Transport) *mountTable {
	sorted := make([]mount, len(mounts))
	copy(sorted, mounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].pattern.moreSpecific(sorted[j].pattern)
	})
	return &mountTable{mounts: sorted, fallback: fallback}
}

// block routes every URL matching pattern to transport ahead of all mounts.
func (m *mountTable) block(pattern mountPattern, transport Transport) {
	m.blocked = &mount{pattern: pattern, transport: transport}
}

// resolve returns the transport of the most specific matching mount, or the
// fallback. The returned pattern is empty for the fallback.
func (m *mountTable) resolve(dest *url.URL) (Transport, string) {
	if m.blocked != nil && m.blocked.pattern.matches(dest) {
		return m.blocked.transport, m.blocked.pattern.raw
	}
	for _, candidate := range m.mounts {
		if candidate.pattern.matches(dest) {
			return candidate.transport, candidate.pattern.raw
		}
	}
	return m.fallback, ""
}

// transports returns every distinct transport of the table.
func (m *mountTable) transports() []Transport {
	all := make([]Transport, 0, len(m.mounts)+2)
	for _, candidate := range m.mounts {
		all = append(all, candidate.transport)
	}
	if m.blocked != nil {
		all = append(all, m.blocked.transport)
	}
	return append(all, m.fallback)
}
