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
	"maps"
	"time"
)

// RouteConfig configures the transports of a Client. The Factory copies it,
// so changes made after NewClient returns have no effect on the Client.
type RouteConfig struct {
	// EnableHTTP allows plain-text http:// requests. When false, http://
	// is mounted to a transport that rejects every request.
	EnableHTTP bool
	// Verify controls verification of server certificates.
	Verify Verify
	// EnableHTTP2 allows HTTP/2 to be negotiated with TLS servers.
	EnableHTTP2 bool
	// MaxConnections limits the number of connections per origin. Zero
	// means no limit.
	MaxConnections int
	// MaxKeepalive limits the number of idle connections kept per origin.
	// Zero uses the net/http default.
	MaxKeepalive int
	// KeepaliveExpiry is the maximum idle duration of a pooled
	// connection. Zero keeps idle connections open indefinitely.
	KeepaliveExpiry time.Duration
	// Proxies maps mount patterns, such as "all://", "https://" or
	// "https://*.example.com", to proxy URLs. SOCKS proxies use the
	// socks4, socks5 or socks5h schemes; anything else is used as an
	// HTTP proxy.
	Proxies map[string]string
	// LocalAddress, if set, is the source IP of outgoing connections.
	LocalAddress string
	// Retries is the number of additional attempts to make when a
	// connection cannot be established.
	Retries int
	// MaxRedirects is the number of redirects to follow. Zero disables
	// redirects.
	MaxRedirects int
}

func (c RouteConfig) clone() RouteConfig {
	c.Proxies = maps.Clone(c.Proxies)
	return c
}

// Verify describes how server certificates are verified. The zero value
// verifies against the system roots.
type Verify struct {
	disabled bool
	certPath string
}

// VerifyOn verifies certificates against the system roots.
func VerifyOn() Verify {
	return Verify{}
}

// VerifyOff disables certificate verification.
func VerifyOff() Verify {
	return Verify{disabled: true}
}

// VerifyCert verifies certificates against the PEM bundle at path.
func VerifyCert(path string) Verify {
	return Verify{certPath: path}
}

// Enabled reports whether certificates are verified.
func (v Verify) Enabled() bool {
	return !v.disabled
}

// CertPath returns the CA bundle path, if one was given.
func (v Verify) CertPath() string {
	return v.certPath
}

func (v Verify) String() string {
	switch {
	case v.disabled:
		return "false"
	case v.certPath != "":
		return v.certPath
	default:
		return "true"
	}
}
