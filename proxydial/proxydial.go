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

package proxydial

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/bufbuild/httpmount/resolver"
	"golang.org/x/net/proxy"
	"h12.io/socks"
)

const (
	schemeSOCKS4  = "socks4"
	schemeSOCKS5  = "socks5"
	schemeSOCKS5H = "socks5h"

	defaultPort = "1080"
)

var errUnsupportedScheme = errors.New("unsupported SOCKS proxy scheme")

// DialFunc establishes a connection to addr, like [net.Dialer.DialContext].
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Error reports a failure to connect through a proxy: the proxy could not
// be reached, refused the handshake or the credentials, or could not reach
// the destination.
type Error struct {
	Proxy string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("proxy %s: %v", e.Proxy, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsSOCKS reports whether rawURL names a SOCKS proxy.
func IsSOCKS(rawURL string) bool {
	scheme, _, ok := strings.Cut(rawURL, "://")
	if !ok {
		return false
	}
	switch strings.ToLower(scheme) {
	case schemeSOCKS4, schemeSOCKS5, schemeSOCKS5H:
		return true
	default:
		return false
	}
}

// Endpoint is a parsed SOCKS proxy URL.
type Endpoint struct {
	// Scheme is either "socks4" or "socks5"; "socks5h" is folded into
	// "socks5" with RDNS set.
	Scheme string
	// Address is the "host:port" of the proxy.
	Address  string
	Username string
	Password string
	// RDNS is true when destination names are resolved by the proxy
	// instead of by the client.
	RDNS bool
}

// ParseURL parses a socks4://, socks5:// or socks5h:// proxy URL.
func ParseURL(rawURL string) (Endpoint, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid proxy URL: %w", err)
	}
	var endpoint Endpoint
	switch scheme := strings.ToLower(parsed.Scheme); scheme {
	case schemeSOCKS5H:
		endpoint.Scheme = schemeSOCKS5
		endpoint.RDNS = true
	case schemeSOCKS5, schemeSOCKS4:
		endpoint.Scheme = scheme
	default:
		return Endpoint{}, fmt.Errorf("%w %q", errUnsupportedScheme, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("proxy URL %q has no host", rawURL)
	}
	port := parsed.Port()
	if port == "" {
		port = defaultPort
	}
	endpoint.Address = net.JoinHostPort(parsed.Hostname(), port)
	if parsed.User != nil {
		endpoint.Username = parsed.User.Username()
		endpoint.Password, _ = parsed.User.Password()
	}
	return endpoint, nil
}

// URL returns the endpoint as a URL, using the rewritten scheme. Credentials
// are included.
func (e Endpoint) URL() string {
	u := url.URL{Scheme: e.Scheme, Host: e.Address}
	switch {
	case e.Password != "":
		u.User = url.UserPassword(e.Username, e.Password)
	case e.Username != "":
		u.User = url.User(e.Username)
	}
	return u.String()
}

// Dialer returns a function that dials destinations through the proxy.
// Connections to the proxy itself are made with forward. Unless RDNS is set,
// destination names are resolved with res first; resolution failures are
// returned as is and are not proxy errors.
func (e Endpoint) Dialer(forward *net.Dialer, res resolver.Resolver) (DialFunc, error) {
	if forward == nil {
		forward = &net.Dialer{}
	}
	if res == nil {
		res = resolver.NewDNSResolver(net.DefaultResolver, "ip", resolver.PreferIPv4)
	}
	var dial DialFunc
	switch e.Scheme {
	case schemeSOCKS5:
		var auth *proxy.Auth
		if e.Username != "" {
			auth = &proxy.Auth{User: e.Username, Password: e.Password}
		}
		dialer, err := proxy.SOCKS5("tcp", e.Address, auth, forward)
		if err != nil {
			return nil, err
		}
		contextDialer, ok := dialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", e.Address)
		}
		dial = contextDialer.DialContext
	case schemeSOCKS4:
		dial = socks4Dialer(e, forward)
	default:
		return nil, fmt.Errorf("%w %q", errUnsupportedScheme, e.Scheme)
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		if !e.RDNS {
			addrs, err := res.ResolveOnce(ctx, addr)
			if err != nil {
				return nil, err
			}
			addr = addrs[0]
		}
		conn, err := dial(ctx, network, addr)
		if err != nil {
			return nil, &Error{Proxy: e.Address, Err: err}
		}
		return conn, nil
	}, nil
}

// socks4Dialer adapts the blocking h12.io/socks dialer to a context-aware
// DialFunc. A dial that completes after ctx is done is closed.
func socks4Dialer(e Endpoint, forward *net.Dialer) DialFunc {
	uri := e.URL()
	if forward != nil && forward.Timeout > 0 {
		uri += "?timeout=" + forward.Timeout.String()
	}
	dial := socks.Dial(uri)
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		type result struct {
			conn net.Conn
			err  error
		}
		results := make(chan result, 1)
		go func() {
			conn, err := dial(network, addr)
			results <- result{conn: conn, err: err}
		}()
		select {
		case res := <-results:
			return res.conn, res.err
		case <-ctx.Done():
			go func() {
				if res := <-results; res.conn != nil {
					_ = res.conn.Close()
				}
			}()
			return nil, ctx.Err()
		}
	}
}
