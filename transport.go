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
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/bufbuild/httpmount/proxydial"
	"golang.org/x/net/http2"
)

const (
	defaultDialTimeout         = 30 * time.Second
	defaultDialKeepAlive       = 30 * time.Second
	defaultTLSHandshakeTimeout = 10 * time.Second
)

var errHTTPDisabled = errors.New("HTTP protocol is disabled")

// Transport performs HTTP exchanges over one route: directly, through an
// HTTP proxy, through a SOCKS proxy, or not at all.
type Transport interface {
	http.RoundTripper
	// CloseIdleConnections drops every pooled connection of the transport.
	CloseIdleConnections()
}

var (
	_ Transport = (*directTransport)(nil)
	_ Transport = (*socksTransport)(nil)
	_ Transport = blockedTransport{}
)

// blockedTransport is mounted on http:// when plain-text HTTP is disabled.
// It fails every request without attempting a connection.
type blockedTransport struct{}

func (blockedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Body != nil {
		_ = req.Body.Close()
	}
	return nil, &Error{Kind: KindUnsupportedProtocol, Origin: OriginFromURL(req.URL), Err: errHTTPDisabled}
}

func (blockedTransport) CloseIdleConnections() {}

// directTransport connects to origins itself, optionally through an HTTP
// proxy (using CONNECT for https:// origins).
type directTransport struct {
	*exchanger
	proxyURL *url.URL
}

// socksTransport tunnels every connection through a SOCKS proxy.
type socksTransport struct {
	*exchanger
	endpoint proxydial.Endpoint
}

// leafConfig holds the settings shared by every leaf transport of a
// Transport.
type leafConfig struct {
	tlsConfig       *tls.Config
	http2           bool
	maxConnections  int
	maxKeepalive    int
	keepaliveExpiry time.Duration
	proxy           func(*http.Request) (*url.URL, error)
}

func (c leafConfig) factory() leafFactory {
	return func(dial dialFunc) *http.Transport {
		transport := &http.Transport{
			Proxy:                 c.proxy,
			DialContext:           dial,
			MaxConnsPerHost:       c.maxConnections,
			MaxIdleConns:          c.maxKeepalive,
			MaxIdleConnsPerHost:   c.maxKeepalive,
			IdleConnTimeout:       c.keepaliveExpiry,
			TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
			TLSClientConfig:       c.tlsConfig,
			ExpectContinueTimeout: 1 * time.Second,
		}
		if c.http2 {
			// Only fails if h2 was already registered, which cannot be the
			// case for a transport created right here.
			_, _ = http2.ConfigureTransports(transport)
		} else {
			// non-nil and empty disables HTTP/2
			transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		}
		return transport
	}
}

// withConnectRetries retries dials that fail to connect, up to retries
// additional times.
func withConnectRetries(dial dialFunc, retries int) dialFunc {
	if retries <= 0 {
		return dial
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		for attempt := 0; ; attempt++ {
			conn, err := dial(ctx, network, addr)
			if err == nil || attempt >= retries || ctx.Err() != nil || classify(err) != KindConnect {
				return conn, err
			}
		}
	}
}
