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

// Package httpmount provides the outbound HTTP clients of a metasearch
// aggregator: clients that talk to many third-party origins at once, route
// each request through a direct connection, an HTTP proxy or a SOCKS proxy
// depending on its URL, and recover from servers that drop idle
// connections.
//
// Clients are created by a [Factory], which owns what clients share: the
// [eventloop.Loop] that exchanges run on, a cache of TLS configurations,
// and a logger. A typical program starts the loop once and then creates a
// client per configured network:
//
//	loop, err := eventloop.Start(ctx)
//	if err != nil {
//	    return err
//	}
//	factory := httpmount.NewFactory(loop, httpmount.WithLogger(logger))
//	client, err := factory.NewClient(httpmount.RouteConfig{
//	    EnableHTTP2: true,
//	    Proxies: map[string]string{
//	        "all://":                "socks5h://127.0.0.1:9050",
//	        "https://*.example.com": "http://proxy.internal:3128",
//	    },
//	})
//
// # Mounts
//
// A client holds a table of "mounts": URL patterns, each bound to a
// transport. Patterns have the form "scheme://[host][:port]", where the
// scheme "all" matches any scheme. A host of "*.example.com" matches only
// subdomains of example.com, while "*example.com" also matches example.com
// itself. When several patterns match, the one with a port wins, then the
// one with the longest host, then the one with a scheme. URLs that match no
// pattern use a default transport that connects directly.
//
// Unless [RouteConfig.EnableHTTP] is set, "http://" is mounted to a
// transport that rejects every request without connecting.
//
// # Transport Architecture
//
// Each transport keeps one "leaf" *http.Transport per origin (scheme, host
// and port), and tracks every connection that a leaf opens. When an
// exchange fails because the connection broke, the leaf of that origin is
// removed and its connections are closed, so the next request to the same
// origin starts over on a fresh connection. Other origins are unaffected.
//
// A failure caused by the server closing the connection is retried once.
// Every failure is reported as an [*Error] whose Kind tells apart
// connection failures, proxy failures, protocol violations and timeouts.
package httpmount
